package relaychat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const persistedStateVersion = 1

type persistedState struct {
	Version        int                                  `json:"version"`
	SavedAt        time.Time                            `json:"savedAt"`
	Counters       map[ChatID]uint64                    `json:"counters"`
	BannerCounters map[ChatID]uint64                    `json:"bannerCounters,omitempty"`
	Pending        map[UserID]pendingSnapshot           `json:"pending"`
	Mailboxes      map[UserID]map[ChatID][]MailboxEntry `json:"mailboxes"`
}

// StateBackend persists the hub snapshot. Load runs once at startup and Save
// once at shutdown. Load returns (nil, nil) when nothing was saved yet.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decodeState(data)
}

// Save writes to a temporary file and renames it over the target so a crash
// mid-write never leaves a truncated snapshot.
func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || b.Path == "" || state == nil {
		return nil
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// InMemoryStateBackend keeps a deep copy of the last saved snapshot. It lets a
// hub be restarted inside one process, which tests rely on.
type InMemoryStateBackend struct {
	mu   sync.Mutex
	data []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	return decodeState(b.data)
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.data = data
	b.mu.Unlock()
	return nil
}

func decodeState(data []byte) (*persistedState, error) {
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode state snapshot: %w", err)
	}
	if snapshot.Version > persistedStateVersion {
		return nil, fmt.Errorf("%w: state snapshot version %d", ErrNotImplemented, snapshot.Version)
	}
	return &snapshot, nil
}

// BuildStateBackendFromDSN selects a backend by URL scheme. An empty DSN means
// no persistence.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStateBackend(path)
	case "redis", "rediss":
		return NewRedisStateBackend(dsn)
	case "pebble":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewPebbleStateBackend(path)
	case "mysql":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

// dsnPath extracts a filesystem path from scheme://path DSNs. Both
// scheme:///abs/path and scheme://relative/path are accepted.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func encodeState(state *persistedState) ([]byte, error) {
	if state.Version == 0 {
		state.Version = persistedStateVersion
	}
	return json.Marshal(state)
}
