// Package config loads relaychat settings from defaults, an optional .env
// file, a YAML, TOML or JSON config file and RELAYCHAT_* environment
// variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/relaychat/internal/logx"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const (
	DefaultAddr      = ":8080"
	DefaultHeartbeat = 30 * time.Second
	DefaultDataDir   = ".relaychat"
)

type Config struct {
	Addr           string          `json:"addr"`
	Log            logx.Config     `json:"log"`
	StorageProfile string          `json:"storage_profile"`
	DataDir        string          `json:"data_dir"`
	StateDSN       string          `json:"state_dsn"`
	Heartbeat      string          `json:"heartbeat"`
	ChannelBuffer  int             `json:"channel_buffer"`
	PendingLimit   int             `json:"pending_limit"`
	SelfDelivery   bool            `json:"self_delivery"`
	JWTSecret      string          `json:"jwt_secret"`
	MaxBodyBytes   int64           `json:"max_body_bytes"`
	RateLimit      RateLimitConfig `json:"rate_limit"`
	Directory      DirectoryConfig `json:"directory"`
}

type RateLimitConfig struct {
	// PerSecond is the sustained request rate per token; zero disables limiting.
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst"`
}

// DirectoryConfig is a static session and chat directory. Chat keys are
// decimal chat ids.
type DirectoryConfig struct {
	Tokens map[string]string   `json:"tokens"`
	Chats  map[string][]string `json:"chats"`
}

func Defaults() Config {
	return Config{
		Addr:      DefaultAddr,
		Log:       logx.Config{Level: "info", Format: "console"},
		DataDir:   DefaultDataDir,
		Heartbeat: DefaultHeartbeat.String(),
	}
}

// Load builds the effective configuration. path may be empty, in which case
// only defaults, the .env file and the environment apply.
func Load(path, dotEnvPath string, log logx.Logger) (*Config, error) {
	if err := LoadDotEnv(dotEnvPath); err != nil {
		return nil, err
	}
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		parsed, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		cfg = *parsed
	}
	ApplyEnv(&cfg, log)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs without overriding variables that are
// already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("addr: must not be empty")
	}
	if _, err := c.HeartbeatInterval(); err != nil {
		return err
	}
	if c.ChannelBuffer < 0 {
		return errors.New("channel_buffer: must be >= 0")
	}
	if c.PendingLimit < 0 {
		return errors.New("pending_limit: must be >= 0")
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("max_body_bytes: must be >= 0")
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit: values must be >= 0")
	}
	if _, _, err := c.Directory.Tables(); err != nil {
		return err
	}
	if _, err := c.StateBackendDSN(); err != nil {
		return err
	}
	return nil
}

func (c *Config) HeartbeatInterval() (time.Duration, error) {
	return ParseDurationOrDefault("heartbeat", c.Heartbeat, DefaultHeartbeat)
}

// StateBackendDSN resolves the state DSN. An explicit state_dsn wins over the
// storage profile defaults.
func (c *Config) StateBackendDSN() (string, error) {
	if dsn := strings.TrimSpace(c.StateDSN); dsn != "" {
		return dsn, nil
	}
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	profile := strings.ToLower(strings.TrimSpace(c.StorageProfile))
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "state.db"), nil
	case "embedded", "pebble":
		return "pebble://" + filepath.Join(dataDir, "pebble"), nil
	case "production", "prod":
		return "", fmt.Errorf("state_dsn is required when storage_profile=%s", profile)
	default:
		return "", fmt.Errorf("unsupported storage_profile: %s", profile)
	}
}

// Tables converts the directory section into lookup tables.
func (d DirectoryConfig) Tables() (map[string]relaychat.UserID, map[relaychat.ChatID][]relaychat.UserID, error) {
	tokens := make(map[string]relaychat.UserID, len(d.Tokens))
	for token, user := range d.Tokens {
		tokens[token] = relaychat.UserID(strings.TrimSpace(user))
	}
	chats := make(map[relaychat.ChatID][]relaychat.UserID, len(d.Chats))
	for rawID, members := range d.Chats {
		id, err := strconv.ParseUint(strings.TrimSpace(rawID), 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("directory.chats: invalid chat id %q", rawID)
		}
		users := make([]relaychat.UserID, 0, len(members))
		for _, member := range members {
			users = append(users, relaychat.UserID(strings.TrimSpace(member)))
		}
		chats[relaychat.ChatID(id)] = users
	}
	return tokens, chats, nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
