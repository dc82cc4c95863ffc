package relaychat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	meta                     -> version, savedAt, counters
//	pending/<user>           -> pendingSnapshot
//	mailbox/<user>\x00<chat> -> []MailboxEntry, newest first
//
// Values carry their own user and chat so keys never need to be parsed.
var (
	pebbleMetaKey       = []byte("meta")
	pebblePendingPrefix = []byte("pending/")
	pebbleMailboxPrefix = []byte("mailbox/")
)

type pebbleMeta struct {
	Version        int               `json:"version"`
	SavedAt        time.Time         `json:"savedAt"`
	Counters       map[ChatID]uint64 `json:"counters"`
	BannerCounters map[ChatID]uint64 `json:"bannerCounters,omitempty"`
}

type pebblePendingValue struct {
	User    UserID          `json:"user"`
	Pending pendingSnapshot `json:"pending"`
}

type pebbleMailboxValue struct {
	User    UserID         `json:"user"`
	Chat    ChatID         `json:"chat"`
	Entries []MailboxEntry `json:"entries"`
}

// PebbleStateBackend spreads the snapshot over one key per user queue and per
// user chat mailbox so a reload only decodes what it needs.
type PebbleStateBackend struct {
	dir string

	initOnce sync.Once
	initErr  error
	db       *pebble.DB
}

func NewPebbleStateBackend(dir string) (StateBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	return &PebbleStateBackend{dir: dir}, nil
}

func (b *PebbleStateBackend) ensureReady() error {
	b.initOnce.Do(func() {
		b.db, b.initErr = pebble.Open(b.dir, &pebble.Options{})
	})
	return b.initErr
}

func (b *PebbleStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	raw, closer, err := b.db.Get(pebbleMetaKey)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta pebbleMeta
	err = json.Unmarshal(raw, &meta)
	_ = closer.Close()
	if err != nil {
		return nil, fmt.Errorf("decode pebble meta: %w", err)
	}
	if meta.Version > persistedStateVersion {
		return nil, fmt.Errorf("%w: state snapshot version %d", ErrNotImplemented, meta.Version)
	}
	state := &persistedState{
		Version:        meta.Version,
		SavedAt:        meta.SavedAt,
		Counters:       meta.Counters,
		BannerCounters: meta.BannerCounters,
		Pending:        map[UserID]pendingSnapshot{},
		Mailboxes:      map[UserID]map[ChatID][]MailboxEntry{},
	}

	err = b.scan(pebblePendingPrefix, func(value []byte) error {
		var v pebblePendingValue
		if err := json.Unmarshal(value, &v); err != nil {
			return err
		}
		state.Pending[v.User] = v.Pending
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode pebble pending: %w", err)
	}
	err = b.scan(pebbleMailboxPrefix, func(value []byte) error {
		var v pebbleMailboxValue
		if err := json.Unmarshal(value, &v); err != nil {
			return err
		}
		chats := state.Mailboxes[v.User]
		if chats == nil {
			chats = map[ChatID][]MailboxEntry{}
			state.Mailboxes[v.User] = chats
		}
		chats[v.Chat] = v.Entries
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode pebble mailbox: %w", err)
	}
	return state, nil
}

func (b *PebbleStateBackend) scan(prefix []byte, fn func(value []byte) error) error {
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if err := fn(append([]byte(nil), iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Save replaces the previous snapshot atomically in one batch.
func (b *PebbleStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	batch := b.db.NewBatch()
	defer batch.Close()

	for _, prefix := range [][]byte{pebblePendingPrefix, pebbleMailboxPrefix} {
		if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
			return err
		}
	}
	meta, err := json.Marshal(pebbleMeta{
		Version:        persistedStateVersion,
		SavedAt:        state.SavedAt,
		Counters:       state.Counters,
		BannerCounters: state.BannerCounters,
	})
	if err != nil {
		return err
	}
	if err := batch.Set(pebbleMetaKey, meta, nil); err != nil {
		return err
	}
	for user, pending := range state.Pending {
		value, err := json.Marshal(pebblePendingValue{User: user, Pending: pending})
		if err != nil {
			return err
		}
		key := append(append([]byte(nil), pebblePendingPrefix...), string(user)...)
		if err := batch.Set(key, value, nil); err != nil {
			return err
		}
	}
	for user, chats := range state.Mailboxes {
		for chat, entries := range chats {
			value, err := json.Marshal(pebbleMailboxValue{User: user, Chat: chat, Entries: entries})
			if err != nil {
				return err
			}
			key := append(append([]byte(nil), pebbleMailboxPrefix...), string(user)...)
			key = append(key, 0)
			key = strconv.AppendUint(key, uint64(chat), 10)
			if err := batch.Set(key, value, nil); err != nil {
				return err
			}
		}
	}
	return batch.Commit(pebble.Sync)
}

func (b *PebbleStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
