package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaychat/internal/logx"
)

const watchDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes on disk and hands every
// distinct valid result to OnChange. Invalid edits are logged and skipped.
type Watcher struct {
	Path     string
	Log      logx.Logger
	OnChange func(*Config)

	mu       sync.Mutex
	lastHash uint64
}

func NewWatcher(path string, current *Config, log logx.Logger, onChange func(*Config)) *Watcher {
	return &Watcher{Path: path, Log: log, OnChange: onChange, lastHash: hashConfig(current)}
}

// Watch blocks until ctx is done. The parent directory is watched so editors
// that replace the file through a rename are handled.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.Path)); err != nil {
		return err
	}
	file := filepath.Base(w.Path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, w.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Log.Warn("config watch error", logx.Err(err), logx.String("path", w.Path))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := ParseFile(w.Path)
	if err == nil {
		ApplyEnv(cfg, w.Log)
		err = cfg.Validate()
	}
	if err != nil {
		w.Log.Warn("config reload rejected", logx.String("path", w.Path), logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	w.mu.Lock()
	unchanged := h != 0 && h == w.lastHash
	if !unchanged {
		w.lastHash = h
	}
	w.mu.Unlock()
	if unchanged {
		w.Log.Debug("config unchanged; skipping reload", logx.String("path", w.Path))
		return
	}
	w.Log.Info("config reloaded", logx.String("path", w.Path))
	if w.OnChange != nil {
		w.OnChange(cfg)
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
