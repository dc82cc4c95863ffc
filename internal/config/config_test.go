package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaychat/internal/logx"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseFileFormatsAgree(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"relaychat.yaml": `
addr: ":9090"
heartbeat: 10s
self_delivery: true
log:
  level: debug
directory:
  tokens:
    tok-a: alice
  chats:
    7: [alice, bob]
`,
		"relaychat.toml": `
addr = ":9090"
heartbeat = "10s"
self_delivery = true

[log]
level = "debug"

[directory.tokens]
tok-a = "alice"

[directory.chats]
"7" = ["alice", "bob"]
`,
		"relaychat.json": `{"addr":":9090","heartbeat":"10s","self_delivery":true,"log":{"level":"debug"},
"directory":{"tokens":{"tok-a":"alice"},"chats":{"7":["alice","bob"]}}}`,
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			cfg, err := ParseFile(writeFile(t, dir, name, body))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if cfg.Addr != ":9090" || !cfg.SelfDelivery || cfg.Log.Level != "debug" {
				t.Fatalf("unexpected config %+v", cfg)
			}
			if cfg.Log.Format != "console" {
				t.Fatalf("expected defaults to survive partial log section, got %q", cfg.Log.Format)
			}
			heartbeat, err := cfg.HeartbeatInterval()
			if err != nil || heartbeat != 10*time.Second {
				t.Fatalf("expected 10s heartbeat, got %s (%v)", heartbeat, err)
			}
			tokens, chats, err := cfg.Directory.Tables()
			if err != nil {
				t.Fatalf("tables: %v", err)
			}
			if tokens["tok-a"] != "alice" || len(chats[7]) != 2 {
				t.Fatalf("unexpected directory tables %v %v", tokens, chats)
			}
		})
	}
}

func TestParseFileRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "addr: \":1\"\nbogus: true\n")
	if _, err := ParseFile(path); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadAppliesDotEnvAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "relaychat.yaml", "addr: \":9090\"\npending_limit: 10\n")
	envPath := writeFile(t, dir, ".env", "RELAYCHAT_JWT_SECRET=from-dotenv\n")
	t.Setenv("RELAYCHAT_ADDR", ":7070")
	t.Setenv("RELAYCHAT_PENDING_LIMIT", "not-a-number")
	t.Setenv("RELAYCHAT_RATE_LIMIT_PER_SECOND", "2.5")
	t.Cleanup(func() { _ = os.Unsetenv("RELAYCHAT_JWT_SECRET") })

	cfg, err := Load(cfgPath, envPath, logx.Nop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Fatalf("expected env addr to win, got %q", cfg.Addr)
	}
	if cfg.PendingLimit != 10 {
		t.Fatalf("expected invalid env value to fall back to file value, got %d", cfg.PendingLimit)
	}
	if cfg.JWTSecret != "from-dotenv" {
		t.Fatalf("expected .env value, got %q", cfg.JWTSecret)
	}
	if cfg.RateLimit.PerSecond != 2.5 {
		t.Fatalf("expected rate limit 2.5, got %v", cfg.RateLimit.PerSecond)
	}
	if _, err := Load("", filepath.Join(dir, "missing.env"), logx.Nop()); err != nil {
		t.Fatalf("missing .env must be ignored: %v", err)
	}
}

func TestStateBackendDSNProfiles(t *testing.T) {
	cases := []struct {
		profile string
		want    string
		wantErr bool
	}{
		{profile: "", want: ""},
		{profile: "memory", want: "memory://"},
		{profile: "durable-local", want: "file://" + filepath.Join("data", "state.json")},
		{profile: "sqlite", want: "sqlite://" + filepath.Join("data", "state.db")},
		{profile: "embedded", want: "pebble://" + filepath.Join("data", "pebble")},
		{profile: "production", wantErr: true},
		{profile: "nope", wantErr: true},
	}
	for _, tc := range cases {
		cfg := Defaults()
		cfg.StorageProfile = tc.profile
		cfg.DataDir = "data"
		got, err := cfg.StateBackendDSN()
		if tc.wantErr {
			if err == nil {
				t.Fatalf("profile %q: expected error", tc.profile)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("profile %q: expected %q, got %q (%v)", tc.profile, tc.want, got, err)
		}
	}
	cfg := Defaults()
	cfg.StorageProfile = "production"
	cfg.StateDSN = "postgres://db/relaychat"
	if got, err := cfg.StateBackendDSN(); err != nil || got != "postgres://db/relaychat" {
		t.Fatalf("explicit dsn must win, got %q (%v)", got, err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.Heartbeat = "soon"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid heartbeat to be rejected")
	}
	cfg = Defaults()
	cfg.Directory.Chats = map[string][]string{"seven": {"alice"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid chat id to be rejected")
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relaychat.yaml", "log:\n  level: info\n")
	initial, err := ParseFile(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	changed := make(chan *Config, 4)
	w := NewWatcher(path, initial, logx.Nop(), func(cfg *Config) { changed <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		writeFile(t, dir, "relaychat.yaml", "log:\n  level: debug\n")
		select {
		case cfg := <-changed:
			if cfg.Log.Level != "debug" {
				t.Fatalf("expected debug level after reload, got %q", cfg.Log.Level)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("watch returned error: %v", err)
			}
			return
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for config reload")
		}
	}
}
