package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/relaychat/internal/config"
	"github.com/agentworkforce/relaychat/internal/httpapi"
	"github.com/agentworkforce/relaychat/internal/logx"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("RELAYCHAT_CONFIG"), "config file (yaml, toml or json)")
	envPath := flag.String("env-file", envOrDefault("RELAYCHAT_ENV_FILE", ".env"), "dotenv file loaded before the environment")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *envPath); err != nil {
		fmt.Fprintf(os.Stderr, "relaychat: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, envPath string) error {
	logs, log := logx.New(config.Defaults().Log)
	cfg, err := config.Load(configPath, envPath, log)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logs.Apply(cfg.Log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := buildApp(cfg, log, reg)
	if err != nil {
		return err
	}

	if configPath != "" {
		watcher := config.NewWatcher(configPath, cfg, log, func(next *config.Config) {
			logs.Apply(next.Log)
			if err := app.reloadDirectory(next, log); err != nil {
				log.Warn("directory reload failed", logx.Err(err))
				return
			}
			log.Info("config reloaded", logx.String("path", configPath))
		})
		go func() {
			if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("config watcher stopped", logx.Err(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Streaming handlers only return once their channel closes.
	srv.RegisterOnShutdown(app.hub.Registry().CloseAll)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("relaychat listening", logx.String("addr", cfg.Addr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = app.hub.Close()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}
	return app.shutdown(srv, log)
}

type app struct {
	hub       *relaychat.Hub
	directory *relaychat.StaticDirectory
	server    *httpapi.Server
}

func buildApp(cfg *config.Config, log logx.Logger, reg *prometheus.Registry) (*app, error) {
	dsn, err := cfg.StateBackendDSN()
	if err != nil {
		return nil, err
	}
	var backend relaychat.StateBackend
	if dsn != "" {
		backend, err = relaychat.BuildStateBackendFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("state backend: %w", err)
		}
	}
	tokens, chats, err := cfg.Directory.Tables()
	if err != nil {
		return nil, err
	}
	directory := relaychat.NewStaticDirectory(tokens, chats)
	sessions := relaychat.SessionChain{directory}
	if cfg.JWTSecret != "" {
		sessions = append(sessions, httpapi.NewJWTSessions(cfg.JWTSecret))
	}
	heartbeat, err := cfg.HeartbeatInterval()
	if err != nil {
		return nil, err
	}

	hub := relaychat.NewHub(relaychat.HubOptions{
		Sessions:      sessions,
		Chats:         directory,
		StateBackend:  backend,
		PendingLimit:  cfg.PendingLimit,
		ChannelBuffer: cfg.ChannelBuffer,
		SelfDelivery:  cfg.SelfDelivery,
		Metrics:       relaychat.NewMetrics(reg),
		Logger:        log.With(logx.String("component", "hub")),
	})
	relaychat.RegisterLiveChannels(reg, hub.Registry())
	if err := hub.Load(); err != nil {
		_ = hub.Close()
		return nil, err
	}

	server := httpapi.NewServerWithConfig(hub, httpapi.ServerConfig{
		Heartbeat:          heartbeat,
		RateLimitPerSecond: cfg.RateLimit.PerSecond,
		RateLimitBurst:     cfg.RateLimit.Burst,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:             log,
	})
	return &app{hub: hub, directory: directory, server: server}, nil
}

// reloadDirectory swaps the directory tables and announces members that were
// added to chats which already existed.
func (a *app) reloadDirectory(cfg *config.Config, log logx.Logger) error {
	tokens, chats, err := cfg.Directory.Tables()
	if err != nil {
		return err
	}
	previous := make(map[relaychat.ChatID]map[relaychat.UserID]bool, len(chats))
	for chat := range chats {
		members, err := a.directory.Members(chat)
		if err != nil {
			continue
		}
		set := make(map[relaychat.UserID]bool, len(members))
		for _, member := range members {
			set[member] = true
		}
		previous[chat] = set
	}
	a.directory.Replace(tokens, chats)

	for chat, members := range chats {
		known, ok := previous[chat]
		if !ok {
			continue
		}
		for _, member := range members {
			if member == "" || known[member] {
				continue
			}
			known[member] = true
			if _, err := a.hub.AnnounceJoin(chat, member); err != nil {
				log.Warn("join banner failed",
					logx.Uint64("chat", uint64(chat)),
					logx.String("user", string(member)),
					logx.Err(err),
				)
			}
		}
	}
	return nil
}

// shutdown drains the server and saves state. A failed save is returned so
// the process exits non-zero.
func (a *app) shutdown(srv *http.Server, log logx.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown incomplete", logx.Err(err))
	}
	saveErr := a.hub.Save()
	if err := a.hub.Close(); err != nil {
		log.Warn("state backend close failed", logx.Err(err))
	}
	return saveErr
}

func envOrDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
