package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/agentworkforce/relaychat/internal/logx"
)

const envPrefix = "RELAYCHAT_"

// ApplyEnv overrides cfg with RELAYCHAT_* variables. Malformed numeric values
// are logged and ignored.
func ApplyEnv(cfg *Config, log logx.Logger) {
	stringEnv(&cfg.Addr, "ADDR")
	stringEnv(&cfg.Log.Level, "LOG_LEVEL")
	stringEnv(&cfg.Log.Format, "LOG_FORMAT")
	stringEnv(&cfg.StorageProfile, "STORAGE_PROFILE")
	stringEnv(&cfg.DataDir, "DATA_DIR")
	stringEnv(&cfg.StateDSN, "STATE_DSN")
	stringEnv(&cfg.Heartbeat, "HEARTBEAT")
	stringEnv(&cfg.JWTSecret, "JWT_SECRET")
	cfg.ChannelBuffer = intEnv(log, "CHANNEL_BUFFER", cfg.ChannelBuffer)
	cfg.PendingLimit = intEnv(log, "PENDING_LIMIT", cfg.PendingLimit)
	cfg.MaxBodyBytes = int64Env(log, "MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.SelfDelivery = boolEnv(log, "SELF_DELIVERY", cfg.SelfDelivery)
	cfg.RateLimit.PerSecond = floatEnv(log, "RATE_LIMIT_PER_SECOND", cfg.RateLimit.PerSecond)
	cfg.RateLimit.Burst = intEnv(log, "RATE_LIMIT_BURST", cfg.RateLimit.Burst)
}

func stringEnv(dst *string, name string) {
	if raw := strings.TrimSpace(os.Getenv(envPrefix + name)); raw != "" {
		*dst = raw
	}
}

func intEnv(log logx.Logger, name string, fallback int) int {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn("invalid environment value, using fallback", logx.String("name", envPrefix+name), logx.String("value", raw), logx.Int("fallback", fallback))
		return fallback
	}
	return value
}

func int64Env(log logx.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn("invalid environment value, using fallback", logx.String("name", envPrefix+name), logx.String("value", raw), logx.Int64("fallback", fallback))
		return fallback
	}
	return value
}

func floatEnv(log logx.Logger, name string, fallback float64) float64 {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn("invalid environment value, using fallback", logx.String("name", envPrefix+name), logx.String("value", raw), logx.Any("fallback", fallback))
		return fallback
	}
	return value
}

func boolEnv(log logx.Logger, name string, fallback bool) bool {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn("invalid environment value, using fallback", logx.String("name", envPrefix+name), logx.String("value", raw), logx.Bool("fallback", fallback))
		return fallback
	}
	return value
}
