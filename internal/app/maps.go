package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"heraldbot/internal/config"
	"heraldbot/internal/dispatch"
	"heraldbot/internal/fleet"
	"heraldbot/internal/notify"
	metrics "heraldbot/internal/observability/metrics"
	"heraldbot/internal/schedule"
	"heraldbot/internal/storage"
	telegram "heraldbot/internal/transport/telegram/adapter"
	logx "heraldbot/pkg/logx"
)

// DefaultTokenEnv is consulted when worker.token_env is not configured.
const DefaultTokenEnv = "HERALDBOT_TOKEN"

func mapLogxConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    cfg.Logging.File,
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}

	out := storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}
	switch driver {
	case "sqlite", "sqlite3":
		if out.Path == "" {
			out.Path = "heraldbot.db"
		}
	case "postgres", "postgresql", "pgx":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	case "memory":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

// mapAdapterConfig resolves the bot token from the configured environment
// variable. Returns enabled=false when the transport is switched off.
func mapAdapterConfig(cfg *config.Config) (telegram.Config, bool, error) {
	if !cfg.Telegram.Enabled {
		return telegram.Config{}, false, nil
	}
	env := strings.TrimSpace(cfg.Worker.TokenEnv)
	if env == "" {
		env = DefaultTokenEnv
	}
	token := strings.TrimSpace(os.Getenv(env))
	if token == "" {
		return telegram.Config{}, false, fmt.Errorf("telegram is enabled but %s is empty", env)
	}
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{Token: token, PollTimeout: poll}, true, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	ttl, err := config.ParseDurationOrDefault("dispatch.permission_cache_ttl",
		cfg.Dispatch.PermissionCacheTTL, dispatch.DefaultPermissionTTL)
	if err != nil {
		return dispatch.Config{}, err
	}
	if cfg.Dispatch.MaxConcurrency < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.max_concurrency must be >= 0")
	}
	return dispatch.Config{
		PermissionCacheTTL: ttl,
		MaxConcurrency:     cfg.Dispatch.MaxConcurrency,
		PromptText:         cfg.Dispatch.PromptText,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		Enabled:    cfg.Notify.Enabled,
		AdminIDs:   cfg.Notify.AdminIDs,
		RatePerSec: cfg.Notify.RatePerSec,
		QueueSize:  cfg.Notify.QueueSize,
	}
}

func mapMetricsConfig(cfg *config.Config) metrics.Config {
	return metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Listen:  cfg.Metrics.Listen,
		Pprof:   cfg.Metrics.Pprof,
	}
}

func mapReporterConfig(cfg *config.Config) (fleet.ReporterConfig, error) {
	ival, err := config.ParseDurationOrDefault("worker.heartbeat_interval",
		cfg.Worker.HeartbeatInterval, fleet.DefaultHeartbeatInterval)
	if err != nil {
		return fleet.ReporterConfig{}, err
	}
	return fleet.ReporterConfig{
		WorkerName: strings.TrimSpace(cfg.Worker.Name),
		Interval:   ival,
	}, nil
}

func mapSupervisorConfig(cfg *config.Config) (fleet.SupervisorConfig, error) {
	tick, err := config.ParseDurationOrDefault("fleet.tick_interval",
		cfg.Fleet.TickInterval, fleet.DefaultTickInterval)
	if err != nil {
		return fleet.SupervisorConfig{}, err
	}
	timeout, err := config.ParseDurationOrDefault("fleet.default_timeout",
		cfg.Fleet.DefaultTimeout, fleet.DefaultTimeout)
	if err != nil {
		return fleet.SupervisorConfig{}, err
	}
	return fleet.SupervisorConfig{TickInterval: tick, DefaultTimeout: timeout}, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	tick, err := config.ParseDurationOrDefault("schedule.tick_interval",
		cfg.Schedule.TickInterval, schedule.DefaultTickInterval)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{TickInterval: tick}, nil
}
