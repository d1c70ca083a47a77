package config

import (
	"fmt"
	"strings"

	"heraldbot/internal/domain"
)

// Config is the on-disk configuration. All durations are Go duration
// strings (e.g. "30s", "2m"); zero values fall back to the defaults below.
type Config struct {
	App      AppConfig      `json:"app,omitempty"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Telegram TelegramConfig `json:"telegram"`
	Worker   WorkerConfig   `json:"worker"`
	Fleet    FleetConfig    `json:"fleet,omitempty"`
	Schedule ScheduleConfig `json:"schedule,omitempty"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	Notify   NotifyConfig   `json:"notify"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
	Crypto   CryptoConfig   `json:"crypto,omitempty"`
}

type AppConfig struct {
	Environment string `json:"environment,omitempty"` // "dev" (default) or "prod"
	Name        string `json:"name,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	// File is a path for the JSON file sink; empty disables it.
	File     string            `json:"file,omitempty"`
	Telegram LogTelegramConfig `json:"telegram,omitempty"`
}

// LogTelegramConfig forwards high-severity log lines to an admin chat.
type LogTelegramConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"` // default "error"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) | postgres | memory
	Path        string `json:"path,omitempty"`   // sqlite file
	DSN         string `json:"dsn,omitempty"`    // postgres connection string
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default "10s"
}

// WorkerConfig names this process's fleet identity.
type WorkerConfig struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"` // primary (default) | standby
	// TokenEnv is the environment variable holding the bot token.
	TokenEnv string `json:"token_env,omitempty"`
	// HeartbeatInterval is how often this process reports liveness.
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"` // default "60s"
	// HeartbeatTimeout overrides the fleet default for this worker; empty
	// or "0s" keeps the default.
	HeartbeatTimeout string `json:"heartbeat_timeout,omitempty"`
}

// FleetConfig controls the supervisor loop.
type FleetConfig struct {
	// Supervise nil means "run on the primary role only".
	Supervise      *bool  `json:"supervise,omitempty"`
	TickInterval   string `json:"tick_interval,omitempty"`   // default "30s"
	DefaultTimeout string `json:"default_timeout,omitempty"` // default "2m"
}

// ScheduleConfig controls the content scheduler loop.
type ScheduleConfig struct {
	// Enabled nil means "run on the primary role only".
	Enabled      *bool  `json:"enabled,omitempty"`
	TickInterval string `json:"tick_interval,omitempty"` // default "1m"
}

type DispatchConfig struct {
	PermissionCacheTTL string `json:"permission_cache_ttl,omitempty"` // default "5m"
	// MaxConcurrency bounds per-batch delivery fan-out; 0 means unbounded.
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
	PromptText     string `json:"prompt_text,omitempty"` // default "Choose an option:"
}

type NotifyConfig struct {
	Enabled    bool    `json:"enabled"`
	AdminIDs   []int64 `json:"admin_ids,omitempty"`
	RatePerSec int     `json:"rate_per_sec,omitempty"` // default 1
	QueueSize  int     `json:"queue_size,omitempty"`   // default 64
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"` // default "127.0.0.1:9090"
	Pprof   bool   `json:"pprof,omitempty"`
}

type CryptoConfig struct {
	// Key is the base64-encoded 32-byte token sealing key.
	Key string `json:"key,omitempty"`
}

// Role returns the configured worker role, defaulting to primary.
func (w WorkerConfig) RoleOrDefault() domain.WorkerRole {
	if strings.EqualFold(strings.TrimSpace(w.Role), string(domain.RoleStandby)) {
		return domain.RoleStandby
	}
	return domain.RolePrimary
}

// SuperviseEnabled resolves the fleet.supervise tri-state against the role.
func (c *Config) SuperviseEnabled() bool {
	if c.Fleet.Supervise != nil {
		return *c.Fleet.Supervise
	}
	return c.Worker.RoleOrDefault() == domain.RolePrimary
}

// ScheduleEnabled resolves the schedule.enabled tri-state against the role.
func (c *Config) ScheduleEnabled() bool {
	if c.Schedule.Enabled != nil {
		return *c.Schedule.Enabled
	}
	return c.Worker.RoleOrDefault() == domain.RolePrimary
}

// Validate checks cross-field consistency. It does not mutate cfg; defaults
// are applied by the consumers via the ParseDuration helpers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Worker.Name) == "" {
		return fmt.Errorf("worker.name is required")
	}
	if r := strings.TrimSpace(cfg.Worker.Role); r != "" {
		if !strings.EqualFold(r, string(domain.RolePrimary)) && !strings.EqualFold(r, string(domain.RoleStandby)) {
			return fmt.Errorf("worker.role must be primary or standby, got %q", cfg.Worker.Role)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pgx", "memory":
	default:
		return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}

	for _, f := range []struct{ path, raw string }{
		{"worker.heartbeat_interval", cfg.Worker.HeartbeatInterval},
		{"worker.heartbeat_timeout", cfg.Worker.HeartbeatTimeout},
		{"fleet.tick_interval", cfg.Fleet.TickInterval},
		{"fleet.default_timeout", cfg.Fleet.DefaultTimeout},
		{"schedule.tick_interval", cfg.Schedule.TickInterval},
		{"dispatch.permission_cache_ttl", cfg.Dispatch.PermissionCacheTTL},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if cfg.Dispatch.MaxConcurrency < 0 {
		return fmt.Errorf("dispatch.max_concurrency must be >= 0")
	}
	return nil
}
