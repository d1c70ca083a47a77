package config

import (
	"reflect"
	"sort"
	"strings"

	logx "heraldbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the crypto key) are only reported as
// set/unset booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_set", strings.TrimSpace(newCfg.Logging.File) != ""),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.String("worker.name", strings.TrimSpace(newCfg.Worker.Name)),
			logx.String("worker.role", string(newCfg.Worker.RoleOrDefault())),
			logx.String("worker.heartbeat_interval", strings.TrimSpace(newCfg.Worker.HeartbeatInterval)),
		)
	}

	if !fleetEqual(oldCfg.Fleet, newCfg.Fleet) {
		changed = append(changed, "fleet")
		attrs = append(attrs,
			logx.Bool("fleet.supervise", newCfg.SuperviseEnabled()),
			logx.String("fleet.tick_interval", strings.TrimSpace(newCfg.Fleet.TickInterval)),
			logx.String("fleet.default_timeout", strings.TrimSpace(newCfg.Fleet.DefaultTimeout)),
		)
	}

	if !scheduleEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Bool("schedule.enabled", newCfg.ScheduleEnabled()),
			logx.String("schedule.tick_interval", strings.TrimSpace(newCfg.Schedule.TickInterval)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.permission_cache_ttl", strings.TrimSpace(newCfg.Dispatch.PermissionCacheTTL)),
			logx.Int("dispatch.max_concurrency", newCfg.Dispatch.MaxConcurrency),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newCfg.Notify.Enabled),
			logx.Int("notify.admin_count", len(newCfg.Notify.AdminIDs)),
			logx.Int("notify.rate_per_sec", newCfg.Notify.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.listen", strings.TrimSpace(newCfg.Metrics.Listen)),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	// Crypto: never log the key itself.
	if oldCfg.Crypto.Key != newCfg.Crypto.Key {
		changed = append(changed, "crypto")
		attrs = append(attrs,
			logx.Bool("crypto.key_set", strings.TrimSpace(newCfg.Crypto.Key) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// fleetEqual and scheduleEqual compare pointer tri-states by value.
func fleetEqual(a, b FleetConfig) bool {
	if !boolPtrEqual(a.Supervise, b.Supervise) {
		return false
	}
	return a.TickInterval == b.TickInterval && a.DefaultTimeout == b.DefaultTimeout
}

func scheduleEqual(a, b ScheduleConfig) bool {
	if !boolPtrEqual(a.Enabled, b.Enabled) {
		return false
	}
	return a.TickInterval == b.TickInterval
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
