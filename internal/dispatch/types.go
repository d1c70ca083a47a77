package dispatch

import (
	"context"
	"time"

	"heraldbot/internal/domain"
	"heraldbot/internal/notify"
	"heraldbot/internal/transport"
)

// Defaults used when the corresponding Config field is unset. The cache TTL
// default is resolved by the caller (config layer), not here: a zero TTL
// reaching the engine means caching is deliberately off.
const (
	DefaultPermissionTTL = 5 * time.Minute
	DefaultPromptText    = "Choose an option:"
)

// Config tunes one engine instance. All fields are hot-reloadable via
// Engine.Apply.
type Config struct {
	// PermissionCacheTTL bounds how long a positive admin check is trusted
	// without re-asking the transport. <= 0 disables caching.
	PermissionCacheTTL time.Duration
	// MaxConcurrency caps per-batch delivery fan-out. 0 means unbounded.
	MaxConcurrency int
	// PromptText carries the buttons when a payload has neither media nor
	// text.
	PromptText string
}

// Report summarizes one delivery batch. Targets == Sent+Skipped+Failed
// unless the batch was cut short by cancellation.
type Report struct {
	Batch   string        `json:"batch"`
	GroupID int64         `json:"group_id"`
	Slug    string        `json:"slug"`
	Targets int           `json:"targets"`
	Sent    int           `json:"sent"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Took    time.Duration `json:"took"`
}

// DeliveryEvent is the bus payload for per-target outcomes
// (dispatch.sent / dispatch.skipped / dispatch.failed).
type DeliveryEvent struct {
	Batch   string `json:"batch"`
	GroupID int64  `json:"group_id"`
	Slug    string `json:"slug"`
	ChatID  int64  `json:"chat_id"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Transport is the delivery surface the engine drives; the Telegram adapter
// satisfies it. IsAdministrator reports false (not an error) when the bot
// has no access to the chat at all.
type Transport interface {
	IsAdministrator(ctx context.Context, chatID int64) (bool, error)
	SendText(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) error
	SendMedia(ctx context.Context, chatID int64, media domain.MediaItem, caption string, opt *transport.SendOptions) error
}

// Alerter forwards per-target delivery failures to administrators.
// notify.Service satisfies it; a nil Alerter drops the reports.
type Alerter interface {
	Alertf(ctx context.Context, sev notify.Severity, format string, args ...any) error
}
