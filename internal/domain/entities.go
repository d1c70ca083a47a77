package domain

import "time"

// WorkerStatus is the lifecycle state of a bot instance.
//
// Transitions: active <-> offline (supervisor), standby -> active
// (fleet-wide promotion only). Nothing demotes an active worker back to
// standby automatically.
type WorkerStatus string

const (
	WorkerActive  WorkerStatus = "active"
	WorkerStandby WorkerStatus = "standby"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerRole is the configured role of this process's worker identity.
type WorkerRole string

const (
	RolePrimary WorkerRole = "primary"
	RoleStandby WorkerRole = "standby"
)

// Status maps a role to the initial status a freshly registered worker gets.
func (r WorkerRole) Status() WorkerStatus {
	if r == RoleStandby {
		return WorkerStandby
	}
	return WorkerActive
}

// Worker is one redundant bot instance of the fleet.
type Worker struct {
	ID     int64
	Name   string
	Status WorkerStatus
	// LastHeartbeat is nil until the instance reports liveness at least once.
	LastHeartbeat *time.Time
	// HeartbeatTimeout of 0 means "use the fleet default".
	HeartbeatTimeout time.Duration
	// TokenCipher is the sealed transport credential. Opaque here; the
	// registry seals it and the app opens its own at startup.
	TokenCipher []byte
	CreatedAt   time.Time
}

// TimeoutOr returns the worker's own heartbeat timeout, or def when unset.
func (w Worker) TimeoutOr(def time.Duration) time.Duration {
	if w.HeartbeatTimeout > 0 {
		return w.HeartbeatTimeout
	}
	return def
}

// HealthyAt reports whether the worker's last heartbeat is recent enough at
// the given instant. A worker that never reported liveness is unhealthy.
func (w Worker) HealthyAt(now time.Time, def time.Duration) bool {
	if w.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*w.LastHeartbeat) <= w.TimeoutOr(def)
}

// DeliveryTarget is a chat the fleet broadcasts into.
type DeliveryTarget struct {
	ID     int64
	ChatID int64
	Title  string
	// WorkerID is the worker currently holding the lease, nil when
	// unassigned (e.g. after a failover with no replacement).
	WorkerID *int64
	// ContentGroupID links the target to the content it receives.
	ContentGroupID *int64
	Active         bool
}

// MediaKind enumerates the media types the transport can carry.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAnimation MediaKind = "animation"
)

// SupportsSpoiler reports whether the kind accepts a spoiler overlay.
// Documents never do.
func (k MediaKind) SupportsSpoiler() bool {
	switch k {
	case MediaPhoto, MediaVideo, MediaAnimation:
		return true
	default:
		return false
	}
}

// MediaItem is one weighted media candidate of a content group.
type MediaItem struct {
	ID      int64
	Kind    MediaKind
	FileRef string
	Caption string
	Weight  int
	Spoiler bool
}

// TextItem is one weighted message-text candidate of a content group.
type TextItem struct {
	ID     int64
	Text   string
	Weight int
}

// ButtonItem is an inline URL button. Buttons are never picked randomly;
// the full set is attached, ordered by weight then id.
type ButtonItem struct {
	ID     int64
	Label  string
	URL    string
	Weight int
}

// ContentGroup is a broadcastable content collection ("category").
type ContentGroup struct {
	ID   int64
	Slug string
	Name string

	Media   []MediaItem
	Texts   []TextItem
	Buttons []ButtonItem

	// RandomMedia / RandomText pick weighted-random when true, first item
	// in natural order when false.
	RandomMedia  bool
	RandomText   bool
	SpoilerMedia bool

	// DispatchInterval of nil means the group is never auto-scheduled.
	DispatchInterval *time.Duration
	// DispatchCron, when non-empty, takes precedence over the interval.
	DispatchCron   string
	NextDispatchAt *time.Time
}

// AutoScheduled reports whether the scheduler may ever pick this group up.
func (g ContentGroup) AutoScheduled() bool {
	return g.DispatchInterval != nil || g.DispatchCron != ""
}

// FailoverRecord is an immutable audit entry for one target reassignment.
// NewWorkerID is nil when no healthy replacement existed.
type FailoverRecord struct {
	ID          int64
	TargetID    int64
	OldWorkerID int64
	NewWorkerID *int64
	Reason      string
	At          time.Time
}

// ReasonHeartbeatTimeout is the failover reason written by the supervisor
// when a worker goes stale.
const ReasonHeartbeatTimeout = "heartbeat timeout"

// MediaRepositoryLink marks a chat as the media repository of a content
// group. Its existence suppresses media choice for the group's broadcasts.
type MediaRepositoryLink struct {
	ID             int64
	ContentGroupID int64
	ChatID         int64
	Active         bool
}
