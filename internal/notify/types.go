package notify

import "time"

// Severity tags an admin alert. The text prefix is part of the alert
// contract: operators filter on it.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

type Config struct {
	Enabled bool
	// AdminIDs are the chats every alert fans out to.
	AdminIDs   []int64
	RatePerSec int // default 1
	QueueSize  int // default 64
	Workers    int // default 2
}

// AlertEvent is the eventbus payload for notify.* events.
type AlertEvent struct {
	Severity Severity
	ChatID   int64
	At       time.Time
	Error    string
}
