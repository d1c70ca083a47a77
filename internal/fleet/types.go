package fleet

import (
	"context"
	"time"

	"heraldbot/internal/domain"
	"heraldbot/internal/notify"
)

// Loop defaults; workers without explicit settings get these. The timeout
// spans two missed heartbeats so one slow write never demotes a worker.
const (
	DefaultHeartbeatInterval = time.Minute
	DefaultTickInterval      = 30 * time.Second
	DefaultTimeout           = 2 * time.Minute
)

// HeartbeatFunc records one liveness mark for the named worker. The
// Reporter only drives the cadence; the write itself is wired in by the
// caller.
type HeartbeatFunc func(ctx context.Context, workerName string) error

// ReporterConfig tunes the heartbeat loop of this process's worker.
type ReporterConfig struct {
	WorkerName string
	Interval   time.Duration
}

// SupervisorConfig tunes the fleet health loop.
type SupervisorConfig struct {
	TickInterval time.Duration
	// DefaultTimeout applies to workers that carry no own heartbeat
	// timeout.
	DefaultTimeout time.Duration
}

// TickReport sums up one supervision pass.
type TickReport struct {
	At        time.Time
	Offline   []string // workers demoted this tick
	Recovered []string // offline workers normalized back to active
	Promoted  []string // standbys promoted fleet-wide
	Failovers []domain.FailoverRecord
}

// Quiet reports a pass that changed nothing.
func (r TickReport) Quiet() bool {
	return len(r.Offline) == 0 && len(r.Recovered) == 0 &&
		len(r.Promoted) == 0 && len(r.Failovers) == 0
}

// WorkerEvent is the bus payload for fleet.offline, fleet.recovered and
// fleet.promoted.
type WorkerEvent struct {
	Name string `json:"name"`
}

// Alerter carries failover summaries to administrators; notify.Service
// satisfies it. Nil disables alerting.
type Alerter interface {
	Alertf(ctx context.Context, sev notify.Severity, format string, args ...any) error
}
