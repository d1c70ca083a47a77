package router

import (
	"context"
	"sync"

	"heraldbot/internal/dispatch"
	"heraldbot/internal/domain"
	"heraldbot/internal/runtime/supervisor"
)

// Supervisor aliases keep handler signatures free of the runtime import.
type Supervisor = supervisor.Supervisor

type SupervisorSnapshot = supervisor.Snapshot

// DispatchReport is the per-batch result surfaced by /send.
type DispatchReport = dispatch.Report

// StorePort is the read surface operational commands need.
type StorePort interface {
	ListWorkers(ctx context.Context) ([]domain.Worker, error)
	ListActiveTargets(ctx context.Context) ([]domain.DeliveryTarget, error)
	ListFailovers(ctx context.Context, limit int) ([]domain.FailoverRecord, error)
	Ping(ctx context.Context) error
}

// DispatchPort triggers a manual broadcast of one content group.
type DispatchPort interface {
	DispatchSlug(ctx context.Context, slug string) (DispatchReport, error)
}

// Services bundles what command handlers may touch. Fields can be nil in
// minimal/test environments; handlers must tolerate that.
type Services struct {
	Store    StorePort
	Dispatch DispatchPort

	// Supervisors exposes subsystem supervisors for /health.
	Supervisors *SupervisorRegistry
}

// SupervisorRegistry is a small thread-safe registry for subsystem
// supervisors. Services are shared across many goroutines; a plain map
// would race.
type SupervisorRegistry struct {
	mu sync.RWMutex
	m  map[string]*Supervisor
}

func NewSupervisorRegistry() *SupervisorRegistry {
	return &SupervisorRegistry{m: map[string]*Supervisor{}}
}

// Set registers (or replaces) a supervisor under name. A nil sup deletes.
func (r *SupervisorRegistry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *SupervisorRegistry) Delete(name string) { r.Set(name, nil) }

// Snapshot returns a copy of the current registry.
func (r *SupervisorRegistry) Snapshot() map[string]*Supervisor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Supervisor, len(r.m))
	for k, v := range r.m {
		out[k] = v
	}
	return out
}
