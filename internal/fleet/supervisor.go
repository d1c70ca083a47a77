package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"heraldbot/internal/domain"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/notify"
	rtsup "heraldbot/internal/runtime/supervisor"
	"heraldbot/internal/storage"
	logx "heraldbot/pkg/logx"
)

// Supervisor drives the fleet state machine: demote stale workers, move
// their delivery targets to the best healthy replacement, and promote
// standbys when no healthy active worker remains. One tick runs inside a
// single storage transaction; the three phases of a tick are strictly
// sequential.
type Supervisor struct {
	log   logx.Logger
	clk   clock.Clock
	store storage.Store
	alert Alerter
	bus   eventbus.Bus
	cfg   SupervisorConfig

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

type SupervisorOption func(*Supervisor)

// WithSupervisorClock injects the tick clock (tests use clock.NewMock).
func WithSupervisorClock(clk clock.Clock) SupervisorOption {
	return func(s *Supervisor) { s.clk = clk }
}

func NewSupervisor(cfg SupervisorConfig, store storage.Store, alert Alerter, log logx.Logger, bus eventbus.Bus, opts ...SupervisorOption) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	s := &Supervisor{log: log, clk: clock.New(), store: store, alert: alert, bus: bus, cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Supervisor exposes the internal runtime supervisor for /health
// snapshots; nil when not started.
func (s *Supervisor) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Start launches the periodic loop; no-op when already running. Tick
// errors are logged and the loop keeps going.
func (s *Supervisor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "fleet.supervisor"))),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart0("loop", s.loop)
	s.log.Info("fleet supervisor started",
		logx.Duration("tick", s.cfg.TickInterval), logx.Duration("default_timeout", s.cfg.DefaultTimeout))
}

// Stop cancels the in-flight tick and waits for the loop to unwind.
func (s *Supervisor) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	_ = sup.Stop(ctx)
	s.log.Info("fleet supervisor stopped")
}

func (s *Supervisor) loop(ctx context.Context) {
	t := s.clk.Ticker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("fleet tick failed", logx.Err(err))
			}
		}
	}
}

// Tick runs one supervision pass and reports what changed. The loop calls
// it once per interval; tests and one-shot callers may invoke it directly.
func (s *Supervisor) Tick(ctx context.Context) (TickReport, error) {
	rep := TickReport{At: s.clk.Now()}
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		return s.tick(ctx, tx, &rep)
	})
	if err != nil {
		return rep, err
	}
	s.finishTick(ctx, rep)
	return rep, nil
}

func (s *Supervisor) tick(ctx context.Context, tx storage.Store, rep *TickReport) error {
	now := rep.At
	workers, err := tx.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}

	healthy := map[int64]bool{}
	var newlyOffline []domain.Worker

	// Health scan. Workers already offline were drained when they went
	// offline; they only come back here via recovery normalization.
	for i := range workers {
		w := &workers[i]
		if w.HealthyAt(now, s.cfg.DefaultTimeout) {
			healthy[w.ID] = true
			// A healthy standby stays standby; promotion is fleet-wide
			// and happens after reassignment.
			if w.Status != domain.WorkerActive && w.Status != domain.WorkerStandby {
				if err := tx.UpdateWorkerStatus(ctx, w.ID, domain.WorkerActive); err != nil {
					return fmt.Errorf("recover worker %s: %w", w.Name, err)
				}
				w.Status = domain.WorkerActive
				rep.Recovered = append(rep.Recovered, w.Name)
			}
			continue
		}
		if w.Status == domain.WorkerOffline {
			continue
		}
		if err := tx.UpdateWorkerStatus(ctx, w.ID, domain.WorkerOffline); err != nil {
			return fmt.Errorf("demote worker %s: %w", w.Name, err)
		}
		w.Status = domain.WorkerOffline
		newlyOffline = append(newlyOffline, *w)
		rep.Offline = append(rep.Offline, w.Name)
	}

	// Reassignment. The candidate ranking is computed once; a standby
	// chosen here is promoted below in the same tick.
	cands := rankReplacements(workers, healthy)
	for _, failed := range newlyOffline {
		targets, err := tx.ListTargetsByWorker(ctx, failed.ID)
		if err != nil {
			return fmt.Errorf("targets of %s: %w", failed.Name, err)
		}
		for _, t := range targets {
			var newID *int64
			if repl := pickReplacement(cands, failed.ID); repl != nil {
				id := repl.ID
				newID = &id
			}
			if err := tx.ReassignTarget(ctx, t.ID, newID); err != nil {
				return fmt.Errorf("reassign target %d: %w", t.ID, err)
			}
			rec := domain.FailoverRecord{
				TargetID:    t.ID,
				OldWorkerID: failed.ID,
				NewWorkerID: newID,
				Reason:      domain.ReasonHeartbeatTimeout,
				At:          now,
			}
			if err := tx.AppendFailover(ctx, rec); err != nil {
				return fmt.Errorf("append failover: %w", err)
			}
			rep.Failovers = append(rep.Failovers, rec)
		}
	}

	// Promotion, only when nothing active is healthy. Promoting every
	// healthy standby at once cannot create a second active: the
	// precondition is that there are zero.
	activeHealthy := 0
	var standbys []domain.Worker
	for _, w := range workers {
		if !healthy[w.ID] {
			continue
		}
		switch w.Status {
		case domain.WorkerActive:
			activeHealthy++
		case domain.WorkerStandby:
			standbys = append(standbys, w)
		}
	}
	if activeHealthy == 0 {
		for _, sb := range standbys {
			if err := tx.UpdateWorkerStatus(ctx, sb.ID, domain.WorkerActive); err != nil {
				return fmt.Errorf("promote worker %s: %w", sb.Name, err)
			}
			rep.Promoted = append(rep.Promoted, sb.Name)
		}
	}
	return nil
}

// finishTick logs, publishes and alerts after the transaction committed.
func (s *Supervisor) finishTick(ctx context.Context, rep TickReport) {
	for _, name := range rep.Offline {
		s.log.Warn("worker went offline", logx.String("worker", name))
		s.publish("fleet.offline", WorkerEvent{Name: name})
	}
	for _, name := range rep.Recovered {
		s.log.Info("worker recovered", logx.String("worker", name))
		s.publish("fleet.recovered", WorkerEvent{Name: name})
	}
	for _, name := range rep.Promoted {
		s.log.Info("standby promoted", logx.String("worker", name))
		s.publish("fleet.promoted", WorkerEvent{Name: name})
	}
	for _, rec := range rep.Failovers {
		fields := []logx.Field{
			logx.Int64("target_id", rec.TargetID),
			logx.Int64("old_worker", rec.OldWorkerID),
		}
		if rec.NewWorkerID != nil {
			fields = append(fields, logx.Int64("new_worker", *rec.NewWorkerID))
		} else {
			fields = append(fields, logx.String("new_worker", "none"))
		}
		s.log.Info("target failed over", fields...)
		s.publish("fleet.failover", rec)
	}

	if len(rep.Failovers) == 0 || s.alert == nil {
		return
	}
	moved := 0
	for _, rec := range rep.Failovers {
		if rec.NewWorkerID != nil {
			moved++
		}
	}
	msg := fmt.Sprintf("worker(s) %s went offline; %d target(s) moved",
		strings.Join(rep.Offline, ", "), moved)
	if unassigned := len(rep.Failovers) - moved; unassigned > 0 {
		msg += fmt.Sprintf(", %d left unassigned", unassigned)
	}
	if err := s.alert.Alertf(ctx, notify.SeverityWarning, "%s", msg); err != nil && !errors.Is(err, notify.ErrDisabled) {
		s.log.Debug("failover alert not delivered", logx.Err(err))
	}
}

// rankReplacements orders healthy non-offline workers: active before
// standby, most recent liveness first, never-seen last, ascending name as
// the final tie-break.
func rankReplacements(workers []domain.Worker, healthy map[int64]bool) []domain.Worker {
	var out []domain.Worker
	for _, w := range workers {
		if healthy[w.ID] && w.Status != domain.WorkerOffline {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Status == domain.WorkerActive) != (b.Status == domain.WorkerActive) {
			return a.Status == domain.WorkerActive
		}
		switch {
		case a.LastHeartbeat == nil && b.LastHeartbeat == nil:
			return a.Name < b.Name
		case a.LastHeartbeat == nil:
			return false
		case b.LastHeartbeat == nil:
			return true
		case !a.LastHeartbeat.Equal(*b.LastHeartbeat):
			return a.LastHeartbeat.After(*b.LastHeartbeat)
		}
		return a.Name < b.Name
	})
	return out
}

func pickReplacement(cands []domain.Worker, failedID int64) *domain.Worker {
	for i := range cands {
		if cands[i].ID != failedID {
			return &cands[i]
		}
	}
	return nil
}

func (s *Supervisor) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
