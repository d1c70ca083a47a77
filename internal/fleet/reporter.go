package fleet

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"

	rtsup "heraldbot/internal/runtime/supervisor"
	logx "heraldbot/pkg/logx"
)

// Reporter periodically records liveness for this process's worker row. A
// failed write is logged and the loop keeps going; only Stop (or context
// cancellation) ends it.
type Reporter struct {
	log logx.Logger
	clk clock.Clock
	cfg ReporterConfig
	fn  HeartbeatFunc

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

type ReporterOption func(*Reporter)

// WithReporterClock injects the tick clock (tests use clock.NewMock).
func WithReporterClock(clk clock.Clock) ReporterOption {
	return func(r *Reporter) { r.clk = clk }
}

func NewReporter(cfg ReporterConfig, fn HeartbeatFunc, log logx.Logger, opts ...ReporterOption) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	r := &Reporter{log: log, clk: clock.New(), cfg: cfg, fn: fn}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Supervisor exposes the internal runtime supervisor for /health
// snapshots; nil when not started.
func (r *Reporter) Supervisor() *rtsup.Supervisor {
	r.mu.Lock()
	sup := r.sup
	r.mu.Unlock()
	return sup
}

// Start launches the loop; no-op when already running.
func (r *Reporter) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil {
		return
	}
	r.sup = rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "fleet.reporter"))),
		rtsup.WithCancelOnError(false),
	)
	r.sup.GoRestart0("loop", r.loop)
	r.log.Info("heartbeat reporter started",
		logx.String("worker", r.cfg.WorkerName), logx.Duration("interval", r.cfg.Interval))
}

// Stop cancels the loop and waits for it to unwind; no-op when not
// running.
func (r *Reporter) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.mu.Unlock()
	if sup == nil {
		return
	}
	_ = sup.Stop(ctx)
	r.log.Info("heartbeat reporter stopped", logx.String("worker", r.cfg.WorkerName))
}

func (r *Reporter) loop(ctx context.Context) {
	t := r.clk.Ticker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.beat(ctx)
		}
	}
}

func (r *Reporter) beat(ctx context.Context) {
	if r.fn == nil {
		return
	}
	if err := r.fn(ctx, r.cfg.WorkerName); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("heartbeat failed", logx.String("worker", r.cfg.WorkerName), logx.Err(err))
		return
	}
	r.log.Trace("heartbeat recorded", logx.String("worker", r.cfg.WorkerName))
}
