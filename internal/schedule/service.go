// Package schedule runs the content scheduler: on a fixed interval it finds
// content groups whose next dispatch time has elapsed, hands each to the
// dispatch engine, and advances its schedule whether or not the dispatch
// succeeded. Groups without an interval or cron expression are manual-only.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"heraldbot/internal/dispatch"
	"heraldbot/internal/domain"
	"heraldbot/internal/eventbus"
	rtsup "heraldbot/internal/runtime/supervisor"
	"heraldbot/internal/storage"
	logx "heraldbot/pkg/logx"
)

const DefaultTickInterval = time.Minute

// Dispatcher is the slice of the dispatch engine the scheduler drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, contentGroupID int64) (dispatch.Report, error)
}

type Config struct {
	TickInterval time.Duration
}

// TickReport sums up one scheduler pass; it is also the schedule.tick
// event payload.
type TickReport struct {
	At         time.Time `json:"at"`
	Due        int       `json:"due"`
	Dispatched int       `json:"dispatched"`
	Failed     int       `json:"failed"`
	// Skipped counts due rows whose schedule could not be advanced
	// (no interval/cron, or a broken cron expression).
	Skipped int `json:"skipped,omitempty"`
}

type Service struct {
	log   logx.Logger
	clk   clock.Clock
	store storage.Store
	eng   Dispatcher
	bus   eventbus.Bus
	cfg   Config

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

type Option func(*Service)

func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clk = clk }
}

func New(cfg Config, store storage.Store, eng Dispatcher, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	s := &Service{log: log, clk: clock.New(), store: store, eng: eng, bus: bus, cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Supervisor exposes the internal runtime supervisor for /health
// snapshots; nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Start launches the periodic loop; no-op when already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "schedule"))),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart0("loop", s.loop)
	s.log.Info("content scheduler started", logx.Duration("tick", s.cfg.TickInterval))
}

// Stop cancels the in-flight tick and waits for the loop to unwind.
func (s *Service) Stop(ctx context.Context) {
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
	s.log.Info("content scheduler stopped")
}

func (s *Service) loop(ctx context.Context) {
	t := s.clk.Ticker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("schedule tick failed", logx.Err(err))
			}
		}
	}
}

// Tick runs one scheduler pass. Due groups are processed sequentially; one
// group's failure never blocks the rest.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	rep := TickReport{At: s.clk.Now()}
	due, err := s.store.ListDueContentGroups(ctx, rep.At)
	if err != nil {
		return rep, fmt.Errorf("list due content groups: %w", err)
	}
	rep.Due = len(due)
	for _, g := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		s.runGroup(ctx, g, &rep)
	}

	if rep.Due > 0 {
		s.log.Info("schedule tick finished",
			logx.Int("due", rep.Due), logx.Int("dispatched", rep.Dispatched),
			logx.Int("failed", rep.Failed), logx.Int("skipped", rep.Skipped))
	} else {
		s.log.Trace("no content groups due")
	}
	s.publish(rep)
	return rep, nil
}

func (s *Service) runGroup(ctx context.Context, g domain.ContentGroup, rep *TickReport) {
	glog := s.log.With(logx.Int64("group", g.ID), logx.String("slug", g.Slug))

	// Compute the advance first: a due row whose schedule cannot move
	// forward would broadcast again on every tick, so it is skipped until
	// the data is fixed.
	next, err := NextDue(g, rep.At)
	if err != nil {
		if errors.Is(err, ErrNoSchedule) {
			glog.Debug("due content group has no schedule, skipping")
		} else {
			glog.Warn("content group schedule is broken, skipping", logx.Err(err))
		}
		rep.Skipped++
		return
	}

	if _, err := s.eng.Dispatch(ctx, g.ID); err != nil {
		if ctx.Err() != nil {
			return
		}
		glog.Warn("scheduled dispatch failed", logx.Err(err))
		rep.Failed++
	} else {
		rep.Dispatched++
	}

	// Success and failure advance alike; a broken group must not starve
	// the schedule of the healthy ones, nor retry in a tight loop.
	if err := s.store.SetNextDispatch(ctx, g.ID, next); err != nil {
		glog.Warn("schedule advance failed", logx.Err(err))
		return
	}
	glog.Debug("schedule advanced", logx.Time("next", next))
}

func (s *Service) publish(rep TickReport) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: "schedule.tick", Time: time.Now(), Data: rep})
}
