package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"heraldbot/internal/eventbus"
	rtsup "heraldbot/internal/runtime/supervisor"
	logx "heraldbot/pkg/logx"
)

var (
	ErrDisabled = errors.New("notify: disabled")
	ErrStopped  = errors.New("notify: stopped")
)

// Sender is the transport slice the notifier needs. The telegram adapter
// satisfies it.
type Sender interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

type job struct {
	chatID   int64
	text     string
	severity Severity
}

// Service is the admin alert pipeline: a bounded queue drained by a small
// worker pool behind a shared rate limiter. Delivery is one-shot and
// best-effort; a failure to one admin never blocks the others.
//
// Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the notifier's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config; safe during hot-reload. Worker and queue sizing
// only take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. A disabled service never starts workers.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))),
		// alerting is best-effort; its failures never take down the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notify worker exited unexpectedly")
		})
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown runs asynchronously so callers can time out without leaking
	// state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		s.enqueueWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Alert fans one message out to every configured admin chat. The severity
// prefix is prepended here. Queue overflow drops the affected recipient
// with a warning; the call still succeeds.
func (s *Service) Alert(ctx context.Context, sev Severity, text string) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	admins := append([]int64(nil), s.cfg.AdminIDs...)
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	if len(admins) == 0 {
		s.log.Debug("alert with no recipients", logx.String("severity", string(sev)))
		return nil
	}

	line := "[" + string(sev) + "] " + text
	now := time.Now()
	for _, chatID := range admins {
		j := job{chatID: chatID, text: line, severity: sev}
		select {
		case q <- j:
			s.publish("notify.queued", AlertEvent{Severity: sev, ChatID: chatID, At: now})
		default:
			s.log.Warn("alert dropped (queue full)",
				logx.Int64("chat_id", chatID), logx.String("severity", string(sev)))
			s.publish("notify.dropped", AlertEvent{Severity: sev, ChatID: chatID, At: now, Error: "queue full"})
		}
	}
	return nil
}

// Alertf is Alert with formatting.
func (s *Service) Alertf(ctx context.Context, sev Severity, format string, args ...any) error {
	return s.Alert(ctx, sev, fmt.Sprintf(format, args...))
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	if ctx == nil {
		ctx = context.Background()
	}
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendOne(ctx, j)
		}
	}
}

func (s *Service) sendOne(ctx context.Context, j job) {
	s.mu.Lock()
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil || j.text == "" {
		return
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	// Bound the call so a hung send never wedges a worker.
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := sender.Notify(cctx, j.chatID, j.text)
	cancel()

	now := time.Now()
	if err != nil {
		s.log.Warn("alert delivery failed",
			logx.Int64("chat_id", j.chatID),
			logx.String("severity", string(j.severity)),
			logx.Err(err),
		)
		s.publish("notify.failed", AlertEvent{Severity: j.severity, ChatID: j.chatID, At: now, Error: err.Error()})
		return
	}
	s.publish("notify.sent", AlertEvent{Severity: j.severity, ChatID: j.chatID, At: now})
}

func (s *Service) publish(typ string, ev AlertEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
