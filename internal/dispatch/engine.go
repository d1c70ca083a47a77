// Package dispatch composes weighted broadcast payloads and delivers them
// to every active target of a content group. One call is one batch: a
// single payload, fanned out concurrently, with per-target failure
// isolation. The only state kept between batches is the positive-result
// permission cache.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"heraldbot/internal/domain"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/notify"
	"heraldbot/internal/storage"
	"heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

type Engine struct {
	log   logx.Logger
	store storage.Store
	tr    Transport
	alert Alerter
	bus   eventbus.Bus
	clk   clock.Clock

	mu  sync.Mutex
	cfg Config

	cache *adminCache

	// rng feeds the per-batch draw; composition happens once per batch, so
	// a plain mutex is enough.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option tweaks construction; used by tests to pin time and randomness.
type Option func(*Engine)

// WithClock injects the permission-cache clock.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// WithRand injects the composition random source.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

func New(cfg Config, store storage.Store, tr Transport, alert Alerter, log logx.Logger, bus eventbus.Bus, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		log:   log,
		store: store,
		tr:    tr,
		alert: alert,
		bus:   bus,
		clk:   clock.New(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(e)
	}
	e.applyLocked(cfg)
	e.cache = newAdminCache(e.clk, e.cfg.PermissionCacheTTL)
	return e
}

// Apply installs a new runtime configuration; safe during in-flight
// batches, which keep the snapshot they started with.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.applyLocked(cfg)
	ttl := e.cfg.PermissionCacheTTL
	e.mu.Unlock()
	e.cache.setTTL(ttl)
}

func (e *Engine) applyLocked(cfg Config) {
	if cfg.PromptText == "" {
		cfg.PromptText = DefaultPromptText
	}
	if cfg.MaxConcurrency < 0 {
		cfg.MaxConcurrency = 0
	}
	e.cfg = cfg
}

// Dispatch runs one batch for the content group with the given id.
// A missing group propagates as storage.ErrNotFound.
func (e *Engine) Dispatch(ctx context.Context, contentGroupID int64) (Report, error) {
	g, err := e.store.GetContentGroup(ctx, contentGroupID)
	if err != nil {
		return Report{}, err
	}
	return e.run(ctx, g)
}

// DispatchSlug is Dispatch keyed by slug; the manual /send path.
func (e *Engine) DispatchSlug(ctx context.Context, slug string) (Report, error) {
	g, err := e.store.GetContentGroupBySlug(ctx, slug)
	if err != nil {
		return Report{}, err
	}
	return e.run(ctx, g)
}

func (e *Engine) run(ctx context.Context, g domain.ContentGroup) (Report, error) {
	start := time.Now()

	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	rep := Report{
		Batch:   uuid.NewString(),
		GroupID: g.ID,
		Slug:    g.Slug,
	}
	blog := e.log.With(logx.String("batch", rep.Batch), logx.String("group", g.Slug))

	suppress, err := e.store.HasMediaRepository(ctx, g.ID)
	if err != nil {
		return rep, fmt.Errorf("media repository lookup: %w", err)
	}

	e.rngMu.Lock()
	payload := Compose(e.rng, g, suppress)
	e.rngMu.Unlock()

	targets, err := e.store.ListTargetsByContentGroup(ctx, g.ID)
	if err != nil {
		return rep, fmt.Errorf("list targets: %w", err)
	}
	rep.Targets = len(targets)

	if payload.Empty() {
		// Legal: a group can hold nothing (or only suppressed media).
		// No target is contacted, not even for the admin check.
		rep.Skipped = rep.Targets
		rep.Took = time.Since(start)
		blog.Info("batch payload is empty, nothing sent", logx.Int("targets", rep.Targets))
		e.publish("dispatch.batch", rep)
		return rep, nil
	}
	if suppress && len(g.Media) > 0 {
		blog.Debug("media suppressed, repository attached", logx.Int("media", len(g.Media)))
	}

	var sent, skipped, failed atomic.Int64

	var sem chan struct{}
	if cfg.MaxConcurrency > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrency)
	}

	var wg sync.WaitGroup
submit:
	for i, t := range targets {
		if sem != nil {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Count everything not yet attempted so the report still
				// adds up.
				skipped.Add(int64(len(targets) - i))
				break submit
			}
		}
		wg.Add(1)
		go func(t domain.DeliveryTarget) {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			switch e.deliver(ctx, blog, cfg, rep, payload, t) {
			case outcomeSent:
				sent.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
		}(t)
	}
	wg.Wait()

	rep.Sent = int(sent.Load())
	rep.Skipped = int(skipped.Load())
	rep.Failed = int(failed.Load())
	rep.Took = time.Since(start)

	fields := []logx.Field{
		logx.Int("targets", rep.Targets),
		logx.Int("sent", rep.Sent),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Took),
	}
	if rep.Failed > 0 {
		blog.Warn("dispatch batch finished with failures", fields...)
	} else {
		blog.Info("dispatch batch finished", fields...)
	}
	e.publish("dispatch.batch", rep)
	return rep, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (e *Engine) deliver(ctx context.Context, blog logx.Logger, cfg Config, rep Report, p domain.Payload, t domain.DeliveryTarget) outcome {
	tlog := blog.With(logx.Int64("chat_id", t.ChatID), logx.String("title", t.Title))

	admin, cached, err := e.checkAdmin(ctx, t.ChatID)
	if err != nil {
		if isCancel(err) {
			tlog.Debug("admin check canceled")
			e.publishTarget("dispatch.skipped", rep, t, "canceled", nil)
			return outcomeSkipped
		}
		return e.fail(ctx, tlog, rep, t, fmt.Errorf("admin check: %w", err))
	}
	if !admin {
		tlog.Debug("skipping target, not an administrator")
		e.publishTarget("dispatch.skipped", rep, t, "not_admin", nil)
		return outcomeSkipped
	}
	if cached {
		tlog.Trace("admin check served from cache")
	}

	opt := &transport.SendOptions{Buttons: p.Buttons, Spoiler: p.Spoiler}

	var sendErr error
	switch {
	case p.Media != nil:
		sendErr = e.tr.SendMedia(ctx, t.ChatID, *p.Media, p.Caption(), opt)
	case p.Text != nil:
		sendErr = e.tr.SendText(ctx, t.ChatID, p.Text.Text, opt)
	default:
		// Buttons only; carry them on the configured prompt line.
		sendErr = e.tr.SendText(ctx, t.ChatID, cfg.PromptText, opt)
	}

	switch {
	case sendErr == nil:
		tlog.Debug("delivered")
		e.publishTarget("dispatch.sent", rep, t, "", nil)
		return outcomeSent
	case errors.Is(sendErr, transport.ErrForbidden):
		tlog.Debug("skipping target, delivery forbidden", logx.Err(sendErr))
		e.publishTarget("dispatch.skipped", rep, t, "forbidden", nil)
		return outcomeSkipped
	case errors.Is(sendErr, transport.ErrUnsupportedMedia):
		tlog.Warn("skipping target, media kind not deliverable", logx.Err(sendErr))
		e.publishTarget("dispatch.skipped", rep, t, "unsupported_media", nil)
		return outcomeSkipped
	case isCancel(sendErr):
		tlog.Debug("delivery canceled", logx.Err(sendErr))
		e.publishTarget("dispatch.skipped", rep, t, "canceled", nil)
		return outcomeSkipped
	default:
		return e.fail(ctx, tlog, rep, t, sendErr)
	}
}

// fail records one reportable per-target failure: warn log, bus event and a
// single alert line to the administrators.
func (e *Engine) fail(ctx context.Context, tlog logx.Logger, rep Report, t domain.DeliveryTarget, err error) outcome {
	tlog.Warn("delivery failed", logx.Err(err))
	e.publishTarget("dispatch.failed", rep, t, "", err)

	if e.alert != nil {
		title := t.Title
		if title == "" {
			title = "untitled"
		}
		aerr := e.alert.Alertf(ctx, notify.SeverityWarning,
			"dispatch %s: chat %d (%s): %v", rep.Slug, t.ChatID, title, err)
		if aerr != nil && !errors.Is(aerr, notify.ErrDisabled) {
			tlog.Debug("failure alert not delivered", logx.Err(aerr))
		}
	}
	return outcomeFailed
}

// checkAdmin consults the positive-result cache before asking the
// transport. Errors are never cached.
func (e *Engine) checkAdmin(ctx context.Context, chatID int64) (admin, cachedHit bool, err error) {
	if e.cache.get(chatID) {
		return true, true, nil
	}
	admin, err = e.tr.IsAdministrator(ctx, chatID)
	if err != nil {
		return false, false, err
	}
	if admin {
		e.cache.put(chatID)
	}
	return admin, false, nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (e *Engine) publishTarget(typ string, rep Report, t domain.DeliveryTarget, reason string, err error) {
	ev := DeliveryEvent{
		Batch:   rep.Batch,
		GroupID: rep.GroupID,
		Slug:    rep.Slug,
		ChatID:  t.ChatID,
		Reason:  reason,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.publish(typ, ev)
}
