// Package app wires configuration, storage, transport and the fleet,
// dispatch and scheduling services into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"heraldbot/internal/config"
	"heraldbot/internal/crypto"
	"heraldbot/internal/dispatch"
	"heraldbot/internal/domain"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/fleet"
	"heraldbot/internal/notify"
	metrics "heraldbot/internal/observability/metrics"
	rtsup "heraldbot/internal/runtime/supervisor"
	"heraldbot/internal/schedule"
	"heraldbot/internal/storage"
	"heraldbot/internal/transport"
	telegram "heraldbot/internal/transport/telegram/adapter"
	"heraldbot/internal/transport/telegram/router"
	logx "heraldbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// adapter is nil when telegram.enabled is false; the process then runs
	// as a supervisor-only node (fleet supervision + metrics, no bot
	// session, no fleet membership of its own).
	adapter *telegram.Adapter

	registry *fleet.Registry
	reporter *fleet.Reporter
	fleetSup *fleet.Supervisor
	engine   *dispatch.Engine
	sched    *schedule.Service
	notif    *notify.Service
	metrics  *metrics.Service
	router   *router.Router

	serv    *router.Services
	updates chan transport.Update

	workerName string
	role       domain.WorkerRole
	token      string
	hbTimeout  time.Duration
	beat       fleet.HeartbeatFunc

	startedAt time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Logging first. The Telegram sink needs the adapter as its sender, so
	// it starts disabled and is enabled by the final Apply below.
	logCfg := mapLogxConfig(cfg)
	wantTgLog := logCfg.Telegram.Enabled
	logCfg.Telegram.Enabled = false
	logSvc, baseLog := logx.New(logCfg)
	log := baseLog.With(logx.String("comp", "app"))

	acfg, tgEnabled, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	var ad *telegram.Adapter
	if tgEnabled {
		ad, err = telegram.New(acfg, baseLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		logSvc.SetSender(ad)
		if wantTgLog {
			logCfg.Telegram.Enabled = true
			logSvc.Apply(logCfg)
		}
	} else if wantTgLog {
		log.Warn("telegram log sink needs the transport; leaving it disabled")
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, baseLog.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	bus := eventbus.New()

	ncfg := mapNotifyConfig(cfg)
	if ad == nil && ncfg.Enabled {
		log.Warn("notify disabled: telegram transport is off")
		ncfg.Enabled = false
	}
	var sender notify.Sender
	if ad != nil {
		sender = ad
	}
	notif := notify.New(ncfg, sender, baseLog.With(logx.String("comp", "notify")), bus)

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		adapter:    ad,
		notif:      notif,
		updates:    make(chan transport.Update, 256),
		workerName: strings.TrimSpace(cfg.Worker.Name),
		role:       cfg.Worker.RoleOrDefault(),
		startedAt:  time.Now(),
	}
	a.serv = &router.Services{Store: store, Supervisors: router.NewSupervisorRegistry()}

	a.hbTimeout, err = config.ParseDurationOrDefault("worker.heartbeat_timeout", cfg.Worker.HeartbeatTimeout, 0)
	if err != nil {
		return nil, err
	}

	// Fleet membership requires a sealed token, which requires a transport.
	if ad != nil {
		key, err := crypto.KeyFromBase64(cfg.Crypto.Key)
		if err != nil {
			return nil, fmt.Errorf("crypto.key: %w", err)
		}
		a.token = acfg.Token
		a.registry = fleet.NewRegistry(store, key, baseLog.With(logx.String("comp", "fleet")))

		rcfg, err := mapReporterConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.beat = func(ctx context.Context, name string) error {
			if err := store.RecordHeartbeat(ctx, name, time.Now()); err != nil {
				return err
			}
			bus.Publish(eventbus.Event{Type: "fleet.heartbeat", Data: fleet.WorkerEvent{Name: name}})
			return nil
		}
		a.reporter = fleet.NewReporter(rcfg, a.beat, baseLog.With(logx.String("comp", "fleet")))
	} else {
		log.Warn("running without a bot session: dispatch, scheduling and fleet membership are off")
	}

	fcfg, err := mapSupervisorConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.fleetSup = fleet.NewSupervisor(fcfg, store, notif, baseLog.With(logx.String("comp", "fleet")), bus)

	if ad != nil {
		dcfg, err := mapDispatchConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.engine = dispatch.New(dcfg, store, ad, notif, baseLog.With(logx.String("comp", "dispatch")), bus)
		a.serv.Dispatch = a.engine

		scfg, err := mapScheduleConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.sched = schedule.New(scfg, store, a.engine, baseLog.With(logx.String("comp", "schedule")), bus)
	}

	a.metrics = metrics.New(mapMetricsConfig(cfg), store, bus, baseLog.With(logx.String("comp", "metrics")))

	if ad != nil {
		a.router = router.New(baseLog.With(logx.String("comp", "commands")), ad, a.serv, cfg.Notify.AdminIDs)
		a.router.SetRegistry(router.BuiltinCommands(a.startedAt))
	}

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if cfg.Telegram.Enabled {
			if _, err := crypto.KeyFromBase64(cfg.Crypto.Key); err != nil {
				return fmt.Errorf("crypto.key: %w", err)
			}
		}
		return nil
	})

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		if sup := a.adapter.Supervisor(); sup != nil {
			a.serv.Supervisors.Set("telegram.adapter", sup)
		}
	}

	// Fleet identity: ensure the worker row and mark it alive once before
	// any loop runs, so a freshly joined standby is immediately eligible
	// as a failover replacement.
	if a.registry != nil {
		bctx, cancel := context.WithTimeout(a.sup.Context(), 15*time.Second)
		w, err := a.registry.EnsureWorker(bctx, a.workerName, a.role, a.token, a.hbTimeout)
		if err != nil {
			cancel()
			return err
		}
		if err := a.beat(bctx, a.workerName); err != nil {
			cancel()
			return fmt.Errorf("initial heartbeat: %w", err)
		}
		cancel()
		a.log.Info("worker enrolled",
			logx.Int64("worker_id", w.ID), logx.String("status", string(w.Status)))
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
		if sup := a.notif.Supervisor(); sup != nil {
			a.serv.Supervisors.Set("notify", sup)
		}
	}

	a.metrics.Start(a.sup.Context())
	if sup := a.metrics.Supervisor(); sup != nil {
		a.serv.Supervisors.Set("metrics", sup)
	}

	if a.reporter != nil {
		a.reporter.Start(a.sup.Context())
		if sup := a.reporter.Supervisor(); sup != nil {
			a.serv.Supervisors.Set("fleet.reporter", sup)
		}
	}

	cfg := a.cfgm.Get()
	if cfg.SuperviseEnabled() {
		a.fleetSup.Start(a.sup.Context())
		if sup := a.fleetSup.Supervisor(); sup != nil {
			a.serv.Supervisors.Set("fleet.supervisor", sup)
		}
	}
	if a.sched != nil && cfg.ScheduleEnabled() {
		a.sched.Start(a.sup.Context())
		if sup := a.sched.Supervisor(); sup != nil {
			a.serv.Supervisors.Set("schedule", sup)
		}
	}

	if a.router != nil {
		a.sup.Go("telegram.router", func(c context.Context) error {
			return a.router.Run(c, a.updates)
		})
	}

	// Debug visibility into the event stream; components subscribe on
	// their own for real work.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				prev := lastApplied
				lastApplied = newCfg

				for _, s := range sections {
					switch s {
					case "storage", "telegram", "worker", "crypto", "metrics":
						a.log.Warn("config section needs a restart to take effect",
							logx.String("section", s))
					}
				}

				a.applyReload(c, prev, newCfg)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("worker", a.workerName),
		logx.String("role", string(a.role)),
		logx.Bool("supervise", cfg.SuperviseEnabled()),
		logx.Bool("schedule", a.sched != nil && cfg.ScheduleEnabled()),
	)
	return nil
}

// applyReload pushes a validated config into the running services. Sections
// that cannot be applied live were already flagged by the caller.
func (a *App) applyReload(ctx context.Context, prev, cfg *config.Config) {
	lcfg := mapLogxConfig(cfg)
	if a.adapter == nil {
		lcfg.Telegram.Enabled = false
	}
	a.logs.Apply(lcfg)

	if a.engine != nil {
		if dcfg, err := mapDispatchConfig(cfg); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(dcfg)
		}
	}

	// The admin list feeds both command access and alert fan-out.
	if a.router != nil {
		a.router.SetAdmins(cfg.Notify.AdminIDs)
	}
	ncfg := mapNotifyConfig(cfg)
	if a.adapter == nil {
		ncfg.Enabled = false
	}
	prevNotif := a.notif.Enabled()
	a.notif.Apply(ncfg)
	if prevNotif && !ncfg.Enabled {
		a.log.Info("notify disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
		a.serv.Supervisors.Delete("notify")
	} else if !prevNotif && ncfg.Enabled {
		a.log.Info("notify enabled via config")
		a.notif.Start(ctx)
		if sup := a.notif.Supervisor(); sup != nil {
			a.serv.Supervisors.Set("notify", sup)
		}
	}

	if prev.SuperviseEnabled() != cfg.SuperviseEnabled() {
		if cfg.SuperviseEnabled() {
			a.log.Info("fleet supervision enabled via config")
			a.fleetSup.Start(ctx)
			if sup := a.fleetSup.Supervisor(); sup != nil {
				a.serv.Supervisors.Set("fleet.supervisor", sup)
			}
		} else {
			a.log.Info("fleet supervision disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.fleetSup.Stop(stopCtx)
			cancel()
			a.serv.Supervisors.Delete("fleet.supervisor")
		}
	}

	if a.sched != nil && prev.ScheduleEnabled() != cfg.ScheduleEnabled() {
		if cfg.ScheduleEnabled() {
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
			if sup := a.sched.Supervisor(); sup != nil {
				a.serv.Supervisors.Set("schedule", sup)
			}
		} else {
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
			a.serv.Supervisors.Delete("schedule")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the
	// whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, observe the leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline",
						logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	if a.sched != nil {
		step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	}
	step("fleet.supervisor", 2*time.Second, func(c context.Context) error { a.fleetSup.Stop(c); return nil })
	if a.reporter != nil {
		step("fleet.reporter", 2*time.Second, func(c context.Context) error { a.reporter.Stop(c); return nil })
	}
	step("metrics", 2*time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	step("notify", 1*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.adapter != nil {
		step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally wait for supervised goroutines (router, config watch/reload,
	// event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
