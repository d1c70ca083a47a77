// Package metrics exposes the operational state of the process over HTTP:
// Prometheus metrics fed by bus events, a storage-backed health check, and
// optional pprof endpoints.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promcol "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"heraldbot/internal/eventbus"
	rtsup "heraldbot/internal/runtime/supervisor"
	"heraldbot/internal/storage"
	logx "heraldbot/pkg/logx"
)

const DefaultListen = "127.0.0.1:9090"

type Config struct {
	Enabled bool
	Listen  string
	// Pprof mounts /debug/pprof/* on the same listener. The default bind
	// is loopback; anything wider belongs behind a reverse proxy.
	Pprof bool
}

type Service struct {
	log   logx.Logger
	cfg   Config
	store storage.Store
	bus   eventbus.Bus

	reg *prometheus.Registry
	ins *instruments

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	srv   *http.Server
	ln    net.Listener
	unsub func()
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = DefaultListen
	}
	reg := prometheus.NewRegistry()
	s := &Service{log: log, cfg: cfg, store: store, bus: bus, reg: reg}
	s.ins = newInstruments(reg, bus)
	reg.MustRegister(
		promcol.NewGoCollector(),
		promcol.NewProcessCollector(promcol.ProcessCollectorOpts{}),
	)
	if store != nil {
		reg.MustRegister(newWorkerCollector(store))
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

// Addr reports the bound listen address; empty until the server is up.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start brings up the event consumer and the HTTP server; no-op when
// disabled or already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "metrics"))),
		rtsup.WithCancelOnError(false),
	)
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(256)
		s.unsub = unsub
		s.sup.Go0("events", func(c context.Context) { s.consume(c, ch) })
	}
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	s.log.Info("metrics started",
		logx.String("addr", s.cfg.Listen), logx.Bool("pprof", s.cfg.Pprof))
}

// Stop shuts the server down and waits for the loops to unwind.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	srv := s.srv
	ln := s.ln
	unsub := s.unsub
	s.sup, s.srv, s.ln, s.unsub = nil, nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if unsub != nil {
		unsub()
	}
	if srv != nil {
		sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}
	if ln != nil {
		_ = ln.Close()
	}
	_ = sup.Stop(ctx)
	s.log.Info("metrics stopped")
}

func (s *Service) consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.ins.handle(ev)
		}
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("metrics listen %s: %w", cfg.Listen, err)
	}

	srv := &http.Server{
		Handler:           s.handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	if s.sup == nil { // Stop raced the restart loop
		s.mu.Unlock()
		_ = ln.Close()
		return context.Canceled
	}
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("metrics listening", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)

	s.mu.Lock()
	stopping := s.srv != srv // Stop() took the handles
	if !stopping {
		s.srv = nil
		s.ln = nil
	}
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("metrics server exited unexpectedly")
	}
	return err
}

func (s *Service) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.healthz)
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

func (s *Service) healthz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			http.Error(w, "storage: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
