package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	boom := errors.New("boom")
	s.Go("task", func(ctx context.Context) error { return boom })

	if err := s.Wait(waitCtx(t)); err == nil || !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want wrapped boom", err)
	}
}

func TestGoCanceledIsClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go0("task", func(ctx context.Context) { <-ctx.Done() })
	s.Cancel()

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
}

func TestGoPanicRecovered(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("task", func(ctx context.Context) error { panic("kaboom") })

	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("Wait = %v, want panic error", err)
	}

	snap := s.Snapshot()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Panics != 1 {
		t.Fatalf("snapshot = %+v, want one task with one panic", snap.Tasks)
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	t.Parallel()

	var runs int32
	s := New(context.Background())
	s.GoRestart("task", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("flaky")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
	)

	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "flaky") {
		t.Fatalf("Wait = %v, want flaky error", err)
	}
	// initial run + 2 restarts
	if got := atomic.LoadInt32(&runs); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()

	var runs int32
	s := New(context.Background())
	s.GoRestart("task", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestStopWaitsForGoroutines(t *testing.T) {
	t.Parallel()

	var stopped int32
	s := New(context.Background())
	s.Go0("task", func(ctx context.Context) {
		<-ctx.Done()
		atomic.AddInt32(&stopped, 1)
	})

	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop = %v, want nil", err)
	}
	if atomic.LoadInt32(&stopped) != 1 {
		t.Fatalf("goroutine did not observe cancellation before Stop returned")
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 1 {
		t.Fatalf("counters = %+v, want active 0 started 1", c)
	}
}
