package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"heraldbot/internal/dispatch"
	"heraldbot/internal/domain"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/storage"
	logx "heraldbot/pkg/logx"
)

func timep(t time.Time) *time.Time { return &t }

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []int64
	errs  map[int64]error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, id int64) (dispatch.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if err := f.errs[id]; err != nil {
		return dispatch.Report{}, err
	}
	return dispatch.Report{Batch: "b", GroupID: id, Targets: 1, Sent: 1}, nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestService(st storage.Store, eng Dispatcher, bus eventbus.Bus) *Service {
	mck := clock.NewMock()
	mck.Set(testBase)
	return New(Config{}, st, eng, logx.Nop(), bus, WithClock(mck))
}

func nextOf(t *testing.T, st *storage.Memory, id int64) *time.Time {
	t.Helper()
	g, err := st.GetContentGroup(context.Background(), id)
	if err != nil {
		t.Fatalf("GetContentGroup(%d): %v", id, err)
	}
	return g.NextDispatchAt
}

func TestTickAdvancesScheduleOnSuccess(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	g := st.AddContentGroup(domain.ContentGroup{
		Slug:             "promo",
		DispatchInterval: durp(60 * time.Minute),
		NextDispatchAt:   timep(testBase.Add(-5 * time.Minute)),
	})

	eng := &fakeDispatcher{}
	s := newTestService(st, eng, nil)
	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Due != 1 || rep.Dispatched != 1 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want one dispatched", rep)
	}
	if eng.callCount() != 1 || eng.calls[0] != g.ID {
		t.Fatalf("dispatch calls = %v, want [%d]", eng.calls, g.ID)
	}
	next := nextOf(t, st, g.ID)
	if want := testBase.Add(60 * time.Minute); next == nil || !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestTickAdvancesScheduleOnFailure(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	g := st.AddContentGroup(domain.ContentGroup{
		Slug:             "promo",
		DispatchInterval: durp(60 * time.Minute),
		NextDispatchAt:   timep(testBase.Add(-5 * time.Minute)),
	})

	eng := &fakeDispatcher{errs: map[int64]error{g.ID: errors.New("transport down")}}
	s := newTestService(st, eng, nil)
	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Failed != 1 || rep.Dispatched != 0 {
		t.Fatalf("report = %+v, want one failed", rep)
	}
	// The schedule moves on regardless of the outcome; a broken group
	// must not retry in a tight loop.
	next := nextOf(t, st, g.ID)
	if want := testBase.Add(60 * time.Minute); next == nil || !next.Equal(want) {
		t.Fatalf("next = %v, want %v even after a failed dispatch", next, want)
	}
}

func TestTickNeverSelectsUnscheduledGroup(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	g := st.AddContentGroup(domain.ContentGroup{Slug: "manual"})

	eng := &fakeDispatcher{}
	s := newTestService(st, eng, nil)
	for i := 0; i < 3; i++ {
		rep, err := s.Tick(context.Background())
		if err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if rep.Due != 0 {
			t.Fatalf("report = %+v, want nothing due", rep)
		}
	}
	if eng.callCount() != 0 {
		t.Fatalf("dispatch calls = %v, want none for a manual-only group", eng.calls)
	}
	if next := nextOf(t, st, g.ID); next != nil {
		t.Fatalf("next = %v, want still nil", next)
	}
}

func TestTickIsolatesGroupFailures(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	g1 := st.AddContentGroup(domain.ContentGroup{
		Slug:             "one",
		DispatchInterval: durp(30 * time.Minute),
		NextDispatchAt:   timep(testBase.Add(-time.Minute)),
	})
	g2 := st.AddContentGroup(domain.ContentGroup{
		Slug:             "two",
		DispatchInterval: durp(30 * time.Minute),
		NextDispatchAt:   timep(testBase.Add(-time.Minute)),
	})

	eng := &fakeDispatcher{errs: map[int64]error{g1.ID: errors.New("boom")}}
	s := newTestService(st, eng, nil)
	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Due != 2 || rep.Dispatched != 1 || rep.Failed != 1 {
		t.Fatalf("report = %+v, want one dispatched and one failed", rep)
	}
	if eng.callCount() != 2 {
		t.Fatalf("dispatch calls = %v, want both groups attempted", eng.calls)
	}
	want := testBase.Add(30 * time.Minute)
	for _, id := range []int64{g1.ID, g2.ID} {
		if next := nextOf(t, st, id); next == nil || !next.Equal(want) {
			t.Fatalf("group %d next = %v, want %v", id, next, want)
		}
	}
}

func TestTickPicksUpFirstRun(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	g := st.AddContentGroup(domain.ContentGroup{
		Slug:             "fresh",
		DispatchInterval: durp(15 * time.Minute),
	})

	eng := &fakeDispatcher{}
	s := newTestService(st, eng, nil)
	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Due != 1 || rep.Dispatched != 1 {
		t.Fatalf("report = %+v, want the never-dispatched group picked up", rep)
	}
	next := nextOf(t, st, g.ID)
	if want := testBase.Add(15 * time.Minute); next == nil || !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestTickAdvancesCronSchedule(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	g := st.AddContentGroup(domain.ContentGroup{
		Slug:           "hourly",
		DispatchCron:   "@hourly",
		NextDispatchAt: timep(testBase.Add(-time.Minute)),
	})

	eng := &fakeDispatcher{}
	s := newTestService(st, eng, nil)
	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	next := nextOf(t, st, g.ID)
	if want := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC); next == nil || !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestTickSkipsDueRowWithoutSchedule(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	stale := testBase.Add(-time.Hour)
	g := st.AddContentGroup(domain.ContentGroup{
		Slug:           "orphan",
		NextDispatchAt: timep(stale),
	})

	eng := &fakeDispatcher{}
	s := newTestService(st, eng, nil)
	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	// The row is due by timestamp but has nothing to advance by; it must
	// not broadcast on every tick.
	if rep.Due != 1 || rep.Skipped != 1 || rep.Dispatched != 0 {
		t.Fatalf("report = %+v, want the orphan row skipped", rep)
	}
	if eng.callCount() != 0 {
		t.Fatalf("dispatch calls = %v, want none", eng.calls)
	}
	if next := nextOf(t, st, g.ID); next == nil || !next.Equal(stale) {
		t.Fatalf("next = %v, want untouched %v", next, stale)
	}
}

func TestTickPublishesEvent(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	st.AddContentGroup(domain.ContentGroup{
		Slug:             "promo",
		DispatchInterval: durp(time.Hour),
		NextDispatchAt:   timep(testBase.Add(-time.Minute)),
	})

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	s := newTestService(st, &fakeDispatcher{}, bus)
	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Type != "schedule.tick" {
			t.Fatalf("event type = %q, want schedule.tick", ev.Type)
		}
		rep, ok := ev.Data.(TickReport)
		if !ok || rep.Due != 1 || rep.Dispatched != 1 {
			t.Fatalf("event data = %#v, want the tick report", ev.Data)
		}
	default:
		t.Fatal("no event published")
	}
}
