package fleet

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"heraldbot/internal/domain"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/notify"
	"heraldbot/internal/storage"
	logx "heraldbot/pkg/logx"
)

var testBase = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func hbAgo(ago time.Duration) *time.Time {
	t := testBase.Add(-ago)
	return &t
}

func newTestSupervisor(st storage.Store, al Alerter, bus eventbus.Bus) *Supervisor {
	mck := clock.NewMock()
	mck.Set(testBase)
	return NewSupervisor(SupervisorConfig{}, st, al, logx.Nop(), bus, WithSupervisorClock(mck))
}

type fakeAlerter struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeAlerter) Alertf(_ context.Context, sev notify.Severity, format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, string(sev)+" "+fmt.Sprintf(format, args...))
	return nil
}

func (f *fakeAlerter) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func drainEvents(ch <-chan eventbus.Event) map[string]int {
	got := map[string]int{}
	for {
		select {
		case ev := <-ch:
			got[ev.Type]++
		default:
			return got
		}
	}
}

func TestTickDemotesStaleWorkerAndFailsOverToStandby(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	w1 := st.AddWorker(domain.Worker{Name: "w1", Status: domain.WorkerActive, LastHeartbeat: hbAgo(10 * time.Minute)})
	w2 := st.AddWorker(domain.Worker{Name: "w2", Status: domain.WorkerStandby, LastHeartbeat: hbAgo(5 * time.Second)})
	tgt := st.AddTarget(domain.DeliveryTarget{ChatID: -100, Title: "news", WorkerID: &w1.ID, Active: true})

	s := newTestSupervisor(st, nil, nil)
	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(rep.Offline) != 1 || rep.Offline[0] != "w1" {
		t.Fatalf("Offline = %v, want [w1]", rep.Offline)
	}
	if len(rep.Promoted) != 1 || rep.Promoted[0] != "w2" {
		t.Fatalf("Promoted = %v, want [w2]", rep.Promoted)
	}
	if len(rep.Failovers) != 1 {
		t.Fatalf("Failovers = %d, want 1", len(rep.Failovers))
	}
	rec := rep.Failovers[0]
	if rec.TargetID != tgt.ID || rec.OldWorkerID != w1.ID {
		t.Fatalf("record = %+v, want target %d from worker %d", rec, tgt.ID, w1.ID)
	}
	if rec.NewWorkerID == nil || *rec.NewWorkerID != w2.ID {
		t.Fatalf("NewWorkerID = %v, want %d", rec.NewWorkerID, w2.ID)
	}
	if rec.Reason != domain.ReasonHeartbeatTimeout {
		t.Fatalf("Reason = %q, want %q", rec.Reason, domain.ReasonHeartbeatTimeout)
	}
	if !rec.At.Equal(testBase) {
		t.Fatalf("At = %v, want %v", rec.At, testBase)
	}

	ctx := context.Background()
	g1, _ := st.GetWorkerByName(ctx, "w1")
	g2, _ := st.GetWorkerByName(ctx, "w2")
	if g1.Status != domain.WorkerOffline || g2.Status != domain.WorkerActive {
		t.Fatalf("statuses = %s/%s, want offline/active", g1.Status, g2.Status)
	}
	moved, _ := st.ListTargetsByWorker(ctx, w2.ID)
	if len(moved) != 1 || moved[0].ID != tgt.ID {
		t.Fatalf("targets of w2 = %v, want [%d]", moved, tgt.ID)
	}
	audit, _ := st.ListFailovers(ctx, 10)
	if len(audit) != 1 {
		t.Fatalf("persisted failovers = %d, want 1", len(audit))
	}
}

func TestTickLeavesTargetUnassignedWhenNoReplacement(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	w1 := st.AddWorker(domain.Worker{Name: "w1", Status: domain.WorkerActive, LastHeartbeat: hbAgo(10 * time.Minute)})
	st.AddWorker(domain.Worker{Name: "w2", Status: domain.WorkerStandby, LastHeartbeat: hbAgo(10 * time.Minute)})
	st.AddTarget(domain.DeliveryTarget{ChatID: -100, WorkerID: &w1.ID, Active: true})

	al := &fakeAlerter{}
	s := newTestSupervisor(st, al, nil)
	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(rep.Offline) != 2 {
		t.Fatalf("Offline = %v, want both workers", rep.Offline)
	}
	if len(rep.Promoted) != 0 {
		t.Fatalf("Promoted = %v, want none", rep.Promoted)
	}
	if len(rep.Failovers) != 1 || rep.Failovers[0].NewWorkerID != nil {
		t.Fatalf("Failovers = %+v, want one unassigned record", rep.Failovers)
	}

	targets, _ := st.ListActiveTargets(context.Background())
	if len(targets) != 1 || targets[0].WorkerID != nil {
		t.Fatalf("target = %+v, want unassigned", targets)
	}

	lines := al.all()
	if len(lines) != 1 {
		t.Fatalf("alerts = %v, want exactly one", lines)
	}
	if !strings.Contains(lines[0], "left unassigned") {
		t.Fatalf("alert %q does not mention the unassigned target", lines[0])
	}
}

func TestTickNormalizesRecoveredWorkerWithoutReclaimingTargets(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	st.AddWorker(domain.Worker{Name: "w1", Status: domain.WorkerOffline, LastHeartbeat: hbAgo(5 * time.Second)})
	w2 := st.AddWorker(domain.Worker{Name: "w2", Status: domain.WorkerActive, LastHeartbeat: hbAgo(5 * time.Second)})
	tgt := st.AddTarget(domain.DeliveryTarget{ChatID: -100, WorkerID: &w2.ID, Active: true})

	s := newTestSupervisor(st, nil, nil)
	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(rep.Recovered) != 1 || rep.Recovered[0] != "w1" {
		t.Fatalf("Recovered = %v, want [w1]", rep.Recovered)
	}
	if len(rep.Failovers) != 0 {
		t.Fatalf("Failovers = %v, want none", rep.Failovers)
	}
	g1, _ := st.GetWorkerByName(context.Background(), "w1")
	if g1.Status != domain.WorkerActive {
		t.Fatalf("w1 status = %s, want active", g1.Status)
	}
	// Recovery puts the worker back in rotation; leases it lost stay
	// where the failover moved them.
	kept, _ := st.ListTargetsByWorker(context.Background(), w2.ID)
	if len(kept) != 1 || kept[0].ID != tgt.ID {
		t.Fatalf("targets of w2 = %v, want [%d]", kept, tgt.ID)
	}
}

func TestTickSkipsAlreadyOfflineWorkers(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	w1 := st.AddWorker(domain.Worker{Name: "w1", Status: domain.WorkerOffline})
	st.AddWorker(domain.Worker{Name: "w2", Status: domain.WorkerActive, LastHeartbeat: hbAgo(time.Second)})
	st.AddTarget(domain.DeliveryTarget{ChatID: -100, WorkerID: &w1.ID, Active: true})

	s := newTestSupervisor(st, nil, nil)
	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !rep.Quiet() {
		t.Fatalf("report = %+v, want a quiet pass", rep)
	}
	audit, _ := st.ListFailovers(context.Background(), 10)
	if len(audit) != 0 {
		t.Fatalf("failovers = %v, want none for a worker that was already offline", audit)
	}
}

func TestTickKeepsStandbyWhileHealthyActiveExists(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	st.AddWorker(domain.Worker{Name: "w1", Status: domain.WorkerActive, LastHeartbeat: hbAgo(time.Second)})
	st.AddWorker(domain.Worker{Name: "w2", Status: domain.WorkerStandby, LastHeartbeat: hbAgo(time.Second)})

	al := &fakeAlerter{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	s := newTestSupervisor(st, al, bus)
	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !rep.Quiet() {
		t.Fatalf("report = %+v, want a quiet pass", rep)
	}
	g2, _ := st.GetWorkerByName(context.Background(), "w2")
	if g2.Status != domain.WorkerStandby {
		t.Fatalf("w2 status = %s, want standby", g2.Status)
	}
	if got := drainEvents(ch); len(got) != 0 {
		t.Fatalf("events = %v, want none", got)
	}
	if lines := al.all(); len(lines) != 0 {
		t.Fatalf("alerts = %v, want none", lines)
	}
}

func TestTickPromotesAllStandbysWhenNoHealthyActive(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	st.AddWorker(domain.Worker{Name: "w1", Status: domain.WorkerOffline})
	st.AddWorker(domain.Worker{Name: "w2", Status: domain.WorkerStandby, LastHeartbeat: hbAgo(time.Second)})
	st.AddWorker(domain.Worker{Name: "w3", Status: domain.WorkerStandby, LastHeartbeat: hbAgo(time.Second)})

	s := newTestSupervisor(st, nil, nil)
	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got := append([]string(nil), rep.Promoted...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "w2" || got[1] != "w3" {
		t.Fatalf("Promoted = %v, want [w2 w3]", rep.Promoted)
	}
	for _, name := range []string{"w2", "w3"} {
		w, _ := st.GetWorkerByName(context.Background(), name)
		if w.Status != domain.WorkerActive {
			t.Fatalf("%s status = %s, want active", name, w.Status)
		}
	}
}

func TestTickPrefersMostRecentlySeenReplacement(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	w1 := st.AddWorker(domain.Worker{Name: "w1", Status: domain.WorkerActive, LastHeartbeat: hbAgo(10 * time.Minute)})
	st.AddWorker(domain.Worker{Name: "w2", Status: domain.WorkerActive, LastHeartbeat: hbAgo(30 * time.Second)})
	w3 := st.AddWorker(domain.Worker{Name: "w3", Status: domain.WorkerActive, LastHeartbeat: hbAgo(10 * time.Second)})
	st.AddTarget(domain.DeliveryTarget{ChatID: -100, WorkerID: &w1.ID, Active: true})

	s := newTestSupervisor(st, nil, nil)
	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(rep.Failovers) != 1 {
		t.Fatalf("Failovers = %v, want one", rep.Failovers)
	}
	if got := rep.Failovers[0].NewWorkerID; got == nil || *got != w3.ID {
		t.Fatalf("NewWorkerID = %v, want %d (freshest heartbeat)", got, w3.ID)
	}
	if len(rep.Promoted) != 0 {
		t.Fatalf("Promoted = %v, want none while healthy actives remain", rep.Promoted)
	}
}

func TestRankReplacements(t *testing.T) {
	t.Parallel()
	workers := []domain.Worker{
		{ID: 1, Name: "d", Status: domain.WorkerActive},
		{ID: 2, Name: "b", Status: domain.WorkerActive, LastHeartbeat: hbAgo(60 * time.Second)},
		{ID: 3, Name: "s", Status: domain.WorkerStandby, LastHeartbeat: hbAgo(time.Second)},
		{ID: 4, Name: "c", Status: domain.WorkerActive, LastHeartbeat: hbAgo(5 * time.Second)},
		{ID: 5, Name: "a", Status: domain.WorkerActive, LastHeartbeat: hbAgo(5 * time.Second)},
		{ID: 6, Name: "x", Status: domain.WorkerOffline, LastHeartbeat: hbAgo(time.Second)},
		{ID: 7, Name: "z", Status: domain.WorkerActive, LastHeartbeat: hbAgo(time.Second)},
	}
	healthy := map[int64]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true}

	cands := rankReplacements(workers, healthy)
	var names []string
	for _, w := range cands {
		names = append(names, w.Name)
	}
	want := []string{"a", "c", "b", "d", "s"}
	if len(names) != len(want) {
		t.Fatalf("order = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}

	if repl := pickReplacement(cands, 5); repl == nil || repl.Name != "c" {
		t.Fatalf("pickReplacement skipping id 5 = %+v, want c", repl)
	}
	if repl := pickReplacement(nil, 5); repl != nil {
		t.Fatalf("pickReplacement with no candidates = %+v, want nil", repl)
	}
}

func TestTickEmitsEventsAndAlert(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	w1 := st.AddWorker(domain.Worker{Name: "w1", Status: domain.WorkerActive, LastHeartbeat: hbAgo(10 * time.Minute)})
	st.AddWorker(domain.Worker{Name: "w2", Status: domain.WorkerStandby, LastHeartbeat: hbAgo(time.Second)})
	st.AddTarget(domain.DeliveryTarget{ChatID: -100, WorkerID: &w1.ID, Active: true})
	st.AddTarget(domain.DeliveryTarget{ChatID: -200, WorkerID: &w1.ID, Active: true})

	al := &fakeAlerter{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	s := newTestSupervisor(st, al, bus)
	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	got := drainEvents(ch)
	want := map[string]int{"fleet.offline": 1, "fleet.promoted": 1, "fleet.failover": 2}
	for typ, n := range want {
		if got[typ] != n {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	lines := al.all()
	if len(lines) != 1 {
		t.Fatalf("alerts = %v, want exactly one per tick", lines)
	}
	if !strings.HasPrefix(lines[0], string(notify.SeverityWarning)) {
		t.Fatalf("alert %q is not a warning", lines[0])
	}
	if !strings.Contains(lines[0], "w1") || !strings.Contains(lines[0], "2 target(s) moved") {
		t.Fatalf("alert %q does not summarize the failover", lines[0])
	}
}
