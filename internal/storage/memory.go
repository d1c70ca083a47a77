package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"heraldbot/internal/domain"
)

// Memory is an ephemeral Store used by tests and the "memory" driver.
// WithTx serializes the callback under the store lock; there is no rollback.
type Memory struct {
	mu   *sync.Mutex
	d    *memData
	inTx bool
}

type memData struct {
	seq       int64
	workers   map[int64]*domain.Worker
	targets   map[int64]*domain.DeliveryTarget
	groups    map[int64]*domain.ContentGroup
	failovers []domain.FailoverRecord
	repos     []domain.MediaRepositoryLink
}

func NewMemory() *Memory {
	return &Memory{
		mu: &sync.Mutex{},
		d: &memData{
			workers: map[int64]*domain.Worker{},
			targets: map[int64]*domain.DeliveryTarget{},
			groups:  map[int64]*domain.ContentGroup{},
		},
	}
}

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) nextID() int64 {
	m.d.seq++
	return m.d.seq
}

// ---- seed helpers (not part of Store) ----

// AddWorker inserts a worker row directly, assigning an id when unset.
func (m *Memory) AddWorker(w domain.Worker) domain.Worker {
	defer m.lock()()
	if w.ID == 0 {
		w.ID = m.nextID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	cp := cloneWorker(w)
	m.d.workers[w.ID] = &cp
	return w
}

// AddTarget inserts a delivery target row directly.
func (m *Memory) AddTarget(t domain.DeliveryTarget) domain.DeliveryTarget {
	defer m.lock()()
	if t.ID == 0 {
		t.ID = m.nextID()
	}
	cp := cloneTarget(t)
	m.d.targets[t.ID] = &cp
	return t
}

// AddContentGroup inserts a content group with its items, assigning ids to
// group and items when unset.
func (m *Memory) AddContentGroup(g domain.ContentGroup) domain.ContentGroup {
	defer m.lock()()
	if g.ID == 0 {
		g.ID = m.nextID()
	}
	for i := range g.Media {
		if g.Media[i].ID == 0 {
			g.Media[i].ID = m.nextID()
		}
	}
	for i := range g.Texts {
		if g.Texts[i].ID == 0 {
			g.Texts[i].ID = m.nextID()
		}
	}
	for i := range g.Buttons {
		if g.Buttons[i].ID == 0 {
			g.Buttons[i].ID = m.nextID()
		}
	}
	cp := cloneGroup(g)
	m.d.groups[g.ID] = &cp
	return g
}

// AddMediaRepository links a chat as media repository of a content group.
func (m *Memory) AddMediaRepository(l domain.MediaRepositoryLink) domain.MediaRepositoryLink {
	defer m.lock()()
	if l.ID == 0 {
		l.ID = m.nextID()
	}
	m.d.repos = append(m.d.repos, l)
	return l
}

// ---- Store ----

func (m *Memory) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	defer m.lock()()
	out := make([]domain.Worker, 0, len(m.d.workers))
	for _, w := range m.d.workers {
		out = append(out, cloneWorker(*w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetWorkerByName(ctx context.Context, name string) (domain.Worker, error) {
	defer m.lock()()
	for _, w := range m.d.workers {
		if w.Name == name {
			return cloneWorker(*w), nil
		}
	}
	return domain.Worker{}, ErrNotFound
}

func (m *Memory) UpsertWorker(ctx context.Context, w domain.Worker) (domain.Worker, error) {
	defer m.lock()()
	for _, ex := range m.d.workers {
		if ex.Name == w.Name {
			ex.TokenCipher = append([]byte(nil), w.TokenCipher...)
			return cloneWorker(*ex), nil
		}
	}
	w.ID = m.nextID()
	w.LastHeartbeat = nil
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	cp := cloneWorker(w)
	m.d.workers[w.ID] = &cp
	return cloneWorker(cp), nil
}

func (m *Memory) UpdateWorkerStatus(ctx context.Context, workerID int64, status domain.WorkerStatus) error {
	defer m.lock()()
	w, ok := m.d.workers[workerID]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	return nil
}

func (m *Memory) RecordHeartbeat(ctx context.Context, name string, at time.Time) error {
	defer m.lock()()
	for _, w := range m.d.workers {
		if w.Name == name {
			t := at
			w.LastHeartbeat = &t
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListActiveTargets(ctx context.Context) ([]domain.DeliveryTarget, error) {
	return m.filterTargets(func(t *domain.DeliveryTarget) bool { return t.Active })
}

func (m *Memory) ListTargetsByWorker(ctx context.Context, workerID int64) ([]domain.DeliveryTarget, error) {
	return m.filterTargets(func(t *domain.DeliveryTarget) bool {
		return t.Active && t.WorkerID != nil && *t.WorkerID == workerID
	})
}

func (m *Memory) ListTargetsByContentGroup(ctx context.Context, contentGroupID int64) ([]domain.DeliveryTarget, error) {
	return m.filterTargets(func(t *domain.DeliveryTarget) bool {
		return t.Active && t.ContentGroupID != nil && *t.ContentGroupID == contentGroupID
	})
}

func (m *Memory) filterTargets(keep func(*domain.DeliveryTarget) bool) ([]domain.DeliveryTarget, error) {
	defer m.lock()()
	var out []domain.DeliveryTarget
	for _, t := range m.d.targets {
		if keep(t) {
			out = append(out, cloneTarget(*t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ReassignTarget(ctx context.Context, targetID int64, workerID *int64) error {
	defer m.lock()()
	t, ok := m.d.targets[targetID]
	if !ok {
		return ErrNotFound
	}
	if workerID == nil {
		t.WorkerID = nil
	} else {
		id := *workerID
		t.WorkerID = &id
	}
	return nil
}

func (m *Memory) AppendFailover(ctx context.Context, rec domain.FailoverRecord) error {
	defer m.lock()()
	rec.ID = m.nextID()
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	if rec.NewWorkerID != nil {
		id := *rec.NewWorkerID
		rec.NewWorkerID = &id
	}
	m.d.failovers = append(m.d.failovers, rec)
	return nil
}

func (m *Memory) ListFailovers(ctx context.Context, limit int) ([]domain.FailoverRecord, error) {
	defer m.lock()()
	if limit <= 0 {
		limit = 50
	}
	out := make([]domain.FailoverRecord, 0, len(m.d.failovers))
	for i := len(m.d.failovers) - 1; i >= 0 && len(out) < limit; i-- {
		rec := m.d.failovers[i]
		if rec.NewWorkerID != nil {
			id := *rec.NewWorkerID
			rec.NewWorkerID = &id
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) GetContentGroup(ctx context.Context, id int64) (domain.ContentGroup, error) {
	defer m.lock()()
	g, ok := m.d.groups[id]
	if !ok {
		return domain.ContentGroup{}, ErrNotFound
	}
	return cloneGroup(*g), nil
}

func (m *Memory) GetContentGroupBySlug(ctx context.Context, slug string) (domain.ContentGroup, error) {
	defer m.lock()()
	for _, g := range m.d.groups {
		if g.Slug == slug {
			return cloneGroup(*g), nil
		}
	}
	return domain.ContentGroup{}, ErrNotFound
}

func (m *Memory) ListDueContentGroups(ctx context.Context, now time.Time) ([]domain.ContentGroup, error) {
	defer m.lock()()
	var out []domain.ContentGroup
	for _, g := range m.d.groups {
		due := false
		switch {
		case g.NextDispatchAt != nil:
			due = !g.NextDispatchAt.After(now)
		case g.DispatchInterval != nil || strings.TrimSpace(g.DispatchCron) != "":
			due = true
		}
		if due {
			cp := cloneGroup(*g)
			// Match the SQL drivers: due rows carry schedule columns only.
			cp.Media, cp.Texts, cp.Buttons = nil, nil, nil
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetNextDispatch(ctx context.Context, contentGroupID int64, at time.Time) error {
	defer m.lock()()
	g, ok := m.d.groups[contentGroupID]
	if !ok {
		return ErrNotFound
	}
	t := at
	g.NextDispatchAt = &t
	return nil
}

func (m *Memory) HasMediaRepository(ctx context.Context, contentGroupID int64) (bool, error) {
	defer m.lock()()
	for _, l := range m.d.repos {
		if l.ContentGroupID == contentGroupID && l.Active {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) WithTx(ctx context.Context, fn func(Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&Memory{mu: m.mu, d: m.d, inTx: true})
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// ---- clone helpers ----

func cloneWorker(w domain.Worker) domain.Worker {
	if w.LastHeartbeat != nil {
		t := *w.LastHeartbeat
		w.LastHeartbeat = &t
	}
	w.TokenCipher = append([]byte(nil), w.TokenCipher...)
	return w
}

func cloneTarget(t domain.DeliveryTarget) domain.DeliveryTarget {
	if t.WorkerID != nil {
		id := *t.WorkerID
		t.WorkerID = &id
	}
	if t.ContentGroupID != nil {
		id := *t.ContentGroupID
		t.ContentGroupID = &id
	}
	return t
}

func cloneGroup(g domain.ContentGroup) domain.ContentGroup {
	if g.DispatchInterval != nil {
		d := *g.DispatchInterval
		g.DispatchInterval = &d
	}
	if g.NextDispatchAt != nil {
		t := *g.NextDispatchAt
		g.NextDispatchAt = &t
	}
	g.Media = append([]domain.MediaItem(nil), g.Media...)
	g.Texts = append([]domain.TextItem(nil), g.Texts...)
	g.Buttons = append([]domain.ButtonItem(nil), g.Buttons...)
	return g
}
