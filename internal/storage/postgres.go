package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"heraldbot/internal/domain"
	logx "heraldbot/pkg/logx"
)

//go:embed schema_postgres.sql
var pgSchemaFS embed.FS

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgStore struct {
	pool *pgxpool.Pool // nil on transaction-scoped clones
	q    pgQuerier
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pcfg.MaxConns = 10
	pcfg.HealthCheckPeriod = 30 * time.Second

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	st := &pgStore{pool: pool, q: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	b, err := pgSchemaFS.ReadFile("schema_postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *pgStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *pgStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	return s.pool.Ping(ctx)
}

func (s *pgStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s == nil || s.q == nil {
		return ErrDisabled
	}
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(&pgStore{q: tx, log: s.log}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// ---- workers ----

const pgWorkerCols = `id, name, status, last_heartbeat, heartbeat_timeout_secs, token_cipher, created_at`

func (s *pgStore) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := s.q.Query(ctx, `SELECT `+pgWorkerCols+` FROM workers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Worker
	for rows.Next() {
		w, err := scanPGWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *pgStore) GetWorkerByName(ctx context.Context, name string) (domain.Worker, error) {
	row := s.q.QueryRow(ctx, `SELECT `+pgWorkerCols+` FROM workers WHERE name = $1`, name)
	w, err := scanPGWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Worker{}, ErrNotFound
	}
	return w, err
}

func (s *pgStore) UpsertWorker(ctx context.Context, w domain.Worker) (domain.Worker, error) {
	created := w.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO workers(name, status, heartbeat_timeout_secs, token_cipher, created_at)
		 VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT(name) DO UPDATE SET token_cipher = excluded.token_cipher`,
		w.Name, string(w.Status), int64(w.HeartbeatTimeout/time.Second), w.TokenCipher, created,
	)
	if err != nil {
		return domain.Worker{}, err
	}
	return s.GetWorkerByName(ctx, w.Name)
}

func (s *pgStore) UpdateWorkerStatus(ctx context.Context, workerID int64, status domain.WorkerStatus) error {
	tag, err := s.q.Exec(ctx, `UPDATE workers SET status = $1 WHERE id = $2`, string(status), workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) RecordHeartbeat(ctx context.Context, name string, at time.Time) error {
	tag, err := s.q.Exec(ctx, `UPDATE workers SET last_heartbeat = $1 WHERE name = $2`, at, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- delivery targets ----

const pgTargetCols = `id, chat_id, title, worker_id, content_group_id, active`

func (s *pgStore) ListActiveTargets(ctx context.Context) ([]domain.DeliveryTarget, error) {
	return s.queryTargets(ctx, `SELECT `+pgTargetCols+` FROM targets WHERE active ORDER BY id`)
}

func (s *pgStore) ListTargetsByWorker(ctx context.Context, workerID int64) ([]domain.DeliveryTarget, error) {
	return s.queryTargets(ctx,
		`SELECT `+pgTargetCols+` FROM targets WHERE active AND worker_id = $1 ORDER BY id`, workerID)
}

func (s *pgStore) ListTargetsByContentGroup(ctx context.Context, contentGroupID int64) ([]domain.DeliveryTarget, error) {
	return s.queryTargets(ctx,
		`SELECT `+pgTargetCols+` FROM targets WHERE active AND content_group_id = $1 ORDER BY id`, contentGroupID)
}

func (s *pgStore) queryTargets(ctx context.Context, query string, args ...any) ([]domain.DeliveryTarget, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeliveryTarget
	for rows.Next() {
		var t domain.DeliveryTarget
		if err := rows.Scan(&t.ID, &t.ChatID, &t.Title, &t.WorkerID, &t.ContentGroupID, &t.Active); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *pgStore) ReassignTarget(ctx context.Context, targetID int64, workerID *int64) error {
	tag, err := s.q.Exec(ctx, `UPDATE targets SET worker_id = $1 WHERE id = $2`, workerID, targetID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- failover audit ----

func (s *pgStore) AppendFailover(ctx context.Context, rec domain.FailoverRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO failovers(target_id, old_worker_id, new_worker_id, reason, at) VALUES($1,$2,$3,$4,$5)`,
		rec.TargetID, rec.OldWorkerID, rec.NewWorkerID, rec.Reason, at,
	)
	return err
}

func (s *pgStore) ListFailovers(ctx context.Context, limit int) ([]domain.FailoverRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.Query(ctx,
		`SELECT id, target_id, old_worker_id, new_worker_id, reason, at
		 FROM failovers ORDER BY at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FailoverRecord
	for rows.Next() {
		var rec domain.FailoverRecord
		if err := rows.Scan(&rec.ID, &rec.TargetID, &rec.OldWorkerID, &rec.NewWorkerID, &rec.Reason, &rec.At); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- content groups ----

const pgGroupCols = `id, slug, name, random_media, random_text, spoiler_media, dispatch_interval_secs, dispatch_cron, next_dispatch_at`

func (s *pgStore) GetContentGroup(ctx context.Context, id int64) (domain.ContentGroup, error) {
	row := s.q.QueryRow(ctx, `SELECT `+pgGroupCols+` FROM content_groups WHERE id = $1`, id)
	g, err := scanPGGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ContentGroup{}, ErrNotFound
	}
	if err != nil {
		return domain.ContentGroup{}, err
	}
	if err := s.loadItems(ctx, &g); err != nil {
		return domain.ContentGroup{}, err
	}
	return g, nil
}

func (s *pgStore) GetContentGroupBySlug(ctx context.Context, slug string) (domain.ContentGroup, error) {
	row := s.q.QueryRow(ctx, `SELECT `+pgGroupCols+` FROM content_groups WHERE slug = $1`, slug)
	g, err := scanPGGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ContentGroup{}, ErrNotFound
	}
	if err != nil {
		return domain.ContentGroup{}, err
	}
	if err := s.loadItems(ctx, &g); err != nil {
		return domain.ContentGroup{}, err
	}
	return g, nil
}

func (s *pgStore) loadItems(ctx context.Context, g *domain.ContentGroup) error {
	rows, err := s.q.Query(ctx,
		`SELECT id, kind, file_ref, caption, weight, spoiler FROM media_items WHERE content_group_id = $1 ORDER BY id`, g.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var m domain.MediaItem
		var kind string
		if err := rows.Scan(&m.ID, &kind, &m.FileRef, &m.Caption, &m.Weight, &m.Spoiler); err != nil {
			rows.Close()
			return err
		}
		m.Kind = domain.MediaKind(kind)
		g.Media = append(g.Media, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.q.Query(ctx,
		`SELECT id, body, weight FROM text_items WHERE content_group_id = $1 ORDER BY id`, g.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var t domain.TextItem
		if err := rows.Scan(&t.ID, &t.Text, &t.Weight); err != nil {
			rows.Close()
			return err
		}
		g.Texts = append(g.Texts, t)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.q.Query(ctx,
		`SELECT id, label, url, weight FROM button_items WHERE content_group_id = $1 ORDER BY id`, g.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var b domain.ButtonItem
		if err := rows.Scan(&b.ID, &b.Label, &b.URL, &b.Weight); err != nil {
			rows.Close()
			return err
		}
		g.Buttons = append(g.Buttons, b)
	}
	return rows.Err()
}

func (s *pgStore) ListDueContentGroups(ctx context.Context, now time.Time) ([]domain.ContentGroup, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+pgGroupCols+` FROM content_groups
		 WHERE (next_dispatch_at IS NOT NULL AND next_dispatch_at <= $1)
		    OR (next_dispatch_at IS NULL AND (dispatch_interval_secs IS NOT NULL OR dispatch_cron <> ''))
		 ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ContentGroup
	for rows.Next() {
		g, err := scanPGGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *pgStore) SetNextDispatch(ctx context.Context, contentGroupID int64, at time.Time) error {
	tag, err := s.q.Exec(ctx, `UPDATE content_groups SET next_dispatch_at = $1 WHERE id = $2`, at, contentGroupID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) HasMediaRepository(ctx context.Context, contentGroupID int64) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM media_repositories WHERE content_group_id = $1 AND active)`, contentGroupID).Scan(&exists)
	return exists, err
}

// ---- scan helpers ----

func scanPGWorker(row pgx.Row) (domain.Worker, error) {
	var (
		w           domain.Worker
		status      string
		beat        *time.Time
		timeoutSecs int64
	)
	if err := row.Scan(&w.ID, &w.Name, &status, &beat, &timeoutSecs, &w.TokenCipher, &w.CreatedAt); err != nil {
		return domain.Worker{}, err
	}
	w.Status = domain.WorkerStatus(status)
	w.LastHeartbeat = beat
	w.HeartbeatTimeout = time.Duration(timeoutSecs) * time.Second
	return w, nil
}

func scanPGGroup(row pgx.Row) (domain.ContentGroup, error) {
	var (
		g            domain.ContentGroup
		intervalSecs *int64
	)
	if err := row.Scan(&g.ID, &g.Slug, &g.Name, &g.RandomMedia, &g.RandomText, &g.SpoilerMedia,
		&intervalSecs, &g.DispatchCron, &g.NextDispatchAt); err != nil {
		return domain.ContentGroup{}, err
	}
	if intervalSecs != nil {
		d := time.Duration(*intervalSecs) * time.Second
		g.DispatchInterval = &d
	}
	return g, nil
}
