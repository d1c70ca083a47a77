package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"heraldbot/internal/domain"
	logx "heraldbot/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchemaFS embed.FS

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteStore struct {
	db  *sql.DB // nil on transaction-scoped clones
	q   dbtx
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, q: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteSchemaFS.ReadFile("schema_sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s == nil || s.q == nil {
		return ErrDisabled
	}
	if s.db == nil {
		// Already transaction-scoped; run in the same transaction.
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqliteStore{q: tx, log: s.log}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---- workers ----

const sqliteWorkerCols = `id, name, status, last_heartbeat, heartbeat_timeout_secs, token_cipher, created_at`

func (s *sqliteStore) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+sqliteWorkerCols+` FROM workers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Worker
	for rows.Next() {
		w, err := scanSQLiteWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetWorkerByName(ctx context.Context, name string) (domain.Worker, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+sqliteWorkerCols+` FROM workers WHERE name = ?`, name)
	w, err := scanSQLiteWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Worker{}, ErrNotFound
	}
	return w, err
}

func (s *sqliteStore) UpsertWorker(ctx context.Context, w domain.Worker) (domain.Worker, error) {
	created := w.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO workers(name, status, heartbeat_timeout_secs, token_cipher, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET token_cipher = excluded.token_cipher`,
		w.Name, string(w.Status), int64(w.HeartbeatTimeout/time.Second), w.TokenCipher, created.UnixMilli(),
	)
	if err != nil {
		return domain.Worker{}, err
	}
	return s.GetWorkerByName(ctx, w.Name)
}

func (s *sqliteStore) UpdateWorkerStatus(ctx context.Context, workerID int64, status domain.WorkerStatus) error {
	res, err := s.q.ExecContext(ctx, `UPDATE workers SET status = ? WHERE id = ?`, string(status), workerID)
	if err != nil {
		return err
	}
	return notFoundOnZero(res)
}

func (s *sqliteStore) RecordHeartbeat(ctx context.Context, name string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `UPDATE workers SET last_heartbeat = ? WHERE name = ?`, at.UnixMilli(), name)
	if err != nil {
		return err
	}
	return notFoundOnZero(res)
}

// ---- delivery targets ----

const sqliteTargetCols = `id, chat_id, title, worker_id, content_group_id, active`

func (s *sqliteStore) ListActiveTargets(ctx context.Context) ([]domain.DeliveryTarget, error) {
	return s.queryTargets(ctx, `SELECT `+sqliteTargetCols+` FROM targets WHERE active = 1 ORDER BY id`)
}

func (s *sqliteStore) ListTargetsByWorker(ctx context.Context, workerID int64) ([]domain.DeliveryTarget, error) {
	return s.queryTargets(ctx,
		`SELECT `+sqliteTargetCols+` FROM targets WHERE active = 1 AND worker_id = ? ORDER BY id`, workerID)
}

func (s *sqliteStore) ListTargetsByContentGroup(ctx context.Context, contentGroupID int64) ([]domain.DeliveryTarget, error) {
	return s.queryTargets(ctx,
		`SELECT `+sqliteTargetCols+` FROM targets WHERE active = 1 AND content_group_id = ? ORDER BY id`, contentGroupID)
}

func (s *sqliteStore) queryTargets(ctx context.Context, query string, args ...any) ([]domain.DeliveryTarget, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeliveryTarget
	for rows.Next() {
		var (
			t      domain.DeliveryTarget
			worker sql.NullInt64
			group  sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.ChatID, &t.Title, &worker, &group, &t.Active); err != nil {
			return nil, err
		}
		t.WorkerID = nullInt(worker)
		t.ContentGroupID = nullInt(group)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReassignTarget(ctx context.Context, targetID int64, workerID *int64) error {
	res, err := s.q.ExecContext(ctx, `UPDATE targets SET worker_id = ? WHERE id = ?`, nullableID(workerID), targetID)
	if err != nil {
		return err
	}
	return notFoundOnZero(res)
}

// ---- failover audit ----

func (s *sqliteStore) AppendFailover(ctx context.Context, rec domain.FailoverRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO failovers(target_id, old_worker_id, new_worker_id, reason, at) VALUES(?,?,?,?,?)`,
		rec.TargetID, rec.OldWorkerID, nullableID(rec.NewWorkerID), rec.Reason, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListFailovers(ctx context.Context, limit int) ([]domain.FailoverRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, target_id, old_worker_id, new_worker_id, reason, at
		 FROM failovers ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FailoverRecord
	for rows.Next() {
		var (
			rec   domain.FailoverRecord
			newID sql.NullInt64
			atMS  int64
		)
		if err := rows.Scan(&rec.ID, &rec.TargetID, &rec.OldWorkerID, &newID, &rec.Reason, &atMS); err != nil {
			return nil, err
		}
		rec.NewWorkerID = nullInt(newID)
		rec.At = time.UnixMilli(atMS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- content groups ----

const sqliteGroupCols = `id, slug, name, random_media, random_text, spoiler_media, dispatch_interval_secs, dispatch_cron, next_dispatch_at`

func (s *sqliteStore) GetContentGroup(ctx context.Context, id int64) (domain.ContentGroup, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+sqliteGroupCols+` FROM content_groups WHERE id = ?`, id)
	g, err := scanSQLiteGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *sqliteStore) GetContentGroupBySlug(ctx context.Context, slug string) (domain.ContentGroup, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+sqliteGroupCols+` FROM content_groups WHERE slug = ?`, slug)
	g, err := scanSQLiteGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *sqliteStore) loadItems(ctx context.Context, g *domain.ContentGroup) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, kind, file_ref, caption, weight, spoiler FROM media_items WHERE content_group_id = ? ORDER BY id`, g.ID)
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
	if err := closeRows(rows); err != nil {
		return err
	}

	rows, err = s.q.QueryContext(ctx,
		`SELECT id, body, weight FROM text_items WHERE content_group_id = ? ORDER BY id`, g.ID)
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
	if err := closeRows(rows); err != nil {
		return err
	}

	rows, err = s.q.QueryContext(ctx,
		`SELECT id, label, url, weight FROM button_items WHERE content_group_id = ? ORDER BY id`, g.ID)
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
	return closeRows(rows)
}

func (s *sqliteStore) ListDueContentGroups(ctx context.Context, now time.Time) ([]domain.ContentGroup, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqliteGroupCols+` FROM content_groups
		 WHERE (next_dispatch_at IS NOT NULL AND next_dispatch_at <= ?)
		    OR (next_dispatch_at IS NULL AND (dispatch_interval_secs IS NOT NULL OR dispatch_cron != ''))
		 ORDER BY id`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ContentGroup
	for rows.Next() {
		g, err := scanSQLiteGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetNextDispatch(ctx context.Context, contentGroupID int64, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE content_groups SET next_dispatch_at = ? WHERE id = ?`, at.UnixMilli(), contentGroupID)
	if err != nil {
		return err
	}
	return notFoundOnZero(res)
}

func (s *sqliteStore) HasMediaRepository(ctx context.Context, contentGroupID int64) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM media_repositories WHERE content_group_id = ? AND active = 1`, contentGroupID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteWorker(r rowScanner) (domain.Worker, error) {
	var (
		w           domain.Worker
		status      string
		beat        sql.NullInt64
		timeoutSecs int64
		token       []byte
		createdMS   int64
	)
	if err := r.Scan(&w.ID, &w.Name, &status, &beat, &timeoutSecs, &token, &createdMS); err != nil {
		return domain.Worker{}, err
	}
	w.Status = domain.WorkerStatus(status)
	if beat.Valid {
		t := time.UnixMilli(beat.Int64)
		w.LastHeartbeat = &t
	}
	w.HeartbeatTimeout = time.Duration(timeoutSecs) * time.Second
	w.TokenCipher = token
	w.CreatedAt = time.UnixMilli(createdMS)
	return w, nil
}

func scanSQLiteGroup(r rowScanner) (domain.ContentGroup, error) {
	var (
		g            domain.ContentGroup
		intervalSecs sql.NullInt64
		nextMS       sql.NullInt64
	)
	if err := r.Scan(&g.ID, &g.Slug, &g.Name, &g.RandomMedia, &g.RandomText, &g.SpoilerMedia,
		&intervalSecs, &g.DispatchCron, &nextMS); err != nil {
		return domain.ContentGroup{}, err
	}
	if intervalSecs.Valid {
		d := time.Duration(intervalSecs.Int64) * time.Second
		g.DispatchInterval = &d
	}
	if nextMS.Valid {
		t := time.UnixMilli(nextMS.Int64)
		g.NextDispatchAt = &t
	}
	return g, nil
}

func notFoundOnZero(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullableID(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
