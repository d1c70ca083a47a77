package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"heraldbot/internal/domain"
	logx "heraldbot/pkg/logx"
)

// Store is the persistence API used by the fleet, dispatch and scheduling
// layers. Single-entity lookups return ErrNotFound when no row matches.
type Store interface {
	// Workers.
	ListWorkers(ctx context.Context) ([]domain.Worker, error)
	GetWorkerByName(ctx context.Context, name string) (domain.Worker, error)
	// UpsertWorker inserts a worker row, or refreshes the sealed token of
	// an existing one. Status, liveness and timeout of an existing row are
	// left untouched; those belong to the supervisor and the heartbeat.
	UpsertWorker(ctx context.Context, w domain.Worker) (domain.Worker, error)
	UpdateWorkerStatus(ctx context.Context, workerID int64, status domain.WorkerStatus) error
	RecordHeartbeat(ctx context.Context, name string, at time.Time) error

	// Delivery targets. List operations return active targets only.
	ListActiveTargets(ctx context.Context) ([]domain.DeliveryTarget, error)
	ListTargetsByWorker(ctx context.Context, workerID int64) ([]domain.DeliveryTarget, error)
	ListTargetsByContentGroup(ctx context.Context, contentGroupID int64) ([]domain.DeliveryTarget, error)
	// ReassignTarget moves the target's lease to workerID; nil clears it.
	ReassignTarget(ctx context.Context, targetID int64, workerID *int64) error

	// Failover audit trail, append-only.
	AppendFailover(ctx context.Context, rec domain.FailoverRecord) error
	ListFailovers(ctx context.Context, limit int) ([]domain.FailoverRecord, error)

	// Content groups. Get operations load media, text and button items;
	// ListDueContentGroups returns schedule columns only.
	GetContentGroup(ctx context.Context, id int64) (domain.ContentGroup, error)
	GetContentGroupBySlug(ctx context.Context, slug string) (domain.ContentGroup, error)
	ListDueContentGroups(ctx context.Context, now time.Time) ([]domain.ContentGroup, error)
	SetNextDispatch(ctx context.Context, contentGroupID int64, at time.Time) error
	HasMediaRepository(ctx context.Context, contentGroupID int64) (bool, error)

	// WithTx runs fn against a transaction-scoped store; fn returning an
	// error rolls the transaction back. The memory driver serializes fn
	// under its lock instead (no rollback).
	WithTx(ctx context.Context, fn func(Store) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
