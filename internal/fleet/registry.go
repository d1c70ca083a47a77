package fleet

import (
	"context"
	"fmt"
	"time"

	"heraldbot/internal/crypto"
	"heraldbot/internal/domain"
	"heraldbot/internal/storage"
	logx "heraldbot/pkg/logx"
)

// Registry enrolls this process's worker identity and seals its transport
// token at rest. Tokens never touch storage in the clear.
type Registry struct {
	log   logx.Logger
	store storage.Store
	key   crypto.Key
}

func NewRegistry(store storage.Store, key crypto.Key, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log, store: store, key: key}
}

// EnsureWorker registers the named worker with the status its role implies,
// or refreshes the sealed token of an existing row. Status, liveness and
// timeout of an existing worker are left alone so a restart cannot silently
// re-activate a demoted instance. timeout 0 keeps the fleet default.
func (r *Registry) EnsureWorker(ctx context.Context, name string, role domain.WorkerRole, token string, timeout time.Duration) (domain.Worker, error) {
	cipher, err := crypto.Seal(r.key, []byte(token))
	if err != nil {
		return domain.Worker{}, fmt.Errorf("seal token: %w", err)
	}
	w, err := r.store.UpsertWorker(ctx, domain.Worker{
		Name:             name,
		Status:           role.Status(),
		TokenCipher:      cipher,
		HeartbeatTimeout: timeout,
	})
	if err != nil {
		return domain.Worker{}, fmt.Errorf("upsert worker: %w", err)
	}
	r.log.Info("worker registered",
		logx.String("worker", w.Name), logx.String("status", string(w.Status)))
	return w, nil
}

// Token opens the worker's sealed transport credential.
func (r *Registry) Token(w domain.Worker) (string, error) {
	plain, err := crypto.Open(r.key, w.TokenCipher)
	if err != nil {
		return "", fmt.Errorf("open token of %s: %w", w.Name, err)
	}
	return string(plain), nil
}
