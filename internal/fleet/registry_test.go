package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"heraldbot/internal/crypto"
	"heraldbot/internal/domain"
	"heraldbot/internal/storage"
	logx "heraldbot/pkg/logx"
)

func TestRegistryEnsureWorkerSealsToken(t *testing.T) {
	t.Parallel()
	key, err := crypto.NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	st := storage.NewMemory()
	reg := NewRegistry(st, key, logx.Nop())

	w, err := reg.EnsureWorker(context.Background(), "main", domain.RoleStandby, "123:secret", 90*time.Second)
	if err != nil {
		t.Fatalf("EnsureWorker: %v", err)
	}
	if w.Status != domain.WorkerStandby {
		t.Fatalf("status = %s, want standby for the standby role", w.Status)
	}
	if w.LastHeartbeat != nil {
		t.Fatalf("LastHeartbeat = %v, want nil before the first beat", w.LastHeartbeat)
	}
	if w.HeartbeatTimeout != 90*time.Second {
		t.Fatalf("HeartbeatTimeout = %v, want the configured override", w.HeartbeatTimeout)
	}
	if string(w.TokenCipher) == "123:secret" {
		t.Fatal("token stored in the clear")
	}

	tok, err := reg.Token(w)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "123:secret" {
		t.Fatalf("Token = %q, want the original", tok)
	}
}

func TestRegistryReEnsureKeepsStatusAndLiveness(t *testing.T) {
	t.Parallel()
	key, err := crypto.NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	st := storage.NewMemory()
	reg := NewRegistry(st, key, logx.Nop())
	ctx := context.Background()

	w, err := reg.EnsureWorker(ctx, "main", domain.RolePrimary, "tok-a", 0)
	if err != nil {
		t.Fatalf("EnsureWorker: %v", err)
	}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := st.RecordHeartbeat(ctx, "main", at); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	if err := st.UpdateWorkerStatus(ctx, w.ID, domain.WorkerOffline); err != nil {
		t.Fatalf("UpdateWorkerStatus: %v", err)
	}

	// A restart re-registers with a fresh token but must not resurrect
	// the demoted status or erase liveness.
	again, err := reg.EnsureWorker(ctx, "main", domain.RolePrimary, "tok-b", 0)
	if err != nil {
		t.Fatalf("EnsureWorker again: %v", err)
	}
	if again.ID != w.ID {
		t.Fatalf("ID changed %d -> %d on re-registration", w.ID, again.ID)
	}
	if again.Status != domain.WorkerOffline {
		t.Fatalf("status = %s, want offline preserved", again.Status)
	}
	if again.LastHeartbeat == nil || !again.LastHeartbeat.Equal(at) {
		t.Fatalf("LastHeartbeat = %v, want %v preserved", again.LastHeartbeat, at)
	}
	tok, err := reg.Token(again)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok-b" {
		t.Fatalf("Token = %q, want the refreshed one", tok)
	}
}

func TestRegistryTokenWrongKey(t *testing.T) {
	t.Parallel()
	key, err := crypto.NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	st := storage.NewMemory()
	reg := NewRegistry(st, key, logx.Nop())

	w, err := reg.EnsureWorker(context.Background(), "main", domain.RolePrimary, "tok", 0)
	if err != nil {
		t.Fatalf("EnsureWorker: %v", err)
	}

	other, err := crypto.NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if _, err := NewRegistry(st, other, logx.Nop()).Token(w); !errors.Is(err, crypto.ErrOpen) {
		t.Fatalf("Token with wrong key = %v, want ErrOpen", err)
	}
}
