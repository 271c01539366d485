package epoch

import (
	"context"
	"errors"
	"testing"
	"time"

	"hiveledger/internal/db"
	"hiveledger/internal/domain"
	"hiveledger/internal/migrate"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	m := NewManager(conn, time.Hour)
	m.Now = func() time.Time { return now }
	return m, &now
}

func TestEnsureGenesisCreatesEpochOne(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.EnsureGenesis(ctx); err != nil {
			t.Fatalf("ensure genesis %d: %v", i, err)
		}
	}
	e, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if e.ID != 1 || e.Status != domain.EpochActive {
		t.Fatalf("genesis epoch = %+v", e)
	}
	n, _ := m.Repo.CountEpochsByStatus(ctx, domain.EpochActive)
	if n != 1 {
		t.Fatalf("active epochs = %d, want 1", n)
	}
}

func TestDueAfterDuration(t *testing.T) {
	m, now := newTestManager(t)
	ctx := context.Background()
	if err := m.EnsureGenesis(ctx); err != nil {
		t.Fatal(err)
	}

	if _, due, _ := m.Due(ctx); due {
		t.Fatal("fresh epoch should not be due")
	}
	*now = now.Add(61 * time.Minute)
	if _, due, _ := m.Due(ctx); !due {
		t.Fatal("epoch past its duration should be due")
	}
}

func TestBeginSealingOpensNextEpoch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.EnsureGenesis(ctx); err != nil {
		t.Fatal(err)
	}

	if err := m.BeginSealing(ctx, 1); err != nil {
		t.Fatalf("begin sealing: %v", err)
	}
	// retry while sealing is a no-op
	if err := m.BeginSealing(ctx, 1); err != nil {
		t.Fatalf("begin sealing retry: %v", err)
	}

	sealing, err := m.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if sealing.Status != domain.EpochSealing {
		t.Fatalf("epoch 1 status = %s", sealing.Status)
	}
	if sealing.EndTime == nil {
		t.Fatal("sealing epoch should carry end_time")
	}

	cur, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("no active epoch after sealing began: %v", err)
	}
	if cur.ID != 2 || cur.Status != domain.EpochActive {
		t.Fatalf("next epoch = %+v", cur)
	}
}

func TestFinalizeIsOneWay(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.EnsureGenesis(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.BeginSealing(ctx, 1); err != nil {
		t.Fatal(err)
	}

	sealedAt := "2026-01-15T13:00:00Z"
	sealed := domain.Epoch{ID: 1, JobCount: 0, MerkleRoot: "", Signature: "sig", ArchiveRef: "bafytest", SealedAt: &sealedAt}
	if err := m.Finalize(ctx, sealed); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// idempotent retry
	if err := m.Finalize(ctx, sealed); err != nil {
		t.Fatalf("finalize retry: %v", err)
	}

	e, _ := m.Get(ctx, 1)
	if e.Status != domain.EpochFinalized || e.ArchiveRef != "bafytest" {
		t.Fatalf("finalized epoch = %+v", e)
	}

	// a finalized epoch can never seal again
	err := m.BeginSealing(ctx, 1)
	if !errors.Is(err, ErrEpochStateConflict) {
		t.Fatalf("want ErrEpochStateConflict, got %v", err)
	}
}

func TestFinalizeActiveEpochRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.EnsureGenesis(ctx); err != nil {
		t.Fatal(err)
	}
	err := m.Finalize(ctx, domain.Epoch{ID: 1})
	if !errors.Is(err, ErrEpochStateConflict) {
		t.Fatalf("want ErrEpochStateConflict, got %v", err)
	}
}

func TestBeginSealingUnknownEpoch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.EnsureGenesis(ctx); err != nil {
		t.Fatal(err)
	}
	err := m.BeginSealing(ctx, 99)
	if !errors.Is(err, ErrEpochStateConflict) {
		t.Fatalf("want ErrEpochStateConflict, got %v", err)
	}
}
