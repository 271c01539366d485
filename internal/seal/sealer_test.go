package seal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hiveledger/internal/archive"
	"hiveledger/internal/db"
	"hiveledger/internal/domain"
	"hiveledger/internal/epoch"
	"hiveledger/internal/ledger"
	"hiveledger/internal/merkle"
	"hiveledger/internal/migrate"
	"hiveledger/internal/payout"
	"hiveledger/internal/repo"
	"hiveledger/internal/units"
)

type fakeSigner struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *fakeSigner) Sign(ctx context.Context, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", fmt.Errorf("%w: authority offline", archive.ErrSigningFailure)
	}
	return "sig-over-" + fmt.Sprint(len(message)), nil
}

type fakePublisher struct {
	mu      sync.Mutex
	bundles map[string][]byte
	fail    bool
}

func (f *fakePublisher) Add(ctx context.Context, name string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("%w: store offline", archive.ErrPublishFailure)
	}
	if f.bundles == nil {
		f.bundles = map[string][]byte{}
	}
	cid := "bafy-" + name
	f.bundles[cid] = data
	return cid, nil
}

type fixture struct {
	conn      *sql.DB
	store     *ledger.Store
	epochs    *epoch.Manager
	repo      repo.Repo
	signer    *fakeSigner
	publisher *fakePublisher
	sealer    *Sealer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2026, 1, 15, 13, 0, 0, 0, time.UTC) }
	store := ledger.New(conn)
	store.Now = now
	epochs := epoch.NewManager(conn, time.Hour)
	epochs.Now = now
	if err := epochs.EnsureGenesis(context.Background()); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		conn:      conn,
		store:     store,
		epochs:    epochs,
		repo:      repo.Repo{DB: conn},
		signer:    &fakeSigner{},
		publisher: &fakePublisher{},
	}
	f.sealer = &Sealer{
		Epochs:      epochs,
		Ledger:      store,
		Repo:        f.repo,
		Publisher:   f.publisher,
		Signer:      f.signer,
		Params:      payout.DefaultParams,
		MaxAttempts: 1,
		Backoff:     0,
		Now:         now,
		Log:         zerolog.Nop(),
	}
	return f
}

// runJob walks one job through reserve, charge and pending credit, the
// way the ingest API does.
func (f *fixture) runJob(t *testing.T, id, client, worker, fee string) {
	t.Helper()
	ctx := context.Background()
	amount := units.MustParse(fee)
	if _, err := f.store.Reserve(ctx, client, domain.AccountClient, amount, id); err != nil {
		t.Fatalf("reserve %s: %v", id, err)
	}
	tx, err := f.conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	submitted := "2026-01-15T12:00:00Z"
	completed := "2026-01-15T12:30:00Z"
	job := domain.JobRecord{
		ID: id, EpochID: 1, ClientID: client, Fee: amount,
		SubmittedAt: submitted, Status: domain.JobReserved,
	}
	if err := f.repo.InsertJobTx(ctx, tx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if err := f.repo.CompleteJobTx(ctx, tx, id, worker, "poe-"+id, completed, 1); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Charge(ctx, client, amount, id); err != nil {
		t.Fatalf("charge %s: %v", id, err)
	}
	if err := f.store.CreditPending(ctx, worker, amount, id); err != nil {
		t.Fatalf("credit pending %s: %v", id, err)
	}
}

func (f *fixture) fund(t *testing.T, client, amount string) {
	t.Helper()
	if _, err := f.store.Deposit(context.Background(), client, domain.AccountClient, units.MustParse(amount), "fund-"+client); err != nil {
		t.Fatal(err)
	}
}

func TestSealHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "client-1", "10.00")
	f.runJob(t, "job-1", "client-1", "alpha", "0.10")
	f.runJob(t, "job-2", "client-1", "alpha", "0.10")
	f.runJob(t, "job-3", "client-1", "alpha", "0.10")
	f.runJob(t, "job-4", "client-1", "beta", "0.10")
	f.runJob(t, "job-5", "client-1", "beta", "0.10")
	for _, w := range []string{"alpha", "beta"} {
		if err := f.repo.RecordUptime(ctx, 1, w, 3600, "2026-01-15T12:59:00Z"); err != nil {
			t.Fatal(err)
		}
	}

	sealed, err := f.sealer.Seal(ctx, 1)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed.Status != domain.EpochFinalized {
		t.Fatalf("status = %s", sealed.Status)
	}
	if sealed.JobCount != 5 || sealed.MerkleRoot == "" {
		t.Fatalf("sealed = %+v", sealed)
	}
	if sealed.TotalRevenue != units.MustParse("0.50") {
		t.Fatalf("revenue = %s", sealed.TotalRevenue)
	}
	if sealed.WorkPool != units.MustParse("0.3255") || sealed.ReadinessPool != units.MustParse("0.1395") {
		t.Fatalf("pools = %s / %s", sealed.WorkPool, sealed.ReadinessPool)
	}

	// pending accrued at gross (0.30), the net settlement moved out of it
	alpha, _ := f.repo.GetAccount(ctx, "alpha")
	if alpha.Pending != units.MustParse("0.03495") {
		t.Fatalf("alpha pending = %s, want 0.03495", alpha.Pending)
	}
	if alpha.Balance != units.MustParse("0.26505") {
		t.Fatalf("alpha balance = %s, want 0.26505", alpha.Balance)
	}
	beta, _ := f.repo.GetAccount(ctx, "beta")
	if beta.Balance != units.MustParse("0.19995") {
		t.Fatalf("beta balance = %s, want 0.19995", beta.Balance)
	}

	// job ingestion continues in the next epoch
	cur, err := f.epochs.Current(ctx)
	if err != nil || cur.ID != 2 {
		t.Fatalf("current epoch = %+v err=%v", cur, err)
	}

	// archived bundle reproduces the stored root
	bundle, ok := f.publisher.bundles[sealed.ArchiveRef]
	if !ok {
		t.Fatalf("bundle %s not published", sealed.ArchiveRef)
	}
	var doc struct {
		Summary struct {
			MerkleRoot string `json:"merkle_root"`
		} `json:"summary"`
		Jobs []struct {
			LeafHash string `json:"leaf_hash"`
		} `json:"jobs"`
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(bundle, &doc); err != nil {
		t.Fatalf("bundle json: %v", err)
	}
	leaves := make([]string, len(doc.Jobs))
	for i, j := range doc.Jobs {
		leaves[i] = j.LeafHash
	}
	if root := merkle.BuildFromLeaves(leaves).Root(); root != sealed.MerkleRoot {
		t.Fatalf("bundle root %s != stored %s", root, sealed.MerkleRoot)
	}
	if doc.Signature == "" || doc.Signature != sealed.Signature {
		t.Fatalf("bundle signature %q != %q", doc.Signature, sealed.Signature)
	}
}

func TestSealRetriesAfterSigningFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "client-1", "1.00")
	f.runJob(t, "job-1", "client-1", "alpha", "0.10")

	f.signer.failures = 1
	_, err := f.sealer.Seal(ctx, 1)
	if !errors.Is(err, archive.ErrSigningFailure) {
		t.Fatalf("want ErrSigningFailure, got %v", err)
	}

	// failed sealing never rolls back to active
	e, _ := f.epochs.Get(ctx, 1)
	if e.Status != domain.EpochSealing {
		t.Fatalf("status after failure = %s", e.Status)
	}
	// the next epoch is already open for new jobs
	if cur, _ := f.epochs.Current(ctx); cur.ID != 2 {
		t.Fatalf("current epoch = %d", cur.ID)
	}

	// credits land before signing, so the failed run already applied them:
	// 0.10 gross, 0.093 net, 70% work pool to the only worker
	firstBalance := workerBalance(t, f, "alpha")
	if firstBalance != units.MustParse("0.0651") {
		t.Fatalf("alpha balance after failed run = %s, want 0.0651", firstBalance)
	}

	// rerun completes the pipeline without double-crediting
	sealed, err := f.sealer.Seal(ctx, 1)
	if err != nil {
		t.Fatalf("seal rerun: %v", err)
	}
	if sealed.Status != domain.EpochFinalized {
		t.Fatalf("status = %s", sealed.Status)
	}
	if second := workerBalance(t, f, "alpha"); second != firstBalance {
		t.Fatalf("rerun double-credited: %s -> %s", firstBalance, second)
	}
	if err := f.store.VerifyAccount(ctx, "alpha"); err != nil {
		t.Fatalf("replay mismatch after rerun: %v", err)
	}
}

func TestSealRerunIsStableAfterCreditCrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fund(t, "client-1", "1.00")
	f.runJob(t, "job-1", "client-1", "alpha", "0.20")

	// crash between credits and publish: credits applied, publish failed
	f.publisher.fail = true
	if _, err := f.sealer.Seal(ctx, 1); !errors.Is(err, archive.ErrPublishFailure) {
		t.Fatalf("want ErrPublishFailure, got %v", err)
	}
	credited := workerBalance(t, f, "alpha")
	if credited == 0 {
		t.Fatal("first run should have applied settlements before publish")
	}

	f.publisher.fail = false
	sealed, err := f.sealer.Seal(ctx, 1)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if got := workerBalance(t, f, "alpha"); got != credited {
		t.Fatalf("rerun double-credited: %s -> %s", credited, got)
	}
	if sealed.MerkleRoot == "" || sealed.Status != domain.EpochFinalized {
		t.Fatalf("sealed = %+v", sealed)
	}
}

func TestSealEmptyEpoch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sealed, err := f.sealer.Seal(ctx, 1)
	if err != nil {
		t.Fatalf("seal empty epoch: %v", err)
	}
	if sealed.JobCount != 0 || sealed.MerkleRoot != "" || sealed.TotalRevenue != 0 {
		t.Fatalf("empty epoch sealed = %+v", sealed)
	}
	if sealed.Status != domain.EpochFinalized {
		t.Fatalf("status = %s", sealed.Status)
	}
}

func TestSealFinalizedEpochIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.sealer.Seal(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	again, err := f.sealer.Seal(ctx, 1)
	if err != nil {
		t.Fatalf("re-seal finalized: %v", err)
	}
	if again.SealedAt == nil || first.SealedAt == nil || *again.SealedAt != *first.SealedAt {
		t.Fatalf("re-seal changed the record: %+v vs %+v", again, first)
	}
}

func workerBalance(t *testing.T, f *fixture, id string) units.Amount {
	t.Helper()
	a, err := f.repo.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("get account %s: %v", id, err)
	}
	return a.Balance
}
