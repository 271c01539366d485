package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hiveledger/internal/db"
	"hiveledger/internal/domain"
	"hiveledger/internal/ledger"
	"hiveledger/internal/migrate"
	"hiveledger/internal/repo"
	"hiveledger/internal/units"
)

type fakeRail struct {
	mu       sync.Mutex
	sent     []string
	failSend bool
	deposits []RailDeposit
}

func (f *fakeRail) SendPayout(ctx context.Context, withdrawalID, destination string, amount units.Amount) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return "", fmt.Errorf("rail unreachable")
	}
	f.sent = append(f.sent, withdrawalID)
	return "rail-" + withdrawalID, nil
}

func (f *fakeRail) PendingDeposits(ctx context.Context) ([]RailDeposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deposits, nil
}

func newTestExecutor(t *testing.T) (*Executor, *fakeRail, *time.Time) {
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
	store := ledger.New(conn)
	store.Now = func() time.Time { return now }
	rail := &fakeRail{}
	e := &Executor{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Ledger: store,
		Rail:   rail,
		Limits: Limits{
			MaxSinglePayout:  units.MustParse("1.00"),
			MinVaultReserve:  units.MustParse("5.00"),
			DailyPayoutLimit: units.MustParse("2.00"),
		},
		Now: func() time.Time { return now },
		Log: zerolog.Nop(),
	}
	return e, rail, &now
}

func fundWorker(t *testing.T, e *Executor, id, amount string) {
	t.Helper()
	if _, err := e.Ledger.Deposit(context.Background(), id, domain.AccountWorker, units.MustParse(amount), "fund-"+id); err != nil {
		t.Fatal(err)
	}
}

func TestRequestPayoutReservesAndSends(t *testing.T) {
	e, rail, _ := newTestExecutor(t)
	ctx := context.Background()
	fundWorker(t, e, "worker-1", "1.50")

	w, err := e.RequestPayout(ctx, "worker-1", "dest-addr", units.MustParse("0.60"))
	if err != nil {
		t.Fatalf("request payout: %v", err)
	}
	if w.Status != domain.WithdrawalPending || w.RailRef == "" {
		t.Fatalf("withdrawal = %+v", w)
	}
	if len(rail.sent) != 1 {
		t.Fatalf("rail intents = %d", len(rail.sent))
	}

	a, _ := e.Repo.GetAccount(ctx, "worker-1")
	if a.Reserved != units.MustParse("0.60") {
		t.Fatalf("reserved = %s, want 0.60", a.Reserved)
	}
	if a.Available() != units.MustParse("0.90") {
		t.Fatalf("available = %s, want 0.90", a.Available())
	}
}

func TestConfirmPayoutFinalizes(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()
	fundWorker(t, e, "worker-1", "1.50")

	w, err := e.RequestPayout(ctx, "worker-1", "dest", units.MustParse("0.60"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := e.ConfirmPayout(ctx, w.ID, w.RailRef); err != nil {
			t.Fatalf("confirm %d: %v", i, err)
		}
	}
	a, _ := e.Repo.GetAccount(ctx, "worker-1")
	if a.Balance != units.MustParse("0.90") || a.Reserved != 0 {
		t.Fatalf("after confirm: balance=%s reserved=%s", a.Balance, a.Reserved)
	}
	if a.TotalOut != units.MustParse("0.60") {
		t.Fatalf("total_out = %s", a.TotalOut)
	}
	if err := e.Ledger.VerifyAccount(ctx, "worker-1"); err != nil {
		t.Fatalf("replay mismatch: %v", err)
	}
	got, _ := e.Repo.GetWithdrawal(ctx, w.ID)
	if got.Status != domain.WithdrawalCompleted {
		t.Fatalf("withdrawal status = %s", got.Status)
	}
}

func TestFailPayoutReleasesHold(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()
	fundWorker(t, e, "worker-1", "1.50")

	w, err := e.RequestPayout(ctx, "worker-1", "dest", units.MustParse("0.60"))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.FailPayout(ctx, w.ID, "rail rejected"); err != nil {
		t.Fatalf("fail payout: %v", err)
	}
	a, _ := e.Repo.GetAccount(ctx, "worker-1")
	if a.Balance != units.MustParse("1.50") || a.Reserved != 0 {
		t.Fatalf("after fail: balance=%s reserved=%s", a.Balance, a.Reserved)
	}
	got, _ := e.Repo.GetWithdrawal(ctx, w.ID)
	if got.Status != domain.WithdrawalFailed || got.FailureReason != "rail rejected" {
		t.Fatalf("withdrawal = %+v", got)
	}
	// failed payouts stay failed: confirm after fail is rejected
	if err := e.ConfirmPayout(ctx, w.ID, "late-ref"); err == nil {
		t.Fatal("confirm after fail should error")
	}
}

func TestConfirmPayoutRetryAfterPartialRun(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()
	fundWorker(t, e, "worker-1", "1.50")

	w, err := e.RequestPayout(ctx, "worker-1", "dest", units.MustParse("0.60"))
	if err != nil {
		t.Fatal(err)
	}
	// the ledger leg committed, then the process died before the row
	// resolved
	if err := e.Ledger.FinalizePayout(ctx, "worker-1", units.MustParse("0.60"), "wd-"+w.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.ConfirmPayout(ctx, w.ID, w.RailRef); err != nil {
		t.Fatalf("retry: %v", err)
	}
	a, _ := e.Repo.GetAccount(ctx, "worker-1")
	if a.Balance != units.MustParse("0.90") || a.Reserved != 0 || a.TotalOut != units.MustParse("0.60") {
		t.Fatalf("after retry: balance=%s reserved=%s total_out=%s", a.Balance, a.Reserved, a.TotalOut)
	}
	got, _ := e.Repo.GetWithdrawal(ctx, w.ID)
	if got.Status != domain.WithdrawalCompleted {
		t.Fatalf("withdrawal status = %s", got.Status)
	}
	if err := e.Ledger.VerifyAccount(ctx, "worker-1"); err != nil {
		t.Fatalf("replay mismatch: %v", err)
	}
}

func TestFailPayoutRetryAfterPartialRun(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()
	fundWorker(t, e, "worker-1", "1.50")

	w, err := e.RequestPayout(ctx, "worker-1", "dest", units.MustParse("0.60"))
	if err != nil {
		t.Fatal(err)
	}
	// the hold released, then the process died before the row resolved
	if err := e.Ledger.Release(ctx, "worker-1", "wd-"+w.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.FailPayout(ctx, w.ID, "rail rejected"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	a, _ := e.Repo.GetAccount(ctx, "worker-1")
	if a.Balance != units.MustParse("1.50") || a.Reserved != 0 {
		t.Fatalf("after retry: balance=%s reserved=%s", a.Balance, a.Reserved)
	}
	got, _ := e.Repo.GetWithdrawal(ctx, w.ID)
	if got.Status != domain.WithdrawalFailed {
		t.Fatalf("withdrawal status = %s", got.Status)
	}
}

func TestPayoutRejections(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()
	fundWorker(t, e, "worker-1", "1.50")

	cases := []struct {
		name   string
		amount string
	}{
		{"over available", "1.60"},
		{"over single cap", "1.10"},
	}
	for _, tc := range cases {
		_, err := e.RequestPayout(ctx, "worker-1", "dest", units.MustParse(tc.amount))
		if !errors.Is(err, ErrPayoutRejected) {
			t.Fatalf("%s: want ErrPayoutRejected, got %v", tc.name, err)
		}
	}
	// a rejected request leaves no state behind
	a, _ := e.Repo.GetAccount(ctx, "worker-1")
	if a.Reserved != 0 {
		t.Fatalf("reserved = %s after rejections", a.Reserved)
	}
	if n, _ := e.Repo.CountWithdrawalsByStatus(ctx, domain.WithdrawalPending); n != 0 {
		t.Fatalf("pending withdrawals = %d", n)
	}
}

func TestUnknownAccountRejected(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	_, err := e.RequestPayout(context.Background(), "ghost", "dest", units.MustParse("0.10"))
	if !errors.Is(err, ErrPayoutRejected) {
		t.Fatalf("want ErrPayoutRejected, got %v", err)
	}
}

func TestTreasuryReserveFloor(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()
	if _, err := e.Ledger.Deposit(ctx, "treasury", domain.AccountTreasury, units.MustParse("5.50"), "seed"); err != nil {
		t.Fatal(err)
	}
	// 5.50 - 0.60 would drop under the 5.00 floor
	_, err := e.RequestPayout(ctx, "treasury", "ops-dest", units.MustParse("0.60"))
	if !errors.Is(err, ErrPayoutRejected) {
		t.Fatalf("want ErrPayoutRejected, got %v", err)
	}
	// 0.50 leaves exactly the floor
	if _, err := e.RequestPayout(ctx, "treasury", "ops-dest", units.MustParse("0.50")); err != nil {
		t.Fatalf("payout at the floor should pass: %v", err)
	}
}

func TestDailyPayoutLimitRolls(t *testing.T) {
	e, _, now := newTestExecutor(t)
	ctx := context.Background()
	fundWorker(t, e, "worker-1", "10.00")

	// two payouts inside the window consume the 2.00 limit
	for i := 0; i < 2; i++ {
		w, err := e.RequestPayout(ctx, "worker-1", "dest", units.MustParse("1.00"))
		if err != nil {
			t.Fatalf("payout %d: %v", i, err)
		}
		if err := e.ConfirmPayout(ctx, w.ID, w.RailRef); err != nil {
			t.Fatal(err)
		}
		*now = now.Add(time.Hour)
	}
	_, err := e.RequestPayout(ctx, "worker-1", "dest", units.MustParse("0.50"))
	if !errors.Is(err, ErrPayoutRejected) {
		t.Fatalf("third payout inside window: want ErrPayoutRejected, got %v", err)
	}

	// 23 more hours roll the first payout out of the window
	*now = now.Add(23 * time.Hour)
	if _, err := e.RequestPayout(ctx, "worker-1", "dest", units.MustParse("0.50")); err != nil {
		t.Fatalf("payout after window rolled: %v", err)
	}
}

func TestPendingCountsAgainstDailyLimit(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	ctx := context.Background()
	fundWorker(t, e, "worker-1", "10.00")

	if _, err := e.RequestPayout(ctx, "worker-1", "dest", units.MustParse("1.00")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RequestPayout(ctx, "worker-1", "dest", units.MustParse("1.00")); err != nil {
		t.Fatal(err)
	}
	// both still pending, limit consumed
	_, err := e.RequestPayout(ctx, "worker-1", "dest", units.MustParse("0.10"))
	if !errors.Is(err, ErrPayoutRejected) {
		t.Fatalf("want ErrPayoutRejected, got %v", err)
	}
}

func TestRailSendFailureFailsClosed(t *testing.T) {
	e, rail, _ := newTestExecutor(t)
	ctx := context.Background()
	fundWorker(t, e, "worker-1", "1.50")

	rail.failSend = true
	_, err := e.RequestPayout(ctx, "worker-1", "dest", units.MustParse("0.60"))
	if !errors.Is(err, ErrPayoutRejected) {
		t.Fatalf("want ErrPayoutRejected, got %v", err)
	}
	a, _ := e.Repo.GetAccount(ctx, "worker-1")
	if a.Reserved != 0 || a.Balance != units.MustParse("1.50") {
		t.Fatalf("funds not restored: balance=%s reserved=%s", a.Balance, a.Reserved)
	}
	if n, _ := e.Repo.CountWithdrawalsByStatus(ctx, domain.WithdrawalFailed); n != 1 {
		t.Fatalf("failed withdrawals = %d, want 1", n)
	}
}

func TestSweepFailsStalePayouts(t *testing.T) {
	e, rail, now := newTestExecutor(t)
	ctx := context.Background()
	fundWorker(t, e, "worker-1", "1.50")

	w, err := e.RequestPayout(ctx, "worker-1", "dest", units.MustParse("0.60"))
	if err != nil {
		t.Fatal(err)
	}
	watcher := &Watcher{
		Executor:       e,
		Ledger:         e.Ledger,
		Repo:           e.Repo,
		Rail:           rail,
		ConfirmTimeout: 15 * time.Minute,
		Now:            func() time.Time { return *now },
		Log:            zerolog.Nop(),
	}

	// inside the window: untouched
	if err := watcher.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := e.Repo.GetWithdrawal(ctx, w.ID); got.Status != domain.WithdrawalPending {
		t.Fatalf("fresh pending swept early: %s", got.Status)
	}

	*now = now.Add(16 * time.Minute)
	if err := watcher.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := e.Repo.GetWithdrawal(ctx, w.ID)
	if got.Status != domain.WithdrawalFailed {
		t.Fatalf("stale pending not failed: %s", got.Status)
	}
	a, _ := e.Repo.GetAccount(ctx, "worker-1")
	if a.Reserved != 0 {
		t.Fatalf("hold not released: %s", a.Reserved)
	}
}

func TestSweepIngestsDeposits(t *testing.T) {
	e, rail, now := newTestExecutor(t)
	ctx := context.Background()

	rail.deposits = []RailDeposit{
		{ExternalRef: "rail-d1", AccountID: "client-9", AccountType: domain.AccountClient, Amount: units.MustParse("2.00")},
	}
	watcher := &Watcher{
		Executor:       e,
		Ledger:         e.Ledger,
		Repo:           e.Repo,
		Rail:           rail,
		ConfirmTimeout: 15 * time.Minute,
		Now:            func() time.Time { return *now },
		Log:            zerolog.Nop(),
	}
	// two sweeps, one credit
	for i := 0; i < 2; i++ {
		if err := watcher.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
	}
	a, err := e.Repo.GetAccount(ctx, "client-9")
	if err != nil {
		t.Fatalf("deposit did not create account: %v", err)
	}
	if a.Balance != units.MustParse("2.00") {
		t.Fatalf("balance = %s, want 2.00", a.Balance)
	}
}
