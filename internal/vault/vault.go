package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hiveledger/internal/domain"
	"hiveledger/internal/ledger"
	"hiveledger/internal/repo"
	"hiveledger/internal/units"
)

var (
	ErrPayoutRejected = errors.New("payout rejected")
	// ErrConfirmationTimeout marks a payout the rail never resolved within
	// the confirmation window. The sweep fails it and releases the hold.
	ErrConfirmationTimeout = errors.New("external confirmation timeout")
)

// RailDeposit is an inbound transfer reported by the payment rail.
type RailDeposit struct {
	ExternalRef string
	AccountID   string
	AccountType string
	Amount      units.Amount
}

// Rail is the external payment network. SendPayout emits an intent and
// returns the rail's reference; confirmation arrives later through
// ConfirmPayout/FailPayout or the reconciliation sweep.
type Rail interface {
	SendPayout(ctx context.Context, withdrawalID, destination string, amount units.Amount) (string, error)
	PendingDeposits(ctx context.Context) ([]RailDeposit, error)
}

// Limits are the withdrawal safeguards, checked before any funds move.
type Limits struct {
	MaxSinglePayout  units.Amount
	MinVaultReserve  units.Amount
	DailyPayoutLimit units.Amount
}

// Executor services withdrawal requests: validate, reserve, emit the
// rail intent, then finalize or release on the rail's verdict. Failed
// payouts are never auto-retried.
type Executor struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger *ledger.Store
	Rail   Rail
	Limits Limits
	Now    func() time.Time
	Log    zerolog.Logger

	mu sync.Mutex
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RequestPayout validates and submits a withdrawal. All safeguards are
// checked before the reservation, so a rejected request leaves no state
// behind.
func (e *Executor) RequestPayout(ctx context.Context, accountID, destination string, amount units.Amount) (domain.Withdrawal, error) {
	if amount <= 0 {
		return domain.Withdrawal{}, fmt.Errorf("%w: amount must be positive", ErrPayoutRejected)
	}
	if destination == "" {
		return domain.Withdrawal{}, fmt.Errorf("%w: destination required", ErrPayoutRejected)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkLimits(ctx, accountID, amount); err != nil {
		return domain.Withdrawal{}, err
	}

	id := uuid.NewString()
	refID := "wd-" + id
	if _, err := e.Ledger.Reserve(ctx, accountID, domain.AccountWorker, amount, refID); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return domain.Withdrawal{}, fmt.Errorf("%w: %v", ErrPayoutRejected, err)
		}
		return domain.Withdrawal{}, err
	}

	w := domain.Withdrawal{
		ID:          id,
		AccountID:   accountID,
		Amount:      amount,
		Destination: destination,
		Status:      domain.WithdrawalPending,
		CreatedAt:   e.now().UTC().Format(time.RFC3339Nano),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Withdrawal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWithdrawalTx(ctx, tx, w); err != nil {
		return domain.Withdrawal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Withdrawal{}, err
	}

	railRef, err := e.Rail.SendPayout(ctx, id, destination, amount)
	if err != nil {
		// the intent never reached the rail: fail closed and give the
		// funds back
		e.Log.Warn().Str("withdrawal", id).Err(err).Msg("rail send failed")
		if ferr := e.FailPayout(ctx, id, "rail send failed: "+err.Error()); ferr != nil {
			return w, ferr
		}
		w.Status = domain.WithdrawalFailed
		w.FailureReason = "rail send failed: " + err.Error()
		return w, fmt.Errorf("%w: rail send failed", ErrPayoutRejected)
	}
	w.RailRef = railRef
	if _, err := e.DB.ExecContext(ctx, `UPDATE withdrawals SET rail_ref=? WHERE id=?`, railRef, id); err != nil {
		return w, err
	}
	e.Log.Info().Str("withdrawal", id).Str("account", accountID).Str("amount", amount.String()).Msg("payout intent sent")
	return w, nil
}

func (e *Executor) checkLimits(ctx context.Context, accountID string, amount units.Amount) error {
	a, err := e.Repo.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: unknown account %s", ErrPayoutRejected, accountID)
		}
		return err
	}
	if a.Frozen {
		return fmt.Errorf("%w: account %s is frozen", ErrPayoutRejected, accountID)
	}
	if amount > a.Available() {
		return fmt.Errorf("%w: amount %s exceeds available %s", ErrPayoutRejected, amount, a.Available())
	}
	if e.Limits.MaxSinglePayout > 0 && amount > e.Limits.MaxSinglePayout {
		return fmt.Errorf("%w: amount %s exceeds single payout cap %s", ErrPayoutRejected, amount, e.Limits.MaxSinglePayout)
	}
	if a.Type == domain.AccountTreasury && a.Balance-amount < e.Limits.MinVaultReserve {
		return fmt.Errorf("%w: payout would break treasury reserve floor %s", ErrPayoutRejected, e.Limits.MinVaultReserve)
	}
	if e.Limits.DailyPayoutLimit > 0 {
		cutoff := e.now().UTC().Add(-24 * time.Hour).Format(time.RFC3339Nano)
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		spent, err := e.Repo.PayoutTotalSinceTx(ctx, tx, accountID, cutoff)
		if err != nil {
			return err
		}
		if spent+amount > e.Limits.DailyPayoutLimit {
			return fmt.Errorf("%w: %s already paid in the last 24h, limit %s", ErrPayoutRejected, spent, e.Limits.DailyPayoutLimit)
		}
	}
	return nil
}

// ConfirmPayout finalizes a pending withdrawal after the rail confirms:
// the reservation converts to a payout transaction. Idempotent.
func (e *Executor) ConfirmPayout(ctx context.Context, id, railRef string) error {
	w, err := e.Repo.GetWithdrawal(ctx, id)
	if err != nil {
		return err
	}
	if w.Status == domain.WithdrawalCompleted {
		return nil
	}
	if w.Status != domain.WithdrawalPending {
		return fmt.Errorf("withdrawal %s already %s", id, w.Status)
	}

	// ledger leg first: FinalizePayout is idempotent on the reservation,
	// so a crash before the row resolves is recovered by retrying against
	// the still-pending withdrawal
	if err := e.Ledger.FinalizePayout(ctx, w.AccountID, w.Amount, "wd-"+id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	resolved, err := e.Repo.ResolveWithdrawalTx(ctx, tx, id, domain.WithdrawalCompleted, railRef, "", e.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if !resolved {
		return nil
	}
	e.Log.Info().Str("withdrawal", id).Msg("payout confirmed")
	return nil
}

// FailPayout releases the hold and records the rail's failure reason.
// Idempotent; a failed withdrawal stays failed.
func (e *Executor) FailPayout(ctx context.Context, id, reason string) error {
	w, err := e.Repo.GetWithdrawal(ctx, id)
	if err != nil {
		return err
	}
	if w.Status == domain.WithdrawalFailed {
		return nil
	}
	if w.Status != domain.WithdrawalPending {
		return fmt.Errorf("withdrawal %s already %s", id, w.Status)
	}

	// same ordering as ConfirmPayout: the idempotent Release first, the
	// row resolve second, so a crash between the two never strands the hold
	if err := e.Ledger.Release(ctx, w.AccountID, "wd-"+id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	resolved, err := e.Repo.ResolveWithdrawalTx(ctx, tx, id, domain.WithdrawalFailed, "", reason, e.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if !resolved {
		return nil
	}
	e.Log.Warn().Str("withdrawal", id).Str("reason", reason).Msg("payout failed")
	return nil
}

// Watcher periodically reconciles with the rail: stale pending payouts
// past the confirmation window are failed and released, and confirmed
// inbound deposits are credited.
type Watcher struct {
	Executor       *Executor
	Ledger         *ledger.Store
	Repo           repo.Repo
	Rail           Rail
	ConfirmTimeout time.Duration
	Now            func() time.Time
	Log            zerolog.Logger
}

func (w *Watcher) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Run sweeps until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.Log.Error().Err(err).Msg("reconciliation sweep failed")
			}
		}
	}
}

// Sweep runs one reconciliation pass.
func (w *Watcher) Sweep(ctx context.Context) error {
	if err := w.failStalePayouts(ctx); err != nil {
		return err
	}
	return w.ingestDeposits(ctx)
}

func (w *Watcher) failStalePayouts(ctx context.Context) error {
	pending, err := w.Repo.ListWithdrawals(ctx, "", domain.WithdrawalPending, 0)
	if err != nil {
		return err
	}
	cutoff := w.now().Add(-w.ConfirmTimeout)
	for _, wd := range pending {
		created, err := time.Parse(time.RFC3339Nano, wd.CreatedAt)
		if err != nil {
			w.Log.Error().Str("withdrawal", wd.ID).Str("created_at", wd.CreatedAt).Msg("unparseable created_at")
			continue
		}
		if created.After(cutoff) {
			continue
		}
		if err := w.Executor.FailPayout(ctx, wd.ID, ErrConfirmationTimeout.Error()); err != nil {
			return err
		}
		w.Log.Warn().Str("withdrawal", wd.ID).Msg("pending payout timed out; hold released")
	}
	return nil
}

func (w *Watcher) ingestDeposits(ctx context.Context) error {
	deposits, err := w.Rail.PendingDeposits(ctx)
	if err != nil {
		return err
	}
	for _, d := range deposits {
		accountType := d.AccountType
		if accountType == "" {
			accountType = domain.AccountClient
		}
		if _, err := w.Ledger.Deposit(ctx, d.AccountID, accountType, d.Amount, d.ExternalRef); err != nil {
			return fmt.Errorf("ingest deposit %s: %w", d.ExternalRef, err)
		}
	}
	return nil
}
