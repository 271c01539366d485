package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"hiveledger/internal/domain"
	"hiveledger/internal/repo"
	"hiveledger/internal/units"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrAmountMismatch      = errors.New("amount does not match reservation")
	ErrAccountFrozen       = errors.New("account frozen pending reconciliation")
)

// Store is the settlement ledger: balances per account plus the
// append-only transaction log. Every balance mutation and its log row
// commit in the same SQLite transaction; one cannot exist without the
// other.
type Store struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB) *Store {
	return &Store{
		DB:    db,
		Repo:  repo.Repo{DB: db},
		Now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// lockAccount serializes mutations per account key. Mutations on
// different accounts proceed concurrently.
func (s *Store) lockAccount(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// getOrCreate loads the account inside tx, creating it on first touch.
func (s *Store) getOrCreate(ctx context.Context, tx *sql.Tx, id, accountType string) (domain.Account, error) {
	a, err := s.Repo.GetAccountTx(ctx, tx, id)
	if err == nil {
		if a.Frozen {
			return a, fmt.Errorf("account %s: %w", id, ErrAccountFrozen)
		}
		return a, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return a, err
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	a = domain.Account{ID: id, Type: accountType, CreatedAt: now, UpdatedAt: now}
	if err := s.Repo.InsertAccountTx(ctx, tx, a); err != nil {
		return a, fmt.Errorf("create account %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) save(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	if a.Balance < 0 {
		return fmt.Errorf("account %s: balance would go negative", a.ID)
	}
	if a.Reserved > a.Balance {
		return fmt.Errorf("account %s: reserved would exceed balance", a.ID)
	}
	a.UpdatedAt = s.now().UTC().Format(time.RFC3339Nano)
	return s.Repo.UpdateAccountTx(ctx, tx, a)
}

func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, accountID, kind string, amount, balanceAfter units.Amount, refID string) (int64, error) {
	return s.Repo.InsertTransactionTx(ctx, tx, domain.Transaction{
		AccountID:    accountID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		ReferenceID:  refID,
		CreatedAt:    s.now().UTC().Format(time.RFC3339Nano),
	})
}

// Reserve holds amount against the account's available balance.
// Idempotent: a repeated call with the same refID returns the original
// reservation without double-reserving.
func (s *Store) Reserve(ctx context.Context, accountID, accountType string, amount units.Amount, refID string) (domain.Reservation, error) {
	if amount <= 0 {
		return domain.Reservation{}, fmt.Errorf("reserve amount must be positive")
	}
	unlock := s.lockAccount(accountID)
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer tx.Rollback()

	if prior, err := s.Repo.GetReservationTx(ctx, tx, accountID, refID); err == nil {
		return prior, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Reservation{}, err
	}

	a, err := s.getOrCreate(ctx, tx, accountID, accountType)
	if err != nil {
		return domain.Reservation{}, err
	}
	if a.Available() < amount {
		return domain.Reservation{}, fmt.Errorf("%w: available %s, required %s", ErrInsufficientFunds, a.Available(), amount)
	}
	a.Reserved += amount
	if err := s.save(ctx, tx, a); err != nil {
		return domain.Reservation{}, err
	}
	res := domain.Reservation{
		AccountID:   accountID,
		ReferenceID: refID,
		Amount:      amount,
		Status:      domain.ReservationActive,
		CreatedAt:   s.now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.Repo.InsertReservationTx(ctx, tx, res); err != nil {
		return domain.Reservation{}, err
	}
	if _, err := s.appendTx(ctx, tx, accountID, domain.TxReserve, amount, a.Balance, refID); err != nil {
		return domain.Reservation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

// Charge converts the reservation matching refID into spent funds.
func (s *Store) Charge(ctx context.Context, accountID string, amount units.Amount, refID string) error {
	return s.settleReservation(ctx, accountID, amount, refID, domain.TxCharge)
}

// FinalizePayout converts a payout reservation into an outbound payout
// transaction after rail confirmation.
func (s *Store) FinalizePayout(ctx context.Context, accountID string, amount units.Amount, refID string) error {
	return s.settleReservation(ctx, accountID, amount, refID, domain.TxPayout)
}

func (s *Store) settleReservation(ctx context.Context, accountID string, amount units.Amount, refID, kind string) error {
	unlock := s.lockAccount(accountID)
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := s.Repo.GetReservationTx(ctx, tx, accountID, refID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: account %s ref %s", ErrReservationNotFound, accountID, refID)
	}
	if err != nil {
		return err
	}
	if res.Status == domain.ReservationCharged {
		return nil // idempotent retry
	}
	if res.Status != domain.ReservationActive {
		return fmt.Errorf("%w: reservation %s already %s", ErrReservationNotFound, refID, res.Status)
	}
	if res.Amount != amount {
		return fmt.Errorf("%w: reserved %s, charging %s", ErrAmountMismatch, res.Amount, amount)
	}

	a, err := s.getOrCreate(ctx, tx, accountID, domain.AccountClient)
	if err != nil {
		return err
	}
	a.Reserved -= amount
	a.Balance -= amount
	a.TotalOut += amount
	if err := s.save(ctx, tx, a); err != nil {
		return err
	}
	if err := s.Repo.SetReservationStatusTx(ctx, tx, accountID, refID, domain.ReservationCharged); err != nil {
		return err
	}
	if _, err := s.appendTx(ctx, tx, accountID, kind, -amount, a.Balance, refID); err != nil {
		return err
	}
	return tx.Commit()
}

// Release cancels a reservation, restoring available balance.
func (s *Store) Release(ctx context.Context, accountID, refID string) error {
	unlock := s.lockAccount(accountID)
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := s.Repo.GetReservationTx(ctx, tx, accountID, refID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: account %s ref %s", ErrReservationNotFound, accountID, refID)
	}
	if err != nil {
		return err
	}
	if res.Status == domain.ReservationReleased {
		return nil // idempotent retry
	}
	if res.Status != domain.ReservationActive {
		return fmt.Errorf("%w: reservation %s already %s", ErrReservationNotFound, refID, res.Status)
	}

	a, err := s.getOrCreate(ctx, tx, accountID, domain.AccountClient)
	if err != nil {
		return err
	}
	a.Reserved -= res.Amount
	if err := s.save(ctx, tx, a); err != nil {
		return err
	}
	if err := s.Repo.SetReservationStatusTx(ctx, tx, accountID, refID, domain.ReservationReleased); err != nil {
		return err
	}
	if _, err := s.appendTx(ctx, tx, accountID, domain.TxRelease, res.Amount, a.Balance, refID); err != nil {
		return err
	}
	return tx.Commit()
}

// CreditPending adds not-yet-withdrawable earnings to a worker account.
// Idempotent on refID via the transaction log uniqueness constraint.
func (s *Store) CreditPending(ctx context.Context, workerID string, amount units.Amount, refID string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}
	unlock := s.lockAccount(workerID)
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if done, err := s.hasTransaction(ctx, tx, workerID, domain.TxCreditPending, refID); err != nil {
		return err
	} else if done {
		return nil
	}

	a, err := s.getOrCreate(ctx, tx, workerID, domain.AccountWorker)
	if err != nil {
		return err
	}
	a.Pending += amount
	if err := s.save(ctx, tx, a); err != nil {
		return err
	}
	if _, err := s.appendTx(ctx, tx, workerID, domain.TxCreditPending, amount, a.Balance, refID); err != nil {
		return err
	}
	return tx.Commit()
}

// CreditFinal moves each worker's pending earnings for the epoch into
// balance. The settlements table's (epoch_id, worker_id) uniqueness makes
// a re-run after a crash a no-op for already-applied workers. Each worker
// settles in its own transaction so a partial run leaves no worker half
// applied.
func (s *Store) CreditFinal(ctx context.Context, epochID int64, settlements []domain.Settlement) error {
	for _, st := range settlements {
		if err := s.creditFinalOne(ctx, epochID, st); err != nil {
			return fmt.Errorf("credit final worker %s: %w", st.WorkerID, err)
		}
	}
	return nil
}

func (s *Store) creditFinalOne(ctx context.Context, epochID int64, st domain.Settlement) error {
	unlock := s.lockAccount(st.WorkerID)
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UTC().Format(time.RFC3339Nano)
	st.EpochID = epochID
	st.AppliedAt = &now
	inserted, err := s.Repo.InsertSettlementTx(ctx, tx, st)
	if err != nil {
		return err
	}
	if !inserted {
		return nil // already applied in a prior run
	}

	a, err := s.getOrCreate(ctx, tx, st.WorkerID, domain.AccountWorker)
	if err != nil {
		return err
	}
	// pending accrues at the gross job fee while the settlement pays the
	// net share, so the two rarely match exactly; a readiness-only worker
	// may have no pending at all
	if st.TotalPayout >= a.Pending {
		a.Pending = 0
	} else {
		a.Pending -= st.TotalPayout
	}
	a.Balance += st.TotalPayout
	a.TotalIn += st.TotalPayout
	if err := s.save(ctx, tx, a); err != nil {
		return err
	}
	refID := fmt.Sprintf("epoch-%d", epochID)
	if _, err := s.appendTx(ctx, tx, st.WorkerID, domain.TxCreditFinal, st.TotalPayout, a.Balance, refID); err != nil {
		return err
	}
	return tx.Commit()
}

// Deposit credits an external-rail deposit, idempotent on externalRef.
// Returns the deposit record; a repeated confirmation returns the prior
// one without crediting twice.
func (s *Store) Deposit(ctx context.Context, accountID, accountType string, amount units.Amount, externalRef string) (domain.Deposit, error) {
	if amount <= 0 {
		return domain.Deposit{}, fmt.Errorf("deposit amount must be positive")
	}
	unlock := s.lockAccount(accountID)
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deposit{}, err
	}
	defer tx.Rollback()

	if prior, err := s.Repo.GetDepositTx(ctx, tx, externalRef); err == nil {
		return prior, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Deposit{}, err
	}

	a, err := s.getOrCreate(ctx, tx, accountID, accountType)
	if err != nil {
		return domain.Deposit{}, err
	}
	a.Balance += amount
	a.TotalIn += amount
	if err := s.save(ctx, tx, a); err != nil {
		return domain.Deposit{}, err
	}
	seq, err := s.appendTx(ctx, tx, accountID, domain.TxDeposit, amount, a.Balance, externalRef)
	if err != nil {
		return domain.Deposit{}, err
	}
	d := domain.Deposit{
		ExternalRef: externalRef,
		AccountID:   accountID,
		Amount:      amount,
		TxSequence:  seq,
		CreatedAt:   s.now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.Repo.InsertDepositTx(ctx, tx, d); err != nil {
		return domain.Deposit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deposit{}, err
	}
	return d, nil
}

// Refund credits funds back to an account, idempotent on refID.
func (s *Store) Refund(ctx context.Context, accountID string, amount units.Amount, refID string) error {
	if amount <= 0 {
		return fmt.Errorf("refund amount must be positive")
	}
	unlock := s.lockAccount(accountID)
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if done, err := s.hasTransaction(ctx, tx, accountID, domain.TxRefund, refID); err != nil {
		return err
	} else if done {
		return nil
	}
	a, err := s.getOrCreate(ctx, tx, accountID, domain.AccountClient)
	if err != nil {
		return err
	}
	a.Balance += amount
	a.TotalIn += amount
	if err := s.save(ctx, tx, a); err != nil {
		return err
	}
	if _, err := s.appendTx(ctx, tx, accountID, domain.TxRefund, amount, a.Balance, refID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) hasTransaction(ctx context.Context, tx *sql.Tx, accountID, kind, refID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE account_id=? AND kind=? AND reference_id=?`,
		accountID, kind, refID).Scan(&n)
	return n > 0, err
}

// VerifyAccount replays the account's transaction deltas from genesis and
// compares the sum to the stored balance. On drift the account is frozen
// for manual reconciliation; the mismatch is never silently corrected.
func (s *Store) VerifyAccount(ctx context.Context, accountID string) error {
	unlock := s.lockAccount(accountID)
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := s.Repo.GetAccountTx(ctx, tx, accountID)
	if err != nil {
		return err
	}
	replayed, err := s.Repo.SumTransactionDeltas(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if replayed == a.Balance {
		return nil
	}
	a.Frozen = true
	if err := s.save(ctx, tx, a); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return fmt.Errorf("account %s: balance %s != replayed %s; frozen", accountID, a.Balance, replayed)
}
