package epoch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"hiveledger/internal/domain"
	"hiveledger/internal/repo"
)

var ErrEpochStateConflict = errors.New("epoch state conflict")

// Manager owns the epoch state machine. Transitions are serialized on a
// single mutex and guarded again at the SQL level, so a lost race turns
// into a no-op or an ErrEpochStateConflict rather than a double
// transition.
type Manager struct {
	DB       *sql.DB
	Repo     repo.Repo
	Duration time.Duration
	Now      func() time.Time

	mu sync.Mutex
}

func NewManager(db *sql.DB, duration time.Duration) *Manager {
	return &Manager{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Duration: duration,
		Now:      time.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// EnsureGenesis creates epoch 1 in active status on a fresh database.
func (m *Manager) EnsureGenesis(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.Repo.CurrentEpoch(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	var n int
	if err := m.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM epochs`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		// epochs exist but none active: mid-seal crash, the sealer resumes
		return nil
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	e := domain.Epoch{ID: 1, Status: domain.EpochActive, StartTime: m.now().UTC().Format(time.RFC3339Nano)}
	if err := m.Repo.InsertEpochTx(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

// Current returns the active epoch.
func (m *Manager) Current(ctx context.Context) (domain.Epoch, error) {
	return m.Repo.CurrentEpoch(ctx)
}

// Get returns any epoch by id.
func (m *Manager) Get(ctx context.Context, id int64) (domain.Epoch, error) {
	return m.Repo.GetEpoch(ctx, id)
}

// Due reports whether the active epoch has outlived its duration and
// should be sealed.
func (m *Manager) Due(ctx context.Context) (domain.Epoch, bool, error) {
	e, err := m.Repo.CurrentEpoch(ctx)
	if err != nil {
		return e, false, err
	}
	start, err := time.Parse(time.RFC3339Nano, e.StartTime)
	if err != nil {
		return e, false, fmt.Errorf("epoch %d: bad start time %q: %w", e.ID, e.StartTime, err)
	}
	return e, !m.now().Before(start.Add(m.Duration)), nil
}

// BeginSealing flips the epoch from active to sealing and opens the next
// active epoch in the same transaction, so job ingestion never sees a gap.
// Calling it again on an epoch already in sealing is a no-op; calling it
// on a finalized or unknown epoch is ErrEpochStateConflict.
func (m *Manager) BeginSealing(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := m.now().UTC().Format(time.RFC3339Nano)
	moved, err := m.Repo.TransitionEpochTx(ctx, tx, id, domain.EpochActive, domain.EpochSealing, now)
	if err != nil {
		return err
	}
	if !moved {
		e, err := m.Repo.GetEpochTx(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: epoch %d does not exist", ErrEpochStateConflict, id)
		}
		if err != nil {
			return err
		}
		if e.Status == domain.EpochSealing {
			return nil // sealer retry, nothing to do
		}
		return fmt.Errorf("%w: epoch %d is %s, cannot seal", ErrEpochStateConflict, id, e.Status)
	}
	next := domain.Epoch{ID: id + 1, Status: domain.EpochActive, StartTime: now}
	if err := m.Repo.InsertEpochTx(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

// Finalize writes the sealed fields and flips sealing to finalized.
// Idempotent: finalizing an already-finalized epoch is a no-op.
func (m *Manager) Finalize(ctx context.Context, e domain.Epoch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	done, err := m.Repo.FinalizeEpochTx(ctx, tx, e)
	if err != nil {
		return err
	}
	if !done {
		cur, err := m.Repo.GetEpochTx(ctx, tx, e.ID)
		if err != nil {
			return err
		}
		if cur.Status == domain.EpochFinalized {
			return nil
		}
		return fmt.Errorf("%w: epoch %d is %s, cannot finalize", ErrEpochStateConflict, e.ID, cur.Status)
	}
	return tx.Commit()
}

// List returns recent epochs, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]domain.Epoch, error) {
	return m.Repo.ListEpochs(ctx, limit)
}
