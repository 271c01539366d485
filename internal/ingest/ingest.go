// Package ingest applies job lifecycle events from the external
// orchestrator to the ledger: submission reserves the fee, completion
// collects it and credits the worker, failure releases the hold.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hiveledger/internal/domain"
	"hiveledger/internal/epoch"
	"hiveledger/internal/ledger"
	"hiveledger/internal/repo"
	"hiveledger/internal/units"
)

var ErrJobExists = errors.New("job already recorded")

type Ingestor struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger *ledger.Store
	Epochs *epoch.Manager
	Now    func() time.Time
	Log    zerolog.Logger
}

func (i *Ingestor) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// JobSubmitted reserves the job fee against the client and records the
// job in the active epoch. The reserve must complete before the
// orchestrator dispatches the job. Retries with the same job id return
// the recorded job.
func (i *Ingestor) JobSubmitted(ctx context.Context, jobID, clientID string, fee units.Amount) (domain.JobRecord, error) {
	if prior, err := i.Repo.GetJob(ctx, jobID); err == nil {
		return prior, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.JobRecord{}, err
	}

	cur, err := i.Epochs.Current(ctx)
	if err != nil {
		return domain.JobRecord{}, err
	}
	if _, err := i.Ledger.Reserve(ctx, clientID, domain.AccountClient, fee, jobID); err != nil {
		return domain.JobRecord{}, err
	}

	j := domain.JobRecord{
		ID:          jobID,
		EpochID:     cur.ID,
		ClientID:    clientID,
		Fee:         fee,
		SubmittedAt: i.now().UTC().Format(time.RFC3339Nano),
		Status:      domain.JobReserved,
	}
	tx, err := i.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JobRecord{}, err
	}
	defer tx.Rollback()
	if err := i.Repo.InsertJobTx(ctx, tx, j); err != nil {
		return domain.JobRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.JobRecord{}, err
	}
	i.Log.Info().Str("job", jobID).Str("client", clientID).Str("fee", fee.String()).Int64("epoch", cur.ID).Msg("job admitted")
	return j, nil
}

// JobCompleted collects the reserved fee from the client and accrues the
// worker's pending credit. Safe to retry: each leg is idempotent on the
// job id, and a redelivery after a partial run finishes the remaining
// legs. A job whose submission epoch sealed before the completion
// arrived is re-attributed to the epoch active now, so its fee always
// enters a settlement.
func (i *Ingestor) JobCompleted(ctx context.Context, jobID, workerID, poeHash string) (domain.JobRecord, error) {
	j, err := i.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobRecord{}, err
	}
	if j.Status == domain.JobCompleted {
		// the status flip may have committed without the money legs;
		// both no-op when already applied
		if err := i.Ledger.Charge(ctx, j.ClientID, j.Fee, jobID); err != nil {
			return domain.JobRecord{}, err
		}
		if err := i.Ledger.CreditPending(ctx, j.WorkerID, j.Fee, jobID); err != nil {
			return domain.JobRecord{}, err
		}
		return j, nil
	}
	if j.Status != domain.JobReserved {
		return domain.JobRecord{}, fmt.Errorf("job %s is %s, cannot complete", jobID, j.Status)
	}

	epochID := j.EpochID
	ep, err := i.Epochs.Get(ctx, j.EpochID)
	if err != nil {
		return domain.JobRecord{}, err
	}
	if ep.Status != domain.EpochActive {
		cur, err := i.Epochs.Current(ctx)
		if err != nil {
			return domain.JobRecord{}, err
		}
		epochID = cur.ID
	}

	completedAt := i.now().UTC().Format(time.RFC3339Nano)
	tx, err := i.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JobRecord{}, err
	}
	defer tx.Rollback()
	if err := i.Repo.CompleteJobTx(ctx, tx, jobID, workerID, poeHash, completedAt, epochID); err != nil {
		return domain.JobRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.JobRecord{}, err
	}

	if err := i.Ledger.Charge(ctx, j.ClientID, j.Fee, jobID); err != nil {
		return domain.JobRecord{}, err
	}
	if err := i.Ledger.CreditPending(ctx, workerID, j.Fee, jobID); err != nil {
		return domain.JobRecord{}, err
	}

	j.EpochID = epochID
	j.WorkerID = workerID
	j.PoEHash = poeHash
	j.CompletedAt = &completedAt
	j.Status = domain.JobCompleted
	i.Log.Info().Str("job", jobID).Str("worker", workerID).Msg("job completed")
	return j, nil
}

// JobFailed releases the client's hold. Retry-safe.
func (i *Ingestor) JobFailed(ctx context.Context, jobID string) (domain.JobRecord, error) {
	j, err := i.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobRecord{}, err
	}
	if j.Status == domain.JobFailed {
		return j, nil
	}
	if j.Status != domain.JobReserved {
		return domain.JobRecord{}, fmt.Errorf("job %s is %s, cannot fail", jobID, j.Status)
	}

	tx, err := i.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JobRecord{}, err
	}
	defer tx.Rollback()
	if err := i.Repo.FailJobTx(ctx, tx, jobID); err != nil {
		return domain.JobRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.JobRecord{}, err
	}
	if err := i.Ledger.Release(ctx, j.ClientID, jobID); err != nil {
		return domain.JobRecord{}, err
	}
	j.Status = domain.JobFailed
	i.Log.Info().Str("job", jobID).Msg("job failed, hold released")
	return j, nil
}

// RecordUptime accrues readiness seconds for a worker in the active
// epoch.
func (i *Ingestor) RecordUptime(ctx context.Context, workerID string, seconds int64) (int64, error) {
	if seconds <= 0 {
		return 0, fmt.Errorf("uptime seconds must be positive")
	}
	cur, err := i.Epochs.Current(ctx)
	if err != nil {
		return 0, err
	}
	if err := i.Repo.RecordUptime(ctx, cur.ID, workerID, seconds, i.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return 0, err
	}
	return cur.ID, nil
}
