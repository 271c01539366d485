package repo

import (
	"context"
	"database/sql"

	"hiveledger/internal/domain"
)

// InsertSettlementTx records a worker's payout breakdown for an epoch.
// The (epoch_id, worker_id) primary key is the crash-safety guard: a
// re-run of the sealer hits the constraint and skips the worker.
// Returns false when the settlement was already applied.
func (r Repo) InsertSettlementTx(ctx context.Context, tx *sql.Tx, s domain.Settlement) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO settlements(epoch_id,worker_id,jobs_completed,uptime_seconds,work_share,readiness_share,total_payout,applied_at)
		VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(epoch_id,worker_id) DO NOTHING`,
		s.EpochID, s.WorkerID, s.JobsCompleted, s.UptimeSeconds, s.WorkShare, s.ReadinessShare, s.TotalPayout, nullableTime(s.AppliedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListSettlements(ctx context.Context, epochID int64) ([]domain.Settlement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT epoch_id,worker_id,jobs_completed,uptime_seconds,work_share,readiness_share,total_payout,applied_at
		FROM settlements WHERE epoch_id=? ORDER BY worker_id`, epochID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Settlement
	for rows.Next() {
		var s domain.Settlement
		var appliedAt sql.NullString
		if err := rows.Scan(&s.EpochID, &s.WorkerID, &s.JobsCompleted, &s.UptimeSeconds, &s.WorkShare, &s.ReadinessShare, &s.TotalPayout, &appliedAt); err != nil {
			return nil, err
		}
		if appliedAt.Valid {
			s.AppliedAt = &appliedAt.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
