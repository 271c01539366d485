package repo

import (
	"context"
	"database/sql"

	"hiveledger/internal/domain"
)

const jobCols = `id,epoch_id,client_id,COALESCE(worker_id,''),fee,COALESCE(poe_hash,''),submitted_at,completed_at,status`

func scanJob(row *sql.Row) (domain.JobRecord, error) {
	var j domain.JobRecord
	var completedAt sql.NullString
	err := row.Scan(&j.ID, &j.EpochID, &j.ClientID, &j.WorkerID, &j.Fee, &j.PoEHash, &j.SubmittedAt, &completedAt, &j.Status)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.String
	}
	return j, err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.JobRecord, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id))
}

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.JobRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,epoch_id,client_id,worker_id,fee,poe_hash,submitted_at,completed_at,status) VALUES (?,?,?,?,?,?,?,?,?)`,
		j.ID, j.EpochID, j.ClientID, nullable(j.WorkerID), j.Fee, nullable(j.PoEHash), j.SubmittedAt, nullableTime(j.CompletedAt), j.Status)
	return err
}

// CompleteJobTx flips a reserved job to completed. epochID re-attributes
// the job when its submission epoch sealed before the completion arrived.
func (r Repo) CompleteJobTx(ctx context.Context, tx *sql.Tx, id, workerID, poeHash, completedAt string, epochID int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET worker_id=?, poe_hash=?, completed_at=?, epoch_id=?, status='completed' WHERE id=? AND status='reserved'`,
		workerID, poeHash, completedAt, epochID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) FailJobTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status='failed' WHERE id=? AND status='reserved'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompletedJobs returns the completed job set for an epoch ordered by id
// ascending: the canonical ordering the merkle commitment is built over.
func (r Repo) CompletedJobs(ctx context.Context, epochID int64) ([]domain.JobRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE epoch_id=? AND status='completed' ORDER BY id ASC`, epochID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobRecord
	for rows.Next() {
		var j domain.JobRecord
		var completedAt sql.NullString
		if err := rows.Scan(&j.ID, &j.EpochID, &j.ClientID, &j.WorkerID, &j.Fee, &j.PoEHash, &j.SubmittedAt, &completedAt, &j.Status); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			j.CompletedAt = &completedAt.String
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) RecordUptime(ctx context.Context, epochID int64, workerID string, seconds int64, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO worker_uptime(epoch_id,worker_id,uptime_seconds,updated_at) VALUES (?,?,?,?)
		ON CONFLICT(epoch_id,worker_id) DO UPDATE SET uptime_seconds=uptime_seconds+excluded.uptime_seconds, updated_at=excluded.updated_at`,
		epochID, workerID, seconds, updatedAt)
	return err
}

func (r Repo) UptimeByWorker(ctx context.Context, epochID int64) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT worker_id, uptime_seconds FROM worker_uptime WHERE epoch_id=?`, epochID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[string]int64)
	for rows.Next() {
		var worker string
		var secs int64
		if err := rows.Scan(&worker, &secs); err != nil {
			return nil, err
		}
		res[worker] = secs
	}
	return res, rows.Err()
}

func nullableTime(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
