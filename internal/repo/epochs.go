package repo

import (
	"context"
	"database/sql"

	"hiveledger/internal/domain"
)

const epochCols = `id,status,start_time,end_time,job_count,COALESCE(merkle_root,''),total_revenue,protocol_fee,operator_fee,work_pool,readiness_pool,COALESCE(signature,''),COALESCE(archive_ref,''),sealed_at`

func scanEpoch(row *sql.Row) (domain.Epoch, error) {
	var e domain.Epoch
	var endTime, sealedAt sql.NullString
	err := row.Scan(&e.ID, &e.Status, &e.StartTime, &endTime, &e.JobCount, &e.MerkleRoot,
		&e.TotalRevenue, &e.ProtocolFee, &e.OperatorFee, &e.WorkPool, &e.ReadinessPool,
		&e.Signature, &e.ArchiveRef, &sealedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if endTime.Valid {
		e.EndTime = &endTime.String
	}
	if sealedAt.Valid {
		e.SealedAt = &sealedAt.String
	}
	return e, err
}

func (r Repo) GetEpoch(ctx context.Context, id int64) (domain.Epoch, error) {
	return scanEpoch(r.DB.QueryRowContext(ctx, `SELECT `+epochCols+` FROM epochs WHERE id=?`, id))
}

func (r Repo) GetEpochTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Epoch, error) {
	return scanEpoch(tx.QueryRowContext(ctx, `SELECT `+epochCols+` FROM epochs WHERE id=?`, id))
}

// CurrentEpoch returns the single epoch in active status.
func (r Repo) CurrentEpoch(ctx context.Context) (domain.Epoch, error) {
	return scanEpoch(r.DB.QueryRowContext(ctx, `SELECT `+epochCols+` FROM epochs WHERE status='active' ORDER BY id DESC LIMIT 1`))
}

func (r Repo) CurrentEpochTx(ctx context.Context, tx *sql.Tx) (domain.Epoch, error) {
	return scanEpoch(tx.QueryRowContext(ctx, `SELECT `+epochCols+` FROM epochs WHERE status='active' ORDER BY id DESC LIMIT 1`))
}

func (r Repo) ListEpochs(ctx context.Context, limit int) ([]domain.Epoch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+epochCols+` FROM epochs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Epoch
	for rows.Next() {
		var e domain.Epoch
		var endTime, sealedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.Status, &e.StartTime, &endTime, &e.JobCount, &e.MerkleRoot,
			&e.TotalRevenue, &e.ProtocolFee, &e.OperatorFee, &e.WorkPool, &e.ReadinessPool,
			&e.Signature, &e.ArchiveRef, &sealedAt); err != nil {
			return nil, err
		}
		if endTime.Valid {
			e.EndTime = &endTime.String
		}
		if sealedAt.Valid {
			e.SealedAt = &sealedAt.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertEpochTx(ctx context.Context, tx *sql.Tx, e domain.Epoch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO epochs(id,status,start_time) VALUES (?,?,?)`,
		e.ID, e.Status, e.StartTime)
	return err
}

// TransitionEpochTx moves an epoch between statuses, guarding the
// one-directional state machine at the SQL level: the row only updates
// when it is still in the expected prior status.
func (r Repo) TransitionEpochTx(ctx context.Context, tx *sql.Tx, id int64, from, to, endTime string) (bool, error) {
	var res sql.Result
	var err error
	if endTime != "" {
		res, err = tx.ExecContext(ctx, `UPDATE epochs SET status=?, end_time=? WHERE id=? AND status=?`, to, endTime, id, from)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE epochs SET status=? WHERE id=? AND status=?`, to, id, from)
	}
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinalizeEpochTx records the sealed fields and flips sealing->finalized
// in one statement. Returns false when the epoch was not in sealing.
func (r Repo) FinalizeEpochTx(ctx context.Context, tx *sql.Tx, e domain.Epoch) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE epochs SET status='finalized', job_count=?, merkle_root=?,
		total_revenue=?, protocol_fee=?, operator_fee=?, work_pool=?, readiness_pool=?,
		signature=?, archive_ref=?, sealed_at=? WHERE id=? AND status='sealing'`,
		e.JobCount, e.MerkleRoot, e.TotalRevenue, e.ProtocolFee, e.OperatorFee,
		e.WorkPool, e.ReadinessPool, e.Signature, e.ArchiveRef, e.SealedAt, e.ID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) CountEpochsByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM epochs WHERE status=?`, status).Scan(&n)
	return n, err
}
