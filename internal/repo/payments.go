package repo

import (
	"context"
	"database/sql"

	"hiveledger/internal/domain"
	"hiveledger/internal/units"
)

func (r Repo) GetDeposit(ctx context.Context, externalRef string) (domain.Deposit, error) {
	return getDeposit(ctx, r.DB, externalRef)
}

func (r Repo) GetDepositTx(ctx context.Context, tx *sql.Tx, externalRef string) (domain.Deposit, error) {
	return getDeposit(ctx, tx, externalRef)
}

func getDeposit(ctx context.Context, q querier, externalRef string) (domain.Deposit, error) {
	var d domain.Deposit
	err := q.QueryRowContext(ctx, `SELECT external_ref,account_id,amount,tx_seq,created_at FROM deposits WHERE external_ref=?`, externalRef).
		Scan(&d.ExternalRef, &d.AccountID, &d.Amount, &d.TxSequence, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) InsertDepositTx(ctx context.Context, tx *sql.Tx, d domain.Deposit) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deposits(external_ref,account_id,amount,tx_seq,created_at) VALUES (?,?,?,?,?)`,
		d.ExternalRef, d.AccountID, d.Amount, d.TxSequence, d.CreatedAt)
	return err
}

func (r Repo) ListDeposits(ctx context.Context, accountID string, limit int) ([]domain.Deposit, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT external_ref,account_id,amount,tx_seq,created_at FROM deposits`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id=?`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deposit
	for rows.Next() {
		var d domain.Deposit
		if err := rows.Scan(&d.ExternalRef, &d.AccountID, &d.Amount, &d.TxSequence, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

const withdrawalCols = `id,account_id,amount,destination,status,COALESCE(rail_ref,''),COALESCE(failure_reason,''),created_at,resolved_at`

func scanWithdrawal(row *sql.Row) (domain.Withdrawal, error) {
	var w domain.Withdrawal
	var resolvedAt sql.NullString
	err := row.Scan(&w.ID, &w.AccountID, &w.Amount, &w.Destination, &w.Status, &w.RailRef, &w.FailureReason, &w.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if resolvedAt.Valid {
		w.ResolvedAt = &resolvedAt.String
	}
	return w, err
}

func (r Repo) GetWithdrawal(ctx context.Context, id string) (domain.Withdrawal, error) {
	return scanWithdrawal(r.DB.QueryRowContext(ctx, `SELECT `+withdrawalCols+` FROM withdrawals WHERE id=?`, id))
}

func (r Repo) InsertWithdrawalTx(ctx context.Context, tx *sql.Tx, w domain.Withdrawal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO withdrawals(id,account_id,amount,destination,status,rail_ref,created_at) VALUES (?,?,?,?,?,?,?)`,
		w.ID, w.AccountID, w.Amount, w.Destination, w.Status, nullable(w.RailRef), w.CreatedAt)
	return err
}

// ResolveWithdrawalTx flips a pending withdrawal to its terminal status.
// Returns false when it was already resolved.
func (r Repo) ResolveWithdrawalTx(ctx context.Context, tx *sql.Tx, id, status, railRef, failureReason, resolvedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE withdrawals SET status=?, rail_ref=COALESCE(?,rail_ref), failure_reason=?, resolved_at=? WHERE id=? AND status='pending'`,
		status, nullable(railRef), nullable(failureReason), resolvedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListWithdrawals(ctx context.Context, accountID, status string, limit int) ([]domain.Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + withdrawalCols + ` FROM withdrawals WHERE 1=1`
	var args []any
	if accountID != "" {
		query += ` AND account_id=?`
		args = append(args, accountID)
	}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Withdrawal
	for rows.Next() {
		var w domain.Withdrawal
		var resolvedAt sql.NullString
		if err := rows.Scan(&w.ID, &w.AccountID, &w.Amount, &w.Destination, &w.Status, &w.RailRef, &w.FailureReason, &w.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			w.ResolvedAt = &resolvedAt.String
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// PayoutTotalSince sums withdrawal amounts for an account that were
// requested after the cutoff and have not failed. Pending requests count
// against the rolling limit so concurrent submissions cannot overshoot it.
func (r Repo) PayoutTotalSinceTx(ctx context.Context, tx *sql.Tx, accountID, cutoff string) (units.Amount, error) {
	var sum sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT SUM(amount) FROM withdrawals
		WHERE account_id=? AND created_at>=? AND status IN ('pending','completed')`, accountID, cutoff).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return units.Amount(sum.Int64), nil
}

func (r Repo) CountWithdrawalsByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM withdrawals WHERE status=?`, status).Scan(&n)
	return n, err
}
