package repo

import (
	"context"
	"database/sql"
	"errors"

	"hiveledger/internal/domain"
	"hiveledger/internal/units"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier abstracts *sql.DB and *sql.Tx so reads can run inside or
// outside a ledger transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const accountCols = `id,type,balance,reserved,pending,total_in,total_out,frozen,created_at,updated_at`

func scanAccount(row *sql.Row) (domain.Account, error) {
	var a domain.Account
	var frozen int
	err := row.Scan(&a.ID, &a.Type, &a.Balance, &a.Reserved, &a.Pending, &a.TotalIn, &a.TotalOut, &frozen, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Frozen = frozen != 0
	return a, err
}

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return getAccount(ctx, r.DB, id)
}

func (r Repo) GetAccountTx(ctx context.Context, tx *sql.Tx, id string) (domain.Account, error) {
	return getAccount(ctx, tx, id)
}

func getAccount(ctx context.Context, q querier, id string) (domain.Account, error) {
	return scanAccount(q.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=?`, id))
}

func (r Repo) InsertAccountTx(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(id,type,balance,reserved,pending,total_in,total_out,frozen,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Type, a.Balance, a.Reserved, a.Pending, a.TotalIn, a.TotalOut, boolInt(a.Frozen), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAccountTx(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=?,reserved=?,pending=?,total_in=?,total_out=?,frozen=?,updated_at=? WHERE id=?`,
		a.Balance, a.Reserved, a.Pending, a.TotalIn, a.TotalOut, boolInt(a.Frozen), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAccounts(ctx context.Context, accountType string) ([]domain.Account, error) {
	query := `SELECT ` + accountCols + ` FROM accounts`
	var args []any
	if accountType != "" {
		query += ` WHERE type=?`
		args = append(args, accountType)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		var a domain.Account
		var frozen int
		if err := rows.Scan(&a.ID, &a.Type, &a.Balance, &a.Reserved, &a.Pending, &a.TotalIn, &a.TotalOut, &frozen, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Frozen = frozen != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

// InsertTransactionTx appends a ledger row and returns its sequence.
// Always called inside the same sql.Tx as the balance mutation it records.
func (r Repo) InsertTransactionTx(ctx context.Context, tx *sql.Tx, t domain.Transaction) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO transactions(account_id,kind,amount,balance_after,reference_id,created_at) VALUES (?,?,?,?,?,?)`,
		t.AccountID, t.Kind, t.Amount, t.BalanceAfter, nullable(t.ReferenceID), t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,account_id,kind,amount,balance_after,COALESCE(reference_id,''),created_at
		FROM transactions WHERE account_id=? ORDER BY seq DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.Sequence, &t.AccountID, &t.Kind, &t.Amount, &t.BalanceAfter, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SumTransactionDeltas replays the signed deltas of every balance-affecting
// row for an account. Reserve rows carry amount but move no balance, so
// they are excluded from the replay.
func (r Repo) SumTransactionDeltas(ctx context.Context, tx *sql.Tx, accountID string) (units.Amount, error) {
	var sum sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT SUM(amount) FROM transactions
		WHERE account_id=? AND kind NOT IN ('reserve','release','credit_pending')`, accountID).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return units.Amount(sum.Int64), nil
}

func (r Repo) CountTransactions(ctx context.Context, accountID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE account_id=?`, accountID).Scan(&n)
	return n, err
}

func (r Repo) GetReservationTx(ctx context.Context, tx *sql.Tx, accountID, refID string) (domain.Reservation, error) {
	var res domain.Reservation
	err := tx.QueryRowContext(ctx, `SELECT account_id,reference_id,amount,status,created_at FROM reservations WHERE account_id=? AND reference_id=?`,
		accountID, refID).Scan(&res.AccountID, &res.ReferenceID, &res.Amount, &res.Status, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	return res, err
}

func (r Repo) InsertReservationTx(ctx context.Context, tx *sql.Tx, res domain.Reservation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reservations(account_id,reference_id,amount,status,created_at) VALUES (?,?,?,?,?)`,
		res.AccountID, res.ReferenceID, res.Amount, res.Status, res.CreatedAt)
	return err
}

func (r Repo) SetReservationStatusTx(ctx context.Context, tx *sql.Tx, accountID, refID, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE reservations SET status=? WHERE account_id=? AND reference_id=? AND status='active'`,
		status, accountID, refID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
