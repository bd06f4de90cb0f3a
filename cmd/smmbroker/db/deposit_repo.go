package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/ledger"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
)

const depositColumns = `id, account_id, amount, status, evidence_ref, review_ref, created_at, decided_at`

type DepositRepoPG struct {
	db *sql.DB
}

func NewDepositRepoPG(db *sql.DB) *DepositRepoPG {
	return &DepositRepoPG{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row rowScanner) (*models.Deposit, error) {
	var (
		d         models.Deposit
		decidedAt sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.AccountID, &d.Amount, &d.Status, &d.EvidenceRef, &d.ReviewRef, &d.CreatedAt, &decidedAt); err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		d.DecidedAt = &decidedAt.Time
	}
	return &d, nil
}

func (r *DepositRepoPG) CreateDeposit(ctx context.Context, accountID int64, amount decimal.Decimal, evidenceRef string) (*models.Deposit, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx,
		`INSERT INTO deposits (account_id, amount, status, evidence_ref) VALUES ($1, $2, $3, $4) RETURNING `+depositColumns,
		accountID, amount, models.DepositPending, evidenceRef)
	return scanDeposit(row)
}

func (r *DepositRepoPG) SetReviewRef(ctx context.Context, id int64, ref string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `UPDATE deposits SET review_ref=$1 WHERE id=$2`, ref, id)
	return err
}

func (r *DepositRepoPG) GetDeposit(ctx context.Context, id int64) (*models.Deposit, error) {
	d, err := scanDeposit(conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	return d, err
}

// TransitionDeposit moves the deposit from one status to another. It reports
// false when the deposit was no longer in the from status.
func (r *DepositRepoPG) TransitionDeposit(ctx context.Context, id int64, from, to models.DepositStatus, at time.Time) (bool, error) {
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE deposits SET status=$1, decided_at=$2 WHERE id=$3 AND status=$4`, to, at, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *DepositRepoPG) CountApprovedDeposits(ctx context.Context, accountID, excludeID int64) (int64, error) {
	var n int64
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deposits WHERE account_id=$1 AND status='approved' AND id<>$2`, accountID, excludeID).Scan(&n)
	return n, err
}

func (r *DepositRepoPG) ListPendingDeposits(ctx context.Context, limit int) ([]models.Deposit, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE status='pending' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deposits []models.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deposits, nil
}
