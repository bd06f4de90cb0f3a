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

type AccountRepoPG struct {
	db *sql.DB
}

func NewAccountRepoPG(db *sql.DB) *AccountRepoPG {
	return &AccountRepoPG{db: db}
}

func (r *AccountRepoPG) CreateAccount(ctx context.Context, id int64, username string, referredBy *int64) (bool, error) {
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO accounts (id, username, referred_by) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		id, username, referredBy)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *AccountRepoPG) AccountExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := conn(ctx, r.db).QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)`, id).Scan(&exists)
	return exists, err
}

func (r *AccountRepoPG) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	var (
		a          models.Account
		referredBy sql.NullInt64
		lastBonus  sql.NullTime
	)
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT id, username, balance, referred_by, created_at, last_bonus_claim FROM accounts WHERE id=$1`, id).
		Scan(&a.ID, &a.Username, &a.Balance, &referredBy, &a.CreatedAt, &lastBonus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if referredBy.Valid {
		a.ReferredBy = &referredBy.Int64
	}
	if lastBonus.Valid {
		a.LastBonusClaim = &lastBonus.Time
	}
	return &a, nil
}

// AdjustBalance applies delta in one conditional statement, so concurrent
// writers can never lose an update or drive the balance below zero.
func (r *AccountRepoPG) AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	q := conn(ctx, r.db)
	var balance decimal.Decimal
	err := q.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance + $1 WHERE id=$2 AND balance + $1 >= 0 RETURNING balance`,
		delta, id).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, err
	}
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)`, id).Scan(&exists); err != nil {
		return decimal.Zero, err
	}
	if !exists {
		return decimal.Zero, ledger.ErrNotFound
	}
	return decimal.Zero, ledger.ErrInsufficientFunds
}

// LockAccount takes the row lock of the account for the rest of the transaction in ctx.
func (r *AccountRepoPG) LockAccount(ctx context.Context, id int64) error {
	var locked int64
	err := conn(ctx, r.db).QueryRowContext(ctx, `SELECT id FROM accounts WHERE id=$1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	return err
}

// StampBonusClaim sets last_bonus_claim to now unless a claim newer than cutoff exists.
func (r *AccountRepoPG) StampBonusClaim(ctx context.Context, id int64, now, cutoff time.Time) (bool, error) {
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE accounts SET last_bonus_claim=$1 WHERE id=$2 AND (last_bonus_claim IS NULL OR last_bonus_claim <= $3)`,
		now, id, cutoff)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *AccountRepoPG) CountReferrals(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := conn(ctx, r.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE referred_by=$1`, id).Scan(&n)
	return n, err
}

func (r *AccountRepoPG) AdminStats(ctx context.Context) (models.AdminStats, error) {
	var s models.AdminStats
	err := conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts),
			(SELECT COALESCE(SUM(balance), 0) FROM accounts),
			(SELECT COUNT(*) FROM orders),
			(SELECT COUNT(*) FROM deposits WHERE status='pending')`).
		Scan(&s.Users, &s.TotalBalance, &s.Orders, &s.PendingDeposits)
	return s, err
}
