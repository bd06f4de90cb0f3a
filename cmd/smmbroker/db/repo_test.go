package db

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/ledger"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func TestAdjustBalance(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepoPG(db)
	update := regexp.QuoteMeta(`UPDATE accounts SET balance = balance + $1 WHERE id=$2 AND balance + $1 >= 0 RETURNING balance`)
	exists := regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)`)

	mock.ExpectQuery(update).
		WithArgs(decimal.NewFromInt(-6), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("94.00"))
	bal, err := repo.AdjustBalance(context.Background(), 1, decimal.NewFromInt(-6))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(94).Equal(bal))

	mock.ExpectQuery(update).WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery(exists).WithArgs(int64(1)).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	_, err = repo.AdjustBalance(context.Background(), 1, decimal.NewFromInt(-1000))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	mock.ExpectQuery(update).WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery(exists).WithArgs(int64(2)).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	_, err = repo.AdjustBalance(context.Background(), 2, decimal.NewFromInt(5))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCreateAccount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepoPG(db)
	insert := regexp.QuoteMeta(`INSERT INTO accounts (id, username, referred_by) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`)

	ref := int64(1)
	mock.ExpectExec(insert).WithArgs(int64(2), "bob", int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	created, err := repo.CreateAccount(context.Background(), 2, "bob", &ref)
	require.NoError(t, err)
	assert.True(t, created)

	mock.ExpectExec(insert).WithArgs(int64(2), "bob", nil).WillReturnResult(sqlmock.NewResult(0, 0))
	created, err = repo.CreateAccount(context.Background(), 2, "bob", nil)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestGetAccount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepoPG(db)
	query := regexp.QuoteMeta(`SELECT id, username, balance, referred_by, created_at, last_bonus_claim FROM accounts WHERE id=$1`)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(query).WithArgs(int64(2)).WillReturnRows(
		sqlmock.NewRows([]string{"id", "username", "balance", "referred_by", "created_at", "last_bonus_claim"}).
			AddRow(int64(2), "bob", "12.5", int64(1), now, nil))
	acc, err := repo.GetAccount(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "bob", acc.Username)
	assert.True(t, decimal.RequireFromString("12.5").Equal(acc.Balance))
	require.NotNil(t, acc.ReferredBy)
	assert.Equal(t, int64(1), *acc.ReferredBy)
	assert.Nil(t, acc.LastBonusClaim)

	mock.ExpectQuery(query).WithArgs(int64(3)).WillReturnRows(
		sqlmock.NewRows([]string{"id", "username", "balance", "referred_by", "created_at", "last_bonus_claim"}))
	_, err = repo.GetAccount(context.Background(), 3)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStampBonusClaim(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepoPG(db)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-24 * time.Hour)
	stmt := regexp.QuoteMeta(`UPDATE accounts SET last_bonus_claim=$1 WHERE id=$2 AND (last_bonus_claim IS NULL OR last_bonus_claim <= $3)`)

	mock.ExpectExec(stmt).WithArgs(now, int64(1), cutoff).WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.StampBonusClaim(context.Background(), 1, now, cutoff)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(stmt).WithArgs(now, int64(1), cutoff).WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.StampBonusClaim(context.Background(), 1, now, cutoff)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransitionDeposit(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDepositRepoPG(db)
	stmt := regexp.QuoteMeta(`UPDATE deposits SET status=$1, decided_at=$2 WHERE id=$3 AND status=$4`)

	mock.ExpectExec(stmt).
		WithArgs(models.DepositApproved, sqlmock.AnyArg(), int64(5), models.DepositPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.TransitionDeposit(context.Background(), 5, models.DepositPending, models.DepositApproved, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(stmt).WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.TransitionDeposit(context.Background(), 5, models.DepositPending, models.DepositApproved, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateAndGetDeposit(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDepositRepoPG(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"id", "account_id", "amount", "status", "evidence_ref", "review_ref", "created_at", "decided_at"}

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO deposits (account_id, amount, status, evidence_ref) VALUES ($1, $2, $3, $4) RETURNING ` + depositColumns)).
		WithArgs(int64(2), decimal.NewFromInt(100), models.DepositPending, "photo").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(7), int64(2), "100", "pending", "photo", "", now, nil))
	d, err := repo.CreateDeposit(context.Background(), 2, decimal.NewFromInt(100), "photo")
	require.NoError(t, err)
	assert.Equal(t, int64(7), d.ID)
	assert.Equal(t, models.DepositPending, d.Status)
	assert.Nil(t, d.DecidedAt)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + depositColumns + ` FROM deposits WHERE id=$1`)).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows(cols))
	_, err = repo.GetDeposit(context.Background(), 8)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestGetOrdersForStatusUpdate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOrderRepoPG(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + orderColumns + ` FROM orders WHERE NOT (status = ANY($1)) ORDER BY polled_at NULLS FIRST, id LIMIT $2`)).
		WithArgs(sqlmock.AnyArg(), 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "service_id", "link", "quantity", "charge", "status", "created_at", "updated_at"}).
			AddRow(int64(23501), int64(2), int64(1), "https://x", int64(5000), "6", "Pending", now, now))
	orders, err := repo.GetOrdersForStatusUpdate(context.Background(), []string{"Completed", "Canceled"}, 50)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(23501), orders[0].ID)
	assert.True(t, decimal.NewFromInt(6).Equal(orders[0].Charge))
}

func TestMarkOrderPolled(t *testing.T) {
	db, mock := newMock(t)
	repo := NewOrderRepoPG(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE orders SET polled_at=$1 WHERE id=$2`)).
		WithArgs(now, int64(23501)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkOrderPolled(context.Background(), 23501, now))
}

func TestWithinTx(t *testing.T) {
	db, mock := newMock(t)
	txm := NewTxManager(db)
	accounts := NewAccountRepoPG(db)
	orders := NewOrderRepoPG(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	order := models.Order{ID: 1, AccountID: 2, ServiceID: 3, Link: "l", Quantity: 10, Charge: decimal.NewFromInt(6), Status: models.OrderStatusPending, CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE accounts SET balance`).WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("94"))
	mock.ExpectExec(`INSERT INTO orders`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	err := txm.WithinTx(context.Background(), func(ctx context.Context) error {
		if _, err := accounts.AdjustBalance(ctx, 2, decimal.NewFromInt(-6)); err != nil {
			return err
		}
		return txm.WithinTx(ctx, func(ctx context.Context) error {
			return orders.CreateOrder(ctx, order)
		})
	})
	require.NoError(t, err)

	boom := errors.New("duplicate order")
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE accounts SET balance`).WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("88"))
	mock.ExpectExec(`INSERT INTO orders`).WillReturnError(boom)
	mock.ExpectRollback()
	err = txm.WithinTx(context.Background(), func(ctx context.Context) error {
		if _, err := accounts.AdjustBalance(ctx, 2, decimal.NewFromInt(-6)); err != nil {
			return err
		}
		return orders.CreateOrder(ctx, order)
	})
	assert.ErrorIs(t, err, boom)
}
