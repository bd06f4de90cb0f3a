package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/ledger"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
)

func TestWithinTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New(clockwork.NewFakeClock())
	_, err := s.CreateAccount(ctx, 1, "alice", nil)
	require.NoError(t, err)
	_, err = s.AdjustBalance(ctx, 1, decimal.NewFromInt(100))
	require.NoError(t, err)
	dep, err := s.CreateDeposit(ctx, 1, decimal.NewFromInt(30), "photo")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := s.TransitionDeposit(ctx, dep.ID, models.DepositPending, models.DepositApproved, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		_, err = s.AdjustBalance(ctx, 1, decimal.NewFromInt(30))
		require.NoError(t, err)
		require.NoError(t, s.CreateOrder(ctx, models.Order{ID: 9, AccountID: 1, Status: models.OrderStatusPending}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acc, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(acc.Balance))
	got, err := s.GetDeposit(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DepositPending, got.Status)
	assert.Nil(t, got.DecidedAt)
	_, err = s.GetOrder(ctx, 9)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestWithinTx_Commits(t *testing.T) {
	ctx := context.Background()
	s := New(clockwork.NewFakeClock())
	_, err := s.CreateAccount(ctx, 1, "alice", nil)
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(ctx context.Context) error {
		_, err := s.AdjustBalance(ctx, 1, decimal.NewFromInt(5))
		return err
	})
	require.NoError(t, err)
	acc, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(5).Equal(acc.Balance))
}

func TestAdjustBalance_RejectsNegative(t *testing.T) {
	ctx := context.Background()
	s := New(clockwork.NewFakeClock())
	_, err := s.CreateAccount(ctx, 1, "alice", nil)
	require.NoError(t, err)

	_, err = s.AdjustBalance(ctx, 1, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	_, err = s.AdjustBalance(ctx, 2, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStampBonusClaim(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := New(clock)
	_, err := s.CreateAccount(ctx, 1, "alice", nil)
	require.NoError(t, err)

	now := clock.Now()
	ok, err := s.StampBonusClaim(ctx, 1, now, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	later := now.Add(time.Hour)
	ok, err = s.StampBonusClaim(ctx, 1, later, later.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	day := now.Add(24 * time.Hour)
	ok, err = s.StampBonusClaim(ctx, 1, day, day.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCountApprovedDepositsExcludesCurrent(t *testing.T) {
	ctx := context.Background()
	s := New(clockwork.NewFakeClock())
	_, err := s.CreateAccount(ctx, 1, "alice", nil)
	require.NoError(t, err)
	d1, err := s.CreateDeposit(ctx, 1, decimal.NewFromInt(10), "")
	require.NoError(t, err)
	d2, err := s.CreateDeposit(ctx, 1, decimal.NewFromInt(10), "")
	require.NoError(t, err)

	_, err = s.TransitionDeposit(ctx, d1.ID, models.DepositPending, models.DepositApproved, time.Now())
	require.NoError(t, err)

	n, err := s.CountApprovedDeposits(ctx, 1, d1.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.CountApprovedDeposits(ctx, 1, d2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "pending deposits do not count")
}
