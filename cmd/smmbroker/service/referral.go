package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/ledger"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
)

var hundred = decimal.NewFromInt(100)

// ReferralEngine pays the referrer a share of a referred account's first
// approved deposit.
type ReferralEngine struct {
	accounts AccountRepo
	deposits DepositRepo
	ledger   *ledger.Ledger
	percent  decimal.Decimal
	logger   *zap.Logger
}

func NewReferralEngine(d Deps, percent decimal.Decimal) *ReferralEngine {
	return &ReferralEngine{
		accounts: d.Accounts,
		deposits: d.Deposits,
		ledger:   d.Ledger,
		percent:  percent,
		logger:   d.Logger,
	}
}

// MaybePayBonus must run inside the approval transaction of dep, after dep has
// been marked approved. Only approved deposits count towards "first".
func (r *ReferralEngine) MaybePayBonus(ctx context.Context, dep models.Deposit) (*models.ReferralBonus, error) {
	owner, err := r.accounts.GetAccount(ctx, dep.AccountID)
	if err != nil {
		return nil, fmt.Errorf("get deposit owner: %w", err)
	}
	if owner.ReferredBy == nil || !r.percent.IsPositive() {
		return nil, nil
	}
	prior, err := r.deposits.CountApprovedDeposits(ctx, dep.AccountID, dep.ID)
	if err != nil {
		return nil, fmt.Errorf("count approved deposits: %w", err)
	}
	if prior > 0 {
		return nil, nil
	}
	amount := dep.Amount.Mul(r.percent).Div(hundred)
	if !amount.IsPositive() {
		return nil, nil
	}
	referrer := *owner.ReferredBy
	if _, err := r.ledger.Credit(ctx, referrer, amount); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			r.logger.Warn("referrer account missing, bonus skipped",
				zap.Int64("referrer_id", referrer),
				zap.Int64("deposit_id", dep.ID))
			return nil, nil
		}
		return nil, err
	}
	r.logger.Info("referral bonus paid",
		zap.Int64("referrer_id", referrer),
		zap.Int64("referee_id", dep.AccountID),
		zap.String("amount", amount.String()))
	return &models.ReferralBonus{ReferrerID: referrer, Amount: amount}, nil
}
