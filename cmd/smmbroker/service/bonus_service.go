package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/config"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/ledger"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/metrics"
)

type BonusService struct {
	accounts AccountRepo
	tx       Transactor
	ledger   *ledger.Ledger
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	logger   *zap.Logger

	enabled  bool
	amount   decimal.Decimal
	cooldown time.Duration
}

func NewBonusService(d Deps, cfg *config.Config) *BonusService {
	return &BonusService{
		accounts: d.Accounts,
		tx:       d.Tx,
		ledger:   d.Ledger,
		metrics:  d.Metrics,
		clock:    d.Clock,
		logger:   d.Logger,
		enabled:  cfg.BonusEnabled,
		amount:   cfg.DailyBonusAmount,
		cooldown: cfg.BonusCooldown,
	}
}

type BonusStatus struct {
	Enabled   bool            `json:"enabled"`
	Ready     bool            `json:"ready"`
	Remaining time.Duration   `json:"remaining"`
	Amount    decimal.Decimal `json:"amount"`
}

// Claim credits the daily bonus and returns the new balance.
func (s *BonusService) Claim(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	if !s.enabled {
		return decimal.Zero, ErrBonusDisabled
	}
	unlock := s.ledger.Lock(accountID)
	defer unlock()

	acc, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	now := s.clock.Now()
	if remaining := s.remaining(acc.LastBonusClaim, now); remaining > 0 {
		return decimal.Zero, &TooSoonError{Remaining: remaining}
	}

	var balance decimal.Decimal
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := s.accounts.StampBonusClaim(ctx, accountID, now, now.Add(-s.cooldown))
		if err != nil {
			return err
		}
		if !ok {
			return &TooSoonError{Remaining: s.cooldown}
		}
		balance, err = s.ledger.Credit(ctx, accountID, s.amount)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("claim bonus: %w", err)
	}
	s.metrics.BonusClaimed()
	s.logger.Info("daily bonus claimed", zap.Int64("account_id", accountID), zap.String("amount", s.amount.String()))
	return balance, nil
}

func (s *BonusService) Status(ctx context.Context, accountID int64) (*BonusStatus, error) {
	st := &BonusStatus{Enabled: s.enabled, Amount: s.amount}
	if !s.enabled {
		return st, nil
	}
	acc, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	st.Remaining = s.remaining(acc.LastBonusClaim, s.clock.Now())
	st.Ready = st.Remaining == 0
	return st, nil
}

func (s *BonusService) remaining(last *time.Time, now time.Time) time.Duration {
	if last == nil {
		return 0
	}
	next := last.Add(s.cooldown)
	if now.Before(next) {
		return next.Sub(now)
	}
	return 0
}
