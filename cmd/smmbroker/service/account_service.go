package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/config"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
)

const (
	historyLimit = 10
	pendingLimit = 50
)

type AccountService struct {
	accounts AccountRepo
	deposits DepositRepo
	orders   OrderRepo
	provider Provider
	logger   *zap.Logger

	adminID         int64
	botUsername     string
	referralPercent decimal.Decimal
	providerTimeout time.Duration
}

func NewAccountService(d Deps, cfg *config.Config) *AccountService {
	return &AccountService{
		accounts:        d.Accounts,
		deposits:        d.Deposits,
		orders:          d.Orders,
		provider:        d.Provider,
		logger:          d.Logger,
		adminID:         cfg.AdminID,
		botUsername:     cfg.BotUsername,
		referralPercent: cfg.ReferralPercent,
		providerTimeout: cfg.ProviderTimeout,
	}
}

// Register creates the account on first contact. The referrer is recorded only
// for new accounts and only when it is another existing account.
func (s *AccountService) Register(ctx context.Context, id int64, username string, referrerID *int64) (*models.Account, bool, error) {
	username = strings.TrimSpace(username)
	if referrerID != nil {
		if *referrerID == id {
			referrerID = nil
		} else {
			ok, err := s.accounts.AccountExists(ctx, *referrerID)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				referrerID = nil
			}
		}
	}
	created, err := s.accounts.CreateAccount(ctx, id, username, referrerID)
	if err != nil {
		return nil, false, fmt.Errorf("create account %d: %w", id, err)
	}
	acc, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("account registered", zap.Int64("account_id", id), zap.Bool("referred", acc.ReferredBy != nil))
	}
	return acc, created, nil
}

func (s *AccountService) Info(ctx context.Context, id int64) (*models.AccountInfo, error) {
	acc, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	orders, err := s.orders.CountOrders(ctx, id)
	if err != nil {
		return nil, err
	}
	refs, err := s.accounts.CountReferrals(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.AccountInfo{Account: *acc, TotalOrders: orders, Referrals: refs}, nil
}

type ReferralInfo struct {
	Link      string          `json:"link"`
	Referrals int64           `json:"referrals"`
	Percent   decimal.Decimal `json:"percent"`
}

func (s *AccountService) Referral(ctx context.Context, id int64) (*ReferralInfo, error) {
	refs, err := s.accounts.CountReferrals(ctx, id)
	if err != nil {
		return nil, err
	}
	if refs == 0 {
		ok, err := s.accounts.AccountExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
	}
	return &ReferralInfo{
		Link:      fmt.Sprintf("https://t.me/%s?start=%d", s.botUsername, id),
		Referrals: refs,
		Percent:   s.referralPercent,
	}, nil
}

// OrderHistory returns the latest orders, newest first.
func (s *AccountService) OrderHistory(ctx context.Context, id int64) ([]models.Order, error) {
	return s.orders.GetOrdersByAccount(ctx, id, historyLimit)
}

type AdminPanel struct {
	Stats            models.AdminStats `json:"stats"`
	ProviderBalance  *decimal.Decimal  `json:"provider_balance,omitempty"`
	ProviderCurrency string            `json:"provider_currency,omitempty"`
	ProviderError    string            `json:"provider_error,omitempty"`
}

// AdminStats reports store totals; the provider balance is best-effort.
func (s *AccountService) AdminStats(ctx context.Context, actorID int64) (*AdminPanel, error) {
	if actorID != s.adminID {
		return nil, ErrForbidden
	}
	stats, err := s.accounts.AdminStats(ctx)
	if err != nil {
		return nil, err
	}
	panel := &AdminPanel{Stats: stats}

	pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	bal, cur, err := s.provider.Balance(pctx)
	if err != nil {
		s.logger.Warn("provider balance unavailable", zap.Error(err))
		var perr *ProviderError
		if errors.As(err, &perr) {
			panel.ProviderError = perr.Reason
		} else {
			panel.ProviderError = ErrProviderUnavailable.Error()
		}
		return panel, nil
	}
	panel.ProviderBalance = &bal
	panel.ProviderCurrency = cur
	return panel, nil
}

func (s *AccountService) PendingDeposits(ctx context.Context, actorID int64) ([]models.Deposit, error) {
	if actorID != s.adminID {
		return nil, ErrForbidden
	}
	return s.deposits.ListPendingDeposits(ctx, pendingLimit)
}
