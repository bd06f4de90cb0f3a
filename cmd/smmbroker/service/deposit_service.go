package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/config"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/ledger"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/metrics"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/session"
)

const (
	depositStageAmount   = "amount"
	depositStageEvidence = "evidence"
)

type depositSession struct {
	Stage  string          `json:"stage"`
	Amount decimal.Decimal `json:"amount"`
}

type DepositInstructions struct {
	UPIID string `json:"upi_id"`
	Text  string `json:"text"`
}

type ApprovalResult struct {
	Deposit models.Deposit        `json:"deposit"`
	Balance decimal.Decimal       `json:"balance"`
	Bonus   *models.ReferralBonus `json:"referral_bonus,omitempty"`
}

type DepositService struct {
	accounts AccountRepo
	deposits DepositRepo
	tx       Transactor
	ledger   *ledger.Ledger
	referral *ReferralEngine
	sessions SessionStore
	notifier Notifier
	out      outbound
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	logger   *zap.Logger

	adminID       int64
	upiID         string
	timeout       time.Duration
	notifyTimeout time.Duration
}

func NewDepositService(d Deps, referral *ReferralEngine, cfg *config.Config) *DepositService {
	return &DepositService{
		accounts: d.Accounts,
		deposits: d.Deposits,
		tx:       d.Tx,
		ledger:   d.Ledger,
		referral: referral,
		sessions: d.Sessions,
		notifier: d.Notifier,
		out: outbound{
			notifier: d.Notifier,
			payments: d.Payments,
			timeout:  cfg.NotifyTimeout,
			logger:   d.Logger,
		},
		metrics:       d.Metrics,
		clock:         d.Clock,
		logger:        d.Logger,
		adminID:       cfg.AdminID,
		upiID:         cfg.UPIID,
		timeout:       cfg.DepositTimeout,
		notifyTimeout: cfg.NotifyTimeout,
	}
}

func (s *DepositService) StartDeposit(ctx context.Context, accountID int64) (*DepositInstructions, error) {
	ok, err := s.accounts.AccountExists(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if err := s.save(ctx, accountID, depositSession{Stage: depositStageAmount}); err != nil {
		return nil, err
	}
	return &DepositInstructions{
		UPIID: s.upiID,
		Text: fmt.Sprintf("Send the payment to UPI ID `%s`, then reply with the amount you paid. "+
			"After that, send a screenshot of the payment.", s.upiID),
	}, nil
}

// SubmitAmount records the amount the user says they paid. Invalid input keeps
// the conversation at the amount step.
func (s *DepositService) SubmitAmount(ctx context.Context, accountID int64, text string) (decimal.Decimal, error) {
	st, err := s.load(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	if st.Stage != depositStageAmount {
		return decimal.Zero, ErrOutOfStage
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Zero, s.keep(ctx, accountID, st, ErrNotANumber)
	}
	if !amount.IsPositive() {
		return decimal.Zero, s.keep(ctx, accountID, st, ErrInvalidAmount)
	}
	if err := s.save(ctx, accountID, depositSession{Stage: depositStageEvidence, Amount: amount}); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// SubmitEvidence creates the pending deposit and asks the admin to review it.
func (s *DepositService) SubmitEvidence(ctx context.Context, accountID int64, evidenceRef string) (*models.Deposit, error) {
	evidenceRef = strings.TrimSpace(evidenceRef)
	if evidenceRef == "" {
		return nil, ErrEvidenceRequired
	}
	key := session.Key("deposit", accountID)
	raw, err := s.sessions.Take(ctx, key)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	var st depositSession
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode deposit session: %w", err)
	}
	if st.Stage != depositStageEvidence {
		return nil, s.keep(ctx, accountID, st, ErrOutOfStage)
	}

	acc, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	dep, err := s.deposits.CreateDeposit(ctx, accountID, st.Amount, evidenceRef)
	if err != nil {
		return nil, fmt.Errorf("create deposit: %w", err)
	}
	s.logger.Info("deposit requested",
		zap.Int64("deposit_id", dep.ID),
		zap.Int64("account_id", accountID),
		zap.String("amount", dep.Amount.String()))

	if s.notifier == nil {
		s.logger.Warn("no admin chat configured, deposit awaits review via the API", zap.Int64("deposit_id", dep.ID))
		return dep, nil
	}
	pctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()
	ref, err := s.notifier.SendReviewPrompt(pctx, *dep, acc.Username)
	if err != nil {
		s.logger.Error("review prompt not delivered", zap.Int64("deposit_id", dep.ID), zap.Error(err))
		return dep, nil
	}
	if err := s.deposits.SetReviewRef(ctx, dep.ID, ref); err != nil {
		s.logger.Warn("review ref not stored", zap.Int64("deposit_id", dep.ID), zap.Error(err))
		return dep, nil
	}
	dep.ReviewRef = ref
	return dep, nil
}

// Approve credits the deposit to its owner exactly once and pays the referral
// bonus when this is the owner's first approved deposit.
func (s *DepositService) Approve(ctx context.Context, actorID, depositID int64) (*ApprovalResult, error) {
	dep, err := s.pending(ctx, actorID, depositID)
	if err != nil {
		return nil, err
	}

	var (
		balance decimal.Decimal
		bonus   *models.ReferralBonus
		now     = s.clock.Now()
	)
	unlock := s.ledger.Lock(dep.AccountID)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.accounts.LockAccount(ctx, dep.AccountID); err != nil {
			return err
		}
		ok, err := s.deposits.TransitionDeposit(ctx, dep.ID, models.DepositPending, models.DepositApproved, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyProcessed
		}
		if balance, err = s.ledger.Credit(ctx, dep.AccountID, dep.Amount); err != nil {
			return err
		}
		bonus, err = s.referral.MaybePayBonus(ctx, *dep)
		return err
	})
	unlock()
	if errors.Is(err, ErrAlreadyProcessed) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("approve deposit %d: %w", depositID, err)
	}

	dep.Status = models.DepositApproved
	dep.DecidedAt = &now
	s.logger.Info("deposit approved",
		zap.Int64("deposit_id", dep.ID),
		zap.Int64("account_id", dep.AccountID),
		zap.String("amount", dep.Amount.String()))
	s.metrics.DepositDecided("approved")

	s.out.notify(ctx, dep.AccountID, fmt.Sprintf("✅ Your deposit of `%s` has been approved and added to your balance.", dep.Amount))
	username := ""
	if acc, err := s.accounts.GetAccount(ctx, dep.AccountID); err == nil {
		username = acc.Username
	}
	s.out.record(ctx, models.PaymentEvent{
		Kind:      models.EventDepositApproved,
		AccountID: dep.AccountID,
		Username:  username,
		Amount:    dep.Amount,
		DepositID: dep.ID,
		At:        now,
	})
	if bonus != nil {
		s.metrics.ReferralBonusPaid()
		s.out.notify(ctx, bonus.ReferrerID, fmt.Sprintf("🎉 You received a referral bonus of `%s` from user %d's first deposit!", bonus.Amount, dep.AccountID))
		s.out.record(ctx, models.PaymentEvent{
			Kind:      models.EventReferralBonus,
			AccountID: bonus.ReferrerID,
			Amount:    bonus.Amount,
			DepositID: dep.ID,
			At:        now,
		})
	}
	return &ApprovalResult{Deposit: *dep, Balance: balance, Bonus: bonus}, nil
}

func (s *DepositService) Reject(ctx context.Context, actorID, depositID int64) (*models.Deposit, error) {
	dep, err := s.pending(ctx, actorID, depositID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	ok, err := s.deposits.TransitionDeposit(ctx, dep.ID, models.DepositPending, models.DepositRejected, now)
	if err != nil {
		return nil, fmt.Errorf("reject deposit %d: %w", depositID, err)
	}
	if !ok {
		return nil, ErrAlreadyProcessed
	}
	dep.Status = models.DepositRejected
	dep.DecidedAt = &now
	s.logger.Info("deposit rejected", zap.Int64("deposit_id", dep.ID), zap.Int64("account_id", dep.AccountID))
	s.metrics.DepositDecided("rejected")
	s.out.notify(ctx, dep.AccountID, fmt.Sprintf("❌ Your deposit request for `%s` has been rejected. Please contact support if you believe this is an error.", dep.Amount))
	return dep, nil
}

func (s *DepositService) pending(ctx context.Context, actorID, depositID int64) (*models.Deposit, error) {
	if actorID != s.adminID {
		return nil, ErrForbidden
	}
	dep, err := s.deposits.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, fmt.Errorf("get deposit %d: %w", depositID, err)
	}
	if dep.Status != models.DepositPending {
		return nil, ErrAlreadyProcessed
	}
	return dep, nil
}

func (s *DepositService) load(ctx context.Context, accountID int64) (depositSession, error) {
	raw, err := s.sessions.Load(ctx, session.Key("deposit", accountID))
	if errors.Is(err, session.ErrNotFound) {
		return depositSession{}, ErrNoSession
	}
	if err != nil {
		return depositSession{}, err
	}
	var st depositSession
	if err := json.Unmarshal(raw, &st); err != nil {
		return depositSession{}, fmt.Errorf("decode deposit session: %w", err)
	}
	return st, nil
}

func (s *DepositService) save(ctx context.Context, accountID int64, st depositSession) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.sessions.Save(ctx, session.Key("deposit", accountID), raw, s.timeout)
}

// keep re-saves st, refreshing the inactivity timeout, and returns cause.
func (s *DepositService) keep(ctx context.Context, accountID int64, st depositSession, cause error) error {
	if err := s.save(ctx, accountID, st); err != nil {
		return err
	}
	return cause
}
