package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/ledger"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/metrics"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/orderflow"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/provider"
)

var (
	ErrInsufficientFunds   = ledger.ErrInsufficientFunds
	ErrNotFound            = ledger.ErrNotFound
	ErrInvalidAmount       = ledger.ErrInvalidAmount
	ErrNotANumber          = orderflow.ErrNotANumber
	ErrOutOfRange          = orderflow.ErrOutOfRange
	ErrEmptyLink           = orderflow.ErrEmptyLink
	ErrNoCharge            = orderflow.ErrNoCharge
	ErrProviderUnavailable = provider.ErrUnavailable

	ErrAlreadyProcessed = errors.New("already processed")
	ErrForbidden        = errors.New("forbidden")
	ErrBonusDisabled    = errors.New("daily bonus is disabled")
	ErrNoSession        = errors.New("no active conversation")
	ErrOutOfStage       = errors.New("input does not fit the current step")
	ErrEvidenceRequired = errors.New("payment screenshot required")
)

type ProviderError = provider.Error

// TooSoonError is returned by a bonus claim made before the cooldown has passed.
type TooSoonError struct {
	Remaining time.Duration
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("bonus already claimed, next claim in %s", e.Remaining.Round(time.Second))
}

type AccountRepo interface {
	CreateAccount(ctx context.Context, id int64, username string, referredBy *int64) (bool, error)
	AccountExists(ctx context.Context, id int64) (bool, error)
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	LockAccount(ctx context.Context, id int64) error
	StampBonusClaim(ctx context.Context, id int64, now, cutoff time.Time) (bool, error)
	CountReferrals(ctx context.Context, id int64) (int64, error)
	AdminStats(ctx context.Context) (models.AdminStats, error)
}

type DepositRepo interface {
	CreateDeposit(ctx context.Context, accountID int64, amount decimal.Decimal, evidenceRef string) (*models.Deposit, error)
	SetReviewRef(ctx context.Context, id int64, ref string) error
	GetDeposit(ctx context.Context, id int64) (*models.Deposit, error)
	TransitionDeposit(ctx context.Context, id int64, from, to models.DepositStatus, at time.Time) (bool, error)
	CountApprovedDeposits(ctx context.Context, accountID, excludeID int64) (int64, error)
	ListPendingDeposits(ctx context.Context, limit int) ([]models.Deposit, error)
}

type OrderRepo interface {
	CreateOrder(ctx context.Context, o models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrdersByAccount(ctx context.Context, accountID int64, limit int) ([]models.Order, error)
	CountOrders(ctx context.Context, accountID int64) (int64, error)
	GetOrdersForStatusUpdate(ctx context.Context, terminal []string, limit int) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status string, at time.Time) error
	MarkOrderPolled(ctx context.Context, id int64, at time.Time) error
}

// Transactor runs fn in one store transaction; nested calls join the outer one.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Provider interface {
	ListOfferings(ctx context.Context) ([]models.Offering, error)
	SubmitOrder(ctx context.Context, serviceID int64, link string, quantity int64) (int64, error)
	GetStatus(ctx context.Context, orderID int64) (models.OrderStatus, error)
	Balance(ctx context.Context) (decimal.Decimal, string, error)
}

type Notifier interface {
	Notify(ctx context.Context, accountID int64, text string) error
	SendReviewPrompt(ctx context.Context, d models.Deposit, username string) (string, error)
}

type PaymentLog interface {
	Record(ctx context.Context, ev models.PaymentEvent) error
}

type SessionStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Take(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Deps are the collaborators shared by the workflows.
type Deps struct {
	Accounts AccountRepo
	Deposits DepositRepo
	Orders   OrderRepo
	Tx       Transactor
	Ledger   *ledger.Ledger
	Sessions SessionStore
	Provider Provider
	Notifier Notifier
	Payments PaymentLog
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// outbound sends best-effort messages. Failures are logged and dropped; they
// never undo a committed balance change.
type outbound struct {
	notifier Notifier
	payments PaymentLog
	timeout  time.Duration
	logger   *zap.Logger
}

func (o outbound) notify(ctx context.Context, accountID int64, text string) {
	if o.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()
	if err := o.notifier.Notify(ctx, accountID, text); err != nil {
		o.logger.Warn("notification failed", zap.Int64("account_id", accountID), zap.Error(err))
	}
}

func (o outbound) record(ctx context.Context, ev models.PaymentEvent) {
	if o.payments == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()
	if err := o.payments.Record(ctx, ev); err != nil {
		o.logger.Warn("payment log failed",
			zap.String("kind", string(ev.Kind)),
			zap.Int64("account_id", ev.AccountID),
			zap.Error(err))
	}
}
