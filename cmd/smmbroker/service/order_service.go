package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/config"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/ledger"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/metrics"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/orderflow"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/session"
)

// Statuses after which the provider no longer changes an order.
var terminalStatuses = []string{"Completed", "Partial", "Canceled", "Refunded"}

const statusBatchSize = 50

type OrderService struct {
	accounts AccountRepo
	orders   OrderRepo
	tx       Transactor
	ledger   *ledger.Ledger
	sessions SessionStore
	provider Provider
	out      outbound
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	logger   *zap.Logger

	pricing         orderflow.Pricing
	timeout         time.Duration
	trackTimeout    time.Duration
	providerTimeout time.Duration
}

func NewOrderService(d Deps, cfg *config.Config) *OrderService {
	return &OrderService{
		accounts: d.Accounts,
		orders:   d.Orders,
		tx:       d.Tx,
		ledger:   d.Ledger,
		sessions: d.Sessions,
		provider: d.Provider,
		out: outbound{
			notifier: d.Notifier,
			payments: d.Payments,
			timeout:  cfg.NotifyTimeout,
			logger:   d.Logger,
		},
		metrics:         d.Metrics,
		clock:           d.Clock,
		logger:          d.Logger,
		pricing:         orderflow.Pricing{MarkupPercent: cfg.MarkupPercent},
		timeout:         cfg.OrderTimeout,
		trackTimeout:    cfg.TrackTimeout,
		providerTimeout: cfg.ProviderTimeout,
	}
}

type OfferingView struct {
	models.Offering
	PricePer1000 string `json:"price_per_1000"`
}

// OrderView is what the chat adapter renders for the current stage.
type OrderView struct {
	Stage      orderflow.Stage  `json:"stage"`
	Categories []string         `json:"categories,omitempty"`
	Category   string           `json:"category,omitempty"`
	Offerings  []OfferingView   `json:"offerings,omitempty"`
	Offering   *OfferingView    `json:"offering,omitempty"`
	Link       string           `json:"link,omitempty"`
	Quantity   int64            `json:"quantity,omitempty"`
	Charge     *decimal.Decimal `json:"charge,omitempty"`
	Balance    *decimal.Decimal `json:"balance,omitempty"`
	CanConfirm bool             `json:"can_confirm"`
}

type Placement struct {
	Order   models.Order    `json:"order"`
	Balance decimal.Decimal `json:"balance"`
}

// StartOrder fetches the live catalogue and opens the conversation at category selection.
func (s *OrderService) StartOrder(ctx context.Context, accountID int64) (*OrderView, error) {
	ok, err := s.accounts.AccountExists(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	catalogue, err := s.provider.ListOfferings(pctx)
	if err != nil {
		s.metrics.ProviderError("services")
		s.logger.Error("catalogue unavailable", zap.Error(err))
		if errors.Is(err, ErrProviderUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if len(catalogue) == 0 {
		return nil, fmt.Errorf("%w: empty catalogue", ErrProviderUnavailable)
	}

	st := orderflow.Start(catalogue)
	if err := s.save(ctx, accountID, st); err != nil {
		return nil, err
	}
	return s.view(ctx, accountID, st)
}

func (s *OrderService) ChooseCategory(ctx context.Context, accountID int64, category string) (*OrderView, error) {
	return s.handle(ctx, accountID, orderflow.ChooseCategory{Category: category})
}

func (s *OrderService) ChooseService(ctx context.Context, accountID, serviceID int64) (*OrderView, error) {
	return s.handle(ctx, accountID, orderflow.ChooseService{ServiceID: serviceID})
}

// EnterText feeds free text to the link and quantity stages.
func (s *OrderService) EnterText(ctx context.Context, accountID int64, text string) (*OrderView, error) {
	return s.handle(ctx, accountID, orderflow.EnterText{Text: text})
}

func (s *OrderService) Back(ctx context.Context, accountID int64) (*OrderView, error) {
	return s.handle(ctx, accountID, orderflow.Back{})
}

func (s *OrderService) Cancel(ctx context.Context, accountID int64) error {
	return s.sessions.Delete(ctx, orderKey(accountID))
}

// handle applies one event. On a validation error the returned view still
// shows the unchanged stage so the adapter can re-prompt.
func (s *OrderService) handle(ctx context.Context, accountID int64, ev orderflow.Event) (*OrderView, error) {
	st, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	next, eff, terr := orderflow.Transition(st, ev, s.pricing)
	if eff == orderflow.EffectCancel {
		return nil, s.Cancel(ctx, accountID)
	}
	if eff == orderflow.EffectSubmit {
		return nil, ErrOutOfStage
	}
	if err := s.save(ctx, accountID, next); err != nil {
		return nil, err
	}
	view, err := s.view(ctx, accountID, next)
	if err != nil {
		return nil, err
	}
	return view, terr
}

// Confirm places the order the conversation describes. The provider is called
// without any lock held; only an accepted order is charged, and the charge and
// the order row are committed together.
func (s *OrderService) Confirm(ctx context.Context, accountID int64) (*Placement, error) {
	raw, err := s.sessions.Take(ctx, orderKey(accountID))
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrAlreadyProcessed
	}
	if err != nil {
		return nil, err
	}
	st, err := orderflow.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode order session: %w", err)
	}
	c, ok := st.(orderflow.Confirmation)
	if !ok {
		if err := s.save(ctx, accountID, st); err != nil {
			return nil, err
		}
		return nil, ErrOutOfStage
	}

	// Nothing is sent to the provider unless a charge can follow.
	if !c.Charge.IsPositive() {
		s.metrics.OrderFailed("no_charge")
		return nil, ErrNoCharge
	}

	acc, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Balance.LessThan(c.Charge) {
		s.metrics.OrderFailed("insufficient_funds")
		return nil, ErrInsufficientFunds
	}

	pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	orderID, err := s.provider.SubmitOrder(pctx, c.Offering.ID, c.Link, c.Quantity)
	cancel()
	if err != nil {
		s.metrics.ProviderError("add")
		s.metrics.OrderFailed("provider")
		s.logger.Warn("order submission failed",
			zap.Int64("account_id", accountID),
			zap.Int64("service_id", c.Offering.ID),
			zap.Error(err))
		return nil, fmt.Errorf("submit order: %w", err)
	}

	now := s.clock.Now()
	order := models.Order{
		ID:        orderID,
		AccountID: accountID,
		ServiceID: c.Offering.ID,
		Link:      c.Link,
		Quantity:  c.Quantity,
		Charge:    c.Charge,
		Status:    models.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	event := models.PaymentEvent{
		AccountID: accountID,
		Username:  acc.Username,
		Amount:    c.Charge,
		OrderID:   orderID,
		ServiceID: c.Offering.ID,
		At:        now,
	}

	// The provider has the order now; a dropped client must not skip the charge.
	cctx := context.WithoutCancel(ctx)
	var balance decimal.Decimal
	unlock := s.ledger.Lock(accountID)
	err = s.tx.WithinTx(cctx, func(ctx context.Context) error {
		var err error
		if balance, err = s.ledger.Debit(ctx, accountID, c.Charge); err != nil {
			return err
		}
		return s.orders.CreateOrder(ctx, order)
	})
	unlock()
	if err != nil {
		s.metrics.OrderFailed("unpaid")
		s.logger.Error("provider accepted order but charge failed",
			zap.Int64("account_id", accountID),
			zap.Int64("order_id", orderID),
			zap.String("charge", c.Charge.String()),
			zap.Error(err))
		event.Kind = models.EventOrderUnpaid
		s.out.record(cctx, event)
		return nil, fmt.Errorf("charge order %d: %w", orderID, err)
	}

	s.metrics.OrderPlaced()
	s.logger.Info("order placed",
		zap.Int64("account_id", accountID),
		zap.Int64("order_id", orderID),
		zap.String("charge", c.Charge.String()))
	event.Kind = models.EventOrderPlaced
	s.out.record(cctx, event)
	return &Placement{Order: order, Balance: balance}, nil
}

// StartTrack opens the short conversation that asks for an order id.
func (s *OrderService) StartTrack(ctx context.Context, accountID int64) error {
	ok, err := s.accounts.AccountExists(ctx, accountID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return s.sessions.Save(ctx, trackKey(accountID), []byte("order_id"), s.trackTimeout)
}

type TrackResult struct {
	Order  models.Order       `json:"order"`
	Status models.OrderStatus `json:"status"`
}

// TrackOrder asks the provider about one of the account's own orders and
// stores the status it reports.
func (s *OrderService) TrackOrder(ctx context.Context, accountID int64, text string) (*TrackResult, error) {
	key := trackKey(accountID)
	if _, err := s.sessions.Load(ctx, key); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	orderID, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		if err := s.sessions.Save(ctx, key, []byte("order_id"), s.trackTimeout); err != nil {
			return nil, err
		}
		return nil, ErrNotANumber
	}
	if err := s.sessions.Delete(ctx, key); err != nil {
		return nil, err
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.AccountID != accountID {
		return nil, ErrNotFound
	}
	pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	st, err := s.provider.GetStatus(pctx, orderID)
	if err != nil {
		s.metrics.ProviderError("status")
		return nil, fmt.Errorf("order %d status: %w", orderID, err)
	}
	if st.Status != "" && st.Status != order.Status {
		now := s.clock.Now()
		if err := s.orders.UpdateOrderStatus(ctx, orderID, st.Status, now); err != nil {
			return nil, err
		}
		order.Status = st.Status
		order.UpdatedAt = now
	}
	return &TrackResult{Order: *order, Status: st}, nil
}

// RefreshStatuses mirrors provider statuses for orders that are not final yet.
func (s *OrderService) RefreshStatuses(ctx context.Context) error {
	orders, err := s.orders.GetOrdersForStatusUpdate(ctx, terminalStatuses, statusBatchSize)
	if err != nil {
		return fmt.Errorf("get orders for status update: %w", err)
	}
	for _, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
		st, err := s.provider.GetStatus(pctx, order.ID)
		cancel()
		// Stamped even on failure so one bad order cannot pin the head of the batch.
		if err := s.orders.MarkOrderPolled(ctx, order.ID, s.clock.Now()); err != nil {
			s.logger.Warn("order poll stamp failed", zap.Int64("order_id", order.ID), zap.Error(err))
		}
		if err != nil {
			s.metrics.ProviderError("status")
			s.metrics.StatusRefreshed("error")
			s.logger.Warn("order status poll failed", zap.Int64("order_id", order.ID), zap.Error(err))
			continue
		}
		if st.Status == "" || st.Status == order.Status {
			s.metrics.StatusRefreshed("unchanged")
			continue
		}
		if err := s.orders.UpdateOrderStatus(ctx, order.ID, st.Status, s.clock.Now()); err != nil {
			s.logger.Error("order status update failed", zap.Int64("order_id", order.ID), zap.Error(err))
			continue
		}
		s.metrics.StatusRefreshed("updated")
		s.logger.Debug("order status updated",
			zap.Int64("order_id", order.ID),
			zap.String("from", order.Status),
			zap.String("to", st.Status))
	}
	return nil
}

func (s *OrderService) view(ctx context.Context, accountID int64, st orderflow.State) (*OrderView, error) {
	v := &OrderView{Stage: st.Stage()}
	switch st := st.(type) {
	case orderflow.CategorySelection:
		v.Categories = orderflow.Categories(st.Catalogue)
	case orderflow.ServiceSelection:
		v.Category = st.Category
		for _, o := range orderflow.OfferingsIn(st.Catalogue, st.Category) {
			v.Offerings = append(v.Offerings, s.offeringView(o))
		}
	case orderflow.LinkEntry:
		v.Category = st.Category
		v.Offering = ptr(s.offeringView(st.Offering))
	case orderflow.QuantityEntry:
		v.Category = st.Category
		v.Offering = ptr(s.offeringView(st.Offering))
		v.Link = st.Link
	case orderflow.Confirmation:
		acc, err := s.accounts.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		v.Category = st.Category
		v.Offering = ptr(s.offeringView(st.Offering))
		v.Link = st.Link
		v.Quantity = st.Quantity
		v.Charge = ptr(st.Charge)
		v.Balance = ptr(acc.Balance)
		v.CanConfirm = acc.Balance.GreaterThanOrEqual(st.Charge)
	}
	return v, nil
}

func (s *OrderService) offeringView(o models.Offering) OfferingView {
	return OfferingView{Offering: o, PricePer1000: s.pricing.DisplayPrice(o.Rate)}
}

func (s *OrderService) load(ctx context.Context, accountID int64) (orderflow.State, error) {
	raw, err := s.sessions.Load(ctx, orderKey(accountID))
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	return orderflow.Unmarshal(raw)
}

func (s *OrderService) save(ctx context.Context, accountID int64, st orderflow.State) error {
	raw, err := orderflow.Marshal(st)
	if err != nil {
		return err
	}
	return s.sessions.Save(ctx, orderKey(accountID), raw, s.timeout)
}

func orderKey(accountID int64) string { return session.Key("order", accountID) }
func trackKey(accountID int64) string { return session.Key("track", accountID) }

func ptr[T any](v T) *T { return &v }
