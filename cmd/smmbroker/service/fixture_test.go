package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/config"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/ledger"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/memstore"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/metrics"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/session"
)

const adminID int64 = 1000

type submission struct {
	ServiceID int64
	Link      string
	Quantity  int64
}

type fakeProvider struct {
	mu         sync.Mutex
	catalogue  []models.Offering
	listErr    error
	submitErr  error
	onSubmit   func()
	nextID     int64
	submitted  []submission
	statuses   map[int64]models.OrderStatus
	statusErr  error
	polled     []int64
	balance    decimal.Decimal
	balanceErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		catalogue: []models.Offering{
			{ID: 1, Category: "Instagram Followers", Name: "Followers HQ", Rate: decimal.RequireFromString("1.0"), Min: 10, Max: 10000},
			{ID: 2, Category: "Instagram Followers", Name: "Followers Cheap", Rate: decimal.RequireFromString("0.5"), Min: 100, Max: 5000},
			{ID: 3, Category: "YouTube Views", Name: "Views", Rate: decimal.RequireFromString("2.25"), Min: 10, Max: 1000},
		},
		nextID:   23500,
		statuses: make(map[int64]models.OrderStatus),
		balance:  decimal.RequireFromString("55.5"),
	}
}

func (p *fakeProvider) ListOfferings(context.Context) ([]models.Offering, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.catalogue, p.listErr
}

func (p *fakeProvider) SubmitOrder(_ context.Context, serviceID int64, link string, quantity int64) (int64, error) {
	p.mu.Lock()
	p.submitted = append(p.submitted, submission{ServiceID: serviceID, Link: link, Quantity: quantity})
	err, hook := p.submitErr, p.onSubmit
	p.nextID++
	id := p.nextID
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (p *fakeProvider) GetStatus(_ context.Context, orderID int64) (models.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polled = append(p.polled, orderID)
	if p.statusErr != nil {
		return models.OrderStatus{}, p.statusErr
	}
	return p.statuses[orderID], nil
}

func (p *fakeProvider) Balance(context.Context) (decimal.Decimal, string, error) {
	return p.balance, "USD", p.balanceErr
}

func (p *fakeProvider) submissions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted)
}

type message struct {
	AccountID int64
	Text      string
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []message
	prompts []models.Deposit
	err     error
}

func (n *fakeNotifier) Notify(_ context.Context, accountID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, message{AccountID: accountID, Text: text})
	return n.err
}

func (n *fakeNotifier) SendReviewPrompt(_ context.Context, d models.Deposit, _ string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prompts = append(n.prompts, d)
	if n.err != nil {
		return "", n.err
	}
	return fmt.Sprintf("review-%d", d.ID), nil
}

func (n *fakeNotifier) messagesTo(accountID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		if m.AccountID == accountID {
			out = append(out, m.Text)
		}
	}
	return out
}

type fakePayments struct {
	mu     sync.Mutex
	events []models.PaymentEvent
}

func (p *fakePayments) Record(_ context.Context, ev models.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePayments) kinds() []models.PaymentEventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.PaymentEventKind
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	ctx      context.Context
	store    *memstore.Store
	clock    *clockwork.FakeClock
	ledger   *ledger.Ledger
	provider *fakeProvider
	notifier *fakeNotifier
	payments *fakePayments
	metrics  *metrics.Metrics
	cfg      *config.Config

	accounts *AccountService
	deposits *DepositService
	orders   *OrderService
	bonus    *BonusService
}

func testConfig() *config.Config {
	return &config.Config{
		AdminID:          adminID,
		BotUsername:      "smmbot",
		UPIID:            "pay@upi",
		ProviderTimeout:  time.Second,
		NotifyTimeout:    time.Second,
		MarkupPercent:    decimal.NewFromInt(20),
		ReferralPercent:  decimal.NewFromInt(10),
		BonusEnabled:     true,
		DailyBonusAmount: decimal.NewFromInt(10),
		BonusCooldown:    24 * time.Hour,
		DepositTimeout:   5 * time.Minute,
		OrderTimeout:     10 * time.Minute,
		TrackTimeout:     2 * time.Minute,
	}
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memstore.New(clock)
	logger := zap.NewNop()
	l := ledger.New(store, logger)
	f := &fixture{
		ctx:      context.Background(),
		store:    store,
		clock:    clock,
		ledger:   l,
		provider: newFakeProvider(),
		notifier: &fakeNotifier{},
		payments: &fakePayments{},
		metrics:  metrics.New(),
		cfg:      cfg,
	}
	d := Deps{
		Accounts: store,
		Deposits: store,
		Orders:   store,
		Tx:       store,
		Ledger:   l,
		Sessions: session.NewMemoryStore(clock),
		Provider: f.provider,
		Notifier: f.notifier,
		Payments: f.payments,
		Metrics:  f.metrics,
		Clock:    clock,
		Logger:   logger,
	}
	f.accounts = NewAccountService(d, cfg)
	f.deposits = NewDepositService(d, NewReferralEngine(d, cfg.ReferralPercent), cfg)
	f.orders = NewOrderService(d, cfg)
	f.bonus = NewBonusService(d, cfg)
	return f
}

func (f *fixture) register(t *testing.T, id int64, referrer *int64) {
	t.Helper()
	_, _, err := f.accounts.Register(f.ctx, id, fmt.Sprintf("user%d", id), referrer)
	require.NoError(t, err)
}

// requestDeposit walks the deposit conversation and returns the pending deposit.
func (f *fixture) requestDeposit(t *testing.T, id int64, amount string) *models.Deposit {
	t.Helper()
	_, err := f.deposits.StartDeposit(f.ctx, id)
	require.NoError(t, err)
	_, err = f.deposits.SubmitAmount(f.ctx, id, amount)
	require.NoError(t, err)
	dep, err := f.deposits.SubmitEvidence(f.ctx, id, "photo-file-id")
	require.NoError(t, err)
	return dep
}

func (f *fixture) fund(t *testing.T, id int64, amount string) {
	t.Helper()
	dep := f.requestDeposit(t, id, amount)
	_, err := f.deposits.Approve(f.ctx, adminID, dep.ID)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, id int64) decimal.Decimal {
	t.Helper()
	acc, err := f.store.GetAccount(f.ctx, id)
	require.NoError(t, err)
	return acc.Balance
}

// readyToConfirm walks the order conversation up to the confirmation stage.
func (f *fixture) readyToConfirm(t *testing.T, id int64, category string, serviceID int64, link, qty string) *OrderView {
	t.Helper()
	_, err := f.orders.StartOrder(f.ctx, id)
	require.NoError(t, err)
	_, err = f.orders.ChooseCategory(f.ctx, id, category)
	require.NoError(t, err)
	_, err = f.orders.ChooseService(f.ctx, id, serviceID)
	require.NoError(t, err)
	_, err = f.orders.EnterText(f.ctx, id, link)
	require.NoError(t, err)
	view, err := f.orders.EnterText(f.ctx, id, qty)
	require.NoError(t, err)
	return view
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}
