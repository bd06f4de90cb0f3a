// Package memstore is an in-memory implementation of the account, deposit and
// order repositories. It backs the service when no DATABASE_URI is configured
// and is used by the service tests.
package memstore

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/ledger"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
)

var ErrDuplicateOrder = errors.New("order already exists")

type Store struct {
	clock clockwork.Clock

	mu            sync.Mutex
	accounts      map[int64]*models.Account
	deposits      map[int64]*models.Deposit
	orders        map[int64]*models.Order
	polledAt      map[int64]time.Time
	nextDepositID int64
}

func New(clock clockwork.Clock) *Store {
	return &Store{
		clock:    clock,
		accounts: make(map[int64]*models.Account),
		deposits: make(map[int64]*models.Deposit),
		orders:   make(map[int64]*models.Order),
		polledAt: make(map[int64]time.Time),
	}
}

type txKey struct{}

// journal collects undo steps for the mutations made inside WithinTx.
type journal struct {
	undo []func()
}

// WithinTx runs fn and reverts every mutation fn made through the store when
// it returns an error. It gives atomicity, not isolation: callers serialise
// conflicting work with the ledger account lock.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*journal); ok {
		return fn(ctx)
	}
	j := &journal{}
	if err := fn(context.WithValue(ctx, txKey{}, j)); err != nil {
		s.mu.Lock()
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// record must be called with s.mu held.
func record(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(txKey{}).(*journal); ok {
		j.undo = append(j.undo, undo)
	}
}

func (s *Store) CreateAccount(ctx context.Context, id int64, username string, referredBy *int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; ok {
		return false, nil
	}
	acc := &models.Account{
		ID:        id,
		Username:  username,
		Balance:   decimal.Zero,
		CreatedAt: s.clock.Now(),
	}
	if referredBy != nil {
		ref := *referredBy
		acc.ReferredBy = &ref
	}
	s.accounts[id] = acc
	record(ctx, func() { delete(s.accounts, id) })
	return true, nil
}

func (s *Store) AccountExists(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[id]
	return ok, nil
}

func (s *Store) GetAccount(_ context.Context, id int64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return copyAccount(acc), nil
}

func (s *Store) AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return decimal.Zero, ledger.ErrNotFound
	}
	next := acc.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, ledger.ErrInsufficientFunds
	}
	acc.Balance = next
	record(ctx, func() { acc.Balance = acc.Balance.Sub(delta) })
	return next, nil
}

// LockAccount only checks existence; row locking is the ledger lock's job here.
func (s *Store) LockAccount(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) StampBonusClaim(ctx context.Context, id int64, now, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return false, ledger.ErrNotFound
	}
	if acc.LastBonusClaim != nil && acc.LastBonusClaim.After(cutoff) {
		return false, nil
	}
	prev := acc.LastBonusClaim
	stamp := now
	acc.LastBonusClaim = &stamp
	record(ctx, func() { acc.LastBonusClaim = prev })
	return true, nil
}

func (s *Store) CountReferrals(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, acc := range s.accounts {
		if acc.ReferredBy != nil && *acc.ReferredBy == id {
			n++
		}
	}
	return n, nil
}

func (s *Store) AdminStats(_ context.Context) (models.AdminStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := models.AdminStats{
		Users:        int64(len(s.accounts)),
		TotalBalance: decimal.Zero,
		Orders:       int64(len(s.orders)),
	}
	for _, acc := range s.accounts {
		stats.TotalBalance = stats.TotalBalance.Add(acc.Balance)
	}
	for _, d := range s.deposits {
		if d.Status == models.DepositPending {
			stats.PendingDeposits++
		}
	}
	return stats, nil
}

func (s *Store) CreateDeposit(ctx context.Context, accountID int64, amount decimal.Decimal, evidenceRef string) (*models.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, ledger.ErrNotFound
	}
	s.nextDepositID++
	d := &models.Deposit{
		ID:          s.nextDepositID,
		AccountID:   accountID,
		Amount:      amount,
		Status:      models.DepositPending,
		EvidenceRef: evidenceRef,
		CreatedAt:   s.clock.Now(),
	}
	s.deposits[d.ID] = d
	id := d.ID
	record(ctx, func() { delete(s.deposits, id) })
	return copyDeposit(d), nil
}

func (s *Store) SetReviewRef(ctx context.Context, id int64, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[id]
	if !ok {
		return ledger.ErrNotFound
	}
	prev := d.ReviewRef
	d.ReviewRef = ref
	record(ctx, func() { d.ReviewRef = prev })
	return nil
}

func (s *Store) GetDeposit(_ context.Context, id int64) (*models.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return copyDeposit(d), nil
}

func (s *Store) TransitionDeposit(ctx context.Context, id int64, from, to models.DepositStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[id]
	if !ok {
		return false, ledger.ErrNotFound
	}
	if d.Status != from {
		return false, nil
	}
	decided := at
	d.Status = to
	d.DecidedAt = &decided
	record(ctx, func() {
		d.Status = from
		d.DecidedAt = nil
	})
	return true, nil
}

func (s *Store) CountApprovedDeposits(_ context.Context, accountID, excludeID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.deposits {
		if d.AccountID == accountID && d.ID != excludeID && d.Status == models.DepositApproved {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListPendingDeposits(_ context.Context, limit int) ([]models.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Deposit
	for _, d := range s.deposits {
		if d.Status == models.DepositPending {
			out = append(out, *copyDeposit(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateOrder(ctx context.Context, o models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return ErrDuplicateOrder
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	s.orders[o.ID] = &o
	id := o.ID
	record(ctx, func() { delete(s.orders, id) })
	return nil
}

func (s *Store) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) GetOrdersByAccount(_ context.Context, accountID int64, limit int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.AccountID == accountID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountOrders(_ context.Context, accountID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, o := range s.orders {
		if o.AccountID == accountID {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetOrdersForStatusUpdate(_ context.Context, terminal []string, limit int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if !slices.Contains(terminal, o.Status) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, iok := s.polledAt[out[i].ID]
		pj, jok := s.polledAt[out[j].ID]
		if iok != jok {
			return !iok
		}
		if !pi.Equal(pj) {
			return pi.Before(pj)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id int64, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ledger.ErrNotFound
	}
	prevStatus, prevAt := o.Status, o.UpdatedAt
	o.Status = status
	o.UpdatedAt = at
	record(ctx, func() {
		o.Status = prevStatus
		o.UpdatedAt = prevAt
	})
	return nil
}

func (s *Store) MarkOrderPolled(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return ledger.ErrNotFound
	}
	s.polledAt[id] = at
	return nil
}

func copyAccount(a *models.Account) *models.Account {
	cp := *a
	if a.ReferredBy != nil {
		ref := *a.ReferredBy
		cp.ReferredBy = &ref
	}
	if a.LastBonusClaim != nil {
		t := *a.LastBonusClaim
		cp.LastBonusClaim = &t
	}
	return &cp
}

func copyDeposit(d *models.Deposit) *models.Deposit {
	cp := *d
	if d.DecidedAt != nil {
		t := *d.DecidedAt
		cp.DecidedAt = &t
	}
	return &cp
}
