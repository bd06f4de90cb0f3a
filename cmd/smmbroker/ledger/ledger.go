// Package ledger owns account balances. Every balance change in the system goes
// through Credit or Debit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Store applies a signed delta to an account balance as one atomic step.
// A delta that would leave the balance negative must fail with
// ErrInsufficientFunds and change nothing; an unknown account fails with ErrNotFound.
type Store interface {
	AdjustBalance(ctx context.Context, accountID int64, delta decimal.Decimal) (decimal.Decimal, error)
}

type Ledger struct {
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	locks map[int64]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func New(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		locks:  make(map[int64]*accountLock),
	}
}

// Credit adds amount to the account and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, accountID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	balance, err := l.store.AdjustBalance(ctx, accountID, amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit account %d: %w", accountID, err)
	}
	l.logger.Debug("ledger credit",
		zap.Int64("account_id", accountID),
		zap.String("amount", amount.String()),
		zap.String("balance", balance.String()))
	return balance, nil
}

// Debit removes amount from the account. It fails with ErrInsufficientFunds,
// leaving the balance untouched, when the account holds less than amount.
func (l *Ledger) Debit(ctx context.Context, accountID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	balance, err := l.store.AdjustBalance(ctx, accountID, amount.Neg())
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit account %d: %w", accountID, err)
	}
	l.logger.Debug("ledger debit",
		zap.Int64("account_id", accountID),
		zap.String("amount", amount.String()),
		zap.String("balance", balance.String()))
	return balance, nil
}

// Lock acquires the exclusion for one account and returns its release func.
// Workflows hold it around check-then-act sequences that end in a balance
// mutation. It must never be held across network calls.
func (l *Ledger) Lock(accountID int64) func() {
	l.mu.Lock()
	al, ok := l.locks[accountID]
	if !ok {
		al = &accountLock{}
		l.locks[accountID] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			al.mu.Unlock()
			l.mu.Lock()
			al.refs--
			if al.refs == 0 {
				delete(l.locks, accountID)
			}
			l.mu.Unlock()
		})
	}
}
