package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID             int64           `db:"id" json:"id"`
	Username       string          `db:"username" json:"username"`
	Balance        decimal.Decimal `db:"balance" json:"balance"`
	ReferredBy     *int64          `db:"referred_by" json:"referred_by,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	LastBonusClaim *time.Time      `db:"last_bonus_claim" json:"last_bonus_claim,omitempty"`
}

type DepositStatus string

const (
	DepositPending  DepositStatus = "pending"
	DepositApproved DepositStatus = "approved"
	DepositRejected DepositStatus = "rejected"
)

type Deposit struct {
	ID          int64           `db:"id" json:"id"`
	AccountID   int64           `db:"account_id" json:"account_id"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Status      DepositStatus   `db:"status" json:"status"`
	EvidenceRef string          `db:"evidence_ref" json:"evidence_ref"`
	ReviewRef   string          `db:"review_ref" json:"review_ref,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	DecidedAt   *time.Time      `db:"decided_at" json:"decided_at,omitempty"`
}

// OrderStatusPending is the status an order gets before the provider reports anything.
const OrderStatusPending = "Pending"

type Order struct {
	ID        int64           `db:"id" json:"id"`
	AccountID int64           `db:"account_id" json:"account_id"`
	ServiceID int64           `db:"service_id" json:"service_id"`
	Link      string          `db:"link" json:"link"`
	Quantity  int64           `db:"quantity" json:"quantity"`
	Charge    decimal.Decimal `db:"charge" json:"charge"`
	Status    string          `db:"status" json:"status"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Offering is one entry of the provider catalogue.
type Offering struct {
	ID       int64           `json:"id"`
	Category string          `json:"category"`
	Name     string          `json:"name"`
	Rate     decimal.Decimal `json:"rate"`
	Min      int64           `json:"min"`
	Max      int64           `json:"max"`
}

type OrderStatus struct {
	Status     string          `json:"status"`
	Charge     decimal.Decimal `json:"charge"`
	StartCount int64           `json:"start_count"`
	Remains    int64           `json:"remains"`
	Currency   string          `json:"currency,omitempty"`
}

type AccountInfo struct {
	Account     Account `json:"account"`
	TotalOrders int64   `json:"total_orders"`
	Referrals   int64   `json:"referrals"`
}

type AdminStats struct {
	Users           int64           `json:"users"`
	TotalBalance    decimal.Decimal `json:"total_balance"`
	Orders          int64           `json:"orders"`
	PendingDeposits int64           `json:"pending_deposits"`
}

type ReferralBonus struct {
	ReferrerID int64           `json:"referrer_id"`
	Amount     decimal.Decimal `json:"amount"`
}

type PaymentEventKind string

const (
	EventDepositApproved PaymentEventKind = "deposit_approved"
	EventReferralBonus   PaymentEventKind = "referral_bonus"
	EventOrderPlaced     PaymentEventKind = "order_placed"
	// EventOrderUnpaid marks an order the provider accepted but that could not be charged.
	EventOrderUnpaid PaymentEventKind = "order_unpaid"
)

// PaymentEvent is an audit record of a money movement.
type PaymentEvent struct {
	Kind      PaymentEventKind `json:"kind"`
	AccountID int64            `json:"account_id"`
	Username  string           `json:"username,omitempty"`
	Amount    decimal.Decimal  `json:"amount"`
	DepositID int64            `json:"deposit_id,omitempty"`
	OrderID   int64            `json:"order_id,omitempty"`
	ServiceID int64            `json:"service_id,omitempty"`
	At        time.Time        `json:"at"`
}
