// Package model defines the core domain types shared across the round-up engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CashbackTransaction is a credit at the aggregator believed to be a cashback
// reward. Amount keeps the aggregator sign convention (negative = credit).
// Once DepositID is set the row is immutable except for Flagged.
type CashbackTransaction struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	AggregatorTxnID string          `json:"aggregator_txn_id" db:"aggregator_txn_id"` // unique per user
	AccountID       string          `json:"account_id" db:"account_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Currency        string          `json:"currency" db:"currency"`
	Date            time.Time       `json:"date" db:"date"`
	AuthorizedDate  *time.Time      `json:"authorized_date,omitempty" db:"authorized_date"`
	Merchant        string          `json:"merchant" db:"merchant"`
	Description     string          `json:"description" db:"description"`
	Pending         bool            `json:"pending" db:"pending"`
	DepositID       *string         `json:"deposit_id,omitempty" db:"deposit_id"`
	Flagged         bool            `json:"flagged" db:"flagged"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Linked reports whether the cashback has been swept into a deposit.
func (c *CashbackTransaction) Linked() bool {
	return c.DepositID != nil && *c.DepositID != ""
}

// DepositState is the local lifecycle state of a bank-to-brokerage transfer.
type DepositState string

const (
	DepositPending    DepositState = "pending"
	DepositProcessing DepositState = "processing"
	DepositCompleted  DepositState = "completed"
	DepositCancelled  DepositState = "cancelled"
	DepositFailed     DepositState = "failed"
)

// Terminal reports whether no further reconciliation can change the state.
func (s DepositState) Terminal() bool {
	return s == DepositCompleted || s == DepositCancelled || s == DepositFailed
}

// Deposit is a funds transfer from a bank account into the brokerage cash
// balance. Amount is fixed at creation; reconciliation only touches the
// status fields.
type Deposit struct {
	ID                  string          `json:"id" db:"id"`
	UserID              string          `json:"user_id" db:"user_id"`
	RemoteID            string          `json:"remote_id" db:"remote_id"` // unique per brokerage
	RemoteURL           string          `json:"remote_url" db:"remote_url"`
	AccountMask         string          `json:"account_mask" db:"account_mask"`
	FundingAccountID    string          `json:"funding_account_id" db:"funding_account_id"` // brokerage ACH relationship
	AggregatorAccountID string          `json:"aggregator_account_id" db:"aggregator_account_id"`
	Amount              decimal.Decimal `json:"amount" db:"amount"` // positive USD
	State               DepositState    `json:"state" db:"state"`
	EarlyAccessAmount   decimal.Decimal `json:"early_access_amount" db:"early_access_amount"`
	RequestedAt         time.Time       `json:"requested_at" db:"requested_at"`
	SettledAt           *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	ExpectedLandingAt   *time.Time      `json:"expected_landing_at,omitempty" db:"expected_landing_at"`
	Flagged             bool            `json:"flagged" db:"flagged"`
	InvestmentID        *string         `json:"investment_id,omitempty" db:"investment_id"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

// AvailableNow is the part of the deposit that can be spent at the brokerage.
// A completed deposit is fully available; otherwise only the early-access
// amount is.
func (d *Deposit) AvailableNow() decimal.Decimal {
	if d.State == DepositCompleted {
		return d.Amount
	}
	return d.EarlyAccessAmount
}

// Side is the direction of a brokerage order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Investment is a brokerage order tied to one symbol. Cumulative holds the
// running total held per symbol as of this order.
type Investment struct {
	ID            string                     `json:"id" db:"id"`
	UserID        string                     `json:"user_id" db:"user_id"`
	RemoteOrderID string                     `json:"remote_order_id" db:"remote_order_id"`
	Symbol        string                     `json:"symbol" db:"symbol"`
	Side          Side                       `json:"side" db:"side"`
	Quantity      decimal.Decimal            `json:"quantity" db:"quantity"` // signed: +buy, -sell
	Notional      decimal.Decimal            `json:"notional" db:"notional"` // dollar amount requested
	State         string                     `json:"state" db:"state"`       // remote order state
	OrderedAt     time.Time                  `json:"ordered_at" db:"ordered_at"`
	Cumulative    map[string]decimal.Decimal `json:"cumulative" db:"cumulative"`
	DepositID     *string                    `json:"deposit_id,omitempty" db:"deposit_id"`
	CreatedAt     time.Time                  `json:"created_at" db:"created_at"`
}

// PricePoint is one closing price sample of a shared, per-symbol series.
type PricePoint struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Interval  string          `json:"interval" db:"interval"` // e.g. "1d", "1h"
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Close     decimal.Decimal `json:"close" db:"close"`
}

// ValueSnapshot is the computed total position value for one user at one
// interval boundary. Snapshots are append-only.
type ValueSnapshot struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Value     decimal.Decimal `json:"value" db:"value"`
}

// UserSettings holds the per-user configuration the state machines consult.
type UserSettings struct {
	UserID          string          `json:"user_id" db:"user_id"`
	AggregatorToken string          `json:"-" db:"aggregator_token"`
	BrokerageToken  string          `json:"-" db:"brokerage_token"`
	SyncCursor      string          `json:"-" db:"sync_cursor"`
	TargetSymbol    string          `json:"target_symbol" db:"target_symbol"`
	ScalingFactor   decimal.Decimal `json:"scaling_factor" db:"scaling_factor"` // 1 for equities; >1 for fee-inclusive crypto sizing
	StrictMaskMatch bool            `json:"strict_mask_match" db:"strict_mask_match"`
	MonthlyLimit    decimal.Decimal `json:"monthly_limit" db:"monthly_limit"` // zero means the configured default
	AutoInvest      bool            `json:"auto_invest" db:"auto_invest"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}
