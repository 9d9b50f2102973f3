// Package brokerage is the brokerage client: linked bank relationships, ACH
// transfers, notional orders and the account cash profile.
package brokerage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMissingSession is returned when a user has no brokerage session token.
var ErrMissingSession = errors.New("brokerage: missing session token")

// Remote transfer states.
const (
	TransferPending   = "pending"
	TransferQueued    = "queued"
	TransferSubmitted = "submitted"
	TransferCompleted = "completed"
	TransferCancelled = "cancelled"
	TransferFailed    = "failed"
	TransferReversed  = "reversed"
)

// BankAccount is a bank account linked at the brokerage (an ACH relationship).
type BankAccount struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Mask     string `json:"bank_account_number"`
	Type     string `json:"bank_account_type"`
	Verified bool   `json:"verified"`
	State    string `json:"state"`
}

// Usable reports whether transfers can be drawn from the relationship.
func (b BankAccount) Usable() bool {
	return b.Verified && (b.State == "" || b.State == "approved")
}

// Transfer is an ACH transfer record.
type Transfer struct {
	ID                string          `json:"id"`
	URL               string          `json:"url"`
	ACHRelationship   string          `json:"ach_relationship"`
	Amount            decimal.Decimal `json:"amount"`
	Direction         string          `json:"direction"`
	State             string          `json:"state"`
	EarlyAccessAmount decimal.Decimal `json:"early_access_amount"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ExpectedLandingAt *time.Time      `json:"expected_landing_datetime"`
	Cancel            *string         `json:"cancel"`
}

// Order is a brokerage order record. Quantity is the unsigned filled
// quantity so far.
type Order struct {
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Quantity  decimal.Decimal `json:"cumulative_quantity"`
	Notional  decimal.Decimal `json:"notional"`
	State     string          `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AccountProfile carries the cash figures used for sufficiency checks.
type AccountProfile struct {
	PortfolioCash decimal.Decimal `json:"portfolio_cash"`
	BuyingPower   decimal.Decimal `json:"buying_power"`
}

// Client is the brokerage surface the engine consumes. Session is the
// user's brokerage session token.
type Client interface {
	LinkedBankAccounts(ctx context.Context, session string) ([]BankAccount, error)
	BankTransfers(ctx context.Context, session string) ([]Transfer, error)
	BankTransfer(ctx context.Context, session, id string) (*Transfer, error)
	InitiateTransfer(ctx context.Context, session, relationshipURL string, amount decimal.Decimal) (*Transfer, error)
	PlaceNotionalOrder(ctx context.Context, session, symbol string, amount decimal.Decimal, side string) (*Order, error)
	Order(ctx context.Context, session, id string) (*Order, error)
	Orders(ctx context.Context, session string) ([]Order, error)
	AccountProfile(ctx context.Context, session string) (*AccountProfile, error)
}

// APIError is a structured error response from the brokerage.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"detail"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("brokerage: %s (%s, status %d)", e.Message, e.Code, e.Status)
}

// ErrorCode returns the brokerage error code.
func (e *APIError) ErrorCode() string { return e.Code }

// ValidationError means a response arrived but failed schema validation.
// The call may still have taken effect remotely.
type ValidationError struct {
	Op     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("brokerage: invalid %s response: %s %s", e.Op, e.Field, e.Reason)
}

// ValidateTransfer checks the fields the ledger depends on.
func ValidateTransfer(op string, t *Transfer) error {
	switch {
	case t == nil:
		return &ValidationError{Op: op, Field: "body", Reason: "is empty"}
	case t.ID == "":
		return &ValidationError{Op: op, Field: "id", Reason: "is missing"}
	case t.State == "":
		return &ValidationError{Op: op, Field: "state", Reason: "is missing"}
	case !t.Amount.IsPositive():
		return &ValidationError{Op: op, Field: "amount", Reason: "is not positive"}
	case t.CreatedAt.IsZero():
		return &ValidationError{Op: op, Field: "created_at", Reason: "is missing"}
	}
	return nil
}

// ValidateOrder checks the fields the ledger depends on.
func ValidateOrder(op string, o *Order) error {
	switch {
	case o == nil:
		return &ValidationError{Op: op, Field: "body", Reason: "is empty"}
	case o.ID == "":
		return &ValidationError{Op: op, Field: "id", Reason: "is missing"}
	case o.State == "":
		return &ValidationError{Op: op, Field: "state", Reason: "is missing"}
	case o.Symbol == "":
		return &ValidationError{Op: op, Field: "symbol", Reason: "is missing"}
	case o.CreatedAt.IsZero():
		return &ValidationError{Op: op, Field: "created_at", Reason: "is missing"}
	}
	return nil
}
