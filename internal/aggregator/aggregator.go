// Package aggregator is the bank-data aggregation client: linked account
// balances and the cursor-based transaction stream.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/filter"
)

// ErrMissingToken is returned when a user has no aggregator access token.
var ErrMissingToken = errors.New("aggregator: missing access token")

// Balances is the balance block of an aggregator account.
type Balances struct {
	Available       *decimal.Decimal `json:"available"`
	Current         *decimal.Decimal `json:"current,omitempty"`
	ISOCurrencyCode string           `json:"iso_currency_code"`
}

// Account is one bank account reported by the aggregator.
type Account struct {
	AccountID          string   `json:"account_id"`
	Name               string   `json:"name,omitempty"`
	Mask               string   `json:"mask"`
	Type               string   `json:"type,omitempty"`
	Subtype            string   `json:"subtype"`
	Balances           Balances `json:"balances"`
	VerificationStatus string   `json:"verification_status,omitempty"`
}

// Verified reports whether the account's ownership has been confirmed.
// Accounts linked through instant login carry no verification status and
// count as verified; micro-deposit flows end in "*_verified".
func (a Account) Verified() bool {
	s := strings.ToLower(a.VerificationStatus)
	return s == "" || strings.HasSuffix(s, "_verified")
}

// Available returns the available balance, treating a missing value as zero.
func (a Account) Available() decimal.Decimal {
	if a.Balances.Available == nil {
		return decimal.Zero
	}
	return *a.Balances.Available
}

// SyncPage is one page of the transaction stream. Added and Modified keep the
// raw transaction records so classification can run the filter engine over
// them.
type SyncPage struct {
	Added      []filter.Record `json:"added"`
	Modified   []filter.Record `json:"modified"`
	Removed    []string        `json:"-"`
	NextCursor string          `json:"next_cursor"`
	HasMore    bool            `json:"has_more"`
}

// Client is the aggregator surface the engine consumes.
type Client interface {
	Accounts(ctx context.Context, accessToken string) ([]Account, error)
	SyncTransactions(ctx context.Context, accessToken, cursor string) (*SyncPage, error)
}

// APIError is a structured error response from the aggregator.
type APIError struct {
	Status  int    `json:"-"`
	Type    string `json:"error_type"`
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aggregator: %s (%s, status %d)", e.Message, e.Code, e.Status)
}

// ErrorCode returns the aggregator error code.
func (e *APIError) ErrorCode() string { return e.Code }
