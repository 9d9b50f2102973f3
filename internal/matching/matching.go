// Package matching pairs aggregator bank accounts with brokerage ACH
// relationships and picks the funding source for a deposit.
package matching

import (
	"errors"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/aggregator"
	"github.com/atmx/roundup-engine/internal/brokerage"
)

// ErrNoMatchingAccount is returned when no pair can fund the amount.
var ErrNoMatchingAccount = errors.New("matching: no matching accounts")

// Currency is the only currency deposits are drawn in.
const Currency = "USD"

// Candidate is one eligible (brokerage relationship, aggregator account) pair.
type Candidate struct {
	Brokerage  brokerage.BankAccount
	Aggregator aggregator.Account
}

// ExactMask reports whether both sides carry the same account mask.
func (c Candidate) ExactMask() bool {
	return c.Aggregator.Mask != "" && c.Aggregator.Mask == lastDigits(c.Brokerage.Mask, len(c.Aggregator.Mask))
}

// Previous identifies the funding pair of the user's most recent deposit.
type Previous struct {
	AggregatorAccountID string
	BrokerageAccountID  string
}

// Criteria parameterises one selection.
type Criteria struct {
	Amount           decimal.Decimal
	StrictMask       bool
	Previous         *Previous
	SourceAccountIDs map[string]bool // aggregator accounts the cashback came from
}

// Candidates lists every eligible pair, deduplicated by aggregator mask.
// Exact-mask pairs are visited first so that, on a mask collision, the pair
// that reuses the same account survives; otherwise the first pair found wins.
func Candidates(brokerageAccounts []brokerage.BankAccount, aggregatorAccounts []aggregator.Account, c Criteria) []Candidate {
	var exact, loose []Candidate
	for _, agg := range aggregatorAccounts {
		if !agg.Verified() {
			continue
		}
		if !strings.EqualFold(agg.Balances.ISOCurrencyCode, Currency) {
			continue
		}
		if agg.Available().LessThan(c.Amount) {
			continue
		}
		for _, bk := range brokerageAccounts {
			if !bk.Usable() {
				continue
			}
			cand := Candidate{Brokerage: bk, Aggregator: agg}
			switch {
			case cand.ExactMask():
				exact = append(exact, cand)
			case !c.StrictMask:
				loose = append(loose, cand)
			}
		}
	}

	seen := make(map[string]bool)
	var out []Candidate
	for _, cand := range append(exact, loose...) {
		key := cand.Aggregator.Mask
		if key == "" {
			key = "id:" + cand.Aggregator.AccountID
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, cand)
	}
	return out
}

// Rank stable-sorts candidates by the tie-break rules, best first:
// exact mask, checking over savings, previous choice, cashback source
// account, then higher available balance.
func Rank(cands []Candidate, c Criteria) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if x, y := a.ExactMask(), b.ExactMask(); x != y {
			return x
		}
		if x, y := isChecking(a), isChecking(b); x != y {
			return x
		}
		if x, y := isPrevious(a, c.Previous), isPrevious(b, c.Previous); x != y {
			return x
		}
		if x, y := c.SourceAccountIDs[a.Aggregator.AccountID], c.SourceAccountIDs[b.Aggregator.AccountID]; x != y {
			return x
		}
		return a.Aggregator.Available().GreaterThan(b.Aggregator.Available())
	})
}

// Select returns the top-ranked pair.
func Select(brokerageAccounts []brokerage.BankAccount, aggregatorAccounts []aggregator.Account, c Criteria) (*Candidate, error) {
	cands := Candidates(brokerageAccounts, aggregatorAccounts, c)
	if len(cands) == 0 {
		return nil, ErrNoMatchingAccount
	}
	Rank(cands, c)
	best := cands[0]
	return &best, nil
}

func isChecking(c Candidate) bool {
	return strings.EqualFold(c.Aggregator.Subtype, "checking")
}

func isPrevious(c Candidate, p *Previous) bool {
	if p == nil {
		return false
	}
	if p.AggregatorAccountID != "" {
		return c.Aggregator.AccountID == p.AggregatorAccountID
	}
	return p.BrokerageAccountID != "" && c.Brokerage.ID == p.BrokerageAccountID
}

// lastDigits returns the trailing n characters of a brokerage account
// number, which may be stored in full or already masked.
func lastDigits(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
