// Package limits enforces the rolling deposit cap.
//
// A user's deposits over the trailing window (30 days by default) plus the
// amount being requested must stay within the monthly limit. The limit comes
// from user settings when set, otherwise from the service default. A zero
// limit disables the cap.
package limits

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/model"
)

// ErrMonthlyLimitExceeded is returned when a deposit would push the
// trailing-window total beyond the limit.
var ErrMonthlyLimitExceeded = errors.New("limits: monthly deposit limit exceeded")

// DefaultWindow is the trailing window used for the monthly cap.
const DefaultWindow = 30 * 24 * time.Hour

// DepositLimiter enforces the rolling deposit cap.
type DepositLimiter struct {
	// DefaultLimit applies when the user has no limit of their own.
	DefaultLimit decimal.Decimal

	// Window is the trailing span of deposits counted against the limit.
	Window time.Duration
}

// NewDepositLimiter creates a limiter with the given default cap and window.
func NewDepositLimiter(defaultLimit decimal.Decimal, window time.Duration) *DepositLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &DepositLimiter{DefaultLimit: defaultLimit, Window: window}
}

// Since returns the start of the trailing window as of now.
func (l *DepositLimiter) Since(now time.Time) time.Time {
	return now.Add(-l.Window)
}

// LimitFor returns the effective cap for a user.
func (l *DepositLimiter) LimitFor(settings *model.UserSettings) decimal.Decimal {
	if settings != nil && settings.MonthlyLimit.IsPositive() {
		return settings.MonthlyLimit
	}
	return l.DefaultLimit
}

// CheckLimit validates a new deposit against the deposits already made in
// the window. Cancelled and failed deposits do not count.
//
// Returns the trailing total (excluding amount) and nil when within limits.
func (l *DepositLimiter) CheckLimit(
	limit decimal.Decimal,
	amount decimal.Decimal,
	recent []model.Deposit,
) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, dep := range recent {
		if dep.State == model.DepositCancelled || dep.State == model.DepositFailed {
			continue
		}
		total = total.Add(dep.Amount)
	}

	if !limit.IsPositive() {
		return total, nil
	}
	if total.Add(amount).GreaterThan(limit) {
		return total, ErrMonthlyLimitExceeded
	}
	return total, nil
}
