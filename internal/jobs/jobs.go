// Package jobs runs the periodic entry points of the engine: cashback sync,
// automatic deposits and investments, reconciliation sweeps, price upkeep
// and valuation. Every job is safe to run more than once; the services
// carry the duplicate checks.
package jobs

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/atmx/roundup-engine/internal/apperr"
	"github.com/atmx/roundup-engine/internal/cashback"
	"github.com/atmx/roundup-engine/internal/config"
	"github.com/atmx/roundup-engine/internal/deposit"
	"github.com/atmx/roundup-engine/internal/interval"
	"github.com/atmx/roundup-engine/internal/invest"
	"github.com/atmx/roundup-engine/internal/model"
	"github.com/atmx/roundup-engine/internal/pricing"
	"github.com/atmx/roundup-engine/internal/store"
	"github.com/atmx/roundup-engine/internal/valuation"
)

// Jobs holds the services the periodic jobs drive. Nil services disable
// the jobs that need them.
type Jobs struct {
	Store     store.Store
	Cashback  *cashback.Service
	Deposits  *deposit.Service
	Invest    *invest.Service
	Prices    *pricing.Refresher
	Valuation *valuation.Engine

	// Symbols are always priced, on top of every user's target symbol.
	Symbols   []string
	Intervals []interval.Interval

	Log zerolog.Logger
}

// Register schedules every enabled job on r.
func (j *Jobs) Register(r *Runner, cfg config.CronConfig) error {
	entries := []struct {
		name, spec string
		job        func(context.Context) error
	}{
		{"cashback_sync", cfg.CashbackSync, j.SyncCashback},
		{"auto_deposit", cfg.AutoDeposit, j.AutoDeposit},
		{"deposit_refresh", cfg.DepositRefresh, j.RefreshDeposits},
		{"order_refresh", cfg.OrderRefresh, j.RefreshOrders},
		{"price_refresh", cfg.PriceRefresh, j.RefreshPrices},
		{"price_prune", cfg.PricePrune, j.PrunePrices},
		{"valuation", cfg.Valuation, j.RecomputeValuation},
	}
	for _, e := range entries {
		if _, err := r.Add(e.name, e.spec, e.job); err != nil {
			return err
		}
	}
	return nil
}

// SyncCashback drains the aggregator stream of every user with a token.
func (j *Jobs) SyncCashback(ctx context.Context) error {
	if j.Cashback == nil {
		return nil
	}
	return j.eachUser(ctx, func(us *model.UserSettings) error {
		if us.AggregatorToken == "" {
			return nil
		}
		_, err := j.Cashback.Sync(ctx, us.UserID)
		return err
	})
}

// AutoDeposit sweeps all undeposited cashback of auto-invest users into one
// deposit per user. Suspected duplicates are never overridden here; they
// wait for a person.
func (j *Jobs) AutoDeposit(ctx context.Context) error {
	if j.Deposits == nil {
		return nil
	}
	return j.eachUser(ctx, func(us *model.UserSettings) error {
		if !us.AutoInvest || us.BrokerageToken == "" {
			return nil
		}
		rows, err := j.Store.ListUndepositedCashback(ctx, us.UserID)
		if err != nil || len(rows) == 0 {
			return err
		}
		ids := make([]string, len(rows))
		for i, c := range rows {
			ids[i] = c.ID
		}
		_, err = j.Deposits.Initiate(ctx, us.UserID, ids, deposit.Options{})
		return skipReview(err)
	})
}

// RefreshDeposits reconciles every open deposit.
func (j *Jobs) RefreshDeposits(ctx context.Context) error {
	if j.Deposits == nil {
		return nil
	}
	n, err := j.Deposits.RefreshOpen(ctx)
	j.Log.Info().Int("refreshed", n).Msg("open deposits refreshed")
	return err
}

// RefreshOrders reconciles open orders, then invests the available
// deposits of auto-invest users. A failed refresh or order is logged and
// the sweep goes on; the first failure is returned at the end.
func (j *Jobs) RefreshOrders(ctx context.Context) error {
	if j.Invest == nil {
		return nil
	}
	return j.eachUser(ctx, func(us *model.UserSettings) error {
		_, first := j.Invest.RefreshOpen(ctx, us.UserID)
		if !us.AutoInvest {
			return first
		}
		deps, err := j.Store.ListDeposits(ctx, us.UserID)
		if err != nil {
			return errors.Join(first, err)
		}
		for i := range deps {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !Investable(&deps[i]) {
				continue
			}
			_, err := j.Invest.Invest(ctx, us.UserID, deps[i].ID, invest.Options{})
			if err = skipReview(err); err != nil {
				j.Log.Error().Err(err).Str("user_id", us.UserID).Str("deposit_id", deps[i].ID).Msg("auto invest failed")
				if first == nil {
					first = err
				}
			}
		}
		return first
	})
}

// Investable reports whether the job may try to invest dep without an
// override.
func Investable(dep *model.Deposit) bool {
	if dep.Flagged || dep.InvestmentID != nil {
		return false
	}
	if dep.State == model.DepositCancelled || dep.State == model.DepositFailed {
		return false
	}
	return dep.Amount.IsPositive() && !dep.AvailableNow().LessThan(dep.Amount)
}

// RefreshPrices refreshes every priced symbol at every configured interval.
func (j *Jobs) RefreshPrices(ctx context.Context) error {
	return j.eachSeries(ctx, func(sym string, iv interval.Interval) error {
		_, err := j.Prices.Refresh(ctx, sym, iv)
		return err
	})
}

// PrunePrices applies retention to every priced series.
func (j *Jobs) PrunePrices(ctx context.Context) error {
	return j.eachSeries(ctx, func(sym string, iv interval.Interval) error {
		_, err := j.Prices.Prune(ctx, sym, iv)
		return err
	})
}

// RecomputeValuation appends the latest snapshots for every user.
func (j *Jobs) RecomputeValuation(ctx context.Context) error {
	if j.Valuation == nil {
		return nil
	}
	n, err := j.Valuation.RecomputeAll(ctx)
	j.Log.Info().Int("snapshots", n).Msg("valuation recomputed")
	return err
}

// PricedSymbols is the configured list plus every user's target symbol,
// uppercased and sorted.
func (j *Jobs) PricedSymbols(ctx context.Context) ([]string, error) {
	set := map[string]bool{}
	for _, s := range j.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			set[s] = true
		}
	}
	err := j.eachUser(ctx, func(us *model.UserSettings) error {
		if s := strings.ToUpper(strings.TrimSpace(us.TargetSymbol)); s != "" {
			set[s] = true
		}
		return nil
	})
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, err
}

func (j *Jobs) eachSeries(ctx context.Context, fn func(string, interval.Interval) error) error {
	if j.Prices == nil {
		return nil
	}
	symbols, err := j.PricedSymbols(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, sym := range symbols {
		for _, iv := range j.Intervals {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := fn(sym, iv); err != nil {
				j.Log.Error().Err(err).Str("symbol", sym).Str("interval", iv.String()).Msg("price job failed")
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// eachUser runs fn for every user; one user's failure does not stop the
// others.
func (j *Jobs) eachUser(ctx context.Context, fn func(*model.UserSettings) error) error {
	ids, err := j.Store.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		us, err := j.Store.GetUserSettings(ctx, id)
		if err == nil {
			err = fn(us)
		}
		if err != nil {
			j.Log.Error().Err(err).Str("user_id", id).Msg("user job failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// skipReview drops the rejections that need a person rather than a retry.
func skipReview(err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindDuplicate, apperr.KindFlaggedDeposit, apperr.KindLimitExceeded,
		apperr.KindInsufficientFunds, apperr.KindAccountMismatch:
		return nil
	}
	return err
}
