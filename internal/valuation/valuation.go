// Package valuation computes the append-only history of a user's total
// position value, one snapshot per interval boundary.
package valuation

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/apperr"
	"github.com/atmx/roundup-engine/internal/events"
	"github.com/atmx/roundup-engine/internal/interval"
	"github.com/atmx/roundup-engine/internal/metrics"
	"github.com/atmx/roundup-engine/internal/model"
	"github.com/atmx/roundup-engine/internal/position"
	"github.com/atmx/roundup-engine/internal/pricing"
	"github.com/atmx/roundup-engine/internal/store"
)

// ErrNoPrices is returned when a held symbol has no price samples at all.
var ErrNoPrices = errors.New("valuation: no prices for held symbol")

// Config tunes the engine.
type Config struct {
	// Interval is the snapshot spacing; zero means one day.
	Interval interval.Interval

	// MaxLookback bounds the first recompute; zero means five years.
	MaxLookback interval.Span
}

// Engine recomputes value snapshots.
type Engine struct {
	store  store.Store
	cfg    Config
	events events.Publisher
	log    zerolog.Logger
	now    func() time.Time
}

// NewEngine creates a valuation engine.
func NewEngine(st store.Store, cfg Config, log zerolog.Logger) *Engine {
	if cfg.Interval.N == 0 {
		cfg.Interval = interval.OneDay
	}
	if cfg.MaxLookback == (interval.Span{}) {
		cfg.MaxLookback = interval.Span{Years: 5}
	}
	return &Engine{
		store: st,
		cfg:   cfg,
		log:   log.With().Str("component", "valuation").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher attaches an event publisher. Nil disables events.
func (e *Engine) SetPublisher(p events.Publisher) { e.events = p }

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Interval returns the snapshot spacing.
func (e *Engine) Interval() interval.Interval { return e.cfg.Interval }

// Recompute appends a snapshot for every boundary after the user's last
// stored one, up to now. It returns the snapshots computed in this run;
// rows that already existed are left untouched.
func (e *Engine) Recompute(ctx context.Context, userID string) ([]model.ValueSnapshot, error) {
	const op = "recompute_valuation"
	now := e.now()

	invs, err := e.store.ListInvestments(ctx, userID)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}
	if len(invs) == 0 {
		return nil, nil
	}
	sort.SliceStable(invs, func(i, j int) bool { return position.Less(&invs[i], &invs[j]) })

	start, err := e.start(ctx, userID, invs, now)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}
	grid := interval.Boundaries(start, now, e.cfg.Interval)
	if len(grid) == 0 {
		return nil, nil
	}

	holdings := make([]position.Snapshot, len(grid))
	held := map[string]bool{}
	for i, t := range grid {
		holdings[i] = position.AsOf(invs, t)
		for sym, q := range holdings[i] {
			if !q.IsZero() {
				held[sym] = true
			}
		}
	}

	prices := make(map[string][]pricing.Filled, len(held))
	for sym := range held {
		samples, err := e.store.ListPrices(ctx, sym, e.cfg.Interval.String(), time.Time{}, time.Time{})
		if err != nil {
			return nil, apperr.New(apperr.KindTransient, op, err)
		}
		if len(samples) == 0 {
			return nil, apperr.WithDetail(apperr.KindNotFound, op, ErrNoPrices, map[string]any{"symbol": sym})
		}
		prices[sym] = pricing.Fill(grid, samples)
	}

	snaps := make([]model.ValueSnapshot, len(grid))
	for i, t := range grid {
		total := decimal.Zero
		for sym, q := range holdings[i] {
			if q.IsZero() {
				continue
			}
			total = total.Add(q.Mul(prices[sym][i].Close))
		}
		snaps[i] = model.ValueSnapshot{UserID: userID, Timestamp: t, Value: total.Round(2)}
	}

	n, err := e.store.InsertValueSnapshots(ctx, snaps)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}
	metrics.ValueSnapshotsWritten.Add(float64(n))

	last := snaps[len(snaps)-1]
	e.log.Info().
		Str("user_id", userID).
		Time("from", grid[0]).
		Time("to", last.Timestamp).
		Int("written", n).
		Str("value", last.Value.String()).
		Msg("valuation recomputed")
	if n > 0 {
		events.Publish(e.events, events.Event{
			Type: events.ValuationUpdated, UserID: userID,
			Amount: last.Value.String(), Count: n,
		})
	}
	return snaps, nil
}

// RecomputeAll runs Recompute for every user. Failures are logged and the
// first one is returned after all users were attempted.
func (e *Engine) RecomputeAll(ctx context.Context) (int, error) {
	ids, err := e.store.ListUserIDs(ctx)
	if err != nil {
		return 0, err
	}
	var first error
	written := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		snaps, err := e.Recompute(ctx, id)
		if err != nil {
			e.log.Error().Err(err).Str("user_id", id).Msg("valuation recompute failed")
			if first == nil {
				first = err
			}
			continue
		}
		written += len(snaps)
	}
	return written, first
}

// History returns stored snapshots in [from, to]. A zero to means now.
func (e *Engine) History(ctx context.Context, userID string, from, to time.Time) ([]model.ValueSnapshot, error) {
	snaps, err := e.store.ListValueSnapshots(ctx, userID, from, to)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, "valuation_history", err)
	}
	return snaps, nil
}

// start is the boundary after the last stored snapshot, or for a first run
// the later of the earliest order and the lookback floor.
func (e *Engine) start(ctx context.Context, userID string, invs []model.Investment, now time.Time) (time.Time, error) {
	last, err := e.store.LatestValueSnapshot(ctx, userID)
	switch {
	case err == nil:
		return interval.Step(interval.RoundDown(last.Timestamp, e.cfg.Interval), e.cfg.Interval), nil
	case !errors.Is(err, store.ErrNotFound):
		return time.Time{}, err
	}

	from := invs[0].OrderedAt
	if floor := e.cfg.MaxLookback.Before(now); from.Before(floor) {
		from = floor
	}
	return interval.RoundDown(from, e.cfg.Interval), nil
}
