// Package invest runs the investment state machine: turning a deposit into
// one notional buy of the user's target symbol.
//
// Like deposits, orders are never retried blindly. A failed placement is
// followed by a search for an order that may have been accepted anyway.
package invest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/apperr"
	"github.com/atmx/roundup-engine/internal/brokerage"
	"github.com/atmx/roundup-engine/internal/events"
	"github.com/atmx/roundup-engine/internal/metrics"
	"github.com/atmx/roundup-engine/internal/model"
	"github.com/atmx/roundup-engine/internal/position"
	"github.com/atmx/roundup-engine/internal/store"
	"github.com/atmx/roundup-engine/internal/userlock"
)

var (
	ErrFlaggedDeposit    = errors.New("invest: deposit is flagged for review")
	ErrDepositClosed     = errors.New("invest: deposit was cancelled or failed")
	ErrAlreadyInvested   = errors.New("invest: deposit already funds an investment")
	ErrNotAvailable      = errors.New("invest: deposit funds are not yet available")
	ErrInsufficientFunds = errors.New("invest: brokerage cash is below the deposit amount")
	ErrNoTargetSymbol    = errors.New("invest: no target symbol configured")
	ErrPotentialRepeat   = errors.New("invest: potential repeat of a recent order")
	ErrNotRecorded       = errors.New("invest: order placed remotely but not recorded locally")
)

// Defaults.
const (
	DefaultDuplicateWindow = 120 * time.Hour
	DefaultRecoveryWindow  = 15 * time.Minute
)

// Terminal remote order states.
var terminalOrderStates = map[string]bool{
	"filled": true, "cancelled": true, "rejected": true, "failed": true,
}

// Config tunes the service.
type Config struct {
	DuplicateWindow time.Duration
	RecoveryWindow  time.Duration

	// DefaultSymbol applies when the user has no target symbol.
	DefaultSymbol string

	// DefaultScalingFactor applies when the user has none; zero means 1.
	DefaultScalingFactor decimal.Decimal
}

// Options are the caller overrides for Invest.
type Options struct {
	OverrideDuplicates   bool `json:"override_duplicates"`
	OverrideAvailability bool `json:"override_availability"`
}

// Duplicates is the detail of a DuplicateSuspected error.
type Duplicates struct {
	Local  []model.Investment `json:"local"`
	Remote []brokerage.Order  `json:"remote"`
}

// Recovery is the detail returned with a failed order placement.
type Recovery struct {
	Error       string            `json:"error"`
	Candidates  []brokerage.Order `json:"candidates"`
	SearchError string            `json:"search_error,omitempty"`
}

// FundsDetail is the detail of an availability or cash rejection.
type FundsDetail struct {
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
}

// Service places investments for every user.
type Service struct {
	store     store.Store
	brokerage brokerage.Client
	locker    userlock.Locker
	cfg       Config
	events    events.Publisher
	log       zerolog.Logger
	now       func() time.Time
}

// NewService creates an investment service.
func NewService(st store.Store, bk brokerage.Client, locker userlock.Locker, cfg Config, log zerolog.Logger) *Service {
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = DefaultDuplicateWindow
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = DefaultRecoveryWindow
	}
	if !cfg.DefaultScalingFactor.IsPositive() {
		cfg.DefaultScalingFactor = decimal.NewFromInt(1)
	}
	return &Service{
		store:     st,
		brokerage: bk,
		locker:    locker,
		cfg:       cfg,
		log:       log.With().Str("component", "invest").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher attaches an event publisher. Nil disables events.
func (s *Service) SetPublisher(p events.Publisher) { s.events = p }

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Notional is the dollar amount ordered for a deposit: amount times the
// scaling factor, rounded to cents.
func Notional(amount, factor decimal.Decimal) decimal.Decimal {
	return amount.Mul(factor).Round(2)
}

// Invest places a notional buy funded by the given deposit.
func (s *Service) Invest(ctx context.Context, userID, depositID string, opts Options) (*model.Investment, error) {
	inv, err := s.invest(ctx, userID, depositID, opts)
	if err != nil {
		metrics.InvestmentsTotal.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	metrics.InvestmentsTotal.WithLabelValues("placed").Inc()
	s.log.Info().
		Str("user_id", userID).
		Str("investment_id", inv.ID).
		Str("deposit_id", depositID).
		Str("remote_order_id", inv.RemoteOrderID).
		Str("symbol", inv.Symbol).
		Str("notional", inv.Notional.String()).
		Msg("investment placed")
	events.Publish(s.events, events.Event{
		Type: events.InvestmentPlaced, UserID: userID, EntityID: inv.ID,
		State: inv.State, Amount: inv.Notional.String(),
	})
	return inv, nil
}

func (s *Service) invest(ctx context.Context, userID, depositID string, opts Options) (*model.Investment, error) {
	const op = "invest"
	if depositID == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, errors.New("invest: deposit id is required"))
	}

	release, err := s.locker.Lock(ctx, userID)
	if err != nil {
		if errors.Is(err, userlock.ErrLocked) {
			return nil, apperr.New(apperr.KindConflict, op, err)
		}
		return nil, apperr.New(apperr.KindTransient, op, err)
	}
	defer release()

	settings, err := s.settings(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	dep, err := s.store.GetDeposit(ctx, userID, depositID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, op, err)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}

	// 1. Deposit preconditions. A flagged deposit is never invested.
	switch {
	case dep.Flagged:
		s.log.Warn().Str("user_id", userID).Str("deposit_id", dep.ID).Msg("flagged deposit not invested")
		return nil, apperr.New(apperr.KindFlaggedDeposit, op, ErrFlaggedDeposit)
	case dep.State == model.DepositCancelled || dep.State == model.DepositFailed:
		return nil, apperr.New(apperr.KindInvalidInput, op, ErrDepositClosed)
	case dep.InvestmentID != nil:
		return nil, apperr.WithDetail(apperr.KindConflict, op, ErrAlreadyInvested, map[string]string{"investment_id": *dep.InvestmentID})
	}
	if avail := dep.AvailableNow(); !opts.OverrideAvailability && avail.LessThan(dep.Amount) {
		return nil, apperr.WithDetail(apperr.KindInsufficientFunds, op, ErrNotAvailable, FundsDetail{Required: dep.Amount, Available: avail})
	}

	symbol := strings.ToUpper(strings.TrimSpace(settings.TargetSymbol))
	if symbol == "" {
		symbol = s.cfg.DefaultSymbol
	}
	if symbol == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, ErrNoTargetSymbol)
	}
	factor := settings.ScalingFactor
	if !factor.IsPositive() {
		factor = s.cfg.DefaultScalingFactor
	}
	notional := Notional(dep.Amount, factor)
	now := s.now()

	// 2. Duplicate search over orders.
	if !opts.OverrideDuplicates {
		dups, err := s.findDuplicates(ctx, settings.BrokerageToken, userID, symbol, notional, now.Add(-s.cfg.DuplicateWindow))
		if err != nil {
			return nil, err
		}
		if len(dups.Local) > 0 || len(dups.Remote) > 0 {
			metrics.DuplicateSuspected.WithLabelValues(op).Inc()
			s.log.Warn().
				Str("user_id", userID).
				Str("symbol", symbol).
				Str("notional", notional.String()).
				Int("local", len(dups.Local)).
				Int("remote", len(dups.Remote)).
				Msg("order blocked as potential repeat")
			return nil, apperr.WithDetail(apperr.KindDuplicate, op, ErrPotentialRepeat, dups)
		}
	}

	// 3. Brokerage cash.
	var profile *brokerage.AccountProfile
	err = brokerage.RetryRead(ctx, func() error {
		start := time.Now()
		var err error
		profile, err = s.brokerage.AccountProfile(ctx, settings.BrokerageToken)
		metrics.ObserveRemote("brokerage", "account_profile", start)
		return err
	})
	if err != nil {
		return nil, remoteError(op, err)
	}
	if profile.PortfolioCash.LessThan(dep.Amount) {
		s.log.Warn().Str("user_id", userID).Str("cash", profile.PortfolioCash.String()).
			Str("amount", dep.Amount.String()).Msg("brokerage cash below deposit amount")
		return nil, apperr.WithDetail(apperr.KindInsufficientFunds, op, ErrInsufficientFunds, FundsDetail{Required: dep.Amount, Available: profile.PortfolioCash})
	}

	// 4. The single side-effecting call.
	start := time.Now()
	o, err := s.brokerage.PlaceNotionalOrder(ctx, settings.BrokerageToken, symbol, notional, string(model.SideBuy))
	metrics.ObserveRemote("brokerage", "place_notional_order", start)
	if err != nil {
		return nil, s.reconcile(ctx, settings.BrokerageToken, symbol, notional, now, err)
	}

	// 5. Persist, link and rebuild snapshots in one write.
	inv := fromOrder(userID, o, symbol, notional, now)
	depID := dep.ID
	inv.DepositID = &depID
	if err := s.store.CreateInvestment(ctx, inv); err != nil {
		s.log.Error().Err(err).
			Str("user_id", userID).
			Str("remote_order_id", o.ID).
			Str("deposit_id", dep.ID).
			Msg("order placed remotely but not recorded")
		return nil, apperr.WithDetail(apperr.KindTransient, op, fmt.Errorf("%w: %v", ErrNotRecorded, err), map[string]string{
			"remote_order_id": o.ID,
			"deposit_id":      dep.ID,
		})
	}
	return inv, nil
}

// RefreshOrder re-fetches an order and records its filled quantity and
// state. Cumulative snapshots are rebuilt by the store.
func (s *Service) RefreshOrder(ctx context.Context, userID, investmentID string) (*model.Investment, error) {
	const op = "refresh_order"

	settings, err := s.settings(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	inv, err := s.store.GetInvestment(ctx, userID, investmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, op, err)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}

	var o *brokerage.Order
	err = brokerage.RetryRead(ctx, func() error {
		start := time.Now()
		var err error
		o, err = s.brokerage.Order(ctx, settings.BrokerageToken, inv.RemoteOrderID)
		metrics.ObserveRemote("brokerage", "get_order", start)
		return err
	})
	if err != nil {
		return nil, remoteError(op, err)
	}

	qty := position.SignedQuantity(inv.Side, o.Quantity)
	if qty.Equal(inv.Quantity) && o.State == inv.State {
		return inv, nil
	}
	if err := s.store.UpdateInvestmentFill(ctx, userID, inv.ID, qty, o.State); err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}
	updated, err := s.store.GetInvestment(ctx, userID, inv.ID)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}

	s.log.Info().
		Str("user_id", userID).
		Str("investment_id", inv.ID).
		Str("state", o.State).
		Str("quantity", qty.String()).
		Msg("order refreshed")
	events.Publish(s.events, events.Event{
		Type: events.InvestmentFilled, UserID: userID, EntityID: inv.ID, State: o.State,
	})
	return updated, nil
}

// RefreshOpen refreshes every order of a user that has not reached a
// terminal state. It returns how many were refreshed; a failed order does
// not stop the rest and the first failure is returned.
func (s *Service) RefreshOpen(ctx context.Context, userID string) (int, error) {
	invs, err := s.store.ListInvestments(ctx, userID)
	if err != nil {
		return 0, apperr.New(apperr.KindTransient, "refresh_open_orders", err)
	}
	var first error
	n := 0
	for _, inv := range invs {
		if terminalOrderStates[strings.ToLower(inv.State)] {
			continue
		}
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := s.RefreshOrder(ctx, userID, inv.ID); err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Str("investment_id", inv.ID).Msg("order refresh failed")
			if first == nil {
				first = err
			}
			continue
		}
		n++
	}
	return n, first
}

func (s *Service) settings(ctx context.Context, op, userID string) (*model.UserSettings, error) {
	if userID == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, errors.New("invest: user id is required"))
	}
	us, err := s.store.GetUserSettings(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, op, err)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}
	if us.BrokerageToken == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, brokerage.ErrMissingSession)
	}
	return us, nil
}

func (s *Service) findDuplicates(ctx context.Context, session, userID, symbol string, notional decimal.Decimal, since time.Time) (*Duplicates, error) {
	const op = "invest"
	dups := &Duplicates{Local: []model.Investment{}, Remote: []brokerage.Order{}}

	local, err := s.store.ListInvestmentsSince(ctx, userID, since)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}
	for _, inv := range local {
		if strings.EqualFold(inv.Symbol, symbol) && inv.Notional.Equal(notional) && live(inv.State) {
			dups.Local = append(dups.Local, inv)
		}
	}

	remote, err := s.orders(ctx, session)
	if err != nil {
		return nil, remoteError(op, err)
	}
	for _, o := range remote {
		if o.CreatedAt.Before(since) || !strings.EqualFold(o.Symbol, symbol) || !o.Notional.Equal(notional) {
			continue
		}
		if !strings.EqualFold(o.Side, string(model.SideBuy)) || !live(o.State) {
			continue
		}
		dups.Remote = append(dups.Remote, o)
	}
	return dups, nil
}

// reconcile runs the reconciling search after a failed placement.
func (s *Service) reconcile(ctx context.Context, session, symbol string, notional decimal.Decimal, started time.Time, cause error) error {
	const op = "invest"
	rec := Recovery{Error: cause.Error(), Candidates: []brokerage.Order{}}

	since := started.Add(-s.cfg.RecoveryWindow)
	orders, err := s.orders(ctx, session)
	if err != nil {
		rec.SearchError = err.Error()
	}
	for _, o := range orders {
		if o.CreatedAt.Before(since) || !strings.EqualFold(o.Symbol, symbol) || !o.Notional.Equal(notional) {
			continue
		}
		rec.Candidates = append(rec.Candidates, o)
	}
	metrics.ReconcileSearches.WithLabelValues(op, metrics.Found(len(rec.Candidates) > 0)).Inc()

	s.log.Error().Err(cause).
		Str("symbol", symbol).
		Str("notional", notional.String()).
		Int("candidates", len(rec.Candidates)).
		Msg("order placement failed; not retried")

	kind := apperr.KindRemoteAPI
	var ve *brokerage.ValidationError
	if errors.As(cause, &ve) {
		kind = apperr.KindValidation
	}
	e := apperr.WithDetail(kind, op, cause, rec)
	var c apperr.Coded
	if errors.As(cause, &c) {
		e.Code = c.ErrorCode()
	}
	return e
}

func (s *Service) orders(ctx context.Context, session string) ([]brokerage.Order, error) {
	var out []brokerage.Order
	err := brokerage.RetryRead(ctx, func() error {
		start := time.Now()
		var err error
		out, err = s.brokerage.Orders(ctx, session)
		metrics.ObserveRemote("brokerage", "orders", start)
		return err
	})
	return out, err
}

func fromOrder(userID string, o *brokerage.Order, symbol string, notional decimal.Decimal, now time.Time) *model.Investment {
	side := model.SideBuy
	if strings.EqualFold(o.Side, string(model.SideSell)) {
		side = model.SideSell
	}
	if o.Symbol != "" {
		symbol = strings.ToUpper(o.Symbol)
	}
	ordered := o.CreatedAt
	if ordered.IsZero() {
		ordered = now
	}
	return &model.Investment{
		ID:            uuid.New().String(),
		UserID:        userID,
		RemoteOrderID: o.ID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      position.SignedQuantity(side, o.Quantity),
		Notional:      notional,
		State:         o.State,
		OrderedAt:     ordered.UTC(),
		CreatedAt:     now,
	}
}

func live(state string) bool {
	s := strings.ToLower(state)
	return s != "cancelled" && s != "rejected" && s != "failed"
}

func remoteError(op string, err error) error {
	var ve *brokerage.ValidationError
	if errors.As(err, &ve) {
		return apperr.New(apperr.KindValidation, op, err)
	}
	return apperr.Remote(op, err)
}

func outcome(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindDuplicate:
		return "duplicate"
	case apperr.KindFlaggedDeposit:
		return "flagged"
	case apperr.KindRemoteAPI, apperr.KindValidation:
		return "remote_error"
	case apperr.KindTransient:
		return "local_error"
	}
	return "rejected"
}
