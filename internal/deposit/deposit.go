// Package deposit runs the deposit state machine: sweeping a batch of
// cashback credits into one bank-to-brokerage transfer and reconciling the
// transfer's state afterwards.
//
// A transfer is never retried. When the initiation call fails, the service
// searches the brokerage for a transfer that may have gone through anyway and
// returns that search with the error. Local linkage is the last step and is
// written in one transaction.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/aggregator"
	"github.com/atmx/roundup-engine/internal/apperr"
	"github.com/atmx/roundup-engine/internal/brokerage"
	"github.com/atmx/roundup-engine/internal/events"
	"github.com/atmx/roundup-engine/internal/limits"
	"github.com/atmx/roundup-engine/internal/matching"
	"github.com/atmx/roundup-engine/internal/metrics"
	"github.com/atmx/roundup-engine/internal/model"
	"github.com/atmx/roundup-engine/internal/store"
	"github.com/atmx/roundup-engine/internal/userlock"
)

var (
	ErrNoCashback        = errors.New("deposit: no cashback transactions")
	ErrCashbackNotFound  = errors.New("deposit: cashback transaction not found")
	ErrAlreadyDeposited  = errors.New("deposit: cashback transaction already deposited")
	ErrPendingCashback   = errors.New("deposit: cashback transaction still pending")
	ErrNonPositiveAmount = errors.New("deposit: amount must be positive")
	ErrPotentialRepeat   = errors.New("deposit: potential repeat of a recent deposit")
	ErrNotRecorded       = errors.New("deposit: transfer created remotely but not recorded locally")
	ErrAmountMismatch    = errors.New("deposit: cashback total does not match the transfer amount")
)

// Defaults.
const (
	DefaultDuplicateWindow = 120 * time.Hour
	DefaultRecoveryWindow  = 15 * time.Minute
)

// Config tunes the service.
type Config struct {
	// DuplicateWindow is the trailing span searched for a repeat deposit.
	DuplicateWindow time.Duration

	// RecoveryWindow is how far before the failed call the reconciling
	// search looks.
	RecoveryWindow time.Duration
}

// Options are the caller overrides for Initiate.
type Options struct {
	OverrideDuplicates bool `json:"override_duplicates"`
	OverrideLimit      bool `json:"override_limit"`
}

// RefreshOptions are the caller inputs for Refresh.
type RefreshOptions struct {
	// CashbackIDs are linked when the deposit has to be created locally.
	CashbackIDs []string `json:"cashback_ids"`
}

// Duplicates is the detail of a DuplicateSuspected error.
type Duplicates struct {
	Local  []model.Deposit      `json:"local"`
	Remote []brokerage.Transfer `json:"remote"`
}

// Recovery is the detail returned with a failed transfer initiation.
type Recovery struct {
	Error       string               `json:"error"`
	Candidates  []brokerage.Transfer `json:"candidates"`
	SearchError string               `json:"search_error,omitempty"`
}

// LimitDetail is the detail of a LimitExceeded error.
type LimitDetail struct {
	Limit    decimal.Decimal `json:"limit"`
	Deposits decimal.Decimal `json:"deposits"`
	Amount   decimal.Decimal `json:"amount"`
}

// Service drives deposits for every user.
type Service struct {
	store      store.Store
	aggregator aggregator.Client
	brokerage  brokerage.Client
	locker     userlock.Locker
	limiter    *limits.DepositLimiter
	cfg        Config
	events     events.Publisher
	log        zerolog.Logger
	now        func() time.Time
}

// NewService creates a deposit service.
func NewService(
	st store.Store,
	agg aggregator.Client,
	bk brokerage.Client,
	locker userlock.Locker,
	limiter *limits.DepositLimiter,
	cfg Config,
	log zerolog.Logger,
) *Service {
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = DefaultDuplicateWindow
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = DefaultRecoveryWindow
	}
	return &Service{
		store:      st,
		aggregator: agg,
		brokerage:  bk,
		locker:     locker,
		limiter:    limiter,
		cfg:        cfg,
		log:        log.With().Str("component", "deposit").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher attaches an event publisher. Nil disables events.
func (s *Service) SetPublisher(p events.Publisher) { s.events = p }

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Initiate sweeps the given cashback rows into one brokerage transfer.
func (s *Service) Initiate(ctx context.Context, userID string, cashbackIDs []string, opts Options) (*model.Deposit, error) {
	const op = "initiate_deposit"

	dep, err := s.initiate(ctx, userID, cashbackIDs, opts)
	if err != nil {
		metrics.DepositsTotal.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	metrics.DepositsTotal.WithLabelValues("created").Inc()
	s.log.Info().
		Str("op", op).
		Str("user_id", userID).
		Str("deposit_id", dep.ID).
		Str("remote_id", dep.RemoteID).
		Str("amount", dep.Amount.String()).
		Str("funding_account", dep.FundingAccountID).
		Msg("deposit initiated")
	events.Publish(s.events, events.Event{
		Type: events.DepositInitiated, UserID: userID, EntityID: dep.ID,
		State: string(dep.State), Amount: dep.Amount.String(),
	})
	return dep, nil
}

func (s *Service) initiate(ctx context.Context, userID string, cashbackIDs []string, opts Options) (*model.Deposit, error) {
	const op = "initiate_deposit"

	ids := unique(cashbackIDs)
	if len(ids) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, op, ErrNoCashback)
	}

	release, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return nil, lockError(op, err)
	}
	defer release()

	settings, err := s.settings(ctx, op, userID)
	if err != nil {
		return nil, err
	}

	// 1. Amount and sources.
	rows, err := s.store.GetCashbackByIDs(ctx, userID, ids)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}
	amount, sources, linked, err := batchTotal(ids, rows)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidInput, op, err)
	}
	if len(linked) > 0 && opts.OverrideDuplicates {
		return nil, apperr.WithDetail(apperr.KindConflict, op, ErrAlreadyDeposited, map[string]any{"deposit_ids": linked})
	}
	now := s.now()

	// 2. Duplicate search, local ledger and brokerage. Rows already swept
	// into a deposit make that deposit a candidate too.
	if !opts.OverrideDuplicates {
		dups, err := s.findDuplicates(ctx, settings.BrokerageToken, userID, amount, now.Add(-s.cfg.DuplicateWindow), linked)
		if err != nil {
			return nil, err
		}
		if len(dups.Local) > 0 || len(dups.Remote) > 0 {
			metrics.DuplicateSuspected.WithLabelValues(op).Inc()
			s.log.Warn().
				Str("user_id", userID).
				Str("amount", amount.String()).
				Int("local", len(dups.Local)).
				Int("remote", len(dups.Remote)).
				Msg("deposit blocked as potential repeat")
			return nil, apperr.WithDetail(apperr.KindDuplicate, op, ErrPotentialRepeat, dups)
		}
	}

	// 3. Funding pair.
	cand, err := s.selectAccount(ctx, settings, userID, amount, sources)
	if err != nil {
		return nil, err
	}

	// 4. Rolling monthly cap.
	if !opts.OverrideLimit && s.limiter != nil {
		recent, err := s.store.ListDepositsSince(ctx, userID, s.limiter.Since(now))
		if err != nil {
			return nil, apperr.New(apperr.KindTransient, op, err)
		}
		limit := s.limiter.LimitFor(settings)
		total, err := s.limiter.CheckLimit(limit, amount, recent)
		if err != nil {
			s.log.Warn().Str("user_id", userID).Str("amount", amount.String()).
				Str("total", total.String()).Str("limit", limit.String()).
				Msg("deposit over monthly limit")
			return nil, apperr.WithDetail(apperr.KindLimitExceeded, op, err, LimitDetail{Limit: limit, Deposits: total, Amount: amount})
		}
	}

	// 5. The single side-effecting call.
	start := time.Now()
	t, err := s.brokerage.InitiateTransfer(ctx, settings.BrokerageToken, cand.Brokerage.URL, amount)
	metrics.ObserveRemote("brokerage", "initiate_transfer", start)
	if err != nil {
		return nil, s.reconcile(ctx, settings.BrokerageToken, amount, cand.Brokerage.URL, now, err)
	}

	// 6. Persist and link in one write.
	dep := fromTransfer(userID, t, amount, now)
	dep.FundingAccountID = cand.Brokerage.ID
	dep.AggregatorAccountID = cand.Aggregator.AccountID
	dep.AccountMask = cand.Aggregator.Mask
	if err := s.store.CreateDeposit(ctx, dep, ids); err != nil {
		s.log.Error().Err(err).
			Str("user_id", userID).
			Str("remote_id", t.ID).
			Str("amount", amount.String()).
			Msg("transfer created remotely but not recorded; refresh it with the cashback ids")
		return nil, apperr.WithDetail(apperr.KindTransient, op, fmt.Errorf("%w: %v", ErrNotRecorded, err), map[string]any{
			"remote_id":    t.ID,
			"cashback_ids": ids,
		})
	}
	return dep, nil
}

// Refresh re-fetches a transfer by remote id and reconciles the local row,
// creating it when the initiating call never recorded it.
func (s *Service) Refresh(ctx context.Context, userID, remoteID string, opts RefreshOptions) (*model.Deposit, error) {
	const op = "refresh_deposit"
	if remoteID == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, errors.New("deposit: transfer id is required"))
	}

	settings, err := s.settings(ctx, op, userID)
	if err != nil {
		return nil, err
	}

	var t *brokerage.Transfer
	err = brokerage.RetryRead(ctx, func() error {
		start := time.Now()
		var err error
		t, err = s.brokerage.BankTransfer(ctx, settings.BrokerageToken, remoteID)
		metrics.ObserveRemote("brokerage", "get_transfer", start)
		return err
	})
	if err != nil {
		return nil, remoteError(op, err)
	}

	existing, err := s.store.GetDepositByRemoteID(ctx, userID, remoteID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.adopt(ctx, settings, t, opts)
	case err != nil:
		return nil, apperr.New(apperr.KindTransient, op, err)
	}

	before := existing.State
	applyTransfer(existing, t, s.now())
	if err := s.store.UpdateDepositStatus(ctx, existing); err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}
	if existing.State != before {
		s.log.Info().
			Str("user_id", userID).
			Str("deposit_id", existing.ID).
			Str("from", string(before)).
			Str("to", string(existing.State)).
			Msg("deposit state changed")
		events.Publish(s.events, events.Event{
			Type: events.DepositRefreshed, UserID: userID, EntityID: existing.ID,
			State: string(existing.State), Amount: existing.Amount.String(),
		})
	}
	return existing, nil
}

// adopt records a remote transfer that has no local row yet.
func (s *Service) adopt(ctx context.Context, settings *model.UserSettings, t *brokerage.Transfer, opts RefreshOptions) (*model.Deposit, error) {
	const op = "refresh_deposit"
	userID := settings.UserID
	ids := unique(opts.CashbackIDs)

	if len(ids) > 0 {
		rows, err := s.store.GetCashbackByIDs(ctx, userID, ids)
		if err != nil {
			return nil, apperr.New(apperr.KindTransient, op, err)
		}
		total, _, linked, err := batchTotal(ids, rows)
		if err != nil {
			return nil, apperr.New(apperr.KindInvalidInput, op, err)
		}
		if len(linked) > 0 {
			return nil, apperr.WithDetail(apperr.KindConflict, op, ErrAlreadyDeposited, map[string]any{"deposit_ids": linked})
		}
		if !total.Equal(t.Amount) {
			return nil, apperr.WithDetail(apperr.KindInvalidInput, op, ErrAmountMismatch, map[string]string{
				"cashback_total":  total.String(),
				"transfer_amount": t.Amount.String(),
			})
		}
	}

	dep := fromTransfer(userID, t, t.Amount, s.now())
	if rel, err := s.relationship(ctx, settings.BrokerageToken, t.ACHRelationship); err == nil && rel != nil {
		dep.FundingAccountID = rel.ID
		dep.AccountMask = lastFour(rel.Mask)
	} else if err != nil {
		s.log.Warn().Err(err).Str("remote_id", t.ID).Msg("funding relationship lookup failed")
	}

	if err := s.store.CreateDeposit(ctx, dep, ids); err != nil {
		switch {
		case errors.Is(err, store.ErrLinked):
			return nil, apperr.New(apperr.KindConflict, op, ErrAlreadyDeposited)
		case errors.Is(err, store.ErrNotFound):
			return nil, apperr.New(apperr.KindNotFound, op, ErrCashbackNotFound)
		case errors.Is(err, store.ErrConflict):
			return nil, apperr.New(apperr.KindConflict, op, err)
		}
		return nil, apperr.New(apperr.KindTransient, op, err)
	}

	s.log.Info().
		Str("user_id", userID).
		Str("deposit_id", dep.ID).
		Str("remote_id", t.ID).
		Int("cashback", len(ids)).
		Msg("remote transfer adopted into ledger")
	metrics.DepositsTotal.WithLabelValues("adopted").Inc()
	events.Publish(s.events, events.Event{
		Type: events.DepositRefreshed, UserID: userID, EntityID: dep.ID,
		State: string(dep.State), Amount: dep.Amount.String(),
	})
	return dep, nil
}

// RefreshOpen reconciles every non-terminal deposit. Failures are logged and
// counted; the first one is returned after the sweep finishes.
func (s *Service) RefreshOpen(ctx context.Context) (int, error) {
	open, err := s.store.ListOpenDeposits(ctx)
	if err != nil {
		return 0, apperr.New(apperr.KindTransient, "refresh_open_deposits", err)
	}

	var first error
	n := 0
	for _, dep := range open {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := s.Refresh(ctx, dep.UserID, dep.RemoteID, RefreshOptions{}); err != nil {
			s.log.Error().Err(err).Str("user_id", dep.UserID).Str("deposit_id", dep.ID).Msg("deposit refresh failed")
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
		return nil, apperr.New(apperr.KindInvalidInput, op, errors.New("deposit: user id is required"))
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

func (s *Service) findDuplicates(ctx context.Context, session, userID string, amount decimal.Decimal, since time.Time, linked []string) (*Duplicates, error) {
	const op = "initiate_deposit"
	dups := &Duplicates{Local: []model.Deposit{}, Remote: []brokerage.Transfer{}}

	local, err := s.store.ListDepositsSince(ctx, userID, since)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, op, err)
	}
	isLinked := make(map[string]bool, len(linked))
	for _, id := range linked {
		isLinked[id] = true
	}
	for _, dep := range local {
		if isLinked[dep.ID] {
			dups.Local = append(dups.Local, dep)
			delete(isLinked, dep.ID)
			continue
		}
		if dep.State == model.DepositCancelled || dep.State == model.DepositFailed {
			continue
		}
		if dep.Amount.Equal(amount) {
			dups.Local = append(dups.Local, dep)
		}
	}
	for _, id := range linked {
		if !isLinked[id] {
			continue
		}
		dep, err := s.store.GetDeposit(ctx, userID, id)
		if err != nil {
			return nil, apperr.New(apperr.KindTransient, op, err)
		}
		dups.Local = append(dups.Local, *dep)
	}

	remote, err := s.transfers(ctx, session)
	if err != nil {
		return nil, remoteError(op, err)
	}
	for _, t := range remote {
		if t.CreatedAt.Before(since) || !t.Amount.Equal(amount) || !moving(t) {
			continue
		}
		dups.Remote = append(dups.Remote, t)
	}
	return dups, nil
}

func (s *Service) selectAccount(ctx context.Context, settings *model.UserSettings, userID string, amount decimal.Decimal, sources map[string]bool) (*matching.Candidate, error) {
	const op = "initiate_deposit"
	if settings.AggregatorToken == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, aggregator.ErrMissingToken)
	}

	start := time.Now()
	aggAccounts, err := s.aggregator.Accounts(ctx, settings.AggregatorToken)
	metrics.ObserveRemote("aggregator", "get_accounts", start)
	if err != nil {
		return nil, apperr.Remote(op, err)
	}

	var links []brokerage.BankAccount
	err = brokerage.RetryRead(ctx, func() error {
		start := time.Now()
		var err error
		links, err = s.brokerage.LinkedBankAccounts(ctx, settings.BrokerageToken)
		metrics.ObserveRemote("brokerage", "linked_bank_accounts", start)
		return err
	})
	if err != nil {
		return nil, remoteError(op, err)
	}

	crit := matching.Criteria{
		Amount:           amount,
		StrictMask:       settings.StrictMaskMatch,
		SourceAccountIDs: sources,
	}
	prev, err := s.store.LatestDeposit(ctx, userID)
	switch {
	case err == nil:
		crit.Previous = &matching.Previous{
			AggregatorAccountID: prev.AggregatorAccountID,
			BrokerageAccountID:  prev.FundingAccountID,
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, apperr.New(apperr.KindTransient, op, err)
	}

	cand, err := matching.Select(links, aggAccounts, crit)
	if err != nil {
		s.log.Warn().Str("user_id", userID).Str("amount", amount.String()).
			Int("aggregator_accounts", len(aggAccounts)).Int("relationships", len(links)).
			Msg("no funding account matched")
		return nil, apperr.New(apperr.KindAccountMismatch, op, err)
	}
	return cand, nil
}

// reconcile runs the reconciling search after a failed initiation.
func (s *Service) reconcile(ctx context.Context, session string, amount decimal.Decimal, relationship string, started time.Time, cause error) error {
	const op = "initiate_deposit"
	rec := Recovery{Error: cause.Error(), Candidates: []brokerage.Transfer{}}

	since := started.Add(-s.cfg.RecoveryWindow)
	transfers, err := s.transfers(ctx, session)
	if err != nil {
		rec.SearchError = err.Error()
	}
	for _, t := range transfers {
		if t.CreatedAt.Before(since) || !t.Amount.Equal(amount) || t.ACHRelationship != relationship {
			continue
		}
		rec.Candidates = append(rec.Candidates, t)
	}
	metrics.ReconcileSearches.WithLabelValues(op, metrics.Found(len(rec.Candidates) > 0)).Inc()

	s.log.Error().Err(cause).
		Str("amount", amount.String()).
		Str("relationship", relationship).
		Int("candidates", len(rec.Candidates)).
		Msg("transfer initiation failed; not retried")

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

func (s *Service) transfers(ctx context.Context, session string) ([]brokerage.Transfer, error) {
	var out []brokerage.Transfer
	err := brokerage.RetryRead(ctx, func() error {
		start := time.Now()
		var err error
		out, err = s.brokerage.BankTransfers(ctx, session)
		metrics.ObserveRemote("brokerage", "bank_transfers", start)
		return err
	})
	return out, err
}

func (s *Service) relationship(ctx context.Context, session, url string) (*brokerage.BankAccount, error) {
	if url == "" {
		return nil, nil
	}
	var links []brokerage.BankAccount
	err := brokerage.RetryRead(ctx, func() error {
		start := time.Now()
		var err error
		links, err = s.brokerage.LinkedBankAccounts(ctx, session)
		metrics.ObserveRemote("brokerage", "linked_bank_accounts", start)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range links {
		if links[i].URL == url || strings.Contains(url, "/"+links[i].ID+"/") {
			return &links[i], nil
		}
	}
	return nil, nil
}

// MapState converts a remote transfer state into the local lifecycle.
// Unknown remote states count as processing.
func MapState(remote string) model.DepositState {
	switch strings.ToLower(remote) {
	case brokerage.TransferPending:
		return model.DepositPending
	case brokerage.TransferCompleted:
		return model.DepositCompleted
	case brokerage.TransferCancelled:
		return model.DepositCancelled
	case brokerage.TransferFailed, brokerage.TransferReversed:
		return model.DepositFailed
	}
	return model.DepositProcessing
}

func fromTransfer(userID string, t *brokerage.Transfer, amount decimal.Decimal, now time.Time) *model.Deposit {
	requested := t.CreatedAt
	if requested.IsZero() {
		requested = now
	}
	dep := &model.Deposit{
		ID:          uuid.New().String(),
		UserID:      userID,
		RemoteID:    t.ID,
		RemoteURL:   t.URL,
		Amount:      amount,
		RequestedAt: requested.UTC(),
		CreatedAt:   now,
	}
	applyTransfer(dep, t, now)
	return dep
}

// applyTransfer copies the remote status fields. Amount is never touched.
func applyTransfer(dep *model.Deposit, t *brokerage.Transfer, now time.Time) {
	dep.State = MapState(t.State)
	dep.EarlyAccessAmount = t.EarlyAccessAmount
	dep.ExpectedLandingAt = t.ExpectedLandingAt
	if dep.State == model.DepositCompleted && dep.SettledAt == nil {
		settled := t.UpdatedAt
		if settled.IsZero() {
			settled = now
		}
		settled = settled.UTC()
		dep.SettledAt = &settled
	}
	dep.UpdatedAt = now
}

// moving reports whether a remote transfer is a deposit that has not been
// cancelled or failed.
func moving(t brokerage.Transfer) bool {
	if t.Direction != "" && !strings.EqualFold(t.Direction, "deposit") {
		return false
	}
	s := MapState(t.State)
	return s != model.DepositCancelled && s != model.DepositFailed
}

// batchTotal sums the absolute cashback amounts and collects their source
// accounts and the deposits any of them are already linked to. Every id must
// resolve to a posted row.
func batchTotal(ids []string, rows []model.CashbackTransaction) (decimal.Decimal, map[string]bool, []string, error) {
	byID := make(map[string]*model.CashbackTransaction, len(rows))
	for i := range rows {
		byID[rows[i].ID] = &rows[i]
	}

	total := decimal.Zero
	sources := make(map[string]bool)
	var linked []string
	seen := make(map[string]bool)
	for _, id := range ids {
		c, ok := byID[id]
		switch {
		case !ok:
			return decimal.Zero, nil, nil, fmt.Errorf("%w: %s", ErrCashbackNotFound, id)
		case c.Pending:
			return decimal.Zero, nil, nil, fmt.Errorf("%w: %s", ErrPendingCashback, id)
		}
		if c.Linked() && !seen[*c.DepositID] {
			seen[*c.DepositID] = true
			linked = append(linked, *c.DepositID)
		}
		total = total.Add(c.Amount.Abs())
		if c.AccountID != "" {
			sources[c.AccountID] = true
		}
	}
	if !total.IsPositive() {
		return decimal.Zero, nil, nil, ErrNonPositiveAmount
	}
	return total, sources, linked, nil
}

func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func lastFour(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}

func lockError(op string, err error) error {
	if errors.Is(err, userlock.ErrLocked) {
		return apperr.New(apperr.KindConflict, op, err)
	}
	return apperr.New(apperr.KindTransient, op, err)
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
	case apperr.KindRemoteAPI, apperr.KindValidation:
		return "remote_error"
	case apperr.KindTransient:
		return "local_error"
	}
	return "rejected"
}
