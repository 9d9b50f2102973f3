// Package cashback detects cashback-style credits in the aggregator
// transaction stream and keeps the local cashback ledger in step with it.
package cashback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/aggregator"
	"github.com/atmx/roundup-engine/internal/apperr"
	"github.com/atmx/roundup-engine/internal/events"
	"github.com/atmx/roundup-engine/internal/filter"
	"github.com/atmx/roundup-engine/internal/metrics"
	"github.com/atmx/roundup-engine/internal/model"
	"github.com/atmx/roundup-engine/internal/store"
)

// DefaultKeywords are matched case-insensitively against the transaction
// name and the merchant name.
var DefaultKeywords = []string{"cashback", "cash back", "reward", "redemption"}

// ErrMalformedTransaction is returned for a classified record missing a
// required field.
var ErrMalformedTransaction = errors.New("cashback: malformed transaction")

// maxSyncPages bounds one Sync call.
const maxSyncPages = 100

// Summary reports what one classification pass did.
type Summary struct {
	Matched   int            `json:"matched"`
	Created   int            `json:"created"`
	Updated   int            `json:"updated"`
	Unchanged int            `json:"unchanged"`
	Flagged   int            `json:"flagged"`
	Removed   int            `json:"removed"`
	ByAccount map[string]int `json:"by_account"`
	Cursor    string         `json:"cursor,omitempty"`
}

// Service classifies and records cashback transactions.
type Service struct {
	store    store.Store
	client   aggregator.Client
	keywords []any
	events   events.Publisher
	log      zerolog.Logger
	now      func() time.Time
}

// NewService creates a cashback service. An empty keyword list uses
// DefaultKeywords.
func NewService(st store.Store, client aggregator.Client, keywords []string, log zerolog.Logger) *Service {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	kw := make([]any, len(keywords))
	for i, k := range keywords {
		kw[i] = k
	}
	return &Service{
		store:    st,
		client:   client,
		keywords: kw,
		log:      log.With().Str("component", "cashback").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher attaches an event publisher. Nil disables events.
func (s *Service) SetPublisher(p events.Publisher) { s.events = p }

// queries returns one query per text field. Groups inside a query are
// conjunctive, so "name OR merchant_name" is a union of two queries.
func (s *Service) queries() []filter.Query {
	fields := []string{"name", "merchant_name"}
	out := make([]filter.Query, 0, len(fields))
	for _, f := range fields {
		out = append(out, filter.Query{
			Lt: map[string][]any{"amount": {0}},
			Custom: []filter.Custom{{
				Name:   "contains-any",
				Fn:     filter.ContainsAny,
				Fields: map[string][]any{f: s.keywords},
			}},
			Accessor: filter.Strict,
		})
	}
	return out
}

// Classify returns the records that look like cashback credits, in input
// order. Amounts follow the aggregator convention: credits are negative.
func (s *Service) Classify(records []filter.Record) ([]filter.Record, error) {
	hit := make([]bool, len(records))
	for _, q := range s.queries() {
		for i, rec := range records {
			if hit[i] {
				continue
			}
			ok, err := filter.Match(rec, q)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			hit[i] = ok
		}
	}

	out := make([]filter.Record, 0, len(records))
	for i, rec := range records {
		if hit[i] {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Record classifies raw aggregator transactions and upserts the matches into
// the ledger. A linked row is never rewritten: if its amount changed, the row
// and its deposit are flagged for review instead. A previously recorded row
// that no longer classifies is left in place; rows are only deleted when the
// aggregator reports them removed (see Sync).
func (s *Service) Record(ctx context.Context, userID string, raw []filter.Record) (*Summary, error) {
	const op = "classify_and_record_cashback"
	if userID == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, errors.New("cashback: user id is required"))
	}

	matched, err := s.Classify(raw)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidInput, op, err)
	}

	sum := &Summary{Matched: len(matched), ByAccount: map[string]int{}}
	groups, err := filter.Group(matched, "account_id", filter.Query{Accessor: filter.Strict})
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidInput, op, err)
	}
	for acct, recs := range groups {
		sum.ByAccount[acct] = len(recs)
	}

	for _, rec := range matched {
		c, err := s.parse(userID, rec)
		if err != nil {
			return sum, apperr.New(apperr.KindInvalidInput, op, err)
		}
		if err := s.upsert(ctx, c, sum); err != nil {
			return sum, err
		}
	}

	s.log.Info().
		Str("user_id", userID).
		Int("matched", sum.Matched).
		Int("created", sum.Created).
		Int("updated", sum.Updated).
		Int("flagged", sum.Flagged).
		Int("removed", sum.Removed).
		Msg("cashback recorded")
	if sum.Created+sum.Updated+sum.Flagged+sum.Removed > 0 {
		events.Publish(s.events, events.Event{Type: events.CashbackRecorded, UserID: userID, Count: sum.Matched})
	}
	return sum, nil
}

// Sync drains the aggregator transaction stream from the stored cursor,
// records added and modified transactions and applies removals. A removed
// transaction is deleted only while it is unlinked. The cursor
// is saved only after the whole stream has been recorded.
func (s *Service) Sync(ctx context.Context, userID string) (*Summary, error) {
	const op = "sync_cashback"

	us, err := s.store.GetUserSettings(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, op, err)
		}
		return nil, apperr.New(apperr.KindTransient, op, err)
	}
	if us.AggregatorToken == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, aggregator.ErrMissingToken)
	}

	var (
		changed []filter.Record
		removed []string
		cursor  = us.SyncCursor
	)
	for page := 0; ; page++ {
		if page == maxSyncPages {
			return nil, apperr.New(apperr.KindRemoteAPI, op, fmt.Errorf("cashback: transaction stream exceeded %d pages", maxSyncPages))
		}
		start := time.Now()
		resp, err := s.client.SyncTransactions(ctx, us.AggregatorToken, cursor)
		metrics.ObserveRemote("aggregator", "sync_transactions", start)
		if err != nil {
			return nil, apperr.Remote(op, err)
		}
		changed = append(changed, resp.Added...)
		changed = append(changed, resp.Modified...)
		removed = append(removed, resp.Removed...)
		cursor = resp.NextCursor
		if !resp.HasMore {
			break
		}
	}

	sum, err := s.Record(ctx, userID, changed)
	if err != nil {
		return sum, err
	}
	for _, id := range removed {
		if err := s.remove(ctx, userID, id, sum); err != nil {
			return sum, err
		}
	}

	if err := s.store.SaveSyncCursor(ctx, userID, cursor); err != nil {
		return sum, apperr.New(apperr.KindTransient, op, err)
	}
	sum.Cursor = cursor
	return sum, nil
}

func (s *Service) upsert(ctx context.Context, c *model.CashbackTransaction, sum *Summary) error {
	const op = "classify_and_record_cashback"

	existing, err := s.store.GetCashbackByAggregatorID(ctx, c.UserID, c.AggregatorTxnID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.ID = uuid.New().String()
		c.CreatedAt = c.UpdatedAt
	case err != nil:
		return apperr.New(apperr.KindTransient, op, err)
	case existing.Linked():
		return s.checkLinked(ctx, existing, c, sum)
	default:
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	}

	created, err := s.store.UpsertCashback(ctx, c)
	if errors.Is(err, store.ErrLinked) {
		// Linked between the read and the write.
		linked, gerr := s.store.GetCashbackByAggregatorID(ctx, c.UserID, c.AggregatorTxnID)
		if gerr != nil {
			return apperr.New(apperr.KindTransient, op, gerr)
		}
		return s.checkLinked(ctx, linked, c, sum)
	}
	if err != nil {
		return apperr.New(apperr.KindTransient, op, err)
	}

	if created {
		sum.Created++
		metrics.CashbackRecorded.WithLabelValues("created").Inc()
	} else {
		sum.Updated++
		metrics.CashbackRecorded.WithLabelValues("updated").Inc()
	}
	return nil
}

func (s *Service) checkLinked(ctx context.Context, existing, incoming *model.CashbackTransaction, sum *Summary) error {
	if existing.Amount.Equal(incoming.Amount) || existing.Flagged {
		sum.Unchanged++
		return nil
	}
	if err := s.store.FlagCashback(ctx, existing.UserID, existing.ID); err != nil {
		return apperr.New(apperr.KindTransient, "classify_and_record_cashback", err)
	}
	sum.Flagged++
	metrics.CashbackRecorded.WithLabelValues("flagged").Inc()
	s.log.Warn().
		Str("user_id", existing.UserID).
		Str("cashback_id", existing.ID).
		Str("deposit_id", *existing.DepositID).
		Str("recorded", existing.Amount.String()).
		Str("reported", incoming.Amount.String()).
		Msg("linked cashback amount changed, flagged for review")
	return nil
}

func (s *Service) remove(ctx context.Context, userID, txnID string, sum *Summary) error {
	err := s.store.DeleteCashback(ctx, userID, txnID)
	switch {
	case err == nil:
		sum.Removed++
		metrics.CashbackRecorded.WithLabelValues("removed").Inc()
		return nil
	case errors.Is(err, store.ErrNotFound):
		return nil
	case errors.Is(err, store.ErrLinked):
		s.log.Warn().Str("user_id", userID).Str("aggregator_txn_id", txnID).
			Msg("removed transaction is linked to a deposit, kept")
		return nil
	}
	return apperr.New(apperr.KindTransient, "remove_cashback", err)
}

// parse converts a classified aggregator record into a ledger row.
func (s *Service) parse(userID string, rec filter.Record) (*model.CashbackTransaction, error) {
	id, _ := rec["transaction_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%w: transaction_id is required", ErrMalformedTransaction)
	}
	amount, err := toDecimal(rec["amount"])
	if err != nil {
		return nil, fmt.Errorf("%w: %s amount: %v", ErrMalformedTransaction, id, err)
	}
	date, err := parseDate(rec["date"])
	if err != nil || date == nil {
		return nil, fmt.Errorf("%w: %s date is required", ErrMalformedTransaction, id)
	}
	authorized, err := parseDate(rec["authorized_date"])
	if err != nil {
		return nil, fmt.Errorf("%w: %s authorized_date: %v", ErrMalformedTransaction, id, err)
	}

	account, _ := rec["account_id"].(string)
	currency, _ := rec["iso_currency_code"].(string)
	merchant, _ := rec["merchant_name"].(string)
	name, _ := rec["name"].(string)
	pending, _ := rec["pending"].(bool)

	return &model.CashbackTransaction{
		UserID:          userID,
		AggregatorTxnID: id,
		AccountID:       account,
		Amount:          amount,
		Currency:        strings.ToUpper(currency),
		Date:            *date,
		AuthorizedDate:  authorized,
		Merchant:        merchant,
		Description:     name,
		Pending:         pending,
		UpdatedAt:       s.now(),
	}, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(n)
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case nil:
		return decimal.Zero, errors.New("missing")
	}
	return decimal.Zero, fmt.Errorf("unsupported type %T", v)
}

// parseDate reads an aggregator calendar date ("2006-01-02"). A null or
// missing value is nil.
func parseDate(v any) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("unsupported type %T", v)
	}
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
