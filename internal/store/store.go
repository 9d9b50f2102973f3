// Package store defines the persistence interface for the round-up engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrLinked is returned when a write would touch a cashback row that is
	// already linked to a deposit.
	ErrLinked = errors.New("store: cashback already linked to a deposit")

	// ErrConflict is returned when a write collides with an existing row:
	// a duplicate remote id, or a deposit that already funds an investment.
	ErrConflict = errors.New("store: conflicting write")
)

// Store is the persistence interface. Each method that writes more than one
// row does so atomically.
type Store interface {
	// --- User settings ---

	// GetUserSettings retrieves a user's settings.
	GetUserSettings(ctx context.Context, userID string) (*model.UserSettings, error)

	// UpsertUserSettings creates or replaces a user's settings.
	UpsertUserSettings(ctx context.Context, s *model.UserSettings) error

	// ListUserIDs returns every user with settings, in id order.
	ListUserIDs(ctx context.Context) ([]string, error)

	// SaveSyncCursor records the aggregator transaction stream position.
	SaveSyncCursor(ctx context.Context, userID, cursor string) error

	// --- Cashback ledger ---

	// GetCashbackByIDs returns the user's cashback rows with the given local
	// ids. Missing ids are silently skipped.
	GetCashbackByIDs(ctx context.Context, userID string, ids []string) ([]model.CashbackTransaction, error)

	// GetCashbackByAggregatorID looks a row up by its aggregator transaction id.
	GetCashbackByAggregatorID(ctx context.Context, userID, aggregatorTxnID string) (*model.CashbackTransaction, error)

	// UpsertCashback inserts a row or updates the unlinked row with the same
	// (user, aggregator transaction id). Returns ErrLinked for linked rows.
	UpsertCashback(ctx context.Context, c *model.CashbackTransaction) (created bool, err error)

	// DeleteCashback removes an unlinked row. Returns ErrLinked for linked rows.
	DeleteCashback(ctx context.Context, userID, aggregatorTxnID string) error

	// FlagCashback marks a cashback row and its deposit for manual review.
	FlagCashback(ctx context.Context, userID, cashbackID string) error

	// ListUndepositedCashback returns unlinked, non-pending rows oldest first.
	ListUndepositedCashback(ctx context.Context, userID string) ([]model.CashbackTransaction, error)

	// --- Deposit ledger ---

	// CreateDeposit persists a deposit and links every cashback id to it in
	// one transaction. Returns ErrLinked if any row is already linked and
	// ErrConflict on a duplicate remote id; nothing is written in either case.
	CreateDeposit(ctx context.Context, d *model.Deposit, cashbackIDs []string) error

	// GetDeposit retrieves a deposit by local id.
	GetDeposit(ctx context.Context, userID, id string) (*model.Deposit, error)

	// GetDepositByRemoteID retrieves a deposit by remote transfer id.
	GetDepositByRemoteID(ctx context.Context, userID, remoteID string) (*model.Deposit, error)

	// UpdateDepositStatus writes the reconciled status fields of d: state,
	// early-access amount, settled and expected-landing times. Amount and
	// linkage are never touched.
	UpdateDepositStatus(ctx context.Context, d *model.Deposit) error

	// ListDeposits returns the user's deposits, newest first.
	ListDeposits(ctx context.Context, userID string) ([]model.Deposit, error)

	// ListDepositsSince returns deposits requested at or after since.
	ListDepositsSince(ctx context.Context, userID string, since time.Time) ([]model.Deposit, error)

	// LatestDeposit returns the user's most recently requested deposit.
	LatestDeposit(ctx context.Context, userID string) (*model.Deposit, error)

	// ListOpenDeposits returns non-terminal deposits across all users.
	ListOpenDeposits(ctx context.Context) ([]model.Deposit, error)

	// --- Investment ledger ---

	// CreateInvestment persists an order, links its deposit (ErrConflict if
	// the deposit already funds another investment) and rebuilds the user's
	// cumulative snapshots, all in one transaction.
	CreateInvestment(ctx context.Context, inv *model.Investment) error

	// UpdateInvestmentFill records the reconciled quantity and state of an
	// order and rebuilds the user's cumulative snapshots.
	UpdateInvestmentFill(ctx context.Context, userID, id string, quantity decimal.Decimal, state string) error

	// GetInvestment retrieves an investment by local id.
	GetInvestment(ctx context.Context, userID, id string) (*model.Investment, error)

	// GetInvestmentByRemoteID retrieves an investment by remote order id.
	GetInvestmentByRemoteID(ctx context.Context, userID, remoteOrderID string) (*model.Investment, error)

	// ListInvestments returns the user's investments in chronological order.
	ListInvestments(ctx context.Context, userID string) ([]model.Investment, error)

	// ListInvestmentsSince returns investments ordered at or after since.
	ListInvestmentsSince(ctx context.Context, userID string, since time.Time) ([]model.Investment, error)

	// --- Shared price table ---

	// UpsertPrices writes samples keyed by (symbol, interval, timestamp).
	UpsertPrices(ctx context.Context, points []model.PricePoint) error

	// LatestPriceTime returns the newest sample time of a series.
	LatestPriceTime(ctx context.Context, symbol, interval string) (time.Time, bool, error)

	// ListPrices returns samples in [from, to), oldest first. A zero to
	// means no upper bound.
	ListPrices(ctx context.Context, symbol, interval string, from, to time.Time) ([]model.PricePoint, error)

	// DeletePrices removes the given samples.
	DeletePrices(ctx context.Context, points []model.PricePoint) error

	// --- Valuation history ---

	// LatestValueSnapshot returns the user's newest snapshot.
	LatestValueSnapshot(ctx context.Context, userID string) (*model.ValueSnapshot, error)

	// InsertValueSnapshots appends snapshots, skipping any (user, timestamp)
	// already stored. Returns the number written.
	InsertValueSnapshots(ctx context.Context, snaps []model.ValueSnapshot) (int, error)

	// ListValueSnapshots returns snapshots in [from, to], oldest first. A
	// zero to means no upper bound.
	ListValueSnapshots(ctx context.Context, userID string, from, to time.Time) ([]model.ValueSnapshot, error)
}
