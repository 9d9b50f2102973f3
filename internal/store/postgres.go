package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/metrics"
	"github.com/atmx/roundup-engine/internal/model"
	"github.com/atmx/roundup-engine/internal/position"
	"github.com/atmx/roundup-engine/internal/secrets"
)

// ErrUnavailable wraps database failures that persisted after one
// credential refresh.
var ErrUnavailable = errors.New("store: database unavailable")

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// On an authentication failure the store fetches fresh credentials from
// the secrets store, swaps the pool and retries the statement exactly once.
type PostgresStore struct {
	mu   sync.RWMutex
	pool *pgxpool.Pool

	dsn        string
	secrets    secrets.Store
	secretName string
	log        zerolog.Logger
}

// PostgresOptions enables credential rotation.
type PostgresOptions struct {
	DSN        string        // base connection string without credentials override
	Secrets    secrets.Store // nil disables rotation
	SecretName string
	Logger     zerolog.Logger
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts PostgresOptions) *PostgresStore {
	return &PostgresStore{
		pool:       pool,
		dsn:        opts.DSN,
		secrets:    opts.Secrets,
		secretName: opts.SecretName,
		log:        opts.Logger.With().Str("component", "store").Logger(),
	}
}

// Connect opens a pool, using credentials from the secrets store when one
// is configured.
func Connect(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	s := NewPostgresStore(nil, opts)
	pool, err := s.openPool(ctx)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.run(ctx, func(p *pgxpool.Pool) error { return p.Ping(ctx) })
}

func (s *PostgresStore) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if s.secrets != nil {
		creds, err := s.secrets.GetSecret(ctx, s.secretName)
		if err != nil {
			return nil, fmt.Errorf("fetch database credentials: %w", err)
		}
		cfg.ConnConfig.User = creds.Username
		cfg.ConnConfig.Password = creds.Password
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

func (s *PostgresStore) current() *pgxpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// refresh swaps the pool for one built with fresh credentials. stale is the
// pool that failed; if another goroutine already replaced it, refresh is a
// no-op.
func (s *PostgresStore) refresh(ctx context.Context, stale *pgxpool.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != stale {
		return nil
	}

	pool, err := s.openPool(ctx)
	if err != nil {
		metrics.DBCredentialRefresh.WithLabelValues("error").Inc()
		return err
	}
	metrics.DBCredentialRefresh.WithLabelValues("ok").Inc()
	s.log.Warn().Msg("database credentials refreshed")
	s.pool = pool
	if stale != nil {
		go stale.Close()
	}
	return nil
}

// run executes fn, retrying once after a credential refresh when the first
// attempt fails authentication.
func (s *PostgresStore) run(ctx context.Context, fn func(*pgxpool.Pool) error) error {
	pool := s.current()
	err := fn(pool)
	if !IsAuthError(err) || s.secrets == nil {
		return translate(err)
	}

	s.log.Warn().Err(err).Msg("database authentication failed, refreshing credentials")
	if rerr := s.refresh(ctx, pool); rerr != nil {
		return fmt.Errorf("%w: %v (refresh: %v)", ErrUnavailable, err, rerr)
	}
	if err := fn(s.current()); err != nil {
		if IsAuthError(err) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return translate(err)
	}
	return nil
}

// tx runs fn inside one transaction with the same retry policy as run.
func (s *PostgresStore) tx(ctx context.Context, fn func(pgx.Tx) error) error {
	return s.run(ctx, func(p *pgxpool.Pool) error {
		return pgx.BeginFunc(ctx, p, fn)
	})
}

// IsAuthError reports whether err is a PostgreSQL authentication failure
// (invalid_password or invalid_authorization_specification).
func IsAuthError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "28P01" || pgErr.Code == "28000"
	}
	return false
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.run(ctx, func(p *pgxpool.Pool) error {
		_, err := p.Exec(ctx, schema)
		return err
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS user_settings (
	user_id           TEXT PRIMARY KEY,
	aggregator_token  TEXT NOT NULL DEFAULT '',
	brokerage_token   TEXT NOT NULL DEFAULT '',
	sync_cursor       TEXT NOT NULL DEFAULT '',
	target_symbol     TEXT NOT NULL DEFAULT '',
	scaling_factor    NUMERIC NOT NULL DEFAULT 1,
	strict_mask_match BOOLEAN NOT NULL DEFAULT FALSE,
	monthly_limit     NUMERIC NOT NULL DEFAULT 0,
	auto_invest       BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deposits (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	remote_id             TEXT NOT NULL UNIQUE,
	remote_url            TEXT NOT NULL DEFAULT '',
	account_mask          TEXT NOT NULL DEFAULT '',
	funding_account_id    TEXT NOT NULL DEFAULT '',
	aggregator_account_id TEXT NOT NULL DEFAULT '',
	amount                NUMERIC NOT NULL CHECK (amount > 0),
	state                 TEXT NOT NULL,
	early_access_amount   NUMERIC NOT NULL DEFAULT 0,
	requested_at          TIMESTAMPTZ NOT NULL,
	settled_at            TIMESTAMPTZ,
	expected_landing_at   TIMESTAMPTZ,
	flagged               BOOLEAN NOT NULL DEFAULT FALSE,
	investment_id         TEXT UNIQUE,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS deposits_user_requested ON deposits (user_id, requested_at DESC);

CREATE TABLE IF NOT EXISTS cashback_transactions (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	aggregator_txn_id TEXT NOT NULL,
	account_id        TEXT NOT NULL,
	amount            NUMERIC NOT NULL,
	currency          TEXT NOT NULL DEFAULT 'USD',
	date              TIMESTAMPTZ NOT NULL,
	authorized_date   TIMESTAMPTZ,
	merchant          TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	pending           BOOLEAN NOT NULL DEFAULT FALSE,
	deposit_id        TEXT REFERENCES deposits (id),
	flagged           BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	UNIQUE (user_id, aggregator_txn_id)
);

CREATE TABLE IF NOT EXISTS investments (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	remote_order_id TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	quantity        NUMERIC NOT NULL,
	notional        NUMERIC NOT NULL DEFAULT 0,
	state           TEXT NOT NULL,
	ordered_at      TIMESTAMPTZ NOT NULL,
	cumulative      JSONB NOT NULL DEFAULT '{}',
	deposit_id      TEXT UNIQUE REFERENCES deposits (id),
	created_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (user_id, remote_order_id)
);
CREATE INDEX IF NOT EXISTS investments_user_ordered ON investments (user_id, ordered_at);

CREATE TABLE IF NOT EXISTS prices (
	symbol   TEXT NOT NULL,
	interval TEXT NOT NULL,
	ts       TIMESTAMPTZ NOT NULL,
	close    NUMERIC NOT NULL,
	PRIMARY KEY (symbol, interval, ts)
);

CREATE TABLE IF NOT EXISTS user_value_snapshots (
	user_id TEXT NOT NULL,
	ts      TIMESTAMPTZ NOT NULL,
	value   NUMERIC NOT NULL,
	PRIMARY KEY (user_id, ts)
);
`

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- User settings ---

func (s *PostgresStore) GetUserSettings(ctx context.Context, userID string) (*model.UserSettings, error) {
	var us model.UserSettings
	var scaling, limit string
	err := s.run(ctx, func(p *pgxpool.Pool) error {
		return p.QueryRow(ctx,
			`SELECT user_id, aggregator_token, brokerage_token, sync_cursor, target_symbol,
			        scaling_factor::TEXT, strict_mask_match, monthly_limit::TEXT, auto_invest, updated_at
			 FROM user_settings WHERE user_id = $1`, userID).
			Scan(&us.UserID, &us.AggregatorToken, &us.BrokerageToken, &us.SyncCursor, &us.TargetSymbol,
				&scaling, &us.StrictMaskMatch, &limit, &us.AutoInvest, &us.UpdatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("get settings %s: %w", userID, err)
	}
	us.ScalingFactor = dec(scaling)
	us.MonthlyLimit = dec(limit)
	return &us, nil
}

func (s *PostgresStore) UpsertUserSettings(ctx context.Context, us *model.UserSettings) error {
	return s.run(ctx, func(p *pgxpool.Pool) error {
		_, err := p.Exec(ctx,
			`INSERT INTO user_settings (user_id, aggregator_token, brokerage_token, target_symbol,
			        scaling_factor, strict_mask_match, monthly_limit, auto_invest, updated_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9)
			 ON CONFLICT (user_id) DO UPDATE SET
			        aggregator_token = EXCLUDED.aggregator_token,
			        brokerage_token = EXCLUDED.brokerage_token,
			        target_symbol = EXCLUDED.target_symbol,
			        scaling_factor = EXCLUDED.scaling_factor,
			        strict_mask_match = EXCLUDED.strict_mask_match,
			        monthly_limit = EXCLUDED.monthly_limit,
			        auto_invest = EXCLUDED.auto_invest,
			        updated_at = EXCLUDED.updated_at`,
			us.UserID, us.AggregatorToken, us.BrokerageToken, us.TargetSymbol,
			us.ScalingFactor.String(), us.StrictMaskMatch, us.MonthlyLimit.String(), us.AutoInvest, us.UpdatedAt)
		return err
	})
}

func (s *PostgresStore) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.run(ctx, func(p *pgxpool.Pool) error {
		ids = nil
		rows, err := p.Query(ctx, `SELECT user_id FROM user_settings ORDER BY user_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

func (s *PostgresStore) SaveSyncCursor(ctx context.Context, userID, cursor string) error {
	return s.run(ctx, func(p *pgxpool.Pool) error {
		tag, err := p.Exec(ctx, `UPDATE user_settings SET sync_cursor = $2 WHERE user_id = $1`, userID, cursor)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- Cashback ledger ---

const cashbackColumns = `id, user_id, aggregator_txn_id, account_id, amount::TEXT, currency, date,
	authorized_date, merchant, description, pending, deposit_id, flagged, created_at, updated_at`

func scanCashback(row scanner) (model.CashbackTransaction, error) {
	var c model.CashbackTransaction
	var amount string
	err := row.Scan(&c.ID, &c.UserID, &c.AggregatorTxnID, &c.AccountID, &amount, &c.Currency, &c.Date,
		&c.AuthorizedDate, &c.Merchant, &c.Description, &c.Pending, &c.DepositID, &c.Flagged, &c.CreatedAt, &c.UpdatedAt)
	c.Amount = dec(amount)
	return c, err
}

func collectCashback(rows pgx.Rows) ([]model.CashbackTransaction, error) {
	defer rows.Close()
	var out []model.CashbackTransaction
	for rows.Next() {
		c, err := scanCashback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCashbackByIDs(ctx context.Context, userID string, ids []string) ([]model.CashbackTransaction, error) {
	var out []model.CashbackTransaction
	err := s.run(ctx, func(p *pgxpool.Pool) error {
		rows, err := p.Query(ctx,
			`SELECT `+cashbackColumns+` FROM cashback_transactions
			 WHERE user_id = $1 AND id = ANY($2) ORDER BY date, id`, userID, ids)
		if err != nil {
			return err
		}
		out, err = collectCashback(rows)
		return err
	})
	return out, err
}

func (s *PostgresStore) GetCashbackByAggregatorID(ctx context.Context, userID, aggregatorTxnID string) (*model.CashbackTransaction, error) {
	var c model.CashbackTransaction
	err := s.run(ctx, func(p *pgxpool.Pool) error {
		var err error
		c, err = scanCashback(p.QueryRow(ctx,
			`SELECT `+cashbackColumns+` FROM cashback_transactions
			 WHERE user_id = $1 AND aggregator_txn_id = $2`, userID, aggregatorTxnID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get cashback %s: %w", aggregatorTxnID, err)
	}
	return &c, nil
}

func (s *PostgresStore) UpsertCashback(ctx context.Context, c *model.CashbackTransaction) (bool, error) {
	var created bool
	err := s.tx(ctx, func(tx pgx.Tx) error {
		var id string
		var linked bool
		err := tx.QueryRow(ctx,
			`SELECT id, deposit_id IS NOT NULL FROM cashback_transactions
			 WHERE user_id = $1 AND aggregator_txn_id = $2 FOR UPDATE`,
			c.UserID, c.AggregatorTxnID).Scan(&id, &linked)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			created = true
			_, err = tx.Exec(ctx,
				`INSERT INTO cashback_transactions (id, user_id, aggregator_txn_id, account_id, amount, currency,
				        date, authorized_date, merchant, description, pending, flagged, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				c.ID, c.UserID, c.AggregatorTxnID, c.AccountID, c.Amount.String(), c.Currency,
				c.Date, c.AuthorizedDate, c.Merchant, c.Description, c.Pending, c.Flagged, c.CreatedAt, c.UpdatedAt)
			return err
		case err != nil:
			return err
		case linked:
			return ErrLinked
		}

		created = false
		c.ID = id
		_, err = tx.Exec(ctx,
			`UPDATE cashback_transactions
			 SET account_id = $2, amount = $3::NUMERIC, currency = $4, date = $5, authorized_date = $6,
			     merchant = $7, description = $8, pending = $9, updated_at = $10,
			     flagged = flagged OR $11
			 WHERE id = $1 AND deposit_id IS NULL`,
			id, c.AccountID, c.Amount.String(), c.Currency, c.Date, c.AuthorizedDate,
			c.Merchant, c.Description, c.Pending, c.UpdatedAt, c.Flagged)
		return err
	})
	return created, err
}

func (s *PostgresStore) DeleteCashback(ctx context.Context, userID, aggregatorTxnID string) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		var linked bool
		err := tx.QueryRow(ctx,
			`SELECT deposit_id IS NOT NULL FROM cashback_transactions
			 WHERE user_id = $1 AND aggregator_txn_id = $2 FOR UPDATE`, userID, aggregatorTxnID).Scan(&linked)
		if err != nil {
			return err
		}
		if linked {
			return ErrLinked
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM cashback_transactions WHERE user_id = $1 AND aggregator_txn_id = $2`, userID, aggregatorTxnID)
		return err
	})
}

func (s *PostgresStore) FlagCashback(ctx context.Context, userID, cashbackID string) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		var depositID *string
		err := tx.QueryRow(ctx,
			`UPDATE cashback_transactions SET flagged = TRUE, updated_at = now()
			 WHERE id = $1 AND user_id = $2 RETURNING deposit_id`, cashbackID, userID).Scan(&depositID)
		if err != nil {
			return err
		}
		if depositID == nil {
			return nil
		}
		_, err = tx.Exec(ctx,
			`UPDATE deposits SET flagged = TRUE, updated_at = now() WHERE id = $1`, *depositID)
		return err
	})
}

func (s *PostgresStore) ListUndepositedCashback(ctx context.Context, userID string) ([]model.CashbackTransaction, error) {
	var out []model.CashbackTransaction
	err := s.run(ctx, func(p *pgxpool.Pool) error {
		rows, err := p.Query(ctx,
			`SELECT `+cashbackColumns+` FROM cashback_transactions
			 WHERE user_id = $1 AND deposit_id IS NULL AND NOT pending ORDER BY date, id`, userID)
		if err != nil {
			return err
		}
		out, err = collectCashback(rows)
		return err
	})
	return out, err
}

// --- Deposit ledger ---

const depositColumns = `id, user_id, remote_id, remote_url, account_mask, funding_account_id,
	aggregator_account_id, amount::TEXT, state, early_access_amount::TEXT, requested_at, settled_at,
	expected_landing_at, flagged, investment_id, created_at, updated_at`

func scanDeposit(row scanner) (model.Deposit, error) {
	var d model.Deposit
	var amount, early, state string
	err := row.Scan(&d.ID, &d.UserID, &d.RemoteID, &d.RemoteURL, &d.AccountMask, &d.FundingAccountID,
		&d.AggregatorAccountID, &amount, &state, &early, &d.RequestedAt, &d.SettledAt,
		&d.ExpectedLandingAt, &d.Flagged, &d.InvestmentID, &d.CreatedAt, &d.UpdatedAt)
	d.Amount = dec(amount)
	d.EarlyAccessAmount = dec(early)
	d.State = model.DepositState(state)
	return d, err
}

func (s *PostgresStore) queryDeposits(ctx context.Context, sql string, args ...any) ([]model.Deposit, error) {
	var out []model.Deposit
	err := s.run(ctx, func(p *pgxpool.Pool) error {
		out = nil
		rows, err := p.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDeposit(rows)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) CreateDeposit(ctx context.Context, d *model.Deposit, cashbackIDs []string) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO deposits (id, user_id, remote_id, remote_url, account_mask, funding_account_id,
			        aggregator_account_id, amount, state, early_access_amount, requested_at, settled_at,
			        expected_landing_at, flagged, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10::NUMERIC, $11, $12, $13, $14, $15, $16)`,
			d.ID, d.UserID, d.RemoteID, d.RemoteURL, d.AccountMask, d.FundingAccountID,
			d.AggregatorAccountID, d.Amount.String(), string(d.State), d.EarlyAccessAmount.String(),
			d.RequestedAt, d.SettledAt, d.ExpectedLandingAt, d.Flagged, d.CreatedAt, d.UpdatedAt)
		if err != nil {
			return err
		}
		if len(cashbackIDs) == 0 {
			return nil
		}

		tag, err := tx.Exec(ctx,
			`UPDATE cashback_transactions SET deposit_id = $1, updated_at = $2
			 WHERE user_id = $3 AND id = ANY($4) AND deposit_id IS NULL`,
			d.ID, d.CreatedAt, d.UserID, cashbackIDs)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != int64(len(cashbackIDs)) {
			// Either a row vanished or another deposit linked it first.
			return ErrLinked
		}
		return nil
	})
}

func (s *PostgresStore) GetDeposit(ctx context.Context, userID, id string) (*model.Deposit, error) {
	deps, err := s.queryDeposits(ctx, `SELECT `+depositColumns+` FROM deposits WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return nil, fmt.Errorf("get deposit %s: %w", id, err)
	}
	if len(deps) == 0 {
		return nil, ErrNotFound
	}
	return &deps[0], nil
}

func (s *PostgresStore) GetDepositByRemoteID(ctx context.Context, userID, remoteID string) (*model.Deposit, error) {
	deps, err := s.queryDeposits(ctx, `SELECT `+depositColumns+` FROM deposits WHERE user_id = $1 AND remote_id = $2`, userID, remoteID)
	if err != nil {
		return nil, fmt.Errorf("get deposit by remote id %s: %w", remoteID, err)
	}
	if len(deps) == 0 {
		return nil, ErrNotFound
	}
	return &deps[0], nil
}

func (s *PostgresStore) UpdateDepositStatus(ctx context.Context, d *model.Deposit) error {
	return s.run(ctx, func(p *pgxpool.Pool) error {
		tag, err := p.Exec(ctx,
			`UPDATE deposits
			 SET state = $3, early_access_amount = $4::NUMERIC, settled_at = $5,
			     expected_landing_at = $6, updated_at = $7
			 WHERE id = $1 AND user_id = $2`,
			d.ID, d.UserID, string(d.State), d.EarlyAccessAmount.String(), d.SettledAt, d.ExpectedLandingAt, d.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) ListDeposits(ctx context.Context, userID string) ([]model.Deposit, error) {
	return s.queryDeposits(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE user_id = $1 ORDER BY requested_at DESC, id DESC`, userID)
}

func (s *PostgresStore) ListDepositsSince(ctx context.Context, userID string, since time.Time) ([]model.Deposit, error) {
	return s.queryDeposits(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE user_id = $1 AND requested_at >= $2
		 ORDER BY requested_at DESC, id DESC`, userID, since)
}

func (s *PostgresStore) LatestDeposit(ctx context.Context, userID string) (*model.Deposit, error) {
	deps, err := s.queryDeposits(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE user_id = $1 ORDER BY requested_at DESC, id DESC LIMIT 1`, userID)
	if err != nil {
		return nil, err
	}
	if len(deps) == 0 {
		return nil, ErrNotFound
	}
	return &deps[0], nil
}

func (s *PostgresStore) ListOpenDeposits(ctx context.Context) ([]model.Deposit, error) {
	return s.queryDeposits(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE state NOT IN ('completed', 'cancelled', 'failed')
		 ORDER BY requested_at`)
}

// --- Investment ledger ---

const investmentColumns = `id, user_id, remote_order_id, symbol, side, quantity::TEXT, notional::TEXT,
	state, ordered_at, cumulative, deposit_id, created_at`

func scanInvestment(row scanner) (model.Investment, error) {
	var inv model.Investment
	var qty, notional, side string
	var cumulative []byte
	err := row.Scan(&inv.ID, &inv.UserID, &inv.RemoteOrderID, &inv.Symbol, &side, &qty, &notional,
		&inv.State, &inv.OrderedAt, &cumulative, &inv.DepositID, &inv.CreatedAt)
	if err != nil {
		return inv, err
	}
	inv.Side = model.Side(side)
	inv.Quantity = dec(qty)
	inv.Notional = dec(notional)
	if len(cumulative) > 0 {
		if err := json.Unmarshal(cumulative, &inv.Cumulative); err != nil {
			return inv, fmt.Errorf("decode cumulative %s: %w", inv.ID, err)
		}
	}
	return inv, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryInvestments(ctx context.Context, q querier, sql string, args ...any) ([]model.Investment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Investment
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// rebuildSnapshots recomputes the user's cumulative snapshots inside tx and
// writes back the rows that changed. The advisory lock serialises rebuilds
// for one user across connections.
func rebuildSnapshots(ctx context.Context, tx pgx.Tx, userID string) (map[string]map[string]decimal.Decimal, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return nil, err
	}
	invs, err := queryInvestments(ctx, tx,
		`SELECT `+investmentColumns+` FROM investments WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return nil, err
	}

	for _, i := range position.Rebuild(invs) {
		payload, err := json.Marshal(invs[i].Cumulative)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `UPDATE investments SET cumulative = $2::JSONB WHERE id = $1`, invs[i].ID, payload); err != nil {
			return nil, err
		}
	}

	out := make(map[string]map[string]decimal.Decimal, len(invs))
	for _, inv := range invs {
		out[inv.ID] = inv.Cumulative
	}
	return out, nil
}

func (s *PostgresStore) CreateInvestment(ctx context.Context, inv *model.Investment) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO investments (id, user_id, remote_order_id, symbol, side, quantity, notional, state,
			        ordered_at, cumulative, deposit_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, '{}'::JSONB, $10, $11)`,
			inv.ID, inv.UserID, inv.RemoteOrderID, inv.Symbol, string(inv.Side), inv.Quantity.String(),
			inv.Notional.String(), inv.State, inv.OrderedAt, inv.DepositID, inv.CreatedAt)
		if err != nil {
			return err
		}

		if inv.DepositID != nil {
			tag, err := tx.Exec(ctx,
				`UPDATE deposits SET investment_id = $1, updated_at = $2
				 WHERE id = $3 AND user_id = $4 AND investment_id IS NULL`,
				inv.ID, inv.CreatedAt, *inv.DepositID, inv.UserID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() != 1 {
				return ErrConflict
			}
		}

		snaps, err := rebuildSnapshots(ctx, tx, inv.UserID)
		if err != nil {
			return err
		}
		inv.Cumulative = snaps[inv.ID]
		return nil
	})
}

func (s *PostgresStore) UpdateInvestmentFill(ctx context.Context, userID, id string, quantity decimal.Decimal, state string) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE investments SET quantity = $3::NUMERIC, state = $4 WHERE id = $1 AND user_id = $2`,
			id, userID, quantity.String(), state)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = rebuildSnapshots(ctx, tx, userID)
		return err
	})
}

func (s *PostgresStore) investments(ctx context.Context, sql string, args ...any) ([]model.Investment, error) {
	var out []model.Investment
	err := s.run(ctx, func(p *pgxpool.Pool) error {
		var err error
		out, err = queryInvestments(ctx, p, sql, args...)
		return err
	})
	return out, err
}

func (s *PostgresStore) GetInvestment(ctx context.Context, userID, id string) (*model.Investment, error) {
	invs, err := s.investments(ctx, `SELECT `+investmentColumns+` FROM investments WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return nil, fmt.Errorf("get investment %s: %w", id, err)
	}
	if len(invs) == 0 {
		return nil, ErrNotFound
	}
	return &invs[0], nil
}

func (s *PostgresStore) GetInvestmentByRemoteID(ctx context.Context, userID, remoteOrderID string) (*model.Investment, error) {
	invs, err := s.investments(ctx,
		`SELECT `+investmentColumns+` FROM investments WHERE user_id = $1 AND remote_order_id = $2`, userID, remoteOrderID)
	if err != nil {
		return nil, fmt.Errorf("get investment by remote id %s: %w", remoteOrderID, err)
	}
	if len(invs) == 0 {
		return nil, ErrNotFound
	}
	return &invs[0], nil
}

func (s *PostgresStore) ListInvestments(ctx context.Context, userID string) ([]model.Investment, error) {
	return s.investments(ctx,
		`SELECT `+investmentColumns+` FROM investments WHERE user_id = $1 ORDER BY ordered_at, created_at, id`, userID)
}

func (s *PostgresStore) ListInvestmentsSince(ctx context.Context, userID string, since time.Time) ([]model.Investment, error) {
	return s.investments(ctx,
		`SELECT `+investmentColumns+` FROM investments WHERE user_id = $1 AND ordered_at >= $2
		 ORDER BY ordered_at, created_at, id`, userID, since)
}

// --- Shared price table ---

func (s *PostgresStore) UpsertPrices(ctx context.Context, points []model.PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	return s.run(ctx, func(p *pgxpool.Pool) error {
		batch := &pgx.Batch{}
		for _, pt := range points {
			batch.Queue(
				`INSERT INTO prices (symbol, interval, ts, close) VALUES ($1, $2, $3, $4::NUMERIC)
				 ON CONFLICT (symbol, interval, ts) DO UPDATE SET close = EXCLUDED.close`,
				pt.Symbol, pt.Interval, pt.Timestamp, pt.Close.String())
		}
		return p.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) LatestPriceTime(ctx context.Context, symbol, interval string) (time.Time, bool, error) {
	var ts *time.Time
	err := s.run(ctx, func(p *pgxpool.Pool) error {
		return p.QueryRow(ctx,
			`SELECT max(ts) FROM prices WHERE symbol = $1 AND interval = $2`, symbol, interval).Scan(&ts)
	})
	if err != nil {
		return time.Time{}, false, err
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

func (s *PostgresStore) ListPrices(ctx context.Context, symbol, interval string, from, to time.Time) ([]model.PricePoint, error) {
	var out []model.PricePoint
	err := s.run(ctx, func(p *pgxpool.Pool) error {
		out = nil
		rows, err := p.Query(ctx,
			`SELECT symbol, interval, ts, close::TEXT FROM prices
			 WHERE symbol = $1 AND interval = $2 AND ts >= $3 AND ($4::TIMESTAMPTZ IS NULL OR ts < $4)
			 ORDER BY ts`, symbol, interval, from, nullTime(to))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var pt model.PricePoint
			var closeS string
			if err := rows.Scan(&pt.Symbol, &pt.Interval, &pt.Timestamp, &closeS); err != nil {
				return err
			}
			pt.Close = dec(closeS)
			out = append(out, pt)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) DeletePrices(ctx context.Context, points []model.PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	return s.run(ctx, func(p *pgxpool.Pool) error {
		batch := &pgx.Batch{}
		for _, pt := range points {
			batch.Queue(`DELETE FROM prices WHERE symbol = $1 AND interval = $2 AND ts = $3`,
				pt.Symbol, pt.Interval, pt.Timestamp)
		}
		return p.SendBatch(ctx, batch).Close()
	})
}

// --- Valuation history ---

func (s *PostgresStore) LatestValueSnapshot(ctx context.Context, userID string) (*model.ValueSnapshot, error) {
	var v model.ValueSnapshot
	var value string
	err := s.run(ctx, func(p *pgxpool.Pool) error {
		return p.QueryRow(ctx,
			`SELECT user_id, ts, value::TEXT FROM user_value_snapshots
			 WHERE user_id = $1 ORDER BY ts DESC LIMIT 1`, userID).Scan(&v.UserID, &v.Timestamp, &value)
	})
	if err != nil {
		return nil, err
	}
	v.Value = dec(value)
	return &v, nil
}

func (s *PostgresStore) InsertValueSnapshots(ctx context.Context, snaps []model.ValueSnapshot) (int, error) {
	if len(snaps) == 0 {
		return 0, nil
	}
	var written int
	err := s.tx(ctx, func(tx pgx.Tx) error {
		written = 0
		for _, v := range snaps {
			tag, err := tx.Exec(ctx,
				`INSERT INTO user_value_snapshots (user_id, ts, value) VALUES ($1, $2, $3::NUMERIC)
				 ON CONFLICT (user_id, ts) DO NOTHING`, v.UserID, v.Timestamp, v.Value.String())
			if err != nil {
				return err
			}
			written += int(tag.RowsAffected())
		}
		return nil
	})
	return written, err
}

func (s *PostgresStore) ListValueSnapshots(ctx context.Context, userID string, from, to time.Time) ([]model.ValueSnapshot, error) {
	var out []model.ValueSnapshot
	err := s.run(ctx, func(p *pgxpool.Pool) error {
		out = nil
		rows, err := p.Query(ctx,
			`SELECT user_id, ts, value::TEXT FROM user_value_snapshots
			 WHERE user_id = $1 AND ts >= $2 AND ($3::TIMESTAMPTZ IS NULL OR ts <= $3)
			 ORDER BY ts`, userID, from, nullTime(to))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v model.ValueSnapshot
			var value string
			if err := rows.Scan(&v.UserID, &v.Timestamp, &value); err != nil {
				return err
			}
			v.Value = dec(value)
			out = append(out, v)
		}
		return rows.Err()
	})
	return out, err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
