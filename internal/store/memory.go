package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/model"
	"github.com/atmx/roundup-engine/internal/position"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	settings    map[string]*model.UserSettings
	cashback    map[string]*model.CashbackTransaction // by local id
	deposits    map[string]*model.Deposit             // by local id
	investments map[string]*model.Investment          // by local id
	prices      map[priceKey]model.PricePoint
	snapshots   map[snapshotKey]model.ValueSnapshot
}

type priceKey struct {
	symbol, interval string
	ts               int64
}

type snapshotKey struct {
	userID string
	ts     int64
}

func keyOf(p model.PricePoint) priceKey {
	return priceKey{p.Symbol, p.Interval, p.Timestamp.UnixNano()}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings:    make(map[string]*model.UserSettings),
		cashback:    make(map[string]*model.CashbackTransaction),
		deposits:    make(map[string]*model.Deposit),
		investments: make(map[string]*model.Investment),
		prices:      make(map[priceKey]model.PricePoint),
		snapshots:   make(map[snapshotKey]model.ValueSnapshot),
	}
}

// --- User settings ---

func (s *MemoryStore) GetUserSettings(_ context.Context, userID string) (*model.UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	us, ok := s.settings[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *us
	return &copy, nil
}

func (s *MemoryStore) UpsertUserSettings(_ context.Context, us *model.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *us
	if prev, ok := s.settings[us.UserID]; ok && copy.SyncCursor == "" {
		copy.SyncCursor = prev.SyncCursor
	}
	s.settings[us.UserID] = &copy
	return nil
}

func (s *MemoryStore) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.settings))
	for id := range s.settings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) SaveSyncCursor(_ context.Context, userID, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	us, ok := s.settings[userID]
	if !ok {
		return ErrNotFound
	}
	us.SyncCursor = cursor
	return nil
}

// --- Cashback ledger ---

func (s *MemoryStore) GetCashbackByIDs(_ context.Context, userID string, ids []string) ([]model.CashbackTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CashbackTransaction
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		c, ok := s.cashback[id]
		if !ok || c.UserID != userID || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, copyCashback(c))
	}
	return out, nil
}

func (s *MemoryStore) GetCashbackByAggregatorID(_ context.Context, userID, aggregatorTxnID string) (*model.CashbackTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.findCashback(userID, aggregatorTxnID)
	if c == nil {
		return nil, ErrNotFound
	}
	copy := copyCashback(c)
	return &copy, nil
}

func (s *MemoryStore) UpsertCashback(_ context.Context, c *model.CashbackTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.findCashback(c.UserID, c.AggregatorTxnID)
	if existing == nil {
		row := copyCashback(c)
		row.DepositID = nil
		s.cashback[row.ID] = &row
		return true, nil
	}
	if existing.Linked() {
		return false, ErrLinked
	}

	row := copyCashback(c)
	row.ID = existing.ID
	row.CreatedAt = existing.CreatedAt
	row.DepositID = nil
	row.Flagged = existing.Flagged || c.Flagged
	s.cashback[row.ID] = &row
	c.ID = row.ID
	return false, nil
}

func (s *MemoryStore) DeleteCashback(_ context.Context, userID, aggregatorTxnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findCashback(userID, aggregatorTxnID)
	if c == nil {
		return ErrNotFound
	}
	if c.Linked() {
		return ErrLinked
	}
	delete(s.cashback, c.ID)
	return nil
}

func (s *MemoryStore) FlagCashback(_ context.Context, userID, cashbackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cashback[cashbackID]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	c.Flagged = true
	c.UpdatedAt = time.Now().UTC()
	if c.Linked() {
		if d, ok := s.deposits[*c.DepositID]; ok {
			d.Flagged = true
			d.UpdatedAt = c.UpdatedAt
		}
	}
	return nil
}

func (s *MemoryStore) ListUndepositedCashback(_ context.Context, userID string) ([]model.CashbackTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CashbackTransaction
	for _, c := range s.cashback {
		if c.UserID == userID && !c.Linked() && !c.Pending {
			out = append(out, copyCashback(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) findCashback(userID, aggregatorTxnID string) *model.CashbackTransaction {
	for _, c := range s.cashback {
		if c.UserID == userID && c.AggregatorTxnID == aggregatorTxnID {
			return c
		}
	}
	return nil
}

// --- Deposit ledger ---

func (s *MemoryStore) CreateDeposit(_ context.Context, d *model.Deposit, cashbackIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.deposits {
		if existing.ID == d.ID || (d.RemoteID != "" && existing.RemoteID == d.RemoteID) {
			return ErrConflict
		}
	}

	// Validate every row before linking any.
	rows := make([]*model.CashbackTransaction, 0, len(cashbackIDs))
	for _, id := range cashbackIDs {
		c, ok := s.cashback[id]
		if !ok || c.UserID != d.UserID {
			return ErrNotFound
		}
		if c.Linked() {
			return ErrLinked
		}
		rows = append(rows, c)
	}

	copy := *d
	s.deposits[d.ID] = &copy
	for _, c := range rows {
		id := d.ID
		c.DepositID = &id
		c.UpdatedAt = d.CreatedAt
	}
	return nil
}

func (s *MemoryStore) GetDeposit(_ context.Context, userID, id string) (*model.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deposits[id]
	if !ok || d.UserID != userID {
		return nil, ErrNotFound
	}
	copy := *d
	return &copy, nil
}

func (s *MemoryStore) GetDepositByRemoteID(_ context.Context, userID, remoteID string) (*model.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.deposits {
		if d.UserID == userID && d.RemoteID == remoteID {
			copy := *d
			return &copy, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateDepositStatus(_ context.Context, upd *model.Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[upd.ID]
	if !ok || d.UserID != upd.UserID {
		return ErrNotFound
	}
	d.State = upd.State
	d.EarlyAccessAmount = upd.EarlyAccessAmount
	d.SettledAt = upd.SettledAt
	d.ExpectedLandingAt = upd.ExpectedLandingAt
	d.UpdatedAt = upd.UpdatedAt
	return nil
}

func (s *MemoryStore) ListDeposits(_ context.Context, userID string) ([]model.Deposit, error) {
	return s.depositsWhere(func(d *model.Deposit) bool { return d.UserID == userID }), nil
}

func (s *MemoryStore) ListDepositsSince(_ context.Context, userID string, since time.Time) ([]model.Deposit, error) {
	return s.depositsWhere(func(d *model.Deposit) bool {
		return d.UserID == userID && !d.RequestedAt.Before(since)
	}), nil
}

func (s *MemoryStore) LatestDeposit(ctx context.Context, userID string) (*model.Deposit, error) {
	deps, _ := s.ListDeposits(ctx, userID)
	if len(deps) == 0 {
		return nil, ErrNotFound
	}
	return &deps[0], nil
}

func (s *MemoryStore) ListOpenDeposits(_ context.Context) ([]model.Deposit, error) {
	return s.depositsWhere(func(d *model.Deposit) bool { return !d.State.Terminal() }), nil
}

// depositsWhere returns matching deposits newest first.
func (s *MemoryStore) depositsWhere(keep func(*model.Deposit) bool) []model.Deposit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Deposit
	for _, d := range s.deposits {
		if keep(d) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.After(out[j].RequestedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// --- Investment ledger ---

func (s *MemoryStore) CreateInvestment(_ context.Context, inv *model.Investment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.investments {
		if existing.ID == inv.ID || (inv.RemoteOrderID != "" && existing.UserID == inv.UserID && existing.RemoteOrderID == inv.RemoteOrderID) {
			return ErrConflict
		}
	}

	var dep *model.Deposit
	if inv.DepositID != nil {
		d, ok := s.deposits[*inv.DepositID]
		if !ok || d.UserID != inv.UserID {
			return ErrNotFound
		}
		if d.InvestmentID != nil {
			return ErrConflict
		}
		dep = d
	}

	copy := copyInvestment(inv)
	s.investments[inv.ID] = &copy
	if dep != nil {
		id := inv.ID
		dep.InvestmentID = &id
	}
	s.rebuildLocked(inv.UserID)
	inv.Cumulative = copyCumulative(s.investments[inv.ID].Cumulative)
	return nil
}

func (s *MemoryStore) UpdateInvestmentFill(_ context.Context, userID, id string, quantity decimal.Decimal, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.investments[id]
	if !ok || inv.UserID != userID {
		return ErrNotFound
	}
	inv.Quantity = quantity
	inv.State = state
	s.rebuildLocked(userID)
	return nil
}

// rebuildLocked recomputes every cumulative snapshot of a user. Must hold mu.
func (s *MemoryStore) rebuildLocked(userID string) {
	var invs []model.Investment
	for _, inv := range s.investments {
		if inv.UserID == userID {
			invs = append(invs, *inv)
		}
	}
	for _, i := range position.Rebuild(invs) {
		s.investments[invs[i].ID].Cumulative = invs[i].Cumulative
	}
}

func (s *MemoryStore) GetInvestment(_ context.Context, userID, id string) (*model.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.investments[id]
	if !ok || inv.UserID != userID {
		return nil, ErrNotFound
	}
	copy := copyInvestment(inv)
	return &copy, nil
}

func (s *MemoryStore) GetInvestmentByRemoteID(_ context.Context, userID, remoteOrderID string) (*model.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inv := range s.investments {
		if inv.UserID == userID && inv.RemoteOrderID == remoteOrderID {
			copy := copyInvestment(inv)
			return &copy, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListInvestments(ctx context.Context, userID string) ([]model.Investment, error) {
	return s.ListInvestmentsSince(ctx, userID, time.Time{})
}

func (s *MemoryStore) ListInvestmentsSince(_ context.Context, userID string, since time.Time) ([]model.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Investment
	for _, inv := range s.investments {
		if inv.UserID == userID && !inv.OrderedAt.Before(since) {
			out = append(out, copyInvestment(inv))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return position.Less(&out[i], &out[j]) })
	return out, nil
}

// --- Shared price table ---

func (s *MemoryStore) UpsertPrices(_ context.Context, points []model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range points {
		s.prices[keyOf(p)] = p
	}
	return nil
}

func (s *MemoryStore) LatestPriceTime(_ context.Context, symbol, interval string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last time.Time
	found := false
	for k, p := range s.prices {
		if k.symbol == symbol && k.interval == interval && (!found || p.Timestamp.After(last)) {
			last, found = p.Timestamp, true
		}
	}
	return last, found, nil
}

func (s *MemoryStore) ListPrices(_ context.Context, symbol, interval string, from, to time.Time) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PricePoint
	for k, p := range s.prices {
		if k.symbol != symbol || k.interval != interval || p.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !p.Timestamp.Before(to) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) DeletePrices(_ context.Context, points []model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range points {
		delete(s.prices, keyOf(p))
	}
	return nil
}

// --- Valuation history ---

func (s *MemoryStore) LatestValueSnapshot(_ context.Context, userID string) (*model.ValueSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.ValueSnapshot
	for k, v := range s.snapshots {
		if k.userID != userID {
			continue
		}
		if latest == nil || v.Timestamp.After(latest.Timestamp) {
			v := v
			latest = &v
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStore) InsertValueSnapshots(_ context.Context, snaps []model.ValueSnapshot) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, v := range snaps {
		k := snapshotKey{v.UserID, v.Timestamp.UnixNano()}
		if _, exists := s.snapshots[k]; exists {
			continue
		}
		s.snapshots[k] = v
		n++
	}
	return n, nil
}

func (s *MemoryStore) ListValueSnapshots(_ context.Context, userID string, from, to time.Time) ([]model.ValueSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ValueSnapshot
	for k, v := range s.snapshots {
		if k.userID != userID || v.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && v.Timestamp.After(to) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- Copy helpers (stored rows are never shared with callers) ---

func copyCashback(c *model.CashbackTransaction) model.CashbackTransaction {
	out := *c
	if c.DepositID != nil {
		id := *c.DepositID
		out.DepositID = &id
	}
	return out
}

func copyInvestment(inv *model.Investment) model.Investment {
	out := *inv
	out.Cumulative = copyCumulative(inv.Cumulative)
	if inv.DepositID != nil {
		id := *inv.DepositID
		out.DepositID = &id
	}
	return out
}

func copyCumulative(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	if m == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
