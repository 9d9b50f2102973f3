package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/roundup-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for user settings, deposit lists and valuation series. Writes go to
// the primary store and invalidate the cache; reads check Redis first then
// fall back to the primary. Methods not overridden pass straight through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// cachedSettings keeps the token fields that model.UserSettings hides from
// JSON responses.
type cachedSettings struct {
	model.UserSettings
	AggregatorToken string `json:"aggregator_token"`
	BrokerageToken  string `json:"brokerage_token"`
	SyncCursor      string `json:"sync_cursor"`
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertUserSettings(ctx context.Context, us *model.UserSettings) error {
	if err := s.Store.UpsertUserSettings(ctx, us); err != nil {
		return err
	}
	s.rdb.Del(ctx, settingsKey(us.UserID))
	return nil
}

func (s *CachedStore) SaveSyncCursor(ctx context.Context, userID, cursor string) error {
	if err := s.Store.SaveSyncCursor(ctx, userID, cursor); err != nil {
		return err
	}
	s.rdb.Del(ctx, settingsKey(userID))
	return nil
}

func (s *CachedStore) CreateDeposit(ctx context.Context, d *model.Deposit, cashbackIDs []string) error {
	if err := s.Store.CreateDeposit(ctx, d, cashbackIDs); err != nil {
		return err
	}
	s.rdb.Del(ctx, depositsKey(d.UserID))
	return nil
}

func (s *CachedStore) UpdateDepositStatus(ctx context.Context, d *model.Deposit) error {
	if err := s.Store.UpdateDepositStatus(ctx, d); err != nil {
		return err
	}
	s.rdb.Del(ctx, depositsKey(d.UserID))
	return nil
}

func (s *CachedStore) FlagCashback(ctx context.Context, userID, cashbackID string) error {
	if err := s.Store.FlagCashback(ctx, userID, cashbackID); err != nil {
		return err
	}
	s.rdb.Del(ctx, depositsKey(userID))
	return nil
}

func (s *CachedStore) CreateInvestment(ctx context.Context, inv *model.Investment) error {
	if err := s.Store.CreateInvestment(ctx, inv); err != nil {
		return err
	}
	s.rdb.Del(ctx, depositsKey(inv.UserID))
	return nil
}

func (s *CachedStore) InsertValueSnapshots(ctx context.Context, snaps []model.ValueSnapshot) (int, error) {
	n, err := s.Store.InsertValueSnapshots(ctx, snaps)
	if err != nil {
		return n, err
	}
	users := make(map[string]bool)
	for _, v := range snaps {
		if !users[v.UserID] {
			users[v.UserID] = true
			s.rdb.Del(ctx, valuesKey(v.UserID))
		}
	}
	return n, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUserSettings(ctx context.Context, userID string) (*model.UserSettings, error) {
	data, err := s.rdb.Get(ctx, settingsKey(userID)).Bytes()
	if err == nil {
		if us, ok := decodeSettings(data); ok {
			return us, nil
		}
	}

	us, err := s.Store.GetUserSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := encodeSettings(us); err == nil {
		s.rdb.Set(ctx, settingsKey(userID), data, s.ttl)
	}
	return us, nil
}

func (s *CachedStore) ListDeposits(ctx context.Context, userID string) ([]model.Deposit, error) {
	data, err := s.rdb.Get(ctx, depositsKey(userID)).Bytes()
	if err == nil {
		var deps []model.Deposit
		if json.Unmarshal(data, &deps) == nil {
			return deps, nil
		}
	}

	deps, err := s.Store.ListDeposits(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(deps); err == nil {
		s.rdb.Set(ctx, depositsKey(userID), data, s.ttl)
	}
	return deps, nil
}

// ListValueSnapshots caches the full series per user and slices it locally.
func (s *CachedStore) ListValueSnapshots(ctx context.Context, userID string, from, to time.Time) ([]model.ValueSnapshot, error) {
	var series []model.ValueSnapshot
	data, err := s.rdb.Get(ctx, valuesKey(userID)).Bytes()
	if err != nil || json.Unmarshal(data, &series) != nil {
		series, err = s.Store.ListValueSnapshots(ctx, userID, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(series); err == nil {
			s.rdb.Set(ctx, valuesKey(userID), data, s.ttl)
		}
	}
	return SliceSnapshots(series, from, to), nil
}

// SliceSnapshots keeps the snapshots of a sorted series within [from, to].
// A zero to means no upper bound.
func SliceSnapshots(series []model.ValueSnapshot, from, to time.Time) []model.ValueSnapshot {
	var out []model.ValueSnapshot
	for _, v := range series {
		if v.Timestamp.Before(from) || (!to.IsZero() && v.Timestamp.After(to)) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// --- Cache helpers ---

func encodeSettings(us *model.UserSettings) ([]byte, error) {
	return json.Marshal(cachedSettings{
		UserSettings:    *us,
		AggregatorToken: us.AggregatorToken,
		BrokerageToken:  us.BrokerageToken,
		SyncCursor:      us.SyncCursor,
	})
}

func decodeSettings(data []byte) (*model.UserSettings, bool) {
	var cs cachedSettings
	if json.Unmarshal(data, &cs) != nil || cs.UserID == "" {
		return nil, false
	}
	us := cs.UserSettings
	us.AggregatorToken = cs.AggregatorToken
	us.BrokerageToken = cs.BrokerageToken
	us.SyncCursor = cs.SyncCursor
	return &us, true
}

func settingsKey(uid string) string { return fmt.Sprintf("roundup:settings:%s", uid) }
func depositsKey(uid string) string { return fmt.Sprintf("roundup:deposits:%s", uid) }
func valuesKey(uid string) string   { return fmt.Sprintf("roundup:values:%s", uid) }
