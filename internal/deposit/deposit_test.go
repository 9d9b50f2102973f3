package deposit_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/roundup-engine/internal/aggregator"
	"github.com/atmx/roundup-engine/internal/apperr"
	"github.com/atmx/roundup-engine/internal/brokerage"
	"github.com/atmx/roundup-engine/internal/deposit"
	"github.com/atmx/roundup-engine/internal/limits"
	"github.com/atmx/roundup-engine/internal/model"
	"github.com/atmx/roundup-engine/internal/store"
	"github.com/atmx/roundup-engine/internal/userlock"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2024, 5, 20, 14, 0, 0, 0, time.UTC)

const relURL = "https://broker.test/ach/relationships/rel-1/"

type fakeAggregator struct {
	accounts []aggregator.Account
}

func (f *fakeAggregator) Accounts(context.Context, string) ([]aggregator.Account, error) {
	return f.accounts, nil
}

func (f *fakeAggregator) SyncTransactions(context.Context, string, string) (*aggregator.SyncPage, error) {
	return &aggregator.SyncPage{}, nil
}

// fakeBrokerage records transfers. With initiateErr set, InitiateTransfer
// fails; with landAnyway the transfer is still created remotely.
type fakeBrokerage struct {
	mu          sync.Mutex
	links       []brokerage.BankAccount
	transfers   []brokerage.Transfer
	initiateErr error
	landAnyway  bool
	initiated   int
}

func (f *fakeBrokerage) LinkedBankAccounts(context.Context, string) ([]brokerage.BankAccount, error) {
	return f.links, nil
}

func (f *fakeBrokerage) BankTransfers(context.Context, string) ([]brokerage.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]brokerage.Transfer(nil), f.transfers...), nil
}

func (f *fakeBrokerage) BankTransfer(_ context.Context, _ string, id string) (*brokerage.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transfers {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, &brokerage.APIError{Status: 404, Code: "not_found", Message: "Not found."}
}

func (f *fakeBrokerage) InitiateTransfer(_ context.Context, _ string, rel string, amount decimal.Decimal) (*brokerage.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated++
	t := brokerage.Transfer{
		ID:                fmt.Sprintf("tr-%d", f.initiated),
		URL:               fmt.Sprintf("https://broker.test/ach/transfers/tr-%d/", f.initiated),
		ACHRelationship:   rel,
		Amount:            amount,
		Direction:         "deposit",
		State:             brokerage.TransferPending,
		EarlyAccessAmount: amount,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if f.initiateErr != nil {
		if f.landAnyway {
			f.transfers = append(f.transfers, t)
		}
		return nil, f.initiateErr
	}
	f.transfers = append(f.transfers, t)
	return &t, nil
}

func (f *fakeBrokerage) PlaceNotionalOrder(context.Context, string, string, decimal.Decimal, string) (*brokerage.Order, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeBrokerage) Order(context.Context, string, string) (*brokerage.Order, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeBrokerage) Orders(context.Context, string) ([]brokerage.Order, error) {
	return nil, nil
}

func (f *fakeBrokerage) AccountProfile(context.Context, string) (*brokerage.AccountProfile, error) {
	return &brokerage.AccountProfile{}, nil
}

func (f *fakeBrokerage) setState(id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.transfers {
		if f.transfers[i].ID == id {
			f.transfers[i].State = state
			f.transfers[i].UpdatedAt = now.Add(72 * time.Hour)
		}
	}
}

type fixture struct {
	svc    *deposit.Service
	store  *store.MemoryStore
	agg    *fakeAggregator
	broker *fakeBrokerage
	locker *userlock.MemoryLocker
}

func newFixture(t *testing.T, monthlyLimit float64) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertUserSettings(ctx, &model.UserSettings{
		UserID: "u1", AggregatorToken: "access-1", BrokerageToken: "session-1",
		TargetSymbol: "VTI", ScalingFactor: d(1),
	}))

	balance := d(500)
	agg := &fakeAggregator{accounts: []aggregator.Account{{
		AccountID: "acc-1", Mask: "1111", Subtype: "checking",
		Balances: aggregator.Balances{Available: &balance, ISOCurrencyCode: "USD"},
	}}}
	broker := &fakeBrokerage{links: []brokerage.BankAccount{{
		ID: "rel-1", URL: relURL, Mask: "****1111", Type: "checking", Verified: true, State: "approved",
	}}}
	locker := userlock.NewMemoryLocker(50 * time.Millisecond)

	svc := deposit.NewService(st, agg, broker, locker,
		limits.NewDepositLimiter(d(monthlyLimit), limits.DefaultWindow),
		deposit.Config{}, zerolog.Nop())
	svc.SetClock(func() time.Time { return now })

	return &fixture{svc: svc, store: st, agg: agg, broker: broker, locker: locker}
}

func (f *fixture) seedCashback(t *testing.T, id string, amount float64) {
	t.Helper()
	_, err := f.store.UpsertCashback(context.Background(), &model.CashbackTransaction{
		ID: id, UserID: "u1", AggregatorTxnID: "txn-" + id, AccountID: "acc-1",
		Amount: d(amount), Currency: "USD", Date: now.Add(-48 * time.Hour),
	})
	require.NoError(t, err)
}

func TestInitiate_SumsBatchAndBlocksRepeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.seedCashback(t, "cb-1", -5.00)
	f.seedCashback(t, "cb-2", -7.34)

	dep, err := f.svc.Initiate(ctx, "u1", []string{"cb-1", "cb-2"}, deposit.Options{})
	require.NoError(t, err)
	require.True(t, dep.Amount.Equal(d(12.34)), "amount %s", dep.Amount)
	require.Equal(t, model.DepositPending, dep.State)
	require.Equal(t, "rel-1", dep.FundingAccountID)
	require.Equal(t, "acc-1", dep.AggregatorAccountID)

	rows, err := f.store.GetCashbackByIDs(ctx, "u1", []string{"cb-1", "cb-2"})
	require.NoError(t, err)
	for _, c := range rows {
		require.True(t, c.Linked())
		require.Equal(t, dep.ID, *c.DepositID)
	}

	// Same batch again.
	_, err = f.svc.Initiate(ctx, "u1", []string{"cb-1", "cb-2"}, deposit.Options{})
	require.True(t, apperr.Is(err, apperr.KindDuplicate), "got %v", err)
	dups, ok := apperr.DetailOf(err).(*deposit.Duplicates)
	require.True(t, ok)
	require.Len(t, dups.Local, 1)
	require.Equal(t, dep.ID, dups.Local[0].ID)
	require.Len(t, dups.Remote, 1)

	// A fresh batch with an identical total.
	f.seedCashback(t, "cb-3", -12.34)
	_, err = f.svc.Initiate(ctx, "u1", []string{"cb-3"}, deposit.Options{})
	require.True(t, apperr.Is(err, apperr.KindDuplicate), "got %v", err)
	require.Equal(t, 1, f.broker.initiated)
}

func TestInitiate_OverrideDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.seedCashback(t, "cb-1", -12.34)
	f.seedCashback(t, "cb-2", -12.34)

	_, err := f.svc.Initiate(ctx, "u1", []string{"cb-1"}, deposit.Options{})
	require.NoError(t, err)

	dep, err := f.svc.Initiate(ctx, "u1", []string{"cb-2"}, deposit.Options{OverrideDuplicates: true})
	require.NoError(t, err)
	require.True(t, dep.Amount.Equal(d(12.34)))

	// Override never re-links a swept row.
	_, err = f.svc.Initiate(ctx, "u1", []string{"cb-1"}, deposit.Options{OverrideDuplicates: true})
	require.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
	require.Equal(t, 2, f.broker.initiated)
}

func TestInitiate_NoDuplicateProceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.seedCashback(t, "cb-1", -3)
	f.seedCashback(t, "cb-2", -4)

	_, err := f.svc.Initiate(ctx, "u1", []string{"cb-1"}, deposit.Options{})
	require.NoError(t, err)
	_, err = f.svc.Initiate(ctx, "u1", []string{"cb-2"}, deposit.Options{})
	require.NoError(t, err)
	require.Equal(t, 2, f.broker.initiated)
}

func TestInitiate_CancelledDepositIsNotARepeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.seedCashback(t, "cb-1", -8)
	f.seedCashback(t, "cb-2", -8)

	first, err := f.svc.Initiate(ctx, "u1", []string{"cb-1"}, deposit.Options{})
	require.NoError(t, err)
	f.broker.setState(first.RemoteID, brokerage.TransferCancelled)
	_, err = f.svc.Refresh(ctx, "u1", first.RemoteID, deposit.RefreshOptions{})
	require.NoError(t, err)

	_, err = f.svc.Initiate(ctx, "u1", []string{"cb-2"}, deposit.Options{})
	require.NoError(t, err)
}

func TestInitiate_FailedCallRunsReconcilingSearch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.seedCashback(t, "cb-1", -9.99)
	f.broker.initiateErr = &brokerage.ValidationError{Op: "initiate_transfer", Field: "id", Reason: "is missing"}
	f.broker.landAnyway = true

	_, err := f.svc.Initiate(ctx, "u1", []string{"cb-1"}, deposit.Options{})
	require.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)

	rec, ok := apperr.DetailOf(err).(deposit.Recovery)
	require.True(t, ok)
	require.Len(t, rec.Candidates, 1)
	require.Equal(t, "tr-1", rec.Candidates[0].ID)
	require.Equal(t, 1, f.broker.initiated, "transfer must not be retried")

	// Nothing was linked locally.
	rows, _ := f.store.GetCashbackByIDs(ctx, "u1", []string{"cb-1"})
	require.False(t, rows[0].Linked())
	_, err = f.store.LatestDeposit(ctx, "u1")
	require.ErrorIs(t, err, store.ErrNotFound)

	// The refresh path adopts the landed transfer and links the batch.
	dep, err := f.svc.Refresh(ctx, "u1", "tr-1", deposit.RefreshOptions{CashbackIDs: []string{"cb-1"}})
	require.NoError(t, err)
	require.Equal(t, "rel-1", dep.FundingAccountID)
	require.Equal(t, "1111", dep.AccountMask)
	rows, _ = f.store.GetCashbackByIDs(ctx, "u1", []string{"cb-1"})
	require.True(t, rows[0].Linked())
}

func TestInitiate_RemoteErrorCarriesCode(t *testing.T) {
	f := newFixture(t, 1000)
	f.seedCashback(t, "cb-1", -2)
	f.broker.initiateErr = &brokerage.APIError{Status: 400, Code: "ach_relationship_unverified", Message: "Unverified."}

	_, err := f.svc.Initiate(context.Background(), "u1", []string{"cb-1"}, deposit.Options{})
	require.True(t, apperr.Is(err, apperr.KindRemoteAPI), "got %v", err)

	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "ach_relationship_unverified", ae.Code)
	rec := ae.Detail.(deposit.Recovery)
	require.Empty(t, rec.Candidates)
}

func TestInitiate_NoMatchingAccount(t *testing.T) {
	f := newFixture(t, 1000)
	f.seedCashback(t, "cb-1", -600)

	_, err := f.svc.Initiate(context.Background(), "u1", []string{"cb-1"}, deposit.Options{})
	require.True(t, apperr.Is(err, apperr.KindAccountMismatch), "got %v", err)
	require.Zero(t, f.broker.initiated)
}

func TestInitiate_MonthlyLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.seedCashback(t, "cb-1", -12.34)

	_, err := f.svc.Initiate(ctx, "u1", []string{"cb-1"}, deposit.Options{})
	require.True(t, apperr.Is(err, apperr.KindLimitExceeded), "got %v", err)
	require.Zero(t, f.broker.initiated)

	_, err = f.svc.Initiate(ctx, "u1", []string{"cb-1"}, deposit.Options{OverrideLimit: true})
	require.NoError(t, err)
}

func TestInitiate_InputErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)

	_, err := f.svc.Initiate(ctx, "u1", nil, deposit.Options{})
	require.True(t, apperr.Is(err, apperr.KindInvalidInput))

	_, err = f.svc.Initiate(ctx, "u1", []string{"missing"}, deposit.Options{})
	require.ErrorIs(t, err, deposit.ErrCashbackNotFound)

	_, err = f.svc.Initiate(ctx, "nobody", []string{"x"}, deposit.Options{})
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestInitiate_LockedUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.seedCashback(t, "cb-1", -1)

	release, err := f.locker.Lock(ctx, "u1")
	require.NoError(t, err)
	defer release()

	_, err = f.svc.Initiate(ctx, "u1", []string{"cb-1"}, deposit.Options{})
	require.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
	require.Zero(t, f.broker.initiated)
}

func TestRefresh_ReconcilesState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.seedCashback(t, "cb-1", -6)

	dep, err := f.svc.Initiate(ctx, "u1", []string{"cb-1"}, deposit.Options{})
	require.NoError(t, err)

	f.broker.setState(dep.RemoteID, brokerage.TransferCompleted)
	got, err := f.svc.Refresh(ctx, "u1", dep.RemoteID, deposit.RefreshOptions{})
	require.NoError(t, err)
	require.Equal(t, model.DepositCompleted, got.State)
	require.NotNil(t, got.SettledAt)
	require.True(t, got.Amount.Equal(d(6)))

	n, err := f.svc.RefreshOpen(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRefresh_AdoptRejectsAmountMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.seedCashback(t, "cb-1", -5)
	f.broker.transfers = []brokerage.Transfer{{
		ID: "tr-9", ACHRelationship: relURL, Amount: d(7), State: "queued", CreatedAt: now,
	}}

	_, err := f.svc.Refresh(ctx, "u1", "tr-9", deposit.RefreshOptions{CashbackIDs: []string{"cb-1"}})
	require.ErrorIs(t, err, deposit.ErrAmountMismatch)
	rows, err := f.store.GetCashbackByIDs(ctx, "u1", []string{"cb-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, rows[0].Linked(), "cb-1 must stay unlinked")
	_, err = f.store.GetDepositByRemoteID(ctx, "u1", "tr-9")
	require.ErrorIs(t, err, store.ErrNotFound)

	dep, err := f.svc.Refresh(ctx, "u1", "tr-9", deposit.RefreshOptions{})
	require.NoError(t, err)
	require.Equal(t, model.DepositProcessing, dep.State)
}

func TestRefresh_AdoptsUnrecordedTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.seedCashback(t, "cb-1", -5.00)
	f.seedCashback(t, "cb-2", -7.34)
	f.broker.transfers = []brokerage.Transfer{{
		ID: "tr-9", URL: "https://broker.test/ach/transfers/tr-9/", ACHRelationship: relURL,
		Amount: d(12.34), Direction: "deposit", State: brokerage.TransferPending, CreatedAt: now,
	}}

	dep, err := f.svc.Refresh(ctx, "u1", "tr-9", deposit.RefreshOptions{CashbackIDs: []string{"cb-1", "cb-2"}})
	require.NoError(t, err)
	require.Equal(t, model.DepositPending, dep.State)
	require.True(t, dep.Amount.Equal(d(12.34)), "amount %s", dep.Amount)
	require.Equal(t, "rel-1", dep.FundingAccountID)

	stored, err := f.store.GetDepositByRemoteID(ctx, "u1", "tr-9")
	require.NoError(t, err)
	require.Equal(t, dep.ID, stored.ID)

	rows, err := f.store.GetCashbackByIDs(ctx, "u1", []string{"cb-1", "cb-2"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, c := range rows {
		require.NotNil(t, c.DepositID, "cashback %s not linked", c.ID)
		require.Equal(t, dep.ID, *c.DepositID)
	}

	// A later refresh updates the adopted row instead of creating another.
	f.broker.setState("tr-9", brokerage.TransferCompleted)
	again, err := f.svc.Refresh(ctx, "u1", "tr-9", deposit.RefreshOptions{})
	require.NoError(t, err)
	require.Equal(t, dep.ID, again.ID)
	require.Equal(t, model.DepositCompleted, again.State)
}

func TestRefresh_UnknownTransfer(t *testing.T) {
	f := newFixture(t, 1000)
	_, err := f.svc.Refresh(context.Background(), "u1", "tr-404", deposit.RefreshOptions{})
	require.True(t, apperr.Is(err, apperr.KindRemoteAPI), "got %v", err)
}

func TestMapState(t *testing.T) {
	cases := map[string]model.DepositState{
		"pending":   model.DepositPending,
		"queued":    model.DepositProcessing,
		"submitted": model.DepositProcessing,
		"completed": model.DepositCompleted,
		"cancelled": model.DepositCancelled,
		"failed":    model.DepositFailed,
		"reversed":  model.DepositFailed,
		"mystery":   model.DepositProcessing,
	}
	for remote, want := range cases {
		if got := deposit.MapState(remote); got != want {
			t.Errorf("MapState(%q) = %s, want %s", remote, got, want)
		}
	}
}
