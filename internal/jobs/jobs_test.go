package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/brokerage"
	"github.com/atmx/roundup-engine/internal/config"
	"github.com/atmx/roundup-engine/internal/interval"
	"github.com/atmx/roundup-engine/internal/invest"
	"github.com/atmx/roundup-engine/internal/jobs"
	"github.com/atmx/roundup-engine/internal/model"
	"github.com/atmx/roundup-engine/internal/pricing"
	"github.com/atmx/roundup-engine/internal/store"
	"github.com/atmx/roundup-engine/internal/userlock"
	"github.com/atmx/roundup-engine/internal/valuation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2024, 5, 16, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeSource) History(_ context.Context, symbol string, iv interval.Interval, _, _ time.Time) ([]pricing.Quote, error) {
	f.mu.Lock()
	f.calls = append(f.calls, symbol+"/"+iv.String())
	f.mu.Unlock()
	return []pricing.Quote{
		{Timestamp: time.Date(2024, 5, 14, 20, 0, 0, 0, time.UTC), Close: d(100)},
		{Timestamp: time.Date(2024, 5, 15, 20, 0, 0, 0, time.UTC), Close: d(110)},
	}, nil
}

func seedUser(t *testing.T, st *store.MemoryStore, id, symbol string, auto bool) {
	t.Helper()
	err := st.UpsertUserSettings(context.Background(), &model.UserSettings{
		UserID: id, BrokerageToken: "brk", TargetSymbol: symbol, AutoInvest: auto,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPricedSymbols_UnionOfConfigAndTargets(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "u1", "btc", false)
	seedUser(t, st, "u2", "VTI", false)
	seedUser(t, st, "u3", "", false)

	j := &jobs.Jobs{Store: st, Symbols: []string{"vti", "SPY"}, Log: zerolog.Nop()}
	got, err := j.PricedSymbols(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"BTC", "SPY", "VTI"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("symbol %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRefreshPricesThenValuation(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	seedUser(t, st, "u1", "VTI", false)
	if err := st.CreateInvestment(ctx, &model.Investment{
		ID: "i1", UserID: "u1", RemoteOrderID: "o1", Symbol: "VTI", Side: model.SideBuy,
		Quantity: d(1), Notional: d(100), State: "filled", OrderedAt: time.Date(2024, 5, 14, 15, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{}
	refresher := pricing.NewRefresher(src, st, zerolog.Nop())
	refresher.SetClock(func() time.Time { return now })
	engine := valuation.NewEngine(st, valuation.Config{}, zerolog.Nop())
	engine.SetClock(func() time.Time { return now })

	j := &jobs.Jobs{
		Store:     st,
		Prices:    refresher,
		Valuation: engine,
		Intervals: []interval.Interval{interval.OneDay},
		Log:       zerolog.Nop(),
	}
	if err := j.RefreshPrices(ctx); err != nil {
		t.Fatalf("refresh prices: %v", err)
	}
	if len(src.calls) != 1 || src.calls[0] != "VTI/1d" {
		t.Fatalf("unexpected source calls %v", src.calls)
	}

	if err := j.RecomputeValuation(ctx); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	latest, err := st.LatestValueSnapshot(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !latest.Timestamp.Equal(time.Date(2024, 5, 16, 0, 0, 0, 0, time.UTC)) || !latest.Value.Equal(d(110)) {
		t.Errorf("unexpected latest snapshot %+v", latest)
	}
}

func TestAutoDeposit_SkipsUsersWithoutWork(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "u1", "VTI", false)
	seedUser(t, st, "u2", "VTI", true)

	// Neither user reaches the deposit service: u1 is not auto-invest and
	// u2 has no undeposited cashback.
	j := &jobs.Jobs{Store: st, Log: zerolog.Nop()}
	if err := j.AutoDeposit(context.Background()); err != nil {
		t.Fatalf("auto deposit: %v", err)
	}
}

// orderBroker knows only the orders it placed itself.
type orderBroker struct {
	mu     sync.Mutex
	orders []brokerage.Order
}

func (b *orderBroker) LinkedBankAccounts(context.Context, string) ([]brokerage.BankAccount, error) {
	return nil, nil
}

func (b *orderBroker) BankTransfers(context.Context, string) ([]brokerage.Transfer, error) {
	return nil, nil
}

func (b *orderBroker) BankTransfer(context.Context, string, string) (*brokerage.Transfer, error) {
	return nil, fmt.Errorf("not used")
}

func (b *orderBroker) InitiateTransfer(context.Context, string, string, decimal.Decimal) (*brokerage.Transfer, error) {
	return nil, fmt.Errorf("not used")
}

func (b *orderBroker) PlaceNotionalOrder(_ context.Context, _ string, symbol string, amount decimal.Decimal, side string) (*brokerage.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o := brokerage.Order{
		ID: fmt.Sprintf("o-%d", len(b.orders)+1), Symbol: symbol, Side: side,
		Quantity: amount.Div(d(100)), Notional: amount, State: "filled", CreatedAt: now, UpdatedAt: now,
	}
	b.orders = append(b.orders, o)
	return &o, nil
}

func (b *orderBroker) Order(_ context.Context, _ string, id string) (*brokerage.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.orders {
		if o.ID == id {
			return &o, nil
		}
	}
	return nil, &brokerage.APIError{Status: 404, Code: "not_found", Message: "Not found."}
}

func (b *orderBroker) Orders(context.Context, string) ([]brokerage.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]brokerage.Order(nil), b.orders...), nil
}

func (b *orderBroker) AccountProfile(context.Context, string) (*brokerage.AccountProfile, error) {
	return &brokerage.AccountProfile{PortfolioCash: d(100), BuyingPower: d(100)}, nil
}

func TestRefreshOrders_FailedRefreshStillInvests(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedUser(t, st, "u1", "VTI", true)
	if err := st.CreateInvestment(ctx, &model.Investment{
		ID: "i-stale", UserID: "u1", RemoteOrderID: "o-gone", Symbol: "VTI", Side: model.SideBuy,
		Quantity: d(0), Notional: d(50), State: "queued", OrderedAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	for id, amount := range map[string]float64{"dep-1": 10, "dep-2": 20} {
		if err := st.CreateDeposit(ctx, &model.Deposit{
			ID: id, UserID: "u1", RemoteID: "tr-" + id, Amount: d(amount), State: model.DepositCompleted,
			RequestedAt: now.Add(-72 * time.Hour), CreatedAt: now.Add(-72 * time.Hour),
		}, nil); err != nil {
			t.Fatal(err)
		}
	}

	svc := invest.NewService(st, &orderBroker{}, userlock.NewMemoryLocker(50*time.Millisecond), invest.Config{}, zerolog.Nop())
	svc.SetClock(func() time.Time { return now })
	j := &jobs.Jobs{Store: st, Invest: svc, Log: zerolog.Nop()}

	err := j.RefreshOrders(ctx)
	var apiErr *brokerage.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 404 {
		t.Fatalf("expected the refresh failure to be reported, got %v", err)
	}

	for _, id := range []string{"dep-1", "dep-2"} {
		dep, _ := st.GetDeposit(ctx, "u1", id)
		if dep.InvestmentID == nil {
			t.Errorf("%s should be invested despite the failed refresh", id)
		}
	}
}

func TestInvestable(t *testing.T) {
	id := "inv-1"
	tests := []struct {
		name string
		dep  model.Deposit
		want bool
	}{
		{"completed", model.Deposit{Amount: d(10), State: model.DepositCompleted}, true},
		{"early access covers amount", model.Deposit{Amount: d(10), State: model.DepositPending, EarlyAccessAmount: d(10)}, true},
		{"partial early access", model.Deposit{Amount: d(10), State: model.DepositPending, EarlyAccessAmount: d(4)}, false},
		{"flagged", model.Deposit{Amount: d(10), State: model.DepositCompleted, Flagged: true}, false},
		{"already invested", model.Deposit{Amount: d(10), State: model.DepositCompleted, InvestmentID: &id}, false},
		{"failed", model.Deposit{Amount: d(10), State: model.DepositFailed, EarlyAccessAmount: d(10)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jobs.Investable(&tt.dep); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegister_RejectsBadSchedule(t *testing.T) {
	r := jobs.NewRunner(zerolog.Nop(), context.Background())
	j := &jobs.Jobs{Store: store.NewMemoryStore(), Log: zerolog.Nop()}

	if err := j.Register(r, config.CronConfig{Valuation: "not a schedule"}); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
	if err := j.Register(jobs.NewRunner(zerolog.Nop(), context.Background()), config.CronConfig{Valuation: "0 30 22 * * *"}); err != nil {
		t.Fatalf("register: %v", err)
	}
}
