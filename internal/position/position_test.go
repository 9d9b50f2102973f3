package position_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/model"
	"github.com/atmx/roundup-engine/internal/position"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func inv(id, symbol string, qty float64, at time.Time) model.Investment {
	return model.Investment{ID: id, Symbol: symbol, Quantity: d(qty), OrderedAt: at, CreatedAt: at}
}

var t0 = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

func TestRebuild_CumulativeInvariant(t *testing.T) {
	invs := []model.Investment{
		inv("a", "SPY", 1.5, t0),
		inv("b", "BTC", 0.01, t0.Add(time.Hour)),
		inv("c", "SPY", -0.5, t0.Add(2*time.Hour)),
		inv("d", "SPY", 2, t0.Add(3*time.Hour)),
	}
	position.Rebuild(invs)

	prev := position.Snapshot{}
	for i, in := range invs {
		for _, sym := range []string{"SPY", "BTC"} {
			want := prev[sym]
			if sym == in.Symbol {
				want = want.Add(in.Quantity)
			}
			if got := in.Cumulative[sym]; !got.Equal(want) {
				t.Errorf("invs[%d][%s] = %s, want %s", i, sym, got, want)
			}
		}
		prev = in.Cumulative
	}

	if got := invs[3].Cumulative["SPY"]; !got.Equal(d(3)) {
		t.Errorf("expected final SPY 3, got %s", got)
	}
}

func TestRebuild_OutOfOrderArrival(t *testing.T) {
	invs := []model.Investment{
		inv("a", "SPY", 1, t0),
		inv("c", "SPY", 1, t0.Add(2*time.Hour)),
	}
	position.Rebuild(invs)

	// A late order dated between a and c.
	invs = append(invs, inv("b", "SPY", 5, t0.Add(time.Hour)))
	changed := position.Rebuild(invs)

	if invs[1].ID != "b" {
		t.Fatalf("expected late order sorted into the middle, got %s", invs[1].ID)
	}
	if got := invs[2].Cumulative["SPY"]; !got.Equal(d(7)) {
		t.Errorf("expected later snapshot rebuilt to 7, got %s", got)
	}
	if len(changed) != 2 || changed[0] != 1 || changed[1] != 2 {
		t.Errorf("expected indices 1 and 2 changed, got %v", changed)
	}
}

func TestApply_DoesNotMutatePrevious(t *testing.T) {
	prev := position.Snapshot{"SPY": d(1)}
	in := inv("a", "SPY", 2, t0)
	next := position.Apply(prev, &in)

	if !prev["SPY"].Equal(d(1)) {
		t.Errorf("previous snapshot mutated: %s", prev["SPY"])
	}
	if !next["SPY"].Equal(d(3)) {
		t.Errorf("expected 3, got %s", next["SPY"])
	}
}

func TestSignedQuantity(t *testing.T) {
	if got := position.SignedQuantity(model.SideSell, d(2)); !got.Equal(d(-2)) {
		t.Errorf("sell should be negative, got %s", got)
	}
	if got := position.SignedQuantity(model.SideBuy, d(-2)); !got.Equal(d(2)) {
		t.Errorf("buy should be positive, got %s", got)
	}
}

func TestAsOf(t *testing.T) {
	invs := []model.Investment{
		inv("a", "SPY", 1, t0),
		inv("b", "SPY", 2, t0.Add(24*time.Hour)),
	}
	position.Rebuild(invs)

	if got := position.AsOf(invs, t0.Add(-time.Second)); len(got) != 0 {
		t.Errorf("expected empty before first order, got %v", got)
	}
	if got := position.AsOf(invs, t0); !got["SPY"].Equal(d(1)) {
		t.Errorf("expected 1 at first order, got %v", got)
	}
	if got := position.AsOf(invs, t0.Add(48*time.Hour)); !got["SPY"].Equal(d(3)) {
		t.Errorf("expected 3 after second order, got %v", got)
	}
}
