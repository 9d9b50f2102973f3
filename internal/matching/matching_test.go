package matching_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/aggregator"
	"github.com/atmx/roundup-engine/internal/brokerage"
	"github.com/atmx/roundup-engine/internal/matching"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func agg(id, mask, subtype string, balance float64) aggregator.Account {
	b := d(balance)
	return aggregator.Account{
		AccountID: id,
		Mask:      mask,
		Subtype:   subtype,
		Balances:  aggregator.Balances{Available: &b, ISOCurrencyCode: "USD"},
	}
}

func rel(id, mask string) brokerage.BankAccount {
	return brokerage.BankAccount{ID: id, URL: "https://b/ach/relationships/" + id + "/", Mask: mask, Type: "checking", Verified: true, State: "approved"}
}

func ids(cands []matching.Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Aggregator.AccountID
	}
	return out
}

func TestSelect_ExactMaskBeatsBalance(t *testing.T) {
	bk := []brokerage.BankAccount{rel("rel-1", "1111")}
	accounts := []aggregator.Account{
		agg("acc-big", "9999", "checking", 100),
		agg("acc-exact", "1111", "checking", 100),
	}

	got, err := matching.Select(bk, accounts, matching.Criteria{Amount: d(10)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Aggregator.AccountID != "acc-exact" {
		t.Errorf("expected exact-mask account, got %s", got.Aggregator.AccountID)
	}
}

func TestSelect_ExactMaskBeatsHigherBalance(t *testing.T) {
	bk := []brokerage.BankAccount{rel("rel-1", "1111")}
	accounts := []aggregator.Account{
		agg("acc-big", "9999", "checking", 10000),
		agg("acc-exact", "1111", "checking", 50),
	}
	got, err := matching.Select(bk, accounts, matching.Criteria{Amount: d(10)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Aggregator.AccountID != "acc-exact" {
		t.Errorf("exact mask should win regardless of balance, got %s", got.Aggregator.AccountID)
	}
}

func TestRank_TieBreakOrder(t *testing.T) {
	bk := []brokerage.BankAccount{rel("rel-1", "0000")}
	accounts := []aggregator.Account{
		agg("savings-rich", "1001", "savings", 900),
		agg("checking-poor", "1002", "checking", 20),
		agg("checking-prev", "1003", "checking", 20),
		agg("checking-source", "1004", "checking", 20),
		agg("checking-rich", "1005", "checking", 500),
	}
	c := matching.Criteria{
		Amount:           d(10),
		Previous:         &matching.Previous{AggregatorAccountID: "checking-prev"},
		SourceAccountIDs: map[string]bool{"checking-source": true, "savings-rich": true},
	}

	cands := matching.Candidates(bk, accounts, c)
	matching.Rank(cands, c)

	want := []string{"checking-prev", "checking-source", "checking-rich", "checking-poor", "savings-rich"}
	got := ids(cands)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestCandidates_ExcludesNonUSDAndInsufficient(t *testing.T) {
	bk := []brokerage.BankAccount{rel("rel-1", "1111")}
	eur := agg("acc-eur", "1111", "checking", 1000)
	eur.Balances.ISOCurrencyCode = "EUR"
	accounts := []aggregator.Account{
		eur,
		agg("acc-low", "2222", "checking", 5),
		agg("acc-ok", "3333", "checking", 50),
	}

	got := ids(matching.Candidates(bk, accounts, matching.Criteria{Amount: d(10)}))
	if len(got) != 1 || got[0] != "acc-ok" {
		t.Errorf("expected only acc-ok, got %v", got)
	}
}

func TestCandidates_ExcludesUnverified(t *testing.T) {
	unverifiedAgg := agg("acc-1", "1111", "checking", 100)
	unverifiedAgg.VerificationStatus = "pending_manual_verification"
	unverifiedRel := rel("rel-2", "2222")
	unverifiedRel.Verified = false

	got := matching.Candidates(
		[]brokerage.BankAccount{unverifiedRel},
		[]aggregator.Account{unverifiedAgg, agg("acc-2", "2222", "checking", 100)},
		matching.Criteria{Amount: d(10)},
	)
	if len(got) != 0 {
		t.Errorf("expected no candidates, got %v", ids(got))
	}
}

func TestSelect_StrictMaskEmpty(t *testing.T) {
	bk := []brokerage.BankAccount{rel("rel-1", "1111")}
	accounts := []aggregator.Account{agg("acc-1", "2222", "checking", 100)}

	_, err := matching.Select(bk, accounts, matching.Criteria{Amount: d(10), StrictMask: true})
	if err != matching.ErrNoMatchingAccount {
		t.Errorf("expected ErrNoMatchingAccount, got %v", err)
	}
}

func TestSelect_NoAccounts(t *testing.T) {
	if _, err := matching.Select(nil, nil, matching.Criteria{Amount: d(1)}); err != matching.ErrNoMatchingAccount {
		t.Errorf("expected ErrNoMatchingAccount, got %v", err)
	}
}

func TestCandidates_MaskCollisionFirstWins(t *testing.T) {
	bk := []brokerage.BankAccount{rel("rel-a", "5555"), rel("rel-b", "1111")}
	accounts := []aggregator.Account{agg("acc-1", "1111", "checking", 100)}

	cands := matching.Candidates(bk, accounts, matching.Criteria{Amount: d(10)})
	if len(cands) != 1 {
		t.Fatalf("expected one candidate per aggregator mask, got %d", len(cands))
	}
	if cands[0].Brokerage.ID != "rel-b" {
		t.Errorf("expected the exact-mask relationship to survive, got %s", cands[0].Brokerage.ID)
	}
}

func TestCandidates_MaskCollisionNoExact(t *testing.T) {
	bk := []brokerage.BankAccount{rel("rel-a", "5555"), rel("rel-b", "6666")}
	accounts := []aggregator.Account{agg("acc-1", "1111", "checking", 100)}

	cands := matching.Candidates(bk, accounts, matching.Criteria{Amount: d(10)})
	if len(cands) != 1 || cands[0].Brokerage.ID != "rel-a" {
		t.Errorf("expected the first relationship found, got %+v", cands)
	}
}

func TestExactMask_FullAccountNumber(t *testing.T) {
	c := matching.Candidate{
		Brokerage:  rel("rel-1", "000123451111"),
		Aggregator: agg("acc-1", "1111", "checking", 1),
	}
	if !c.ExactMask() {
		t.Error("expected trailing digits of a full account number to match the mask")
	}
}
