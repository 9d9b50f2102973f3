package filter

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestApply_EqualsState(t *testing.T) {
	records := []Record{
		{"state": "completed", "id": 1},
		{"state": "pending", "id": 2},
	}

	got, err := Apply(records, Query{Eq: map[string][]any{"state": {"completed"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0]["id"] != 1 || got[0]["state"] != "completed" {
		t.Errorf("unexpected record: %v", got[0])
	}
}

func TestApply_ValuesWithinGroupAreConjunctive(t *testing.T) {
	records := []Record{
		{"amount": 5},
		{"amount": 15},
		{"amount": 25},
	}

	// amount > 10 AND amount > 20
	got, err := Apply(records, Query{Gt: map[string][]any{"amount": {10, 20}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0]["amount"] != 25 {
		t.Errorf("expected only amount=25, got %v", got)
	}
}

func TestApply_GroupsAreConjunctive(t *testing.T) {
	records := []Record{
		{"amount": -3.5, "pending": false},
		{"amount": -3.5, "pending": true},
		{"amount": 9.0, "pending": false},
	}

	got, err := Apply(records, Query{
		Lt: map[string][]any{"amount": {0}},
		Eq: map[string][]any{"pending": {false}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d: %v", len(got), got)
	}
}

func TestApply_MissingFieldDoesNotMatch(t *testing.T) {
	records := []Record{{"id": 1}}
	got, err := Apply(records, Query{Eq: map[string][]any{"state": {"completed"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no match, got %v", got)
	}
}

func TestApply_IncompatibleTypesFailAtomically(t *testing.T) {
	records := []Record{
		{"amount": 1},
		{"amount": "not a number"},
	}
	got, err := Apply(records, Query{Gt: map[string][]any{"amount": {0}}})
	if err == nil {
		t.Fatal("expected error for string vs number comparison")
	}
	if !errors.Is(err, ErrIncompatible) {
		t.Errorf("expected ErrIncompatible, got %v", err)
	}
	if got != nil {
		t.Errorf("expected no partial results, got %v", got)
	}
}

func TestApply_MalformedCustomPredicate(t *testing.T) {
	tests := []Custom{
		{Name: "", Fn: In, Fields: map[string][]any{"a": {1}}},
		{Name: "in", Fn: nil, Fields: map[string][]any{"a": {1}}},
		{Name: "in", Fn: In},
	}
	for _, c := range tests {
		_, err := Apply([]Record{{"a": 1}}, Query{Custom: []Custom{c}})
		if !errors.Is(err, ErrMalformedPredicate) {
			t.Errorf("expected ErrMalformedPredicate for %+v, got %v", c.Name, err)
		}
	}
}

func TestApply_CustomPredicate(t *testing.T) {
	records := []Record{
		{"name": "CASHBACK REWARD", "id": 1},
		{"name": "Coffee Shop", "id": 2},
		{"name": "Statement credit - Rewards", "id": 3},
	}
	got, err := Apply(records, Query{Custom: []Custom{{
		Name:   "contains-any",
		Fn:     ContainsAny,
		Fields: map[string][]any{"name": {"cashback", "rewards"}},
	}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0]["id"] != 1 || got[1]["id"] != 3 {
		t.Errorf("unexpected matches: %v", got)
	}
}

func TestApply_NumericStringsAndJSONNumbers(t *testing.T) {
	var records []Record
	dec := json.NewDecoder(strings.NewReader(`[{"amount":"12.34"},{"amount":12.35},{"amount":1}]`))
	dec.UseNumber()
	if err := dec.Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}

	got, err := Apply(records, Query{Ge: map[string][]any{"amount": {decimal.RequireFromString("12.34")}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 matches, got %v", got)
	}
}

func TestApply_NullFields(t *testing.T) {
	records := []Record{
		{"authorized_date": nil, "id": 1},
		{"authorized_date": "2024-01-02", "id": 2},
	}
	got, err := Apply(records, Query{Eq: map[string][]any{"authorized_date": {nil}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0]["id"] != 1 {
		t.Errorf("expected only the null record, got %v", got)
	}

	got, err = Apply(records, Query{Gt: map[string][]any{"authorized_date": {"2024-01-01"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0]["id"] != 2 {
		t.Errorf("expected null never ordered, got %v", got)
	}
}

func TestApply_BoolOrderingIsIncompatible(t *testing.T) {
	_, err := Apply([]Record{{"pending": true}}, Query{Gt: map[string][]any{"pending": {false}}})
	if !errors.Is(err, ErrIncompatible) {
		t.Errorf("expected ErrIncompatible, got %v", err)
	}
}

func TestGroup(t *testing.T) {
	records := []Record{
		{"account_id": "a", "amount": -1},
		{"account_id": "b", "amount": -2},
		{"account_id": "a", "amount": -3},
		{"amount": -4},
		{"account_id": "a", "amount": 7},
	}
	groups, err := Group(records, "account_id", Query{Lt: map[string][]any{"amount": {0}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups["a"]) != 2 || len(groups["b"]) != 1 || len(groups[""]) != 1 {
		t.Errorf("unexpected grouping: %v", groups)
	}
}

func TestLookup(t *testing.T) {
	rec := Record{
		"transaction_id": "t1",
		"balances":       map[string]any{"available": 10, "iso_currency_code": "USD"},
		"location":       map[string]any{"meta": map[string]any{"store": "42"}},
	}

	if v, ok := Lookup(rec, "balances.available"); !ok || v != 10 {
		t.Errorf("dotted path: got %v %v", v, ok)
	}
	if v, ok := Lookup(rec, "iso_currency_code"); !ok || v != "USD" {
		t.Errorf("bfs depth 1: got %v %v", v, ok)
	}
	if v, ok := Lookup(rec, "store"); !ok || v != "42" {
		t.Errorf("bfs depth 2: got %v %v", v, ok)
	}
	if _, ok := Lookup(rec, "balances.missing"); ok {
		t.Error("expected missing dotted path")
	}
	if _, ok := Strict(rec, "store"); ok {
		t.Error("strict accessor must not search nested maps")
	}
}

func TestLookup_ShallowestWins(t *testing.T) {
	rec := Record{
		"a": map[string]any{"b": map[string]any{"id": "deep"}},
		"z": map[string]any{"id": "shallow"},
	}
	if v, _ := Lookup(rec, "id"); v != "shallow" {
		t.Errorf("expected shallowest occurrence, got %v", v)
	}
}

func TestApply_StrictAccessor(t *testing.T) {
	records := []Record{{"meta": map[string]any{"state": "completed"}}}
	got, err := Apply(records, Query{Eq: map[string][]any{"state": {"completed"}}, Accessor: Strict})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("strict accessor should not find nested key, got %v", got)
	}
}
