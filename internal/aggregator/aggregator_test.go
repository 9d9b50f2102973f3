package aggregator_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/aggregator"
)

func TestVerified(t *testing.T) {
	tests := map[string]bool{
		"":                            true,
		"automatically_verified":      true,
		"manually_verified":           true,
		"pending_manual_verification": false,
		"verification_expired":        false,
	}
	for status, want := range tests {
		a := aggregator.Account{VerificationStatus: status}
		if got := a.Verified(); got != want {
			t.Errorf("Verified(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestAvailable_Missing(t *testing.T) {
	if got := (aggregator.Account{}).Available(); !got.IsZero() {
		t.Errorf("expected zero, got %s", got)
	}
}

func TestHTTPClient_Accounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.URL.Path != "/accounts/balance/get" || body["access_token"] != "tok" || body["client_id"] != "cid" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"accounts":[{"account_id":"acc-1","mask":"1234","subtype":"checking",
			"balances":{"available":250.75,"iso_currency_code":"USD"}}]}`))
	}))
	defer srv.Close()

	c := aggregator.NewHTTPClient(srv.URL, "cid", "sec", 5*time.Second)
	accounts, err := c.Accounts(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(accounts))
	}
	if !accounts[0].Available().Equal(decimal.RequireFromString("250.75")) {
		t.Errorf("unexpected balance %s", accounts[0].Available())
	}
}

func TestHTTPClient_SyncTransactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"added":[{"transaction_id":"t1","amount":-12.34}],"modified":[],
			"removed":[{"transaction_id":"t0"}],"next_cursor":"c2","has_more":true}`))
	}))
	defer srv.Close()

	c := aggregator.NewHTTPClient(srv.URL, "cid", "sec", 5*time.Second)
	page, err := c.SyncTransactions(context.Background(), "tok", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !page.HasMore || page.NextCursor != "c2" {
		t.Errorf("unexpected paging %+v", page)
	}
	if len(page.Removed) != 1 || page.Removed[0] != "t0" {
		t.Errorf("unexpected removed %v", page.Removed)
	}
	if n, ok := page.Added[0]["amount"].(json.Number); !ok || n.String() != "-12.34" {
		t.Errorf("expected json.Number amount, got %#v", page.Added[0]["amount"])
	}
}

func TestHTTPClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_type":"ITEM_ERROR","error_code":"ITEM_LOGIN_REQUIRED","error_message":"login required"}`))
	}))
	defer srv.Close()

	c := aggregator.NewHTTPClient(srv.URL, "cid", "sec", 5*time.Second)
	_, err := c.Accounts(context.Background(), "tok")

	var apiErr *aggregator.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "ITEM_LOGIN_REQUIRED" || apiErr.Status != http.StatusBadRequest {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestHTTPClient_MissingToken(t *testing.T) {
	c := aggregator.NewHTTPClient("http://unused", "cid", "sec", time.Second)
	if _, err := c.Accounts(context.Background(), ""); !errors.Is(err, aggregator.ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
}
