package brokerage_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/brokerage"
	"github.com/atmx/roundup-engine/internal/metrics"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newServer(t *testing.T, mux *http.ServeMux) (*brokerage.HTTPClient, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sess" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"not authenticated","code":"auth"}`))
			return
		}
		mux.ServeHTTP(w, r)
	}))
	return brokerage.NewHTTPClient(srv.URL, 5*time.Second), srv.Close
}

func TestLinkedBankAccounts_Paginates(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/ach/relationships/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			next := base + "/ach/relationships/?cursor=2"
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{{"id": "rel-1", "bank_account_number": "1234", "verified": true}},
				"next":    next,
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"id": "rel-2", "bank_account_number": "5678", "verified": false}},
			"next":    nil,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base = srv.URL

	c := brokerage.NewHTTPClient(srv.URL, 5*time.Second)
	accounts, err := c.LinkedBankAccounts(context.Background(), "sess")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(accounts) != 2 || accounts[1].ID != "rel-2" {
		t.Errorf("expected both pages, got %+v", accounts)
	}
}

func TestInitiateTransfer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ach/transfers/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.Method != http.MethodPost || body["amount"] != "12.34" || body["direction"] != "deposit" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"id":"tr-1","url":"https://b/ach/transfers/tr-1/","ach_relationship":"` + body["ach_relationship"] +
			`","amount":"12.34","state":"pending","created_at":"2024-05-13T15:00:00Z","updated_at":"2024-05-13T15:00:00Z",
			"early_access_amount":"0.00","expected_landing_datetime":"2024-05-16T13:00:00Z","cancel":null}`))
	})
	c, done := newServer(t, mux)
	defer done()

	tr, err := c.InitiateTransfer(context.Background(), "sess", "https://b/ach/relationships/rel-1/", d(12.34))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.ID != "tr-1" || !tr.Amount.Equal(d(12.34)) || tr.ExpectedLandingAt == nil {
		t.Errorf("unexpected transfer %+v", tr)
	}
}

func TestInitiateTransfer_ValidationError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ach/transfers/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"url":"https://b/ach/transfers/x/","amount":"12.34","state":"pending"}`))
	})
	c, done := newServer(t, mux)
	defer done()

	_, err := c.InitiateTransfer(context.Background(), "sess", "rel", d(12.34))
	var vErr *brokerage.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if vErr.Field != "id" {
		t.Errorf("expected missing id, got %s", vErr.Field)
	}
}

func TestInitiateTransfer_MalformedBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ach/transfers/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>gateway</html>`))
	})
	c, done := newServer(t, mux)
	defer done()

	_, err := c.InitiateTransfer(context.Background(), "sess", "rel", d(1))
	var vErr *brokerage.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAPIError(t *testing.T) {
	c, done := newServer(t, http.NewServeMux())
	defer done()

	_, err := c.AccountProfile(context.Background(), "wrong")
	var apiErr *brokerage.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Code != "auth" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestAccountProfile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"portfolio_cash":"40.00","buying_power":"35.50"}],"next":null}`))
	})
	c, done := newServer(t, mux)
	defer done()

	p, err := c.AccountProfile(context.Background(), "sess")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.PortfolioCash.Equal(d(40)) || !p.BuyingPower.Equal(d(35.5)) {
		t.Errorf("unexpected profile %+v", p)
	}
}

func TestHTTPClient_DoesNotRecordLatency(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"portfolio_cash":"1.00","buying_power":"1.00"}],"next":null}`))
	})
	c, done := newServer(t, mux)
	defer done()
	if _, err := c.AccountProfile(context.Background(), "sess"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Callers observe per operation; the transport adds no series of its own.
	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), `client="brokerage",op="GET"`) {
		t.Error("transport-level latency series recorded")
	}
}

func TestMissingSession(t *testing.T) {
	c := brokerage.NewHTTPClient("http://unused", time.Second)
	if _, err := c.Orders(context.Background(), ""); !errors.Is(err, brokerage.ErrMissingSession) {
		t.Errorf("expected ErrMissingSession, got %v", err)
	}
}

func TestBankAccountUsable(t *testing.T) {
	if !(brokerage.BankAccount{Verified: true, State: "approved"}).Usable() {
		t.Error("approved verified account should be usable")
	}
	if (brokerage.BankAccount{Verified: false, State: "approved"}).Usable() {
		t.Error("unverified account should not be usable")
	}
	if (brokerage.BankAccount{Verified: true, State: "unlinked"}).Usable() {
		t.Error("unlinked account should not be usable")
	}
}
