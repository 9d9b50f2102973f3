package brokerage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// maxPages bounds pagination through list endpoints.
const maxPages = 20

// HTTPClient is a JSON client for a Robinhood-style REST API. List
// endpoints return {"results": [...], "next": url-or-null}.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a brokerage client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) LinkedBankAccounts(ctx context.Context, session string) ([]BankAccount, error) {
	var out []BankAccount
	err := c.list(ctx, session, "/ach/relationships/", func(raw json.RawMessage) error {
		var page []BankAccount
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

func (c *HTTPClient) BankTransfers(ctx context.Context, session string) ([]Transfer, error) {
	var out []Transfer
	err := c.list(ctx, session, "/ach/transfers/", func(raw json.RawMessage) error {
		var page []Transfer
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

func (c *HTTPClient) BankTransfer(ctx context.Context, session, id string) (*Transfer, error) {
	var t Transfer
	if err := c.do(ctx, session, http.MethodGet, "/ach/transfers/"+id+"/", nil, &t); err != nil {
		return nil, err
	}
	if err := ValidateTransfer("get_transfer", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *HTTPClient) InitiateTransfer(ctx context.Context, session, relationshipURL string, amount decimal.Decimal) (*Transfer, error) {
	body := map[string]any{
		"ach_relationship": relationshipURL,
		"amount":           amount.StringFixed(2),
		"direction":        "deposit",
	}
	var t Transfer
	if err := c.do(ctx, session, http.MethodPost, "/ach/transfers/", body, &t); err != nil {
		return nil, err
	}
	if err := ValidateTransfer("initiate_transfer", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *HTTPClient) PlaceNotionalOrder(ctx context.Context, session, symbol string, amount decimal.Decimal, side string) (*Order, error) {
	body := map[string]any{
		"symbol":        symbol,
		"side":          side,
		"type":          "market",
		"time_in_force": "gfd",
		"dollar_based_amount": map[string]string{
			"amount":        amount.StringFixed(2),
			"currency_code": "USD",
		},
	}
	var o Order
	if err := c.do(ctx, session, http.MethodPost, "/orders/", body, &o); err != nil {
		return nil, err
	}
	if err := ValidateOrder("place_order", &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *HTTPClient) Order(ctx context.Context, session, id string) (*Order, error) {
	var o Order
	if err := c.do(ctx, session, http.MethodGet, "/orders/"+id+"/", nil, &o); err != nil {
		return nil, err
	}
	if err := ValidateOrder("get_order", &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *HTTPClient) Orders(ctx context.Context, session string) ([]Order, error) {
	var out []Order
	err := c.list(ctx, session, "/orders/", func(raw json.RawMessage) error {
		var page []Order
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

func (c *HTTPClient) AccountProfile(ctx context.Context, session string) (*AccountProfile, error) {
	var profile *AccountProfile
	err := c.list(ctx, session, "/accounts/", func(raw json.RawMessage) error {
		if profile != nil {
			return nil
		}
		var page []AccountProfile
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		if len(page) > 0 {
			profile = &page[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, &ValidationError{Op: "account_profile", Field: "results", Reason: "is empty"}
	}
	return profile, nil
}

type listPage struct {
	Results json.RawMessage `json:"results"`
	Next    *string         `json:"next"`
}

func (c *HTTPClient) list(ctx context.Context, session, path string, each func(json.RawMessage) error) error {
	next := c.baseURL + path
	for i := 0; i < maxPages && next != ""; i++ {
		var page listPage
		if err := c.doURL(ctx, session, http.MethodGet, next, nil, &page); err != nil {
			return err
		}
		if err := each(page.Results); err != nil {
			return &ValidationError{Op: path, Field: "results", Reason: err.Error()}
		}
		next = ""
		if page.Next != nil {
			next = *page.Next
		}
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, session, method, path string, body, out any) error {
	return c.doURL(ctx, session, method, c.baseURL+path, body, out)
}

func (c *HTTPClient) doURL(ctx context.Context, session, method, url string, body, out any) error {
	if session == "" {
		return ErrMissingSession
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("brokerage: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+session)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("brokerage: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("brokerage: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if apiErr.Code == "" {
			apiErr.Code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return apiErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &ValidationError{Op: url, Field: "body", Reason: err.Error()}
	}
	return nil
}
