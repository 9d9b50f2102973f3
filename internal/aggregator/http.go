package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atmx/roundup-engine/internal/filter"
)

// HTTPClient talks to a Plaid-style JSON API: every call is a POST carrying
// client credentials and the user's access token in the body.
type HTTPClient struct {
	baseURL    string
	clientID   string
	secret     string
	httpClient *http.Client
}

// NewHTTPClient creates an aggregator client.
func NewHTTPClient(baseURL, clientID, secret string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   clientID,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Accounts fetches the user's linked accounts with fresh balances.
func (c *HTTPClient) Accounts(ctx context.Context, accessToken string) ([]Account, error) {
	if accessToken == "" {
		return nil, ErrMissingToken
	}
	var resp struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.post(ctx, "/accounts/balance/get", map[string]any{"access_token": accessToken}, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// SyncTransactions fetches one page of changes since cursor.
func (c *HTTPClient) SyncTransactions(ctx context.Context, accessToken, cursor string) (*SyncPage, error) {
	if accessToken == "" {
		return nil, ErrMissingToken
	}
	body := map[string]any{"access_token": accessToken}
	if cursor != "" {
		body["cursor"] = cursor
	}

	var resp struct {
		Added    []filter.Record `json:"added"`
		Modified []filter.Record `json:"modified"`
		Removed  []struct {
			TransactionID string `json:"transaction_id"`
		} `json:"removed"`
		NextCursor string `json:"next_cursor"`
		HasMore    bool   `json:"has_more"`
	}
	if err := c.post(ctx, "/transactions/sync", body, &resp); err != nil {
		return nil, err
	}

	page := &SyncPage{
		Added:      resp.Added,
		Modified:   resp.Modified,
		NextCursor: resp.NextCursor,
		HasMore:    resp.HasMore,
	}
	for _, r := range resp.Removed {
		page.Removed = append(page.Removed, r.TransactionID)
	}
	return page, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body map[string]any, out any) error {
	body["client_id"] = c.clientID
	body["secret"] = c.secret
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("aggregator: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("aggregator: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("aggregator: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = "HTTP_ERROR"
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	// Numbers stay json.Number so amounts reach the filter engine and
	// decimal parsing without a float round trip.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("aggregator: decode %s: %w", path, err)
	}
	return nil
}
