package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/interval"
	"github.com/atmx/roundup-engine/internal/metrics"
	"github.com/atmx/roundup-engine/internal/model"
)

// ErrQuoteSource is returned when the upstream quote service fails.
var ErrQuoteSource = errors.New("pricing: quote source error")

// Quote is one bar close returned by a Source.
type Quote struct {
	Timestamp time.Time       `json:"t"`
	Close     decimal.Decimal `json:"close"`
}

// Source fetches price history for a symbol.
type Source interface {
	History(ctx context.Context, symbol string, iv interval.Interval, from, to time.Time) ([]Quote, error)
}

// Repository is the slice of the store the refresher writes to.
type Repository interface {
	UpsertPrices(ctx context.Context, points []model.PricePoint) error
	LatestPriceTime(ctx context.Context, symbol, iv string) (time.Time, bool, error)
	ListPrices(ctx context.Context, symbol, iv string, from, to time.Time) ([]model.PricePoint, error)
	DeletePrices(ctx context.Context, points []model.PricePoint) error
}

// Refresher keeps the shared price table current.
type Refresher struct {
	source Source
	repo   Repository
	log    zerolog.Logger
	now    func() time.Time
}

// NewRefresher creates a refresher.
func NewRefresher(source Source, repo Repository, log zerolog.Logger) *Refresher {
	return &Refresher{
		source: source,
		repo:   repo,
		log:    log.With().Str("component", "pricing").Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (r *Refresher) SetClock(now func() time.Time) { r.now = now }

// Refresh fetches everything after the last stored sample, bounded by the
// upstream lookback for the interval, and upserts it with timestamps rounded
// down to interval boundaries. Returns the number of samples written.
func (r *Refresher) Refresh(ctx context.Context, symbol string, iv interval.Interval) (int, error) {
	now := r.now().UTC()
	from := interval.MaxLookback(iv).Before(now)

	last, ok, err := r.repo.LatestPriceTime(ctx, symbol, iv.String())
	if err != nil {
		return 0, fmt.Errorf("latest price %s/%s: %w", symbol, iv, err)
	}
	if ok {
		from = interval.Earliest(last, now, iv)
	}

	quotes, err := r.source.History(ctx, symbol, iv, from, now)
	if err != nil {
		return 0, err
	}

	points := Bucket(symbol, iv, quotes)
	if len(points) == 0 {
		return 0, nil
	}
	if err := r.repo.UpsertPrices(ctx, points); err != nil {
		return 0, fmt.Errorf("upsert prices %s/%s: %w", symbol, iv, err)
	}
	metrics.PricesWritten.WithLabelValues(iv.String()).Add(float64(len(points)))
	r.log.Info().Str("symbol", symbol).Str("interval", iv.String()).Int("samples", len(points)).Msg("prices refreshed")
	return len(points), nil
}

// Prune deletes samples beyond the retention horizon of iv, keeping the last
// sample of every unit bucket. Returns the number of samples deleted.
func (r *Refresher) Prune(ctx context.Context, symbol string, iv interval.Interval) (int, error) {
	now := r.now().UTC()
	cutoff := interval.Retention(iv).Before(now)

	samples, err := r.repo.ListPrices(ctx, symbol, iv.String(), time.Time{}, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list prices %s/%s: %w", symbol, iv, err)
	}
	drop := PruneSet(samples, iv, now)
	if len(drop) == 0 {
		return 0, nil
	}
	if err := r.repo.DeletePrices(ctx, drop); err != nil {
		return 0, fmt.Errorf("delete prices %s/%s: %w", symbol, iv, err)
	}
	metrics.PricesPruned.WithLabelValues(iv.String()).Add(float64(len(drop)))
	r.log.Info().Str("symbol", symbol).Str("interval", iv.String()).Int("pruned", len(drop)).Msg("prices pruned")
	return len(drop), nil
}

// Bucket rounds quote timestamps down to iv and keeps the latest quote per
// bucket, returning points in timestamp order.
func Bucket(symbol string, iv interval.Interval, quotes []Quote) []model.PricePoint {
	sorted := append([]Quote(nil), quotes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	byBucket := make(map[time.Time]int)
	var out []model.PricePoint
	for _, q := range sorted {
		ts := interval.RoundDown(q.Timestamp.UTC(), iv)
		p := model.PricePoint{Symbol: symbol, Interval: iv.String(), Timestamp: ts, Close: q.Close}
		if i, ok := byBucket[ts]; ok {
			out[i] = p
			continue
		}
		byBucket[ts] = len(out)
		out = append(out, p)
	}
	return out
}

// HTTPSource reads bar history from a JSON quote service:
//
//	GET {base}/v1/history?symbol=SPY&interval=1d&start=...&end=...
//	{"points":[{"t":"2024-05-13T00:00:00Z","close":"523.10"}]}
type HTTPSource struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPSource creates a quote source client.
func NewHTTPSource(baseURL, apiKey string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) History(ctx context.Context, symbol string, iv interval.Interval, from, to time.Time) ([]Quote, error) {
	defer metrics.ObserveRemote("quotes", "history", time.Now())

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", iv.String())
	q.Set("start", from.UTC().Format(time.RFC3339))
	q.Set("end", to.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/history?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteSource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d for %s", ErrQuoteSource, resp.StatusCode, symbol)
	}

	var body struct {
		Points []Quote `json:"points"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrQuoteSource, err)
	}
	return body.Points, nil
}
