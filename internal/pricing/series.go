// Package pricing maintains the shared per-symbol price series: gap filling
// for valuation, retention pruning, and refresh from an upstream quote source.
package pricing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/interval"
	"github.com/atmx/roundup-engine/internal/model"
)

// FillSource records how a filled value was obtained.
type FillSource string

const (
	SourceExact      FillSource = "exact"
	SourceCarried    FillSource = "carried"    // most recent earlier sample
	SourceBackfilled FillSource = "backfilled" // next later sample, leading gap only
	SourceMissing    FillSource = "missing"    // series has no samples at all
)

// Filled is the price resolved for one grid timestamp.
type Filled struct {
	Timestamp time.Time
	Close     decimal.Decimal
	Source    FillSource
}

// Fill resolves a price for every grid timestamp. The carry-forward pass
// runs first; only grid points with no earlier sample are then backfilled
// from the first sample of the series.
func Fill(grid []time.Time, samples []model.PricePoint) []Filled {
	ts := append([]time.Time(nil), grid...)
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })

	pts := append([]model.PricePoint(nil), samples...)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })

	out := make([]Filled, len(ts))
	j := -1
	for i, t := range ts {
		for j+1 < len(pts) && !pts[j+1].Timestamp.After(t) {
			j++
		}
		out[i] = Filled{Timestamp: t, Source: SourceMissing}
		if j >= 0 {
			out[i].Close = pts[j].Close
			out[i].Source = SourceCarried
			if pts[j].Timestamp.Equal(t) {
				out[i].Source = SourceExact
			}
		}
	}

	if len(pts) == 0 {
		return out
	}
	for i := range out {
		if out[i].Source != SourceMissing {
			break
		}
		out[i].Close = pts[0].Close
		out[i].Source = SourceBackfilled
	}
	return out
}

// PriceAt resolves a single timestamp with the same rules as Fill.
func PriceAt(t time.Time, samples []model.PricePoint) (decimal.Decimal, bool) {
	f := Fill([]time.Time{t}, samples)[0]
	return f.Close, f.Source != SourceMissing
}

// PruneSet returns the samples to delete: those older than the retention
// horizon of iv that are not the last sample of their coarser bucket.
// Samples inside the horizon are always kept.
func PruneSet(samples []model.PricePoint, iv interval.Interval, now time.Time) []model.PricePoint {
	cutoff := interval.Retention(iv).Before(now)
	bucket := interval.Coarser(iv)

	last := make(map[time.Time]int)
	for i, p := range samples {
		if !p.Timestamp.Before(cutoff) {
			continue
		}
		b := interval.RoundDown(p.Timestamp, bucket)
		if k, ok := last[b]; !ok || p.Timestamp.After(samples[k].Timestamp) {
			last[b] = i
		}
	}

	keep := make(map[int]bool, len(last))
	for _, i := range last {
		keep[i] = true
	}

	var drop []model.PricePoint
	for i, p := range samples {
		if p.Timestamp.Before(cutoff) && !keep[i] {
			drop = append(drop, p)
		}
	}
	return drop
}
