package interval

import "time"

// Class groups intervals by how much history the upstream price API serves.
type Class string

const (
	ClassMinute Class = "intraday-minute"
	ClassHour   Class = "intraday-hour"
	ClassDaily  Class = "daily"
)

// ClassOf returns the lookback class of iv.
func ClassOf(iv Interval) Class {
	switch iv.Unit {
	case Minute:
		return ClassMinute
	case Hour:
		return ClassHour
	}
	return ClassDaily
}

// Span is a calendar length expressed in years, months and days.
type Span struct {
	Years  int
	Months int
	Days   int
}

// Before returns t moved back by the span, calendar-aware.
func (s Span) Before(t time.Time) time.Time {
	return t.AddDate(-s.Years, -s.Months, -s.Days)
}

// MaxLookback is the longest history the price API can serve for iv.
func MaxLookback(iv Interval) Span {
	switch ClassOf(iv) {
	case ClassMinute:
		return Span{Days: 1}
	case ClassHour:
		return Span{Months: 3}
	}
	return Span{Years: 5}
}

// Retention is how long samples of iv are kept at full resolution before
// pruning keeps only the last sample of each bucket.
func Retention(iv Interval) Span {
	switch iv.Unit {
	case Minute:
		return Span{Days: 1}
	case Hour:
		return Span{Months: 3}
	case Day, Week:
		return Span{Years: 1}
	}
	return Span{Years: 5}
}

// Earliest clamps from so that it is no older than the lookback of iv
// allows as of now.
func Earliest(from, now time.Time, iv Interval) time.Time {
	floor := MaxLookback(iv).Before(now)
	if from.Before(floor) {
		return floor
	}
	return from
}

// Coarser is the bucket pruned history collapses into: for a minute series
// beyond retention, one sample per hour survives; hour keeps one per day,
// day one per week, and week and month one per month.
func Coarser(iv Interval) Interval {
	switch iv.Unit {
	case Minute:
		return OneHour
	case Hour:
		return OneDay
	case Day:
		return OneWeek
	}
	return OneMonth
}
