// Package interval handles price-series interval strings ("5m", "1h", "1d",
// "1wk", "1mo"): parsing, rounding timestamps down to bucket boundaries, and
// the lookback and retention spans of each interval class.
package interval

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Unit is the base unit of an interval.
type Unit string

// Supported units.
const (
	Minute Unit = "m"
	Hour   Unit = "h"
	Day    Unit = "d"
	Week   Unit = "wk"
	Month  Unit = "mo"
)

// intervalRegex matches: {N}{unit}
// Example: 15m, 1h, 1d, 1wk, 3mo
var intervalRegex = regexp.MustCompile(`^([1-9][0-9]*)(m|h|d|wk|mo)$`)

var ErrInvalidInterval = errors.New("interval: invalid interval")

// Interval is N consecutive units.
type Interval struct {
	N    int
	Unit Unit
}

// Common intervals.
var (
	OneMinute = Interval{N: 1, Unit: Minute}
	OneHour   = Interval{N: 1, Unit: Hour}
	OneDay    = Interval{N: 1, Unit: Day}
	OneWeek   = Interval{N: 1, Unit: Week}
	OneMonth  = Interval{N: 1, Unit: Month}
)

func (iv Interval) String() string {
	return strconv.Itoa(iv.N) + string(iv.Unit)
}

// Parse parses and validates an interval string.
func Parse(s string) (Interval, error) {
	matches := intervalRegex.FindStringSubmatch(s)
	if matches == nil {
		return Interval{}, fmt.Errorf("%w: %q (expected {N}{m|h|d|wk|mo})", ErrInvalidInterval, s)
	}
	n, err := strconv.Atoi(matches[1])
	if err != nil {
		return Interval{}, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
	iv := Interval{N: n, Unit: Unit(matches[2])}
	if (iv.Unit == Minute && 60%n != 0) || (iv.Unit == Hour && 24%n != 0) {
		return Interval{}, fmt.Errorf("%w: %q does not divide evenly into the next unit", ErrInvalidInterval, s)
	}
	return iv, nil
}

// MustParse is Parse for constant interval strings.
func MustParse(s string) Interval {
	iv, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return iv
}

// RoundDown truncates t to the start of the aligned N-unit bucket that
// contains it, in t's location. Minute and hour buckets align within the
// hour and day, day buckets within the month, week buckets start on Monday
// and align by ISO week number, month buckets align within the year.
func RoundDown(t time.Time, iv Interval) time.Time {
	n := iv.N
	if n < 1 {
		n = 1
	}
	y, mo, d := t.Date()
	h, mi, _ := t.Clock()
	loc := t.Location()

	switch iv.Unit {
	case Minute:
		return time.Date(y, mo, d, h, mi-mi%n, 0, 0, loc)
	case Hour:
		return time.Date(y, mo, d, h-h%n, 0, 0, 0, loc)
	case Day:
		return time.Date(y, mo, d-(d-1)%n, 0, 0, 0, 0, loc)
	case Week:
		offset := (int(t.Weekday()) + 6) % 7 // days since Monday
		_, wk := t.ISOWeek()
		offset += ((wk - 1) % n) * 7
		return time.Date(y, mo, d-offset, 0, 0, 0, 0, loc)
	case Month:
		m := int(mo) - 1
		return time.Date(y, time.Month(m-m%n+1), 1, 0, 0, 0, 0, loc)
	}
	return t
}

// Step returns the boundary following the bucket that starts at t.
func Step(t time.Time, iv Interval) time.Time {
	var next time.Time
	switch iv.Unit {
	case Minute:
		next = t.Add(time.Duration(iv.N) * time.Minute)
	case Hour:
		next = t.Add(time.Duration(iv.N) * time.Hour)
	case Day:
		next = t.AddDate(0, 0, iv.N)
	case Week:
		next = t.AddDate(0, 0, 7*iv.N)
	case Month:
		next = t.AddDate(0, iv.N, 0)
	default:
		return t
	}
	return RoundDown(next, iv)
}

// Boundaries lists every bucket start from RoundDown(from) through to,
// inclusive.
func Boundaries(from, to time.Time, iv Interval) []time.Time {
	var out []time.Time
	for t := RoundDown(from, iv); !t.After(to); t = Step(t, iv) {
		out = append(out, t)
	}
	return out
}
