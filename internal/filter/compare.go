package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type kind int

const (
	kindNil kind = iota
	kindBool
	kindString
	kindNumber
	kindTime
	kindOther
)

func (k kind) String() string {
	switch k {
	case kindNil:
		return "null"
	case kindBool:
		return "bool"
	case kindString:
		return "string"
	case kindNumber:
		return "number"
	case kindTime:
		return "time"
	}
	return "other"
}

type value struct {
	kind kind
	b    bool
	s    string
	n    decimal.Decimal
	t    time.Time
}

func normalize(v any) (value, error) {
	switch x := v.(type) {
	case nil:
		return value{kind: kindNil}, nil
	case bool:
		return value{kind: kindBool, b: x}, nil
	case string:
		return value{kind: kindString, s: x}, nil
	case json.Number:
		n, err := decimal.NewFromString(x.String())
		if err != nil {
			return value{}, fmt.Errorf("%w: bad number %q", ErrIncompatible, x)
		}
		return value{kind: kindNumber, n: n}, nil
	case decimal.Decimal:
		return value{kind: kindNumber, n: x}, nil
	case float64:
		return value{kind: kindNumber, n: decimal.NewFromFloat(x)}, nil
	case float32:
		return value{kind: kindNumber, n: decimal.NewFromFloat32(x)}, nil
	case int:
		return value{kind: kindNumber, n: decimal.NewFromInt(int64(x))}, nil
	case int32:
		return value{kind: kindNumber, n: decimal.NewFromInt32(x)}, nil
	case int64:
		return value{kind: kindNumber, n: decimal.NewFromInt(x)}, nil
	case uint:
		return value{kind: kindNumber, n: decimal.RequireFromString(strconv.FormatUint(uint64(x), 10))}, nil
	case uint64:
		return value{kind: kindNumber, n: decimal.RequireFromString(strconv.FormatUint(x, 10))}, nil
	case time.Time:
		return value{kind: kindTime, t: x}, nil
	}
	return value{kind: kindOther}, nil
}

// coerce lets numeric strings (the brokerage serialises money as strings)
// compare against numbers.
func coerce(a, b value) (value, value) {
	if a.kind == kindString && b.kind == kindNumber {
		if n, err := decimal.NewFromString(a.s); err == nil {
			a = value{kind: kindNumber, n: n}
		}
	}
	if b.kind == kindString && a.kind == kindNumber {
		if n, err := decimal.NewFromString(b.s); err == nil {
			b = value{kind: kindNumber, n: n}
		}
	}
	return a, b
}

// Compare evaluates field <op> want.
//
// A null on either side is only ever equal to another null and never
// ordered. Mixed kinds (other than numeric strings against numbers) fail
// with ErrIncompatible, as do ordered comparisons of booleans.
func Compare(op Op, field, want any) (bool, error) {
	a, err := normalize(field)
	if err != nil {
		return false, err
	}
	b, err := normalize(want)
	if err != nil {
		return false, err
	}

	if a.kind == kindNil || b.kind == kindNil {
		both := a.kind == kindNil && b.kind == kindNil
		switch op {
		case Eq:
			return both, nil
		case Ne:
			return !both, nil
		case Gt, Lt, Le, Ge:
			return false, nil
		}
		return false, fmt.Errorf("filter: unknown operator %q", op)
	}

	a, b = coerce(a, b)
	if a.kind != b.kind || a.kind == kindOther {
		return false, fmt.Errorf("%w: %s %s %s", ErrIncompatible, a.kind, op, b.kind)
	}

	var c int
	switch a.kind {
	case kindBool:
		if op != Eq && op != Ne {
			return false, fmt.Errorf("%w: bool does not support %s", ErrIncompatible, op)
		}
		if a.b != b.b {
			c = 1
		}
	case kindString:
		c = strings.Compare(a.s, b.s)
	case kindNumber:
		c = a.n.Cmp(b.n)
	case kindTime:
		c = a.t.Compare(b.t)
	}

	switch op {
	case Eq:
		return c == 0, nil
	case Ne:
		return c != 0, nil
	case Gt:
		return c > 0, nil
	case Lt:
		return c < 0, nil
	case Le:
		return c <= 0, nil
	case Ge:
		return c >= 0, nil
	}
	return false, fmt.Errorf("filter: unknown operator %q", op)
}

// ContainsAny matches a string field containing any of the values,
// case-insensitively. Non-string fields never match; non-string values are
// a malformed predicate.
func ContainsAny(field any, values []any) (bool, error) {
	s, ok := field.(string)
	if !ok {
		return false, nil
	}
	s = strings.ToLower(s)
	for _, v := range values {
		needle, ok := v.(string)
		if !ok {
			return false, fmt.Errorf("%w: contains-any wants string values, got %T", ErrMalformedPredicate, v)
		}
		if strings.Contains(s, strings.ToLower(needle)) {
			return true, nil
		}
	}
	return false, nil
}

// In matches a field equal to at least one of the values.
func In(field any, values []any) (bool, error) {
	for _, v := range values {
		hit, err := Compare(Eq, field, v)
		if err != nil {
			return false, err
		}
		if hit {
			return true, nil
		}
	}
	return false, nil
}
