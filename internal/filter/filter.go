// Package filter selects and groups semi-structured records (decoded JSON
// from the aggregator and the brokerage) by comparison conditions.
//
// A Query holds one group per built-in operator, each mapping a field path to
// a list of values. A record matches when every group matches, and a group
// matches when every listed value satisfies the comparison against the field.
// Custom predicates receive the whole value list and decide for themselves.
//
// Any comparison error aborts the whole call; no partial result is returned.
package filter

import (
	"errors"
	"fmt"
	"sort"
)

// Record is one decoded JSON object.
type Record = map[string]any

// Op names a built-in comparison.
type Op string

const (
	Eq Op = "eq"
	Ne Op = "ne"
	Gt Op = "gt"
	Lt Op = "lt"
	Le Op = "le"
	Ge Op = "ge"
)

var (
	// ErrMalformedPredicate is returned for a custom predicate without a
	// name, a function, or any field constraints.
	ErrMalformedPredicate = errors.New("filter: malformed custom predicate")

	// ErrIncompatible is returned when a field and a value cannot be compared.
	ErrIncompatible = errors.New("filter: incompatible comparison")
)

// Predicate reports whether field satisfies a custom condition over values.
type Predicate func(field any, values []any) (bool, error)

// Custom is a caller-supplied named operator with its own field constraints.
type Custom struct {
	Name   string
	Fn     Predicate
	Fields map[string][]any
}

// Accessor resolves a field path inside a record.
type Accessor func(rec Record, path string) (any, bool)

// Query is a conjunction of comparison groups.
type Query struct {
	Eq     map[string][]any
	Ne     map[string][]any
	Gt     map[string][]any
	Lt     map[string][]any
	Le     map[string][]any
	Ge     map[string][]any
	Custom []Custom

	// Accessor defaults to Lookup (dotted path, then BFS by key name).
	Accessor Accessor
}

type group struct {
	op     Op
	fields map[string][]any
}

func (q Query) groups() []group {
	return []group{
		{Eq, q.Eq}, {Ne, q.Ne}, {Gt, q.Gt}, {Lt, q.Lt}, {Le, q.Le}, {Ge, q.Ge},
	}
}

func (q Query) accessor() Accessor {
	if q.Accessor != nil {
		return q.Accessor
	}
	return Lookup
}

func (q Query) validate() error {
	for i, c := range q.Custom {
		if c.Name == "" || c.Fn == nil || len(c.Fields) == 0 {
			return fmt.Errorf("%w: custom[%d] %q needs a name, a function and at least one field", ErrMalformedPredicate, i, c.Name)
		}
	}
	return nil
}

// Apply returns the records matching every group of q, in input order.
func Apply(records []Record, q Query) ([]Record, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(records))
	for i, rec := range records {
		ok, err := q.match(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Group applies q and partitions the matches by the value at path. Records
// without that field are grouped under the empty key.
func Group(records []Record, path string, q Query) (map[string][]Record, error) {
	matched, err := Apply(records, q)
	if err != nil {
		return nil, err
	}

	get := q.accessor()
	groups := make(map[string][]Record)
	for _, rec := range matched {
		key := ""
		if v, ok := get(rec, path); ok && v != nil {
			key = fmt.Sprint(v)
		}
		groups[key] = append(groups[key], rec)
	}
	return groups, nil
}

// Match reports whether a single record satisfies q.
func Match(rec Record, q Query) (bool, error) {
	if err := q.validate(); err != nil {
		return false, err
	}
	return q.match(rec)
}

func (q Query) match(rec Record) (bool, error) {
	get := q.accessor()

	for _, g := range q.groups() {
		for _, path := range sortedKeys(g.fields) {
			field, ok := get(rec, path)
			if !ok {
				return false, nil
			}
			for _, want := range g.fields[path] {
				hit, err := Compare(g.op, field, want)
				if err != nil {
					return false, fmt.Errorf("%s %s: %w", g.op, path, err)
				}
				if !hit {
					return false, nil
				}
			}
		}
	}

	for _, c := range q.Custom {
		for _, path := range sortedKeys(c.Fields) {
			field, ok := get(rec, path)
			if !ok {
				return false, nil
			}
			hit, err := c.Fn(field, c.Fields[path])
			if err != nil {
				return false, fmt.Errorf("%s %s: %w", c.Name, path, err)
			}
			if !hit {
				return false, nil
			}
		}
	}
	return true, nil
}

func sortedKeys(m map[string][]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
