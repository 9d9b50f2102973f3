package filter

import (
	"sort"
	"strings"
)

// Lookup resolves path in rec.
//
// A dotted path ("balances.available") is walked exactly. A bare key is read
// from the top level first; if absent, nested mappings are searched breadth
// first and the shallowest occurrence wins. Within one depth, keys are
// visited in sorted order so the result is stable for a given record, but
// two records of different shapes can resolve the same key at different
// depths. Use Strict for payloads with a known schema.
func Lookup(rec Record, path string) (any, bool) {
	if strings.Contains(path, ".") {
		return Strict(rec, path)
	}
	if v, ok := rec[path]; ok {
		return v, true
	}
	return bfs(rec, path)
}

// Strict walks a dotted path without any fallback search.
func Strict(rec Record, path string) (any, bool) {
	var cur any = rec
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func bfs(rec Record, key string) (any, bool) {
	queue := nestedMaps(rec)
	for len(queue) > 0 {
		var next []map[string]any
		for _, m := range queue {
			if v, ok := m[key]; ok {
				return v, true
			}
			next = append(next, nestedMaps(m)...)
		}
		queue = next
	}
	return nil, false
}

func nestedMaps(m map[string]any) []map[string]any {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if _, ok := v.(map[string]any); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k].(map[string]any))
	}
	return out
}
