// Package position computes the cumulative-quantity snapshots carried on
// every Investment.
//
// The snapshot of investment i equals the snapshot of the chronologically
// previous investment of the same user plus the signed quantity of i on its
// own symbol. Late-arriving orders invalidate every later snapshot, so callers
// rebuild the whole sequence with Rebuild inside the transaction that writes
// the new order.
package position

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/roundup-engine/internal/model"
)

// Snapshot maps symbol to the running quantity held.
type Snapshot map[string]decimal.Decimal

// Clone returns an independent copy.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Apply returns prev plus the signed quantity of inv on its symbol. Prev is
// not modified. Symbols whose running total reaches zero are kept so the
// snapshot records that the position was closed.
func Apply(prev Snapshot, inv *model.Investment) Snapshot {
	next := prev.Clone()
	next[inv.Symbol] = next[inv.Symbol].Add(inv.Quantity)
	return next
}

// SignedQuantity converts an unsigned order quantity to the sign convention
// of Investment.Quantity.
func SignedQuantity(side model.Side, qty decimal.Decimal) decimal.Decimal {
	qty = qty.Abs()
	if side == model.SideSell {
		return qty.Neg()
	}
	return qty
}

// Less orders investments chronologically. Ties on OrderedAt fall back to
// CreatedAt, then ID, so the order is total.
func Less(a, b *model.Investment) bool {
	if !a.OrderedAt.Equal(b.OrderedAt) {
		return a.OrderedAt.Before(b.OrderedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Rebuild sorts invs chronologically in place and recomputes every
// Cumulative snapshot from an empty start. It returns the indices (in the
// sorted slice) whose snapshot changed.
func Rebuild(invs []model.Investment) []int {
	sort.SliceStable(invs, func(i, j int) bool { return Less(&invs[i], &invs[j]) })

	var changed []int
	prev := Snapshot{}
	for i := range invs {
		next := Apply(prev, &invs[i])
		if !Equal(next, invs[i].Cumulative) {
			changed = append(changed, i)
		}
		invs[i].Cumulative = next
		prev = next
	}
	return changed
}

// Equal compares two snapshots by value.
func Equal(a, b map[string]decimal.Decimal) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}

// AsOf returns the cumulative of the latest investment ordered at or before
// t. The slice must be sorted chronologically.
func AsOf(invs []model.Investment, t time.Time) Snapshot {
	idx := sort.Search(len(invs), func(i int) bool { return invs[i].OrderedAt.After(t) })
	if idx == 0 {
		return Snapshot{}
	}
	return Snapshot(invs[idx-1].Cumulative)
}
