// Package conflict merges authority acknowledgments back into the local
// projections. Money is always derived: a wallet balance is the fold of its
// confirmed transactions in the order the authority assigned, never in local
// enqueue order. Messages reconcile by id. Wallet settings are last writer
// wins by authority order.
package conflict

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Entry is one confirmed transaction as seen by the fold.
type Entry struct {
	ID     string
	Order  int64
	Amount decimal.Decimal
}

// Step is the running balance right after an entry was applied.
type Step struct {
	ID           string
	Order        int64
	BalanceAfter decimal.Decimal
}

// FoldResult is the outcome of Fold.
type FoldResult struct {
	Balance   decimal.Decimal
	Steps     []Step
	LastOrder int64
	// Skipped lists ids that appeared more than once; only their first
	// occurrence in authority order was applied.
	Skipped []string
}

// Fold applies entries in authority order (ties by id) starting from zero.
// Repeated ids are applied once, so folding a list that contains the same
// transaction twice, or folding the same list twice, yields the same
// balance. entries is not modified.
func Fold(entries []Entry) FoldResult {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Order != sorted[j].Order {
			return sorted[i].Order < sorted[j].Order
		}
		return sorted[i].ID < sorted[j].ID
	})

	res := FoldResult{Balance: decimal.Zero, Steps: make([]Step, 0, len(sorted))}
	seen := make(map[string]struct{}, len(sorted))
	for _, e := range sorted {
		if _, dup := seen[e.ID]; dup {
			res.Skipped = append(res.Skipped, e.ID)
			continue
		}
		seen[e.ID] = struct{}{}
		res.Balance = res.Balance.Add(e.Amount)
		res.LastOrder = e.Order
		res.Steps = append(res.Steps, Step{ID: e.ID, Order: e.Order, BalanceAfter: res.Balance})
	}
	return res
}
