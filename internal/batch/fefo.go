package batch

import (
	"sort"
	"time"
)

// Quantities travel as float64; comparisons tolerate accumulation error.
const qtyEpsilon = 1e-6

// Lot is one (bin, batch) pool of available quantity, the unit FEFO
// allocation works with.
type Lot struct {
	BinID     int64
	BatchNo   string
	Expiry    *time.Time
	Available float64
}

// Allocation records how much of a request one lot satisfies.
type Allocation struct {
	BinID   int64
	BatchNo string
	Qty     float64
}

// SortFEFO orders lots first-expiry-first: ascending expiry date with nil
// expiry last, ties broken by bin id so the order is deterministic.
func SortFEFO(lots []Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.Expiry == nil && b.Expiry == nil:
			return a.BinID < b.BinID
		case a.Expiry == nil:
			return false
		case b.Expiry == nil:
			return true
		case a.Expiry.Equal(*b.Expiry):
			return a.BinID < b.BinID
		default:
			return a.Expiry.Before(*b.Expiry)
		}
	})
}

// Allocate consumes lots in FEFO order until qty is satisfied, splitting
// across lots only when a single lot cannot cover the remainder. The second
// return value is false when the lots cannot satisfy qty in full; no partial
// allocation is returned in that case.
func Allocate(lots []Lot, qty float64) ([]Allocation, bool) {
	if qty <= 0 {
		return nil, false
	}
	sorted := make([]Lot, len(lots))
	copy(sorted, lots)
	SortFEFO(sorted)

	var total float64
	for _, lot := range sorted {
		total += lot.Available
	}
	if total+qtyEpsilon < qty {
		return nil, false
	}

	remaining := qty
	var allocs []Allocation
	for _, lot := range sorted {
		if remaining <= 0 {
			break
		}
		if lot.Available <= 0 {
			continue
		}
		take := lot.Available
		if take > remaining {
			take = remaining
		}
		allocs = append(allocs, Allocation{BinID: lot.BinID, BatchNo: lot.BatchNo, Qty: take})
		remaining -= take
	}
	return allocs, true
}
