// internal/math/prorata.go
package math

import (
	"bytes"
	"sort"
)

// Claim is one participant's stake in a pro-rata distribution.
type Claim struct {
	ID     [16]byte // UUID binary
	Weight uint64
}

// Allocation is the amount assigned to a claim.
type Allocation struct {
	ID     [16]byte
	Amount uint64
}

// ProRata distributes amount across claims proportionally to their weights,
// truncating each share. Claims are processed in ID order so the result is
// deterministic. The undistributed residual is returned separately and
// stays with the pool.
func ProRata(amount uint64, claims []Claim) ([]Allocation, uint64) {
	sorted := make([]Claim, len(claims))
	copy(sorted, claims)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].ID[:], sorted[j].ID[:]) < 0
	})

	var totalWeight uint64
	for _, c := range sorted {
		totalWeight += c.Weight
	}

	allocations := make([]Allocation, 0, len(sorted))
	var distributed uint64
	for _, c := range sorted {
		if c.Weight == 0 {
			continue
		}
		share := Proportion(amount, c.Weight, totalWeight)
		allocations = append(allocations, Allocation{ID: c.ID, Amount: share})
		distributed += share
	}

	return allocations, amount - distributed
}

// ProRataExact is ProRata with the residual handed out one unit at a time
// by largest remainder, ties broken in ID order. Allocations sum to amount
// whenever some claim has weight.
func ProRataExact(amount uint64, claims []Claim) []Allocation {
	allocations, residual := ProRata(amount, claims)
	if residual == 0 {
		return allocations
	}

	var totalWeight uint64
	weights := make(map[[16]byte]uint64, len(claims))
	for _, c := range claims {
		totalWeight += c.Weight
		weights[c.ID] += c.Weight
	}

	order := make([]int, len(allocations))
	remainders := make([]uint64, len(allocations))
	for i, a := range allocations {
		order[i] = i
		remainders[i] = mulMod(amount, weights[a.ID], totalWeight)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return remainders[order[i]] > remainders[order[j]]
	})
	for _, i := range order {
		if residual == 0 {
			break
		}
		allocations[i].Amount++
		residual--
	}
	return allocations
}
