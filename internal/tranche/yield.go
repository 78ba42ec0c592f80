package tranche

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"

	fpmath "TrancheLedger/internal/math"
)

// YieldPayout is one lender's yield reconciliation.
type YieldPayout struct {
	Lender       uuid.UUID `json:"lender"`
	Yield        uint64    `json:"yield"`
	SharesBurned uint64    `json:"shares_burned"`
	Paid         uint64    `json:"paid"`
	Reinvested   uint64    `json:"reinvested"`
}

// YieldPlan is the outcome of PlanYield; every payout is priced at the same
// share price.
type YieldPlan struct {
	Payouts      []YieldPayout `json:"payouts"`
	SharesBurned uint64        `json:"shares_burned"`
	Paid         uint64        `json:"paid"`
}

// PlanYield computes each lender's gain above principal. Reinvesting lenders
// keep their shares and have the gain recognized as principal; the others
// redeem just enough shares to take the gain out in tokens. Lenders at or
// below principal are skipped. An empty list means every lender.
func (v *Vault) PlanYield(lenders []uuid.UUID) (*YieldPlan, error) {
	if len(lenders) == 0 {
		lenders = v.Lenders()
	} else {
		lenders = dedupeSorted(lenders)
	}

	plan := &YieldPlan{}
	for _, lender := range lenders {
		pos, ok := v.positions[lender]
		if !ok {
			continue
		}
		free := v.balances[lender]
		if free == 0 {
			continue
		}
		assets, err := v.ConvertToAssets(free)
		if err != nil {
			return nil, fmt.Errorf("%s yield for %s: %w", v.id, lender, err)
		}
		if assets <= pos.Principal {
			continue
		}
		gain := assets - pos.Principal

		if pos.ReinvestYield {
			plan.Payouts = append(plan.Payouts, YieldPayout{Lender: lender, Yield: gain, Reinvested: gain})
			continue
		}

		burn, err := v.ConvertToShares(gain)
		if err != nil {
			return nil, fmt.Errorf("%s yield for %s: %w", v.id, lender, err)
		}
		burn = fpmath.Min(burn, free)
		if burn == 0 {
			continue
		}
		paid, err := v.ConvertToAssets(burn)
		if err != nil {
			return nil, fmt.Errorf("%s yield for %s: %w", v.id, lender, err)
		}
		plan.Payouts = append(plan.Payouts, YieldPayout{Lender: lender, Yield: gain, SharesBurned: burn, Paid: paid})
		plan.SharesBurned += burn
		plan.Paid += paid
	}
	return plan, nil
}

// ApplyYield commits a plan from PlanYield.
func (v *Vault) ApplyYield(plan *YieldPlan) {
	for _, p := range plan.Payouts {
		if p.Reinvested > 0 {
			v.positions[p.Lender].Principal += p.Reinvested
			continue
		}
		v.balances[p.Lender] -= p.SharesBurned
	}
	v.totalShares -= plan.SharesBurned
	v.totalAssets -= plan.Paid
}

func dedupeSorted(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
