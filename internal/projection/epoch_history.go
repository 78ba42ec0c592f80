package projection

import (
	"TrancheLedger/internal/core"
	"TrancheLedger/internal/tranche"
)

// PoolEpochRow is one closed epoch.
type PoolEpochRow struct {
	EpochID            uint64
	Sequence           int64
	Profit             uint64
	Loss               uint64
	LossRecovery       uint64
	SeniorEntitlement  uint64
	AvailableLiquidity uint64
	NextCloseAt        int64
	ClosedAt           int64
}

// TrancheSettlementRow is one tranche's result for a closed epoch.
// TotalAssets is the tranche value after PnL and redemptions.
type TrancheSettlementRow struct {
	EpochID         uint64
	Tranche         tranche.ID
	SharesProcessed uint64
	AmountProcessed uint64
	EpochsSettled   int
	TotalAssets     uint64
	Profit          uint64
	Loss            uint64
	LossRecovery    uint64
}

// FillRow is the part of one lender's request paid at a close.
type FillRow struct {
	ClosedEpoch  uint64
	RequestEpoch uint64
	Tranche      tranche.ID
	Lender       string
	Shares       uint64
	Amount       uint64
}

// EpochHistory is everything an epoch close adds to the read model.
type EpochHistory struct {
	Pool        PoolEpochRow
	Settlements []TrancheSettlementRow
	Fills       []FillRow
}

// HistoryFromReport flattens an epoch report.
func HistoryFromReport(r *core.EpochReport, sequence, closedAt int64) EpochHistory {
	h := EpochHistory{Pool: PoolEpochRow{
		EpochID:            r.ClosedEpoch,
		Sequence:           sequence,
		Profit:             r.PnL.Profit,
		Loss:               r.PnL.Loss,
		LossRecovery:       r.PnL.LossRecovery,
		AvailableLiquidity: r.AvailableLiquidity,
		NextCloseAt:        r.NextCloseAt,
		ClosedAt:           closedAt,
	}}
	if r.Allocation != nil {
		h.Pool.SeniorEntitlement = r.Allocation.SeniorEntitlement
	}

	for _, id := range tranche.All {
		s := r.Settlements[id]
		if s == nil {
			continue
		}
		row := TrancheSettlementRow{
			EpochID:         r.ClosedEpoch,
			Tranche:         id,
			SharesProcessed: s.SharesProcessed,
			AmountProcessed: s.AmountProcessed,
			EpochsSettled:   len(s.Epochs),
		}
		if a := r.Allocation; a != nil {
			row.TotalAssets = a.Assets[id] - s.AmountProcessed
			row.Profit = a.TrancheProfit[id]
			row.Loss = a.TrancheLoss[id]
			row.LossRecovery = a.TrancheRecovery[id]
		}
		h.Settlements = append(h.Settlements, row)

		for _, ef := range s.Epochs {
			for _, f := range ef.Fills {
				h.Fills = append(h.Fills, FillRow{
					ClosedEpoch:  r.ClosedEpoch,
					RequestEpoch: f.EpochID,
					Tranche:      id,
					Lender:       f.Lender.String(),
					Shares:       f.Shares,
					Amount:       f.Amount,
				})
			}
		}
	}
	return h
}
