package pnl

import (
	"fmt"

	"TrancheLedger/internal/cover"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/poolerr"
	"TrancheLedger/internal/tranche"
)

// Policy is the risk-adjusted tranche policy applied to profit.
type Policy struct {
	// Annual rate the senior tranche is entitled to before junior sees profit.
	FixedSeniorYieldInBps uint64
	// Portion of junior's excess profit diverted back to senior.
	TranchesRiskAdjustmentInBps uint64
}

func (p Policy) Validate() error {
	if p.FixedSeniorYieldInBps > fpmath.BasisPoints {
		return fmt.Errorf("fixed senior yield %d bps: %w", p.FixedSeniorYieldInBps, poolerr.ErrInvalidRate)
	}
	if p.TranchesRiskAdjustmentInBps > fpmath.BasisPoints {
		return fmt.Errorf("tranches risk adjustment %d bps: %w", p.TranchesRiskAdjustmentInBps, poolerr.ErrInvalidRate)
	}
	return nil
}

// Input is one settlement period's PnL together with copies of the state it
// is applied to.
type Input struct {
	Profit       uint64
	Loss         uint64
	LossRecovery uint64

	Assets   [tranche.Count]uint64
	Shares   [tranche.Count]uint64 // supply; a tranche without shares takes no profit or recovery
	Losses   [tranche.Count]uint64 // unrecovered losses per tranche
	Reserves []cover.Reserve       // priority order

	ElapsedSeconds uint64 // since the previous allocation
}

// Result is the post-allocation state plus every movement, so callers can post
// matching token journals.
type Result struct {
	Assets   [tranche.Count]uint64
	Losses   [tranche.Count]uint64
	Reserves []cover.Reserve

	TrancheLoss     [tranche.Count]uint64
	TrancheRecovery [tranche.Count]uint64
	TrancheProfit   [tranche.Count]uint64
	ReserveLoss     []uint64
	ReserveRecovery []uint64
	ReserveProfit   []uint64

	SeniorEntitlement uint64
	// Recovery left over once every loss was restored; distributed as profit.
	ExcessRecovery uint64
	// Profit with no shareholder to take it, neither tranche having shares.
	// It is not booked.
	Undistributed uint64
}

// Allocator runs the loss, recovery and profit waterfall.
type Allocator struct {
	policy Policy
}

func NewAllocator(policy Policy) (*Allocator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Allocator{policy: policy}, nil
}

func (a *Allocator) Policy() Policy { return a.policy }

// Allocate applies loss, then loss recovery, then profit. Input is not
// modified; on error nothing should be committed by the caller.
func (a *Allocator) Allocate(in Input) (*Result, error) {
	n := len(in.Reserves)
	res := &Result{
		Assets:          in.Assets,
		Losses:          in.Losses,
		Reserves:        make([]cover.Reserve, n),
		ReserveLoss:     make([]uint64, n),
		ReserveRecovery: make([]uint64, n),
		ReserveProfit:   make([]uint64, n),
	}
	copy(res.Reserves, in.Reserves)

	if err := a.absorbLoss(res, in.Loss); err != nil {
		return nil, err
	}
	a.recoverLoss(res, in.LossRecovery, in.Shares)

	profit, err := fpmath.Add(in.Profit, res.ExcessRecovery)
	if err != nil {
		return nil, err
	}
	if err := a.distributeProfit(res, profit, in.Shares, in.ElapsedSeconds); err != nil {
		return nil, err
	}
	return res, nil
}

// Covers first, then junior, then senior. A loss the whole pool cannot
// absorb is an upstream accounting error and is surfaced.
func (a *Allocator) absorbLoss(res *Result, loss uint64) error {
	remaining := loss
	for i := range res.Reserves {
		if remaining == 0 {
			break
		}
		var absorbed uint64
		absorbed, remaining = res.Reserves[i].AbsorbLoss(remaining)
		res.ReserveLoss[i] = absorbed
	}
	if remaining == 0 {
		return nil
	}

	poolValue := res.Assets[tranche.Senior] + res.Assets[tranche.Junior]
	if remaining > poolValue {
		return fmt.Errorf("loss %d leaves %d against pool value %d: %w",
			loss, remaining, poolValue, poolerr.ErrInsolventPool)
	}

	junior := fpmath.Min(remaining, res.Assets[tranche.Junior])
	res.Assets[tranche.Junior] -= junior
	res.Losses[tranche.Junior] += junior
	res.TrancheLoss[tranche.Junior] = junior
	remaining -= junior

	res.Assets[tranche.Senior] -= remaining
	res.Losses[tranche.Senior] += remaining
	res.TrancheLoss[tranche.Senior] = remaining
	return nil
}

// Reverse order: senior, junior, then covers in priority order. Losses of a
// tranche whose holders have all left are written off.
func (a *Allocator) recoverLoss(res *Result, recovery uint64, shares [tranche.Count]uint64) {
	remaining := recovery
	for _, id := range tranche.All {
		if shares[id] == 0 {
			res.Losses[id] = 0
			continue
		}
		r := fpmath.Min(remaining, res.Losses[id])
		res.Assets[id] += r
		res.Losses[id] -= r
		res.TrancheRecovery[id] = r
		remaining -= r
	}
	for i := range res.Reserves {
		if remaining == 0 {
			break
		}
		var recovered uint64
		recovered, remaining = res.Reserves[i].RecoverLoss(remaining)
		res.ReserveRecovery[i] = recovered
	}
	res.ExcessRecovery = remaining
}

// distributeProfit skims covers, pays the senior entitlement and splits the
// excess. Only tranches with shares outstanding take part.
func (a *Allocator) distributeProfit(res *Result, profit uint64, shares [tranche.Count]uint64, elapsed uint64) error {
	if profit == 0 {
		return nil
	}
	seniorOwned := shares[tranche.Senior] > 0
	juniorOwned := shares[tranche.Junior] > 0

	var seniorAssets, juniorAssets uint64
	if seniorOwned {
		seniorAssets = res.Assets[tranche.Senior]
	}
	if juniorOwned {
		juniorAssets = res.Assets[tranche.Junior]
	}
	poolValue := seniorAssets + juniorAssets

	// Covers skim in proportion to their risk-weighted size against junior.
	totalWeight := juniorAssets
	weights := make([]uint64, len(res.Reserves))
	for i := range res.Reserves {
		weights[i] = res.Reserves[i].ProfitWeight()
		totalWeight += weights[i]
	}
	remaining := profit
	for i := range res.Reserves {
		candidate := fpmath.Proportion(profit, weights[i], totalWeight)
		actual := res.Reserves[i].ReceiveProfitShare(candidate, poolValue)
		res.ReserveProfit[i] = actual
		remaining -= actual
	}

	entitlement, err := fpmath.MulDiv(fpmath.BPS(seniorAssets, a.policy.FixedSeniorYieldInBps), elapsed, fpmath.SecondsPerYear)
	if err != nil {
		return fmt.Errorf("senior entitlement: %w", err)
	}
	res.SeniorEntitlement = entitlement

	seniorProfit := fpmath.Min(entitlement, remaining)
	excess := remaining - seniorProfit

	var juniorProfit uint64
	switch {
	case seniorOwned && juniorOwned:
		discount := fpmath.BPS(excess, a.policy.TranchesRiskAdjustmentInBps)
		juniorProfit = excess - discount
		seniorProfit += discount
	case seniorOwned:
		seniorProfit += excess
	case juniorOwned:
		juniorProfit = excess
	default:
		res.Undistributed = excess
	}

	res.Assets[tranche.Senior] += seniorProfit
	res.Assets[tranche.Junior] += juniorProfit
	res.TrancheProfit[tranche.Senior] = seniorProfit
	res.TrancheProfit[tranche.Junior] = juniorProfit
	return nil
}
