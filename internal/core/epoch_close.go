package core

import (
	"fmt"

	"TrancheLedger/internal/access"
	"TrancheLedger/internal/credit"
	"TrancheLedger/internal/epoch"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ledger"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/pnl"
	"TrancheLedger/internal/poolerr"
	"TrancheLedger/internal/tranche"
)

// EpochReport summarizes one epoch close.
type EpochReport struct {
	ClosedEpoch        uint64                           `json:"closed_epoch"`
	NextEpoch          uint64                           `json:"next_epoch"`
	NextCloseAt        int64                            `json:"next_close_at"`
	PnL                credit.PeriodPnL                 `json:"pnl"`
	Allocation         *pnl.Result                      `json:"allocation"`
	AvailableLiquidity uint64                           `json:"available_liquidity"`
	Settlements        [tranche.Count]*epoch.Settlement `json:"settlements"`
}

// handleEpochClose allocates the period's PnL, then settles redemptions at
// the post-allocation share price. Senior settles first; junior may only
// redeem what keeps senior within maxSeniorJuniorRatio of junior.
func (e *Engine) handleEpochClose(evt *event.EpochClose) (*outcome, error) {
	ok := e.access.IsPoolOperator(evt.Caller) || e.access.IsPoolOwnerOrAdmin(evt.Caller)
	if err := access.Require(ok, "close epoch"); err != nil {
		return nil, err
	}
	// The idempotency key embeds the epoch id, so it must be explicit.
	if evt.EpochID == 0 {
		return nil, fmt.Errorf("close epoch without id: %w", poolerr.ErrEpochMismatch)
	}
	duplicate, err := e.coordinator.CheckClose(evt.EpochID)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return &outcome{skip: true}, nil
	}
	if next := e.coordinator.NextCloseAt(); evt.Timestamp < next {
		return nil, fmt.Errorf("close epoch %d at %d, due %d: %w",
			e.coordinator.CurrentEpoch(), evt.Timestamp, next, poolerr.ErrTooSoon)
	}

	// PnL waterfall
	period := e.credit.Peek()
	var elapsed uint64
	if evt.Timestamp > e.lastAllocationAt {
		elapsed = uint64(evt.Timestamp - e.lastAllocationAt)
	}
	res, err := e.allocator.Allocate(pnl.Input{
		Profit:         period.Profit,
		Loss:           period.Loss,
		LossRecovery:   period.LossRecovery,
		Assets:         e.trancheAssets(),
		Shares:         e.trancheShares(),
		Losses:         e.losses,
		Reserves:       e.covers.Reserves(),
		ElapsedSeconds: elapsed,
	})
	if err != nil {
		return nil, fmt.Errorf("allocate period pnl: %w", err)
	}

	b := e.journalGen.Begin(evt.IdempotencyKey(), evt.Timestamp)
	postings, names := pnlPostings(res)
	if err := e.journalGen.GeneratePnL(b, postings, names); err != nil {
		return nil, err
	}

	// Redemptions are paid from vault cash left after the postings.
	available := uint64(0)
	if cash := e.tokens.Tracker().ProjectedBalance(ledger.PoolVaultKey, b); cash > 0 {
		available = uint64(cash)
	}
	if evt.AvailableLiquidity != nil {
		available = fpmath.Min(available, *evt.AvailableLiquidity)
	}

	senior, junior := e.vaults[tranche.Senior], e.vaults[tranche.Junior]
	seniorPlan, err := planTranche(senior, available, res.Assets[tranche.Senior])
	if err != nil {
		return nil, err
	}
	seniorAfter := res.Assets[tranche.Senior] - seniorPlan.AmountProcessed
	juniorAvailable := fpmath.Min(
		available-seniorPlan.AmountProcessed,
		juniorRedeemable(res.Assets[tranche.Junior], seniorAfter, e.cfg.MaxSeniorJuniorRatio),
	)
	juniorPlan, err := planTranche(junior, juniorAvailable, res.Assets[tranche.Junior])
	if err != nil {
		return nil, err
	}

	if err := e.journalGen.GenerateRedemptionProcessed(b, senior.ID().String(), seniorPlan.AmountProcessed); err != nil {
		return nil, err
	}
	if err := e.journalGen.GenerateRedemptionProcessed(b, junior.ID().String(), juniorPlan.AmountProcessed); err != nil {
		return nil, err
	}

	closing := e.coordinator.CurrentEpoch()
	report := &EpochReport{
		ClosedEpoch:        closing,
		PnL:                period,
		Allocation:         res,
		AvailableLiquidity: available,
		Settlements:        [tranche.Count]*epoch.Settlement{seniorPlan, juniorPlan},
	}

	return &outcome{
		batch: b,
		apply: func() {
			must(e.covers.ApplyReserves(res.Reserves))
			for _, id := range tranche.All {
				e.vaults[id].SetTotalAssets(res.Assets[id])
			}
			e.losses = res.Losses
			senior.ApplySettlement(seniorPlan, closing)
			junior.ApplySettlement(juniorPlan, closing)

			e.credit.ReportPeriodPnL()
			report.NextEpoch = e.coordinator.OpenNextEpoch(evt.Timestamp)
			report.NextCloseAt = e.coordinator.NextCloseAt()
			e.lastAllocationAt = evt.Timestamp

			e.logger.Info().
				Uint64("closed_epoch", closing).
				Uint64("available", available).
				Uint64("senior_processed", seniorPlan.AmountProcessed).
				Uint64("junior_processed", juniorPlan.AmountProcessed).
				Uint64("profit", period.Profit).
				Uint64("undistributed", res.Undistributed).
				Uint64("loss", period.Loss).
				Uint64("recovery", period.LossRecovery).
				Msg("epoch closed")
			e.recordEpochMetrics(res, report)
		},
		receipt: Receipt{
			Amount: seniorPlan.AmountProcessed + juniorPlan.AmountProcessed,
			Shares: seniorPlan.SharesProcessed + juniorPlan.SharesProcessed,
			Epoch:  report,
		},
	}, nil
}

// planTranche plans and validates a settlement at a pending asset value.
func planTranche(v *tranche.Vault, available, totalAssets uint64) (*epoch.Settlement, error) {
	plan, err := v.PlanSettlementAt(available, totalAssets)
	if err != nil {
		return nil, fmt.Errorf("%s settlement: %w", v.ID(), err)
	}
	if err := v.ValidateSettlementAt(plan, totalAssets); err != nil {
		return nil, fmt.Errorf("%s settlement: %w", v.ID(), err)
	}
	return plan, nil
}

// juniorRedeemable is the junior value that may leave the pool while
// seniorAfter <= ratio * junior still holds.
func juniorRedeemable(juniorAssets, seniorAfter, ratio uint64) uint64 {
	if seniorAfter == 0 {
		return juniorAssets
	}
	if ratio == 0 {
		return 0
	}
	floor := seniorAfter / ratio
	if seniorAfter%ratio != 0 {
		floor++
	}
	return fpmath.SaturatingSub(juniorAssets, floor)
}

func (e *Engine) trancheAssets() [tranche.Count]uint64 {
	var out [tranche.Count]uint64
	for _, id := range tranche.All {
		out[id] = e.vaults[id].TotalAssets()
	}
	return out
}

func (e *Engine) trancheShares() [tranche.Count]uint64 {
	var out [tranche.Count]uint64
	for _, id := range tranche.All {
		out[id] = e.vaults[id].TotalShares()
	}
	return out
}

// pnlPostings turns allocation movements into token postings.
func pnlPostings(res *pnl.Result) (ledger.PnLPostings, []string) {
	p := ledger.PnLPostings{
		CoverProfit:   make(map[string]uint64, len(res.Reserves)),
		CoverLoss:     make(map[string]uint64, len(res.Reserves)),
		CoverRecovery: make(map[string]uint64, len(res.Reserves)),
	}
	for _, id := range tranche.All {
		p.TrancheProfit += res.TrancheProfit[id]
		p.TrancheLoss += res.TrancheLoss[id]
		p.TrancheRecovery += res.TrancheRecovery[id]
	}
	names := make([]string, len(res.Reserves))
	for i, r := range res.Reserves {
		names[i] = r.Config.Name
		p.CoverProfit[r.Config.Name] = res.ReserveProfit[i]
		p.CoverLoss[r.Config.Name] = res.ReserveLoss[i]
		p.CoverRecovery[r.Config.Name] = res.ReserveRecovery[i]
	}
	return p, names
}

func (e *Engine) recordEpochMetrics(res *pnl.Result, report *EpochReport) {
	if e.metrics == nil {
		return
	}
	e.metrics.EpochsClosed.Inc()
	for _, id := range tranche.All {
		name := id.String()
		s := report.Settlements[id]
		e.metrics.EpochSharesProcessed.WithLabelValues(name).Add(float64(s.SharesProcessed))
		e.metrics.EpochAmountProcessed.WithLabelValues(name).Add(float64(s.AmountProcessed))
		e.metrics.PnLAllocated.WithLabelValues(name, "loss").Add(float64(res.TrancheLoss[id]))
		e.metrics.PnLAllocated.WithLabelValues(name, "recovery").Add(float64(res.TrancheRecovery[id]))
		e.metrics.PnLAllocated.WithLabelValues(name, "profit").Add(float64(res.TrancheProfit[id]))
	}
	for i, r := range res.Reserves {
		e.metrics.PnLAllocated.WithLabelValues(r.Config.Name, "loss").Add(float64(res.ReserveLoss[i]))
		e.metrics.PnLAllocated.WithLabelValues(r.Config.Name, "recovery").Add(float64(res.ReserveRecovery[i]))
		e.metrics.PnLAllocated.WithLabelValues(r.Config.Name, "profit").Add(float64(res.ReserveProfit[i]))
	}
	unused := report.AvailableLiquidity - report.Settlements[tranche.Senior].AmountProcessed -
		report.Settlements[tranche.Junior].AmountProcessed
	e.metrics.EpochUnusedLiquidity.Set(float64(unused))
}
