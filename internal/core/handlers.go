package core

import (
	"fmt"

	"TrancheLedger/internal/access"
	"TrancheLedger/internal/credit"
	"TrancheLedger/internal/event"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/poolerr"
	"TrancheLedger/internal/tranche"

	"github.com/google/uuid"
)

// must panics on an error the plan already ruled out.
func must(err error) {
	if err != nil {
		panic(fmt.Sprintf("FATAL: planned mutation failed: %v", err))
	}
}

func requireIdentity(ids ...uuid.UUID) error {
	for _, id := range ids {
		if id == uuid.Nil {
			return poolerr.ErrZeroAddress
		}
	}
	return nil
}

func (e *Engine) vault(id tranche.ID) (*tranche.Vault, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("tranche %d: %w", id, poolerr.ErrUnknownTranche)
	}
	return e.vaults[id], nil
}

func (e *Engine) requireEnabled() error {
	if !e.enabled {
		return poolerr.ErrPoolDisabled
	}
	return nil
}

func (e *Engine) requireApproved(lender uuid.UUID) error {
	if !e.access.IsApprovedLender(lender) {
		return fmt.Errorf("lender %s: %w", lender, poolerr.ErrNotApprovedLender)
	}
	return nil
}

// approve registers lender and opens a position in every tranche.
func (e *Engine) approve(lender uuid.UUID, reinvestYield bool) error {
	if err := e.access.ApproveLender(lender); err != nil {
		return err
	}
	for _, v := range e.vaults {
		v.SetReinvestYield(lender, reinvestYield)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lender administration
// ---------------------------------------------------------------------------

func (e *Engine) handleLenderApproved(evt *event.LenderApproved) (*outcome, error) {
	if err := access.Require(e.access.IsPoolOperator(evt.Caller), "approve lender"); err != nil {
		return nil, err
	}
	if err := requireIdentity(evt.Lender); err != nil {
		return nil, err
	}
	return &outcome{apply: func() { must(e.approve(evt.Lender, evt.ReinvestYield)) }}, nil
}

func (e *Engine) handleLenderRevoked(evt *event.LenderRevoked) (*outcome, error) {
	if err := access.Require(e.access.IsPoolOperator(evt.Caller), "revoke lender"); err != nil {
		return nil, err
	}
	if err := requireIdentity(evt.Lender); err != nil {
		return nil, err
	}
	return &outcome{apply: func() { e.access.RevokeLender(evt.Lender) }}, nil
}

func (e *Engine) handleReinvestYieldUpdated(evt *event.ReinvestYieldUpdated) (*outcome, error) {
	if err := access.Require(e.access.IsPoolOperator(evt.Caller), "set reinvest yield"); err != nil {
		return nil, err
	}
	if err := e.requireApproved(evt.Lender); err != nil {
		return nil, err
	}
	return &outcome{apply: func() {
		for _, v := range e.vaults {
			v.SetReinvestYield(evt.Lender, evt.ReinvestYield)
		}
	}}, nil
}

// ---------------------------------------------------------------------------
// Wallets
// ---------------------------------------------------------------------------

func (e *Engine) handleWalletFunded(evt *event.WalletFunded) (*outcome, error) {
	ok := e.access.IsPoolOperator(evt.Caller) || e.access.IsPoolOwnerOrAdmin(evt.Caller)
	if err := access.Require(ok, "fund wallet"); err != nil {
		return nil, err
	}
	if err := requireIdentity(evt.Holder); err != nil {
		return nil, err
	}
	if evt.Amount == 0 {
		return nil, poolerr.ErrZeroAmount
	}
	b := e.journalGen.Begin(evt.IdempotencyKey(), evt.Timestamp)
	e.journalGen.GenerateWalletFunding(b, evt.Holder, evt.Amount)
	return &outcome{batch: b, receipt: Receipt{Amount: evt.Amount}}, nil
}

func (e *Engine) handleAllowanceApproved(evt *event.AllowanceApproved) (*outcome, error) {
	if err := requireIdentity(evt.Owner); err != nil {
		return nil, err
	}
	return &outcome{
		apply:   func() { e.tokens.Approve(evt.Owner, evt.Amount) },
		receipt: Receipt{Amount: evt.Amount},
	}, nil
}

// ---------------------------------------------------------------------------
// Tranche operations
// ---------------------------------------------------------------------------

func (e *Engine) depositRules() tranche.DepositRules {
	return tranche.DepositRules{
		MinDepositAmount:     e.cfg.MinDepositAmount,
		LiquidityCap:         e.cfg.LiquidityCap,
		PoolAssets:           e.vaults[tranche.Senior].TotalAssets() + e.vaults[tranche.Junior].TotalAssets(),
		MaxSeniorJuniorRatio: e.cfg.MaxSeniorJuniorRatio,
		JuniorAssets:         e.vaults[tranche.Junior].TotalAssets(),
	}
}

// redemptionRules applies the lockout to ordinary lenders. The pool owner
// treasury and the evaluation agent skip it but must keep a minimum junior
// position sized off the liquidity cap.
func (e *Engine) redemptionRules(id tranche.ID, lender uuid.UUID) tranche.RedemptionRules {
	rules := tranche.RedemptionRules{
		LockoutSeconds:    e.cfg.lockoutSeconds(),
		ExemptFromLockout: e.access.ExemptFromLockout(lender),
		MaxPendingEpochs:  e.cfg.MaxEpochsPerLender,
	}
	if id != tranche.Junior {
		return rules
	}
	switch {
	case e.access.IsPoolOwnerTreasury(lender):
		rules.MinRetainedAssets = fpmath.BPS(e.cfg.LiquidityCap, e.cfg.LiquidityRateInBpsByPoolOwner)
		rules.LiquidityErr = poolerr.ErrInsufficientLiquidityForPoolOwner
	case e.access.IsEvaluationAgent(lender):
		rules.MinRetainedAssets = fpmath.BPS(e.cfg.LiquidityCap, e.cfg.LiquidityRateInBpsByEA)
		rules.LiquidityErr = poolerr.ErrInsufficientLiquidityForEvaluationAgent
	}
	return rules
}

func (e *Engine) handleLenderDeposit(evt *event.LenderDeposit) (*outcome, error) {
	if err := e.requireEnabled(); err != nil {
		return nil, err
	}
	if err := requireIdentity(evt.Lender); err != nil {
		return nil, err
	}
	if err := e.requireApproved(evt.Lender); err != nil {
		return nil, err
	}
	v, err := e.vault(evt.Tranche)
	if err != nil {
		return nil, err
	}

	rules := e.depositRules()
	shares, err := v.PreviewDeposit(evt.Amount, rules)
	if err != nil {
		return nil, err
	}
	b := e.journalGen.Begin(evt.IdempotencyKey(), evt.Timestamp)
	if err := e.journalGen.GenerateTrancheDeposit(b, evt.Lender, evt.Amount); err != nil {
		return nil, err
	}

	return &outcome{
		batch: b,
		apply: func() {
			_, err := v.Deposit(evt.Lender, evt.Amount, evt.Timestamp, rules)
			must(err)
		},
		receipt: Receipt{Shares: shares, Amount: evt.Amount},
	}, nil
}

// Redemption requests and cancellations move no tokens. The vault checks
// everything before it mutates, so they commit while planning.
func (e *Engine) handleRedemptionRequested(evt *event.RedemptionRequested) (*outcome, error) {
	if err := e.requireEnabled(); err != nil {
		return nil, err
	}
	if err := requireIdentity(evt.Lender); err != nil {
		return nil, err
	}
	if err := e.requireApproved(evt.Lender); err != nil {
		return nil, err
	}
	v, err := e.vault(evt.Tranche)
	if err != nil {
		return nil, err
	}
	rules := e.redemptionRules(evt.Tranche, evt.Lender)
	if err := v.RequestRedemption(evt.Lender, evt.Shares, e.coordinator.CurrentEpoch(), evt.Timestamp, rules); err != nil {
		return nil, err
	}
	return &outcome{receipt: Receipt{Shares: evt.Shares}}, nil
}

// Cancelling stays open while the pool is disabled or the lender revoked:
// it only returns the lender's own shares.
func (e *Engine) handleRedemptionCancelled(evt *event.RedemptionCancelled) (*outcome, error) {
	if err := requireIdentity(evt.Lender); err != nil {
		return nil, err
	}
	v, err := e.vault(evt.Tranche)
	if err != nil {
		return nil, err
	}
	if err := v.CancelRedemptionRequest(evt.Lender, evt.Shares); err != nil {
		return nil, err
	}
	return &outcome{receipt: Receipt{Shares: evt.Shares}}, nil
}

// Disbursing with nothing owed succeeds and pays zero.
func (e *Engine) handleDisbursement(evt *event.Disbursement) (*outcome, error) {
	if err := requireIdentity(evt.Lender); err != nil {
		return nil, err
	}
	v, err := e.vault(evt.Tranche)
	if err != nil {
		return nil, err
	}
	amount := v.WithdrawableAssets(evt.Lender)
	b := e.journalGen.Begin(evt.IdempotencyKey(), evt.Timestamp)
	if err := e.journalGen.GenerateDisbursement(b, v.ID().String(), evt.Lender, amount); err != nil {
		return nil, err
	}
	return &outcome{
		batch: b,
		apply: func() {
			v.Disburse(evt.Lender)
			if e.metrics != nil {
				e.metrics.Disbursed.WithLabelValues(v.ID().String()).Add(float64(amount))
			}
		},
		receipt: Receipt{Amount: amount},
	}, nil
}

func (e *Engine) handleYieldProcessing(evt *event.YieldProcessing) (*outcome, error) {
	ok := e.access.IsPoolOperator(evt.Caller) || e.access.IsPoolOwnerOrAdmin(evt.Caller)
	if err := access.Require(ok, "process yield"); err != nil {
		return nil, err
	}
	v, err := e.vault(evt.Tranche)
	if err != nil {
		return nil, err
	}
	plan, err := v.PlanYield(evt.Lenders)
	if err != nil {
		return nil, err
	}
	b := e.journalGen.Begin(evt.IdempotencyKey(), evt.Timestamp)
	for _, p := range plan.Payouts {
		if err := e.journalGen.GenerateYieldPayout(b, p.Lender, p.Paid); err != nil {
			return nil, err
		}
	}
	return &outcome{
		batch: b,
		apply: func() {
			v.ApplyYield(plan)
			if e.metrics == nil {
				return
			}
			for _, p := range plan.Payouts {
				if p.Reinvested > 0 {
					e.metrics.YieldPaid.WithLabelValues(v.ID().String(), "reinvested").Add(float64(p.Reinvested))
				} else {
					e.metrics.YieldPaid.WithLabelValues(v.ID().String(), "paid").Add(float64(p.Paid))
				}
			}
		},
		receipt: Receipt{Amount: plan.Paid, Shares: plan.SharesBurned, Yield: plan},
	}, nil
}

// ---------------------------------------------------------------------------
// First loss covers
// ---------------------------------------------------------------------------

func (e *Engine) handleCoverDeposited(evt *event.CoverDeposited) (*outcome, error) {
	if err := requireIdentity(evt.Provider); err != nil {
		return nil, err
	}
	c, err := e.covers.Get(evt.Cover)
	if err != nil {
		return nil, err
	}
	if err := access.Require(e.access.IsCoverProvider(evt.Cover, evt.Provider), "deposit cover"); err != nil {
		return nil, err
	}
	shares, err := c.PreviewDeposit(evt.Amount)
	if err != nil {
		return nil, err
	}
	b := e.journalGen.Begin(evt.IdempotencyKey(), evt.Timestamp)
	if err := e.journalGen.GenerateCoverDeposit(b, evt.Provider, evt.Cover, evt.Amount); err != nil {
		return nil, err
	}
	return &outcome{
		batch: b,
		apply: func() {
			_, err := c.Deposit(evt.Provider, evt.Amount)
			must(err)
		},
		receipt: Receipt{Shares: shares, Amount: evt.Amount},
	}, nil
}

func (e *Engine) handleCoverRedeemed(evt *event.CoverRedeemed) (*outcome, error) {
	if err := requireIdentity(evt.Provider); err != nil {
		return nil, err
	}
	c, err := e.covers.Get(evt.Cover)
	if err != nil {
		return nil, err
	}
	amount, err := c.PreviewRedeem(evt.Provider, evt.Shares)
	if err != nil {
		return nil, err
	}
	b := e.journalGen.Begin(evt.IdempotencyKey(), evt.Timestamp)
	if err := e.journalGen.GenerateCoverRedeem(b, evt.Provider, evt.Cover, amount); err != nil {
		return nil, err
	}
	return &outcome{
		batch: b,
		apply: func() {
			_, err := c.Redeem(evt.Provider, evt.Shares)
			must(err)
		},
		receipt: Receipt{Shares: evt.Shares, Amount: amount},
	}, nil
}

// ---------------------------------------------------------------------------
// Credit subsystem
// ---------------------------------------------------------------------------

func (e *Engine) handlePnLReported(evt *event.PnLReported) (*outcome, error) {
	if err := access.Require(e.access.IsCreditAgent(evt.Caller), "report pnl"); err != nil {
		return nil, err
	}
	report := credit.Report{
		Sequence: evt.Sequence,
		PeriodPnL: credit.PeriodPnL{
			Profit:       evt.Profit,
			Loss:         evt.Loss,
			LossRecovery: evt.LossRecovery,
		},
		Timestamp: evt.Timestamp,
	}
	if err := e.credit.Record(report); err != nil {
		return nil, err
	}
	return &outcome{}, nil
}

func (e *Engine) handleCreditDrawdown(evt *event.CreditDrawdown) (*outcome, error) {
	if err := access.Require(e.access.IsCreditAgent(evt.Caller), "credit drawdown"); err != nil {
		return nil, err
	}
	if evt.Amount == 0 {
		return nil, poolerr.ErrZeroAmount
	}
	b := e.journalGen.Begin(evt.IdempotencyKey(), evt.Timestamp)
	if err := e.journalGen.GenerateCreditDrawdown(b, evt.Amount); err != nil {
		return nil, err
	}
	return &outcome{batch: b, receipt: Receipt{Amount: evt.Amount}}, nil
}

func (e *Engine) handleCreditRepayment(evt *event.CreditRepayment) (*outcome, error) {
	if err := access.Require(e.access.IsCreditAgent(evt.Caller), "credit repayment"); err != nil {
		return nil, err
	}
	if evt.Amount == 0 {
		return nil, poolerr.ErrZeroAmount
	}
	b := e.journalGen.Begin(evt.IdempotencyKey(), evt.Timestamp)
	if err := e.journalGen.GenerateCreditRepayment(b, evt.Amount); err != nil {
		return nil, err
	}
	return &outcome{batch: b, receipt: Receipt{Amount: evt.Amount}}, nil
}

// ---------------------------------------------------------------------------
// Pool status
// ---------------------------------------------------------------------------

func (e *Engine) handlePoolStatusChanged(evt *event.PoolStatusChanged) (*outcome, error) {
	if err := access.Require(e.access.IsPoolOwnerOrAdmin(evt.Caller), "set pool status"); err != nil {
		return nil, err
	}
	return &outcome{apply: func() {
		e.enabled = evt.Enabled
		e.logger.Info().Bool("enabled", evt.Enabled).Str("caller", evt.Caller.String()).Msg("pool status changed")
	}}, nil
}
