package cover

import (
	"fmt"

	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/poolerr"
)

// Config is the read-only configuration of one first loss cover.
type Config struct {
	Name                       string   `toml:"name" json:"name"`
	CoverRateInBps             uint64   `toml:"cover_rate_in_bps" json:"cover_rate_in_bps"`
	CoverCap                   uint64   `toml:"cover_cap" json:"cover_cap"`
	LiquidityCap               uint64   `toml:"liquidity_cap" json:"liquidity_cap"`
	MinLiquidity               uint64   `toml:"min_liquidity" json:"min_liquidity"`
	MaxPercentOfPoolValueInBps uint64   `toml:"max_percent_of_pool_value_in_bps" json:"max_percent_of_pool_value_in_bps"`
	RiskYieldMultiplierInBps   uint64   `toml:"risk_yield_multiplier_in_bps" json:"risk_yield_multiplier_in_bps"`
	Providers                  []string `toml:"providers" json:"providers,omitempty"`
}

// maxNameLen matches the width of ledger account entity ids.
const maxNameLen = 16

func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("cover: empty name: %w", poolerr.ErrUnknownCover)
	}
	if len(c.Name) > maxNameLen {
		return fmt.Errorf("cover %s: name longer than %d bytes: %w", c.Name, maxNameLen, poolerr.ErrUnknownCover)
	}
	if c.CoverRateInBps > fpmath.BasisPoints {
		return fmt.Errorf("cover %s: cover rate %d bps: %w", c.Name, c.CoverRateInBps, poolerr.ErrInvalidRate)
	}
	if c.MaxPercentOfPoolValueInBps > fpmath.BasisPoints {
		return fmt.Errorf("cover %s: max percent of pool value %d bps: %w", c.Name, c.MaxPercentOfPoolValueInBps, poolerr.ErrInvalidRate)
	}
	if c.MinLiquidity > c.LiquidityCap {
		return fmt.Errorf("cover %s: min liquidity %d above liquidity cap %d: %w",
			c.Name, c.MinLiquidity, c.LiquidityCap, poolerr.ErrInvalidRate)
	}
	return nil
}

// Reserve is the value state of a first loss cover. The PnL allocator works on
// copies of Reserve, so methods here touch nothing but the receiver.
type Reserve struct {
	Config      Config `json:"config"`
	Amount      uint64 `json:"amount"`
	CoveredLoss uint64 `json:"covered_loss"` // absorbed losses not yet recovered
}

// Capacity is the most the reserve may hold through profit sharing:
// min(coverCap, maxPercentOfPoolValue * poolValue).
func (r *Reserve) Capacity(poolValue uint64) uint64 {
	return fpmath.Min(r.Config.CoverCap, fpmath.BPS(poolValue, r.Config.MaxPercentOfPoolValueInBps))
}

// AbsorbLoss takes up to coverRate of the loss, bounded by the cover amount,
// and returns what is left for the next stage.
func (r *Reserve) AbsorbLoss(loss uint64) (absorbed, remaining uint64) {
	absorbed = fpmath.Min(fpmath.BPS(loss, r.Config.CoverRateInBps), r.Amount)
	r.Amount -= absorbed
	r.CoveredLoss += absorbed
	return absorbed, loss - absorbed
}

// RecoverLoss replenishes the reserve up to the losses it absorbed.
func (r *Reserve) RecoverLoss(recovery uint64) (recovered, remaining uint64) {
	recovered = fpmath.Min(recovery, r.CoveredLoss)
	r.Amount += recovered
	r.CoveredLoss -= recovered
	return recovered, recovery - recovered
}

// ReceiveProfitShare credits at most the headroom below Capacity and returns
// the amount actually taken. The caller routes the excess back to the tranches.
func (r *Reserve) ReceiveProfitShare(candidate, poolValue uint64) uint64 {
	headroom := fpmath.SaturatingSub(r.Capacity(poolValue), r.Amount)
	actual := fpmath.Min(candidate, headroom)
	r.Amount += actual
	return actual
}

// ProfitWeight is the reserve's weight when profit is shared with the junior
// tranche: coverAmount scaled by the risk yield multiplier.
func (r *Reserve) ProfitWeight() uint64 {
	return fpmath.BPS(r.Amount, r.Config.RiskYieldMultiplierInBps)
}
