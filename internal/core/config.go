package core

import (
	"fmt"

	"TrancheLedger/internal/access"
	"TrancheLedger/internal/cover"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/pnl"
	"TrancheLedger/internal/poolerr"

	"github.com/google/uuid"
)

const secondsPerDay = 24 * 60 * 60

// PoolConfig is the read-only configuration of one pool.
type PoolConfig struct {
	LiquidityCap                  uint64 `toml:"liquidity_cap" json:"liquidity_cap"`
	MaxSeniorJuniorRatio          uint64 `toml:"max_senior_junior_ratio" json:"max_senior_junior_ratio"`
	MinDepositAmount              uint64 `toml:"min_deposit_amount" json:"min_deposit_amount"`
	WithdrawalLockoutDays         int64  `toml:"withdrawal_lockout_days" json:"withdrawal_lockout_days"`
	MaxEpochsPerLender            int    `toml:"max_epochs_per_lender" json:"max_epochs_per_lender"`
	EpochDurationSeconds          int64  `toml:"epoch_duration_seconds" json:"epoch_duration_seconds"`
	FixedSeniorYieldInBps         uint64 `toml:"fixed_senior_yield_in_bps" json:"fixed_senior_yield_in_bps"`
	TranchesRiskAdjustmentInBps   uint64 `toml:"tranches_risk_adjustment_in_bps" json:"tranches_risk_adjustment_in_bps"`
	LiquidityRateInBpsByPoolOwner uint64 `toml:"liquidity_rate_in_bps_by_pool_owner" json:"liquidity_rate_in_bps_by_pool_owner"`
	LiquidityRateInBpsByEA        uint64 `toml:"liquidity_rate_in_bps_by_ea" json:"liquidity_rate_in_bps_by_ea"`

	Covers []cover.Config `toml:"covers" json:"covers"` // loss priority order
	Roles  access.Roles   `toml:"roles" json:"roles"`
}

// Validate checks every rate and identity once at load.
func (c PoolConfig) Validate() error {
	if err := c.policy().Validate(); err != nil {
		return err
	}
	if c.LiquidityRateInBpsByPoolOwner+c.LiquidityRateInBpsByEA > fpmath.BasisPoints {
		return fmt.Errorf("owner %d + EA %d liquidity rates exceed %d bps: %w",
			c.LiquidityRateInBpsByPoolOwner, c.LiquidityRateInBpsByEA, fpmath.BasisPoints, poolerr.ErrInvalidRate)
	}
	if c.WithdrawalLockoutDays < 0 || c.EpochDurationSeconds < 0 || c.MaxEpochsPerLender < 0 {
		return fmt.Errorf("negative lockout, epoch duration or epoch limit: %w", poolerr.ErrInvalidRate)
	}
	for _, cc := range c.Covers {
		if err := cc.Validate(); err != nil {
			return err
		}
	}
	if _, err := c.coverProviders(); err != nil {
		return err
	}
	return c.Roles.Validate()
}

func (c PoolConfig) policy() pnl.Policy {
	return pnl.Policy{
		FixedSeniorYieldInBps:       c.FixedSeniorYieldInBps,
		TranchesRiskAdjustmentInBps: c.TranchesRiskAdjustmentInBps,
	}
}

func (c PoolConfig) lockoutSeconds() int64 {
	return c.WithdrawalLockoutDays * secondsPerDay
}

// coverProviders parses the provider identities of every cover.
func (c PoolConfig) coverProviders() (map[string][]uuid.UUID, error) {
	out := make(map[string][]uuid.UUID, len(c.Covers))
	for _, cc := range c.Covers {
		ids := make([]uuid.UUID, 0, len(cc.Providers))
		for _, raw := range cc.Providers {
			id, err := uuid.Parse(raw)
			if err != nil || id == uuid.Nil {
				return nil, fmt.Errorf("cover %s provider %q: %w", cc.Name, raw, poolerr.ErrZeroAddress)
			}
			ids = append(ids, id)
		}
		out[cc.Name] = ids
	}
	return out, nil
}
