package tranche

// LenderPosition is a lender's deposit basis in one tranche.
type LenderPosition struct {
	// Token units of un-requested deposit basis.
	Principal       uint64 `json:"principal"`
	ReinvestYield   bool   `json:"reinvest_yield"`
	LastDepositTime int64  `json:"last_deposit_time"` // unix seconds
}

// RedemptionRecord is a lender's redemption bookkeeping in one tranche.
type RedemptionRecord struct {
	NumEpochsRequested   int    `json:"num_epochs_requested"`
	PrincipalRequested   uint64 `json:"principal_requested"`
	TotalSharesRequested uint64 `json:"total_shares_requested"` // still pending
	TotalSharesProcessed uint64 `json:"total_shares_processed"`
	TotalAmountProcessed uint64 `json:"total_amount_processed"`
	AmountWithdrawn      uint64 `json:"amount_withdrawn"`
	LastUpdatedEpoch     uint64 `json:"last_updated_epoch"`
}

// Withdrawable is the processed amount not yet disbursed.
func (r RedemptionRecord) Withdrawable() uint64 {
	return r.TotalAmountProcessed - r.AmountWithdrawn
}

// DepositRules carries the pool-level limits a deposit is checked against.
type DepositRules struct {
	MinDepositAmount     uint64
	LiquidityCap         uint64
	PoolAssets           uint64 // senior + junior before the deposit
	MaxSeniorJuniorRatio uint64
	JuniorAssets         uint64
}

// RedemptionRules carries the per-caller checks for a redemption request.
type RedemptionRules struct {
	LockoutSeconds int64
	// Privileged actors skip the lockout and must keep MinRetainedAssets.
	ExemptFromLockout bool
	MinRetainedAssets uint64
	LiquidityErr      error
	MaxPendingEpochs  int
}
