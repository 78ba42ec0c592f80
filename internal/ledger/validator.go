package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}

// PoolTotals are the accounting figures the token balances must back.
type PoolTotals struct {
	TrancheAssets uint64            // senior + junior totalAssets
	Undisbursed   map[string]uint64 // per tranche, processed minus withdrawn
	Covers        map[string]uint64 // per cover, reserve amount
}

// ValidatePoolBacking verifies every accounting figure is held in tokens:
// vault+deployed equals tranche assets, each redemption reserve equals the
// tranche's undisbursed redemptions, and each cover reserve equals the
// cover's amount.
func (v *InvariantValidator) ValidatePoolBacking(t PoolTotals) error {
	backing := v.tracker.GetBalance(PoolVaultKey) + v.tracker.GetBalance(CreditDeployedKey)
	if backing < 0 || uint64(backing) != t.TrancheAssets {
		return fmt.Errorf("vault+deployed %d does not match tranche assets %d", backing, t.TrancheAssets)
	}

	for name, want := range t.Undisbursed {
		got := v.tracker.GetBalance(RedemptionReserveKey(name))
		if got < 0 || uint64(got) != want {
			return fmt.Errorf("redemption reserve %s holds %d, undisbursed %d", name, got, want)
		}
	}

	for name, want := range t.Covers {
		got := v.tracker.GetBalance(CoverReserveKey(name))
		if got < 0 || uint64(got) != want {
			return fmt.Errorf("cover reserve %s holds %d, cover amount %d", name, got, want)
		}
	}

	return nil
}

// ValidateNonNegative checks that no wallet or pool account is overdrawn.
func (v *InvariantValidator) ValidateNonNegative() error {
	for key := range v.tracker.Snapshot() {
		if key.Scope == AccountScopeExternal {
			continue
		}
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}
