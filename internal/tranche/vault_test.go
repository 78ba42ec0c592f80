package tranche_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrancheLedger/internal/poolerr"
	"TrancheLedger/internal/tranche"
)

const day = int64(86_400)

func openRules() tranche.DepositRules {
	return tranche.DepositRules{
		LiquidityCap:         1_000_000_000,
		MaxSeniorJuniorRatio: 4,
		JuniorAssets:         1_000_000_000,
	}
}

func mustDeposit(t *testing.T, v *tranche.Vault, lender uuid.UUID, amount uint64, ts int64) uint64 {
	t.Helper()
	shares, err := v.Deposit(lender, amount, ts, openRules())
	require.NoError(t, err)
	require.NoError(t, v.CheckInvariants())
	return shares
}

// ---------------------------------------------------------------------------
// Deposits
// ---------------------------------------------------------------------------

func TestDeposit_SharePricing(t *testing.T) {
	v := tranche.NewVault(tranche.Junior)
	a, b := uuid.New(), uuid.New()

	assert.Equal(t, uint64(1_000), mustDeposit(t, v, a, 1_000, 0), "first deposit mints 1:1")

	v.SetTotalAssets(1_500) // profit: price 1.5
	assert.Equal(t, uint64(200), mustDeposit(t, v, b, 300, 0))
	assert.Equal(t, uint64(1_800), v.TotalAssets())
	assert.Equal(t, uint64(1_200), v.TotalShares())

	pos, ok := v.Position(b)
	require.True(t, ok)
	assert.Equal(t, uint64(300), pos.Principal)
}

func TestDeposit_Validation(t *testing.T) {
	v := tranche.NewVault(tranche.Senior)
	lender := uuid.New()

	_, err := v.Deposit(lender, 0, 0, openRules())
	require.ErrorIs(t, err, poolerr.ErrZeroAmount)

	_, err = v.Deposit(uuid.Nil, 10, 0, openRules())
	require.ErrorIs(t, err, poolerr.ErrZeroAddress)

	rules := openRules()
	rules.MinDepositAmount = 100
	_, err = v.Deposit(lender, 99, 0, rules)
	require.ErrorIs(t, err, poolerr.ErrDepositTooLow)

	rules = openRules()
	rules.LiquidityCap = 1_000
	rules.PoolAssets = 900
	_, err = v.Deposit(lender, 101, 0, rules)
	require.ErrorIs(t, err, poolerr.ErrCapExceeded)

	rules = openRules()
	rules.JuniorAssets = 100
	_, err = v.Deposit(lender, 401, 0, rules)
	require.ErrorIs(t, err, poolerr.ErrRatioExceeded)
	_, err = v.Deposit(lender, 400, 0, rules)
	require.NoError(t, err)

	assert.Equal(t, uint64(400), v.TotalAssets(), "rejected deposits leave no trace")
}

func TestDeposit_WipedOutTrancheRejected(t *testing.T) {
	v := tranche.NewVault(tranche.Junior)
	mustDeposit(t, v, uuid.New(), 1_000, 0)
	v.SetTotalAssets(0)

	_, err := v.Deposit(uuid.New(), 10, 0, openRules())
	require.ErrorIs(t, err, poolerr.ErrInsolventPool)
}

func TestDeposit_UnownedAssetsRejected(t *testing.T) {
	v := tranche.NewVault(tranche.Junior)
	v.SetTotalAssets(1)

	_, err := v.Deposit(uuid.New(), 100, 0, openRules())
	require.ErrorIs(t, err, poolerr.ErrUnownedAssets)
}

func TestSettlement_FullExitLeavesNoDust(t *testing.T) {
	v := tranche.NewVault(tranche.Junior)
	a, b := uuid.New(), uuid.New()
	mustDeposit(t, v, a, 400, 0)
	mustDeposit(t, v, b, 600, 0)
	v.SetTotalAssets(1_001)

	require.NoError(t, v.RequestRedemption(a, 400, 1, 0, tranche.RedemptionRules{}))
	require.NoError(t, v.RequestRedemption(b, 600, 1, 0, tranche.RedemptionRules{}))
	s, err := v.PlanSettlement(5_000)
	require.NoError(t, err)
	require.NoError(t, v.ValidateSettlement(s))
	v.ApplySettlement(s, 1)

	assert.Equal(t, uint64(1_001), s.AmountProcessed)
	assert.Equal(t, uint64(0), v.TotalShares())
	assert.Equal(t, uint64(0), v.TotalAssets())

	// The next depositor starts from a clean 1:1 price.
	shares := mustDeposit(t, v, uuid.New(), 100, 10)
	assert.Equal(t, uint64(100), shares)
	assert.Equal(t, uint64(100), v.TotalAssets())
}

// ---------------------------------------------------------------------------
// Redemption requests
// ---------------------------------------------------------------------------

func TestRequestThenCancel_RoundTrip(t *testing.T) {
	v := tranche.NewVault(tranche.Junior)
	l := uuid.New()
	mustDeposit(t, v, l, 3_000, 0)
	v.SetTotalAssets(3_333)

	freeBefore := v.FreeShares(l)
	posBefore, _ := v.Position(l)

	require.NoError(t, v.RequestRedemption(l, 1_000, 1, 0, tranche.RedemptionRules{}))
	assert.Equal(t, freeBefore-1_000, v.FreeShares(l))
	assert.Equal(t, uint64(1_000), v.CancellableShares(l))
	require.NoError(t, v.CheckInvariants())

	require.NoError(t, v.CancelRedemptionRequest(l, 1_000))
	posAfter, _ := v.Position(l)
	assert.Equal(t, freeBefore, v.FreeShares(l))
	assert.Equal(t, posBefore.Principal, posAfter.Principal)
	assert.Equal(t, uint64(0), v.CancellableShares(l))
	assert.Equal(t, 0, v.Record(l).NumEpochsRequested)
	require.NoError(t, v.CheckInvariants())
}

func TestRequestRedemption_Validation(t *testing.T) {
	v := tranche.NewVault(tranche.Junior)
	l := uuid.New()
	mustDeposit(t, v, l, 1_000, 10*day)

	require.ErrorIs(t, v.RequestRedemption(l, 0, 1, 20*day, tranche.RedemptionRules{}), poolerr.ErrZeroAmount)
	require.ErrorIs(t, v.RequestRedemption(l, 1_001, 1, 20*day, tranche.RedemptionRules{}), poolerr.ErrInsufficientShares)

	lockout := tranche.RedemptionRules{LockoutSeconds: 30 * day}
	require.ErrorIs(t, v.RequestRedemption(l, 10, 1, 39*day, lockout), poolerr.ErrTooSoon)
	require.NoError(t, v.RequestRedemption(l, 10, 1, 40*day, lockout))

	_, err := v.PlanSettlement(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), v.CancellableShares(l))
	require.ErrorIs(t, v.CancelRedemptionRequest(l, 11), poolerr.ErrInsufficientShares)
}

func TestRequestRedemption_PrivilegedExemptButLiquidityBound(t *testing.T) {
	v := tranche.NewVault(tranche.Junior)
	treasury := uuid.New()
	mustDeposit(t, v, treasury, 1_000, 100*day)

	rules := tranche.RedemptionRules{
		LockoutSeconds:    90 * day,
		ExemptFromLockout: true,
		MinRetainedAssets: 600,
		LiquidityErr:      poolerr.ErrInsufficientLiquidityForPoolOwner,
	}
	require.NoError(t, v.RequestRedemption(treasury, 400, 1, 100*day, rules))
	err := v.RequestRedemption(treasury, 1, 1, 100*day, rules)
	require.ErrorIs(t, err, poolerr.ErrInsufficientLiquidityForPoolOwner)
	assert.Equal(t, poolerr.KindLiquidity, poolerr.KindOf(err))
}

func TestRequestRedemption_PendingEpochCap(t *testing.T) {
	v := tranche.NewVault(tranche.Junior)
	l := uuid.New()
	mustDeposit(t, v, l, 1_000, 0)
	rules := tranche.RedemptionRules{MaxPendingEpochs: 2}

	require.NoError(t, v.RequestRedemption(l, 1, 1, 0, rules))
	require.NoError(t, v.RequestRedemption(l, 1, 2, 0, rules))
	require.NoError(t, v.RequestRedemption(l, 1, 2, 0, rules), "same epoch does not count twice")
	require.ErrorIs(t, v.RequestRedemption(l, 1, 3, 0, rules), poolerr.ErrTooManyPendingEpochs)
	assert.Equal(t, 2, v.Record(l).NumEpochsRequested)
}

// ---------------------------------------------------------------------------
// Settlement and disbursement
// ---------------------------------------------------------------------------

func TestSettlement_PartialFillAndDisburse(t *testing.T) {
	v := tranche.NewVault(tranche.Senior)
	a, b := uuid.New(), uuid.New()
	mustDeposit(t, v, a, 300, 0)
	mustDeposit(t, v, b, 700, 0)

	require.NoError(t, v.RequestRedemption(a, 300, 1, 0, tranche.RedemptionRules{}))
	require.NoError(t, v.RequestRedemption(b, 700, 1, 0, tranche.RedemptionRules{}))

	s, err := v.PlanSettlement(500)
	require.NoError(t, err)
	require.NoError(t, v.ValidateSettlement(s))
	v.ApplySettlement(s, 1)
	require.NoError(t, v.CheckInvariants())

	assert.Equal(t, uint64(150), v.WithdrawableAssets(a))
	assert.Equal(t, uint64(350), v.WithdrawableAssets(b))
	assert.Equal(t, uint64(150), v.CancellableShares(a))
	assert.Equal(t, uint64(500), v.TotalAssets())
	assert.Equal(t, uint64(500), v.TotalShares())
	assert.Equal(t, uint64(1), v.Record(a).LastUpdatedEpoch)
	assert.Equal(t, uint64(150), v.Record(a).PrincipalRequested)

	assert.Equal(t, uint64(150), v.Disburse(a))
	assert.Equal(t, uint64(0), v.Disburse(a), "second disburse pays nothing")
	assert.Equal(t, uint64(0), v.Disburse(uuid.New()))
	assert.Equal(t, uint64(350), v.TotalUndisbursed())
}

// ---------------------------------------------------------------------------
// Yield processing
// ---------------------------------------------------------------------------

func TestYield_PayoutReinvestAndLoss(t *testing.T) {
	v := tranche.NewVault(tranche.Senior)
	payer, reinvestor := uuid.New(), uuid.New()
	mustDeposit(t, v, payer, 1_000, 0)
	mustDeposit(t, v, reinvestor, 1_000, 0)
	v.SetReinvestYield(reinvestor, true)

	v.SetTotalAssets(2_200) // +10%

	plan, err := v.PlanYield(nil)
	require.NoError(t, err)
	require.Len(t, plan.Payouts, 2)
	v.ApplyYield(plan)
	require.NoError(t, v.CheckInvariants())

	payerAssets, err := v.TotalAssetsOf(payer)
	require.NoError(t, err)
	// 90 shares burned at 1.1 pay 99; truncation leaves the dust in the pool
	assert.Equal(t, uint64(99), plan.Paid)
	assert.Equal(t, uint64(90), plan.SharesBurned)
	assert.Equal(t, uint64(1_001), payerAssets)

	pos, _ := v.Position(reinvestor)
	assert.Equal(t, uint64(1_100), pos.Principal, "gain recognized as principal")
	assert.Equal(t, uint64(1_000), v.FreeShares(reinvestor), "no shares burned for reinvestors")

	// After a loss nobody is above principal: no-op, not a clawback.
	v.SetTotalAssets(1_900)
	plan, err = v.PlanYield(nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Payouts)
}

func TestExportRestore(t *testing.T) {
	v := tranche.NewVault(tranche.Junior)
	l := uuid.New()
	mustDeposit(t, v, l, 500, 7)
	require.NoError(t, v.RequestRedemption(l, 100, 1, 7, tranche.RedemptionRules{}))

	restored := tranche.NewVault(tranche.Senior)
	restored.Restore(v.Export())

	assert.Equal(t, tranche.Junior, restored.ID())
	assert.Equal(t, v.Export(), restored.Export())
	require.NoError(t, restored.CheckInvariants())
}
