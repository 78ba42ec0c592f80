package tranche

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"TrancheLedger/internal/epoch"
	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/poolerr"
)

// Vault is the accounting ledger of one tranche: share supply, lender share
// balances, deposit positions, redemption records and the epoch request book.
// Shares requested for redemption leave the lender's free balance and sit in
// escrow until processed or cancelled; they still count in totalShares.
type Vault struct {
	id          ID
	totalAssets uint64
	totalShares uint64
	escrow      uint64

	balances  map[uuid.UUID]uint64 // free shares
	positions map[uuid.UUID]*LenderPosition
	records   map[uuid.UUID]*RedemptionRecord
	book      *epoch.Book
}

func NewVault(id ID) *Vault {
	return &Vault{
		id:        id,
		balances:  make(map[uuid.UUID]uint64),
		positions: make(map[uuid.UUID]*LenderPosition),
		records:   make(map[uuid.UUID]*RedemptionRecord),
		book:      epoch.NewBook(),
	}
}

func (v *Vault) ID() ID { return v.id }
func (v *Vault) TotalAssets() uint64 { return v.totalAssets }
func (v *Vault) TotalShares() uint64 { return v.totalShares }
func (v *Vault) EscrowShares() uint64 { return v.escrow }
func (v *Vault) Book() *epoch.Book { return v.book }
func (v *Vault) FreeShares(l uuid.UUID) uint64 { return v.balances[l] }

// SetTotalAssets is used by the pool after PnL allocation.
func (v *Vault) SetTotalAssets(assets uint64) {
	v.totalAssets = assets
}

func (v *Vault) ConvertToShares(assets uint64) (uint64, error) {
	return fpmath.AssetsToShares(assets, v.totalAssets, v.totalShares)
}

func (v *Vault) ConvertToAssets(shares uint64) (uint64, error) {
	return fpmath.SharesToAssets(shares, v.totalAssets, v.totalShares)
}

// EnsurePosition creates the lender's position if missing.
func (v *Vault) EnsurePosition(lender uuid.UUID, reinvestYield bool) *LenderPosition {
	pos, ok := v.positions[lender]
	if !ok {
		pos = &LenderPosition{ReinvestYield: reinvestYield}
		v.positions[lender] = pos
	}
	return pos
}

func (v *Vault) SetReinvestYield(lender uuid.UUID, reinvest bool) {
	v.EnsurePosition(lender, reinvest).ReinvestYield = reinvest
}

// Position returns a copy of the lender's position.
func (v *Vault) Position(lender uuid.UUID) (LenderPosition, bool) {
	pos, ok := v.positions[lender]
	if !ok {
		return LenderPosition{}, false
	}
	return *pos, true
}

// Record returns a copy of the lender's redemption record.
func (v *Vault) Record(lender uuid.UUID) RedemptionRecord {
	if rec, ok := v.records[lender]; ok {
		return *rec
	}
	return RedemptionRecord{}
}

func (v *Vault) record(lender uuid.UUID) *RedemptionRecord {
	rec, ok := v.records[lender]
	if !ok {
		rec = &RedemptionRecord{}
		v.records[lender] = rec
	}
	return rec
}

// Lenders returns every lender with a position, sorted by id.
func (v *Vault) Lenders() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(v.positions))
	for l := range v.positions {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// ---------------------------------------------------------------------------
// Read-only lender views
// ---------------------------------------------------------------------------

// WithdrawableAssets is what disburse would pay right now.
func (v *Vault) WithdrawableAssets(lender uuid.UUID) uint64 {
	return v.Record(lender).Withdrawable()
}

// CancellableShares is the lender's pending, unprocessed request.
func (v *Vault) CancellableShares(lender uuid.UUID) uint64 {
	return v.Record(lender).TotalSharesRequested
}

// TotalAssetsOf values the lender's free and pending shares at the current
// price.
func (v *Vault) TotalAssetsOf(lender uuid.UUID) (uint64, error) {
	shares := v.balances[lender] + v.Record(lender).TotalSharesRequested
	if shares == 0 {
		return 0, nil
	}
	return v.ConvertToAssets(shares)
}

// ---------------------------------------------------------------------------
// Deposit
// ---------------------------------------------------------------------------

// PreviewDeposit runs every deposit check and returns the shares that would
// be minted.
func (v *Vault) PreviewDeposit(amount uint64, rules DepositRules) (uint64, error) {
	if amount == 0 {
		return 0, poolerr.ErrZeroAmount
	}
	if amount < rules.MinDepositAmount {
		return 0, fmt.Errorf("%s deposit %d < %d: %w", v.id, amount, rules.MinDepositAmount, poolerr.ErrDepositTooLow)
	}
	poolAfter, err := fpmath.Add(rules.PoolAssets, amount)
	if err != nil {
		return 0, err
	}
	if poolAfter > rules.LiquidityCap {
		return 0, fmt.Errorf("%s deposit %d: pool %d > cap %d: %w",
			v.id, amount, poolAfter, rules.LiquidityCap, poolerr.ErrCapExceeded)
	}
	if v.id == Senior {
		maxSenior, err := fpmath.MulDiv(rules.JuniorAssets, rules.MaxSeniorJuniorRatio, 1)
		if err != nil {
			return 0, err
		}
		if v.totalAssets+amount > maxSenior {
			return 0, fmt.Errorf("senior %d + %d > %d x junior %d: %w",
				v.totalAssets, amount, rules.MaxSeniorJuniorRatio, rules.JuniorAssets, poolerr.ErrRatioExceeded)
		}
	}
	shares, err := v.ConvertToShares(amount)
	if err != nil {
		return 0, fmt.Errorf("%s deposit %d: %w", v.id, amount, err)
	}
	if shares == 0 {
		return 0, fmt.Errorf("%s deposit %d mints no shares: %w", v.id, amount, poolerr.ErrZeroAmount)
	}
	return shares, nil
}

// Deposit mints shares for amount and raises the lender's principal.
func (v *Vault) Deposit(lender uuid.UUID, amount uint64, ts int64, rules DepositRules) (uint64, error) {
	if lender == uuid.Nil {
		return 0, poolerr.ErrZeroAddress
	}
	shares, err := v.PreviewDeposit(amount, rules)
	if err != nil {
		return 0, err
	}

	pos := v.EnsurePosition(lender, false)
	pos.Principal += amount
	pos.LastDepositTime = ts

	v.totalAssets += amount
	v.totalShares += shares
	v.balances[lender] += shares
	return shares, nil
}

// ---------------------------------------------------------------------------
// Redemption requests
// ---------------------------------------------------------------------------

// RequestRedemption moves shares from the lender's free balance into the
// current epoch's request book.
func (v *Vault) RequestRedemption(lender uuid.UUID, shares uint64, epochID uint64, ts int64, rules RedemptionRules) error {
	if lender == uuid.Nil {
		return poolerr.ErrZeroAddress
	}
	if shares == 0 {
		return poolerr.ErrZeroAmount
	}
	free := v.balances[lender]
	if shares > free {
		return fmt.Errorf("%s request %d of %d free shares: %w", v.id, shares, free, poolerr.ErrInsufficientShares)
	}

	pos := v.EnsurePosition(lender, false)
	if !rules.ExemptFromLockout {
		if ts < pos.LastDepositTime+rules.LockoutSeconds {
			return fmt.Errorf("%s request at %d, unlocked at %d: %w",
				v.id, ts, pos.LastDepositTime+rules.LockoutSeconds, poolerr.ErrTooSoon)
		}
	}
	if rules.MinRetainedAssets > 0 {
		retained, err := v.ConvertToAssets(free - shares)
		if err != nil {
			return err
		}
		if retained < rules.MinRetainedAssets {
			liqErr := rules.LiquidityErr
			if liqErr == nil {
				liqErr = poolerr.ErrInsufficientLiquidityForPoolOwner
			}
			return fmt.Errorf("%s retains %d < required %d: %w", v.id, retained, rules.MinRetainedAssets, liqErr)
		}
	}
	if rules.MaxPendingEpochs > 0 && !v.book.HasPendingIn(epochID, lender) &&
		v.book.PendingEpochsOf(lender) >= rules.MaxPendingEpochs {
		return fmt.Errorf("%s lender %s pending in %d epochs: %w",
			v.id, lender, rules.MaxPendingEpochs, poolerr.ErrTooManyPendingEpochs)
	}

	principalRequested := fpmath.Proportion(pos.Principal, shares, free)

	v.balances[lender] -= shares
	v.escrow += shares
	pos.Principal -= principalRequested

	rec := v.record(lender)
	rec.PrincipalRequested += principalRequested
	rec.TotalSharesRequested += shares
	v.book.AddRequest(epochID, lender, shares)
	rec.NumEpochsRequested = v.book.PendingEpochsOf(lender)
	return nil
}

// CancelRedemptionRequest returns pending shares to the free balance, newest
// epoch first, and restores principal pro rata.
func (v *Vault) CancelRedemptionRequest(lender uuid.UUID, shares uint64) error {
	if lender == uuid.Nil {
		return poolerr.ErrZeroAddress
	}
	if shares == 0 {
		return poolerr.ErrZeroAmount
	}
	rec := v.Record(lender)
	if shares > rec.TotalSharesRequested {
		return fmt.Errorf("%s cancel %d of %d cancellable shares: %w",
			v.id, shares, rec.TotalSharesRequested, poolerr.ErrInsufficientShares)
	}
	cancels, err := v.book.PlanCancel(lender, shares)
	if err != nil {
		return err
	}

	principalReturned := fpmath.Proportion(rec.PrincipalRequested, shares, rec.TotalSharesRequested)

	v.book.ApplyCancel(lender, cancels)
	r := v.record(lender)
	r.TotalSharesRequested -= shares
	r.PrincipalRequested -= principalReturned
	r.NumEpochsRequested = v.book.PendingEpochsOf(lender)

	v.escrow -= shares
	v.balances[lender] += shares
	v.EnsurePosition(lender, false).Principal += principalReturned
	return nil
}

// ---------------------------------------------------------------------------
// Epoch settlement
// ---------------------------------------------------------------------------

// PlanSettlement prices this tranche's outstanding requests against
// available liquidity.
func (v *Vault) PlanSettlement(available uint64) (*epoch.Settlement, error) {
	return v.PlanSettlementAt(available, v.totalAssets)
}

// PlanSettlementAt prices requests as if the tranche held totalAssets. The
// pool uses it to settle at the post-allocation price before applying PnL.
func (v *Vault) PlanSettlementAt(available, totalAssets uint64) (*epoch.Settlement, error) {
	return epoch.Plan(v.book, totalAssets, v.totalShares, available)
}

// ValidateSettlement checks a plan against current state without mutating.
func (v *Vault) ValidateSettlement(s *epoch.Settlement) error {
	return v.ValidateSettlementAt(s, v.totalAssets)
}

// ValidateSettlementAt is ValidateSettlement against a pending asset value.
func (v *Vault) ValidateSettlementAt(s *epoch.Settlement, totalAssets uint64) error {
	if err := v.book.ValidateSettlement(s); err != nil {
		return err
	}
	if s.SharesProcessed > v.escrow {
		return fmt.Errorf("%s settle %d shares, escrow %d: %w", v.id, s.SharesProcessed, v.escrow, poolerr.ErrArithmeticUnderflow)
	}
	if s.AmountProcessed > totalAssets {
		return fmt.Errorf("%s settle %d assets of %d: %w", v.id, s.AmountProcessed, totalAssets, poolerr.ErrArithmeticUnderflow)
	}
	requested := make(map[uuid.UUID]uint64)
	for _, ef := range s.Epochs {
		for _, f := range ef.Fills {
			requested[f.Lender] += f.Shares
		}
	}
	for lender, shares := range requested {
		if shares > v.Record(lender).TotalSharesRequested {
			return fmt.Errorf("%s lender %s settle %d of %d requested: %w",
				v.id, lender, shares, v.Record(lender).TotalSharesRequested, poolerr.ErrArithmeticUnderflow)
		}
	}
	return nil
}

// ApplySettlement burns processed shares, removes their value from the
// tranche and credits lender records. closingEpoch is the epoch being closed.
func (v *Vault) ApplySettlement(s *epoch.Settlement, closingEpoch uint64) {
	v.book.ApplySettlement(s)
	for _, ef := range s.Epochs {
		for _, f := range ef.Fills {
			rec := v.record(f.Lender)
			principalProcessed := fpmath.Proportion(rec.PrincipalRequested, f.Shares, rec.TotalSharesRequested)
			rec.PrincipalRequested -= principalProcessed
			rec.TotalSharesRequested -= f.Shares
			rec.TotalSharesProcessed += f.Shares
			rec.TotalAmountProcessed += f.Amount
			rec.LastUpdatedEpoch = closingEpoch
			rec.NumEpochsRequested = v.book.PendingEpochsOf(f.Lender)
		}
	}
	v.escrow -= s.SharesProcessed
	v.totalShares -= s.SharesProcessed
	v.totalAssets -= s.AmountProcessed
}

// ---------------------------------------------------------------------------
// Disbursement
// ---------------------------------------------------------------------------

// Disburse marks the lender's processed amount as paid and returns it. With
// nothing owed it returns zero.
func (v *Vault) Disburse(lender uuid.UUID) uint64 {
	rec, ok := v.records[lender]
	if !ok {
		return 0
	}
	amount := rec.Withdrawable()
	rec.AmountWithdrawn += amount
	return amount
}

// TotalUndisbursed sums processed but unpaid redemptions.
func (v *Vault) TotalUndisbursed() uint64 {
	var total uint64
	for _, rec := range v.records {
		total += rec.Withdrawable()
	}
	return total
}

// ---------------------------------------------------------------------------
// Invariants
// ---------------------------------------------------------------------------

// CheckInvariants verifies share conservation: free balances plus escrow
// equal supply, and escrow equals every pending request.
func (v *Vault) CheckInvariants() error {
	var free, requested uint64
	for _, b := range v.balances {
		free += b
	}
	for _, rec := range v.records {
		requested += rec.TotalSharesRequested
	}
	if free+v.escrow != v.totalShares {
		return fmt.Errorf("%s: free %d + escrow %d != supply %d", v.id, free, v.escrow, v.totalShares)
	}
	if requested != v.escrow {
		return fmt.Errorf("%s: requested %d != escrow %d", v.id, requested, v.escrow)
	}
	var pending uint64
	for _, s := range v.book.Summaries() {
		pending += s.Pending()
	}
	if pending != v.escrow {
		return fmt.Errorf("%s: book pending %d != escrow %d", v.id, pending, v.escrow)
	}
	return nil
}
