package ledger_test

import (
	"errors"
	"testing"

	"TrancheLedger/internal/ledger"
	"TrancheLedger/internal/poolerr"

	"github.com/google/uuid"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.WalletKey(userID)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:wallet"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.RedemptionReserveKey("junior")

	path := key.AccountPath()
	if path != "system:junior:redemption_reserve" {
		t.Errorf("got %q, want %q", path, "system:junior:redemption_reserve")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	path := ledger.ExternalCredit.AccountPath()
	if path != "external:credit" {
		t.Errorf("got %q, want %q", path, "external:credit")
	}
}

func TestAccountKey_CoverReservesDistinct(t *testing.T) {
	a := ledger.CoverReserveKey("borrower")
	b := ledger.CoverReserveKey("admin")
	if a == b {
		t.Error("cover reserves with different names must not share a key")
	}
	if !a.IsPoolOwned() {
		t.Error("cover reserve should be pool owned")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if balance := bt.GetBalance(ledger.WalletKey(uuid.New())); balance != 0 {
		t.Errorf("initial balance should be 0, got %d", balance)
	}
}

func TestBalanceTracker_ApplyBatchZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	lender := uuid.New()

	b := ledger.NewBatch(1, "fund", 0)
	b.Add(ledger.WalletKey(lender), ledger.ExternalFunding, 500, ledger.JournalTypeWalletFunding)
	b.Add(ledger.PoolVaultKey, ledger.WalletKey(lender), 200, ledger.JournalTypeTrancheDeposit)

	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := bt.GetBalance(ledger.WalletKey(lender)); got != 300 {
		t.Errorf("wallet: got %d, want 300", got)
	}
	if got := bt.GetBalance(ledger.PoolVaultKey); got != 200 {
		t.Errorf("vault: got %d, want 200", got)
	}
	if got := bt.ComputeGlobalBalance(); got != 0 {
		t.Errorf("global balance: got %d, want 0", got)
	}
}

func TestBalanceTracker_ProjectedBalance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	b := ledger.NewBatch(1, "x", 0)
	b.Add(ledger.PoolVaultKey, ledger.ExternalCredit, 70, ledger.JournalTypeTrancheProfit)

	if got := bt.ProjectedBalance(ledger.PoolVaultKey, b); got != 70 {
		t.Errorf("projected: got %d, want 70", got)
	}
	if got := bt.GetBalance(ledger.PoolVaultKey); got != 0 {
		t.Errorf("projection must not mutate, got %d", got)
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatch_EmptyRejected(t *testing.T) {
	b := ledger.NewBatch(1, "x", 0)
	if err := b.Validate(); err == nil {
		t.Error("expected empty batch to be rejected")
	}
}

func TestBatch_ZeroLegSkipped(t *testing.T) {
	b := ledger.NewBatch(1, "x", 0)
	b.Add(ledger.PoolVaultKey, ledger.ExternalCredit, 0, ledger.JournalTypeTrancheProfit)
	if !b.Empty() {
		t.Error("zero amount should not add a journal")
	}
}

func TestBatch_SameAccountRejected(t *testing.T) {
	b := ledger.NewBatch(1, "x", 0)
	b.Add(ledger.PoolVaultKey, ledger.PoolVaultKey, 10, ledger.JournalTypeTrancheProfit)
	if err := b.Validate(); err == nil {
		t.Error("expected self-transfer to be rejected")
	}
}

// ============================================================================
// Test: TokenLedger
// ============================================================================

func fundedLedger(t *testing.T, holder uuid.UUID, amount uint64) (*ledger.TokenLedger, *ledger.JournalGenerator) {
	t.Helper()
	tl := ledger.NewTokenLedger()
	jg := ledger.NewJournalGenerator(1, tl)
	b := jg.Begin("fund", 0)
	jg.GenerateWalletFunding(b, holder, amount)
	if err := tl.Commit(b); err != nil {
		t.Fatalf("fund: %v", err)
	}
	return tl, jg
}

func TestTokenLedger_DepositConsumesAllowance(t *testing.T) {
	lender := uuid.New()
	tl, jg := fundedLedger(t, lender, 1_000)
	tl.Approve(lender, 600)

	b := jg.Begin("dep", 0)
	if err := jg.GenerateTrancheDeposit(b, lender, 400); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := tl.Commit(b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if got := tl.BalanceOf(lender); got != 600 {
		t.Errorf("wallet: got %d, want 600", got)
	}
	if got := tl.Balance(ledger.PoolVaultKey); got != 400 {
		t.Errorf("vault: got %d, want 400", got)
	}
	if got := tl.Allowance(lender); got != 200 {
		t.Errorf("allowance: got %d, want 200", got)
	}
}

func TestTokenLedger_InsufficientAllowance(t *testing.T) {
	lender := uuid.New()
	tl, jg := fundedLedger(t, lender, 1_000)
	tl.Approve(lender, 100)

	b := jg.Begin("dep", 0)
	err := jg.GenerateTrancheDeposit(b, lender, 400)
	if !errors.Is(err, poolerr.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if !b.Empty() {
		t.Error("failed pull must not add journals")
	}
}

func TestTokenLedger_InsufficientBalance(t *testing.T) {
	lender := uuid.New()
	tl, jg := fundedLedger(t, lender, 100)
	tl.Approve(lender, 1_000)

	b := jg.Begin("dep", 0)
	err := jg.GenerateTrancheDeposit(b, lender, 400)
	if !errors.Is(err, poolerr.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestTokenLedger_CommitChecksAllowanceAcrossPulls(t *testing.T) {
	lender := uuid.New()
	tl, jg := fundedLedger(t, lender, 1_000)
	tl.Approve(lender, 500)

	b := jg.Begin("dep", 0)
	if err := jg.GenerateTrancheDeposit(b, lender, 300); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	err := jg.GenerateCoverDeposit(b, lender, "borrower", 300)
	if !errors.Is(err, poolerr.ErrInsufficientAllowance) {
		t.Fatalf("second pull should exceed allowance, got %v", err)
	}
}

func TestTokenLedger_CommitRejectsOverdraft(t *testing.T) {
	tl := ledger.NewTokenLedger()
	b := ledger.NewBatch(1, "x", 0)
	b.Add(ledger.WalletKey(uuid.New()), ledger.PoolVaultKey, 10, ledger.JournalTypeYieldPayout)

	if err := tl.Commit(b); !errors.Is(err, poolerr.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := tl.Tracker().ComputeGlobalBalance(); got != 0 {
		t.Errorf("rejected commit must not apply, global %d", got)
	}
}

func TestTokenLedger_ExportRestore(t *testing.T) {
	lender := uuid.New()
	tl, _ := fundedLedger(t, lender, 750)
	tl.Approve(lender, 50)

	restored := ledger.NewTokenLedger()
	restored.Restore(tl.Export())

	if got := restored.BalanceOf(lender); got != 750 {
		t.Errorf("balance: got %d, want 750", got)
	}
	if got := restored.Allowance(lender); got != 50 {
		t.Errorf("allowance: got %d, want 50", got)
	}
}

// ============================================================================
// Test: PnL postings
// ============================================================================

func TestGeneratePnL_LossWriteOffPrefersDeployedCredit(t *testing.T) {
	lender := uuid.New()
	tl, jg := fundedLedger(t, lender, 1_000)
	tl.Approve(lender, 1_000)

	b := jg.Begin("setup", 0)
	if err := jg.GenerateTrancheDeposit(b, lender, 1_000); err != nil {
		t.Fatal(err)
	}
	if err := jg.GenerateCreditDrawdown(b, 600); err != nil {
		t.Fatal(err)
	}
	if err := tl.Commit(b); err != nil {
		t.Fatal(err)
	}

	b = jg.Begin("pnl", 0)
	if err := jg.GeneratePnL(b, ledger.PnLPostings{TrancheLoss: 800}, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := tl.Commit(b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if got := tl.Balance(ledger.CreditDeployedKey); got != 0 {
		t.Errorf("deployed: got %d, want 0", got)
	}
	if got := tl.Balance(ledger.PoolVaultKey); got != 200 {
		t.Errorf("vault: got %d, want 200", got)
	}
}

func TestGeneratePnL_CoverLossKeepsTrancheBacking(t *testing.T) {
	provider := uuid.New()
	lender := uuid.New()
	tl := ledger.NewTokenLedger()
	jg := ledger.NewJournalGenerator(1, tl)

	b := jg.Begin("setup", 0)
	jg.GenerateWalletFunding(b, provider, 100)
	jg.GenerateWalletFunding(b, lender, 1_000)
	if err := tl.Commit(b); err != nil {
		t.Fatal(err)
	}
	tl.Approve(provider, 100)
	tl.Approve(lender, 1_000)

	b = jg.Begin("deposits", 0)
	if err := jg.GenerateCoverDeposit(b, provider, "borrower", 100); err != nil {
		t.Fatal(err)
	}
	if err := jg.GenerateTrancheDeposit(b, lender, 1_000); err != nil {
		t.Fatal(err)
	}
	if err := tl.Commit(b); err != nil {
		t.Fatal(err)
	}

	// 150 loss: cover absorbs 100, tranches absorb 50.
	b = jg.Begin("pnl", 0)
	postings := ledger.PnLPostings{
		TrancheLoss: 50,
		CoverLoss:   map[string]uint64{"borrower": 100},
	}
	if err := jg.GeneratePnL(b, postings, []string{"borrower"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := tl.Commit(b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	v := ledger.NewInvariantValidator(tl.Tracker())
	err := v.ValidatePoolBacking(ledger.PoolTotals{
		TrancheAssets: 950,
		Covers:        map[string]uint64{"borrower": 0},
	})
	if err != nil {
		t.Errorf("backing: %v", err)
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global: %v", err)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestValidator_PoolBackingMismatch(t *testing.T) {
	tl := ledger.NewTokenLedger()
	b := ledger.NewBatch(1, "x", 0)
	b.Add(ledger.PoolVaultKey, ledger.ExternalCredit, 100, ledger.JournalTypeTrancheProfit)
	if err := tl.Commit(b); err != nil {
		t.Fatal(err)
	}

	v := ledger.NewInvariantValidator(tl.Tracker())
	if err := v.ValidatePoolBacking(ledger.PoolTotals{TrancheAssets: 99}); err == nil {
		t.Error("expected backing mismatch")
	}
	if err := v.ValidatePoolBacking(ledger.PoolTotals{TrancheAssets: 100}); err != nil {
		t.Errorf("unexpected: %v", err)
	}
}

func TestValidator_RedemptionReserveMismatch(t *testing.T) {
	tl := ledger.NewTokenLedger()
	v := ledger.NewInvariantValidator(tl.Tracker())
	err := v.ValidatePoolBacking(ledger.PoolTotals{
		Undisbursed: map[string]uint64{"senior": 5},
	})
	if err == nil {
		t.Error("expected redemption reserve mismatch")
	}
}
