package ledger

import (
	"fmt"

	"TrancheLedger/internal/poolerr"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for pool flows.
// Each Generate/Post method appends legs to a batch opened with Begin and
// pre-checks the legs against the balances the batch would leave behind.
type JournalGenerator struct {
	sequence int64
	tokens   *TokenLedger // for pre-checks
}

func NewJournalGenerator(startSequence int64, tokens *TokenLedger) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
		tokens:   tokens,
	}
}

// Sequence returns the sequence the next batch will carry.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// SetSequence repositions the generator after a snapshot restore.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// Begin opens a new batch for the event identified by eventRef.
func (jg *JournalGenerator) Begin(eventRef string, timestamp int64) *Batch {
	b := NewBatch(jg.sequence, eventRef, timestamp)
	jg.sequence++
	return b
}

// GenerateWalletFunding credits a holder's wallet from outside the pool.
func (jg *JournalGenerator) GenerateWalletFunding(b *Batch, holder uuid.UUID, amount uint64) {
	b.Add(WalletKey(holder), ExternalFunding, amount, JournalTypeWalletFunding)
}

// GenerateTrancheDeposit pulls a lender's deposit into the pool vault.
// Pre-check: wallet balance and allowance cover the pull.
func (jg *JournalGenerator) GenerateTrancheDeposit(b *Batch, lender uuid.UUID, amount uint64) error {
	return jg.pull(b, lender, PoolVaultKey, amount, JournalTypeTrancheDeposit)
}

// GenerateCoverDeposit pulls a provider's deposit into a cover reserve.
func (jg *JournalGenerator) GenerateCoverDeposit(b *Batch, provider uuid.UUID, cover string, amount uint64) error {
	return jg.pull(b, provider, CoverReserveKey(cover), amount, JournalTypeCoverDeposit)
}

// GenerateCoverRedeem pays cover capital back to a provider.
func (jg *JournalGenerator) GenerateCoverRedeem(b *Batch, provider uuid.UUID, cover string, amount uint64) error {
	return jg.push(b, CoverReserveKey(cover), WalletKey(provider), amount, JournalTypeCoverRedeem)
}

// GenerateRedemptionProcessed moves settled redemption value out of the
// vault into the tranche's reserve, where it waits for disbursement.
func (jg *JournalGenerator) GenerateRedemptionProcessed(b *Batch, tranche string, amount uint64) error {
	return jg.push(b, PoolVaultKey, RedemptionReserveKey(tranche), amount, JournalTypeRedemptionProcessed)
}

// GenerateDisbursement pays processed redemptions to a lender.
func (jg *JournalGenerator) GenerateDisbursement(b *Batch, tranche string, lender uuid.UUID, amount uint64) error {
	return jg.push(b, RedemptionReserveKey(tranche), WalletKey(lender), amount, JournalTypeDisbursement)
}

// GenerateYieldPayout pays a lender's yield out of the vault.
func (jg *JournalGenerator) GenerateYieldPayout(b *Batch, lender uuid.UUID, amount uint64) error {
	return jg.push(b, PoolVaultKey, WalletKey(lender), amount, JournalTypeYieldPayout)
}

// GenerateCreditDrawdown deploys vault cash to borrowers.
func (jg *JournalGenerator) GenerateCreditDrawdown(b *Batch, amount uint64) error {
	return jg.push(b, PoolVaultKey, CreditDeployedKey, amount, JournalTypeCreditDrawdown)
}

// GenerateCreditRepayment returns deployed principal to the vault.
func (jg *JournalGenerator) GenerateCreditRepayment(b *Batch, amount uint64) error {
	return jg.push(b, CreditDeployedKey, PoolVaultKey, amount, JournalTypeCreditRepayment)
}

// PnLPostings are the token movements of one PnL allocation.
type PnLPostings struct {
	TrancheProfit   uint64
	TrancheLoss     uint64
	TrancheRecovery uint64
	CoverProfit     map[string]uint64
	CoverLoss       map[string]uint64
	CoverRecovery   map[string]uint64
}

// GeneratePnL posts an allocation.
//
// Profit and recoveries arrive from external credit into the vault or the
// receiving cover. Cover losses are paid from the cover reserve into the
// vault. The total loss is then written off, first against deployed credit
// and then against the vault, so vault+deployed drops by the tranche loss
// only.
func (jg *JournalGenerator) GeneratePnL(b *Batch, p PnLPostings, covers []string) error {
	b.Add(PoolVaultKey, ExternalCredit, p.TrancheProfit, JournalTypeTrancheProfit)
	b.Add(PoolVaultKey, ExternalCredit, p.TrancheRecovery, JournalTypeTrancheRecovery)

	totalLoss := p.TrancheLoss
	for _, name := range covers {
		key := CoverReserveKey(name)
		b.Add(key, ExternalCredit, p.CoverProfit[name], JournalTypeCoverProfit)
		b.Add(key, ExternalCredit, p.CoverRecovery[name], JournalTypeCoverRecovery)
		b.Add(PoolVaultKey, key, p.CoverLoss[name], JournalTypeCoverLoss)
		totalLoss += p.CoverLoss[name]
	}

	if totalLoss > 0 {
		deployed := jg.projected(CreditDeployedKey, b)
		fromCredit := min(deployed, totalLoss)
		b.Add(ExternalCredit, CreditDeployedKey, fromCredit, JournalTypeTrancheLoss)
		b.Add(ExternalCredit, PoolVaultKey, totalLoss-fromCredit, JournalTypeTrancheLoss)
	}

	for _, name := range covers {
		if jg.tokens.tracker.ProjectedBalance(CoverReserveKey(name), b) < 0 {
			return fmt.Errorf("cover %s: %w", name, poolerr.ErrInsufficientBalance)
		}
	}
	if jg.tokens.tracker.ProjectedBalance(PoolVaultKey, b) < 0 {
		return fmt.Errorf("pool vault after loss write-off: %w", poolerr.ErrInsufficientBalance)
	}
	return nil
}

// pull moves amount from owner's wallet to a pool account against the
// owner's allowance.
func (jg *JournalGenerator) pull(b *Batch, owner uuid.UUID, to AccountKey, amount uint64, jt JournalType) error {
	if amount == 0 {
		return nil
	}
	from := WalletKey(owner)
	if have := jg.projected(from, b); have < amount {
		return fmt.Errorf("wallet %s has %d, needs %d: %w", owner, have, amount, poolerr.ErrInsufficientBalance)
	}
	if allowed := jg.tokens.Allowance(owner); allowed < b.Pulled(owner)+amount {
		return fmt.Errorf("wallet %s allows %d, needs %d: %w",
			owner, allowed, b.Pulled(owner)+amount, poolerr.ErrInsufficientAllowance)
	}
	b.Add(to, from, amount, jt)
	b.addPull(owner, amount)
	return nil
}

// push moves amount out of a pool account.
func (jg *JournalGenerator) push(b *Batch, from, to AccountKey, amount uint64, jt JournalType) error {
	if amount == 0 {
		return nil
	}
	if have := jg.projected(from, b); have < amount {
		return fmt.Errorf("%s has %d, needs %d: %w", from.AccountPath(), have, amount, poolerr.ErrInsufficientBalance)
	}
	b.Add(to, from, amount, jt)
	return nil
}

func (jg *JournalGenerator) projected(key AccountKey, b *Batch) uint64 {
	return clampUnsigned(jg.tokens.tracker.ProjectedBalance(key, b))
}
