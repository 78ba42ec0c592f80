package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeWalletFunding JournalType = iota
	JournalTypeTrancheDeposit
	JournalTypeRedemptionProcessed
	JournalTypeDisbursement
	JournalTypeYieldPayout
	JournalTypeCoverDeposit
	JournalTypeCoverRedeem
	JournalTypeCoverProfit
	JournalTypeCoverLoss
	JournalTypeCoverRecovery
	JournalTypeTrancheProfit
	JournalTypeTrancheLoss
	JournalTypeTrancheRecovery
	JournalTypeCreditDrawdown
	JournalTypeCreditRepayment
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeWalletFunding:
		return "wallet_funding"
	case JournalTypeTrancheDeposit:
		return "tranche_deposit"
	case JournalTypeRedemptionProcessed:
		return "redemption_processed"
	case JournalTypeDisbursement:
		return "disbursement"
	case JournalTypeYieldPayout:
		return "yield_payout"
	case JournalTypeCoverDeposit:
		return "cover_deposit"
	case JournalTypeCoverRedeem:
		return "cover_redeem"
	case JournalTypeCoverProfit:
		return "cover_profit"
	case JournalTypeCoverLoss:
		return "cover_loss"
	case JournalTypeCoverRecovery:
		return "cover_recovery"
	case JournalTypeTrancheProfit:
		return "tranche_profit"
	case JournalTypeTrancheLoss:
		return "tranche_loss"
	case JournalTypeTrancheRecovery:
		return "tranche_recovery"
	case JournalTypeCreditDrawdown:
		return "credit_drawdown"
	case JournalTypeCreditRepayment:
		return "credit_repayment"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        int64       // Token units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal

	// allowance consumed per owner by pulls in this batch
	pulls map[uuid.UUID]uint64
}

// NewBatch starts an empty batch.
func NewBatch(sequence int64, eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// Add appends a transfer of amount from credit to debit. Zero amounts are
// skipped so callers can post waterfall stages unconditionally.
func (b *Batch) Add(debit, credit AccountKey, amount uint64, jt JournalType) {
	if amount == 0 {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        int64(amount),
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// NetChange is the signed effect of the batch on one account.
func (b *Batch) NetChange(key AccountKey) int64 {
	var net int64
	for _, j := range b.Journals {
		if j.DebitAccount == key {
			net += j.Amount
		}
		if j.CreditAccount == key {
			net -= j.Amount
		}
	}
	return net
}

// Pulled returns the allowance this batch consumes from owner.
func (b *Batch) Pulled(owner uuid.UUID) uint64 {
	return b.pulls[owner]
}

func (b *Batch) addPull(owner uuid.UUID, amount uint64) {
	if b.pulls == nil {
		b.pulls = make(map[uuid.UUID]uint64)
	}
	b.pulls[owner] += amount
}

// Empty reports whether the batch moves nothing.
func (b *Batch) Empty() bool {
	return len(b.Journals) == 0
}

// Validate ensures the batch is well-formed.
// Each journal entry moves a single positive amount from credit to debit, so
// every entry balances on its own; multi-leg batches are several entries
// under one batch_id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
