package query

import "github.com/google/uuid"

// BalanceResponse is a holder's projected wallet balance.
type BalanceResponse struct {
	Holder       uuid.UUID `json:"holder"`
	AccountPath  string    `json:"account_path"`
	Balance      int64     `json:"balance"`
	AsOfSequence int64     `json:"as_of_sequence"` // last projected sequence
}

// AccountBalance is one projected ledger account.
type AccountBalance struct {
	AccountPath  string `json:"account_path"`
	Balance      int64  `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// TrancheSettlement is one tranche's outcome at an epoch close.
type TrancheSettlement struct {
	Tranche         string `json:"tranche"`
	SharesProcessed int64  `json:"shares_processed"`
	AmountProcessed int64  `json:"amount_processed"`
	EpochsSettled   int    `json:"epochs_settled"`
	TotalAssets     int64  `json:"total_assets"`
	Profit          int64  `json:"profit"`
	Loss            int64  `json:"loss"`
	LossRecovery    int64  `json:"loss_recovery"`
}

// EpochHistoryEntry is one closed epoch with its tranche settlements.
type EpochHistoryEntry struct {
	EpochID            int64               `json:"epoch_id"`
	Sequence           int64               `json:"sequence"`
	Profit             int64               `json:"profit"`
	Loss               int64               `json:"loss"`
	LossRecovery       int64               `json:"loss_recovery"`
	SeniorEntitlement  int64               `json:"senior_entitlement"`
	AvailableLiquidity int64               `json:"available_liquidity"`
	NextCloseAt        int64               `json:"next_close_at"`
	ClosedAt           int64               `json:"closed_at"`
	Tranches           []TrancheSettlement `json:"tranches"`
}

// RedemptionFill is part of a lender's request paid at an epoch close.
type RedemptionFill struct {
	ClosedEpoch  int64  `json:"closed_epoch"`
	RequestEpoch int64  `json:"request_epoch"`
	Tranche      string `json:"tranche"`
	Shares       int64  `json:"shares"`
	Amount       int64  `json:"amount"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	// Sum of all projected balances; the ledger is zero-sum so anything
	// else means the projections drifted.
	BalanceImbalance int64 `json:"balance_imbalance"`
	LastSequence     int64 `json:"last_sequence"`
	ProjectedThrough int64 `json:"projected_through"`
}
