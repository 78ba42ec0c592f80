// internal/event/deposit.go
package event

import (
	"TrancheLedger/internal/tranche"

	"github.com/google/uuid"
)

// LenderDeposit pulls Amount from the lender's wallet into a tranche.
type LenderDeposit struct {
	EventID   uuid.UUID  `json:"event_id"`
	Lender    uuid.UUID  `json:"lender"`
	Tranche   tranche.ID `json:"tranche"`
	Amount    uint64     `json:"amount"`
	Timestamp int64      `json:"timestamp"`
}

func (d *LenderDeposit) IdempotencyKey() string { return d.EventID.String() }
func (d *LenderDeposit) EventType() EventType   { return EventTypeLenderDeposit }
func (d *LenderDeposit) Partition() *string     { return nil }
func (d *LenderDeposit) SourceSequence() int64  { return 0 }
func (d *LenderDeposit) Actor() uuid.UUID       { return d.Lender }
func (d *LenderDeposit) OccurredAt() int64      { return d.Timestamp }

// CoverDeposited pulls Amount from a provider's wallet into a first loss
// cover.
type CoverDeposited struct {
	EventID   uuid.UUID `json:"event_id"`
	Provider  uuid.UUID `json:"provider"`
	Cover     string    `json:"cover"`
	Amount    uint64    `json:"amount"`
	Timestamp int64     `json:"timestamp"`
}

func (d *CoverDeposited) IdempotencyKey() string { return d.EventID.String() }
func (d *CoverDeposited) EventType() EventType   { return EventTypeCoverDeposited }
func (d *CoverDeposited) Partition() *string     { return nil }
func (d *CoverDeposited) SourceSequence() int64  { return 0 }
func (d *CoverDeposited) Actor() uuid.UUID       { return d.Provider }
func (d *CoverDeposited) OccurredAt() int64      { return d.Timestamp }

// WalletFunded bridges tokens into a holder's wallet from outside the pool.
type WalletFunded struct {
	EventID   uuid.UUID `json:"event_id"`
	Caller    uuid.UUID `json:"caller"`
	Holder    uuid.UUID `json:"holder"`
	Amount    uint64    `json:"amount"`
	Timestamp int64     `json:"timestamp"`
}

func (w *WalletFunded) IdempotencyKey() string { return w.EventID.String() }
func (w *WalletFunded) EventType() EventType   { return EventTypeWalletFunded }
func (w *WalletFunded) Partition() *string     { return nil }
func (w *WalletFunded) SourceSequence() int64  { return 0 }
func (w *WalletFunded) Actor() uuid.UUID       { return w.Caller }
func (w *WalletFunded) OccurredAt() int64      { return w.Timestamp }

// AllowanceApproved sets how much the pool may pull from Owner's wallet.
type AllowanceApproved struct {
	EventID   uuid.UUID `json:"event_id"`
	Owner     uuid.UUID `json:"owner"`
	Amount    uint64    `json:"amount"`
	Timestamp int64     `json:"timestamp"`
}

func (a *AllowanceApproved) IdempotencyKey() string { return a.EventID.String() }
func (a *AllowanceApproved) EventType() EventType   { return EventTypeAllowanceApproved }
func (a *AllowanceApproved) Partition() *string     { return nil }
func (a *AllowanceApproved) SourceSequence() int64  { return 0 }
func (a *AllowanceApproved) Actor() uuid.UUID       { return a.Owner }
func (a *AllowanceApproved) OccurredAt() int64      { return a.Timestamp }
