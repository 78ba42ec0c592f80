// internal/event/withdrawal.go
package event

import (
	"TrancheLedger/internal/tranche"

	"github.com/google/uuid"
)

// RedemptionRequested queues Shares for redemption in the current epoch.
type RedemptionRequested struct {
	EventID   uuid.UUID  `json:"event_id"`
	Lender    uuid.UUID  `json:"lender"`
	Tranche   tranche.ID `json:"tranche"`
	Shares    uint64     `json:"shares"`
	Timestamp int64      `json:"timestamp"`
}

func (w *RedemptionRequested) IdempotencyKey() string { return w.EventID.String() }
func (w *RedemptionRequested) EventType() EventType   { return EventTypeRedemptionRequested }
func (w *RedemptionRequested) Partition() *string     { return nil }
func (w *RedemptionRequested) SourceSequence() int64  { return 0 }
func (w *RedemptionRequested) Actor() uuid.UUID       { return w.Lender }
func (w *RedemptionRequested) OccurredAt() int64      { return w.Timestamp }

// RedemptionCancelled returns unprocessed requested shares to the lender.
type RedemptionCancelled struct {
	EventID   uuid.UUID  `json:"event_id"`
	Lender    uuid.UUID  `json:"lender"`
	Tranche   tranche.ID `json:"tranche"`
	Shares    uint64     `json:"shares"`
	Timestamp int64      `json:"timestamp"`
}

func (w *RedemptionCancelled) IdempotencyKey() string { return w.EventID.String() }
func (w *RedemptionCancelled) EventType() EventType   { return EventTypeRedemptionCancelled }
func (w *RedemptionCancelled) Partition() *string     { return nil }
func (w *RedemptionCancelled) SourceSequence() int64  { return 0 }
func (w *RedemptionCancelled) Actor() uuid.UUID       { return w.Lender }
func (w *RedemptionCancelled) OccurredAt() int64      { return w.Timestamp }

// Disbursement pays the lender everything processed and not yet withdrawn.
type Disbursement struct {
	EventID   uuid.UUID  `json:"event_id"`
	Lender    uuid.UUID  `json:"lender"`
	Tranche   tranche.ID `json:"tranche"`
	Timestamp int64      `json:"timestamp"`
}

func (w *Disbursement) IdempotencyKey() string { return w.EventID.String() }
func (w *Disbursement) EventType() EventType   { return EventTypeDisbursement }
func (w *Disbursement) Partition() *string     { return nil }
func (w *Disbursement) SourceSequence() int64  { return 0 }
func (w *Disbursement) Actor() uuid.UUID       { return w.Lender }
func (w *Disbursement) OccurredAt() int64      { return w.Timestamp }

// CoverRedeemed burns provider shares of a cover for tokens.
type CoverRedeemed struct {
	EventID   uuid.UUID `json:"event_id"`
	Provider  uuid.UUID `json:"provider"`
	Cover     string    `json:"cover"`
	Shares    uint64    `json:"shares"`
	Timestamp int64     `json:"timestamp"`
}

func (w *CoverRedeemed) IdempotencyKey() string { return w.EventID.String() }
func (w *CoverRedeemed) EventType() EventType   { return EventTypeCoverRedeemed }
func (w *CoverRedeemed) Partition() *string     { return nil }
func (w *CoverRedeemed) SourceSequence() int64  { return 0 }
func (w *CoverRedeemed) Actor() uuid.UUID       { return w.Provider }
func (w *CoverRedeemed) OccurredAt() int64      { return w.Timestamp }
