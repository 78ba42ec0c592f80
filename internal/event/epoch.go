package event

import (
	"fmt"

	"TrancheLedger/internal/tranche"

	"github.com/google/uuid"
)

// EpochClose allocates the period's PnL, settles redemptions against the
// available liquidity and opens the next epoch.
// Idempotency key: "epoch:{epoch_id}:close".
type EpochClose struct {
	Caller             uuid.UUID `json:"caller"`
	EpochID            uint64    `json:"epoch_id"`
	AvailableLiquidity *uint64   `json:"available_liquidity,omitempty"` // overrides the vault balance when set
	Timestamp          int64     `json:"timestamp"`
}

func (e *EpochClose) IdempotencyKey() string {
	return fmt.Sprintf("epoch:%d:close", e.EpochID)
}

func (e *EpochClose) EventType() EventType {
	return EventTypeEpochClose
}

// Partition is nil: the coordinator checks the epoch id itself.
func (e *EpochClose) Partition() *string {
	return nil
}

func (e *EpochClose) SourceSequence() int64 {
	return int64(e.EpochID)
}

func (e *EpochClose) Actor() uuid.UUID  { return e.Caller }
func (e *EpochClose) OccurredAt() int64 { return e.Timestamp }

// YieldProcessing pays or reinvests accumulated yield for Lenders of one
// tranche; an empty list means every lender.
type YieldProcessing struct {
	EventID   uuid.UUID   `json:"event_id"`
	Caller    uuid.UUID   `json:"caller"`
	Tranche   tranche.ID  `json:"tranche"`
	Lenders   []uuid.UUID `json:"lenders,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func (e *YieldProcessing) IdempotencyKey() string { return e.EventID.String() }
func (e *YieldProcessing) EventType() EventType   { return EventTypeYieldProcessing }
func (e *YieldProcessing) Partition() *string     { return nil }
func (e *YieldProcessing) SourceSequence() int64  { return 0 }
func (e *YieldProcessing) Actor() uuid.UUID       { return e.Caller }
func (e *YieldProcessing) OccurredAt() int64      { return e.Timestamp }

// PoolStatusChanged enables or disables deposits and redemption requests.
type PoolStatusChanged struct {
	EventID   uuid.UUID `json:"event_id"`
	Caller    uuid.UUID `json:"caller"`
	Enabled   bool      `json:"enabled"`
	Timestamp int64     `json:"timestamp"`
}

func (e *PoolStatusChanged) IdempotencyKey() string { return e.EventID.String() }
func (e *PoolStatusChanged) EventType() EventType   { return EventTypePoolStatusChanged }
func (e *PoolStatusChanged) Partition() *string     { return nil }
func (e *PoolStatusChanged) SourceSequence() int64  { return 0 }
func (e *PoolStatusChanged) Actor() uuid.UUID       { return e.Caller }
func (e *PoolStatusChanged) OccurredAt() int64      { return e.Timestamp }
