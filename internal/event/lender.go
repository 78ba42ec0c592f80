// internal/event/lender.go
package event

import "github.com/google/uuid"

// LenderApproved admits a lender to both tranches.
type LenderApproved struct {
	EventID       uuid.UUID `json:"event_id"`
	Caller        uuid.UUID `json:"caller"`
	Lender        uuid.UUID `json:"lender"`
	ReinvestYield bool      `json:"reinvest_yield"`
	Timestamp     int64     `json:"timestamp"`
}

func (e *LenderApproved) IdempotencyKey() string { return e.EventID.String() }
func (e *LenderApproved) EventType() EventType   { return EventTypeLenderApproved }
func (e *LenderApproved) Partition() *string     { return nil }
func (e *LenderApproved) SourceSequence() int64  { return 0 }
func (e *LenderApproved) Actor() uuid.UUID       { return e.Caller }
func (e *LenderApproved) OccurredAt() int64      { return e.Timestamp }

// LenderRevoked stops a lender from depositing. Existing positions remain
// redeemable.
type LenderRevoked struct {
	EventID   uuid.UUID `json:"event_id"`
	Caller    uuid.UUID `json:"caller"`
	Lender    uuid.UUID `json:"lender"`
	Timestamp int64     `json:"timestamp"`
}

func (e *LenderRevoked) IdempotencyKey() string { return e.EventID.String() }
func (e *LenderRevoked) EventType() EventType   { return EventTypeLenderRevoked }
func (e *LenderRevoked) Partition() *string     { return nil }
func (e *LenderRevoked) SourceSequence() int64  { return 0 }
func (e *LenderRevoked) Actor() uuid.UUID       { return e.Caller }
func (e *LenderRevoked) OccurredAt() int64      { return e.Timestamp }

type ReinvestYieldUpdated struct {
	EventID       uuid.UUID `json:"event_id"`
	Caller        uuid.UUID `json:"caller"`
	Lender        uuid.UUID `json:"lender"`
	ReinvestYield bool      `json:"reinvest_yield"`
	Timestamp     int64     `json:"timestamp"`
}

func (e *ReinvestYieldUpdated) IdempotencyKey() string { return e.EventID.String() }
func (e *ReinvestYieldUpdated) EventType() EventType   { return EventTypeReinvestYieldUpdated }
func (e *ReinvestYieldUpdated) Partition() *string     { return nil }
func (e *ReinvestYieldUpdated) SourceSequence() int64  { return 0 }
func (e *ReinvestYieldUpdated) Actor() uuid.UUID       { return e.Caller }
func (e *ReinvestYieldUpdated) OccurredAt() int64      { return e.Timestamp }
