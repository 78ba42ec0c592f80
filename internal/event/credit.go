package event

import (
	"fmt"

	"github.com/google/uuid"
)

// PnLReported is one credit-subsystem report for the open period.
// Idempotency key: "pnl:{sequence}".
type PnLReported struct {
	Caller       uuid.UUID `json:"caller"`
	Sequence     int64     `json:"sequence"`      // monotonic within the credit partition
	Profit       uint64    `json:"profit"`
	Loss         uint64    `json:"loss"`
	LossRecovery uint64    `json:"loss_recovery"`
	Timestamp    int64     `json:"timestamp"`
}

func (c *PnLReported) IdempotencyKey() string {
	return fmt.Sprintf("pnl:%d", c.Sequence)
}

func (c *PnLReported) EventType() EventType {
	return EventTypePnLReported
}

func (c *PnLReported) Partition() *string {
	return partition(PartitionCredit)
}

func (c *PnLReported) SourceSequence() int64 {
	return c.Sequence
}

func (c *PnLReported) Actor() uuid.UUID  { return c.Caller }
func (c *PnLReported) OccurredAt() int64 { return c.Timestamp }

// CreditDrawdown deploys vault cash to borrowers.
type CreditDrawdown struct {
	Caller    uuid.UUID `json:"caller"`
	Sequence  int64     `json:"sequence"`
	Amount    uint64    `json:"amount"`
	Timestamp int64     `json:"timestamp"`
}

func (c *CreditDrawdown) IdempotencyKey() string {
	return fmt.Sprintf("drawdown:%d", c.Sequence)
}

func (c *CreditDrawdown) EventType() EventType  { return EventTypeCreditDrawdown }
func (c *CreditDrawdown) Partition() *string    { return partition(PartitionCredit) }
func (c *CreditDrawdown) SourceSequence() int64 { return c.Sequence }
func (c *CreditDrawdown) Actor() uuid.UUID      { return c.Caller }
func (c *CreditDrawdown) OccurredAt() int64     { return c.Timestamp }

// CreditRepayment returns deployed principal to the vault.
type CreditRepayment struct {
	Caller    uuid.UUID `json:"caller"`
	Sequence  int64     `json:"sequence"`
	Amount    uint64    `json:"amount"`
	Timestamp int64     `json:"timestamp"`
}

func (c *CreditRepayment) IdempotencyKey() string {
	return fmt.Sprintf("repayment:%d", c.Sequence)
}

func (c *CreditRepayment) EventType() EventType  { return EventTypeCreditRepayment }
func (c *CreditRepayment) Partition() *string    { return partition(PartitionCredit) }
func (c *CreditRepayment) SourceSequence() int64 { return c.Sequence }
func (c *CreditRepayment) Actor() uuid.UUID      { return c.Caller }
func (c *CreditRepayment) OccurredAt() int64     { return c.Timestamp }
