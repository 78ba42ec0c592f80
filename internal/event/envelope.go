package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeLenderApproved
	EventTypeLenderRevoked
	EventTypeReinvestYieldUpdated
	EventTypeLenderDeposit
	EventTypeRedemptionRequested
	EventTypeRedemptionCancelled
	EventTypeDisbursement
	EventTypeWalletFunded
	EventTypeAllowanceApproved
	EventTypeCoverDeposited
	EventTypeCoverRedeemed
	EventTypePnLReported
	EventTypeCreditDrawdown
	EventTypeCreditRepayment
	EventTypeEpochClose
	EventTypeYieldProcessing
	EventTypePoolStatusChanged
)

// PartitionCredit orders every event emitted by the credit subsystem.
const PartitionCredit = "credit"

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Ordering partition (nil for unordered commands)
	Partition *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the ordering partition (nil when unordered)
	Partition() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Actor is the identity the command is authorized against
	Actor() uuid.UUID

	// OccurredAt is the versioned input time in unix seconds
	OccurredAt() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeLenderApproved:
		return "LenderApproved"
	case EventTypeLenderRevoked:
		return "LenderRevoked"
	case EventTypeReinvestYieldUpdated:
		return "ReinvestYieldUpdated"
	case EventTypeLenderDeposit:
		return "LenderDeposit"
	case EventTypeRedemptionRequested:
		return "RedemptionRequested"
	case EventTypeRedemptionCancelled:
		return "RedemptionCancelled"
	case EventTypeDisbursement:
		return "Disbursement"
	case EventTypeWalletFunded:
		return "WalletFunded"
	case EventTypeAllowanceApproved:
		return "AllowanceApproved"
	case EventTypeCoverDeposited:
		return "CoverDeposited"
	case EventTypeCoverRedeemed:
		return "CoverRedeemed"
	case EventTypePnLReported:
		return "PnLReported"
	case EventTypeCreditDrawdown:
		return "CreditDrawdown"
	case EventTypeCreditRepayment:
		return "CreditRepayment"
	case EventTypeEpochClose:
		return "EpochClose"
	case EventTypeYieldProcessing:
		return "YieldProcessing"
	case EventTypePoolStatusChanged:
		return "PoolStatusChanged"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypeLenderApproved; et <= EventTypePoolStatusChanged; et++ {
		if et.String() == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

func partition(p string) *string {
	return &p
}
