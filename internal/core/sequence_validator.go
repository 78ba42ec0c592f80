package core

import (
	"errors"
	"fmt"

	"TrancheLedger/internal/observability"
)

var (
	// ErrSequenceGap means an earlier event of the partition has not
	// arrived yet; the event may succeed once it does.
	ErrSequenceGap = errors.New("sequence gap")
	// ErrOutOfOrder means the event's slot was already used by a different
	// event.
	ErrOutOfOrder = errors.New("out-of-order event")
)

// SequenceValidator validates source sequences per partition. A sequence
// is checked before the command runs and committed only once the command
// has been applied, so a rejected command does not consume its slot.
// Not thread-safe; guarded by the engine lock.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	initial         int64
	metrics         *observability.Metrics
}

// NewSequenceValidator expects every partition to start at initial.
func NewSequenceValidator(initial int64, metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		initial:         initial,
		metrics:         metrics,
	}
}

// ValidateSequence checks source sequence ordering without advancing it.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.GetExpectedSequence(partition)

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		return nil
	}

	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// Commit advances the partition past sourceSequence.
func (sv *SequenceValidator) Commit(partition string, sourceSequence int64) {
	sv.expectedNextSeq[partition] = sourceSequence + 1
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	if seq, ok := sv.expectedNextSeq[partition]; ok {
		return seq
	}
	return sv.initial
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Partitions returns a copy of every tracked partition.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for p, seq := range sv.expectedNextSeq {
		out[p] = seq
	}
	return out
}
