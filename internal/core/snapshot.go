package core

import (
	"fmt"

	"TrancheLedger/internal/cover"
	"TrancheLedger/internal/credit"
	"TrancheLedger/internal/epoch"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ledger"
	"TrancheLedger/internal/poolerr"
	"TrancheLedger/internal/tranche"

	"github.com/google/uuid"
)

// --- Snapshot Restore & Startup Methods ---

// SnapshotState is the complete in-memory aggregate. It is JSON-encoded by
// the persistence layer. Sequence is the last processed sequence;
// SequenceState maps each ordered partition to its next expected sequence.
type SnapshotState struct {
	Sequence         int64                  `json:"sequence"`
	StateHash        [32]byte               `json:"state_hash"`
	Enabled          bool                   `json:"enabled"`
	LastAllocationAt int64                  `json:"last_allocation_at"`
	Losses           [tranche.Count]uint64  `json:"losses"`
	Vaults           []tranche.VaultState   `json:"vaults"`
	Covers           []cover.State          `json:"covers"`
	Coordinator      epoch.CoordinatorState `json:"coordinator"`
	Credit           credit.State           `json:"credit"`
	Tokens           ledger.TokenState      `json:"tokens"`
	ApprovedLenders  []uuid.UUID            `json:"approved_lenders"`
	SequenceState    map[string]int64       `json:"sequence_state"`
	IdempotencyKeys  []string               `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current aggregate.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &SnapshotState{
		Sequence:         e.sequence - 1,
		StateHash:        e.hasher.GetPrevHash(),
		Enabled:          e.enabled,
		LastAllocationAt: e.lastAllocationAt,
		Losses:           e.losses,
		Covers:           e.covers.Export(),
		Coordinator:      e.coordinator.Export(),
		Credit:           e.credit.Export(),
		Tokens:           e.tokens.Export(),
		ApprovedLenders:  e.access.ApprovedLenders(),
		SequenceState:    e.sequenceValidator.Partitions(),
		IdempotencyKeys:  e.idempotency.lru.Keys(),
	}
	for _, v := range e.vaults {
		snap.Vaults = append(snap.Vaults, v.Export())
	}
	return snap
}

// RestoreFromSnapshot replaces the aggregate. On warm restart the latest
// snapshot is restored and later events are replayed with ReplayEvent.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, vs := range snap.Vaults {
		if !vs.ID.Valid() {
			return fmt.Errorf("snapshot vault %d: %w", vs.ID, poolerr.ErrUnknownTranche)
		}
		e.vaults[vs.ID].Restore(vs)
	}
	if err := e.covers.Restore(snap.Covers); err != nil {
		return fmt.Errorf("snapshot covers: %w", err)
	}
	e.coordinator.Restore(snap.Coordinator)
	e.credit.Restore(snap.Credit)
	e.tokens.Restore(snap.Tokens)
	e.access.RestoreLenders(snap.ApprovedLenders)

	e.enabled = snap.Enabled
	e.lastAllocationAt = snap.LastAllocationAt
	e.losses = snap.Losses

	for partition, next := range snap.SequenceState {
		e.sequenceValidator.SetExpectedSequence(partition, next)
	}
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.journalGen.SetSequence(e.sequence)

	if err := e.postCheckInvariants(); err != nil {
		return fmt.Errorf("snapshot at %d is inconsistent: %w", snap.Sequence, err)
	}
	return nil
}

// ReplayEvent re-applies a logged event. It must reproduce the logged
// sequence and state hash; a mismatch means the log and the code disagree
// and the engine panics.
func (e *Engine) ReplayEvent(sequence int64, evt event.Event, expectedHash [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sequence != e.sequence {
		return fmt.Errorf("replay sequence %d, engine at %d", sequence, e.sequence)
	}
	receipt, err := e.process(evt, &expectedHash)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", sequence, err)
	}
	if receipt.Duplicate {
		return fmt.Errorf("replay sequence %d: logged event treated as duplicate", sequence)
	}
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the sequence the next accepted command will carry.
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}
