package epoch

import (
	"fmt"
	"time"

	"TrancheLedger/internal/poolerr"
)

// Coordinator owns the pool-wide current epoch. Both tranches share epoch
// ids; exactly one epoch is open at a time.
type Coordinator struct {
	current  uint64
	openedAt int64 // unix seconds, from event timestamps
	duration int64 // seconds
}

// NewCoordinator starts at epoch 1. The open time is set by the first event.
func NewCoordinator(duration time.Duration) *Coordinator {
	return &Coordinator{
		current:  1,
		duration: int64(duration / time.Second),
	}
}

func (c *Coordinator) CurrentEpoch() uint64 { return c.current }

func (c *Coordinator) OpenedAt() int64 { return c.openedAt }

// Start fixes the open time of the first epoch. Later calls are ignored.
func (c *Coordinator) Start(ts int64) {
	if c.openedAt == 0 {
		c.openedAt = ts
	}
}

// NextCloseAt is the earliest time the orchestrator should close the epoch.
func (c *Coordinator) NextCloseAt() int64 {
	if c.openedAt == 0 {
		return 0
	}
	return c.openedAt + c.duration
}

// CheckClose validates the epoch id carried by a close command. Lower ids
// are duplicates of closes already applied; higher ids indicate a gap.
// Epoch ids start at 1, so a zero id is rejected.
func (c *Coordinator) CheckClose(epochID uint64) (duplicate bool, err error) {
	if epochID == 0 {
		return false, fmt.Errorf("close epoch 0: %w", poolerr.ErrEpochMismatch)
	}
	if epochID < c.current {
		return true, nil
	}
	if epochID > c.current {
		return false, fmt.Errorf("close epoch %d, current %d: %w", epochID, c.current, poolerr.ErrEpochMismatch)
	}
	return false, nil
}

// OpenNextEpoch advances the epoch counter and returns the new current id.
func (c *Coordinator) OpenNextEpoch(ts int64) uint64 {
	c.current++
	c.openedAt = ts
	return c.current
}

// CoordinatorState is the serializable form of a Coordinator.
type CoordinatorState struct {
	Current  uint64 `json:"current"`
	OpenedAt int64  `json:"opened_at"`
}

func (c *Coordinator) Export() CoordinatorState {
	return CoordinatorState{Current: c.current, OpenedAt: c.openedAt}
}

func (c *Coordinator) Restore(s CoordinatorState) {
	c.current = s.Current
	c.openedAt = s.OpenedAt
}
