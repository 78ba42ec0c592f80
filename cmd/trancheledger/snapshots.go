package main

import (
	"context"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// snapshotter saves periodic snapshots and verifies them once the event
// log has caught up to their sequence. Only verified snapshots are used
// for recovery.
type snapshotter struct {
	engine  *core.Engine
	snaps   *persistence.SnapshotManager
	keep    int
	metrics *observability.Metrics
	logger  zerolog.Logger

	lastSeq int64
	pending bool
}

func newSnapshotter(engine *core.Engine, snaps *persistence.SnapshotManager, keep int, metrics *observability.Metrics) *snapshotter {
	return &snapshotter{
		engine:  engine,
		snaps:   snaps,
		keep:    keep,
		metrics: metrics,
		logger:  observability.NewLogger("snapshotter"),
		lastSeq: -1,
	}
}

// take saves a snapshot if anything was applied since the last one.
func (s *snapshotter) take(ctx context.Context) error {
	if s.engine.GetSequence()-1 <= s.lastSeq {
		return nil
	}
	start := time.Now()
	snap := s.engine.CreateSnapshotState()
	if snap.Sequence < 1 {
		return nil
	}
	size, err := s.snaps.SaveSnapshot(ctx, snap, time.Now())
	if err != nil {
		return err
	}
	s.lastSeq = snap.Sequence
	s.pending = true

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("size_bytes", size).Msg("snapshot saved")
	return nil
}

// verify marks caught-up snapshots verified and prunes old ones.
func (s *snapshotter) verify(ctx context.Context) {
	if !s.pending {
		return
	}
	n, err := s.snaps.VerifyPending(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("snapshot verification failed")
		return
	}
	if n == 0 {
		return
	}
	s.pending = false
	if pruned, err := s.snaps.PruneSnapshots(ctx, s.keep); err != nil {
		s.logger.Warn().Err(err).Msg("prune snapshots")
	} else if pruned > 0 {
		s.logger.Debug().Int64("pruned", pruned).Msg("old snapshots pruned")
	}
}

// Run snapshots every interval and verifies after each durable flush.
func (s *snapshotter) Run(ctx context.Context, interval time.Duration, flushed <-chan int64) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.take(ctx); err != nil {
				s.logger.Error().Err(err).Msg("snapshot failed")
			}
		case seq := <-flushed:
			if seq >= s.lastSeq {
				s.verify(ctx)
			}
		}
	}
}
