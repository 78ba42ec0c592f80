package main

import (
	"context"
	"errors"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/poolerr"
	"TrancheLedger/internal/server"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type poolViewer interface {
	Pool() core.PoolView
}

// epochScheduler closes the open epoch once its duration has elapsed. The
// close goes through the same submit path as any operator command, so a
// close that raced with a manual one comes back as a duplicate.
type epochScheduler struct {
	pool     poolViewer
	submit   server.Submitter
	operator uuid.UUID
	now      func() time.Time
	logger   zerolog.Logger
}

func newEpochScheduler(pool poolViewer, submit server.Submitter, operator uuid.UUID) *epochScheduler {
	return &epochScheduler{
		pool:     pool,
		submit:   submit,
		operator: operator,
		now:      time.Now,
		logger:   observability.NewLogger("epoch-scheduler"),
	}
}

// tick submits a close if one is due and reports whether it did.
func (s *epochScheduler) tick(ctx context.Context) (bool, error) {
	view := s.pool.Pool()
	now := s.now().Unix()
	if view.NextCloseAt == 0 || now < view.NextCloseAt {
		return false, nil
	}

	receipt, err := s.submit.Submit(ctx, &event.EpochClose{
		Caller:    s.operator,
		EpochID:   view.CurrentEpoch,
		Timestamp: now,
	})
	if err != nil {
		return false, err
	}
	if receipt.Duplicate {
		return false, nil
	}
	ev := s.logger.Info().Uint64("epoch", view.CurrentEpoch).Int64("sequence", receipt.Sequence)
	if r := receipt.Epoch; r != nil {
		ev = ev.Uint64("next_epoch", r.NextEpoch)
	}
	ev.Msg("epoch closed")
	return true, nil
}

// Run checks for a due close every interval until ctx is cancelled.
// Rejections are logged and retried on the next tick.
func (s *epochScheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.tick(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				s.logger.Warn().Err(err).Str("kind", poolerr.KindOf(err).String()).Msg("scheduled epoch close rejected")
			}
		}
	}
}
