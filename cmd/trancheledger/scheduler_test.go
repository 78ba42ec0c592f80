package main

import (
	"context"
	"testing"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ingestion"
	"TrancheLedger/internal/poolerr"
	"TrancheLedger/internal/testutil"
	"TrancheLedger/internal/tranche"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPool struct{ view core.PoolView }

func (p *stubPool) Pool() core.PoolView { return p.view }

type recordingSubmitter struct {
	events  []event.Event
	receipt core.Receipt
	err     error
}

func (s *recordingSubmitter) Submit(_ context.Context, evt event.Event) (core.Receipt, error) {
	s.events = append(s.events, evt)
	return s.receipt, s.err
}

func TestEpochScheduler_Tick(t *testing.T) {
	const closeAt = int64(1_700_086_400)
	operator := testutil.ID("operator")

	tests := []struct {
		name       string
		view       core.PoolView
		now        int64
		receipt    core.Receipt
		err        error
		wantClosed bool
		wantSubmit bool
		wantErr    error
	}{
		{name: "no epoch scheduled yet", view: core.PoolView{CurrentEpoch: 1}, now: closeAt},
		{name: "before close time", view: core.PoolView{CurrentEpoch: 1, NextCloseAt: closeAt}, now: closeAt - 1},
		{
			name:       "due",
			view:       core.PoolView{CurrentEpoch: 3, NextCloseAt: closeAt},
			now:        closeAt,
			receipt:    core.Receipt{Sequence: 42, Epoch: &core.EpochReport{ClosedEpoch: 3, NextEpoch: 4}},
			wantClosed: true,
			wantSubmit: true,
		},
		{
			name:       "closed concurrently",
			view:       core.PoolView{CurrentEpoch: 3, NextCloseAt: closeAt},
			now:        closeAt + 60,
			receipt:    core.Receipt{Duplicate: true},
			wantSubmit: true,
		},
		{
			name:       "rejected",
			view:       core.PoolView{CurrentEpoch: 3, NextCloseAt: closeAt},
			now:        closeAt,
			err:        poolerr.ErrInsolventPool,
			wantSubmit: true,
			wantErr:    poolerr.ErrInsolventPool,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &recordingSubmitter{receipt: tt.receipt, err: tt.err}
			s := newEpochScheduler(&stubPool{view: tt.view}, sub, operator)
			s.now = func() time.Time { return time.Unix(tt.now, 0) }

			closed, err := s.tick(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantClosed, closed)

			if !tt.wantSubmit {
				assert.Empty(t, sub.events)
				return
			}
			require.Len(t, sub.events, 1)
			ec, ok := sub.events[0].(*event.EpochClose)
			require.True(t, ok)
			assert.Equal(t, operator, ec.Caller)
			assert.Equal(t, tt.view.CurrentEpoch, ec.EpochID)
			assert.Equal(t, tt.now, ec.Timestamp)
			assert.Nil(t, ec.AvailableLiquidity)
		})
	}
}

func TestEpochScheduler_ClosesRealEpoch(t *testing.T) {
	d := testutil.NewDriver(t)
	a := d.Lender("alice")
	d.Deposit(a, tranche.Junior, 1_000)

	before := d.Engine.Pool()
	require.NotZero(t, before.NextCloseAt)

	s := newEpochScheduler(d.Engine, ingestion.NewDispatcher(d.Engine, ingestion.DefaultSubjects(), nil), testutil.Operator)
	s.now = func() time.Time { return time.Unix(before.NextCloseAt, 0) }

	closed, err := s.tick(context.Background())
	require.NoError(t, err)
	assert.True(t, closed)

	after := d.Engine.Pool()
	assert.Equal(t, before.CurrentEpoch+1, after.CurrentEpoch)
	assert.Greater(t, after.NextCloseAt, before.NextCloseAt)

	// Not due again until the new epoch ends.
	closed, err = s.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, closed)
}
