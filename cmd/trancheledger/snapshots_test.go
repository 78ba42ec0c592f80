package main

import (
	"context"
	"testing"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/persistence"
	"TrancheLedger/internal/testutil"
	"TrancheLedger/internal/tranche"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotter_TakeVerifyPrune(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDB(t)
	d := testutil.NewDriver(t)
	snaps := persistence.NewSnapshotManager(db)
	s := newSnapshotter(d.Engine, snaps, 1, nil)

	// Nothing applied yet.
	require.NoError(t, s.take(ctx))
	list, err := snaps.ListSnapshots(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	a, _ := d.Scenario()
	require.NoError(t, s.take(ctx))
	first := s.lastSeq
	assert.Equal(t, d.Engine.GetSequence()-1, first)
	assert.True(t, s.pending)

	// Unchanged state is not snapshotted twice.
	require.NoError(t, s.take(ctx))
	list, err = snaps.ListSnapshots(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Ahead of the log: stays pending.
	s.verify(ctx)
	assert.True(t, s.pending)

	persist(t, db, d.Drain())
	s.verify(ctx)
	assert.False(t, s.pending)

	latest, err := snaps.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, first, latest.Sequence)

	// A second verified snapshot prunes the first with keep=1.
	d.Deposit(a, tranche.Junior, 10)
	require.NoError(t, s.take(ctx))
	persist(t, db, d.Drain())
	s.verify(ctx)

	list, err = snaps.ListSnapshots(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, s.lastSeq, list[0].Sequence)
	assert.True(t, list[0].Verified)
}

func persist(t *testing.T, db *persistence.DB, outs []core.CoreOutput) {
	t.Helper()
	w := persistence.NewEventLogWriter(db)
	rows := make([]persistence.EventRow, 0, len(outs))
	for _, out := range outs {
		ev, _ := persistence.RowsFromOutput(out)
		rows = append(rows, ev)
	}
	require.NoError(t, w.WriteEventBatch(context.Background(), db, rows))
}
