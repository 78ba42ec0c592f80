package query_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/ledger"
	"TrancheLedger/internal/persistence"
	"TrancheLedger/internal/projection"
	"TrancheLedger/internal/query"
	"TrancheLedger/internal/testutil"
	"TrancheLedger/internal/tranche"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setup runs the shared scenario, logs and projects it.
func setup(t *testing.T) (*query.QueryService, *testutil.Driver, uuid.UUID, uuid.UUID) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	d := testutil.NewDriver(t)
	a, b := d.Scenario()
	outputs := d.Drain()

	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)
	require.NoError(t, persistence.NewPersistenceWorker(db, in, 50, time.Hour, nil).Run(ctx))

	w := projection.NewProjectionWorker(db, nil, nil)
	for _, o := range outputs {
		require.NoError(t, w.Apply(ctx, o))
	}
	return query.NewQueryService(db), d, a, b
}

func TestGetBalance(t *testing.T) {
	qs, d, a, _ := setup(t)

	resp, err := qs.GetBalance(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, d.Engine.Balance(ledger.WalletKey(a)), resp.Balance)
	assert.Equal(t, d.Engine.GetSequence()-1, resp.AsOfSequence)

	unknown, err := qs.GetBalance(context.Background(), testutil.ID("nobody"))
	require.NoError(t, err)
	assert.Zero(t, unknown.Balance)
}

func TestListSystemBalances(t *testing.T) {
	qs, d, _, _ := setup(t)

	list, err := qs.ListSystemBalances(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, list)
	found := false
	for _, b := range list {
		assert.False(t, strings.HasPrefix(b.AccountPath, "user:"), b.AccountPath)
		if b.AccountPath == ledger.PoolVaultKey.AccountPath() {
			found = true
			assert.Equal(t, d.Engine.Balance(ledger.PoolVaultKey), b.Balance)
		}
	}
	assert.True(t, found, "pool vault listed")
}

func TestGetEpochHistory(t *testing.T) {
	qs, _, _, _ := setup(t)
	ctx := context.Background()

	history, err := qs.GetEpochHistory(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(2), history[0].EpochID)
	assert.Equal(t, int64(1), history[1].EpochID)
	assert.Equal(t, int64(400), history[0].Profit)
	assert.Equal(t, int64(500), history[1].AvailableLiquidity)

	for _, e := range history {
		require.Len(t, e.Tranches, 2)
		assert.Equal(t, tranche.Senior.String(), e.Tranches[0].Tranche)
		assert.Equal(t, tranche.Junior.String(), e.Tranches[1].Tranche)
	}
	assert.Equal(t, int64(500), history[1].Tranches[1].AmountProcessed)

	before := int64(2)
	page, err := qs.GetEpochHistory(ctx, 10, &before)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].EpochID)
}

func TestGetLenderFills(t *testing.T) {
	qs, _, _, b := setup(t)
	ctx := context.Background()

	fills, err := qs.GetLenderFills(ctx, b, 10, nil)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, int64(2), fills[0].ClosedEpoch)
	assert.Equal(t, int64(1), fills[1].ClosedEpoch)
	assert.Equal(t, int64(350), fills[1].Shares)
	assert.Equal(t, int64(350), fills[0].Shares, "the rest of the 700 share request")
	for _, f := range fills {
		assert.Equal(t, int64(1), f.RequestEpoch)
		assert.Equal(t, "junior", f.Tranche)
	}

	before := int64(2)
	older, err := qs.GetLenderFills(ctx, b, 10, &before)
	require.NoError(t, err)
	require.Len(t, older, 1)
}

func TestGetJournalHistory(t *testing.T) {
	qs, _, a, _ := setup(t)
	ctx := context.Background()

	entries, err := qs.GetJournalHistory(ctx, a, 3, nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.GreaterOrEqual(t, entries[i-1].Sequence, entries[i].Sequence)
	}
	prefix := "user:" + a.String() + ":"
	for _, e := range entries {
		assert.True(t, strings.HasPrefix(e.DebitAccount, prefix) || strings.HasPrefix(e.CreditAccount, prefix))
	}

	cursor := entries[len(entries)-1].Sequence
	next, err := qs.GetJournalHistory(ctx, a, 100, &cursor)
	require.NoError(t, err)
	for _, e := range next {
		assert.Less(t, e.Sequence, cursor)
	}
}

func TestVerifyIntegrity(t *testing.T) {
	qs, d, _, _ := setup(t)

	report, err := qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Empty(t, report.HashChainBreaks)
	assert.Zero(t, report.BalanceImbalance)
	assert.Equal(t, d.Engine.GetSequence()-1, report.LastSequence)
	assert.Equal(t, report.LastSequence, report.ProjectedThrough)
}
