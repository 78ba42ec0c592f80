package credit_test

import (
	"math"
	"testing"

	"TrancheLedger/internal/credit"
	"TrancheLedger/internal/poolerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func report(seq int64, profit, loss, recovery uint64) credit.Report {
	return credit.Report{
		Sequence:  seq,
		PeriodPnL: credit.PeriodPnL{Profit: profit, Loss: loss, LossRecovery: recovery},
	}
}

func TestAccumulator_SumsAndDrains(t *testing.T) {
	a := credit.NewAccumulator()
	require.NoError(t, a.Record(report(1, 100, 0, 0)))
	require.NoError(t, a.Record(report(2, 50, 30, 10)))

	assert.Equal(t, credit.PeriodPnL{Profit: 150, Loss: 30, LossRecovery: 10}, a.Peek())
	assert.Len(t, a.Reports(), 2)

	p := a.ReportPeriodPnL()
	assert.Equal(t, uint64(150), p.Profit)
	assert.True(t, a.Peek().IsZero())
	assert.Empty(t, a.Reports())
	assert.Equal(t, uint64(150), a.Lifetime().Profit)
}

func TestAccumulator_OverflowLeavesPeriodUntouched(t *testing.T) {
	a := credit.NewAccumulator()
	require.NoError(t, a.Record(report(1, math.MaxUint64, 0, 0)))

	err := a.Record(report(2, 1, 0, 0))
	require.ErrorIs(t, err, poolerr.ErrArithmeticOverflow)
	assert.Equal(t, uint64(math.MaxUint64), a.Peek().Profit)
	assert.Len(t, a.Reports(), 1)
}

func TestAccumulator_ExportRestore(t *testing.T) {
	a := credit.NewAccumulator()
	require.NoError(t, a.Record(report(1, 7, 3, 1)))

	b := credit.NewAccumulator()
	b.Restore(a.Export())
	assert.Equal(t, a.Peek(), b.Peek())
	assert.Equal(t, a.Reports(), b.Reports())
}
