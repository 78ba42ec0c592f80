package testutil

import (
	"fmt"
	"testing"

	"TrancheLedger/internal/access"
	"TrancheLedger/internal/core"
	"TrancheLedger/internal/cover"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/tranche"

	"github.com/google/uuid"
)

const (
	StartTime  = int64(1_700_000_000)
	Day        = int64(24 * 60 * 60)
	BigBalance = uint64(1_000_000_000_000)
)

// ID derives a stable identity from name.
func ID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("tranche-ledger-test:"+name))
}

var (
	Admin     = ID("admin")
	Operator  = ID("operator")
	Agent     = ID("credit-agent")
	Treasury  = ID("pool-owner-treasury")
	EvalAgent = ID("evaluation-agent")
	Provider  = ID("cover-provider")
)

// PoolConfig is a permissive pool with one cover.
func PoolConfig() core.PoolConfig {
	return core.PoolConfig{
		LiquidityCap:         BigBalance,
		MaxSeniorJuniorRatio: 4,
		MinDepositAmount:     1,
		Covers: []cover.Config{{
			Name:                       "borrower",
			CoverRateInBps:             10_000,
			CoverCap:                   BigBalance,
			LiquidityCap:               BigBalance,
			MaxPercentOfPoolValueInBps: 10_000,
			Providers:                  []string{Provider.String()},
		}},
		Roles: access.Roles{
			Admins:            []uuid.UUID{Admin},
			Operators:         []uuid.UUID{Operator},
			CreditAgents:      []uuid.UUID{Agent},
			PoolOwnerTreasury: Treasury,
			EvaluationAgent:   EvalAgent,
		},
	}
}

// Driver feeds an engine with commands on a manual clock and collects
// what it emits.
type Driver struct {
	T      *testing.T
	Engine *core.Engine
	Out    chan core.CoreOutput
	Now    int64

	nextID    int
	creditSeq int64
}

// NewDriver builds an engine over PoolConfig with a buffered output channel.
func NewDriver(t *testing.T) *Driver {
	t.Helper()
	out := make(chan core.CoreOutput, 10_000)
	e, err := core.NewEngine(PoolConfig(), 1, out, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &Driver{T: t, Engine: e, Out: out, Now: StartTime}
}

func (d *Driver) EventID() uuid.UUID {
	d.nextID++
	return ID(fmt.Sprintf("event-%d", d.nextID))
}

func (d *Driver) Must(evt event.Event) core.Receipt {
	d.T.Helper()
	r, err := d.Engine.ProcessEvent(evt)
	if err != nil {
		d.T.Fatalf("%s: %v", evt.EventType(), err)
	}
	return r
}

// Lender approves and funds a lender.
func (d *Driver) Lender(name string) uuid.UUID {
	d.T.Helper()
	l := ID(name)
	d.Must(&event.LenderApproved{EventID: d.EventID(), Caller: Operator, Lender: l, Timestamp: d.Now})
	d.Must(&event.WalletFunded{EventID: d.EventID(), Caller: Operator, Holder: l, Amount: BigBalance, Timestamp: d.Now})
	d.Must(&event.AllowanceApproved{EventID: d.EventID(), Owner: l, Amount: BigBalance, Timestamp: d.Now})
	return l
}

func (d *Driver) Deposit(l uuid.UUID, tr tranche.ID, amount uint64) {
	d.T.Helper()
	d.Must(&event.LenderDeposit{EventID: d.EventID(), Lender: l, Tranche: tr, Amount: amount, Timestamp: d.Now})
}

func (d *Driver) Request(l uuid.UUID, tr tranche.ID, shares uint64) {
	d.T.Helper()
	d.Must(&event.RedemptionRequested{EventID: d.EventID(), Lender: l, Tranche: tr, Shares: shares, Timestamp: d.Now})
}

func (d *Driver) Disburse(l uuid.UUID, tr tranche.ID) {
	d.T.Helper()
	d.Must(&event.Disbursement{EventID: d.EventID(), Lender: l, Tranche: tr, Timestamp: d.Now})
}

func (d *Driver) ReportPnL(profit, loss, recovery uint64) {
	d.T.Helper()
	d.creditSeq++
	d.Must(&event.PnLReported{Caller: Agent, Sequence: d.creditSeq, Profit: profit, Loss: loss, LossRecovery: recovery, Timestamp: d.Now})
}

// CloseEpoch advances the clock past the epoch and closes it.
func (d *Driver) CloseEpoch(available *uint64) *core.EpochReport {
	d.T.Helper()
	d.Now += Day
	return d.Must(&event.EpochClose{
		Caller:             Operator,
		EpochID:            d.Engine.Pool().CurrentEpoch,
		AvailableLiquidity: available,
		Timestamp:          d.Now,
	}).Epoch
}

// Drain returns everything emitted so far.
func (d *Driver) Drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-d.Out:
			out = append(out, o)
		default:
			return out
		}
	}
}

// Scenario runs two lenders through deposits, a partial-fill close, a
// profitable period and payouts.
func (d *Driver) Scenario() (a, b uuid.UUID) {
	d.T.Helper()
	a, b = d.Lender("alice"), d.Lender("bob")
	d.Deposit(a, tranche.Junior, 1_000)
	d.Deposit(b, tranche.Junior, 1_000)
	d.Deposit(a, tranche.Senior, 3_000)
	d.Request(a, tranche.Junior, 300)
	d.Request(b, tranche.Junior, 700)
	available := uint64(500)
	d.CloseEpoch(&available)
	d.ReportPnL(400, 0, 0)
	d.CloseEpoch(nil)
	d.Disburse(a, tranche.Junior)
	d.Disburse(b, tranche.Junior)
	return a, b
}
