package core_test

import (
	"errors"
	"fmt"
	"testing"

	"TrancheLedger/internal/access"
	"TrancheLedger/internal/core"
	"TrancheLedger/internal/cover"
	"TrancheLedger/internal/event"
	"TrancheLedger/internal/tranche"

	"github.com/google/uuid"
)

// --- Test helpers ---

const (
	startTime  = int64(1_700_000_000)
	secondsDay = int64(24 * 60 * 60)
	bigBalance = uint64(1_000_000_000_000)
)

func id(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("tranche-ledger-test:"+name))
}

var (
	admin    = id("admin")
	operator = id("operator")
	agent    = id("credit-agent")
	treasury = id("pool-owner-treasury")
	evalAgt  = id("evaluation-agent")
	provider = id("cover-provider")
)

func testCover(name string) cover.Config {
	return cover.Config{
		Name:                       name,
		CoverRateInBps:             10_000,
		CoverCap:                   bigBalance,
		LiquidityCap:               bigBalance,
		MaxPercentOfPoolValueInBps: 10_000,
		Providers:                  []string{provider.String()},
	}
}

func testConfig() core.PoolConfig {
	return core.PoolConfig{
		LiquidityCap:         bigBalance,
		MaxSeniorJuniorRatio: 4,
		MinDepositAmount:     1,
		Covers:               []cover.Config{testCover("borrower"), testCover("affiliate")},
		Roles: access.Roles{
			Admins:            []uuid.UUID{admin},
			Operators:         []uuid.UUID{operator},
			CreditAgents:      []uuid.UUID{agent},
			PoolOwnerTreasury: treasury,
			EvaluationAgent:   evalAgt,
		},
	}
}

// fixture drives one engine with deterministic event ids and a manual clock.
type fixture struct {
	t       *testing.T
	engine  *core.Engine
	persist chan core.CoreOutput
	now     int64
	nextID  int

	// Shared by PnL reports, drawdowns and repayments.
	creditSeq int64
}

func newFixture(t *testing.T, mutate ...func(*core.PoolConfig)) *fixture {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	persist := make(chan core.CoreOutput, 100_000)
	e, err := core.NewEngine(cfg, 1, persist, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return &fixture{t: t, engine: e, persist: persist, now: startTime}
}

func (f *fixture) eventID() uuid.UUID {
	f.nextID++
	return id(fmt.Sprintf("event-%d", f.nextID))
}

func (f *fixture) advance(seconds int64) { f.now += seconds }

func (f *fixture) try(evt event.Event) (core.Receipt, error) {
	return f.engine.ProcessEvent(evt)
}

func (f *fixture) must(evt event.Event) core.Receipt {
	f.t.Helper()
	r, err := f.engine.ProcessEvent(evt)
	if err != nil {
		f.t.Fatalf("%s failed: %v", evt.EventType(), err)
	}
	return r
}

// expect asserts that evt is rejected with target and changes nothing.
func (f *fixture) expect(evt event.Event, target error) {
	f.t.Helper()
	seq, hash := f.engine.GetSequence(), f.engine.GetStateHash()
	_, err := f.engine.ProcessEvent(evt)
	if !errors.Is(err, target) {
		f.t.Fatalf("%s: expected %v, got %v", evt.EventType(), target, err)
	}
	if f.engine.GetSequence() != seq || f.engine.GetStateHash() != hash {
		f.t.Fatalf("%s: rejected command changed state", evt.EventType())
	}
}

func (f *fixture) fund(holder uuid.UUID, amount uint64) {
	f.t.Helper()
	f.must(&event.WalletFunded{EventID: f.eventID(), Caller: operator, Holder: holder, Amount: amount, Timestamp: f.now})
	f.must(&event.AllowanceApproved{EventID: f.eventID(), Owner: holder, Amount: amount, Timestamp: f.now})
}

func (f *fixture) approve(lender uuid.UUID, reinvest bool) {
	f.t.Helper()
	f.must(&event.LenderApproved{EventID: f.eventID(), Caller: operator, Lender: lender, ReinvestYield: reinvest, Timestamp: f.now})
}

// lender approves and funds a fresh lender.
func (f *fixture) lender(name string) uuid.UUID {
	f.t.Helper()
	l := id(name)
	f.approve(l, false)
	f.fund(l, bigBalance)
	return l
}

func (f *fixture) depositEvent(lender uuid.UUID, tr tranche.ID, amount uint64) *event.LenderDeposit {
	return &event.LenderDeposit{EventID: f.eventID(), Lender: lender, Tranche: tr, Amount: amount, Timestamp: f.now}
}

func (f *fixture) deposit(lender uuid.UUID, tr tranche.ID, amount uint64) uint64 {
	f.t.Helper()
	return f.must(f.depositEvent(lender, tr, amount)).Shares
}

func (f *fixture) requestEvent(lender uuid.UUID, tr tranche.ID, shares uint64) *event.RedemptionRequested {
	return &event.RedemptionRequested{EventID: f.eventID(), Lender: lender, Tranche: tr, Shares: shares, Timestamp: f.now}
}

func (f *fixture) request(lender uuid.UUID, tr tranche.ID, shares uint64) {
	f.t.Helper()
	f.must(f.requestEvent(lender, tr, shares))
}

func (f *fixture) cancelEvent(lender uuid.UUID, tr tranche.ID, shares uint64) *event.RedemptionCancelled {
	return &event.RedemptionCancelled{EventID: f.eventID(), Lender: lender, Tranche: tr, Shares: shares, Timestamp: f.now}
}

func (f *fixture) disburse(lender uuid.UUID, tr tranche.ID) uint64 {
	f.t.Helper()
	return f.must(&event.Disbursement{EventID: f.eventID(), Lender: lender, Tranche: tr, Timestamp: f.now}).Amount
}

func (f *fixture) nextCreditSeq() int64 {
	f.creditSeq++
	return f.creditSeq
}

func (f *fixture) pnlEvent(profit, loss, recovery uint64) *event.PnLReported {
	return &event.PnLReported{
		Caller:       agent,
		Sequence:     f.nextCreditSeq(),
		Profit:       profit,
		Loss:         loss,
		LossRecovery: recovery,
		Timestamp:    f.now,
	}
}

func (f *fixture) reportPnL(profit, loss, recovery uint64) {
	f.t.Helper()
	f.must(f.pnlEvent(profit, loss, recovery))
}

func (f *fixture) drawdown(amount uint64) {
	f.t.Helper()
	f.must(&event.CreditDrawdown{Caller: agent, Sequence: f.nextCreditSeq(), Amount: amount, Timestamp: f.now})
}

func (f *fixture) repay(amount uint64) {
	f.t.Helper()
	f.must(&event.CreditRepayment{Caller: agent, Sequence: f.nextCreditSeq(), Amount: amount, Timestamp: f.now})
}

func (f *fixture) closeEvent(available *uint64) *event.EpochClose {
	return &event.EpochClose{
		Caller:             operator,
		EpochID:            f.engine.Pool().CurrentEpoch,
		AvailableLiquidity: available,
		Timestamp:          f.now,
	}
}

func (f *fixture) closeEpoch(available *uint64) *core.EpochReport {
	f.t.Helper()
	return f.must(f.closeEvent(available)).Epoch
}

func (f *fixture) coverDeposit(name string, amount uint64) {
	f.t.Helper()
	f.must(&event.CoverDeposited{EventID: f.eventID(), Provider: provider, Cover: name, Amount: amount, Timestamp: f.now})
}

func (f *fixture) lenderView(l uuid.UUID) core.LenderView {
	f.t.Helper()
	v, err := f.engine.Lender(l)
	if err != nil {
		f.t.Fatalf("Lender view failed: %v", err)
	}
	return v
}

func (f *fixture) trancheView(tr tranche.ID) core.TrancheView {
	return f.engine.Pool().Tranches[tr]
}

func ptr(v uint64) *uint64 { return &v }

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}
