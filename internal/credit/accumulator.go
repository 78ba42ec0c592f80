// Package credit collects the PnL the credit subsystem reports between
// epoch closes and hands the period totals to the allocator.
package credit

import (
	"fmt"

	fpmath "TrancheLedger/internal/math"
)

// PeriodPnL is the token-unit triple of one accounting period.
type PeriodPnL struct {
	Profit       uint64 `json:"profit"`
	Loss         uint64 `json:"loss"`
	LossRecovery uint64 `json:"loss_recovery"`
}

// IsZero reports whether the period moved nothing.
func (p PeriodPnL) IsZero() bool {
	return p.Profit == 0 && p.Loss == 0 && p.LossRecovery == 0
}

// Report is one accepted credit report.
type Report struct {
	Sequence int64 `json:"sequence"`
	PeriodPnL
	Timestamp int64 `json:"timestamp"`
}

// Accumulator tracks reports for the open period. Ordering of the credit
// stream is enforced upstream by the engine's sequence validator.
type Accumulator struct {
	period  PeriodPnL
	reports []Report
	total   PeriodPnL // lifetime totals
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Record adds a report to the open period.
func (a *Accumulator) Record(r Report) error {
	next, err := a.period.add(r.PeriodPnL)
	if err != nil {
		return fmt.Errorf("credit report %d: %w", r.Sequence, err)
	}
	total, err := a.total.add(r.PeriodPnL)
	if err != nil {
		return fmt.Errorf("credit report %d: %w", r.Sequence, err)
	}
	a.period = next
	a.total = total
	a.reports = append(a.reports, r)
	return nil
}

// Peek returns the open period's totals without draining them.
func (a *Accumulator) Peek() PeriodPnL {
	return a.period
}

// Reports returns the reports of the open period.
func (a *Accumulator) Reports() []Report {
	return append([]Report(nil), a.reports...)
}

// Lifetime returns the totals of every report ever recorded.
func (a *Accumulator) Lifetime() PeriodPnL {
	return a.total
}

// ReportPeriodPnL drains the open period and returns its totals.
func (a *Accumulator) ReportPeriodPnL() PeriodPnL {
	p := a.period
	a.period = PeriodPnL{}
	a.reports = nil
	return p
}

func (p PeriodPnL) add(o PeriodPnL) (PeriodPnL, error) {
	var err error
	if p.Profit, err = fpmath.Add(p.Profit, o.Profit); err != nil {
		return p, err
	}
	if p.Loss, err = fpmath.Add(p.Loss, o.Loss); err != nil {
		return p, err
	}
	if p.LossRecovery, err = fpmath.Add(p.LossRecovery, o.LossRecovery); err != nil {
		return p, err
	}
	return p, nil
}

// State is the snapshot form of an Accumulator.
type State struct {
	Period   PeriodPnL `json:"period"`
	Reports  []Report  `json:"reports"`
	Lifetime PeriodPnL `json:"lifetime"`
}

func (a *Accumulator) Export() State {
	return State{Period: a.period, Reports: a.Reports(), Lifetime: a.total}
}

func (a *Accumulator) Restore(s State) {
	a.period = s.Period
	a.reports = append([]Report(nil), s.Reports...)
	a.total = s.Lifetime
}
