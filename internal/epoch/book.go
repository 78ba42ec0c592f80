package epoch

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"TrancheLedger/internal/poolerr"
)

// Summary is one tranche's redemption summary for one epoch.
type Summary struct {
	EpochID              uint64 `json:"epoch_id"`
	TotalSharesRequested uint64 `json:"total_shares_requested"`
	TotalSharesProcessed uint64 `json:"total_shares_processed"`
	TotalAmountProcessed uint64 `json:"total_amount_processed"`
}

// Pending is the part of the request still waiting for liquidity.
func (s Summary) Pending() uint64 {
	return s.TotalSharesRequested - s.TotalSharesProcessed
}

// Book tracks one tranche's redemption requests per epoch. Epochs with
// pending shares are kept in ascending id order so settlement is FIFO.
type Book struct {
	summaries   map[uint64]*Summary
	pending     map[uint64]map[uuid.UUID]uint64 // epoch -> lender -> pending shares
	outstanding []uint64
}

func NewBook() *Book {
	return &Book{
		summaries: make(map[uint64]*Summary),
		pending:   make(map[uint64]map[uuid.UUID]uint64),
	}
}

// Summary returns a copy of an epoch's summary.
func (b *Book) Summary(epochID uint64) (Summary, bool) {
	s, ok := b.summaries[epochID]
	if !ok {
		return Summary{EpochID: epochID}, false
	}
	return *s, true
}

// Summaries returns every summary in ascending epoch order.
func (b *Book) Summaries() []Summary {
	out := make([]Summary, 0, len(b.summaries))
	for _, s := range b.summaries {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EpochID < out[j].EpochID })
	return out
}

// Outstanding returns ids of epochs with pending shares, oldest first.
func (b *Book) Outstanding() []uint64 {
	out := make([]uint64, len(b.outstanding))
	copy(out, b.outstanding)
	return out
}

// PendingShares is the lender's unprocessed request in an epoch.
func (b *Book) PendingShares(epochID uint64, lender uuid.UUID) uint64 {
	return b.pending[epochID][lender]
}

// PendingEpochsOf counts epochs in which the lender still has pending shares.
func (b *Book) PendingEpochsOf(lender uuid.UUID) int {
	n := 0
	for _, id := range b.outstanding {
		if b.pending[id][lender] > 0 {
			n++
		}
	}
	return n
}

// HasPendingIn reports whether the lender already has shares pending in epochID.
func (b *Book) HasPendingIn(epochID uint64, lender uuid.UUID) bool {
	return b.pending[epochID][lender] > 0
}

// AddRequest records a new request in epochID.
func (b *Book) AddRequest(epochID uint64, lender uuid.UUID, shares uint64) {
	s, ok := b.summaries[epochID]
	if !ok {
		s = &Summary{EpochID: epochID}
		b.summaries[epochID] = s
	}
	s.TotalSharesRequested += shares

	lenders, ok := b.pending[epochID]
	if !ok {
		lenders = make(map[uuid.UUID]uint64)
		b.pending[epochID] = lenders
	}
	lenders[lender] += shares
	b.markOutstanding(epochID)
}

// Cancellation removes shares from one epoch's pending request.
type Cancellation struct {
	EpochID uint64
	Shares  uint64
}

// PlanCancel picks which pending shares a cancellation releases, newest
// epoch first. Processed shares are never cancellable.
func (b *Book) PlanCancel(lender uuid.UUID, shares uint64) ([]Cancellation, error) {
	if shares == 0 {
		return nil, poolerr.ErrZeroAmount
	}
	remaining := shares
	var out []Cancellation
	for i := len(b.outstanding) - 1; i >= 0 && remaining > 0; i-- {
		id := b.outstanding[i]
		p := b.pending[id][lender]
		if p == 0 {
			continue
		}
		take := p
		if take > remaining {
			take = remaining
		}
		out = append(out, Cancellation{EpochID: id, Shares: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, fmt.Errorf("cancel %d shares, %d cancellable: %w",
			shares, shares-remaining, poolerr.ErrInsufficientShares)
	}
	return out, nil
}

// ApplyCancel commits a plan from PlanCancel.
func (b *Book) ApplyCancel(lender uuid.UUID, cancels []Cancellation) {
	for _, c := range cancels {
		b.summaries[c.EpochID].TotalSharesRequested -= c.Shares
		b.reducePending(c.EpochID, lender, c.Shares)
	}
}

// ValidateSettlement checks a settlement against current pending requests
// without mutating anything.
func (b *Book) ValidateSettlement(s *Settlement) error {
	for _, ef := range s.Epochs {
		sum, ok := b.summaries[ef.EpochID]
		if !ok {
			return fmt.Errorf("settle unknown epoch %d: %w", ef.EpochID, poolerr.ErrArithmeticUnderflow)
		}
		if ef.SharesProcessed > sum.Pending() {
			return fmt.Errorf("epoch %d: settle %d of %d pending: %w",
				ef.EpochID, ef.SharesProcessed, sum.Pending(), poolerr.ErrArithmeticUnderflow)
		}
		for _, f := range ef.Fills {
			if f.Shares > b.pending[ef.EpochID][f.Lender] {
				return fmt.Errorf("epoch %d lender %s: settle %d of %d pending: %w",
					ef.EpochID, f.Lender, f.Shares, b.pending[ef.EpochID][f.Lender], poolerr.ErrArithmeticUnderflow)
			}
		}
	}
	return nil
}

// ApplySettlement commits a validated settlement to the epoch summaries.
func (b *Book) ApplySettlement(s *Settlement) {
	for _, ef := range s.Epochs {
		sum := b.summaries[ef.EpochID]
		sum.TotalSharesProcessed += ef.SharesProcessed
		sum.TotalAmountProcessed += ef.AmountProcessed
		for _, f := range ef.Fills {
			b.reducePending(ef.EpochID, f.Lender, f.Shares)
		}
	}
}

// lendersIn returns the lenders pending in an epoch, sorted by id.
func (b *Book) lendersIn(epochID uint64) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(b.pending[epochID]))
	for lender, shares := range b.pending[epochID] {
		if shares > 0 {
			out = append(out, lender)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (b *Book) reducePending(epochID uint64, lender uuid.UUID, shares uint64) {
	lenders := b.pending[epochID]
	lenders[lender] -= shares
	if lenders[lender] == 0 {
		delete(lenders, lender)
	}
	if len(lenders) == 0 {
		delete(b.pending, epochID)
	}
	if b.summaries[epochID].Pending() == 0 {
		b.unmarkOutstanding(epochID)
	}
}

func (b *Book) markOutstanding(epochID uint64) {
	i := sort.Search(len(b.outstanding), func(i int) bool { return b.outstanding[i] >= epochID })
	if i < len(b.outstanding) && b.outstanding[i] == epochID {
		return
	}
	b.outstanding = append(b.outstanding, 0)
	copy(b.outstanding[i+1:], b.outstanding[i:])
	b.outstanding[i] = epochID
}

func (b *Book) unmarkOutstanding(epochID uint64) {
	i := sort.Search(len(b.outstanding), func(i int) bool { return b.outstanding[i] >= epochID })
	if i < len(b.outstanding) && b.outstanding[i] == epochID {
		b.outstanding = append(b.outstanding[:i], b.outstanding[i+1:]...)
	}
}

// BookState is the serializable form of a Book.
type BookState struct {
	Summaries []Summary                       `json:"summaries"`
	Pending   map[uint64]map[uuid.UUID]uint64 `json:"pending"`
}

func (b *Book) Export() BookState {
	pending := make(map[uint64]map[uuid.UUID]uint64, len(b.pending))
	for id, lenders := range b.pending {
		cp := make(map[uuid.UUID]uint64, len(lenders))
		for k, v := range lenders {
			cp[k] = v
		}
		pending[id] = cp
	}
	return BookState{Summaries: b.Summaries(), Pending: pending}
}

func (b *Book) Restore(state BookState) {
	b.summaries = make(map[uint64]*Summary, len(state.Summaries))
	b.pending = make(map[uint64]map[uuid.UUID]uint64, len(state.Pending))
	b.outstanding = nil
	for _, s := range state.Summaries {
		s := s
		b.summaries[s.EpochID] = &s
	}
	for id, lenders := range state.Pending {
		cp := make(map[uuid.UUID]uint64, len(lenders))
		for k, v := range lenders {
			cp[k] = v
		}
		b.pending[id] = cp
	}
	for id, s := range b.summaries {
		if s.Pending() > 0 {
			b.markOutstanding(id)
		}
	}
}
