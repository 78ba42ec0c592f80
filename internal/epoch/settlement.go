package epoch

import (
	"fmt"

	"github.com/google/uuid"

	fpmath "TrancheLedger/internal/math"
)

// LenderFill is the part of one lender's request settled in one epoch.
type LenderFill struct {
	Lender  uuid.UUID `json:"lender"`
	EpochID uint64    `json:"epoch_id"`
	Shares  uint64    `json:"shares"`
	Amount  uint64    `json:"amount"`
}

// EpochFill is the settlement of one outstanding epoch.
type EpochFill struct {
	EpochID         uint64       `json:"epoch_id"`
	SharesProcessed uint64       `json:"shares_processed"`
	AmountProcessed uint64       `json:"amount_processed"`
	FullySettled    bool         `json:"fully_settled"`
	Fills           []LenderFill `json:"fills"`
}

// Settlement is the outcome of matching one tranche's outstanding requests
// against available liquidity. Epoch totals are always the exact sum of
// their lender fills.
type Settlement struct {
	AvailableLiquidity uint64      `json:"available_liquidity"`
	SharesProcessed    uint64      `json:"shares_processed"`
	AmountProcessed    uint64      `json:"amount_processed"`
	Epochs             []EpochFill `json:"epochs"`
}

// Unused is the liquidity left after settlement.
func (s *Settlement) Unused() uint64 {
	return s.AvailableLiquidity - s.AmountProcessed
}

// Plan settles outstanding epochs oldest first. An epoch whose value fits in
// the remaining liquidity is settled in full; its value is split across its
// lenders by pending shares, so redeeming the last shares takes the last
// assets. The first epoch that does not fit gets a partial fill: each lender
// is owed remaining * pending_i / epochPending, and burns the shares worth
// that amount rounded up. If that would burn the whole supply, the largest
// fill keeps one share. Later epochs are left untouched. totalAssets and
// totalShares price the shares and are reduced as each epoch settles.
//
// A tranche with shares outstanding but no assets cannot price a
// redemption; its requests stay pending and no liquidity is consumed.
func Plan(book *Book, totalAssets, totalShares, available uint64) (*Settlement, error) {
	s := &Settlement{AvailableLiquidity: available}
	if totalAssets == 0 {
		return s, nil
	}

	ta, ts := totalAssets, totalShares
	remaining := available

	for _, id := range book.outstanding {
		if remaining == 0 {
			break
		}
		pending := book.summaries[id].Pending()
		if pending == 0 {
			continue
		}

		value, err := fpmath.SharesToAssets(pending, ta, ts)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: value %d pending shares: %w", id, pending, err)
		}

		lenders := book.lendersIn(id)
		claims := make([]fpmath.Claim, 0, len(lenders))
		for _, lender := range lenders {
			claims = append(claims, fpmath.Claim{ID: lender, Weight: book.pending[id][lender]})
		}
		ef := EpochFill{EpochID: id}

		if remaining >= value {
			ef.FullySettled = true
			for _, a := range fpmath.ProRataExact(value, claims) {
				lender := uuid.UUID(a.ID)
				ef.Fills = append(ef.Fills, LenderFill{
					Lender:  lender,
					EpochID: id,
					Shares:  book.pending[id][lender],
					Amount:  a.Amount,
				})
			}
		} else {
			for _, a := range fpmath.ProRataExact(remaining, claims) {
				if a.Amount == 0 {
					continue
				}
				lender := uuid.UUID(a.ID)
				shares, err := fpmath.AssetsToSharesUp(a.Amount, ta, ts)
				if err != nil {
					return nil, fmt.Errorf("epoch %d lender %s: %w", id, lender, err)
				}
				shares = fpmath.Min(shares, book.pending[id][lender])
				ef.Fills = append(ef.Fills, LenderFill{Lender: lender, EpochID: id, Shares: shares, Amount: a.Amount})
			}
			if ef.Fills, err = keepLastShare(ef.Fills, ta, ts); err != nil {
				return nil, fmt.Errorf("epoch %d: %w", id, err)
			}
		}

		for _, f := range ef.Fills {
			ef.SharesProcessed += f.Shares
			ef.AmountProcessed += f.Amount
		}
		if ef.SharesProcessed > 0 || ef.AmountProcessed > 0 {
			s.Epochs = append(s.Epochs, ef)
			s.SharesProcessed += ef.SharesProcessed
			s.AmountProcessed += ef.AmountProcessed
			remaining -= ef.AmountProcessed
			ta -= ef.AmountProcessed
			ts -= ef.SharesProcessed
		}

		if !ef.FullySettled {
			break
		}
		if ta == 0 {
			break
		}
	}
	return s, nil
}

// keepLastShare stops a partial fill from burning the whole supply while
// assets remain: the largest burn gives back one share and is repriced,
// truncated, at what its remaining shares are worth.
func keepLastShare(fills []LenderFill, totalAssets, totalShares uint64) ([]LenderFill, error) {
	var burned uint64
	largest := -1
	for i, f := range fills {
		burned += f.Shares
		if largest < 0 || f.Shares > fills[largest].Shares {
			largest = i
		}
	}
	if largest < 0 || burned == 0 || burned < totalShares {
		return fills, nil
	}
	f := &fills[largest]
	f.Shares--
	amount, err := fpmath.SharesToAssets(f.Shares, totalAssets, totalShares)
	if err != nil {
		return nil, err
	}
	f.Amount = fpmath.Min(f.Amount, amount)
	if f.Shares == 0 && f.Amount == 0 {
		fills = append(fills[:largest], fills[largest+1:]...)
	}
	return fills, nil
}
