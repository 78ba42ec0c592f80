package core

import (
	"TrancheLedger/internal/credit"
	"TrancheLedger/internal/epoch"
	"TrancheLedger/internal/ledger"
	"TrancheLedger/internal/tranche"

	"github.com/google/uuid"
)

// Read-only views. Each takes the engine lock so it never observes a
// half-applied command.

// TrancheView is one tranche's aggregate figures.
type TrancheView struct {
	Tranche     tranche.ID `json:"tranche"`
	TotalAssets uint64     `json:"total_assets"`
	TotalShares uint64     `json:"total_shares"`
	Escrow      uint64     `json:"escrow_shares"`
	Undisbursed uint64     `json:"undisbursed"`
	Losses      uint64     `json:"unrecovered_losses"`
}

// CoverView is one first loss cover.
type CoverView struct {
	Name        string `json:"name"`
	Amount      uint64 `json:"amount"`
	CoveredLoss uint64 `json:"covered_loss"`
	TotalShares uint64 `json:"total_shares"`
}

// PoolView is the pool summary.
type PoolView struct {
	Sequence       int64            `json:"sequence"`
	Enabled        bool             `json:"enabled"`
	CurrentEpoch   uint64           `json:"current_epoch"`
	NextCloseAt    int64            `json:"next_close_at"`
	Tranches       []TrancheView    `json:"tranches"`
	Covers         []CoverView      `json:"covers"`
	VaultCash      uint64           `json:"vault_cash"`
	CreditDeployed uint64           `json:"credit_deployed"`
	PendingPnL     credit.PeriodPnL `json:"pending_pnl"`
}

// LenderTrancheView is a lender's standing in one tranche.
type LenderTrancheView struct {
	Tranche           tranche.ID               `json:"tranche"`
	FreeShares        uint64                   `json:"free_shares"`
	CancellableShares uint64                   `json:"cancellable_shares"`
	TotalAssets       uint64                   `json:"total_assets"`
	Withdrawable      uint64                   `json:"withdrawable"`
	Position          tranche.LenderPosition   `json:"position"`
	Record            tranche.RedemptionRecord `json:"record"`
}

// LenderView is a lender's standing across the pool.
type LenderView struct {
	Lender    uuid.UUID           `json:"lender"`
	Approved  bool                `json:"approved"`
	Wallet    uint64              `json:"wallet"`
	Allowance uint64              `json:"allowance"`
	Tranches  []LenderTrancheView `json:"tranches"`
}

func (e *Engine) WithdrawableAssets(id tranche.ID, lender uuid.UUID) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vault(id)
	if err != nil {
		return 0, err
	}
	return v.WithdrawableAssets(lender), nil
}

func (e *Engine) CancellableRedemptionShares(id tranche.ID, lender uuid.UUID) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vault(id)
	if err != nil {
		return 0, err
	}
	return v.CancellableShares(lender), nil
}

// TotalAssetsOf values the lender's free and pending shares.
func (e *Engine) TotalAssetsOf(id tranche.ID, lender uuid.UUID) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vault(id)
	if err != nil {
		return 0, err
	}
	return v.TotalAssetsOf(lender)
}

func (e *Engine) Lender(lender uuid.UUID) (LenderView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	view := LenderView{
		Lender:    lender,
		Approved:  e.access.IsApprovedLender(lender),
		Wallet:    e.tokens.BalanceOf(lender),
		Allowance: e.tokens.Allowance(lender),
	}
	for _, v := range e.vaults {
		assets, err := v.TotalAssetsOf(lender)
		if err != nil {
			return LenderView{}, err
		}
		pos, _ := v.Position(lender)
		view.Tranches = append(view.Tranches, LenderTrancheView{
			Tranche:           v.ID(),
			FreeShares:        v.FreeShares(lender),
			CancellableShares: v.CancellableShares(lender),
			TotalAssets:       assets,
			Withdrawable:      v.WithdrawableAssets(lender),
			Position:          pos,
			Record:            v.Record(lender),
		})
	}
	return view, nil
}

func (e *Engine) Pool() PoolView {
	e.mu.Lock()
	defer e.mu.Unlock()

	view := PoolView{
		Sequence:       e.sequence,
		Enabled:        e.enabled,
		CurrentEpoch:   e.coordinator.CurrentEpoch(),
		NextCloseAt:    e.coordinator.NextCloseAt(),
		VaultCash:      e.tokens.Balance(ledger.PoolVaultKey),
		CreditDeployed: e.tokens.Balance(ledger.CreditDeployedKey),
		PendingPnL:     e.credit.Peek(),
	}
	for _, v := range e.vaults {
		view.Tranches = append(view.Tranches, TrancheView{
			Tranche:     v.ID(),
			TotalAssets: v.TotalAssets(),
			TotalShares: v.TotalShares(),
			Escrow:      v.EscrowShares(),
			Undisbursed: v.TotalUndisbursed(),
			Losses:      e.losses[v.ID()],
		})
	}
	for _, c := range e.covers.All() {
		view.Covers = append(view.Covers, CoverView{
			Name:        c.Name(),
			Amount:      c.Amount,
			CoveredLoss: c.CoveredLoss,
			TotalShares: c.TotalShares,
		})
	}
	return view
}

// EpochSummaries lists a tranche's redemption summaries, oldest first.
func (e *Engine) EpochSummaries(id tranche.ID) ([]epoch.Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vault(id)
	if err != nil {
		return nil, err
	}
	return v.Book().Summaries(), nil
}

// CoverPosition returns a provider's shares in a cover and their value.
func (e *Engine) CoverPosition(name string, provider uuid.UUID) (shares, assets uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.covers.Get(name)
	if err != nil {
		return 0, 0, err
	}
	assets, err = c.AssetsOf(provider)
	if err != nil {
		return 0, 0, err
	}
	return c.SharesOf(provider), assets, nil
}

// Balance returns the token balance of any ledger account.
func (e *Engine) Balance(key ledger.AccountKey) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens.Tracker().GetBalance(key)
}

// Config returns the pool configuration.
func (e *Engine) Config() PoolConfig { return e.cfg }
