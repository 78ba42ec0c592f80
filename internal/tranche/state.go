package tranche

import (
	"github.com/google/uuid"

	"TrancheLedger/internal/epoch"
)

// VaultState is the serializable form of a Vault, used by snapshots.
type VaultState struct {
	ID          ID                             `json:"id"`
	TotalAssets uint64                         `json:"total_assets"`
	TotalShares uint64                         `json:"total_shares"`
	Escrow      uint64                         `json:"escrow"`
	Balances    map[uuid.UUID]uint64           `json:"balances"`
	Positions   map[uuid.UUID]LenderPosition   `json:"positions"`
	Records     map[uuid.UUID]RedemptionRecord `json:"records"`
	Book        epoch.BookState                `json:"book"`
}

// Export deep-copies the vault.
func (v *Vault) Export() VaultState {
	s := VaultState{
		ID:          v.id,
		TotalAssets: v.totalAssets,
		TotalShares: v.totalShares,
		Escrow:      v.escrow,
		Balances:    make(map[uuid.UUID]uint64, len(v.balances)),
		Positions:   make(map[uuid.UUID]LenderPosition, len(v.positions)),
		Records:     make(map[uuid.UUID]RedemptionRecord, len(v.records)),
		Book:        v.book.Export(),
	}
	for k, b := range v.balances {
		s.Balances[k] = b
	}
	for k, p := range v.positions {
		s.Positions[k] = *p
	}
	for k, r := range v.records {
		s.Records[k] = *r
	}
	return s
}

// Restore replaces the vault's state.
func (v *Vault) Restore(s VaultState) {
	v.id = s.ID
	v.totalAssets = s.TotalAssets
	v.totalShares = s.TotalShares
	v.escrow = s.Escrow
	v.balances = make(map[uuid.UUID]uint64, len(s.Balances))
	v.positions = make(map[uuid.UUID]*LenderPosition, len(s.Positions))
	v.records = make(map[uuid.UUID]*RedemptionRecord, len(s.Records))
	for k, b := range s.Balances {
		v.balances[k] = b
	}
	for k, p := range s.Positions {
		p := p
		v.positions[k] = &p
	}
	for k, r := range s.Records {
		r := r
		v.records[k] = &r
	}
	v.book = epoch.NewBook()
	v.book.Restore(s.Book)
}
