package cover

import (
	"fmt"

	"github.com/google/uuid"

	"TrancheLedger/internal/poolerr"
)

// Manager holds the pool's covers in loss-absorption priority order.
type Manager struct {
	covers []*Cover
	index  map[string]int
}

func NewManager(configs []Config) (*Manager, error) {
	m := &Manager{
		covers: make([]*Cover, 0, len(configs)),
		index:  make(map[string]int, len(configs)),
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.index[cfg.Name]; dup {
			return nil, fmt.Errorf("cover %s configured twice: %w", cfg.Name, poolerr.ErrInvalidRate)
		}
		m.index[cfg.Name] = len(m.covers)
		m.covers = append(m.covers, New(cfg))
	}
	return m, nil
}

func (m *Manager) Get(name string) (*Cover, error) {
	i, ok := m.index[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, poolerr.ErrUnknownCover)
	}
	return m.covers[i], nil
}

// All returns covers in priority order.
func (m *Manager) All() []*Cover {
	return m.covers
}

// Reserves returns value copies of every reserve in priority order.
func (m *Manager) Reserves() []Reserve {
	out := make([]Reserve, len(m.covers))
	for i, c := range m.covers {
		out[i] = c.Reserve
	}
	return out
}

// ApplyReserves commits reserve values computed on copies from Reserves.
func (m *Manager) ApplyReserves(reserves []Reserve) error {
	if len(reserves) != len(m.covers) {
		return fmt.Errorf("apply %d reserves to %d covers: %w", len(reserves), len(m.covers), poolerr.ErrUnknownCover)
	}
	for i, r := range reserves {
		if r.Config.Name != m.covers[i].Config.Name {
			return fmt.Errorf("reserve %d is %q, expected %q: %w", i, r.Config.Name, m.covers[i].Config.Name, poolerr.ErrUnknownCover)
		}
	}
	for i, r := range reserves {
		m.covers[i].Amount = r.Amount
		m.covers[i].CoveredLoss = r.CoveredLoss
	}
	return nil
}

// TotalAssets sums every cover amount.
func (m *Manager) TotalAssets() uint64 {
	var total uint64
	for _, c := range m.covers {
		total += c.Amount
	}
	return total
}

// State is the serializable form of a cover, used by snapshots.
type State struct {
	Name        string               `json:"name"`
	Amount      uint64               `json:"amount"`
	CoveredLoss uint64               `json:"covered_loss"`
	TotalShares uint64               `json:"total_shares"`
	Shares      map[uuid.UUID]uint64 `json:"shares"`
}

// Export returns deep copies of every cover state.
func (m *Manager) Export() []State {
	out := make([]State, 0, len(m.covers))
	for _, c := range m.covers {
		shares := make(map[uuid.UUID]uint64, len(c.shares))
		for k, v := range c.shares {
			shares[k] = v
		}
		out = append(out, State{
			Name:        c.Config.Name,
			Amount:      c.Amount,
			CoveredLoss: c.CoveredLoss,
			TotalShares: c.TotalShares,
			Shares:      shares,
		})
	}
	return out
}

// Restore overwrites cover state from a snapshot. Covers missing from the
// snapshot are left empty; unknown names are rejected.
func (m *Manager) Restore(states []State) error {
	for _, s := range states {
		c, err := m.Get(s.Name)
		if err != nil {
			return err
		}
		c.Amount = s.Amount
		c.CoveredLoss = s.CoveredLoss
		c.TotalShares = s.TotalShares
		c.shares = make(map[uuid.UUID]uint64, len(s.Shares))
		for k, v := range s.Shares {
			c.shares[k] = v
		}
	}
	return nil
}
