// Package access holds the pool's capability checks. Every check is a
// plain predicate over the configured role sets and the caller identity;
// mutating operations call Require before touching any state.
package access

import (
	"fmt"
	"sort"

	"TrancheLedger/internal/poolerr"

	"github.com/google/uuid"
)

// Roles is the static role configuration of a pool.
type Roles struct {
	Admins            []uuid.UUID `toml:"admins" json:"admins"`
	Operators         []uuid.UUID `toml:"operators" json:"operators"`
	CreditAgents      []uuid.UUID `toml:"credit_agents" json:"credit_agents"`
	PoolOwnerTreasury uuid.UUID   `toml:"pool_owner_treasury" json:"pool_owner_treasury"`
	EvaluationAgent   uuid.UUID   `toml:"evaluation_agent" json:"evaluation_agent"`
}

// Validate rejects zero identities and an empty admin set.
func (r Roles) Validate() error {
	if len(r.Admins) == 0 {
		return fmt.Errorf("roles: no admin configured: %w", poolerr.ErrZeroAddress)
	}
	for _, set := range [][]uuid.UUID{r.Admins, r.Operators, r.CreditAgents} {
		for _, id := range set {
			if id == uuid.Nil {
				return fmt.Errorf("roles: %w", poolerr.ErrZeroAddress)
			}
		}
	}
	if r.PoolOwnerTreasury == uuid.Nil {
		return fmt.Errorf("roles: pool owner treasury: %w", poolerr.ErrZeroAddress)
	}
	if r.EvaluationAgent == uuid.Nil {
		return fmt.Errorf("roles: evaluation agent: %w", poolerr.ErrZeroAddress)
	}
	return nil
}

type set map[uuid.UUID]struct{}

func newSet(ids []uuid.UUID) set {
	s := make(set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s set) has(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

// Controller answers capability questions. Static roles come from Roles;
// approved lenders change at runtime through ApproveLender/RevokeLender.
type Controller struct {
	roles     Roles
	admins    set
	operators set
	credit    set
	lenders   set
	providers map[string]set
}

// NewController builds a controller. providers maps cover names to the
// identities allowed to deposit into that cover.
func NewController(roles Roles, providers map[string][]uuid.UUID) (*Controller, error) {
	if err := roles.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		roles:     roles,
		admins:    newSet(roles.Admins),
		operators: newSet(roles.Operators),
		credit:    newSet(roles.CreditAgents),
		lenders:   make(set),
		providers: make(map[string]set, len(providers)),
	}
	for name, ids := range providers {
		for _, id := range ids {
			if id == uuid.Nil {
				return nil, fmt.Errorf("cover %s provider: %w", name, poolerr.ErrZeroAddress)
			}
		}
		c.providers[name] = newSet(ids)
	}
	return c, nil
}

// Roles returns the static role configuration.
func (c *Controller) Roles() Roles { return c.roles }

func (c *Controller) IsPoolOwnerOrAdmin(caller uuid.UUID) bool {
	return c.admins.has(caller) || caller == c.roles.PoolOwnerTreasury
}

func (c *Controller) IsPoolOperator(caller uuid.UUID) bool {
	return c.operators.has(caller)
}

func (c *Controller) IsApprovedLender(caller uuid.UUID) bool {
	return c.lenders.has(caller)
}

func (c *Controller) IsCreditAgent(caller uuid.UUID) bool {
	return c.credit.has(caller)
}

func (c *Controller) IsCoverProvider(cover string, caller uuid.UUID) bool {
	return c.providers[cover].has(caller)
}

func (c *Controller) IsPoolOwnerTreasury(caller uuid.UUID) bool {
	return caller == c.roles.PoolOwnerTreasury
}

func (c *Controller) IsEvaluationAgent(caller uuid.UUID) bool {
	return caller == c.roles.EvaluationAgent
}

// ExemptFromLockout reports whether caller skips the withdrawal lockout.
// Exempt callers are held to a minimum retained liquidity instead.
func (c *Controller) ExemptFromLockout(caller uuid.UUID) bool {
	return c.IsPoolOwnerTreasury(caller) || c.IsEvaluationAgent(caller)
}

// ApproveLender adds lender to the approved set.
func (c *Controller) ApproveLender(lender uuid.UUID) error {
	if lender == uuid.Nil {
		return fmt.Errorf("approve lender: %w", poolerr.ErrZeroAddress)
	}
	c.lenders[lender] = struct{}{}
	return nil
}

// RevokeLender removes lender from the approved set. Existing positions
// stay redeemable.
func (c *Controller) RevokeLender(lender uuid.UUID) {
	delete(c.lenders, lender)
}

// ApprovedLenders returns the approved set in a stable order.
func (c *Controller) ApprovedLenders() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(c.lenders))
	for id := range c.lenders {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// RestoreLenders replaces the approved set (snapshot restore).
func (c *Controller) RestoreLenders(lenders []uuid.UUID) {
	c.lenders = newSet(lenders)
}

// Require returns ErrPermissionDenied naming the action when ok is false.
func Require(ok bool, action string) error {
	if ok {
		return nil
	}
	return fmt.Errorf("%s: %w", action, poolerr.ErrPermissionDenied)
}
