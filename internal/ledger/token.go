package ledger

import (
	"fmt"
	"math"
	"sort"

	"TrancheLedger/internal/poolerr"

	"github.com/google/uuid"
)

// TokenLedger is the pool's view of the underlying token: balances per
// account plus the allowance each holder has granted the pool. The pool is
// the only spender, so allowances are keyed by owner alone.
type TokenLedger struct {
	tracker    *BalanceTracker
	allowances map[uuid.UUID]uint64
}

func NewTokenLedger() *TokenLedger {
	return &TokenLedger{
		tracker:    NewBalanceTracker(),
		allowances: make(map[uuid.UUID]uint64),
	}
}

// Tracker exposes the underlying balances.
func (tl *TokenLedger) Tracker() *BalanceTracker {
	return tl.tracker
}

// BalanceOf returns the token balance of a holder's wallet.
func (tl *TokenLedger) BalanceOf(holder uuid.UUID) uint64 {
	return clampUnsigned(tl.tracker.GetBalance(WalletKey(holder)))
}

// Balance returns the balance of any pool or wallet account.
func (tl *TokenLedger) Balance(key AccountKey) uint64 {
	return clampUnsigned(tl.tracker.GetBalance(key))
}

// Allowance returns how much the pool may still pull from owner.
func (tl *TokenLedger) Allowance(owner uuid.UUID) uint64 {
	return tl.allowances[owner]
}

// Approve replaces the pool's allowance over owner's wallet.
func (tl *TokenLedger) Approve(owner uuid.UUID, amount uint64) {
	if amount == 0 {
		delete(tl.allowances, owner)
		return
	}
	tl.allowances[owner] = amount
}

// Check verifies that batch can be committed: no wallet or pool account
// goes negative and every pull is covered by allowance. External accounts
// are unbounded.
func (tl *TokenLedger) Check(batch *Batch) error {
	touched := make(map[AccountKey]struct{})
	for _, j := range batch.Journals {
		if j.Amount <= 0 || uint64(j.Amount) > math.MaxInt64/2 {
			return fmt.Errorf("journal %s amount %d: %w", j.JournalID, j.Amount, poolerr.ErrArithmeticOverflow)
		}
		touched[j.DebitAccount] = struct{}{}
		touched[j.CreditAccount] = struct{}{}
	}
	for key := range touched {
		if key.Scope == AccountScopeExternal {
			continue
		}
		if tl.tracker.ProjectedBalance(key, batch) < 0 {
			return fmt.Errorf("%s: %w", key.AccountPath(), poolerr.ErrInsufficientBalance)
		}
	}
	for owner, pulled := range batch.pulls {
		if tl.allowances[owner] < pulled {
			return fmt.Errorf("owner %s needs %d, allowed %d: %w",
				owner, pulled, tl.allowances[owner], poolerr.ErrInsufficientAllowance)
		}
	}
	return nil
}

// Commit checks and applies batch, consuming allowance for every pull.
// Nothing changes when the check fails.
func (tl *TokenLedger) Commit(batch *Batch) error {
	if batch.Empty() {
		return nil
	}
	if err := tl.Check(batch); err != nil {
		return err
	}
	if err := tl.tracker.ApplyBatch(batch); err != nil {
		return err
	}
	for owner, pulled := range batch.pulls {
		tl.Approve(owner, tl.allowances[owner]-pulled)
	}
	return nil
}

// AllowanceEntry is a serialisable allowance.
type AllowanceEntry struct {
	Owner  uuid.UUID `json:"owner"`
	Amount uint64    `json:"amount"`
}

// BalanceEntry is a serialisable account balance.
type BalanceEntry struct {
	Account AccountKey `json:"account"`
	Balance int64      `json:"balance"`
}

// TokenState is a deterministic snapshot of the token ledger.
type TokenState struct {
	Balances   []BalanceEntry   `json:"balances"`
	Allowances []AllowanceEntry `json:"allowances"`
}

// Export returns balances and allowances in a stable order.
func (tl *TokenLedger) Export() TokenState {
	var st TokenState
	for key, bal := range tl.tracker.Snapshot() {
		if bal == 0 {
			continue
		}
		st.Balances = append(st.Balances, BalanceEntry{Account: key, Balance: bal})
	}
	sort.Slice(st.Balances, func(i, j int) bool {
		return st.Balances[i].Account.AccountPath() < st.Balances[j].Account.AccountPath()
	})
	for owner, amount := range tl.allowances {
		st.Allowances = append(st.Allowances, AllowanceEntry{Owner: owner, Amount: amount})
	}
	sort.Slice(st.Allowances, func(i, j int) bool {
		return st.Allowances[i].Owner.String() < st.Allowances[j].Owner.String()
	})
	return st
}

// Restore replaces the ledger contents with st.
func (tl *TokenLedger) Restore(st TokenState) {
	balances := make(map[AccountKey]int64, len(st.Balances))
	for _, e := range st.Balances {
		balances[e.Account] = e.Balance
	}
	tl.tracker.Restore(balances)
	tl.allowances = make(map[uuid.UUID]uint64, len(st.Allowances))
	for _, e := range st.Allowances {
		tl.allowances[e.Owner] = e.Amount
	}
}

func clampUnsigned(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
