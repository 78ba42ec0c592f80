package ledger

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypePoolVault         // idle tranche cash
	SubTypeCreditDeployed    // principal lent out by the credit subsystem
	SubTypeRedemptionReserve // processed redemptions awaiting disbursement, per tranche
	SubTypeCoverReserve      // first loss cover capital, per cover

	// External sub-types
	SubTypeExternalFunding // token bridge: wallets funded from / withdrawn to outside
	SubTypeExternalCredit  // borrowers: profit and recoveries in, losses out
)

// MaxSystemNameLen bounds system account names; the name is stored in the
// 16-byte entity id.
const MaxSystemNameLen = 16

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name bytes for system accounts
	SubType  AccountSubType
}

// NewUserAccountKey creates a key for a holder's wallet
func NewUserAccountKey(holder uuid.UUID, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: holder,
		SubType:  subType,
	}
}

// WalletKey is shorthand for a holder's token wallet.
func WalletKey(holder uuid.UUID) AccountKey {
	return NewUserAccountKey(holder, SubTypeWallet)
}

// NewSystemAccountKey creates a key for pool-owned accounts. Names longer
// than MaxSystemNameLen are truncated; cover names are validated at config
// load so this never collides.
func NewSystemAccountKey(name string, subType AccountSubType) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// Well-known pool accounts.
var (
	PoolVaultKey      = NewSystemAccountKey("pool", SubTypePoolVault)
	CreditDeployedKey = NewSystemAccountKey("pool", SubTypeCreditDeployed)
	ExternalFunding   = NewExternalAccountKey(SubTypeExternalFunding)
	ExternalCredit    = NewExternalAccountKey(SubTypeExternalCredit)
)

// RedemptionReserveKey holds one tranche's processed, undisbursed redemptions.
func RedemptionReserveKey(tranche string) AccountKey {
	return NewSystemAccountKey(tranche, SubTypeRedemptionReserve)
}

// CoverReserveKey holds one first loss cover's capital.
func CoverReserveKey(cover string) AccountKey {
	return NewSystemAccountKey(cover, SubTypeCoverReserve)
}

// IsPoolOwned reports whether the pool holds this account's tokens.
func (k AccountKey) IsPoolOwned() bool {
	return k.Scope == AccountScopeSystem
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s", uid.String(), k.subTypeName())
	case AccountScopeSystem:
		name := string(bytes.TrimRight(k.EntityID[:], "\x00"))
		return fmt.Sprintf("system:%s:%s", name, k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypePoolVault:
		return "vault"
	case SubTypeCreditDeployed:
		return "credit_deployed"
	case SubTypeRedemptionReserve:
		return "redemption_reserve"
	case SubTypeCoverReserve:
		return "cover_reserve"
	case SubTypeExternalFunding:
		return "funding"
	case SubTypeExternalCredit:
		return "credit"
	default:
		return "unknown"
	}
}
