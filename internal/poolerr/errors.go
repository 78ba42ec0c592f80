package poolerr

import "errors"

// Kind classifies a pool error by who can act on it.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindLiquidity
	KindTokenLedger
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindLiquidity:
		return "liquidity"
	case KindTokenLedger:
		return "token_ledger"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is a sentinel pool error. Compare with errors.Is; wrapping keeps the
// identity intact.
type Error struct {
	kind Kind
	msg  string
}

func newError(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind reports the error classification.
func (e *Error) Kind() Kind { return e.kind }

// Validation errors: caller-correctable, no state mutated.
var (
	ErrZeroAmount           = newError(KindValidation, "zero amount")
	ErrZeroAddress          = newError(KindValidation, "zero address")
	ErrInsufficientShares   = newError(KindValidation, "insufficient shares")
	ErrCapExceeded          = newError(KindValidation, "pool liquidity cap exceeded")
	ErrRatioExceeded        = newError(KindValidation, "senior/junior ratio exceeded")
	ErrTooSoon              = newError(KindValidation, "withdrawal lockout period has not elapsed")
	ErrInvalidRate          = newError(KindValidation, "invalid rate")
	ErrExceedsLiquidityCap  = newError(KindValidation, "cover liquidity cap exceeded")
	ErrDepositTooLow        = newError(KindValidation, "deposit below minimum amount")
	ErrPoolDisabled         = newError(KindValidation, "pool is disabled")
	ErrTooManyPendingEpochs = newError(KindValidation, "too many epochs with pending redemption requests")
	ErrUnknownTranche       = newError(KindValidation, "unknown tranche")
	ErrUnknownCover         = newError(KindValidation, "unknown first loss cover")
	ErrCoverBelowMinimum    = newError(KindValidation, "cover redemption would breach minimum liquidity")
	ErrEpochMismatch        = newError(KindValidation, "epoch id does not match current epoch")
)

// Authorization errors.
var (
	ErrPermissionDenied  = newError(KindAuthorization, "permission denied")
	ErrNotApprovedLender = newError(KindAuthorization, "lender is not approved")
)

// Liquidity-requirement errors, evaluated before commit.
var (
	ErrInsufficientLiquidityForPoolOwner       = newError(KindLiquidity, "pool owner treasury below minimum liquidity requirement")
	ErrInsufficientLiquidityForEvaluationAgent = newError(KindLiquidity, "evaluation agent below minimum liquidity requirement")
)

// Token ledger errors. Transfers fail without partial effect.
var (
	ErrInsufficientBalance   = newError(KindTokenLedger, "insufficient token balance")
	ErrInsufficientAllowance = newError(KindTokenLedger, "insufficient token allowance")
)

// Invariant violations: never caller-correctable, always abort the operation.
var (
	ErrInsolventPool       = newError(KindInvariant, "insolvent pool")
	ErrArithmeticUnderflow = newError(KindInvariant, "arithmetic underflow")
	ErrArithmeticOverflow  = newError(KindInvariant, "arithmetic overflow")
	ErrUnownedAssets       = newError(KindInvariant, "assets held without outstanding shares")
)

// KindOf returns the classification of err, or KindUnknown when err does not
// wrap a pool error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.kind
	}
	return KindUnknown
}
