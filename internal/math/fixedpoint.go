// internal/math/fixedpoint.go
package math

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"TrancheLedger/internal/poolerr"
)

// BasisPoints is the denominator for every rate in the pool: 10000 bps = 100%.
const BasisPoints uint64 = 10_000

// SecondsPerYear is used to pro-rate annual rates.
const SecondsPerYear uint64 = 365 * 24 * 60 * 60

// TokenDecimals is the precision of token units (6 decimals, USDC-like).
const TokenDecimals = 6

// uint256 scratch values for intermediate products
var wordPool = &sync.Pool{
	New: func() interface{} {
		return new(uint256.Int)
	},
}

func getWord() *uint256.Int {
	return wordPool.Get().(*uint256.Int)
}

func putWord(v *uint256.Int) {
	v.Clear()
	wordPool.Put(v)
}

// MulDiv computes a * b / denominator with a 256-bit intermediate product,
// truncating toward zero. A result that does not fit in 64 bits fails with
// ErrArithmeticOverflow.
func MulDiv(a, b, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, fmt.Errorf("mul-div by zero: %w", poolerr.ErrArithmeticOverflow)
	}

	product := getWord()
	divisor := getWord()
	defer putWord(product)
	defer putWord(divisor)

	product.SetUint64(a)
	product.Mul(product, divisor.SetUint64(b))
	product.Div(product, divisor.SetUint64(denominator))

	if !product.IsUint64() {
		return 0, fmt.Errorf("%d * %d / %d: %w", a, b, denominator, poolerr.ErrArithmeticOverflow)
	}
	return product.Uint64(), nil
}

// MulDivUp is MulDiv rounded up.
func MulDivUp(a, b, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, fmt.Errorf("mul-div by zero: %w", poolerr.ErrArithmeticOverflow)
	}

	product := getWord()
	divisor := getWord()
	rem := getWord()
	defer putWord(product)
	defer putWord(divisor)
	defer putWord(rem)

	product.SetUint64(a)
	product.Mul(product, divisor.SetUint64(b))
	divisor.SetUint64(denominator)
	rem.Mod(product, divisor)
	product.Div(product, divisor)
	if !rem.IsZero() {
		product.AddUint64(product, 1)
	}

	if !product.IsUint64() {
		return 0, fmt.Errorf("%d * %d / %d: %w", a, b, denominator, poolerr.ErrArithmeticOverflow)
	}
	return product.Uint64(), nil
}

// mulMod returns a * b mod m with a 256-bit intermediate; m must be non-zero.
func mulMod(a, b, m uint64) uint64 {
	product := getWord()
	modulus := getWord()
	defer putWord(product)
	defer putWord(modulus)

	product.SetUint64(a)
	product.Mul(product, modulus.SetUint64(b))
	product.Mod(product, modulus.SetUint64(m))
	return product.Uint64()
}

// Proportion returns value * part / whole, truncated. Callers guarantee
// part <= whole, so the result never exceeds value. A zero whole yields zero.
func Proportion(value, part, whole uint64) uint64 {
	if whole == 0 || part == 0 || value == 0 {
		return 0
	}
	if part >= whole {
		return value
	}
	result, err := MulDiv(value, part, whole)
	if err != nil {
		// unreachable: part < whole bounds the result by value
		panic(fmt.Sprintf("proportion overflow: %v", err))
	}
	return result
}

// BPS applies a basis-point rate: value * rateInBps / 10000, truncated.
// Rates above 100% are allowed here; validation happens at config load.
func BPS(value, rateInBps uint64) uint64 {
	if rateInBps <= BasisPoints {
		return Proportion(value, rateInBps, BasisPoints)
	}
	result, err := MulDiv(value, rateInBps, BasisPoints)
	if err != nil {
		panic(fmt.Sprintf("bps overflow: %v", err))
	}
	return result
}

// Sub returns a - b or ErrArithmeticUnderflow. Amounts never wrap.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, fmt.Errorf("%d - %d: %w", a, b, poolerr.ErrArithmeticUnderflow)
	}
	return a - b, nil
}

// Add returns a + b or ErrArithmeticOverflow.
func Add(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, fmt.Errorf("%d + %d: %w", a, b, poolerr.ErrArithmeticOverflow)
	}
	return sum, nil
}

// SaturatingSub returns a - b floored at zero.
func SaturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func Min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// AssetsToShares converts a token amount into shares at the price
// totalAssets/totalShares, truncated. An empty tranche mints 1:1. Assets
// with no shares outstanding have no owner to price against and fail with
// ErrUnownedAssets; outstanding shares over zero assets fail with
// ErrInsolventPool.
func AssetsToShares(assets, totalAssets, totalShares uint64) (uint64, error) {
	if err := checkPriced(totalAssets, totalShares); err != nil {
		return 0, err
	}
	if totalShares == 0 {
		return assets, nil
	}
	return MulDiv(assets, totalShares, totalAssets)
}

// AssetsToSharesUp is AssetsToShares rounded up: the shares that must be
// burned to pay out assets.
func AssetsToSharesUp(assets, totalAssets, totalShares uint64) (uint64, error) {
	if err := checkPriced(totalAssets, totalShares); err != nil {
		return 0, err
	}
	if totalShares == 0 {
		return assets, nil
	}
	return MulDivUp(assets, totalShares, totalAssets)
}

func checkPriced(totalAssets, totalShares uint64) error {
	switch {
	case totalShares == 0 && totalAssets > 0:
		return fmt.Errorf("%d assets without shares: %w", totalAssets, poolerr.ErrUnownedAssets)
	case totalShares > 0 && totalAssets == 0:
		return fmt.Errorf("%d shares over zero assets: %w", totalShares, poolerr.ErrInsolventPool)
	}
	return nil
}

// SharesToAssets converts shares into token units, truncated.
func SharesToAssets(shares, totalAssets, totalShares uint64) (uint64, error) {
	if totalShares == 0 {
		if shares == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("%d shares of empty supply: %w", shares, poolerr.ErrInsufficientShares)
	}
	if totalAssets == 0 && shares > 0 {
		return 0, fmt.Errorf("%d shares over zero assets: %w", totalShares, poolerr.ErrInsolventPool)
	}
	if shares > totalShares {
		return 0, fmt.Errorf("%d shares exceed supply %d: %w", shares, totalShares, poolerr.ErrInsufficientShares)
	}
	return Proportion(totalAssets, shares, totalShares), nil
}
