package cover

import (
	"fmt"

	"github.com/google/uuid"

	fpmath "TrancheLedger/internal/math"
	"TrancheLedger/internal/poolerr"
)

// Cover is a first loss cover reserve together with its provider share book.
// Provider shares track each provider's claim; losses and profit shares move
// the value per share.
type Cover struct {
	Reserve
	TotalShares uint64
	shares      map[uuid.UUID]uint64
}

func New(cfg Config) *Cover {
	return &Cover{
		Reserve: Reserve{Config: cfg},
		shares:  make(map[uuid.UUID]uint64),
	}
}

func (c *Cover) Name() string { return c.Config.Name }

func (c *Cover) SharesOf(provider uuid.UUID) uint64 {
	return c.shares[provider]
}

// AssetsOf returns the token value of a provider's shares.
func (c *Cover) AssetsOf(provider uuid.UUID) (uint64, error) {
	return fpmath.SharesToAssets(c.shares[provider], c.Amount, c.TotalShares)
}

// PreviewDeposit validates a deposit and returns the shares it would mint.
func (c *Cover) PreviewDeposit(amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, poolerr.ErrZeroAmount
	}
	after, err := fpmath.Add(c.Amount, amount)
	if err != nil {
		return 0, err
	}
	if after > c.Config.LiquidityCap {
		return 0, fmt.Errorf("cover %s: %d + %d > cap %d: %w",
			c.Config.Name, c.Amount, amount, c.Config.LiquidityCap, poolerr.ErrExceedsLiquidityCap)
	}
	shares, err := fpmath.AssetsToShares(amount, c.Amount, c.TotalShares)
	if err != nil {
		return 0, fmt.Errorf("cover %s: %w", c.Config.Name, err)
	}
	if shares == 0 {
		return 0, fmt.Errorf("cover %s: deposit mints no shares: %w", c.Config.Name, poolerr.ErrZeroAmount)
	}
	return shares, nil
}

// Deposit adds amount to the reserve and mints provider shares.
func (c *Cover) Deposit(provider uuid.UUID, amount uint64) (uint64, error) {
	shares, err := c.PreviewDeposit(amount)
	if err != nil {
		return 0, err
	}
	c.Amount += amount
	c.TotalShares += shares
	c.shares[provider] += shares
	return shares, nil
}

// PreviewRedeem validates a redemption and returns the token amount.
func (c *Cover) PreviewRedeem(provider uuid.UUID, shares uint64) (uint64, error) {
	if shares == 0 {
		return 0, poolerr.ErrZeroAmount
	}
	if shares > c.shares[provider] {
		return 0, fmt.Errorf("cover %s: redeem %d of %d shares: %w",
			c.Config.Name, shares, c.shares[provider], poolerr.ErrInsufficientShares)
	}
	amount, err := fpmath.SharesToAssets(shares, c.Amount, c.TotalShares)
	if err != nil {
		return 0, err
	}
	if c.Amount-amount < c.Config.MinLiquidity {
		return 0, fmt.Errorf("cover %s: %d - %d below minimum %d: %w",
			c.Config.Name, c.Amount, amount, c.Config.MinLiquidity, poolerr.ErrCoverBelowMinimum)
	}
	return amount, nil
}

// Redeem burns provider shares and releases their value.
func (c *Cover) Redeem(provider uuid.UUID, shares uint64) (uint64, error) {
	amount, err := c.PreviewRedeem(provider, shares)
	if err != nil {
		return 0, err
	}
	c.Amount -= amount
	c.TotalShares -= shares
	c.shares[provider] -= shares
	if c.shares[provider] == 0 {
		delete(c.shares, provider)
	}
	if c.TotalShares == 0 {
		// Nobody is left to be made whole.
		c.CoveredLoss = 0
	}
	return amount, nil
}
