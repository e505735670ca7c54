package accounting

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ImpliedCostPerShare is the cost, in whole asset units, assumed for one
// whole share that entered a position without a recorded deposit price:
// bridge mints, migrations, pre-deposits and weighted-average holders whose
// only acquisitions were transfers.
const ImpliedCostPerShare int64 = 1

// ratioPrecision is the number of decimal places kept when a ratio is
// converted for display.
const ratioPrecision = 18

// Pow10 returns 10^n as a new big.Int
func Pow10(n int) *big.Int {
	if n <= 0 {
		return big.NewInt(1)
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// MulDiv returns a*b/c with truncating division. A nil operand or a zero
// divisor yields zero.
func MulDiv(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return new(big.Int)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, c)
}

// PricePerShare returns the assets paid for one whole share:
// assets * 10^shareDecimals / shares. Zero shares yields zero.
func PricePerShare(assets, shares *big.Int, shareDecimals int) *big.Int {
	return MulDiv(assets, Pow10(shareDecimals), shares)
}

// AssetsForShares values shares at a price per share:
// shares * pricePerShare / 10^shareDecimals.
func AssetsForShares(shares, pricePerShare *big.Int, shareDecimals int) *big.Int {
	return MulDiv(shares, pricePerShare, Pow10(shareDecimals))
}

// ParPricePerShare is the price per share implied by ImpliedCostPerShare
func ParPricePerShare(assetDecimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(ImpliedCostPerShare), Pow10(assetDecimals))
}

// ImpliedCost values shares at ParPricePerShare
func ImpliedCost(shares *big.Int, assetDecimals, shareDecimals int) *big.Int {
	return AssetsForShares(shares, ParPricePerShare(assetDecimals), shareDecimals)
}

// ToDecimal converts a fixed-point integer into its scaled decimal value
func ToDecimal(v *big.Int, decimals int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}

// Ratio divides two fixed-point integers after scaling each by its own
// precision. A zero denominator yields zero.
func Ratio(num *big.Int, numDecimals int, den *big.Int, denDecimals int) decimal.Decimal {
	if num == nil || den == nil || den.Sign() == 0 {
		return decimal.Zero
	}
	return ToDecimal(num, numDecimals).DivRound(ToDecimal(den, denDecimals), ratioPrecision)
}

func zero() *big.Int {
	return new(big.Int)
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
