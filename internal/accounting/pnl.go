package accounting

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/vault-pnl/internal/types"
)

// Basis is a holder's cost-basis summary, produced by either policy
type Basis struct {
	Holder         string
	Method         types.CostBasisMethod
	SharesHeld     *big.Int
	SharesAcquired *big.Int
	SharesDisposed *big.Int
	TotalDeposited *big.Int
	TotalWithdrawn *big.Int
	// TotalInvested is the cost basis of every share ever acquired
	TotalInvested      *big.Int
	RealizedPnL        *big.Int
	RemainingCostBasis *big.Int
}

// PnLResult is the PnL statement of one holder. It is created once by
// ComputePnL and never mutated.
type PnLResult struct {
	Holder              string                `json:"holder"`
	Method              types.CostBasisMethod `json:"method"`
	SharesHeld          *big.Int              `json:"sharesHeld"`
	SharesAcquired      *big.Int              `json:"sharesAcquired"`
	TotalDeposited      *big.Int              `json:"totalDeposited"`
	TotalWithdrawn      *big.Int              `json:"totalWithdrawn"`
	NetInvested         *big.Int              `json:"netInvested"`
	TotalInvested       *big.Int              `json:"totalInvested"`
	CostBasis           *big.Int              `json:"costBasis"`
	CurrentValue        *big.Int              `json:"currentValue"`
	RealizedPnL         *big.Int              `json:"realizedPnl"`
	UnrealizedPnL       *big.Int              `json:"unrealizedPnl"`
	TotalPnL            *big.Int              `json:"totalPnl"`
	PnLPercentage       decimal.Decimal       `json:"pnlPercentage"`
	AvgAcquisitionPrice decimal.Decimal       `json:"avgAcquisitionPrice"`
}

var hundred = decimal.NewFromInt(100)

// ComputePnL derives a holder's PnL from its cost basis and the current
// value of its shares. TotalPnL is always RealizedPnL + UnrealizedPnL.
func ComputePnL(position Basis, currentValue *big.Int, assetDecimals, shareDecimals int) PnLResult {
	value := copyInt(currentValue)
	realized := copyInt(position.RealizedPnL)
	remaining := copyInt(position.RemainingCostBasis)
	invested := copyInt(position.TotalInvested)

	unrealized := new(big.Int).Sub(value, remaining)
	total := new(big.Int).Add(realized, unrealized)

	percentage := decimal.Zero
	if invested.Sign() != 0 {
		percentage = Ratio(total, assetDecimals, invested, assetDecimals).Mul(hundred)
	}

	deposited := copyInt(position.TotalDeposited)
	withdrawn := copyInt(position.TotalWithdrawn)

	return PnLResult{
		Holder:              position.Holder,
		Method:              position.Method,
		SharesHeld:          copyInt(position.SharesHeld),
		SharesAcquired:      copyInt(position.SharesAcquired),
		TotalDeposited:      deposited,
		TotalWithdrawn:      withdrawn,
		NetInvested:         new(big.Int).Sub(deposited, withdrawn),
		TotalInvested:       invested,
		CostBasis:           remaining,
		CurrentValue:        value,
		RealizedPnL:         realized,
		UnrealizedPnL:       unrealized,
		TotalPnL:            total,
		PnLPercentage:       percentage,
		AvgAcquisitionPrice: Ratio(invested, assetDecimals, position.SharesAcquired, shareDecimals),
	}
}
