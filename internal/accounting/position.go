package accounting

import (
	"fmt"
	"math/big"

	"github.com/vault-pnl/internal/types"
)

// UserPosition is the weighted-average running position of one holder.
// It is mutated only by ComputePositions, in event order.
type UserPosition struct {
	Holder              string             `json:"holder"`
	SharesHeld          *big.Int           `json:"sharesHeld"`
	AssetsInvested      *big.Int           `json:"assetsInvested"`
	AssetsWithdrawn     *big.Int           `json:"assetsWithdrawn"`
	SharesEverDeposited *big.Int           `json:"sharesEverDeposited"`
	SharesEverWithdrawn *big.Int           `json:"sharesEverWithdrawn"`
	SharesMigrated      *big.Int           `json:"sharesMigrated"`
	Events              []types.VaultEvent `json:"events"`
}

func newUserPosition(holder string) *UserPosition {
	return &UserPosition{
		Holder:              holder,
		SharesHeld:          zero(),
		AssetsInvested:      zero(),
		AssetsWithdrawn:     zero(),
		SharesEverDeposited: zero(),
		SharesEverWithdrawn: zero(),
		SharesMigrated:      zero(),
	}
}

// ComputePositions folds events into one position per holder. Events must
// already be in canonical order. Disposals larger than the holder's balance
// are clamped and reported as warnings.
func ComputePositions(events []types.VaultEvent) (map[string]*UserPosition, []Warning) {
	positions := make(map[string]*UserPosition)
	var warnings []Warning

	for _, ev := range events {
		if ev.Holder == "" || ev.Holder == types.ZeroAddress {
			continue
		}

		switch ev.Kind {
		case types.EventDeposit, types.EventTransferIn,
			types.EventMigration, types.EventPreDeposit, types.EventBridgeMint,
			types.EventWithdraw, types.EventTransferOut:
		default:
			// mints and burns mirror deposit and withdraw logs
			continue
		}

		pos, ok := positions[ev.Holder]
		if !ok {
			pos = newUserPosition(ev.Holder)
			positions[ev.Holder] = pos
		}
		shares := copyInt(ev.Shares)

		switch ev.Kind {
		case types.EventDeposit:
			pos.SharesHeld.Add(pos.SharesHeld, shares)
			pos.SharesEverDeposited.Add(pos.SharesEverDeposited, shares)
			pos.AssetsInvested.Add(pos.AssetsInvested, copyInt(ev.Assets))

		case types.EventTransferIn:
			pos.SharesHeld.Add(pos.SharesHeld, shares)
			pos.SharesEverDeposited.Add(pos.SharesEverDeposited, shares)

		case types.EventMigration, types.EventPreDeposit, types.EventBridgeMint:
			pos.SharesHeld.Add(pos.SharesHeld, shares)
			pos.SharesMigrated.Add(pos.SharesMigrated, shares)

		case types.EventWithdraw, types.EventTransferOut:
			proceeds := copyInt(ev.Assets)
			if shares.Cmp(pos.SharesHeld) > 0 {
				warnings = append(warnings, Warning{
					Code:    WarnNegativeBalance,
					Holder:  ev.Holder,
					Block:   ev.Block,
					TxID:    ev.TxID,
					Message: fmt.Sprintf("%s of %s shares exceeds balance %s", ev.Kind, shares, pos.SharesHeld),
				})
				shares = copyInt(pos.SharesHeld)
				// only the shares actually held earn proceeds
				proceeds = MulDiv(ev.Assets, shares, ev.Shares)
			}
			pos.SharesHeld.Sub(pos.SharesHeld, shares)
			pos.SharesEverWithdrawn.Add(pos.SharesEverWithdrawn, shares)
			if ev.Kind == types.EventWithdraw {
				pos.AssetsWithdrawn.Add(pos.AssetsWithdrawn, proceeds)
			}
		}

		pos.Events = append(pos.Events, ev)
	}

	return positions, warnings
}

// AdjustedShares is the proportional cost-basis denominator: shares ever
// deposited or received plus shares credited at the implied cost.
func (p *UserPosition) AdjustedShares() *big.Int {
	return new(big.Int).Add(p.SharesEverDeposited, p.SharesMigrated)
}

// AdjustedAssets is the proportional cost-basis numerator: assets invested
// plus the implied cost of migrated shares. A holder with shares but no
// recorded investment is valued entirely at the implied cost.
func (p *UserPosition) AdjustedAssets(assetDecimals, shareDecimals int) *big.Int {
	adjusted := new(big.Int).Add(p.AssetsInvested, ImpliedCost(p.SharesMigrated, assetDecimals, shareDecimals))
	if adjusted.Sign() == 0 {
		return ImpliedCost(p.AdjustedShares(), assetDecimals, shareDecimals)
	}
	return adjusted
}

// CostOf returns the proportional cost basis of shares:
// adjustedAssets * shares / adjustedShares, truncating.
func (p *UserPosition) CostOf(shares *big.Int, assetDecimals, shareDecimals int) *big.Int {
	return MulDiv(p.AdjustedAssets(assetDecimals, shareDecimals), shares, p.AdjustedShares())
}

// Basis converts the position into the policy-neutral form consumed by
// ComputePnL.
func (p *UserPosition) Basis(assetDecimals, shareDecimals int) Basis {
	withdrawnCost := p.CostOf(p.SharesEverWithdrawn, assetDecimals, shareDecimals)
	realized := new(big.Int).Sub(p.AssetsWithdrawn, withdrawnCost)

	return Basis{
		Holder:             p.Holder,
		Method:             types.MethodAverage,
		SharesHeld:         copyInt(p.SharesHeld),
		SharesAcquired:     p.AdjustedShares(),
		SharesDisposed:     copyInt(p.SharesEverWithdrawn),
		TotalDeposited:     copyInt(p.AssetsInvested),
		TotalWithdrawn:     copyInt(p.AssetsWithdrawn),
		TotalInvested:      p.AdjustedAssets(assetDecimals, shareDecimals),
		RealizedPnL:        realized,
		RemainingCostBasis: p.CostOf(p.SharesHeld, assetDecimals, shareDecimals),
	}
}
