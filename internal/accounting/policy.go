package accounting

import (
	"fmt"
	"sort"

	"github.com/vault-pnl/internal/types"
)

// CostBasisPolicy folds a normalized event sequence into one Basis per
// holder. Callers choose a policy explicitly; the two are never mixed.
type CostBasisPolicy interface {
	Method() types.CostBasisMethod
	Positions(events []types.VaultEvent) ([]Basis, []Warning, error)
}

// NewPolicy returns the policy for a method
func NewPolicy(method types.CostBasisMethod, assetDecimals, shareDecimals int) (CostBasisPolicy, error) {
	switch method {
	case types.MethodAverage:
		return &WeightedAveragePolicy{AssetDecimals: assetDecimals, ShareDecimals: shareDecimals}, nil
	case types.MethodFIFO:
		return &FIFOPolicy{ShareDecimals: shareDecimals}, nil
	default:
		return nil, fmt.Errorf("unknown cost basis method: %q", method)
	}
}

// WeightedAveragePolicy prices disposals at the holder's blended
// acquisition price.
type WeightedAveragePolicy struct {
	AssetDecimals int
	ShareDecimals int
}

// Method implements CostBasisPolicy
func (p *WeightedAveragePolicy) Method() types.CostBasisMethod {
	return types.MethodAverage
}

// Positions implements CostBasisPolicy
func (p *WeightedAveragePolicy) Positions(events []types.VaultEvent) ([]Basis, []Warning, error) {
	positions, warnings := ComputePositions(events)

	result := make([]Basis, 0, len(positions))
	for _, holder := range sortedHolders(positions) {
		result = append(result, positions[holder].Basis(p.AssetDecimals, p.ShareDecimals))
	}
	return result, warnings, nil
}

// FIFOPolicy consumes acquisition lots oldest first
type FIFOPolicy struct {
	ShareDecimals int
}

// Method implements CostBasisPolicy
func (p *FIFOPolicy) Method() types.CostBasisMethod {
	return types.MethodFIFO
}

// Positions implements CostBasisPolicy
func (p *FIFOPolicy) Positions(events []types.VaultEvent) ([]Basis, []Warning, error) {
	ledger := NewLotLedger(p.ShareDecimals)
	for _, ev := range events {
		if err := ledger.Apply(ev); err != nil {
			return nil, ledger.Warnings(), err
		}
	}

	holders := ledger.Holders()
	result := make([]Basis, 0, len(holders))
	for _, holder := range holders {
		result = append(result, ledger.Holder(holder).Basis())
	}
	return result, ledger.Warnings(), nil
}

func sortedHolders(positions map[string]*UserPosition) []string {
	holders := make([]string, 0, len(positions))
	for holder := range positions {
		holders = append(holders, holder)
	}
	sort.Strings(holders)
	return holders
}
