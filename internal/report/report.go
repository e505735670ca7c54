// Package report turns PnL results into the exported vault report.
package report

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vault-pnl/internal/accounting"
	"github.com/vault-pnl/internal/types"
)

// Amount is a fixed-point integer with its decimal rendering
type Amount struct {
	Raw   string `json:"raw"`   // integer in smallest units
	Value string `json:"value"` // raw / 10^decimals
}

// NewAmount renders v with the given decimals
func NewAmount(v *big.Int, decimals int) Amount {
	if v == nil {
		v = new(big.Int)
	}
	return Amount{
		Raw:   v.String(),
		Value: accounting.ToDecimal(v, decimals).String(),
	}
}

// Int parses the raw value back. Malformed values yield zero.
func (a Amount) Int() *big.Int {
	v, ok := new(big.Int).SetString(a.Raw, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// HolderRow is one holder's PnL statement
type HolderRow struct {
	Holder              string                `json:"holder"`
	Method              types.CostBasisMethod `json:"method"`
	SharesHeld          Amount                `json:"sharesHeld"`
	TotalDeposited      Amount                `json:"totalDeposited"`
	TotalWithdrawn      Amount                `json:"totalWithdrawn"`
	NetInvested         Amount                `json:"netInvested"`
	TotalInvested       Amount                `json:"totalInvested"`
	CostBasis           Amount                `json:"costBasis"`
	CurrentValue        Amount                `json:"currentValue"`
	RealizedPnL         Amount                `json:"realizedPnl"`
	UnrealizedPnL       Amount                `json:"unrealizedPnl"`
	TotalPnL            Amount                `json:"totalPnl"`
	PnLPercentage       string                `json:"pnlPercentage"`
	AvgAcquisitionPrice string                `json:"avgAcquisitionPrice"`
}

// Aggregate sums holder rows across the vault
type Aggregate struct {
	HolderCount         int    `json:"holderCount"`
	ActiveHolders       int    `json:"activeHolders"`
	SharesHeld          Amount `json:"sharesHeld"`
	TotalDeposited      Amount `json:"totalDeposited"`
	TotalWithdrawn      Amount `json:"totalWithdrawn"`
	NetInvested         Amount `json:"netInvested"`
	TotalInvested       Amount `json:"totalInvested"`
	CostBasis           Amount `json:"costBasis"`
	CurrentValue        Amount `json:"currentValue"`
	RealizedPnL         Amount `json:"realizedPnl"`
	UnrealizedPnL       Amount `json:"unrealizedPnl"`
	TotalPnL            Amount `json:"totalPnl"`
	PnLPercentage       string `json:"pnlPercentage"`
	AvgAcquisitionPrice string `json:"avgAcquisitionPrice"` // total invested / shares acquired
}

// Supply is the vault-wide share supply seen in the fetched history
type Supply struct {
	Minted       Amount `json:"minted"`
	Burned       Amount `json:"burned"`
	BridgeMinted Amount `json:"bridgeMinted"`
	Net          Amount `json:"net"`
}

// Report is the export schema shared by the CLI, the API and storage
type Report struct {
	ID            string                `json:"id,omitempty"`
	Network       string                `json:"network"`
	Vault         string                `json:"vault"`
	VaultSymbol   string                `json:"vaultSymbol,omitempty"`
	Asset         string                `json:"asset"`
	AssetSymbol   string                `json:"assetSymbol,omitempty"`
	AssetDecimals int                   `json:"assetDecimals"`
	ShareDecimals int                   `json:"shareDecimals"`
	Method        types.CostBasisMethod `json:"method"`
	Holder        string                `json:"holder,omitempty"`
	FromBlock     uint64                `json:"fromBlock"`
	ToBlock       uint64                `json:"toBlock"`
	EventCount    int                   `json:"eventCount"`
	GeneratedAt   time.Time             `json:"generatedAt"`
	Holders       []HolderRow           `json:"holders"`
	Aggregate     Aggregate             `json:"aggregate"`
	Supply        Supply                `json:"supply"`
	Warnings      []accounting.Warning  `json:"warnings,omitempty"`
}

// Summary describes a persisted report without its holder rows
type Summary struct {
	ID           string                `json:"id"`
	Network      string                `json:"network"`
	Vault        string                `json:"vault"`
	Holder       string                `json:"holder,omitempty"`
	Method       types.CostBasisMethod `json:"method"`
	FromBlock    uint64                `json:"fromBlock"`
	ToBlock      uint64                `json:"toBlock"`
	HolderCount  int                   `json:"holderCount"`
	WarningCount int                   `json:"warningCount"`
	GeneratedAt  time.Time             `json:"generatedAt"`
	CreatedAt    time.Time             `json:"createdAt"`
}

// Params carries the vault context a report is built for
type Params struct {
	Network       string
	Vault         string
	VaultSymbol   string
	Asset         string
	AssetSymbol   string
	AssetDecimals int
	ShareDecimals int
	Method        types.CostBasisMethod
	Holder        string
	FromBlock     uint64
	ToBlock       uint64
	EventCount    int
	GeneratedAt   time.Time
	Supply        accounting.SupplyStats
	Warnings      []accounting.Warning
}

// Build assembles a report from PnL results. Rows keep the order of results.
func Build(p Params, results []accounting.PnLResult) *Report {
	ad, sd := p.AssetDecimals, p.ShareDecimals

	r := &Report{
		Network:       p.Network,
		Vault:         types.NormalizeAddress(p.Vault),
		VaultSymbol:   p.VaultSymbol,
		Asset:         types.NormalizeAddress(p.Asset),
		AssetSymbol:   p.AssetSymbol,
		AssetDecimals: ad,
		ShareDecimals: sd,
		Method:        p.Method,
		Holder:        types.NormalizeAddress(p.Holder),
		FromBlock:     p.FromBlock,
		ToBlock:       p.ToBlock,
		EventCount:    p.EventCount,
		GeneratedAt:   p.GeneratedAt.UTC(),
		Holders:       make([]HolderRow, 0, len(results)),
		Supply:        buildSupply(p.Supply, sd),
		Warnings:      p.Warnings,
	}

	for _, res := range results {
		r.Holders = append(r.Holders, HolderRow{
			Holder:              res.Holder,
			Method:              res.Method,
			SharesHeld:          NewAmount(res.SharesHeld, sd),
			TotalDeposited:      NewAmount(res.TotalDeposited, ad),
			TotalWithdrawn:      NewAmount(res.TotalWithdrawn, ad),
			NetInvested:         NewAmount(res.NetInvested, ad),
			TotalInvested:       NewAmount(res.TotalInvested, ad),
			CostBasis:           NewAmount(res.CostBasis, ad),
			CurrentValue:        NewAmount(res.CurrentValue, ad),
			RealizedPnL:         NewAmount(res.RealizedPnL, ad),
			UnrealizedPnL:       NewAmount(res.UnrealizedPnL, ad),
			TotalPnL:            NewAmount(res.TotalPnL, ad),
			PnLPercentage:       formatPercent(res.PnLPercentage),
			AvgAcquisitionPrice: res.AvgAcquisitionPrice.String(),
		})
	}

	r.Aggregate = aggregate(results, ad, sd)
	return r
}

func aggregate(results []accounting.PnLResult, ad, sd int) Aggregate {
	shares := new(big.Int)
	acquired := new(big.Int)
	deposited := new(big.Int)
	withdrawn := new(big.Int)
	invested := new(big.Int)
	basis := new(big.Int)
	value := new(big.Int)
	realized := new(big.Int)
	unrealized := new(big.Int)
	active := 0

	for _, res := range results {
		if res.SharesHeld != nil && res.SharesHeld.Sign() > 0 {
			active++
			shares.Add(shares, res.SharesHeld)
		}
		addInto(acquired, res.SharesAcquired)
		addInto(deposited, res.TotalDeposited)
		addInto(withdrawn, res.TotalWithdrawn)
		addInto(invested, res.TotalInvested)
		addInto(basis, res.CostBasis)
		addInto(value, res.CurrentValue)
		addInto(realized, res.RealizedPnL)
		addInto(unrealized, res.UnrealizedPnL)
	}
	total := new(big.Int).Add(realized, unrealized)

	pct := decimal.Zero
	if invested.Sign() != 0 {
		pct = accounting.Ratio(total, ad, invested, ad).Mul(decimal.NewFromInt(100))
	}

	return Aggregate{
		HolderCount:         len(results),
		ActiveHolders:       active,
		SharesHeld:          NewAmount(shares, sd),
		TotalDeposited:      NewAmount(deposited, ad),
		TotalWithdrawn:      NewAmount(withdrawn, ad),
		NetInvested:         NewAmount(new(big.Int).Sub(deposited, withdrawn), ad),
		TotalInvested:       NewAmount(invested, ad),
		CostBasis:           NewAmount(basis, ad),
		CurrentValue:        NewAmount(value, ad),
		RealizedPnL:         NewAmount(realized, ad),
		UnrealizedPnL:       NewAmount(unrealized, ad),
		TotalPnL:            NewAmount(total, ad),
		PnLPercentage:       formatPercent(pct),
		AvgAcquisitionPrice: accounting.Ratio(invested, ad, acquired, sd).String(),
	}
}

func buildSupply(s accounting.SupplyStats, sd int) Supply {
	minted, burned, bridged := s.TotalMinted, s.TotalBurned, s.TotalBridgeMinted
	if minted == nil || burned == nil || bridged == nil {
		return Supply{
			Minted:       NewAmount(minted, sd),
			Burned:       NewAmount(burned, sd),
			BridgeMinted: NewAmount(bridged, sd),
			Net:          NewAmount(nil, sd),
		}
	}
	return Supply{
		Minted:       NewAmount(minted, sd),
		Burned:       NewAmount(burned, sd),
		BridgeMinted: NewAmount(bridged, sd),
		Net:          NewAmount(s.TotalSupply(), sd),
	}
}

func addInto(dst, v *big.Int) {
	if v != nil {
		dst.Add(dst, v)
	}
}

func formatPercent(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// Row returns the row of a holder, or false if it is not in the report
func (r *Report) Row(holder string) (HolderRow, bool) {
	holder = types.NormalizeAddress(holder)
	for _, row := range r.Holders {
		if row.Holder == holder {
			return row, true
		}
	}
	return HolderRow{}, false
}
