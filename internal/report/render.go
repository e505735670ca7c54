package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Format selects how a report is rendered
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat parses a format name. The empty string selects FormatText.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "table":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown report format: %q", s)
	}
}

// Render writes r to w in the given format
func Render(w io.Writer, r *Report, format Format) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, r)
	case FormatText, "":
		return WriteText(w, r)
	default:
		return fmt.Errorf("unknown report format: %q", format)
	}
}

// WriteJSON writes r as indented JSON
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Decode reads a report written by WriteJSON
func Decode(rd io.Reader) (*Report, error) {
	var r Report
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	labelStyle  = lipgloss.NewStyle().Faint(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	numberStyle = cellStyle.Align(lipgloss.Right)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// WriteText writes r as a human-readable summary and holder table
func WriteText(w io.Writer, r *Report) error {
	var b strings.Builder

	name := r.Vault
	if r.VaultSymbol != "" {
		name = fmt.Sprintf("%s (%s)", r.VaultSymbol, r.Vault)
	}
	asset := r.Asset
	if r.AssetSymbol != "" {
		asset = r.AssetSymbol
	}

	b.WriteString(titleStyle.Render("Vault PnL report") + "\n")
	writeField(&b, "Vault", name)
	writeField(&b, "Network", r.Network)
	writeField(&b, "Asset", fmt.Sprintf("%s (%d decimals, shares %d)", asset, r.AssetDecimals, r.ShareDecimals))
	writeField(&b, "Method", string(r.Method))
	writeField(&b, "Blocks", fmt.Sprintf("%d-%d (%d events)", r.FromBlock, r.ToBlock, r.EventCount))
	if r.Holder != "" {
		writeField(&b, "Holder", r.Holder)
	}
	b.WriteString("\n")

	if len(r.Holders) == 0 {
		b.WriteString("No holders found.\n")
	} else {
		b.WriteString(holderTable(r).Render() + "\n")
	}

	agg := r.Aggregate
	b.WriteString("\n" + titleStyle.Render("Vault totals") + "\n")
	writeField(&b, "Holders", fmt.Sprintf("%d (%d active)", agg.HolderCount, agg.ActiveHolders))
	writeField(&b, "Shares held", agg.SharesHeld.Value)
	writeField(&b, "Deposited", agg.TotalDeposited.Value)
	writeField(&b, "Withdrawn", agg.TotalWithdrawn.Value)
	writeField(&b, "Net invested", agg.NetInvested.Value)
	writeField(&b, "Invested", agg.TotalInvested.Value)
	writeField(&b, "Avg cost/share", agg.AvgAcquisitionPrice)
	writeField(&b, "Current value", agg.CurrentValue.Value)
	writeField(&b, "Realized PnL", agg.RealizedPnL.Value)
	writeField(&b, "Unrealized PnL", agg.UnrealizedPnL.Value)
	writeField(&b, "Total PnL", fmt.Sprintf("%s (%s%%)", agg.TotalPnL.Value, agg.PnLPercentage))
	writeField(&b, "Net supply", r.Supply.Net.Value)

	if len(r.Warnings) > 0 {
		b.WriteString("\n" + warnStyle.Render(fmt.Sprintf("%d warnings", len(r.Warnings))) + "\n")
		for _, warning := range r.Warnings {
			b.WriteString("  " + warning.String() + "\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeField(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(fmt.Sprintf("%-15s", label+":")) + " " + value + "\n")
}

func holderTable(r *Report) *table.Table {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Holder", "Shares", "Invested", "Cost basis", "Value", "Realized", "Unrealized", "Total", "PnL %").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 0:
				return cellStyle
			default:
				return numberStyle
			}
		})

	for _, h := range r.Holders {
		t.Row(
			h.Holder,
			h.SharesHeld.Value,
			h.TotalInvested.Value,
			h.CostBasis.Value,
			h.CurrentValue.Value,
			h.RealizedPnL.Value,
			h.UnrealizedPnL.Value,
			h.TotalPnL.Value,
			h.PnLPercentage,
		)
	}
	return t
}
