package accounting

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/vault-pnl/internal/types"
)

// NormalizerConfig configures event classification for one vault
type NormalizerConfig struct {
	// Holder restricts output to a single holder. Empty means all holders.
	Holder string

	AssetDecimals int
	ShareDecimals int

	// BridgeAddress mints shares on this chain for supply bridged in from
	// another chain. Empty disables bridge handling.
	BridgeAddress string

	// MigratorAddresses credit shares migrated from a predecessor vault
	MigratorAddresses []string

	// PreDepositAddresses credit shares from a pre-deposit or airdrop campaign
	PreDepositAddresses []string
}

// SupplyStats are vault-wide share supply totals seen by the normalizer,
// computed before any holder filter is applied.
type SupplyStats struct {
	TotalMinted       *big.Int `json:"totalMinted"`
	TotalBurned       *big.Int `json:"totalBurned"`
	TotalBridgeMinted *big.Int `json:"totalBridgeMinted"`
	SuppressedMints   int      `json:"suppressedMints"`
}

// TotalSupply is minted plus bridge-minted minus burned
func (s SupplyStats) TotalSupply() *big.Int {
	supply := new(big.Int).Add(s.TotalMinted, s.TotalBridgeMinted)
	return supply.Sub(supply, s.TotalBurned)
}

// NormalizedEvents is the normalizer output: deduplicated events in
// canonical (block, log index, sub index) order.
type NormalizedEvents struct {
	Events     []types.VaultEvent
	Supply     SupplyStats
	Duplicates int
	Warnings   []Warning
}

// Normalizer classifies raw vault records into VaultEvents
type Normalizer struct {
	cfg           NormalizerConfig
	holder        string
	bridge        string
	migrators     map[string]bool
	preDepositors map[string]bool
}

// NewNormalizer creates a normalizer. Addresses are compared lower-cased.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	n := &Normalizer{
		cfg:           cfg,
		holder:        types.NormalizeAddress(cfg.Holder),
		bridge:        types.NormalizeAddress(cfg.BridgeAddress),
		migrators:     make(map[string]bool),
		preDepositors: make(map[string]bool),
	}
	for _, addr := range cfg.MigratorAddresses {
		n.migrators[types.NormalizeAddress(addr)] = true
	}
	for _, addr := range cfg.PreDepositAddresses {
		n.preDepositors[types.NormalizeAddress(addr)] = true
	}
	return n
}

type logKey struct {
	txID     string
	logIndex uint
}

// Normalize deduplicates, classifies and orders raw records. Transfer-side
// events that need a price lookup are returned with a nil PricePerShare;
// see ApplyPrice.
func (n *Normalizer) Normalize(raw []types.RawLog) *NormalizedEvents {
	out := &NormalizedEvents{
		Supply: SupplyStats{
			TotalMinted:       zero(),
			TotalBurned:       zero(),
			TotalBridgeMinted: zero(),
		},
	}

	seen := make(map[logKey]bool, len(raw))
	events := make([]types.VaultEvent, 0, len(raw))

	for _, rec := range raw {
		key := logKey{txID: types.NormalizeAddress(rec.TxID), logIndex: rec.LogIndex}
		if seen[key] {
			out.Duplicates++
			continue
		}
		seen[key] = true

		events = append(events, n.classify(rec, out)...)
	}

	sortEvents(events)
	pairMintsWithDeposits(events)

	if n.holder == "" {
		out.Warnings = append(out.Warnings, checkImbalance(events)...)
	} else {
		filtered := events[:0]
		for _, ev := range events {
			if ev.Holder == n.holder {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}

	out.Events = events
	return out
}

// classify maps one raw record to zero, one or two events
func (n *Normalizer) classify(rec types.RawLog, out *NormalizedEvents) []types.VaultEvent {
	base := types.VaultEvent{
		Block:    rec.Block,
		LogIndex: rec.LogIndex,
		TxID:     types.NormalizeAddress(rec.TxID),
		Assets:   copyInt(rec.Assets),
		Shares:   copyInt(rec.Shares),
	}

	switch rec.Kind {
	case types.RawDeposit, types.RawWithdraw:
		base.Kind = types.EventDeposit
		if rec.Kind == types.RawWithdraw {
			base.Kind = types.EventWithdraw
		}
		base.Holder = types.NormalizeAddress(rec.Owner)
		if base.Shares.Sign() == 0 {
			out.Warnings = append(out.Warnings, Warning{
				Code:    WarnZeroShares,
				Holder:  base.Holder,
				Block:   base.Block,
				TxID:    base.TxID,
				Message: fmt.Sprintf("%s with zero shares, price set to zero", base.Kind),
			})
		}
		base.PricePerShare = PricePerShare(base.Assets, base.Shares, n.cfg.ShareDecimals)
		return []types.VaultEvent{base}

	case types.RawMigration, types.RawPreDeposit:
		base.Kind = types.EventMigration
		if rec.Kind == types.RawPreDeposit {
			base.Kind = types.EventPreDeposit
		}
		base.Holder = types.NormalizeAddress(rec.To)
		if base.Holder == "" {
			base.Holder = types.NormalizeAddress(rec.Owner)
		}
		n.priceAtPar(&base)
		return []types.VaultEvent{base}

	case types.RawTransfer:
		return n.classifyTransfer(rec, base, out)
	}

	return nil
}

func (n *Normalizer) classifyTransfer(rec types.RawLog, base types.VaultEvent, out *NormalizedEvents) []types.VaultEvent {
	from := types.NormalizeAddress(rec.From)
	to := types.NormalizeAddress(rec.To)

	if base.Shares.Sign() == 0 || from == to {
		return nil
	}

	switch {
	case from == types.ZeroAddress:
		if n.bridge != "" && to == n.bridge {
			// re-emitted later as a bridge mint
			out.Supply.SuppressedMints++
			return nil
		}
		out.Supply.TotalMinted.Add(out.Supply.TotalMinted, base.Shares)
		base.Kind = types.EventMint
		base.Holder = to
		base.Counterparty = from
		return []types.VaultEvent{base}

	case to == types.ZeroAddress:
		out.Supply.TotalBurned.Add(out.Supply.TotalBurned, base.Shares)
		base.Kind = types.EventBurn
		base.Holder = from
		base.Counterparty = to
		return []types.VaultEvent{base}

	case n.bridge != "" && from == n.bridge:
		out.Supply.TotalBridgeMinted.Add(out.Supply.TotalBridgeMinted, base.Shares)
		base.Kind = types.EventBridgeMint
		base.Holder = to
		base.Counterparty = from
		n.priceAtPar(&base)
		return []types.VaultEvent{base}

	case n.migrators[from]:
		base.Kind = types.EventMigration
		base.Holder = to
		base.Counterparty = from
		n.priceAtPar(&base)
		return []types.VaultEvent{base}

	case n.preDepositors[from]:
		base.Kind = types.EventPreDeposit
		base.Holder = to
		base.Counterparty = from
		n.priceAtPar(&base)
		return []types.VaultEvent{base}
	}

	base.Assets = nil
	sent := base
	sent.Kind = types.EventTransferOut
	sent.Holder = from
	sent.Counterparty = to
	sent.SubIndex = 0

	received := base
	received.Kind = types.EventTransferIn
	received.Holder = to
	received.Counterparty = from
	received.SubIndex = 1
	received.Shares = copyInt(base.Shares)

	return []types.VaultEvent{sent, received}
}

func (n *Normalizer) priceAtPar(ev *types.VaultEvent) {
	ev.PricePerShare = ParPricePerShare(n.cfg.AssetDecimals)
	ev.Assets = AssetsForShares(ev.Shares, ev.PricePerShare, n.cfg.ShareDecimals)
}

// ApplyPrice sets an event's price per share and values its shares at it
func ApplyPrice(ev *types.VaultEvent, pricePerShare *big.Int, shareDecimals int) {
	ev.PricePerShare = copyInt(pricePerShare)
	ev.Assets = AssetsForShares(ev.Shares, ev.PricePerShare, shareDecimals)
}

// BlocksNeedingPrice returns the distinct blocks, ascending, of events that
// still need a price lookup.
func BlocksNeedingPrice(events []types.VaultEvent) []uint64 {
	seen := make(map[uint64]bool)
	var blocks []uint64
	for i := range events {
		if events[i].NeedsPrice() && !seen[events[i].Block] {
			seen[events[i].Block] = true
			blocks = append(blocks, events[i].Block)
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	return blocks
}

// sortEvents orders events by (block, log index, sub index). Ties never
// depend on the order the fetcher concatenated its sources.
func sortEvents(events []types.VaultEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Block != b.Block {
			return a.Block < b.Block
		}
		if a.LogIndex != b.LogIndex {
			return a.LogIndex < b.LogIndex
		}
		return a.SubIndex < b.SubIndex
	})
}

// pairMintsWithDeposits prices mints and burns from the deposit or withdraw
// log emitted in the same transaction for the same holder and share amount.
func pairMintsWithDeposits(events []types.VaultEvent) {
	type pairKey struct {
		txID   string
		holder string
		shares string
	}

	priced := make(map[pairKey]*types.VaultEvent)
	for i := range events {
		ev := &events[i]
		if ev.Kind == types.EventDeposit || ev.Kind == types.EventWithdraw {
			priced[pairKey{ev.TxID + string(ev.Kind), ev.Holder, ev.Shares.String()}] = ev
		}
	}

	for i := range events {
		ev := &events[i]
		var partner types.EventKind
		switch ev.Kind {
		case types.EventMint:
			partner = types.EventDeposit
		case types.EventBurn:
			partner = types.EventWithdraw
		default:
			continue
		}
		if match, ok := priced[pairKey{ev.TxID + string(partner), ev.Holder, ev.Shares.String()}]; ok {
			ev.Assets = copyInt(match.Assets)
			ev.PricePerShare = copyInt(match.PricePerShare)
		}
	}
}

// checkImbalance compares the ERC4626 logs with the Transfer logs that
// should mirror them. Peer transfers are not compared: both sides come from
// one log.
func checkImbalance(events []types.VaultEvent) []Warning {
	counts := make(map[types.EventKind]int)
	for i := range events {
		counts[events[i].Kind]++
	}

	pairs := []struct {
		a, b types.EventKind
	}{
		{types.EventDeposit, types.EventMint},
		{types.EventWithdraw, types.EventBurn},
	}

	var warnings []Warning
	for _, p := range pairs {
		if counts[p.a] != counts[p.b] {
			warnings = append(warnings, Warning{
				Code:    WarnEventImbalance,
				Message: fmt.Sprintf("%d %s events vs %d %s events", counts[p.a], p.a, counts[p.b], p.b),
			})
		}
	}
	return warnings
}
