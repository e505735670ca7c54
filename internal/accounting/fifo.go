package accounting

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/vault-pnl/internal/types"
)

// Lot is one acquisition of shares at a known cost
type Lot struct {
	Amount    *big.Int        `json:"amount"`
	CostBasis *big.Int        `json:"costBasis"`
	Block     uint64          `json:"block"`
	Source    types.EventKind `json:"source"`
}

// Disposal records the lots consumed by one burn or outgoing transfer
type Disposal struct {
	Block     uint64   `json:"block"`
	TxID      string   `json:"txId"`
	Shares    *big.Int `json:"shares"`
	Proceeds  *big.Int `json:"proceeds"`
	CostBasis *big.Int `json:"costBasis"`
	Gain      *big.Int `json:"gain"`
}

// HolderLots is one holder's lot queue, oldest first, with running totals.
// Sum(Lots.Amount) == Balance and Sum(Lots.CostBasis) == UnrealizedCostBasis
// hold after every event.
type HolderLots struct {
	Holder              string     `json:"holder"`
	Lots                []Lot      `json:"lots"`
	Balance             *big.Int   `json:"balance"`
	UnrealizedCostBasis *big.Int   `json:"unrealizedCostBasis"`
	RealizedGain        *big.Int   `json:"realizedGain"`
	AcquiredShares      *big.Int   `json:"acquiredShares"`
	AcquiredCost        *big.Int   `json:"acquiredCost"`
	DisposedShares      *big.Int   `json:"disposedShares"`
	Proceeds            *big.Int   `json:"proceeds"`
	Deposited           *big.Int   `json:"deposited"`
	Withdrawn           *big.Int   `json:"withdrawn"`
	Disposals           []Disposal `json:"disposals"`
}

func newHolderLots(holder string) *HolderLots {
	return &HolderLots{
		Holder:              holder,
		Balance:             zero(),
		UnrealizedCostBasis: zero(),
		RealizedGain:        zero(),
		AcquiredShares:      zero(),
		AcquiredCost:        zero(),
		DisposedShares:      zero(),
		Proceeds:            zero(),
		Deposited:           zero(),
		Withdrawn:           zero(),
	}
}

// ErrLotInvariant is returned when a holder's lots no longer sum to its
// balance or unrealized cost basis.
type ErrLotInvariant struct {
	Holder string
	Block  uint64
	Detail string
}

func (e *ErrLotInvariant) Error() string {
	return fmt.Sprintf("lot invariant violated for %s at block %d: %s", e.Holder, e.Block, e.Detail)
}

// LotLedger tracks FIFO lots for every holder of a vault
type LotLedger struct {
	shareDecimals int
	holders       map[string]*HolderLots
	warnings      []Warning
}

// NewLotLedger creates an empty ledger
func NewLotLedger(shareDecimals int) *LotLedger {
	return &LotLedger{
		shareDecimals: shareDecimals,
		holders:       make(map[string]*HolderLots),
	}
}

func (l *LotLedger) holder(addr string) *HolderLots {
	h, ok := l.holders[addr]
	if !ok {
		h = newHolderLots(addr)
		l.holders[addr] = h
	}
	return h
}

// Apply folds one event into the ledger. Events must arrive in canonical order.
func (l *LotLedger) Apply(ev types.VaultEvent) error {
	if ev.Holder == "" || ev.Holder == types.ZeroAddress {
		return nil
	}

	switch ev.Kind {
	case types.EventMint, types.EventBridgeMint, types.EventMigration,
		types.EventPreDeposit, types.EventTransferIn:
		l.acquire(l.holder(ev.Holder), ev)
		return nil

	case types.EventBurn, types.EventTransferOut:
		h := l.holder(ev.Holder)
		l.dispose(h, ev)
		return h.verify(ev.Block)

	case types.EventDeposit:
		// economics are carried by the paired mint
		h := l.holder(ev.Holder)
		h.Deposited.Add(h.Deposited, copyInt(ev.Assets))
	case types.EventWithdraw:
		h := l.holder(ev.Holder)
		h.Withdrawn.Add(h.Withdrawn, copyInt(ev.Assets))
	}
	return nil
}

func (l *LotLedger) acquire(h *HolderLots, ev types.VaultEvent) {
	cost := copyInt(ev.Assets)
	amount := copyInt(ev.Shares)
	if amount.Sign() == 0 {
		return
	}

	h.Lots = append(h.Lots, Lot{
		Amount:    amount,
		CostBasis: cost,
		Block:     ev.Block,
		Source:    ev.Kind,
	})
	h.Balance.Add(h.Balance, amount)
	h.UnrealizedCostBasis.Add(h.UnrealizedCostBasis, cost)
	h.AcquiredShares.Add(h.AcquiredShares, amount)
	h.AcquiredCost.Add(h.AcquiredCost, cost)
}

func (l *LotLedger) dispose(h *HolderLots, ev types.VaultEvent) {
	requested := copyInt(ev.Shares)
	amount := minInt(requested, h.Balance)
	if requested.Cmp(amount) > 0 {
		l.warnings = append(l.warnings, Warning{
			Code:    WarnNegativeBalance,
			Holder:  h.Holder,
			Block:   ev.Block,
			TxID:    ev.TxID,
			Message: fmt.Sprintf("%s of %s shares exceeds balance %s", ev.Kind, requested, h.Balance),
		})
	}
	if amount.Sign() == 0 {
		return
	}

	proceeds := copyInt(ev.Assets)
	if requested.Cmp(amount) != 0 {
		if ev.PricePerShare != nil {
			proceeds = AssetsForShares(amount, ev.PricePerShare, l.shareDecimals)
		} else {
			proceeds = MulDiv(ev.Assets, amount, requested)
		}
	}

	remaining := new(big.Int).Set(amount)
	costConsumed := zero()
	for remaining.Sign() > 0 && len(h.Lots) > 0 {
		front := &h.Lots[0]
		if front.Amount.Cmp(remaining) <= 0 {
			costConsumed.Add(costConsumed, front.CostBasis)
			remaining.Sub(remaining, front.Amount)
			h.Lots = h.Lots[1:]
			continue
		}

		costUsed := MulDiv(front.CostBasis, remaining, front.Amount)
		costConsumed.Add(costConsumed, costUsed)
		front.Amount = new(big.Int).Sub(front.Amount, remaining)
		front.CostBasis = new(big.Int).Sub(front.CostBasis, costUsed)
		remaining.SetInt64(0)
	}
	if len(h.Lots) == 0 {
		h.Lots = nil
	}

	gain := new(big.Int).Sub(proceeds, costConsumed)

	h.Balance.Sub(h.Balance, amount)
	h.UnrealizedCostBasis.Sub(h.UnrealizedCostBasis, costConsumed)
	h.RealizedGain.Add(h.RealizedGain, gain)
	h.DisposedShares.Add(h.DisposedShares, amount)
	h.Proceeds.Add(h.Proceeds, proceeds)
	h.Disposals = append(h.Disposals, Disposal{
		Block:     ev.Block,
		TxID:      ev.TxID,
		Shares:    amount,
		Proceeds:  proceeds,
		CostBasis: costConsumed,
		Gain:      gain,
	})
}

// verify checks the lot conservation invariant
func (h *HolderLots) verify(block uint64) error {
	amounts := zero()
	costs := zero()
	for _, lot := range h.Lots {
		amounts.Add(amounts, lot.Amount)
		costs.Add(costs, lot.CostBasis)
	}

	if amounts.Cmp(h.Balance) != 0 {
		return &ErrLotInvariant{Holder: h.Holder, Block: block,
			Detail: fmt.Sprintf("lot amounts %s != balance %s", amounts, h.Balance)}
	}
	if costs.Cmp(h.UnrealizedCostBasis) != 0 {
		return &ErrLotInvariant{Holder: h.Holder, Block: block,
			Detail: fmt.Sprintf("lot costs %s != unrealized cost basis %s", costs, h.UnrealizedCostBasis)}
	}
	return nil
}

// Holder returns the lots of one holder, or nil if it never appeared
func (l *LotLedger) Holder(addr string) *HolderLots {
	return l.holders[types.NormalizeAddress(addr)]
}

// Holders returns every holder seen, sorted
func (l *LotLedger) Holders() []string {
	holders := make([]string, 0, len(l.holders))
	for addr := range l.holders {
		holders = append(holders, addr)
	}
	sort.Strings(holders)
	return holders
}

// Warnings returns the warnings collected so far
func (l *LotLedger) Warnings() []Warning {
	return l.warnings
}

// Basis converts a holder's lots into the policy-neutral form consumed by
// ComputePnL.
func (h *HolderLots) Basis() Basis {
	return Basis{
		Holder:             h.Holder,
		Method:             types.MethodFIFO,
		SharesHeld:         copyInt(h.Balance),
		SharesAcquired:     copyInt(h.AcquiredShares),
		SharesDisposed:     copyInt(h.DisposedShares),
		TotalDeposited:     copyInt(h.Deposited),
		TotalWithdrawn:     copyInt(h.Withdrawn),
		TotalInvested:      copyInt(h.AcquiredCost),
		RealizedPnL:        copyInt(h.RealizedGain),
		RemainingCostBasis: copyInt(h.UnrealizedCostBasis),
	}
}
