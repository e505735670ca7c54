// Package types provides common type definitions for the vault PnL system.
package types

import (
	"math/big"
	"strings"
)

// ChainID represents supported blockchain networks
type ChainID string

const (
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = "ethereum"
	// ChainArbitrum represents the Arbitrum network
	ChainArbitrum ChainID = "arbitrum"
	// ChainOptimism represents the Optimism network
	ChainOptimism ChainID = "optimism"
	// ChainBase represents the Base network
	ChainBase ChainID = "base"
	// ChainSepolia represents the Sepolia testnet
	ChainSepolia ChainID = "sepolia"
)

// ZeroAddress is the canonical lower-cased zero address. Transfers from it
// are mints, transfers to it are burns.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// RawLogKind is the log family a raw record was decoded from
type RawLogKind string

const (
	// RawDeposit is an ERC-4626 Deposit log
	RawDeposit RawLogKind = "deposit"
	// RawWithdraw is an ERC-4626 Withdraw log
	RawWithdraw RawLogKind = "withdraw"
	// RawTransfer is an ERC-20 Transfer log of the share token
	RawTransfer RawLogKind = "transfer"
	// RawMigration is a pre-classified migration credit
	RawMigration RawLogKind = "migration"
	// RawPreDeposit is a pre-classified pre-deposit or airdrop credit
	RawPreDeposit RawLogKind = "pre_deposit"
)

// RawLog is one record returned by the event fetcher, before classification.
// Deposit and withdraw records carry Owner, Assets and Shares; transfer
// records carry From, To and Shares.
type RawLog struct {
	Kind     RawLogKind `json:"kind"`
	Block    uint64     `json:"block"`
	TxID     string     `json:"txId"`
	LogIndex uint       `json:"logIndex"`
	From     string     `json:"from,omitempty"`
	To       string     `json:"to,omitempty"`
	Owner    string     `json:"owner,omitempty"`
	Assets   *big.Int   `json:"assets,omitempty"`
	Shares   *big.Int   `json:"shares,omitempty"`
}

// EventKind is the semantic kind of a normalized vault event
type EventKind string

const (
	EventDeposit     EventKind = "deposit"
	EventWithdraw    EventKind = "withdraw"
	EventTransferIn  EventKind = "transfer_in"
	EventTransferOut EventKind = "transfer_out"
	EventMint        EventKind = "mint"
	EventBurn        EventKind = "burn"
	EventBridgeMint  EventKind = "bridge_mint"
	EventMigration   EventKind = "migration"
	EventPreDeposit  EventKind = "pre_deposit"
)

// VaultEvent is one economic action affecting a holder's share balance.
// Block, LogIndex and SubIndex form the canonical ordering key; SubIndex
// separates the two sides of a single transfer record.
type VaultEvent struct {
	Kind          EventKind `json:"kind"`
	Block         uint64    `json:"block"`
	LogIndex      uint      `json:"logIndex"`
	SubIndex      uint      `json:"subIndex"`
	TxID          string    `json:"txId"`
	Holder        string    `json:"holder"`
	Counterparty  string    `json:"counterparty,omitempty"`
	Assets        *big.Int  `json:"assets"`
	Shares        *big.Int  `json:"shares"`
	PricePerShare *big.Int  `json:"pricePerShare,omitempty"`
}

// NeedsPrice reports whether the event still has to be valued by a price
// lookup at its block.
func (e *VaultEvent) NeedsPrice() bool {
	return e.PricePerShare == nil
}

// CostBasisMethod selects the cost-basis policy used for a report
type CostBasisMethod string

const (
	// MethodAverage is the weighted-average proportional cost basis
	MethodAverage CostBasisMethod = "average"
	// MethodFIFO is the lot-based first-in first-out cost basis
	MethodFIFO CostBasisMethod = "fifo"
)

// ParseCostBasisMethod parses a method name. The empty string selects
// MethodAverage.
func ParseCostBasisMethod(s string) (CostBasisMethod, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "average", "avg", "weighted-average":
		return MethodAverage, true
	case "fifo":
		return MethodFIFO, true
	default:
		return "", false
	}
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// NormalizeAddress lower-cases an address and trims surrounding whitespace
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
