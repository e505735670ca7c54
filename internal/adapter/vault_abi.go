package adapter

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vault-pnl/internal/types"
)

// vaultABIJSON is the subset of ERC-20 and ERC-4626 used for accounting
const vaultABIJSON = `[
	{"type":"event","name":"Deposit","anonymous":false,"inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"owner","type":"address","indexed":true},
		{"name":"assets","type":"uint256","indexed":false},
		{"name":"shares","type":"uint256","indexed":false}]},
	{"type":"event","name":"Withdraw","anonymous":false,"inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"receiver","type":"address","indexed":true},
		{"name":"owner","type":"address","indexed":true},
		{"name":"assets","type":"uint256","indexed":false},
		{"name":"shares","type":"uint256","indexed":false}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]},
	{"type":"function","name":"asset","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"convertToAssets","stateMutability":"view",
		"inputs":[{"name":"shares","type":"uint256"}],
		"outputs":[{"name":"assets","type":"uint256"}]}
]`

var (
	vaultABI = mustParseABI(vaultABIJSON)

	depositTopic  = vaultABI.Events["Deposit"].ID
	withdrawTopic = vaultABI.Events["Withdraw"].ID
	transferTopic = vaultABI.Events["Transfer"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse vault ABI: %v", err))
	}
	return parsed
}

func topicAddress(h common.Hash) string {
	return types.NormalizeAddress(common.BytesToAddress(h.Bytes()).Hex())
}

func addressTopic(addr string) common.Hash {
	return common.BytesToHash(common.HexToAddress(addr).Bytes())
}

// DecodeLog converts a vault log into a raw record
func DecodeLog(log ethtypes.Log) (types.RawLog, error) {
	if len(log.Topics) == 0 {
		return types.RawLog{}, ErrUnknownLog
	}

	raw := types.RawLog{
		Block:    log.BlockNumber,
		TxID:     types.NormalizeAddress(log.TxHash.Hex()),
		LogIndex: log.Index,
	}

	switch log.Topics[0] {
	case depositTopic:
		if len(log.Topics) < 3 {
			return types.RawLog{}, fmt.Errorf("deposit log with %d topics: %w", len(log.Topics), ErrUnknownLog)
		}
		assets, shares, err := unpackAmounts("Deposit", log.Data)
		if err != nil {
			return types.RawLog{}, err
		}
		raw.Kind = types.RawDeposit
		raw.From = topicAddress(log.Topics[1])
		raw.Owner = topicAddress(log.Topics[2])
		raw.Assets, raw.Shares = assets, shares

	case withdrawTopic:
		if len(log.Topics) < 4 {
			return types.RawLog{}, fmt.Errorf("withdraw log with %d topics: %w", len(log.Topics), ErrUnknownLog)
		}
		assets, shares, err := unpackAmounts("Withdraw", log.Data)
		if err != nil {
			return types.RawLog{}, err
		}
		raw.Kind = types.RawWithdraw
		raw.From = topicAddress(log.Topics[1])
		raw.To = topicAddress(log.Topics[2])
		raw.Owner = topicAddress(log.Topics[3])
		raw.Assets, raw.Shares = assets, shares

	case transferTopic:
		if len(log.Topics) < 3 {
			return types.RawLog{}, fmt.Errorf("transfer log with %d topics: %w", len(log.Topics), ErrUnknownLog)
		}
		values, err := vaultABI.Unpack("Transfer", log.Data)
		if err != nil || len(values) != 1 {
			return types.RawLog{}, fmt.Errorf("unpack transfer: %v: %w", err, ErrUnknownLog)
		}
		value, ok := values[0].(*big.Int)
		if !ok {
			return types.RawLog{}, fmt.Errorf("transfer value of type %T: %w", values[0], ErrUnknownLog)
		}
		raw.Kind = types.RawTransfer
		raw.From = topicAddress(log.Topics[1])
		raw.To = topicAddress(log.Topics[2])
		raw.Shares = value

	default:
		return types.RawLog{}, ErrUnknownLog
	}

	return raw, nil
}

func unpackAmounts(event string, data []byte) (*big.Int, *big.Int, error) {
	values, err := vaultABI.Unpack(event, data)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack %s: %v: %w", event, err, ErrUnknownLog)
	}
	if len(values) != 2 {
		return nil, nil, fmt.Errorf("unpack %s: %d values: %w", event, len(values), ErrUnknownLog)
	}
	assets, ok1 := values[0].(*big.Int)
	shares, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, nil, fmt.Errorf("unpack %s: unexpected value types: %w", event, ErrUnknownLog)
	}
	return assets, shares, nil
}
