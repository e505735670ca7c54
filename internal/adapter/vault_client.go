package adapter

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vault-pnl/internal/logging"
	"github.com/vault-pnl/internal/ratelimit"
	"github.com/vault-pnl/internal/retry"
	"github.com/vault-pnl/internal/types"
)

var addressPattern = regexp.MustCompile("^0x[a-fA-F0-9]{40}$")

// ValidateAddress checks if address format is valid for EVM networks
func ValidateAddress(address string) bool {
	return addressPattern.MatchString(address)
}

// VaultMetadata describes a vault share token and its underlying asset
type VaultMetadata struct {
	Vault         string `json:"vault"`
	Asset         string `json:"asset"`
	Symbol        string `json:"symbol,omitempty"`
	AssetSymbol   string `json:"assetSymbol,omitempty"`
	AssetDecimals int    `json:"assetDecimals"`
	ShareDecimals int    `json:"shareDecimals"`
}

// VaultClientConfig holds configuration for a VaultClient
type VaultClientConfig struct {
	// Chain labels errors and log entries. Required.
	Chain types.ChainID

	// Client performs the RPC calls, usually a *ratelimit.RateLimitedClient. Required.
	Client ratelimit.EthClient

	// ChunkSize is the block span of one eth_getLogs request. Default: 10000.
	ChunkSize uint64

	// MinChunkSize stops range splitting. Default: 100.
	MinChunkSize uint64

	// Retry controls retries of transient RPC failures. Default: retry.DefaultRetryConfig().
	Retry *retry.RetryConfig

	// CallTimeout bounds a single RPC call. Zero disables the bound.
	CallTimeout time.Duration

	Logger *logging.Logger
}

// VaultClient reads vault history and prices from an EVM node
type VaultClient struct {
	chain        types.ChainID
	client       ratelimit.EthClient
	chunkSize    uint64
	minChunkSize uint64
	retry        *retry.RetryConfig
	callTimeout  time.Duration
	logger       *logging.Logger
	closer       func()
}

// NewVaultClient creates a vault client around an existing RPC client
func NewVaultClient(cfg VaultClientConfig) (*VaultClient, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}

	c := &VaultClient{
		chain:        cfg.Chain,
		client:       cfg.Client,
		chunkSize:    cfg.ChunkSize,
		minChunkSize: cfg.MinChunkSize,
		retry:        cfg.Retry,
		callTimeout:  cfg.CallTimeout,
		logger:       cfg.Logger,
	}
	if c.chunkSize == 0 {
		c.chunkSize = 10000
	}
	if c.minChunkSize == 0 {
		c.minChunkSize = 100
	}
	if c.minChunkSize > c.chunkSize {
		c.minChunkSize = c.chunkSize
	}
	if c.retry == nil {
		c.retry = retry.DefaultRetryConfig()
	}
	if c.retry.ShouldRetry == nil {
		rc := *c.retry
		rc.ShouldRetry = IsTransientError
		c.retry = &rc
	}
	if c.logger == nil {
		c.logger = logging.GetGlobalLogger()
	}
	c.logger = c.logger.WithField("chain", string(c.chain))
	return c, nil
}

// DialConfig holds what Dial needs beyond VaultClientConfig
type DialConfig struct {
	VaultClientConfig
	RPCURL      string
	CUPerSecond int
}

// Dial connects to an RPC endpoint and wraps it with CU rate limiting
func Dial(ctx context.Context, cfg DialConfig) (*VaultClient, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, NewAdapterError(cfg.Chain, "Dial", err, nil)
	}

	limited, err := ratelimit.NewRateLimitedClient(&ratelimit.RateLimitedClientConfig{
		Client:      eth,
		CUPerSecond: cfg.CUPerSecond,
		Logger:      cfg.Logger,
	})
	if err != nil {
		eth.Close()
		return nil, err
	}

	vcfg := cfg.VaultClientConfig
	vcfg.Client = limited
	client, err := NewVaultClient(vcfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closer = eth.Close
	return client, nil
}

// Close releases the underlying connection, if the client owns one
func (c *VaultClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Chain returns the chain identifier
func (c *VaultClient) Chain() types.ChainID {
	return c.chain
}

func (c *VaultClient) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// LatestBlock returns the current block number
func (c *VaultClient) LatestBlock(ctx context.Context) (uint64, error) {
	var block uint64
	err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		callCtx, cancel := c.callCtx(ctx)
		defer cancel()
		var err error
		block, err = c.client.BlockNumber(callCtx)
		return err
	})
	if err != nil {
		return 0, NewAdapterError(c.chain, "LatestBlock", err, nil)
	}
	return block, nil
}

func (c *VaultClient) codeAt(ctx context.Context, addr common.Address, block *big.Int) ([]byte, error) {
	var code []byte
	err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		callCtx, cancel := c.callCtx(ctx)
		defer cancel()
		var err error
		code, err = c.client.CodeAt(callCtx, addr, block)
		return err
	})
	return code, err
}

// IsContract reports whether code is deployed at address at the latest block
func (c *VaultClient) IsContract(ctx context.Context, address string) (bool, error) {
	if !ValidateAddress(address) {
		return false, NewAdapterError(c.chain, "IsContract", ErrInvalidAddress, map[string]interface{}{"address": address})
	}
	code, err := c.codeAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return false, NewAdapterError(c.chain, "IsContract", err, map[string]interface{}{"address": address})
	}
	return len(code) > 0, nil
}

// DeploymentBlock finds the first block with code at the vault address by
// binary search over eth_getCode. It needs a node with historical state.
func (c *VaultClient) DeploymentBlock(ctx context.Context, vault string) (uint64, error) {
	if !ValidateAddress(vault) {
		return 0, NewAdapterError(c.chain, "DeploymentBlock", ErrInvalidAddress, map[string]interface{}{"address": vault})
	}
	addr := common.HexToAddress(vault)

	latest, err := c.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}

	code, err := c.codeAt(ctx, addr, new(big.Int).SetUint64(latest))
	if err != nil {
		return 0, NewAdapterError(c.chain, "DeploymentBlock", err, map[string]interface{}{"address": vault})
	}
	if len(code) == 0 {
		return 0, NewAdapterError(c.chain, "DeploymentBlock", ErrNoCode, map[string]interface{}{"address": vault})
	}

	lo, hi := uint64(0), latest
	for lo < hi {
		mid := lo + (hi-lo)/2
		code, err := c.codeAt(ctx, addr, new(big.Int).SetUint64(mid))
		if err != nil {
			return 0, NewAdapterError(c.chain, "DeploymentBlock", err, map[string]interface{}{
				"address": vault,
				"block":   mid,
			})
		}
		if len(code) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"vault": vault,
		"block": lo,
	}).Debug("Resolved vault deployment block")
	return lo, nil
}

// FetchEvents returns every Deposit, Withdraw and Transfer record of the
// vault between fromBlock and toBlock inclusive. A non-empty holder limits
// the query to logs naming that holder. Records are ordered by block and
// log index with no duplicates.
func (c *VaultClient) FetchEvents(ctx context.Context, vault, holder string, fromBlock, toBlock uint64) ([]types.RawLog, error) {
	if !ValidateAddress(vault) {
		return nil, NewAdapterError(c.chain, "FetchEvents", ErrInvalidAddress, map[string]interface{}{"address": vault})
	}
	if holder != "" && !ValidateAddress(holder) {
		return nil, NewAdapterError(c.chain, "FetchEvents", ErrInvalidAddress, map[string]interface{}{"address": holder})
	}
	if fromBlock > toBlock {
		return nil, NewAdapterError(c.chain, "FetchEvents", ErrInvalidBlockRange, map[string]interface{}{
			"fromBlock": fromBlock,
			"toBlock":   toBlock,
		})
	}

	queries := buildQueries(common.HexToAddress(vault), holder)

	type logKey struct {
		tx    common.Hash
		index uint
	}
	seen := make(map[logKey]bool)
	var records []types.RawLog
	skipped := 0

	for start := fromBlock; start <= toBlock; {
		end := start + c.chunkSize - 1
		if end > toBlock || end < start {
			end = toBlock
		}

		for _, q := range queries {
			logs, err := c.filterRange(ctx, q, start, end)
			if err != nil {
				return nil, NewAdapterError(c.chain, "FetchEvents", err, map[string]interface{}{"vault": vault})
			}
			for _, l := range logs {
				if l.Removed {
					continue
				}
				key := logKey{tx: l.TxHash, index: l.Index}
				if seen[key] {
					continue
				}
				seen[key] = true

				raw, err := DecodeLog(l)
				if err != nil {
					skipped++
					continue
				}
				records = append(records, raw)
			}
		}

		c.logger.WithFields(map[string]interface{}{
			"fromBlock": start,
			"toBlock":   end,
			"records":   len(records),
		}).Debug("Fetched vault log chunk")

		if end == toBlock {
			break
		}
		start = end + 1
	}

	if skipped > 0 {
		c.logger.WithField("skipped", skipped).Warn("Skipped undecodable vault logs")
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Block != records[j].Block {
			return records[i].Block < records[j].Block
		}
		return records[i].LogIndex < records[j].LogIndex
	})
	return records, nil
}

// buildQueries returns one query for all vault logs, or four topic-filtered
// queries when a holder is given.
func buildQueries(vault common.Address, holder string) []ethereum.FilterQuery {
	addresses := []common.Address{vault}
	if holder == "" {
		return []ethereum.FilterQuery{{
			Addresses: addresses,
			Topics:    [][]common.Hash{{depositTopic, withdrawTopic, transferTopic}},
		}}
	}

	h := addressTopic(holder)
	return []ethereum.FilterQuery{
		{Addresses: addresses, Topics: [][]common.Hash{{depositTopic}, nil, {h}}},
		{Addresses: addresses, Topics: [][]common.Hash{{withdrawTopic}, nil, nil, {h}}},
		{Addresses: addresses, Topics: [][]common.Hash{{transferTopic}, {h}}},
		{Addresses: addresses, Topics: [][]common.Hash{{transferTopic}, nil, {h}}},
	}
}

// filterRange fetches one block range, halving it while the provider rejects
// it as too large.
func (c *VaultClient) filterRange(ctx context.Context, q ethereum.FilterQuery, from, to uint64) ([]ethtypes.Log, error) {
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	var logs []ethtypes.Log
	err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		callCtx, cancel := c.callCtx(ctx)
		defer cancel()
		var err error
		logs, err = c.client.FilterLogs(callCtx, q)
		if IsRangeTooLargeError(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		return logs, nil
	}

	span := to - from + 1
	if !IsRangeTooLargeError(err) || span <= c.minChunkSize {
		return nil, &RangeError{FromBlock: from, ToBlock: to, Err: err}
	}

	mid := from + span/2 - 1
	c.logger.WithFields(map[string]interface{}{
		"fromBlock": from,
		"toBlock":   to,
		"split":     mid,
	}).Debug("Splitting log range rejected by provider")

	left, err := c.filterRange(ctx, q, from, mid)
	if err != nil {
		return nil, err
	}
	right, err := c.filterRange(ctx, q, mid+1, to)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func (c *VaultClient) call(ctx context.Context, to common.Address, block *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	data, err := vaultABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	var out []byte
	err = retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		callCtx, cancel := c.callCtx(ctx)
		defer cancel()
		var err error
		out, err = c.client.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, block)
		if IsMissingStateError(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEmptyResult
	}

	values, err := vaultABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, ErrEmptyResult
	}
	return values, nil
}

// PriceAt converts shares to assets with convertToAssets at block. A nil
// block reads the latest state.
func (c *VaultClient) PriceAt(ctx context.Context, vault string, shares *big.Int, block *uint64) (*big.Int, error) {
	if !ValidateAddress(vault) {
		return nil, NewAdapterError(c.chain, "PriceAt", ErrInvalidAddress, map[string]interface{}{"address": vault})
	}

	var blockNum *big.Int
	details := map[string]interface{}{"vault": vault, "shares": shares.String()}
	if block != nil {
		blockNum = new(big.Int).SetUint64(*block)
		details["block"] = *block
	}

	values, err := c.call(ctx, common.HexToAddress(vault), blockNum, "convertToAssets", shares)
	if err != nil {
		return nil, NewAdapterError(c.chain, "PriceAt", err, details)
	}
	assets, ok := values[0].(*big.Int)
	if !ok {
		return nil, NewAdapterError(c.chain, "PriceAt", fmt.Errorf("unexpected result type %T", values[0]), details)
	}
	return assets, nil
}

// TotalSupply returns the vault share supply at block, or at the latest
// block when block is nil
func (c *VaultClient) TotalSupply(ctx context.Context, vault string, block *uint64) (*big.Int, error) {
	var blockNum *big.Int
	details := map[string]interface{}{"vault": vault}
	if block != nil {
		blockNum = new(big.Int).SetUint64(*block)
		details["block"] = *block
	}

	values, err := c.call(ctx, common.HexToAddress(vault), blockNum, "totalSupply")
	if err != nil {
		return nil, NewAdapterError(c.chain, "TotalSupply", err, details)
	}
	supply, ok := values[0].(*big.Int)
	if !ok {
		return nil, NewAdapterError(c.chain, "TotalSupply", fmt.Errorf("unexpected result type %T", values[0]), nil)
	}
	return supply, nil
}

// Metadata reads the vault's asset and both tokens' decimals. Symbols are
// best effort.
func (c *VaultClient) Metadata(ctx context.Context, vault string) (*VaultMetadata, error) {
	if !ValidateAddress(vault) {
		return nil, NewAdapterError(c.chain, "Metadata", ErrInvalidAddress, map[string]interface{}{"address": vault})
	}
	vaultAddr := common.HexToAddress(vault)

	values, err := c.call(ctx, vaultAddr, nil, "asset")
	if err != nil {
		return nil, NewAdapterError(c.chain, "Metadata", err, map[string]interface{}{"vault": vault, "call": "asset"})
	}
	assetAddr, ok := values[0].(common.Address)
	if !ok {
		return nil, NewAdapterError(c.chain, "Metadata", fmt.Errorf("unexpected asset type %T", values[0]), nil)
	}

	shareDecimals, err := c.decimals(ctx, vaultAddr)
	if err != nil {
		return nil, NewAdapterError(c.chain, "Metadata", err, map[string]interface{}{"vault": vault, "call": "decimals"})
	}
	assetDecimals, err := c.decimals(ctx, assetAddr)
	if err != nil {
		return nil, NewAdapterError(c.chain, "Metadata", err, map[string]interface{}{"asset": assetAddr.Hex(), "call": "decimals"})
	}

	return &VaultMetadata{
		Vault:         types.NormalizeAddress(vault),
		Asset:         types.NormalizeAddress(assetAddr.Hex()),
		Symbol:        c.symbol(ctx, vaultAddr),
		AssetSymbol:   c.symbol(ctx, assetAddr),
		AssetDecimals: assetDecimals,
		ShareDecimals: shareDecimals,
	}, nil
}

func (c *VaultClient) decimals(ctx context.Context, token common.Address) (int, error) {
	values, err := c.call(ctx, token, nil, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", values[0])
	}
	return int(d), nil
}

func (c *VaultClient) symbol(ctx context.Context, token common.Address) string {
	values, err := c.call(ctx, token, nil, "symbol")
	if err != nil {
		return ""
	}
	s, _ := values[0].(string)
	return s
}
