package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vault-pnl/internal/logging"
	"github.com/vault-pnl/internal/retry"
	"github.com/vault-pnl/internal/types"
)

const (
	testVault = "0x1111111111111111111111111111111111111111"
	testAsset = "0x2222222222222222222222222222222222222222"
	alice     = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob       = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// fakeNode is an in-memory EthClient serving a fixed log set and contract state
type fakeNode struct {
	mu sync.Mutex

	latest     uint64
	deployedAt uint64
	logs       []ethtypes.Log

	// maxSpan rejects getLogs ranges wider than this when non-zero
	maxSpan uint64
	// failFirst makes the first N getLogs calls return a transient error
	failFirst int

	pricePerShare *big.Int // assets per 1e18 shares
	prunedBelow   uint64   // historical calls below this block fail
	shareDecimals uint8
	assetDecimals uint8
	filterCalls   int
	contractCalls int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		latest:        1000,
		deployedAt:    100,
		pricePerShare: big.NewInt(1_100_000),
		shareDecimals: 18,
		assetDecimals: 6,
	}
}

func (f *fakeNode) BlockNumber(ctx context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeNode) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterCalls++

	if f.failFirst > 0 {
		f.failFirst--
		return nil, errors.New("503 service unavailable")
	}

	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if f.maxSpan > 0 && to-from+1 > f.maxSpan {
		return nil, fmt.Errorf("query returned more than 10000 results")
	}

	var out []ethtypes.Log
	for _, l := range f.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && l.Address != q.Addresses[0] {
			continue
		}
		if matchTopics(l.Topics, q.Topics) {
			out = append(out, l)
		}
	}
	return out, nil
}

func matchTopics(have []common.Hash, want [][]common.Hash) bool {
	for i, options := range want {
		if len(options) == 0 {
			continue
		}
		if i >= len(have) {
			return false
		}
		found := false
		for _, o := range options {
			if have[i] == o {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *fakeNode) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contractCalls++

	if blockNumber != nil && blockNumber.Uint64() < f.prunedBelow {
		return nil, errors.New("missing trie node")
	}

	method, err := vaultABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "convertToAssets":
		args, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		shares := args[0].(*big.Int)
		assets := new(big.Int).Mul(shares, f.pricePerShare)
		assets.Quo(assets, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
		return method.Outputs.Pack(assets)
	case "asset":
		return method.Outputs.Pack(common.HexToAddress(testAsset))
	case "decimals":
		if *call.To == common.HexToAddress(testAsset) {
			return method.Outputs.Pack(f.assetDecimals)
		}
		return method.Outputs.Pack(f.shareDecimals)
	case "symbol":
		if *call.To == common.HexToAddress(testAsset) {
			return method.Outputs.Pack("USDC")
		}
		return method.Outputs.Pack("vUSDC")
	case "totalSupply":
		return method.Outputs.Pack(big.NewInt(42))
	}
	return nil, fmt.Errorf("unexpected method %s", method.Name)
}

func (f *fakeNode) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	if blockNumber == nil || blockNumber.Uint64() >= f.deployedAt {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

func (f *fakeNode) addDeposit(block uint64, index uint, tx string, owner string, assets, shares int64) {
	data, err := vaultABI.Events["Deposit"].Inputs.NonIndexed().Pack(big.NewInt(assets), big.NewInt(shares))
	if err != nil {
		panic(err)
	}
	f.logs = append(f.logs, ethtypes.Log{
		Address:     common.HexToAddress(testVault),
		Topics:      []common.Hash{depositTopic, addressTopic(owner), addressTopic(owner)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		Index:       index,
	})
}

func (f *fakeNode) addWithdraw(block uint64, index uint, tx string, owner string, assets, shares int64) {
	data, err := vaultABI.Events["Withdraw"].Inputs.NonIndexed().Pack(big.NewInt(assets), big.NewInt(shares))
	if err != nil {
		panic(err)
	}
	f.logs = append(f.logs, ethtypes.Log{
		Address:     common.HexToAddress(testVault),
		Topics:      []common.Hash{withdrawTopic, addressTopic(owner), addressTopic(owner), addressTopic(owner)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		Index:       index,
	})
}

func (f *fakeNode) addTransfer(block uint64, index uint, tx string, from, to string, value int64) {
	data, err := vaultABI.Events["Transfer"].Inputs.NonIndexed().Pack(big.NewInt(value))
	if err != nil {
		panic(err)
	}
	f.logs = append(f.logs, ethtypes.Log{
		Address:     common.HexToAddress(testVault),
		Topics:      []common.Hash{transferTopic, addressTopic(from), addressTopic(to)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		Index:       index,
	})
}

func newTestClient(t *testing.T, node *fakeNode, chunk uint64) *VaultClient {
	t.Helper()
	client, err := NewVaultClient(VaultClientConfig{
		Chain:        types.ChainEthereum,
		Client:       node,
		ChunkSize:    chunk,
		MinChunkSize: 5,
		Retry:        &retry.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1},
		Logger:       logging.NewLoggerWithOutput(logging.LevelError, logging.FormatText, &bytes.Buffer{}),
	})
	require.NoError(t, err)
	return client
}

func TestDecodeLog(t *testing.T) {
	node := newFakeNode()
	node.addDeposit(10, 0, "0x01", alice, 1_000_000, 2_000)
	node.addWithdraw(11, 1, "0x02", alice, 500_000, 1_000)
	node.addTransfer(12, 2, "0x03", alice, bob, 700)

	deposit, err := DecodeLog(node.logs[0])
	require.NoError(t, err)
	assert.Equal(t, types.RawDeposit, deposit.Kind)
	assert.Equal(t, alice, deposit.Owner)
	assert.Equal(t, big.NewInt(1_000_000), deposit.Assets)
	assert.Equal(t, big.NewInt(2_000), deposit.Shares)
	assert.Equal(t, uint64(10), deposit.Block)

	withdraw, err := DecodeLog(node.logs[1])
	require.NoError(t, err)
	assert.Equal(t, types.RawWithdraw, withdraw.Kind)
	assert.Equal(t, alice, withdraw.Owner)
	assert.Equal(t, uint(1), withdraw.LogIndex)

	transfer, err := DecodeLog(node.logs[2])
	require.NoError(t, err)
	assert.Equal(t, types.RawTransfer, transfer.Kind)
	assert.Equal(t, alice, transfer.From)
	assert.Equal(t, bob, transfer.To)
	assert.Equal(t, big.NewInt(700), transfer.Shares)
	assert.Nil(t, transfer.Assets)

	_, err = DecodeLog(ethtypes.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	assert.ErrorIs(t, err, ErrUnknownLog)

	_, err = DecodeLog(ethtypes.Log{})
	assert.ErrorIs(t, err, ErrUnknownLog)
}

func TestFetchEvents_AllHoldersAcrossChunks(t *testing.T) {
	node := newFakeNode()
	node.addTransfer(105, 1, "0x01", types.ZeroAddress, alice, 2_000)
	node.addDeposit(105, 2, "0x01", alice, 1_000_000, 2_000)
	node.addTransfer(150, 0, "0x02", alice, bob, 500)
	node.addTransfer(999, 0, "0x03", bob, alice, 100)

	client := newTestClient(t, node, 25)
	records, err := client.FetchEvents(context.Background(), testVault, "", 100, 1000)
	require.NoError(t, err)

	require.Len(t, records, 4)
	assert.Equal(t, uint64(105), records[0].Block)
	assert.Equal(t, uint(1), records[0].LogIndex)
	assert.Equal(t, types.RawDeposit, records[1].Kind)
	assert.Equal(t, uint64(999), records[3].Block)

	// 901 blocks in chunks of 25
	assert.Equal(t, 37, node.filterCalls)
}

func TestFetchEvents_HolderFilterDeduplicates(t *testing.T) {
	node := newFakeNode()
	node.addDeposit(110, 0, "0x01", alice, 1_000_000, 2_000)
	node.addDeposit(111, 0, "0x02", bob, 1_000_000, 2_000)
	node.addTransfer(120, 0, "0x03", alice, alice, 10)
	node.addTransfer(130, 0, "0x04", bob, alice, 10)
	node.addWithdraw(140, 0, "0x05", alice, 10, 10)

	client := newTestClient(t, node, 1000)
	records, err := client.FetchEvents(context.Background(), testVault, alice, 100, 200)
	require.NoError(t, err)

	require.Len(t, records, 4)
	for _, r := range records {
		assert.NotEqual(t, uint64(111), r.Block, "bob's deposit must not be fetched")
	}
}

func TestFetchEvents_SplitsRejectedRanges(t *testing.T) {
	node := newFakeNode()
	node.maxSpan = 20
	node.addTransfer(101, 0, "0x01", types.ZeroAddress, alice, 1)
	node.addTransfer(160, 0, "0x02", types.ZeroAddress, alice, 1)
	node.addTransfer(199, 0, "0x03", types.ZeroAddress, alice, 1)

	client := newTestClient(t, node, 100)
	records, err := client.FetchEvents(context.Background(), testVault, "", 100, 199)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestFetchEvents_RangeErrorAtMinChunk(t *testing.T) {
	node := newFakeNode()
	node.maxSpan = 2

	client := newTestClient(t, node, 100)
	_, err := client.FetchEvents(context.Background(), testVault, "", 100, 199)
	require.Error(t, err)

	var rangeErr *RangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.LessOrEqual(t, rangeErr.ToBlock-rangeErr.FromBlock+1, uint64(5))

	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "FetchEvents", adapterErr.Op)
}

func TestFetchEvents_RetriesTransientErrors(t *testing.T) {
	node := newFakeNode()
	node.failFirst = 2
	node.addTransfer(101, 0, "0x01", types.ZeroAddress, alice, 1)

	client := newTestClient(t, node, 1000)
	records, err := client.FetchEvents(context.Background(), testVault, "", 100, 200)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 3, node.filterCalls)
}

func TestFetchEvents_Validation(t *testing.T) {
	client := newTestClient(t, newFakeNode(), 1000)
	ctx := context.Background()

	_, err := client.FetchEvents(ctx, "0x123", "", 0, 10)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = client.FetchEvents(ctx, testVault, "alice", 0, 10)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = client.FetchEvents(ctx, testVault, "", 10, 9)
	assert.ErrorIs(t, err, ErrInvalidBlockRange)
}

func TestDeploymentBlock(t *testing.T) {
	node := newFakeNode()
	node.deployedAt = 377

	client := newTestClient(t, node, 1000)
	block, err := client.DeploymentBlock(context.Background(), testVault)
	require.NoError(t, err)
	assert.Equal(t, uint64(377), block)
}

func TestDeploymentBlock_NoCode(t *testing.T) {
	node := newFakeNode()
	node.deployedAt = node.latest + 1

	client := newTestClient(t, node, 1000)
	_, err := client.DeploymentBlock(context.Background(), testVault)
	assert.ErrorIs(t, err, ErrNoCode)
}

func TestPriceAt(t *testing.T) {
	node := newFakeNode()
	node.prunedBelow = 500
	client := newTestClient(t, node, 1000)
	ctx := context.Background()

	oneShare := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	latest, err := client.PriceAt(ctx, testVault, oneShare, nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_100_000), latest)

	block := uint64(600)
	historical, err := client.PriceAt(ctx, testVault, oneShare, &block)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_100_000), historical)

	calls := node.contractCalls
	pruned := uint64(200)
	_, err = client.PriceAt(ctx, testVault, oneShare, &pruned)
	require.Error(t, err)
	assert.True(t, IsMissingStateError(err))
	assert.Equal(t, calls+1, node.contractCalls, "missing state is not retried")
}

func TestMetadata(t *testing.T) {
	client := newTestClient(t, newFakeNode(), 1000)

	meta, err := client.Metadata(context.Background(), testVault)
	require.NoError(t, err)
	assert.Equal(t, testAsset, meta.Asset)
	assert.Equal(t, 6, meta.AssetDecimals)
	assert.Equal(t, 18, meta.ShareDecimals)
	assert.Equal(t, "USDC", meta.AssetSymbol)
	assert.Equal(t, "vUSDC", meta.Symbol)

	supply, err := client.TotalSupply(context.Background(), testVault, nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), supply)
}

func TestIsContract(t *testing.T) {
	client := newTestClient(t, newFakeNode(), 1000)

	ok, err := client.IsContract(context.Background(), testVault)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = client.IsContract(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, IsRateLimitError(errors.New("429 Too Many Requests")))
	assert.True(t, IsRangeTooLargeError(errors.New("query returned more than 10000 results")))
	assert.True(t, IsRangeTooLargeError(errors.New("exceed maximum block range: 2000")))
	assert.True(t, IsTransientError(errors.New("i/o timeout")))
	assert.False(t, IsTransientError(errors.New("execution reverted")))
	assert.True(t, IsMissingStateError(errors.New("missing trie node abc")))
	assert.False(t, IsRateLimitError(nil))
}
