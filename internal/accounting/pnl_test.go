package accounting

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vault-pnl/internal/types"
)

func TestComputePnLZeroInvestment(t *testing.T) {
	res := ComputePnL(Basis{Holder: alice, Method: types.MethodFIFO}, big.NewInt(0), 6, 18)

	assert.True(t, res.PnLPercentage.IsZero())
	assert.True(t, res.AvgAcquisitionPrice.IsZero())
	assert.Equal(t, 0, res.TotalPnL.Sign())
}

func TestComputePnLScalesAveragePrice(t *testing.T) {
	basis := Basis{
		Holder:         alice,
		SharesAcquired: e18(4),
		TotalInvested:  e6(5),
	}

	res := ComputePnL(basis, big.NewInt(0), 6, 18)

	assert.True(t, res.AvgAcquisitionPrice.Equal(decimal.RequireFromString("1.25")), "got %s", res.AvgAcquisitionPrice)
}

func TestNewPolicy(t *testing.T) {
	avg, err := NewPolicy(types.MethodAverage, 6, 18)
	require.NoError(t, err)
	assert.Equal(t, types.MethodAverage, avg.Method())

	fifo, err := NewPolicy(types.MethodFIFO, 6, 18)
	require.NoError(t, err)
	assert.Equal(t, types.MethodFIFO, fifo.Method())

	_, err = NewPolicy("lifo", 6, 18)
	assert.Error(t, err)
}

func runPipeline(t *testing.T, method types.CostBasisMethod, raw []types.RawLog) []byte {
	t.Helper()

	out := testNormalizer("").Normalize(raw)
	for i := range out.Events {
		if out.Events[i].NeedsPrice() {
			ApplyPrice(&out.Events[i], e6(1), 18)
		}
	}

	policy, err := NewPolicy(method, 6, 18)
	require.NoError(t, err)
	bases, _, err := policy.Positions(out.Events)
	require.NoError(t, err)

	results := make([]PnLResult, 0, len(bases))
	for _, b := range bases {
		value := AssetsForShares(b.SharesHeld, big.NewInt(1_300_000), 18)
		results = append(results, ComputePnL(b, value, 6, 18))
	}

	data, err := json.Marshal(results)
	require.NoError(t, err)
	return data
}

func TestPipelineIdempotent(t *testing.T) {
	raw := []types.RawLog{
		{Kind: types.RawTransfer, Block: 100, TxID: "0xaa", LogIndex: 0, From: types.ZeroAddress, To: alice, Shares: e18(10)},
		{Kind: types.RawDeposit, Block: 100, TxID: "0xaa", LogIndex: 1, Owner: alice, Assets: e6(10), Shares: e18(10)},
		{Kind: types.RawTransfer, Block: 150, TxID: "0xcc", LogIndex: 4, From: alice, To: bob, Shares: e18(3)},
		{Kind: types.RawTransfer, Block: 200, TxID: "0xbb", LogIndex: 0, From: alice, To: types.ZeroAddress, Shares: e18(4)},
		{Kind: types.RawWithdraw, Block: 200, TxID: "0xbb", LogIndex: 1, Owner: alice, Assets: e6(5), Shares: e18(4)},
	}

	for _, method := range []types.CostBasisMethod{types.MethodAverage, types.MethodFIFO} {
		t.Run(string(method), func(t *testing.T) {
			first := runPipeline(t, method, raw)
			second := runPipeline(t, method, raw)
			assert.Equal(t, string(first), string(second))
		})
	}
}
