package service

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vault-pnl/internal/accounting"
	"github.com/vault-pnl/internal/adapter"
	"github.com/vault-pnl/internal/circuitbreaker"
	"github.com/vault-pnl/internal/config"
	"github.com/vault-pnl/internal/errors"
	"github.com/vault-pnl/internal/logging"
	"github.com/vault-pnl/internal/report"
	"github.com/vault-pnl/internal/types"
)

const (
	testVault    = "0x1111111111111111111111111111111111111111"
	testAsset    = "0x2222222222222222222222222222222222222222"
	testMigrator = "0x3333333333333333333333333333333333333333"
	alice        = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob          = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	carol        = "0xcccccccccccccccccccccccccccccccccccccccc"
)

func e6(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

// mockVaultReader serves a fixed record set. Current price is 1.25 assets
// per share; historical prices come from blockPrices.
type mockVaultReader struct {
	mu sync.Mutex

	isContract  bool
	records     []types.RawLog
	blockPrices map[uint64]*big.Int
	fetchErr    error
	deployErr   error
	supply      *big.Int
	supplyErr   error

	fetchedFrom   uint64
	fetchedTo     uint64
	fetchedHolder string
	priceCalls    int
}

func newMockVaultReader() *mockVaultReader {
	return &mockVaultReader{
		isContract: true,
		records: []types.RawLog{
			{Kind: types.RawTransfer, Block: 10, TxID: "0xa1", LogIndex: 0, From: types.ZeroAddress, To: alice, Shares: e6(100)},
			{Kind: types.RawDeposit, Block: 10, TxID: "0xa1", LogIndex: 1, Owner: alice, Assets: e6(100), Shares: e6(100)},
			{Kind: types.RawTransfer, Block: 20, TxID: "0xb1", LogIndex: 0, From: alice, To: bob, Shares: e6(20)},
		},
		blockPrices: map[uint64]*big.Int{20: big.NewInt(1_100_000)},
		supply:      e6(100),
	}
}

func (m *mockVaultReader) LatestBlock(ctx context.Context) (uint64, error) {
	return 100, nil
}

func (m *mockVaultReader) IsContract(ctx context.Context, address string) (bool, error) {
	return m.isContract, nil
}

func (m *mockVaultReader) DeploymentBlock(ctx context.Context, vault string) (uint64, error) {
	if m.deployErr != nil {
		return 0, m.deployErr
	}
	return 5, nil
}

func (m *mockVaultReader) Metadata(ctx context.Context, vault string) (*adapter.VaultMetadata, error) {
	return &adapter.VaultMetadata{
		Vault:         vault,
		Asset:         testAsset,
		Symbol:        "vUSDC",
		AssetSymbol:   "USDC",
		AssetDecimals: 6,
		ShareDecimals: 6,
	}, nil
}

func (m *mockVaultReader) FetchEvents(ctx context.Context, vault, holder string, fromBlock, toBlock uint64) ([]types.RawLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchedFrom, m.fetchedTo, m.fetchedHolder = fromBlock, toBlock, holder
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.records, nil
}

func (m *mockVaultReader) PriceAt(ctx context.Context, vault string, shares *big.Int, block *uint64) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceCalls++

	pps := big.NewInt(1_250_000)
	if block != nil {
		var ok bool
		if pps, ok = m.blockPrices[*block]; !ok {
			return nil, fmt.Errorf("missing trie node at block %d", *block)
		}
	}
	v := new(big.Int).Mul(shares, pps)
	return v.Quo(v, big.NewInt(1_000_000)), nil
}

func (m *mockVaultReader) TotalSupply(ctx context.Context, vault string, block *uint64) (*big.Int, error) {
	if m.supplyErr != nil {
		return nil, m.supplyErr
	}
	return m.supply, nil
}

// mockReportRepository is an in-memory ReportRepository
type mockReportRepository struct {
	reports map[string]*report.Report
	saveErr error
}

func newMockReportRepository() *mockReportRepository {
	return &mockReportRepository{reports: make(map[string]*report.Report)}
}

func (m *mockReportRepository) Save(ctx context.Context, r *report.Report) (string, error) {
	if m.saveErr != nil {
		return "", m.saveErr
	}
	id := fmt.Sprintf("report-%d", len(m.reports)+1)
	m.reports[id] = r
	return id, nil
}

func (m *mockReportRepository) GetByID(ctx context.Context, id string) (*report.Report, error) {
	r, ok := m.reports[id]
	if !ok {
		return nil, errors.NewNotFoundError("report", id)
	}
	return r, nil
}

func (m *mockReportRepository) ListByVault(ctx context.Context, network, vault string, limit int) ([]report.Summary, error) {
	var out []report.Summary
	for id, r := range m.reports {
		if r.Network == network && r.Vault == vault {
			out = append(out, report.Summary{ID: id, Network: r.Network, Vault: r.Vault, Method: r.Method})
		}
	}
	return out, nil
}

func (m *mockReportRepository) Delete(ctx context.Context, id string) error {
	if _, ok := m.reports[id]; !ok {
		return errors.NewNotFoundError("report", id)
	}
	delete(m.reports, id)
	return nil
}

func newTestService(t *testing.T, reader VaultReader, repo ReportRepository, vault config.VaultConfig) *ReportService {
	t.Helper()
	logger := logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, &bytes.Buffer{})
	svc, err := NewReportService(ReportServiceConfig{
		Network:    "ethereum",
		Client:     reader,
		Repository: repo,
		Vault:      vault,
		Logger:     logger,
		Now:        func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	require.NoError(t, err)
	return svc
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, errors.Categorize(err).Code)
}

func hasWarning(r *report.Report, code accounting.WarningCode) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

func TestNewReportService_NilClient(t *testing.T) {
	_, err := NewReportService(ReportServiceConfig{Network: "ethereum"})
	assert.Error(t, err)
}

func TestBuildReport_WeightedAverage(t *testing.T) {
	reader := newMockVaultReader()
	svc := newTestService(t, reader, nil, config.VaultConfig{})

	r, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault, Method: types.MethodAverage})
	require.NoError(t, err)

	assert.Equal(t, "ethereum", r.Network)
	assert.Equal(t, testVault, r.Vault)
	assert.Equal(t, testAsset, r.Asset)
	assert.Equal(t, types.MethodAverage, r.Method)
	assert.Equal(t, uint64(5), r.FromBlock)
	assert.Equal(t, uint64(100), r.ToBlock)
	assert.Equal(t, 4, r.EventCount)
	require.Len(t, r.Holders, 2)

	a, ok := r.Row(alice)
	require.True(t, ok)
	assert.Equal(t, "80000000", a.SharesHeld.Raw)
	assert.Equal(t, "100000000", a.CurrentValue.Raw)
	assert.Equal(t, "80000000", a.CostBasis.Raw)
	assert.Equal(t, "-20000000", a.RealizedPnL.Raw)
	assert.Equal(t, "20000000", a.UnrealizedPnL.Raw)
	assert.Equal(t, "0", a.TotalPnL.Raw)

	// bob received shares with no recorded cost: implied 1:1 basis
	b, ok := r.Row(bob)
	require.True(t, ok)
	assert.Equal(t, "20000000", b.CostBasis.Raw)
	assert.Equal(t, "25000000", b.CurrentValue.Raw)
	assert.Equal(t, "5000000", b.TotalPnL.Raw)
	assert.Equal(t, "25.00", b.PnLPercentage)

	assert.Equal(t, 2, r.Aggregate.HolderCount)
	assert.Equal(t, "100000000", r.Supply.Net.Raw)
	assert.Empty(t, r.Warnings)
	assert.Equal(t, "", reader.fetchedHolder)
}

func TestBuildReport_FIFO(t *testing.T) {
	svc := newTestService(t, newMockVaultReader(), nil, config.VaultConfig{})

	r, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault, Method: types.MethodFIFO})
	require.NoError(t, err)

	a, ok := r.Row(alice)
	require.True(t, ok)
	assert.Equal(t, types.MethodFIFO, a.Method)
	// 20 shares sold at 1.10 against lots bought at 1.00
	assert.Equal(t, "2000000", a.RealizedPnL.Raw)
	assert.Equal(t, "20000000", a.UnrealizedPnL.Raw)
	assert.Equal(t, "22000000", a.TotalPnL.Raw)
	assert.Equal(t, "22.00", a.PnLPercentage)

	b, ok := r.Row(bob)
	require.True(t, ok)
	assert.Equal(t, "22000000", b.CostBasis.Raw)
	assert.Equal(t, "3000000", b.UnrealizedPnL.Raw)
}

func TestBuildReport_DefaultMethodIsAverage(t *testing.T) {
	svc := newTestService(t, newMockVaultReader(), nil, config.VaultConfig{})

	r, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault})
	require.NoError(t, err)
	assert.Equal(t, types.MethodAverage, r.Method)
}

func TestBuildReport_SingleHolder(t *testing.T) {
	reader := newMockVaultReader()
	svc := newTestService(t, reader, nil, config.VaultConfig{})

	r, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault, Holder: "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"})
	require.NoError(t, err)

	assert.Equal(t, bob, reader.fetchedHolder)
	assert.Equal(t, bob, r.Holder)
	require.Len(t, r.Holders, 1)
	assert.Equal(t, bob, r.Holders[0].Holder)
	assert.Equal(t, 1, r.EventCount)
}

func TestBuildReport_PriceFallback(t *testing.T) {
	reader := newMockVaultReader()
	reader.blockPrices = map[uint64]*big.Int{}
	svc := newTestService(t, reader, nil, config.VaultConfig{})

	r, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault, Method: types.MethodFIFO})
	require.NoError(t, err)

	assert.True(t, hasWarning(r, accounting.WarnPriceFallback))
	a, ok := r.Row(alice)
	require.True(t, ok)
	// valued at the current 1.25 instead
	assert.Equal(t, "5000000", a.RealizedPnL.Raw)
}

func TestBuildReport_OpenBreakerFallsBack(t *testing.T) {
	reader := newMockVaultReader()
	breaker := circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{Name: "test", MaxFailures: 1, Timeout: time.Hour})
	_ = breaker.Execute(context.Background(), func(ctx context.Context) error { return fmt.Errorf("boom") })
	require.Equal(t, circuitbreaker.StateOpen, breaker.GetState())

	svc, err := NewReportService(ReportServiceConfig{
		Network: "ethereum",
		Client:  reader,
		Breaker: breaker,
		Logger:  logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, &bytes.Buffer{}),
	})
	require.NoError(t, err)

	r, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault})
	require.NoError(t, err)
	assert.True(t, hasWarning(r, accounting.WarnPriceFallback))
}

func TestBuildReport_ExcludesSystemAddresses(t *testing.T) {
	reader := newMockVaultReader()
	reader.records = append(reader.records,
		types.RawLog{Kind: types.RawTransfer, Block: 25, TxID: "0xc0", LogIndex: 0, From: types.ZeroAddress, To: testMigrator, Shares: e6(10)},
		types.RawLog{Kind: types.RawTransfer, Block: 30, TxID: "0xc1", LogIndex: 0, From: testMigrator, To: carol, Shares: e6(10)},
	)
	reader.blockPrices[25] = big.NewInt(1_000_000)
	svc := newTestService(t, reader, nil, config.VaultConfig{MigratorAddresses: []string{testMigrator}})

	r, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault, Method: types.MethodFIFO})
	require.NoError(t, err)

	_, ok := r.Row(testMigrator)
	assert.False(t, ok)
	c, ok := r.Row(carol)
	require.True(t, ok)
	assert.Equal(t, "10000000", c.CostBasis.Raw)
}

func TestBuildReport_ExplicitRange(t *testing.T) {
	reader := newMockVaultReader()
	svc := newTestService(t, reader, nil, config.VaultConfig{DeploymentBlock: 7})

	_, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), reader.fetchedFrom)

	from, to := uint64(8), uint64(50)
	_, err = svc.BuildReport(context.Background(), ReportRequest{Vault: testVault, FromBlock: &from, ToBlock: &to})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), reader.fetchedFrom)
	assert.Equal(t, uint64(50), reader.fetchedTo)

	from = 60
	_, err = svc.BuildReport(context.Background(), ReportRequest{Vault: testVault, FromBlock: &from, ToBlock: &to})
	requireCode(t, err, "INVALID_PARAMETER")
}

func TestBuildReport_ValuesAtToBlock(t *testing.T) {
	reader := newMockVaultReader()
	reader.blockPrices[50] = big.NewInt(1_100_000)
	svc := newTestService(t, reader, nil, config.VaultConfig{})

	to := uint64(50)
	r, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault, ToBlock: &to})
	require.NoError(t, err)

	a, ok := r.Row(alice)
	require.True(t, ok)
	// 80 shares at 1.10, not the latest 1.25
	assert.Equal(t, "88000000", a.CurrentValue.Raw)
	assert.False(t, hasWarning(r, accounting.WarnPriceFallback))
}

func TestBuildReport_ToBlockWithoutStateFallsBack(t *testing.T) {
	reader := newMockVaultReader()
	svc := newTestService(t, reader, nil, config.VaultConfig{})

	to := uint64(60)
	r, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault, ToBlock: &to})
	require.NoError(t, err)

	assert.True(t, hasWarning(r, accounting.WarnPriceFallback))
	a, ok := r.Row(alice)
	require.True(t, ok)
	assert.Equal(t, "100000000", a.CurrentValue.Raw)
}

func TestBuildReport_SupplyMismatch(t *testing.T) {
	reader := newMockVaultReader()
	reader.supply = e6(90)
	svc := newTestService(t, reader, nil, config.VaultConfig{})
	ctx := context.Background()

	r, err := svc.BuildReport(ctx, ReportRequest{Vault: testVault})
	require.NoError(t, err)
	assert.True(t, hasWarning(r, accounting.WarnSupplyMismatch))

	// a partial history cannot be compared
	r, err = svc.BuildReport(ctx, ReportRequest{Vault: testVault, Holder: bob})
	require.NoError(t, err)
	assert.False(t, hasWarning(r, accounting.WarnSupplyMismatch))

	from := uint64(15)
	r, err = svc.BuildReport(ctx, ReportRequest{Vault: testVault, FromBlock: &from})
	require.NoError(t, err)
	assert.False(t, hasWarning(r, accounting.WarnSupplyMismatch))

	reader.supplyErr = fmt.Errorf("execution reverted")
	r, err = svc.BuildReport(ctx, ReportRequest{Vault: testVault})
	require.NoError(t, err)
	assert.False(t, hasWarning(r, accounting.WarnSupplyMismatch))
}

func TestBuildReport_DeploymentBlockNeedsArchive(t *testing.T) {
	reader := newMockVaultReader()
	reader.deployErr = fmt.Errorf("missing trie node abc")
	svc := newTestService(t, reader, nil, config.VaultConfig{})

	_, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), reader.fetchedFrom)
}

func TestBuildReport_InputErrors(t *testing.T) {
	reader := newMockVaultReader()
	svc := newTestService(t, reader, nil, config.VaultConfig{})
	ctx := context.Background()

	_, err := svc.BuildReport(ctx, ReportRequest{Vault: "0x123"})
	requireCode(t, err, "INVALID_ADDRESS")

	_, err = svc.BuildReport(ctx, ReportRequest{Vault: testVault, Holder: "nope"})
	requireCode(t, err, "INVALID_ADDRESS")

	_, err = svc.BuildReport(ctx, ReportRequest{Vault: testVault, Method: "lifo"})
	requireCode(t, err, "INVALID_METHOD")

	assert.Equal(t, 0, reader.priceCalls)
}

func TestBuildReport_NotAVault(t *testing.T) {
	reader := newMockVaultReader()
	reader.isContract = false
	svc := newTestService(t, reader, nil, config.VaultConfig{})

	_, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault})
	requireCode(t, err, "NOT_A_VAULT")
}

func TestBuildReport_FetchFailure(t *testing.T) {
	reader := newMockVaultReader()
	reader.fetchErr = &adapter.RangeError{FromBlock: 10, ToBlock: 20, Err: fmt.Errorf("query returned more than 10000 results")}
	svc := newTestService(t, reader, nil, config.VaultConfig{})

	_, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault})
	requireCode(t, err, "PROVIDER_ERROR")

	var rangeErr *adapter.RangeError
	assert.ErrorAs(t, err, &rangeErr)
}

func TestBuildReport_DuplicatesWarn(t *testing.T) {
	reader := newMockVaultReader()
	reader.records = append(reader.records, reader.records[1])
	svc := newTestService(t, reader, nil, config.VaultConfig{})

	r, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault})
	require.NoError(t, err)
	assert.True(t, hasWarning(r, accounting.WarnDuplicateLog))
}

func TestBuildReport_Idempotent(t *testing.T) {
	svc := newTestService(t, newMockVaultReader(), nil, config.VaultConfig{})

	first, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault, Method: types.MethodFIFO})
	require.NoError(t, err)
	second, err := svc.BuildReport(context.Background(), ReportRequest{Vault: testVault, Method: types.MethodFIFO})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBuildReport_SaveAndGet(t *testing.T) {
	repo := newMockReportRepository()
	svc := newTestService(t, newMockVaultReader(), repo, config.VaultConfig{})
	ctx := context.Background()

	r, err := svc.BuildReport(ctx, ReportRequest{Vault: testVault, Save: true})
	require.NoError(t, err)
	require.Equal(t, "report-1", r.ID)

	got, err := svc.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Vault, got.Vault)

	_, err = svc.GetReport(ctx, "missing")
	requireCode(t, err, "NOT_FOUND")

	repo.saveErr = fmt.Errorf("connection refused")
	_, err = svc.BuildReport(ctx, ReportRequest{Vault: testVault, Save: true})
	requireCode(t, err, "DATABASE_ERROR")
}

func TestGetReport_NoRepository(t *testing.T) {
	svc := newTestService(t, newMockVaultReader(), nil, config.VaultConfig{})
	_, err := svc.GetReport(context.Background(), "x")
	requireCode(t, err, "SERVICE_UNAVAILABLE")
}

func TestRegistry(t *testing.T) {
	eth := newTestService(t, newMockVaultReader(), nil, config.VaultConfig{})
	repo := newMockReportRepository()
	reg := NewRegistry("ethereum", repo, eth)

	svc, err := reg.For("")
	require.NoError(t, err)
	assert.Same(t, eth, svc)

	_, err = reg.For("base")
	requireCode(t, err, "UNSUPPORTED_NETWORK")
	assert.Equal(t, []string{"ethereum"}, reg.Networks())

	_, err = reg.GetReport(context.Background(), "missing")
	requireCode(t, err, "NOT_FOUND")
	r, err := reg.BuildReport(context.Background(), "", ReportRequest{Vault: testVault})
	require.NoError(t, err)
	assert.Equal(t, "ethereum", r.Network)

	_, err = reg.BuildReport(context.Background(), "base", ReportRequest{Vault: testVault})
	requireCode(t, err, "UNSUPPORTED_NETWORK")
}

func TestRegistry_ListAndDeleteReports(t *testing.T) {
	eth := newTestService(t, newMockVaultReader(), nil, config.VaultConfig{})
	repo := newMockReportRepository()
	reg := NewRegistry("ethereum", repo, eth)
	ctx := context.Background()

	saved := &report.Report{Network: "ethereum", Vault: testVault, Method: types.MethodFIFO}
	id, err := repo.Save(ctx, saved)
	require.NoError(t, err)

	summaries, err := reg.ListReports(ctx, "", testVault, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, id, summaries[0].ID)
	assert.Equal(t, types.MethodFIFO, summaries[0].Method)

	_, err = reg.ListReports(ctx, "", "0x123", 10)
	requireCode(t, err, "INVALID_ADDRESS")
	_, err = reg.ListReports(ctx, "base", testVault, 10)
	requireCode(t, err, "UNSUPPORTED_NETWORK")

	require.NoError(t, reg.DeleteReport(ctx, id))
	requireCode(t, reg.DeleteReport(ctx, id), "NOT_FOUND")

	summaries, err = reg.ListReports(ctx, "ethereum", testVault, 10)
	require.NoError(t, err)
	assert.Empty(t, summaries)

	noStorage := NewRegistry("ethereum", nil, eth)
	_, err = noStorage.ListReports(ctx, "", testVault, 10)
	requireCode(t, err, "SERVICE_UNAVAILABLE")
	requireCode(t, noStorage.DeleteReport(ctx, id), "SERVICE_UNAVAILABLE")
}
