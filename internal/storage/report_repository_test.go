package storage

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vault-pnl/internal/accounting"
	apperrors "github.com/vault-pnl/internal/errors"
	"github.com/vault-pnl/internal/report"
	"github.com/vault-pnl/internal/types"
)

func sampleReport(vault string) *report.Report {
	result := accounting.ComputePnL(accounting.Basis{
		Holder:             "0x00000000000000000000000000000000000000aa",
		Method:             types.MethodAverage,
		SharesHeld:         big.NewInt(500_000),
		SharesAcquired:     big.NewInt(1_000_000),
		SharesDisposed:     big.NewInt(500_000),
		TotalDeposited:     big.NewInt(1_000_000),
		TotalWithdrawn:     big.NewInt(600_000),
		TotalInvested:      big.NewInt(1_000_000),
		RealizedPnL:        big.NewInt(100_000),
		RemainingCostBasis: big.NewInt(500_000),
	}, big.NewInt(650_000), 6, 6)

	return report.Build(report.Params{
		Network:       "ethereum",
		Vault:         vault,
		Asset:         "0x00000000000000000000000000000000000000cc",
		AssetDecimals: 6,
		ShareDecimals: 6,
		Method:        types.MethodAverage,
		FromBlock:     100,
		ToBlock:       300,
		EventCount:    4,
		GeneratedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Warnings: []accounting.Warning{
			{Code: accounting.WarnPriceFallback, Block: 200, Message: "fallback"},
		},
	}, []accounting.PnLResult{result})
}

func TestReportRepository_SaveAndGet(t *testing.T) {
	db := openTestDB(t)
	repo := NewReportRepository(db)
	ctx := testContext(t)

	vault := "0x" + uuid.New().String()[:8] + "00000000000000000000000000000000"
	rep := sampleReport(vault)

	id, err := repo.Save(ctx, rep)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Delete(testContext(t), id) })

	got, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, rep.Vault, got.Vault)
	assert.Equal(t, rep.Aggregate, got.Aggregate)
	require.Len(t, got.Holders, 1)
	assert.Equal(t, "250000", got.Holders[0].TotalPnL.Raw)
	assert.Len(t, got.Warnings, 1)

	summaries, err := repo.ListByVault(ctx, "ethereum", vault, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, id, summaries[0].ID)
	assert.Equal(t, uint64(300), summaries[0].ToBlock)
	assert.Equal(t, 1, summaries[0].WarningCount)
}

func TestReportRepository_GetByIDNotFound(t *testing.T) {
	db := openTestDB(t)
	repo := NewReportRepository(db)

	_, err := repo.GetByID(testContext(t), uuid.New().String())
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.Categorize(err).Category)
}

func TestReportRepository_GetByIDRejectsMalformedID(t *testing.T) {
	repo := NewReportRepository(&PostgresDB{})

	_, err := repo.GetByID(testContext(t), "not-a-uuid")
	require.Error(t, err)
	assert.True(t, apperrors.IsUserError(err))

	err = repo.Delete(testContext(t), "not-a-uuid")
	require.Error(t, err)
	assert.True(t, apperrors.IsUserError(err))
}

func TestReportRepository_Delete(t *testing.T) {
	db := openTestDB(t)
	repo := NewReportRepository(db)
	ctx := testContext(t)

	id, err := repo.Save(ctx, sampleReport("0x"+uuid.New().String()[:8]+"00000000000000000000000000000000"))
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, id))

	_, err = repo.GetByID(ctx, id)
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.Categorize(err).Category)
	err = repo.Delete(ctx, id)
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.Categorize(err).Category)
}
