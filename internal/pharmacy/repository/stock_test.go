package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinichq/clinic-backend/internal/pharmacy/repository"
)

func overviewDrugIDs(rows []repository.StockOverviewRow) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.DrugID)
	}
	return ids
}

func TestStockOverview_ExcludesInactiveDrugs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	clinicID := uuid.New().String()
	stockRepo := repository.NewStockRepository(suite.DB)

	active := createTestDrug(t, ctx, "Amoxicillin")
	inactive := &repository.Drug{
		GenericName: "Phenacetin",
		Form:        "tablet",
		IsActive:    false,
	}
	require.NoError(t, repository.NewDrugRepository(suite.DB).Create(ctx, inactive))

	expiry := time.Now().AddDate(1, 0, 0)
	activeBatch := receiveTestBatch(t, ctx, active.ID, "AMX-01", 20, expiry)
	inactiveBatch := receiveTestBatch(t, ctx, inactive.ID, "PHE-01", 20, expiry)
	applyChange(t, ctx, clinicID, active, activeBatch, repository.TransactionReceived, 20)
	applyChange(t, ctx, clinicID, inactive, inactiveBatch, repository.TransactionReceived, 20)

	rows, err := stockRepo.Overview(ctx, clinicID, repository.StockOverviewFilter{})
	require.NoError(t, err)
	ids := overviewDrugIDs(rows)
	assert.Contains(t, ids, active.ID)
	assert.NotContains(t, ids, inactive.ID)
}

func TestStockOverview_NegativeBalancesShowByDefault(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	clinicID := uuid.New().String()
	stockRepo := repository.NewStockRepository(suite.DB)

	drug := createTestDrug(t, ctx, "Salbutamol")
	batch := receiveTestBatch(t, ctx, drug.ID, "SAL-01", 5, time.Now().AddDate(1, 0, 0))

	// Dispensing past zero leaves a negative balance, which must stay
	// visible in the default view so someone reconciles it.
	applyChange(t, ctx, clinicID, drug, batch, repository.TransactionReceived, 5)
	applyChange(t, ctx, clinicID, drug, batch, repository.TransactionDispensed, -8)

	rows, err := stockRepo.Overview(ctx, clinicID, repository.StockOverviewFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, -3, rows[0].TotalAvailable)
}
