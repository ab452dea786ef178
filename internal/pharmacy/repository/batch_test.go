package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinichq/clinic-backend/internal/pharmacy/repository"
)

// syncBatch writes a batch through the sync path so quantity_remaining is
// populated without ledger entries.
func syncBatch(t *testing.T, ctx context.Context, drugID, batchNumber string, quantity int, expiry time.Time) *repository.DrugBatch {
	t.Helper()
	batchRepo := repository.NewBatchRepository(suite.DB)
	batch := &repository.DrugBatch{
		DrugID:            drugID,
		BatchNumber:       batchNumber,
		ExpiryDate:        expiry,
		QuantityReceived:  quantity,
		QuantityRemaining: quantity,
		ReceivedDate:      time.Now().UTC(),
	}
	require.NoError(t, batchRepo.UpsertUnchecked(ctx, batch))
	return batch
}

func TestBatchReceive_SameBatchNumberAccumulates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	drug := createTestDrug(t, ctx, "Doxycycline")
	batchRepo := repository.NewBatchRepository(suite.DB)

	expiry := time.Now().AddDate(1, 0, 0)
	first := receiveTestBatch(t, ctx, drug.ID, "DOX-01", 60, expiry)
	second := receiveTestBatch(t, ctx, drug.ID, "DOX-01", 40, expiry.AddDate(0, 1, 0))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 100, second.QuantityReceived)

	// The later delivery's expiry wins.
	stored, err := batchRepo.GetByBatchNumber(ctx, drug.ID, "DOX-01")
	require.NoError(t, err)
	assert.Equal(t, expiry.AddDate(0, 1, 0).Format("2006-01-02"), stored.ExpiryDate.Format("2006-01-02"))
}

func TestBatchExpiry_BoundaryIsSymmetric(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	drug := createTestDrug(t, ctx, "Insulin Glargine")
	batchRepo := repository.NewBatchRepository(suite.DB)

	today := time.Now().UTC().Truncate(24 * time.Hour)
	expiringToday := syncBatch(t, ctx, drug.ID, "INS-TODAY", 10, today)
	expiredYesterday := syncBatch(t, ctx, drug.ID, "INS-PAST", 10, today.AddDate(0, 0, -1))
	farFuture := syncBatch(t, ctx, drug.ID, "INS-FUTURE", 10, today.AddDate(1, 0, 0))

	expiring, err := batchRepo.Expiring(ctx, 30, "")
	require.NoError(t, err)
	expiringIDs := batchIDs(expiring)
	// Expiring today is still usable; expired and far-future batches are not
	// in the window.
	assert.Contains(t, expiringIDs, expiringToday.ID)
	assert.NotContains(t, expiringIDs, expiredYesterday.ID)
	assert.NotContains(t, expiringIDs, farFuture.ID)

	expired, err := batchRepo.Expired(ctx, "")
	require.NoError(t, err)
	expiredIDs := batchIDs(expired)
	assert.Contains(t, expiredIDs, expiredYesterday.ID)
	assert.NotContains(t, expiredIDs, expiringToday.ID)
}

func TestBatchExpiring_SkipsQuarantinedAndEmpty(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	drug := createTestDrug(t, ctx, "Enoxaparin")
	batchRepo := repository.NewBatchRepository(suite.DB)

	soon := time.Now().UTC().AddDate(0, 0, 10)
	quarantined := syncBatch(t, ctx, drug.ID, "ENX-Q", 10, soon)
	empty := syncBatch(t, ctx, drug.ID, "ENX-E", 0, soon)
	usable := syncBatch(t, ctx, drug.ID, "ENX-U", 10, soon)
	pastQuarantined := syncBatch(t, ctx, drug.ID, "ENX-PQ", 10, time.Now().UTC().AddDate(0, 0, -5))

	_, err := batchRepo.SetQuarantine(ctx, quarantined.ID, true, "damaged cold chain", "")
	require.NoError(t, err)
	_, err = batchRepo.SetQuarantine(ctx, pastQuarantined.ID, true, "damaged cold chain", "")
	require.NoError(t, err)

	expiring, err := batchRepo.Expiring(ctx, 30, "")
	require.NoError(t, err)
	ids := batchIDs(expiring)
	assert.Contains(t, ids, usable.ID)
	assert.NotContains(t, ids, quarantined.ID)
	assert.NotContains(t, ids, empty.ID)

	// The expired report filters the same way.
	expired, err := batchRepo.Expired(ctx, "")
	require.NoError(t, err)
	assert.NotContains(t, batchIDs(expired), pastQuarantined.ID)
}

func TestBatchExpiry_ClinicFilterNarrowsToHeldStock(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	drug := createTestDrug(t, ctx, "Vancomycin")
	batchRepo := repository.NewBatchRepository(suite.DB)

	holdingClinic := uuid.New().String()
	emptyClinic := uuid.New().String()

	soon := syncBatch(t, ctx, drug.ID, "VAN-SOON", 10, time.Now().UTC().AddDate(0, 0, 10))
	past := syncBatch(t, ctx, drug.ID, "VAN-PAST", 10, time.Now().UTC().AddDate(0, 0, -10))
	applyChange(t, ctx, holdingClinic, drug, soon, repository.TransactionReceived, 8)
	applyChange(t, ctx, holdingClinic, drug, past, repository.TransactionReceived, 8)

	// The clinic with stock sees the batch; a clinic holding nothing does not.
	expiring, err := batchRepo.Expiring(ctx, 30, holdingClinic)
	require.NoError(t, err)
	assert.Contains(t, batchIDs(expiring), soon.ID)

	expiring, err = batchRepo.Expiring(ctx, 30, emptyClinic)
	require.NoError(t, err)
	assert.NotContains(t, batchIDs(expiring), soon.ID)

	expired, err := batchRepo.Expired(ctx, holdingClinic)
	require.NoError(t, err)
	assert.Contains(t, batchIDs(expired), past.ID)

	expired, err = batchRepo.Expired(ctx, emptyClinic)
	require.NoError(t, err)
	assert.NotContains(t, batchIDs(expired), past.ID)
}

func TestSyncUpsert_RedeliveredSnapshotDoesNotDoubleCount(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	drug := createTestDrug(t, ctx, "Rifampicin")
	batchRepo := repository.NewBatchRepository(suite.DB)

	expiry := time.Now().UTC().AddDate(1, 0, 0)
	syncBatch(t, ctx, drug.ID, "RIF-01", 60, expiry)
	// The broker redelivers the same event after a consumer requeue.
	replayed := syncBatch(t, ctx, drug.ID, "RIF-01", 60, expiry)

	assert.Equal(t, 60, replayed.QuantityReceived)
	assert.Equal(t, 60, replayed.QuantityRemaining)

	stored, err := batchRepo.GetByBatchNumber(ctx, drug.ID, "RIF-01")
	require.NoError(t, err)
	assert.Equal(t, 60, stored.QuantityReceived)
	assert.Equal(t, 60, stored.QuantityRemaining)
}

func TestBatchQuarantine_TogglesAndRecordsMetadata(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	drug := createTestDrug(t, ctx, "Heparin")
	batchRepo := repository.NewBatchRepository(suite.DB)

	batch := syncBatch(t, ctx, drug.ID, "HEP-01", 5, time.Now().AddDate(0, 6, 0))

	quarantined, err := batchRepo.SetQuarantine(ctx, batch.ID, true, "visible particles", "qa-user")
	require.NoError(t, err)
	assert.True(t, quarantined.IsQuarantined)
	assert.Contains(t, string(quarantined.Metadata), "quarantine_info")
	assert.Contains(t, string(quarantined.Metadata), "visible particles")

	released, err := batchRepo.SetQuarantine(ctx, batch.ID, false, "lab cleared the lot", "qa-user")
	require.NoError(t, err)
	assert.False(t, released.IsQuarantined)
	assert.Contains(t, string(released.Metadata), "release_info")
}

func TestStockValuation_SumsPricedStock(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	drug := createTestDrug(t, ctx, "Ceftriaxone")
	batchRepo := repository.NewBatchRepository(suite.DB)

	price := decimal.RequireFromString("2.50")
	priced := &repository.DrugBatch{
		DrugID:            drug.ID,
		BatchNumber:       "CEF-P",
		ExpiryDate:        time.Now().AddDate(1, 0, 0),
		QuantityReceived:  40,
		QuantityRemaining: 40,
		PurchasePrice:     &price,
		ReceivedDate:      time.Now().UTC(),
	}
	require.NoError(t, batchRepo.UpsertUnchecked(ctx, priced))

	// Unpriced stock contributes zero value rather than failing the report.
	syncBatch(t, ctx, drug.ID, "CEF-U", 99, time.Now().AddDate(1, 0, 0))

	report, err := batchRepo.StockValuation(ctx, drug.ID)
	require.NoError(t, err)
	assert.True(t, report.TotalValue.Equal(decimal.RequireFromString("100")),
		"expected value 100, got %s", report.TotalValue)
	assert.Equal(t, 139, report.TotalQuantity)
	assert.Equal(t, 2, report.BatchCount)
}

func batchIDs(batches []repository.ExpiringBatch) []string {
	ids := make([]string, 0, len(batches))
	for _, b := range batches {
		ids = append(ids, b.ID)
	}
	return ids
}
