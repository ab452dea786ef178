package service_test

import (
	"context"
	"flag"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinichq/clinic-backend/internal/pharmacy/events"
	"github.com/clinichq/clinic-backend/internal/pharmacy/repository"
	"github.com/clinichq/clinic-backend/internal/pharmacy/service"
	"github.com/clinichq/clinic-backend/pkg/actor"
	"github.com/clinichq/clinic-backend/pkg/database"
	"github.com/clinichq/clinic-backend/pkg/errors"
	"github.com/clinichq/clinic-backend/pkg/logger"
	"github.com/clinichq/clinic-backend/pkg/messaging"
	"github.com/clinichq/clinic-backend/pkg/permissions"
	"github.com/clinichq/clinic-backend/pkg/testutil"
)

var suite *testutil.IntegrationSuite

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	var err error
	suite, err = testutil.NewIntegrationSuite(ctx)
	if err != nil {
		log.Fatalf("failed to create integration suite: %v", err)
	}
	code := m.Run()
	testutil.TerminateContainer(ctx)
	os.Exit(code)
}

type testEnv struct {
	catalogue  *service.CatalogueService
	ledger     *service.LedgerService
	receiving  *service.ReceivingService
	dispensing *service.DispensingService
	reporting  *service.ReportingService
	publisher  *testutil.MockPublisher
}

func newTestEnv(db *database.DB) *testEnv {
	lg := logger.New("test", "development")
	mockPub := testutil.NewMockPublisher()
	pub := events.NewPharmacyEventPublisher(mockPub, lg)
	authz := permissions.NewGrantChecker()

	drugRepo := repository.NewDrugRepository(db)
	batchRepo := repository.NewBatchRepository(db)
	invRepo := repository.NewInventoryRepository(db)
	txRepo := repository.NewTransactionRepository(db)
	dispRepo := repository.NewDispensingRepository(db)
	stockRepo := repository.NewStockRepository(db)

	return &testEnv{
		catalogue:  service.NewCatalogueService(drugRepo, batchRepo, authz, lg),
		ledger:     service.NewLedgerService(db, invRepo, txRepo, authz, pub, lg),
		receiving:  service.NewReceivingService(db, drugRepo, batchRepo, invRepo, authz, pub, lg),
		dispensing: service.NewDispensingService(db, dispRepo, invRepo, batchRepo, authz, pub, lg),
		reporting:  service.NewReportingService(stockRepo, batchRepo, invRepo, authz, pub, lg),
		publisher:  mockPub,
	}
}

// grantedContext builds a context carrying an authenticated pharmacist with
// full pharmacy capabilities on the clinic.
func grantedContext(clinicID string) context.Context {
	ctx := permissions.WithGrants(context.Background(), permissions.ClinicGrants{
		clinicID: {"pharmacy.*"},
	})
	return actor.WithActor(ctx, &actor.Actor{
		ID:    uuid.New().String(),
		Name:  "Test Pharmacist",
		Email: "pharmacist@clinic.test",
	})
}

func readOnlyContext(clinicID string) context.Context {
	ctx := permissions.WithGrants(context.Background(), permissions.ClinicGrants{
		clinicID: {permissions.CapabilityReadInventory},
	})
	return actor.WithActor(ctx, &actor.Actor{
		ID:    uuid.New().String(),
		Name:  "Test Nurse",
		Email: "nurse@clinic.test",
	})
}

func setupDrug(t *testing.T, ctx context.Context, env *testEnv, name string) *repository.Drug {
	t.Helper()
	drug, err := env.catalogue.CreateDrug(ctx, service.DrugInput{
		GenericName: name,
		Form:        "tablet",
	})
	require.NoError(t, err)
	return drug
}

// syncTestBatch writes a batch through the sync path, bypassing receiving,
// so no inventory line exists for it yet.
func syncTestBatch(t *testing.T, ctx context.Context, drugID, batchNumber string, quantity int) *repository.DrugBatch {
	t.Helper()
	batchRepo := repository.NewBatchRepository(suite.DB)
	batch := &repository.DrugBatch{
		DrugID:            drugID,
		BatchNumber:       batchNumber,
		ExpiryDate:        time.Now().AddDate(1, 0, 0),
		QuantityReceived:  quantity,
		QuantityRemaining: quantity,
		ReceivedDate:      time.Now().UTC(),
	}
	require.NoError(t, batchRepo.UpsertUnchecked(ctx, batch))
	return batch
}

func TestReceiveReserveDispenseFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := newTestEnv(suite.DB)
	clinicID := uuid.New().String()
	ctx := grantedContext(clinicID)

	drug := setupDrug(t, ctx, env, "Paracetamol")

	// Receive 100 units.
	received, err := env.receiving.ReceiveBatch(ctx, service.ReceiveBatchInput{
		ClinicID:    clinicID,
		DrugID:      drug.ID,
		BatchNumber: "PCM-2026-01",
		ExpiryDate:  time.Now().AddDate(1, 0, 0),
		Quantity:    100,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, received.Entry.BalanceAfter)
	assert.Equal(t, 100, received.Batch.QuantityRemaining)

	batchID := received.Batch.ID

	// Reserve 30.
	line, err := env.ledger.ReserveQuantity(ctx, clinicID, drug.ID, batchID, 30)
	require.NoError(t, err)
	assert.Equal(t, 30, line.ReservedQuantity)

	// Dispense 20 outside the reservation.
	patientID := uuid.New().String()
	dispensed, err := env.dispensing.Dispense(ctx, service.DispenseInput{
		ClinicID:  clinicID,
		PatientID: patientID,
		DrugID:    drug.ID,
		BatchID:   batchID,
		Quantity:  20,
	})
	require.NoError(t, err)
	assert.Equal(t, 80, dispensed.Entry.BalanceAfter)

	// Final state: 80 available, 30 still reserved, two ledger entries.
	final, err := env.reporting.GetInventoryLine(ctx, clinicID, drug.ID, batchID)
	require.NoError(t, err)
	assert.Equal(t, 80, final.QuantityAvailable)
	assert.Equal(t, 30, final.ReservedQuantity)

	entries, total, err := env.ledger.GetTransactions(ctx, repository.TransactionFilter{
		ClinicID: clinicID,
		DrugID:   drug.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, entries, 2)
	assert.Equal(t, -20, entries[0].Quantity)
	assert.Equal(t, 80, entries[0].BalanceAfter)
	assert.Equal(t, 100, entries[1].Quantity)
	assert.Equal(t, 100, entries[1].BalanceAfter)

	// The dispense entry links back to the dispensing record.
	require.NotNil(t, entries[0].ReferenceType)
	assert.Equal(t, repository.ReferenceDispensingRecord, *entries[0].ReferenceType)
	require.NotNil(t, entries[0].ReferenceID)
	assert.Equal(t, dispensed.Record.ID, *entries[0].ReferenceID)

	env.publisher.AssertEventPublished(t, messaging.EventStockAdjusted)
	env.publisher.AssertEventPublished(t, messaging.EventStockReserved)
	env.publisher.AssertEventPublished(t, messaging.EventDispenseRecorded)
}

func TestDispense_ConsumesReservation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := newTestEnv(suite.DB)
	clinicID := uuid.New().String()
	ctx := grantedContext(clinicID)

	drug := setupDrug(t, ctx, env, "Amlodipine")
	received, err := env.receiving.ReceiveBatch(ctx, service.ReceiveBatchInput{
		ClinicID:    clinicID,
		DrugID:      drug.ID,
		BatchNumber: "AML-01",
		ExpiryDate:  time.Now().AddDate(1, 0, 0),
		Quantity:    50,
	})
	require.NoError(t, err)

	_, err = env.ledger.ReserveQuantity(ctx, clinicID, drug.ID, received.Batch.ID, 10)
	require.NoError(t, err)

	_, err = env.dispensing.Dispense(ctx, service.DispenseInput{
		ClinicID:           clinicID,
		PatientID:          uuid.New().String(),
		DrugID:             drug.ID,
		BatchID:            received.Batch.ID,
		Quantity:           10,
		ConsumeReservation: true,
	})
	require.NoError(t, err)

	line, err := env.reporting.GetInventoryLine(ctx, clinicID, drug.ID, received.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, line.QuantityAvailable)
	assert.Equal(t, 0, line.ReservedQuantity)
}

func TestPerformStockCount_MatchingCountWritesNoLedgerEntry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := newTestEnv(suite.DB)
	clinicID := uuid.New().String()
	ctx := grantedContext(clinicID)

	drug := setupDrug(t, ctx, env, "Losartan")
	received, err := env.receiving.ReceiveBatch(ctx, service.ReceiveBatchInput{
		ClinicID:    clinicID,
		DrugID:      drug.ID,
		BatchNumber: "LOS-01",
		ExpiryDate:  time.Now().AddDate(1, 0, 0),
		Quantity:    25,
	})
	require.NoError(t, err)

	result, err := env.ledger.PerformStockCount(ctx, service.StockCountInput{
		ClinicID:        clinicID,
		DrugID:          drug.ID,
		BatchID:         received.Batch.ID,
		CountedQuantity: 25,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Delta)
	assert.Nil(t, result.Adjustment)
	require.NotNil(t, result.Line.LastCountedAt)

	// Only the receipt is in the ledger.
	_, total, err := env.ledger.GetTransactions(ctx, repository.TransactionFilter{
		ClinicID: clinicID,
		DrugID:   drug.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestPerformStockCount_DiscrepancyBecomesAdjustment(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := newTestEnv(suite.DB)
	clinicID := uuid.New().String()
	ctx := grantedContext(clinicID)

	drug := setupDrug(t, ctx, env, "Atorvastatin")
	received, err := env.receiving.ReceiveBatch(ctx, service.ReceiveBatchInput{
		ClinicID:    clinicID,
		DrugID:      drug.ID,
		BatchNumber: "ATO-01",
		ExpiryDate:  time.Now().AddDate(1, 0, 0),
		Quantity:    30,
	})
	require.NoError(t, err)

	reason := "annual count, two blisters missing"
	result, err := env.ledger.PerformStockCount(ctx, service.StockCountInput{
		ClinicID:        clinicID,
		DrugID:          drug.ID,
		BatchID:         received.Batch.ID,
		CountedQuantity: 28,
		Reason:          &reason,
	})
	require.NoError(t, err)
	assert.Equal(t, -2, result.Delta)
	require.NotNil(t, result.Adjustment)
	assert.Equal(t, repository.TransactionAdjustment, result.Adjustment.Type)
	assert.Equal(t, 28, result.Adjustment.BalanceAfter)
	assert.Equal(t, 28, result.Line.QuantityAvailable)
}

func TestPerformStockCount_FirstCountBooksCountedQuantity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := newTestEnv(suite.DB)
	clinicID := uuid.New().String()
	ctx := grantedContext(clinicID)

	drug := setupDrug(t, ctx, env, "Ranitidine")
	batch := syncTestBatch(t, ctx, drug.ID, "RAN-01", 12)

	// No inventory line exists yet; the count creates one.
	result, err := env.ledger.PerformStockCount(ctx, service.StockCountInput{
		ClinicID:        clinicID,
		DrugID:          drug.ID,
		BatchID:         batch.ID,
		CountedQuantity: 12,
	})
	require.NoError(t, err)
	assert.Equal(t, 12, result.Delta)
	require.NotNil(t, result.Adjustment)
	assert.Equal(t, 12, result.Adjustment.BalanceAfter)
	assert.Equal(t, 12, result.Line.QuantityAvailable)
	assert.NotNil(t, result.Line.LastCountedAt)
}

func TestPerformStockCount_ConcurrentChangesDoNotSkewDelta(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := newTestEnv(suite.DB)
	clinicID := uuid.New().String()
	ctx := grantedContext(clinicID)

	drug := setupDrug(t, ctx, env, "Metoprolol")
	received, err := env.receiving.ReceiveBatch(ctx, service.ReceiveBatchInput{
		ClinicID:    clinicID,
		DrugID:      drug.ID,
		BatchNumber: "MET-01",
		ExpiryDate:  time.Now().AddDate(1, 0, 0),
		Quantity:    100,
	})
	require.NoError(t, err)

	// Counts and dispenses race on the same line. Each count reads the
	// balance under the row lock, so its adjustment must land exactly on
	// the counted quantity no matter what commits around it.
	counted := []int{90, 80, 70, 60}
	const dispensers = 4
	results := make([]*service.StockCountResult, len(counted))
	errs := make([]error, len(counted)+dispensers)

	var wg sync.WaitGroup
	for i, qty := range counted {
		wg.Add(1)
		go func(i, qty int) {
			defer wg.Done()
			results[i], errs[i] = env.ledger.PerformStockCount(ctx, service.StockCountInput{
				ClinicID:        clinicID,
				DrugID:          drug.ID,
				BatchID:         received.Batch.ID,
				CountedQuantity: qty,
			})
		}(i, qty)
	}
	for i := 0; i < dispensers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[len(counted)+i] = env.ledger.UpdateQuantity(ctx, service.QuantityChangeInput{
				ClinicID: clinicID,
				DrugID:   drug.ID,
				BatchID:  received.Batch.ID,
				Type:     repository.TransactionDispensed,
				Quantity: -3,
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	for i, res := range results {
		require.NotNil(t, res)
		if res.Adjustment != nil {
			assert.Equal(t, counted[i], res.Adjustment.BalanceAfter,
				"count of %d must rebase the balance onto the counted quantity", counted[i])
		}
	}
}

func TestUpdateQuantity_OverwritesReservationWhenAsked(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := newTestEnv(suite.DB)
	clinicID := uuid.New().String()
	ctx := grantedContext(clinicID)

	drug := setupDrug(t, ctx, env, "Tramadol")
	received, err := env.receiving.ReceiveBatch(ctx, service.ReceiveBatchInput{
		ClinicID:    clinicID,
		DrugID:      drug.ID,
		BatchNumber: "TRA-01",
		ExpiryDate:  time.Now().AddDate(1, 0, 0),
		Quantity:    50,
	})
	require.NoError(t, err)

	_, err = env.ledger.ReserveQuantity(ctx, clinicID, drug.ID, received.Batch.ID, 15)
	require.NoError(t, err)

	hold := 4
	_, err = env.ledger.UpdateQuantity(ctx, service.QuantityChangeInput{
		ClinicID:    clinicID,
		DrugID:      drug.ID,
		BatchID:     received.Batch.ID,
		Type:        repository.TransactionDispensed,
		Quantity:    -11,
		SetReserved: &hold,
	})
	require.NoError(t, err)

	line, err := env.reporting.GetInventoryLine(ctx, clinicID, drug.ID, received.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 39, line.QuantityAvailable)
	assert.Equal(t, 4, line.ReservedQuantity)
}

func TestReceiveBatch_RepeatDeliveryAccumulates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := newTestEnv(suite.DB)
	clinicID := uuid.New().String()
	ctx := grantedContext(clinicID)

	drug := setupDrug(t, ctx, env, "Azithromycin")

	input := service.ReceiveBatchInput{
		ClinicID:    clinicID,
		DrugID:      drug.ID,
		BatchNumber: "AZI-01",
		ExpiryDate:  time.Now().AddDate(1, 0, 0),
		Quantity:    60,
	}

	first, err := env.receiving.ReceiveBatch(ctx, input)
	require.NoError(t, err)

	input.Quantity = 40
	second, err := env.receiving.ReceiveBatch(ctx, input)
	require.NoError(t, err)

	// Same batch row, accumulated quantities, two ledger entries.
	assert.Equal(t, first.Batch.ID, second.Batch.ID)
	assert.Equal(t, 100, second.Batch.QuantityReceived)
	assert.Equal(t, 100, second.Batch.QuantityRemaining)
	assert.Equal(t, 100, second.Entry.BalanceAfter)
}

func TestMutations_DeniedWithoutManagingGrant(t *testing.T) {
	// Pure permission plumbing, no database round trips expected.
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	env := newTestEnv(mockDB.DB)
	clinicID := uuid.New().String()
	ctx := readOnlyContext(clinicID)

	_, err := env.ledger.UpdateQuantity(ctx, service.QuantityChangeInput{
		ClinicID: clinicID,
		DrugID:   uuid.New().String(),
		BatchID:  uuid.New().String(),
		Type:     repository.TransactionAdjustment,
		Quantity: 5,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	_, err = env.ledger.PerformStockCount(ctx, service.StockCountInput{
		ClinicID:        clinicID,
		DrugID:          uuid.New().String(),
		BatchID:         uuid.New().String(),
		CountedQuantity: 1,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	_, err = env.receiving.ReceiveBatch(ctx, service.ReceiveBatchInput{
		ClinicID:    clinicID,
		DrugID:      uuid.New().String(),
		BatchNumber: "X-1",
		ExpiryDate:  time.Now().AddDate(1, 0, 0),
		Quantity:    10,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	// A denied mutation must not have touched the database at all.
	mockDB.ExpectationsWereMet(t)
	env.publisher.AssertNoEventsPublished(t)
}

func TestMutations_DeniedWithoutAnyCredentials(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	env := newTestEnv(mockDB.DB)

	_, err := env.ledger.ReserveQuantity(context.Background(), uuid.New().String(), uuid.New().String(), uuid.New().String(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	mockDB.ExpectationsWereMet(t)
}

func TestUpdateQuantity_ZeroQuantityRejected(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	env := newTestEnv(mockDB.DB)
	clinicID := uuid.New().String()
	ctx := grantedContext(clinicID)

	_, err := env.ledger.UpdateQuantity(ctx, service.QuantityChangeInput{
		ClinicID: clinicID,
		DrugID:   uuid.New().String(),
		BatchID:  uuid.New().String(),
		Type:     repository.TransactionAdjustment,
		Quantity: 0,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBadRequest))

	mockDB.ExpectationsWereMet(t)
}
