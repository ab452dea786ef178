package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clinichq/clinic-backend/internal/pharmacy/events"
	"github.com/clinichq/clinic-backend/internal/pharmacy/repository"
	"github.com/clinichq/clinic-backend/pkg/database"
	"github.com/clinichq/clinic-backend/pkg/errors"
	"github.com/clinichq/clinic-backend/pkg/logger"
	"github.com/clinichq/clinic-backend/pkg/messaging"
	"github.com/clinichq/clinic-backend/pkg/permissions"
)

// ReceiveBatchInput describes a delivery arriving at a clinic
type ReceiveBatchInput struct {
	ClinicID        string           `json:"clinic_id" validate:"required,uuid"`
	DrugID          string           `json:"drug_id" validate:"required,uuid"`
	BatchNumber     string           `json:"batch_number" validate:"required,min=1,max=100"`
	ExpiryDate      time.Time        `json:"expiry_date" validate:"required"`
	ManufactureDate *time.Time       `json:"manufacture_date,omitempty"`
	Quantity        int              `json:"quantity" validate:"required,gt=0"`
	SupplierName    *string          `json:"supplier_name,omitempty"`
	PurchasePrice   *decimal.Decimal `json:"purchase_price,omitempty"`
	ReceivedDate    *time.Time       `json:"received_date,omitempty"`
}

// ReceiveBatchResult carries the batch and the ledger entry a receipt produced
type ReceiveBatchResult struct {
	Batch *repository.DrugBatch            `json:"batch"`
	Entry *repository.InventoryTransaction `json:"transaction"`
}

// ReceivingService books incoming deliveries. A receipt writes the batch
// record and the clinic's ledger in one transaction.
type ReceivingService struct {
	db            *database.DB
	drugRepo      *repository.DrugRepository
	batchRepo     *repository.BatchRepository
	inventoryRepo *repository.InventoryRepository
	authz         permissions.ClinicAuthorizer
	publisher     *events.PharmacyEventPublisher
	logger        *logger.Logger
}

// NewReceivingService creates a new receiving service
func NewReceivingService(
	db *database.DB,
	drugRepo *repository.DrugRepository,
	batchRepo *repository.BatchRepository,
	inventoryRepo *repository.InventoryRepository,
	authz permissions.ClinicAuthorizer,
	publisher *events.PharmacyEventPublisher,
	log *logger.Logger,
) *ReceivingService {
	return &ReceivingService{
		db:            db,
		drugRepo:      drugRepo,
		batchRepo:     batchRepo,
		inventoryRepo: inventoryRepo,
		authz:         authz,
		publisher:     publisher,
		logger:        log,
	}
}

// ReceiveBatch records a delivery. Receiving an already known (drug, batch
// number) pair adds to its quantities, so split deliveries of one batch
// accumulate instead of erroring. The clinic balance and ledger entry commit
// together with the batch row.
func (s *ReceivingService) ReceiveBatch(ctx context.Context, input ReceiveBatchInput) (*ReceiveBatchResult, error) {
	if err := s.authz.AuthorizeClinic(ctx, input.ClinicID, permissions.CapabilityManageInventory); err != nil {
		return nil, err
	}

	drug, err := s.drugRepo.GetByID(ctx, input.DrugID)
	if err != nil {
		return nil, err
	}
	if !drug.IsActive {
		return nil, errors.BadRequest("drug is inactive")
	}

	batch := &repository.DrugBatch{
		DrugID:           input.DrugID,
		BatchNumber:      input.BatchNumber,
		ExpiryDate:       input.ExpiryDate,
		ManufactureDate:  input.ManufactureDate,
		QuantityReceived: input.Quantity,
		SupplierName:     input.SupplierName,
		PurchasePrice:    input.PurchasePrice,
	}
	if input.ReceivedDate != nil {
		batch.ReceivedDate = *input.ReceivedDate
	}

	result := &ReceiveBatchResult{}

	err = s.db.Transaction(ctx, func(ctx context.Context) error {
		if err := s.batchRepo.Receive(ctx, batch); err != nil {
			return err
		}

		entry, err := s.inventoryRepo.ApplyQuantityChange(ctx, repository.QuantityChange{
			ClinicID:    input.ClinicID,
			DrugID:      input.DrugID,
			BatchID:     batch.ID,
			Type:        repository.TransactionReceived,
			Quantity:    input.Quantity,
			PerformedBy: performedByFromContext(ctx),
		})
		if err != nil {
			return err
		}
		result.Entry = entry

		updated, err := s.batchRepo.GetByID(ctx, batch.ID)
		if err != nil {
			return err
		}
		result.Batch = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("clinic_id", input.ClinicID).
		Str("drug_id", input.DrugID).
		Str("batch_number", input.BatchNumber).
		Int("quantity", input.Quantity).
		Msg("batch received")

	s.publisher.StockAdjusted(ctx, messaging.StockAdjustedEvent{
		ClinicID:     result.Entry.ClinicID,
		DrugID:       result.Entry.DrugID,
		BatchID:      batch.ID,
		Type:         result.Entry.Type,
		Quantity:     result.Entry.Quantity,
		BalanceAfter: result.Entry.BalanceAfter,
	})

	return result, nil
}

// QuarantineBatch pulls a batch from circulation. Quarantined stock still
// counts in balances; it is excluded from expiry reporting and flagged in
// stock overviews so staff stop dispensing from it.
func (s *ReceivingService) QuarantineBatch(ctx context.Context, batchID, reason string) (*repository.DrugBatch, error) {
	if err := s.requireAnyClinic(ctx, permissions.CapabilityManageInventory); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, errors.BadRequest("quarantine reason is required")
	}

	return s.setQuarantine(ctx, batchID, true, reason)
}

// ReleaseBatchQuarantine returns a quarantined batch to circulation
func (s *ReceivingService) ReleaseBatchQuarantine(ctx context.Context, batchID, reason string) (*repository.DrugBatch, error) {
	if err := s.requireAnyClinic(ctx, permissions.CapabilityManageInventory); err != nil {
		return nil, err
	}

	return s.setQuarantine(ctx, batchID, false, reason)
}

func (s *ReceivingService) setQuarantine(ctx context.Context, batchID string, quarantined bool, reason string) (*repository.DrugBatch, error) {
	performedBy := ""
	if id := performedByFromContext(ctx); id != nil {
		performedBy = *id
	}

	batch, err := s.batchRepo.SetQuarantine(ctx, batchID, quarantined, reason, performedBy)
	if err != nil {
		return nil, err
	}

	s.publisher.BatchQuarantined(ctx, messaging.BatchQuarantinedEvent{
		BatchID:     batch.ID,
		DrugID:      batch.DrugID,
		BatchNumber: batch.BatchNumber,
		Quarantined: quarantined,
		Reason:      reason,
		PerformedBy: performedBy,
	})

	return batch, nil
}

// requireAnyClinic checks the capability is granted for at least one clinic.
// Batch state is shared across clinics, so any managing grant suffices.
func (s *ReceivingService) requireAnyClinic(ctx context.Context, capability string) error {
	if len(s.authz.ClinicIDsWithCapability(ctx, capability)) == 0 {
		return errors.Forbidden("missing " + capability + " capability")
	}
	return nil
}
