package service

import (
	"context"
	"time"

	"github.com/clinichq/clinic-backend/internal/pharmacy/events"
	"github.com/clinichq/clinic-backend/internal/pharmacy/repository"
	"github.com/clinichq/clinic-backend/pkg/database"
	"github.com/clinichq/clinic-backend/pkg/errors"
	"github.com/clinichq/clinic-backend/pkg/logger"
	"github.com/clinichq/clinic-backend/pkg/messaging"
	"github.com/clinichq/clinic-backend/pkg/permissions"
)

// DispenseInput documents medication handed to a patient
type DispenseInput struct {
	ClinicID           string     `json:"clinic_id" validate:"required,uuid"`
	PatientID          string     `json:"patient_id" validate:"required,uuid"`
	DrugID             string     `json:"drug_id" validate:"required,uuid"`
	BatchID            string     `json:"batch_id" validate:"required,uuid"`
	PrescriptionItemID *string    `json:"prescription_item_id,omitempty" validate:"omitempty,uuid"`
	Quantity           int        `json:"quantity" validate:"required,gt=0"`
	DispensedAt        *time.Time `json:"dispensed_at,omitempty"`
	Notes              *string    `json:"notes,omitempty"`

	// ConsumeReservation releases the same quantity from the line's hold,
	// for dispenses that fulfil a prior reservation.
	ConsumeReservation bool `json:"consume_reservation"`
}

// DispenseResult carries the record and the ledger entry a dispense produced
type DispenseResult struct {
	Record *repository.DispensingRecord     `json:"record"`
	Entry  *repository.InventoryTransaction `json:"transaction"`
}

// DispensingService hands stock to patients. A dispense writes the
// dispensing record, the ledger decrement, and optionally the reservation
// release in one transaction.
type DispensingService struct {
	db             *database.DB
	dispensingRepo *repository.DispensingRepository
	inventoryRepo  *repository.InventoryRepository
	batchRepo      *repository.BatchRepository
	authz          permissions.ClinicAuthorizer
	publisher      *events.PharmacyEventPublisher
	logger         *logger.Logger
}

// NewDispensingService creates a new dispensing service
func NewDispensingService(
	db *database.DB,
	dispensingRepo *repository.DispensingRepository,
	inventoryRepo *repository.InventoryRepository,
	batchRepo *repository.BatchRepository,
	authz permissions.ClinicAuthorizer,
	publisher *events.PharmacyEventPublisher,
	log *logger.Logger,
) *DispensingService {
	return &DispensingService{
		db:             db,
		dispensingRepo: dispensingRepo,
		inventoryRepo:  inventoryRepo,
		batchRepo:      batchRepo,
		authz:          authz,
		publisher:      publisher,
		logger:         log,
	}
}

// Dispense records medication handed to a patient and decrements the ledger.
// The decrement is tolerated even past zero; the pharmacist has already
// handed over the drug, so the books must follow reality. Dispensing from a
// quarantined batch is refused.
func (s *DispensingService) Dispense(ctx context.Context, input DispenseInput) (*DispenseResult, error) {
	if err := s.authz.AuthorizeClinic(ctx, input.ClinicID, permissions.CapabilityDispense); err != nil {
		return nil, err
	}

	batch, err := s.batchRepo.GetByID(ctx, input.BatchID)
	if err != nil {
		return nil, err
	}
	if batch.IsQuarantined {
		return nil, errors.Conflict("batch is quarantined")
	}

	dispensedBy := ""
	if id := performedByFromContext(ctx); id != nil {
		dispensedBy = *id
	}
	if dispensedBy == "" {
		return nil, errors.Unauthorized("dispensing requires an authenticated user")
	}

	record := &repository.DispensingRecord{
		ClinicID:           input.ClinicID,
		PatientID:          input.PatientID,
		DrugID:             input.DrugID,
		BatchID:            &input.BatchID,
		PrescriptionItemID: input.PrescriptionItemID,
		Quantity:           input.Quantity,
		DispensedBy:        dispensedBy,
		Notes:              input.Notes,
	}
	if input.DispensedAt != nil {
		record.DispensedAt = *input.DispensedAt
	}

	result := &DispenseResult{}

	err = s.db.Transaction(ctx, func(ctx context.Context) error {
		if err := s.dispensingRepo.Create(ctx, record); err != nil {
			return err
		}
		result.Record = record

		refType := repository.ReferenceDispensingRecord
		entry, err := s.inventoryRepo.ApplyQuantityChange(ctx, repository.QuantityChange{
			ClinicID:      input.ClinicID,
			DrugID:        input.DrugID,
			BatchID:       input.BatchID,
			Type:          repository.TransactionDispensed,
			Quantity:      -input.Quantity,
			ReferenceType: &refType,
			ReferenceID:   &record.ID,
			PerformedBy:   &dispensedBy,
		})
		if err != nil {
			return err
		}
		result.Entry = entry

		if input.ConsumeReservation {
			_, err := s.inventoryRepo.ReleaseReserved(ctx, input.ClinicID, input.DrugID, input.BatchID, input.Quantity)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("clinic_id", input.ClinicID).
		Str("patient_id", input.PatientID).
		Str("drug_id", input.DrugID).
		Int("quantity", input.Quantity).
		Msg("medication dispensed")

	s.publisher.DispenseRecorded(ctx, messaging.DispenseRecordedEvent{
		DispensingID: record.ID,
		ClinicID:     record.ClinicID,
		PatientID:    record.PatientID,
		DrugID:       record.DrugID,
		BatchID:      input.BatchID,
		Quantity:     record.Quantity,
		DispensedBy:  record.DispensedBy,
	})

	return result, nil
}

// GetRecord returns one dispensing record
func (s *DispensingService) GetRecord(ctx context.Context, id string) (*repository.DispensingRecord, error) {
	record, err := s.dispensingRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authz.AuthorizeClinic(ctx, record.ClinicID, permissions.CapabilityReadInventory); err != nil {
		return nil, err
	}
	return record, nil
}

// ListRecords returns dispensing history for a clinic
func (s *DispensingService) ListRecords(ctx context.Context, filter repository.DispensingFilter) ([]repository.DispensingRecord, int, error) {
	if filter.ClinicID == "" {
		return nil, 0, errors.BadRequest("clinic_id is required")
	}
	if err := s.authz.AuthorizeClinic(ctx, filter.ClinicID, permissions.CapabilityReadInventory); err != nil {
		return nil, 0, err
	}

	return s.dispensingRepo.List(ctx, filter)
}
