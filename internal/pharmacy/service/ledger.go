package service

import (
	"context"
	"time"

	"github.com/clinichq/clinic-backend/internal/pharmacy/events"
	"github.com/clinichq/clinic-backend/internal/pharmacy/repository"
	"github.com/clinichq/clinic-backend/pkg/actor"
	"github.com/clinichq/clinic-backend/pkg/database"
	"github.com/clinichq/clinic-backend/pkg/errors"
	"github.com/clinichq/clinic-backend/pkg/logger"
	"github.com/clinichq/clinic-backend/pkg/messaging"
	"github.com/clinichq/clinic-backend/pkg/permissions"
)

// QuantityChangeInput is the caller-facing shape of a ledger mutation
type QuantityChangeInput struct {
	ClinicID      string  `json:"clinic_id" validate:"required,uuid"`
	DrugID        string  `json:"drug_id" validate:"required,uuid"`
	BatchID       string  `json:"batch_id" validate:"required,uuid"`
	Type          string  `json:"transaction_type" validate:"required"`
	Quantity      int     `json:"quantity" validate:"required"`
	SetReserved   *int    `json:"reserved_quantity,omitempty" validate:"omitempty,gte=0"`
	ReferenceType *string `json:"reference_type,omitempty"`
	ReferenceID   *string `json:"reference_id,omitempty" validate:"omitempty,uuid"`
	Reason        *string `json:"reason,omitempty"`
}

// StockCountInput records a physical count of one inventory line
type StockCountInput struct {
	ClinicID        string  `json:"clinic_id" validate:"required,uuid"`
	DrugID          string  `json:"drug_id" validate:"required,uuid"`
	BatchID         string  `json:"batch_id" validate:"required,uuid"`
	CountedQuantity int     `json:"counted_quantity" validate:"gte=0"`
	Reason          *string `json:"reason,omitempty"`
}

// StockCountResult reports the outcome of a stock count
type StockCountResult struct {
	Line       *repository.InventoryLine        `json:"line"`
	Adjustment *repository.InventoryTransaction `json:"adjustment,omitempty"`
	Delta      int                              `json:"delta"`
}

// LedgerService applies balance mutations through the inventory ledger.
// All entry points check the caller's clinic grant before touching stock.
type LedgerService struct {
	db            *database.DB
	inventoryRepo *repository.InventoryRepository
	txRepo        *repository.TransactionRepository
	authz         permissions.ClinicAuthorizer
	publisher     *events.PharmacyEventPublisher
	logger        *logger.Logger
}

// NewLedgerService creates a new ledger service
func NewLedgerService(
	db *database.DB,
	inventoryRepo *repository.InventoryRepository,
	txRepo *repository.TransactionRepository,
	authz permissions.ClinicAuthorizer,
	publisher *events.PharmacyEventPublisher,
	log *logger.Logger,
) *LedgerService {
	return &LedgerService{
		db:            db,
		inventoryRepo: inventoryRepo,
		txRepo:        txRepo,
		authz:         authz,
		publisher:     publisher,
		logger:        log,
	}
}

// UpdateQuantity applies a signed quantity change to a clinic's balance and
// logs it. Any resulting balance is accepted, including negative ones;
// sufficiency is enforced only on the reservation path.
func (s *LedgerService) UpdateQuantity(ctx context.Context, input QuantityChangeInput) (*repository.InventoryTransaction, error) {
	if err := s.authz.AuthorizeClinic(ctx, input.ClinicID, permissions.CapabilityManageInventory); err != nil {
		return nil, err
	}
	if input.Quantity == 0 {
		return nil, errors.BadRequest("quantity must not be zero")
	}
	if input.ReferenceType != nil && !repository.ValidReferenceType(*input.ReferenceType) {
		return nil, errors.BadRequest("unknown reference type")
	}

	performedBy := performedByFromContext(ctx)

	entry, err := s.inventoryRepo.ApplyQuantityChange(ctx, repository.QuantityChange{
		ClinicID:      input.ClinicID,
		DrugID:        input.DrugID,
		BatchID:       input.BatchID,
		Type:          input.Type,
		Quantity:      input.Quantity,
		SetReserved:   input.SetReserved,
		ReferenceType: input.ReferenceType,
		ReferenceID:   input.ReferenceID,
		Reason:        input.Reason,
		PerformedBy:   performedBy,
	})
	if err != nil {
		return nil, err
	}

	if entry.BalanceAfter < 0 {
		s.logger.Warn().
			Str("clinic_id", input.ClinicID).
			Str("drug_id", input.DrugID).
			Int("balance_after", entry.BalanceAfter).
			Msg("inventory balance went negative")
	}

	s.publishAdjusted(ctx, entry)
	return entry, nil
}

// ReserveQuantity holds stock against a prescription. Unlike UpdateQuantity
// this is the one path that enforces sufficiency, and it does so atomically.
func (s *LedgerService) ReserveQuantity(ctx context.Context, clinicID, drugID, batchID string, quantity int) (*repository.InventoryLine, error) {
	if err := s.authz.AuthorizeClinic(ctx, clinicID, permissions.CapabilityDispense); err != nil {
		return nil, err
	}

	line, err := s.inventoryRepo.Reserve(ctx, clinicID, drugID, batchID, quantity)
	if err != nil {
		return nil, err
	}

	s.publisher.StockReserved(ctx, messaging.StockReservedEvent{
		ClinicID: clinicID,
		DrugID:   drugID,
		BatchID:  batchID,
		Quantity: quantity,
	})

	return line, nil
}

// ReleaseReservedQuantity returns held stock to the available pool. Releasing
// more than is held clears the hold rather than failing.
func (s *LedgerService) ReleaseReservedQuantity(ctx context.Context, clinicID, drugID, batchID string, quantity int) (*repository.InventoryLine, error) {
	if err := s.authz.AuthorizeClinic(ctx, clinicID, permissions.CapabilityDispense); err != nil {
		return nil, err
	}

	line, err := s.inventoryRepo.ReleaseReserved(ctx, clinicID, drugID, batchID, quantity)
	if err != nil {
		return nil, err
	}

	s.publisher.StockReleased(ctx, messaging.StockReleasedEvent{
		ClinicID: clinicID,
		DrugID:   drugID,
		BatchID:  batchID,
		Quantity: quantity,
	})

	return line, nil
}

// PerformStockCount reconciles a physical count against the ledger. A count
// matching the books stamps last_counted_at and writes nothing to the ledger;
// a discrepancy becomes a signed adjustment entry carrying the count reason.
// Counting a line that does not exist yet books the counted quantity as a
// fresh adjustment. The on-hand quantity is read under a row lock so a
// concurrent dispense cannot slip between the read and the adjustment; the
// post-count balance always equals the counted quantity.
func (s *LedgerService) PerformStockCount(ctx context.Context, input StockCountInput) (*StockCountResult, error) {
	if err := s.authz.AuthorizeClinic(ctx, input.ClinicID, permissions.CapabilityManageInventory); err != nil {
		return nil, err
	}

	result := &StockCountResult{}

	err := s.db.Transaction(ctx, func(ctx context.Context) error {
		line, err := s.inventoryRepo.LockLine(ctx, input.ClinicID, input.DrugID, input.BatchID)
		if err != nil {
			return err
		}

		result.Delta = input.CountedQuantity - line.QuantityAvailable

		if result.Delta != 0 {
			reason := "stock count"
			if input.Reason != nil {
				reason = *input.Reason
			}

			entry, err := s.inventoryRepo.ApplyQuantityChange(ctx, repository.QuantityChange{
				ClinicID:    input.ClinicID,
				DrugID:      input.DrugID,
				BatchID:     input.BatchID,
				Type:        repository.TransactionAdjustment,
				Quantity:    result.Delta,
				Reason:      &reason,
				PerformedBy: performedByFromContext(ctx),
			})
			if err != nil {
				return err
			}
			result.Adjustment = entry
		} else {
			if err := s.inventoryRepo.TouchLastCounted(ctx, line.ID, time.Now().UTC()); err != nil {
				return err
			}
		}

		updated, err := s.inventoryRepo.Get(ctx, input.ClinicID, input.DrugID, input.BatchID)
		if err != nil {
			return err
		}
		result.Line = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Adjustment != nil {
		s.publishAdjusted(ctx, result.Adjustment)
	}

	return result, nil
}

// GetTransactions returns ledger history for a clinic
func (s *LedgerService) GetTransactions(ctx context.Context, filter repository.TransactionFilter) ([]repository.InventoryTransaction, int, error) {
	if filter.ClinicID == "" {
		return nil, 0, errors.BadRequest("clinic_id is required")
	}
	if err := s.authz.AuthorizeClinic(ctx, filter.ClinicID, permissions.CapabilityReadInventory); err != nil {
		return nil, 0, err
	}

	return s.txRepo.List(ctx, filter)
}

// GetTransactionsByReference returns the ledger entries caused by one source
// record, for drill-down from a dispensing record or adjustment.
func (s *LedgerService) GetTransactionsByReference(ctx context.Context, clinicID, referenceType, referenceID string) ([]repository.InventoryTransaction, error) {
	if err := s.authz.AuthorizeClinic(ctx, clinicID, permissions.CapabilityReadInventory); err != nil {
		return nil, err
	}

	return s.txRepo.ListByReference(ctx, referenceType, referenceID)
}

func (s *LedgerService) publishAdjusted(ctx context.Context, entry *repository.InventoryTransaction) {
	event := messaging.StockAdjustedEvent{
		ClinicID:     entry.ClinicID,
		DrugID:       entry.DrugID,
		Type:         entry.Type,
		Quantity:     entry.Quantity,
		BalanceAfter: entry.BalanceAfter,
	}
	if entry.BatchID != nil {
		event.BatchID = *entry.BatchID
	}
	if entry.PerformedBy != nil {
		event.PerformedBy = *entry.PerformedBy
	}
	if entry.Reason != nil {
		event.Reason = *entry.Reason
	}
	s.publisher.StockAdjusted(ctx, event)
}

// performedByFromContext returns the acting user's ID, or nil for system calls
func performedByFromContext(ctx context.Context) *string {
	a := actor.FromContext(ctx)
	if a.IsSystem() {
		return nil
	}
	id := a.ID
	return &id
}
