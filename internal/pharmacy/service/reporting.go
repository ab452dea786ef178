package service

import (
	"context"

	"github.com/clinichq/clinic-backend/internal/pharmacy/events"
	"github.com/clinichq/clinic-backend/internal/pharmacy/repository"
	"github.com/clinichq/clinic-backend/pkg/errors"
	"github.com/clinichq/clinic-backend/pkg/logger"
	"github.com/clinichq/clinic-backend/pkg/messaging"
	"github.com/clinichq/clinic-backend/pkg/permissions"
)

// DefaultExpiryWindowDays is how far ahead the expiry report looks by default
const DefaultExpiryWindowDays = 90

// ReportingService serves read-only stock views: per-clinic overviews,
// expiry reports, and stock valuation.
type ReportingService struct {
	stockRepo     *repository.StockRepository
	batchRepo     *repository.BatchRepository
	inventoryRepo *repository.InventoryRepository
	authz         permissions.ClinicAuthorizer
	publisher     *events.PharmacyEventPublisher
	logger        *logger.Logger
}

// NewReportingService creates a new reporting service
func NewReportingService(
	stockRepo *repository.StockRepository,
	batchRepo *repository.BatchRepository,
	inventoryRepo *repository.InventoryRepository,
	authz permissions.ClinicAuthorizer,
	publisher *events.PharmacyEventPublisher,
	log *logger.Logger,
) *ReportingService {
	return &ReportingService{
		stockRepo:     stockRepo,
		batchRepo:     batchRepo,
		inventoryRepo: inventoryRepo,
		authz:         authz,
		publisher:     publisher,
		logger:        log,
	}
}

// StockOverview returns a clinic's holdings grouped by drug, batches in
// expiry order so the soonest-expiring stock is dispensed first.
func (s *ReportingService) StockOverview(ctx context.Context, clinicID string, filter repository.StockOverviewFilter) ([]repository.StockOverviewRow, error) {
	if err := s.authz.AuthorizeClinic(ctx, clinicID, permissions.CapabilityReadInventory); err != nil {
		return nil, err
	}

	return s.stockRepo.Overview(ctx, clinicID, filter)
}

// GetInventoryLine returns one clinic inventory line
func (s *ReportingService) GetInventoryLine(ctx context.Context, clinicID, drugID, batchID string) (*repository.InventoryLine, error) {
	if err := s.authz.AuthorizeClinic(ctx, clinicID, permissions.CapabilityReadInventory); err != nil {
		return nil, err
	}

	return s.inventoryRepo.Get(ctx, clinicID, drugID, batchID)
}

// ListInventoryLines returns a page of a clinic's inventory lines with the
// total count, the raw per-batch view behind the grouped overview
func (s *ReportingService) ListInventoryLines(ctx context.Context, clinicID string, limit, offset int, includeZero bool) ([]repository.InventoryLine, int, error) {
	if err := s.authz.AuthorizeClinic(ctx, clinicID, permissions.CapabilityReadInventory); err != nil {
		return nil, 0, err
	}

	return s.inventoryRepo.ListByClinic(ctx, clinicID, limit, offset, includeZero)
}

// ExpiringBatches returns usable batches expiring within the window.
// A batch expiring today still counts as usable. A non-empty clinicID
// narrows the report to batches that clinic holds stock of.
func (s *ReportingService) ExpiringBatches(ctx context.Context, days int, clinicID string) ([]repository.ExpiringBatch, error) {
	if err := s.requireExpiryRead(ctx, clinicID); err != nil {
		return nil, err
	}
	if days < 0 {
		days = DefaultExpiryWindowDays
	}

	return s.batchRepo.Expiring(ctx, days, clinicID)
}

// ExpiredBatches returns batches past expiry that still carry stock,
// narrowed the same way as ExpiringBatches when clinicID is set
func (s *ReportingService) ExpiredBatches(ctx context.Context, clinicID string) ([]repository.ExpiringBatch, error) {
	if err := s.requireExpiryRead(ctx, clinicID); err != nil {
		return nil, err
	}

	return s.batchRepo.Expired(ctx, clinicID)
}

// StockValuation totals purchase value of remaining batch stock, optionally
// narrowed to one drug
func (s *ReportingService) StockValuation(ctx context.Context, drugID string) (*repository.ValuationReport, error) {
	if len(s.authz.ClinicIDsWithCapability(ctx, permissions.CapabilityManageInventory)) == 0 {
		return nil, errors.Forbidden("missing " + permissions.CapabilityManageInventory + " capability")
	}

	return s.batchRepo.StockValuation(ctx, drugID)
}

// ScanExpiring publishes an expiry warning event for every usable batch
// inside the window. Called by the background scan, not the HTTP surface.
func (s *ReportingService) ScanExpiring(ctx context.Context, days int) (int, error) {
	if days < 0 {
		days = DefaultExpiryWindowDays
	}

	batches, err := s.batchRepo.Expiring(ctx, days, "")
	if err != nil {
		return 0, err
	}

	for _, b := range batches {
		s.publisher.BatchExpiring(ctx, messaging.BatchExpiringEvent{
			BatchID:     b.ID,
			DrugID:      b.DrugID,
			BatchNumber: b.BatchNumber,
			ExpiryDate:  b.ExpiryDate,
			DaysUntil:   b.DaysUntil,
			Remaining:   b.QuantityRemaining,
		})
	}

	if len(batches) > 0 {
		s.logger.Info().Int("count", len(batches)).Int("window_days", days).Msg("expiring batches flagged")
	}

	return len(batches), nil
}

// requireExpiryRead gates the expiry reports: a clinic-scoped request needs
// read access to that clinic, a global one needs read access somewhere.
func (s *ReportingService) requireExpiryRead(ctx context.Context, clinicID string) error {
	if clinicID != "" {
		return s.authz.AuthorizeClinic(ctx, clinicID, permissions.CapabilityReadInventory)
	}
	if len(s.authz.ClinicIDsWithCapability(ctx, permissions.CapabilityReadInventory)) == 0 {
		return errors.Forbidden("missing " + permissions.CapabilityReadInventory + " capability")
	}
	return nil
}
