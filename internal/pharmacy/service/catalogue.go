package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/clinichq/clinic-backend/internal/pharmacy/repository"
	"github.com/clinichq/clinic-backend/pkg/errors"
	"github.com/clinichq/clinic-backend/pkg/logger"
	"github.com/clinichq/clinic-backend/pkg/permissions"
)

// DrugInput is the caller-facing shape for creating or updating a drug
type DrugInput struct {
	GenericName           string           `json:"generic_name" validate:"required,min=1,max=255"`
	BrandName             *string          `json:"brand_name,omitempty" validate:"omitempty,max=255"`
	Form                  string           `json:"form" validate:"required,oneof=tablet capsule syrup suspension injection cream ointment drops inhaler patch suppository other"`
	Route                 *string          `json:"route,omitempty" validate:"omitempty,max=50"`
	Strength              *string          `json:"strength,omitempty" validate:"omitempty,max=100"`
	UnitPrice             *decimal.Decimal `json:"unit_price,omitempty"`
	IsControlled          bool             `json:"is_controlled"`
	RequiresRefrigeration bool             `json:"requires_refrigeration"`
	IsActive              *bool            `json:"is_active,omitempty"`
}

// CatalogueService maintains the drug catalogue. The catalogue is shared
// across clinics, so writes require a managing grant for at least one clinic
// while reads are open to any authenticated caller.
type CatalogueService struct {
	drugRepo  *repository.DrugRepository
	batchRepo *repository.BatchRepository
	authz     permissions.ClinicAuthorizer
	logger    *logger.Logger
}

// NewCatalogueService creates a new catalogue service
func NewCatalogueService(
	drugRepo *repository.DrugRepository,
	batchRepo *repository.BatchRepository,
	authz permissions.ClinicAuthorizer,
	log *logger.Logger,
) *CatalogueService {
	return &CatalogueService{
		drugRepo:  drugRepo,
		batchRepo: batchRepo,
		authz:     authz,
		logger:    log,
	}
}

// CreateDrug adds a drug to the catalogue
func (s *CatalogueService) CreateDrug(ctx context.Context, input DrugInput) (*repository.Drug, error) {
	if err := s.requireManage(ctx); err != nil {
		return nil, err
	}

	drug := &repository.Drug{
		GenericName:           input.GenericName,
		BrandName:             input.BrandName,
		Form:                  input.Form,
		Route:                 input.Route,
		Strength:              input.Strength,
		UnitPrice:             input.UnitPrice,
		IsControlled:          input.IsControlled,
		RequiresRefrigeration: input.RequiresRefrigeration,
		IsActive:              true,
	}
	if input.IsActive != nil {
		drug.IsActive = *input.IsActive
	}

	if err := s.drugRepo.Create(ctx, drug); err != nil {
		return nil, err
	}

	s.logger.Info().Str("drug_id", drug.ID).Str("generic_name", drug.GenericName).Msg("drug created")
	return drug, nil
}

// GetDrug returns a drug with its batches, soonest expiry first
func (s *CatalogueService) GetDrug(ctx context.Context, id string) (*repository.Drug, []repository.DrugBatch, error) {
	drug, err := s.drugRepo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	batches, err := s.batchRepo.ListByDrug(ctx, id, false)
	if err != nil {
		return nil, nil, err
	}

	return drug, batches, nil
}

// ListDrugs returns catalogue entries matching the filter
func (s *CatalogueService) ListDrugs(ctx context.Context, filter repository.DrugFilter) ([]repository.Drug, int, error) {
	return s.drugRepo.List(ctx, filter)
}

// UpdateDrug updates a drug's catalogue fields
func (s *CatalogueService) UpdateDrug(ctx context.Context, id string, input DrugInput) (*repository.Drug, error) {
	if err := s.requireManage(ctx); err != nil {
		return nil, err
	}

	drug, err := s.drugRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	drug.GenericName = input.GenericName
	drug.BrandName = input.BrandName
	drug.Form = input.Form
	drug.Route = input.Route
	drug.Strength = input.Strength
	drug.UnitPrice = input.UnitPrice
	drug.IsControlled = input.IsControlled
	drug.RequiresRefrigeration = input.RequiresRefrigeration
	if input.IsActive != nil {
		drug.IsActive = *input.IsActive
	}

	if err := s.drugRepo.Update(ctx, drug); err != nil {
		return nil, err
	}

	return drug, nil
}

// DeleteDrug soft-deletes a drug. Batch and ledger history stays intact;
// the drug just stops appearing in the catalogue and receiving new stock.
func (s *CatalogueService) DeleteDrug(ctx context.Context, id string) error {
	if err := s.requireManage(ctx); err != nil {
		return err
	}

	if err := s.drugRepo.SoftDelete(ctx, id); err != nil {
		return err
	}

	s.logger.Info().Str("drug_id", id).Msg("drug deleted")
	return nil
}

func (s *CatalogueService) requireManage(ctx context.Context) error {
	if len(s.authz.ClinicIDsWithCapability(ctx, permissions.CapabilityManageInventory)) == 0 {
		return errors.Forbidden("missing " + permissions.CapabilityManageInventory + " capability")
	}
	return nil
}
