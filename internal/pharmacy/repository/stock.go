package repository

import (
	"context"

	"github.com/jmoiron/sqlx/types"

	"github.com/clinichq/clinic-backend/pkg/database"
)

// StockOverviewRow aggregates a clinic's holdings of one drug across batches.
// Batches is a JSON array ordered soonest expiry first so callers dispense
// first-expiry-first-out.
type StockOverviewRow struct {
	ClinicID       string         `db:"clinic_id" json:"clinic_id"`
	DrugID         string         `db:"drug_id" json:"drug_id"`
	GenericName    string         `db:"generic_name" json:"generic_name"`
	BrandName      *string        `db:"brand_name" json:"brand_name,omitempty"`
	Form           string         `db:"form" json:"form"`
	Strength       *string        `db:"strength" json:"strength,omitempty"`
	IsControlled   bool           `db:"is_controlled" json:"is_controlled"`
	TotalAvailable int            `db:"total_available" json:"total_available"`
	TotalReserved  int            `db:"total_reserved" json:"total_reserved"`
	Batches        types.JSONText `db:"batches" json:"batches"`
}

// StockOverviewFilter narrows stock overview queries
type StockOverviewFilter struct {
	DrugID      string
	Search      string
	IncludeZero bool
}

// StockRepository serves read-only stock overviews joined with the catalogue
type StockRepository struct {
	db *database.DB
}

// NewStockRepository creates a new stock repository
func NewStockRepository(db *database.DB) *StockRepository {
	return &StockRepository{db: db}
}

// Overview returns one row per active drug a clinic holds, with per-batch
// detail aggregated as JSON in expiry order. Zero-stock drugs are hidden
// unless asked for; negative balances always show.
func (r *StockRepository) Overview(ctx context.Context, clinicID string, filter StockOverviewFilter) ([]StockOverviewRow, error) {
	query := `
		SELECT ci.clinic_id,
		       ci.drug_id,
		       d.generic_name,
		       d.brand_name,
		       d.form,
		       d.strength,
		       d.is_controlled,
		       SUM(ci.quantity_available)::int AS total_available,
		       SUM(ci.reserved_quantity)::int AS total_reserved,
		       json_agg(
		           json_build_object(
		               'batch_id', b.id,
		               'batch_number', b.batch_number,
		               'expiry_date', b.expiry_date,
		               'is_quarantined', b.is_quarantined,
		               'quantity_available', ci.quantity_available,
		               'reserved_quantity', ci.reserved_quantity,
		               'last_counted_at', ci.last_counted_at
		           )
		           ORDER BY b.expiry_date ASC, ci.quantity_available DESC
		       ) AS batches
		FROM clinic_inventory ci
		JOIN drugs d ON d.id = ci.drug_id
		JOIN drug_batches b ON b.id = ci.batch_id
		WHERE ci.clinic_id = $1
		  AND d.deleted_at IS NULL
		  AND d.is_active = TRUE
	`
	args := []interface{}{clinicID}

	if filter.DrugID != "" {
		query += ` AND ci.drug_id = $2`
		args = append(args, filter.DrugID)
	} else if filter.Search != "" {
		query += ` AND (d.generic_name ILIKE $2 OR d.brand_name ILIKE $2)`
		args = append(args, "%"+filter.Search+"%")
	}

	query += `
		GROUP BY ci.clinic_id, ci.drug_id, d.generic_name, d.brand_name, d.form, d.strength, d.is_controlled
	`
	if !filter.IncludeZero {
		query += ` HAVING SUM(ci.quantity_available) <> 0 OR SUM(ci.reserved_quantity) <> 0`
	}
	query += ` ORDER BY d.generic_name ASC`

	rows := []StockOverviewRow{}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
