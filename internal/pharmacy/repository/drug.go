package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinichq/clinic-backend/pkg/database"
	"github.com/clinichq/clinic-backend/pkg/errors"
)

// Drug represents an entry in the drug catalogue
type Drug struct {
	ID                    string           `db:"id" json:"id"`
	GenericName           string           `db:"generic_name" json:"generic_name"`
	BrandName             *string          `db:"brand_name" json:"brand_name,omitempty"`
	Form                  string           `db:"form" json:"form"`
	Route                 *string          `db:"route" json:"route,omitempty"`
	Strength              *string          `db:"strength" json:"strength,omitempty"`
	UnitPrice             *decimal.Decimal `db:"unit_price" json:"unit_price,omitempty"`
	IsControlled          bool             `db:"is_controlled" json:"is_controlled"`
	RequiresRefrigeration bool             `db:"requires_refrigeration" json:"requires_refrigeration"`
	IsActive              bool             `db:"is_active" json:"is_active"`
	CreatedAt             time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time        `db:"updated_at" json:"updated_at"`
	DeletedAt             *time.Time       `db:"deleted_at" json:"-"`
}

// DrugFilter narrows drug catalogue listings
type DrugFilter struct {
	Search       string
	IsControlled *bool
	IsActive     *bool
	Limit        int
	Offset       int
}

const drugColumns = `
	id, generic_name, brand_name, form, route, strength, unit_price,
	is_controlled, requires_refrigeration, is_active, created_at, updated_at
`

// DrugRepository handles drug catalogue persistence
type DrugRepository struct {
	db *database.DB
}

// NewDrugRepository creates a new drug repository
func NewDrugRepository(db *database.DB) *DrugRepository {
	return &DrugRepository{db: db}
}

// Create inserts a new drug into the catalogue
func (r *DrugRepository) Create(ctx context.Context, drug *Drug) error {
	if drug.ID == "" {
		drug.ID = uuid.New().String()
	}

	query := `
		INSERT INTO drugs (
			id, generic_name, brand_name, form, route, strength, unit_price,
			is_controlled, requires_refrigeration, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	return r.db.QueryRowxContext(ctx, query,
		drug.ID, drug.GenericName, drug.BrandName, drug.Form, drug.Route,
		drug.Strength, drug.UnitPrice, drug.IsControlled, drug.RequiresRefrigeration,
		drug.IsActive,
	).Scan(&drug.CreatedAt, &drug.UpdatedAt)
}

// GetByID gets a drug by ID
func (r *DrugRepository) GetByID(ctx context.Context, id string) (*Drug, error) {
	var drug Drug
	query := `SELECT ` + drugColumns + ` FROM drugs WHERE id = $1 AND deleted_at IS NULL`

	err := r.db.GetContext(ctx, &drug, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("drug")
	}
	if err != nil {
		return nil, err
	}

	return &drug, nil
}

// List returns drugs matching the filter, ordered by generic name
func (r *DrugRepository) List(ctx context.Context, filter DrugFilter) ([]Drug, int, error) {
	conditions := []string{"deleted_at IS NULL"}
	args := []interface{}{}
	argPos := 1

	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(generic_name ILIKE $%d OR brand_name ILIKE $%d)", argPos, argPos))
		args = append(args, "%"+filter.Search+"%")
		argPos++
	}
	if filter.IsControlled != nil {
		conditions = append(conditions, fmt.Sprintf("is_controlled = $%d", argPos))
		args = append(args, *filter.IsControlled)
		argPos++
	}
	if filter.IsActive != nil {
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", argPos))
		args = append(args, *filter.IsActive)
		argPos++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM drugs WHERE ` + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s FROM drugs
		WHERE %s
		ORDER BY generic_name ASC
		LIMIT $%d OFFSET $%d
	`, drugColumns, where, argPos, argPos+1)
	args = append(args, filter.Limit, filter.Offset)

	drugs := []Drug{}
	if err := r.db.SelectContext(ctx, &drugs, query, args...); err != nil {
		return nil, 0, err
	}

	return drugs, total, nil
}

// Update updates a drug's catalogue fields
func (r *DrugRepository) Update(ctx context.Context, drug *Drug) error {
	query := `
		UPDATE drugs SET
			generic_name = $2,
			brand_name = $3,
			form = $4,
			route = $5,
			strength = $6,
			unit_price = $7,
			is_controlled = $8,
			requires_refrigeration = $9,
			is_active = $10,
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		drug.ID, drug.GenericName, drug.BrandName, drug.Form, drug.Route,
		drug.Strength, drug.UnitPrice, drug.IsControlled, drug.RequiresRefrigeration,
		drug.IsActive,
	).Scan(&drug.UpdatedAt)
	if err == sql.ErrNoRows {
		return errors.NotFound("drug")
	}
	return err
}

// SoftDelete marks a drug as deleted without touching batch or ledger history
func (r *DrugRepository) SoftDelete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE drugs SET deleted_at = NOW(), is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.NotFound("drug")
	}
	return nil
}

// UpsertUnchecked writes a full drug row from the trusted sync path.
// It bypasses permission checks and must only be called by the sync consumer.
func (r *DrugRepository) UpsertUnchecked(ctx context.Context, drug *Drug) error {
	query := `
		INSERT INTO drugs (
			id, generic_name, brand_name, form, route, strength, unit_price,
			is_controlled, requires_refrigeration, is_active, deleted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			generic_name = EXCLUDED.generic_name,
			brand_name = EXCLUDED.brand_name,
			form = EXCLUDED.form,
			route = EXCLUDED.route,
			strength = EXCLUDED.strength,
			unit_price = EXCLUDED.unit_price,
			is_controlled = EXCLUDED.is_controlled,
			requires_refrigeration = EXCLUDED.requires_refrigeration,
			is_active = EXCLUDED.is_active,
			deleted_at = EXCLUDED.deleted_at,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	return r.db.QueryRowxContext(ctx, query,
		drug.ID, drug.GenericName, drug.BrandName, drug.Form, drug.Route,
		drug.Strength, drug.UnitPrice, drug.IsControlled, drug.RequiresRefrigeration,
		drug.IsActive, drug.DeletedAt,
	).Scan(&drug.CreatedAt, &drug.UpdatedAt)
}
