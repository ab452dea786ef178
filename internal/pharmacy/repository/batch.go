package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"

	"github.com/clinichq/clinic-backend/pkg/database"
	"github.com/clinichq/clinic-backend/pkg/errors"
)

// DrugBatch represents a received batch of a drug
type DrugBatch struct {
	ID                string           `db:"id" json:"id"`
	DrugID            string           `db:"drug_id" json:"drug_id"`
	BatchNumber       string           `db:"batch_number" json:"batch_number"`
	ExpiryDate        time.Time        `db:"expiry_date" json:"expiry_date"`
	ManufactureDate   *time.Time       `db:"manufacture_date" json:"manufacture_date,omitempty"`
	QuantityReceived  int              `db:"quantity_received" json:"quantity_received"`
	QuantityRemaining int              `db:"quantity_remaining" json:"quantity_remaining"`
	SupplierName      *string          `db:"supplier_name" json:"supplier_name,omitempty"`
	PurchasePrice     *decimal.Decimal `db:"purchase_price" json:"purchase_price,omitempty"`
	ReceivedDate      time.Time        `db:"received_date" json:"received_date"`
	IsQuarantined     bool             `db:"is_quarantined" json:"is_quarantined"`
	Metadata          types.JSONText   `db:"metadata" json:"metadata,omitempty"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
}

// ExpiringBatch is a batch row joined with its drug for expiry reporting
type ExpiringBatch struct {
	DrugBatch
	GenericName string  `db:"generic_name" json:"generic_name"`
	BrandName   *string `db:"brand_name" json:"brand_name,omitempty"`
	DaysUntil   int     `db:"days_until" json:"days_until"`
}

const batchColumns = `
	id, drug_id, batch_number, expiry_date, manufacture_date,
	quantity_received, quantity_remaining, supplier_name, purchase_price,
	received_date, is_quarantined, metadata, created_at, updated_at
`

const batchColumnsQualified = `
	b.id, b.drug_id, b.batch_number, b.expiry_date, b.manufacture_date,
	b.quantity_received, b.quantity_remaining, b.supplier_name, b.purchase_price,
	b.received_date, b.is_quarantined, b.metadata, b.created_at, b.updated_at
`

// BatchRepository handles drug batch persistence
type BatchRepository struct {
	db *database.DB
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db *database.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Receive records a batch receipt. Receiving the same (drug, batch number)
// again adds to the existing received quantity rather than failing, so
// repeated deliveries against one batch accumulate. quantity_remaining is
// not touched here; it moves only through the inventory ledger so the batch
// and the clinic balances stay in step.
func (r *BatchRepository) Receive(ctx context.Context, batch *DrugBatch) error {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	if batch.ReceivedDate.IsZero() {
		batch.ReceivedDate = time.Now().UTC()
	}

	query := `
		INSERT INTO drug_batches (
			id, drug_id, batch_number, expiry_date, manufacture_date,
			quantity_received, quantity_remaining, supplier_name, purchase_price,
			received_date
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9)
		ON CONFLICT (drug_id, batch_number) DO UPDATE SET
			quantity_received = drug_batches.quantity_received + EXCLUDED.quantity_received,
			expiry_date = EXCLUDED.expiry_date,
			manufacture_date = COALESCE(EXCLUDED.manufacture_date, drug_batches.manufacture_date),
			supplier_name = COALESCE(EXCLUDED.supplier_name, drug_batches.supplier_name),
			purchase_price = COALESCE(EXCLUDED.purchase_price, drug_batches.purchase_price),
			received_date = EXCLUDED.received_date,
			updated_at = NOW()
		RETURNING id, quantity_received, quantity_remaining, is_quarantined, metadata, created_at, updated_at
	`

	return r.db.QueryRowxContext(ctx, query,
		batch.ID, batch.DrugID, batch.BatchNumber, batch.ExpiryDate,
		batch.ManufactureDate, batch.QuantityReceived, batch.SupplierName,
		batch.PurchasePrice, batch.ReceivedDate,
	).Scan(&batch.ID, &batch.QuantityReceived, &batch.QuantityRemaining,
		&batch.IsQuarantined, &batch.Metadata, &batch.CreatedAt, &batch.UpdatedAt)
}

// GetByID gets a batch by ID
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*DrugBatch, error) {
	var batch DrugBatch
	query := `SELECT ` + batchColumns + ` FROM drug_batches WHERE id = $1`

	err := r.db.GetContext(ctx, &batch, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("batch")
	}
	if err != nil {
		return nil, err
	}

	return &batch, nil
}

// GetByBatchNumber gets a batch by its (drug, batch number) natural key
func (r *BatchRepository) GetByBatchNumber(ctx context.Context, drugID, batchNumber string) (*DrugBatch, error) {
	var batch DrugBatch
	query := `SELECT ` + batchColumns + ` FROM drug_batches WHERE drug_id = $1 AND batch_number = $2`

	err := r.db.GetContext(ctx, &batch, query, drugID, batchNumber)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("batch")
	}
	if err != nil {
		return nil, err
	}

	return &batch, nil
}

// ListByDrug returns all batches for a drug, soonest expiry first
func (r *BatchRepository) ListByDrug(ctx context.Context, drugID string, includeEmpty bool) ([]DrugBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM drug_batches WHERE drug_id = $1`
	if !includeEmpty {
		query += ` AND quantity_remaining > 0`
	}
	query += ` ORDER BY expiry_date ASC, batch_number ASC`

	batches := []DrugBatch{}
	if err := r.db.SelectContext(ctx, &batches, query, drugID); err != nil {
		return nil, err
	}
	return batches, nil
}

// AdjustRemaining applies a signed delta to a batch's remaining quantity,
// clamping at zero. A dispense of more than the batch tracks does not drive
// the batch negative; the ledger is the authoritative balance.
func (r *BatchRepository) AdjustRemaining(ctx context.Context, batchID string, delta int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE drug_batches
		SET quantity_remaining = GREATEST(quantity_remaining + $2, 0),
		    updated_at = NOW()
		WHERE id = $1
	`, batchID, delta)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.NotFound("batch")
	}
	return nil
}

// clinicStockClause limits a batch query to batches a clinic actually holds.
// $n is the clinic ID parameter position.
func clinicStockClause(n int) string {
	return fmt.Sprintf(`AND EXISTS (
		SELECT 1 FROM clinic_inventory ci
		WHERE ci.batch_id = b.id AND ci.clinic_id = $%d AND ci.quantity_available > 0
	)`, n)
}

// Expiring returns non-quarantined batches with stock remaining whose expiry
// falls within the window [today, today + days]. A batch expiring today is
// still usable and therefore included. A non-empty clinicID narrows the list
// to batches that clinic holds positive stock of.
func (r *BatchRepository) Expiring(ctx context.Context, days int, clinicID string) ([]ExpiringBatch, error) {
	query := `
		SELECT ` + batchColumnsQualified + `,
		       d.generic_name, d.brand_name,
		       (b.expiry_date::date - CURRENT_DATE) AS days_until
		FROM drug_batches b
		JOIN drugs d ON d.id = b.drug_id
		WHERE b.expiry_date >= CURRENT_DATE
		  AND b.expiry_date <= CURRENT_DATE + $1 * INTERVAL '1 day'
		  AND b.is_quarantined = FALSE
		  AND b.quantity_remaining > 0
	`
	args := []interface{}{days}
	if clinicID != "" {
		query += clinicStockClause(2)
		args = append(args, clinicID)
	}
	query += ` ORDER BY b.expiry_date ASC, b.quantity_remaining DESC`

	batches := []ExpiringBatch{}
	if err := r.db.SelectContext(ctx, &batches, query, args...); err != nil {
		return nil, err
	}
	return batches, nil
}

// Expired returns batches with stock remaining whose expiry date has passed.
// Filtering is symmetric with Expiring: quarantined batches are excluded, a
// batch expiring today is not yet expired, and clinicID narrows the list the
// same way.
func (r *BatchRepository) Expired(ctx context.Context, clinicID string) ([]ExpiringBatch, error) {
	query := `
		SELECT ` + batchColumnsQualified + `,
		       d.generic_name, d.brand_name,
		       (b.expiry_date::date - CURRENT_DATE) AS days_until
		FROM drug_batches b
		JOIN drugs d ON d.id = b.drug_id
		WHERE b.expiry_date < CURRENT_DATE
		  AND b.is_quarantined = FALSE
		  AND b.quantity_remaining > 0
	`
	args := []interface{}{}
	if clinicID != "" {
		query += clinicStockClause(1)
		args = append(args, clinicID)
	}
	query += ` ORDER BY b.expiry_date ASC`

	batches := []ExpiringBatch{}
	if err := r.db.SelectContext(ctx, &batches, query, args...); err != nil {
		return nil, err
	}
	return batches, nil
}

// SetQuarantine toggles a batch's quarantine flag and appends the action
// details to the batch metadata.
func (r *BatchRepository) SetQuarantine(ctx context.Context, batchID string, quarantined bool, reason, performedBy string) (*DrugBatch, error) {
	key := "release_info"
	if quarantined {
		key = "quarantine_info"
	}

	var batch DrugBatch
	query := `
		UPDATE drug_batches
		SET is_quarantined = $2,
		    metadata = metadata || jsonb_build_object(
		        $3::text, jsonb_build_object(
		            'reason', $4::text,
		            'performed_by', $5::text,
		            'at', NOW()
		        )
		    ),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + batchColumns + `
	`

	err := r.db.GetContext(ctx, &batch, query, batchID, quarantined, key, reason, performedBy)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("batch")
	}
	if err != nil {
		return nil, err
	}

	return &batch, nil
}

// ValuationReport totals the purchase value of remaining stock
type ValuationReport struct {
	TotalValue    decimal.Decimal `db:"total_value" json:"total_value"`
	TotalQuantity int             `db:"total_quantity" json:"total_quantity"`
	BatchCount    int             `db:"batch_count" json:"batch_count"`
}

// StockValuation sums quantity_remaining * purchase_price over batches with
// stock, optionally narrowed to one drug. Quarantined batches are excluded;
// batches without a recorded purchase price contribute zero value.
func (r *BatchRepository) StockValuation(ctx context.Context, drugID string) (*ValuationReport, error) {
	query := `
		SELECT
			COALESCE(SUM(quantity_remaining * COALESCE(purchase_price, 0)), 0) AS total_value,
			COALESCE(SUM(quantity_remaining), 0)::int AS total_quantity,
			COUNT(*)::int AS batch_count
		FROM drug_batches
		WHERE quantity_remaining > 0 AND is_quarantined = FALSE
	`
	args := []interface{}{}
	if drugID != "" {
		query += ` AND drug_id = $1`
		args = append(args, drugID)
	}

	var report ValuationReport
	if err := r.db.GetContext(ctx, &report, query, args...); err != nil {
		return nil, err
	}
	return &report, nil
}

// UpsertUnchecked writes a batch snapshot from the trusted sync path. Unlike
// Receive it carries its own remaining quantity, since replicated batches
// never produce local ledger entries. The write is full-state: replaying the
// same snapshot lands on the same row, so a redelivered sync event cannot
// double-count. Only the sync consumer may call it.
func (r *BatchRepository) UpsertUnchecked(ctx context.Context, batch *DrugBatch) error {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}

	query := `
		INSERT INTO drug_batches (
			id, drug_id, batch_number, expiry_date, manufacture_date,
			quantity_received, quantity_remaining, supplier_name, purchase_price,
			received_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (drug_id, batch_number) DO UPDATE SET
			quantity_received = EXCLUDED.quantity_received,
			quantity_remaining = EXCLUDED.quantity_remaining,
			expiry_date = EXCLUDED.expiry_date,
			manufacture_date = COALESCE(EXCLUDED.manufacture_date, drug_batches.manufacture_date),
			supplier_name = COALESCE(EXCLUDED.supplier_name, drug_batches.supplier_name),
			purchase_price = COALESCE(EXCLUDED.purchase_price, drug_batches.purchase_price),
			received_date = EXCLUDED.received_date,
			updated_at = NOW()
		RETURNING id, quantity_received, quantity_remaining, is_quarantined, metadata, created_at, updated_at
	`

	return r.db.QueryRowxContext(ctx, query,
		batch.ID, batch.DrugID, batch.BatchNumber, batch.ExpiryDate,
		batch.ManufactureDate, batch.QuantityReceived, batch.QuantityRemaining,
		batch.SupplierName, batch.PurchasePrice, batch.ReceivedDate,
	).Scan(&batch.ID, &batch.QuantityReceived, &batch.QuantityRemaining,
		&batch.IsQuarantined, &batch.Metadata, &batch.CreatedAt, &batch.UpdatedAt)
}

// RetireUnchecked removes a replicated batch from circulation. The row stays
// for ledger history, with remaining stock zeroed and the batch quarantined.
// Only the sync consumer may call it.
func (r *BatchRepository) RetireUnchecked(ctx context.Context, drugID, batchNumber string) error {
	query := `
		UPDATE drug_batches
		SET quantity_remaining = 0, is_quarantined = true, updated_at = NOW()
		WHERE drug_id = $1 AND batch_number = $2
	`

	_, err := r.db.ExecContext(ctx, query, drugID, batchNumber)
	return err
}
