package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinichq/clinic-backend/pkg/database"
	"github.com/clinichq/clinic-backend/pkg/errors"
)

// Transaction types recorded in the inventory ledger
const (
	TransactionReceived       = "received"
	TransactionDispensed      = "dispensed"
	TransactionTransferredIn  = "transferred_in"
	TransactionTransferredOut = "transferred_out"
	TransactionExpired        = "expired"
	TransactionDamaged        = "damaged"
	TransactionAdjustment     = "adjustment"
	TransactionReturned       = "returned"
)

// ValidTransactionType reports whether t is a known ledger transaction type
func ValidTransactionType(t string) bool {
	switch t {
	case TransactionReceived, TransactionDispensed, TransactionTransferredIn,
		TransactionTransferredOut, TransactionExpired, TransactionDamaged,
		TransactionAdjustment, TransactionReturned:
		return true
	}
	return false
}

// InventoryLine is a clinic's balance for one drug batch
type InventoryLine struct {
	ID                string     `db:"id" json:"id"`
	ClinicID          string     `db:"clinic_id" json:"clinic_id"`
	DrugID            string     `db:"drug_id" json:"drug_id"`
	BatchID           string     `db:"batch_id" json:"batch_id"`
	QuantityAvailable int        `db:"quantity_available" json:"quantity_available"`
	ReservedQuantity  int        `db:"reserved_quantity" json:"reserved_quantity"`
	LastCountedAt     *time.Time `db:"last_counted_at" json:"last_counted_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// QuantityChange describes one ledger mutation
type QuantityChange struct {
	ClinicID      string
	DrugID        string
	BatchID       string
	Type          string
	Quantity      int // signed; positive adds stock, negative removes it
	SetReserved   *int
	ReferenceType *string
	ReferenceID   *string
	Reason        *string
	PerformedBy   *string
}

const inventoryColumns = `
	id, clinic_id, drug_id, batch_id, quantity_available, reserved_quantity,
	last_counted_at, created_at, updated_at
`

// InventoryRepository is the ledger engine. Every balance change goes through
// ApplyQuantityChange so the clinic_inventory balance and the append-only
// inventory_transactions log always move together.
type InventoryRepository struct {
	db *database.DB
}

// NewInventoryRepository creates a new inventory repository
func NewInventoryRepository(db *database.DB) *InventoryRepository {
	return &InventoryRepository{db: db}
}

// Get returns the inventory line for (clinic, drug, batch)
func (r *InventoryRepository) Get(ctx context.Context, clinicID, drugID, batchID string) (*InventoryLine, error) {
	var line InventoryLine
	query := `
		SELECT ` + inventoryColumns + `
		FROM clinic_inventory
		WHERE clinic_id = $1 AND drug_id = $2 AND batch_id = $3
	`

	err := r.db.GetContext(ctx, &line, query, clinicID, drugID, batchID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("inventory line")
	}
	if err != nil {
		return nil, err
	}

	return &line, nil
}

// ListByClinic returns a page of inventory lines for a clinic, with the
// total line count for the same filter. Zero lines are hidden unless asked
// for; negative balances always show.
func (r *InventoryRepository) ListByClinic(ctx context.Context, clinicID string, limit, offset int, includeZero bool) ([]InventoryLine, int, error) {
	where := `clinic_id = $1`
	if !includeZero {
		where += ` AND (quantity_available <> 0 OR reserved_quantity <> 0)`
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM clinic_inventory WHERE ` + where
	if err := r.db.GetContext(ctx, &total, countQuery, clinicID); err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + inventoryColumns + ` FROM clinic_inventory WHERE ` + where +
		` ORDER BY drug_id, batch_id LIMIT $2 OFFSET $3`

	lines := []InventoryLine{}
	if err := r.db.SelectContext(ctx, &lines, query, clinicID, limit, offset); err != nil {
		return nil, 0, err
	}
	return lines, total, nil
}

// ApplyQuantityChange applies a signed quantity change to a clinic's balance
// and appends the matching ledger entry, atomically. The inventory line is
// created on first use. Negative resulting balances are recorded as-is; stock
// sufficiency is the reservation path's concern, not the ledger's.
//
// When the change carries a batch, the batch's remaining quantity moves by
// the same delta (clamped at zero). An adjustment change also stamps
// last_counted_at; SetReserved, when given, overwrites the reservation hold
// in the same statement.
func (r *InventoryRepository) ApplyQuantityChange(ctx context.Context, change QuantityChange) (*InventoryTransaction, error) {
	if !ValidTransactionType(change.Type) {
		return nil, errors.BadRequest(fmt.Sprintf("unknown transaction type %q", change.Type))
	}

	var entry *InventoryTransaction

	err := r.db.Transaction(ctx, func(ctx context.Context) error {
		line, err := r.LockLine(ctx, change.ClinicID, change.DrugID, change.BatchID)
		if err != nil {
			return err
		}

		balanceAfter := line.QuantityAvailable + change.Quantity

		set := "quantity_available = $2, updated_at = NOW()"
		args := []interface{}{line.ID, balanceAfter}
		if change.Type == TransactionAdjustment {
			set += ", last_counted_at = NOW()"
		}
		if change.SetReserved != nil {
			args = append(args, *change.SetReserved)
			set += fmt.Sprintf(", reserved_quantity = $%d", len(args))
		}

		_, err = r.db.ExecContext(ctx, `UPDATE clinic_inventory SET `+set+` WHERE id = $1`, args...)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		if change.BatchID != "" {
			_, err = r.db.ExecContext(ctx, `
				UPDATE drug_batches
				SET quantity_remaining = GREATEST(quantity_remaining + $2, 0),
				    updated_at = NOW()
				WHERE id = $1
			`, change.BatchID, change.Quantity)
			if err != nil {
				return fmt.Errorf("failed to update batch remaining: %w", err)
			}
		}

		entry = &InventoryTransaction{
			ID:            uuid.New().String(),
			ClinicID:      change.ClinicID,
			DrugID:        change.DrugID,
			Type:          change.Type,
			Quantity:      change.Quantity,
			BalanceAfter:  balanceAfter,
			ReferenceType: change.ReferenceType,
			ReferenceID:   change.ReferenceID,
			Reason:        change.Reason,
			PerformedBy:   change.PerformedBy,
		}
		if change.BatchID != "" {
			entry.BatchID = &change.BatchID
		}

		return r.db.QueryRowxContext(ctx, `
			INSERT INTO inventory_transactions (
				id, clinic_id, drug_id, batch_id, transaction_type, quantity,
				balance_after, reference_type, reference_id, reason, performed_by
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at
		`, entry.ID, entry.ClinicID, entry.DrugID, entry.BatchID, entry.Type,
			entry.Quantity, entry.BalanceAfter, entry.ReferenceType,
			entry.ReferenceID, entry.Reason, entry.PerformedBy,
		).Scan(&entry.CreatedAt)
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// LockLine loads the inventory line FOR UPDATE, creating it lazily on first
// use so the first receipt for a clinic does not need a separate setup step.
// It must run inside a transaction; callers that need a read-then-write on a
// line, like the stock count, take the row lock here so the balance cannot
// move between the read and the write.
func (r *InventoryRepository) LockLine(ctx context.Context, clinicID, drugID, batchID string) (*InventoryLine, error) {
	var line InventoryLine

	query := `
		SELECT ` + inventoryColumns + `
		FROM clinic_inventory
		WHERE clinic_id = $1 AND drug_id = $2 AND batch_id = $3
		FOR UPDATE
	`
	err := r.db.GetContext(ctx, &line, query, clinicID, drugID, batchID)
	if err == nil {
		return &line, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to lock inventory line: %w", err)
	}

	insert := `
		INSERT INTO clinic_inventory (id, clinic_id, drug_id, batch_id, quantity_available, reserved_quantity)
		VALUES ($1, $2, $3, $4, 0, 0)
		RETURNING ` + inventoryColumns + `
	`
	err = r.db.GetContext(ctx, &line, insert, uuid.New().String(), clinicID, drugID, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to create inventory line: %w", err)
	}

	return &line, nil
}

// Reserve holds quantity against an inventory line. The sufficiency check and
// the increment happen in one conditional UPDATE so two concurrent
// reservations can never both succeed against the same stock.
func (r *InventoryRepository) Reserve(ctx context.Context, clinicID, drugID, batchID string, quantity int) (*InventoryLine, error) {
	if quantity <= 0 {
		return nil, errors.BadRequest("reservation quantity must be positive")
	}

	var line InventoryLine
	query := `
		UPDATE clinic_inventory
		SET reserved_quantity = reserved_quantity + $4, updated_at = NOW()
		WHERE clinic_id = $1 AND drug_id = $2 AND batch_id = $3
		  AND quantity_available - reserved_quantity >= $4
		RETURNING ` + inventoryColumns + `
	`

	err := r.db.GetContext(ctx, &line, query, clinicID, drugID, batchID, quantity)
	if err == nil {
		return &line, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	// Distinguish a missing line from insufficient unreserved stock.
	existing, getErr := r.Get(ctx, clinicID, drugID, batchID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, errors.InsufficientStock(quantity, existing.QuantityAvailable-existing.ReservedQuantity)
}

// ReleaseReserved returns held quantity to the available pool. Releasing more
// than is currently held clears the reservation rather than going negative.
func (r *InventoryRepository) ReleaseReserved(ctx context.Context, clinicID, drugID, batchID string, quantity int) (*InventoryLine, error) {
	if quantity <= 0 {
		return nil, errors.BadRequest("release quantity must be positive")
	}

	var line InventoryLine
	query := `
		UPDATE clinic_inventory
		SET reserved_quantity = GREATEST(reserved_quantity - $4, 0), updated_at = NOW()
		WHERE clinic_id = $1 AND drug_id = $2 AND batch_id = $3
		RETURNING ` + inventoryColumns + `
	`

	err := r.db.GetContext(ctx, &line, query, clinicID, drugID, batchID, quantity)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("inventory line")
	}
	if err != nil {
		return nil, err
	}

	return &line, nil
}

// TouchLastCounted stamps a physical stock count on the line
func (r *InventoryRepository) TouchLastCounted(ctx context.Context, lineID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE clinic_inventory
		SET last_counted_at = $2, updated_at = NOW()
		WHERE id = $1
	`, lineID, at)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.NotFound("inventory line")
	}
	return nil
}
