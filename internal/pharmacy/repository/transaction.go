package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clinichq/clinic-backend/pkg/database"
	"github.com/clinichq/clinic-backend/pkg/errors"
)

// Reference types linking a ledger entry to the record that caused it
const (
	ReferenceDispensingRecord = "dispensing_record"
	ReferenceStockAdjustment  = "stock_adjustment"
	ReferenceTransfer         = "transfer"
)

// ValidReferenceType reports whether t is a known reference type
func ValidReferenceType(t string) bool {
	switch t {
	case ReferenceDispensingRecord, ReferenceStockAdjustment, ReferenceTransfer:
		return true
	}
	return false
}

// InventoryTransaction is one append-only ledger entry
type InventoryTransaction struct {
	ID            string    `db:"id" json:"id"`
	ClinicID      string    `db:"clinic_id" json:"clinic_id"`
	DrugID        string    `db:"drug_id" json:"drug_id"`
	BatchID       *string   `db:"batch_id" json:"batch_id,omitempty"`
	Type          string    `db:"transaction_type" json:"transaction_type"`
	Quantity      int       `db:"quantity" json:"quantity"`
	BalanceAfter  int       `db:"balance_after" json:"balance_after"`
	ReferenceType *string   `db:"reference_type" json:"reference_type,omitempty"`
	ReferenceID   *string   `db:"reference_id" json:"reference_id,omitempty"`
	Reason        *string   `db:"reason" json:"reason,omitempty"`
	PerformedBy   *string   `db:"performed_by" json:"performed_by,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// TransactionFilter narrows ledger history queries
type TransactionFilter struct {
	ClinicID string
	DrugID   string
	BatchID  string
	Type     string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

const transactionColumns = `
	id, clinic_id, drug_id, batch_id, transaction_type, quantity, balance_after,
	reference_type, reference_id, reason, performed_by, created_at
`

// TransactionRepository reads the append-only inventory ledger.
// Writes happen only through InventoryRepository.ApplyQuantityChange; there
// is no update or delete here.
type TransactionRepository struct {
	db *database.DB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *database.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// List returns ledger entries matching the filter, newest first
func (r *TransactionRepository) List(ctx context.Context, filter TransactionFilter) ([]InventoryTransaction, int, error) {
	conditions := []string{"1=1"}
	args := []interface{}{}
	argPos := 1

	add := func(cond string, val interface{}) {
		conditions = append(conditions, fmt.Sprintf(cond, argPos))
		args = append(args, val)
		argPos++
	}

	if filter.ClinicID != "" {
		add("clinic_id = $%d", filter.ClinicID)
	}
	if filter.DrugID != "" {
		add("drug_id = $%d", filter.DrugID)
	}
	if filter.BatchID != "" {
		add("batch_id = $%d", filter.BatchID)
	}
	if filter.Type != "" {
		if !ValidTransactionType(filter.Type) {
			return nil, 0, errors.BadRequest(fmt.Sprintf("unknown transaction type %q", filter.Type))
		}
		add("transaction_type = $%d", filter.Type)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM inventory_transactions WHERE ` + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s FROM inventory_transactions
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, transactionColumns, where, argPos, argPos+1)
	args = append(args, filter.Limit, filter.Offset)

	entries := []InventoryTransaction{}
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

// ListByReference returns ledger entries caused by a specific source record
func (r *TransactionRepository) ListByReference(ctx context.Context, referenceType, referenceID string) ([]InventoryTransaction, error) {
	if !ValidReferenceType(referenceType) {
		return nil, errors.BadRequest(fmt.Sprintf("unknown reference type %q", referenceType))
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM inventory_transactions
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at ASC
	`

	entries := []InventoryTransaction{}
	if err := r.db.SelectContext(ctx, &entries, query, referenceType, referenceID); err != nil {
		return nil, err
	}
	return entries, nil
}

// CurrentBalance returns the balance_after of the most recent ledger entry
// for (clinic, drug, batch). Zero when no entries exist. The result matches
// the clinic_inventory line since both are written in the same transaction.
func (r *TransactionRepository) CurrentBalance(ctx context.Context, clinicID, drugID, batchID string) (int, error) {
	var balance int
	query := `
		SELECT COALESCE((
			SELECT balance_after FROM inventory_transactions
			WHERE clinic_id = $1 AND drug_id = $2 AND batch_id = $3
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		), 0)
	`

	if err := r.db.GetContext(ctx, &balance, query, clinicID, drugID, batchID); err != nil {
		return 0, err
	}
	return balance, nil
}
