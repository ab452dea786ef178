package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinichq/clinic-backend/pkg/database"
	"github.com/clinichq/clinic-backend/pkg/errors"
)

// DispensingRecord documents medication handed to a patient
type DispensingRecord struct {
	ID                 string    `db:"id" json:"id"`
	ClinicID           string    `db:"clinic_id" json:"clinic_id"`
	PatientID          string    `db:"patient_id" json:"patient_id"`
	DrugID             string    `db:"drug_id" json:"drug_id"`
	BatchID            *string   `db:"batch_id" json:"batch_id,omitempty"`
	PrescriptionItemID *string   `db:"prescription_item_id" json:"prescription_item_id,omitempty"`
	Quantity           int       `db:"quantity" json:"quantity"`
	DispensedBy        string    `db:"dispensed_by" json:"dispensed_by"`
	DispensedAt        time.Time `db:"dispensed_at" json:"dispensed_at"`
	Notes              *string   `db:"notes" json:"notes,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// DispensingFilter narrows dispensing history queries
type DispensingFilter struct {
	ClinicID  string
	PatientID string
	DrugID    string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

const dispensingColumns = `
	id, clinic_id, patient_id, drug_id, batch_id, prescription_item_id,
	quantity, dispensed_by, dispensed_at, notes, created_at
`

// DispensingRepository handles dispensing record persistence
type DispensingRepository struct {
	db *database.DB
}

// NewDispensingRepository creates a new dispensing repository
func NewDispensingRepository(db *database.DB) *DispensingRepository {
	return &DispensingRepository{db: db}
}

// Create inserts a dispensing record
func (r *DispensingRepository) Create(ctx context.Context, record *DispensingRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.DispensedAt.IsZero() {
		record.DispensedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO dispensing_records (
			id, clinic_id, patient_id, drug_id, batch_id, prescription_item_id,
			quantity, dispensed_by, dispensed_at, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	return r.db.QueryRowxContext(ctx, query,
		record.ID, record.ClinicID, record.PatientID, record.DrugID,
		record.BatchID, record.PrescriptionItemID, record.Quantity,
		record.DispensedBy, record.DispensedAt, record.Notes,
	).Scan(&record.CreatedAt)
}

// GetByID gets a dispensing record by ID
func (r *DispensingRepository) GetByID(ctx context.Context, id string) (*DispensingRecord, error) {
	var record DispensingRecord
	query := `SELECT ` + dispensingColumns + ` FROM dispensing_records WHERE id = $1`

	err := r.db.GetContext(ctx, &record, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("dispensing record")
	}
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// List returns dispensing records matching the filter, newest first
func (r *DispensingRepository) List(ctx context.Context, filter DispensingFilter) ([]DispensingRecord, int, error) {
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
	if filter.PatientID != "" {
		add("patient_id = $%d", filter.PatientID)
	}
	if filter.DrugID != "" {
		add("drug_id = $%d", filter.DrugID)
	}
	if filter.From != nil {
		add("dispensed_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("dispensed_at <= $%d", *filter.To)
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM dispensing_records WHERE ` + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s FROM dispensing_records
		WHERE %s
		ORDER BY dispensed_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, dispensingColumns, where, argPos, argPos+1)
	args = append(args, filter.Limit, filter.Offset)

	records := []DispensingRecord{}
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, 0, err
	}

	return records, total, nil
}
