package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types
const (
	// Pharmacy events (published by this service)
	EventStockAdjusted    = "pharmacy.stock.adjusted"
	EventStockReserved    = "pharmacy.stock.reserved"
	EventStockReleased    = "pharmacy.stock.released"
	EventBatchQuarantined = "pharmacy.batch.quarantined"
	EventBatchReleased    = "pharmacy.batch.released"
	EventBatchExpiring    = "pharmacy.batch.expiring"
	EventDispenseRecorded = "pharmacy.dispense.recorded"

	// Sync deltas (consumed from the trusted server-to-server path)
	EventSyncDrugUpserted  = "sync.drug.upserted"
	EventSyncDrugDeleted   = "sync.drug.deleted"
	EventSyncBatchUpserted = "sync.batch.upserted"
	EventSyncBatchDeleted  = "sync.batch.deleted"
)

// Exchange names
const (
	ExchangePharmacyEvents = "pharmacy.events"
	ExchangeSyncDeltas     = "sync.deltas"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Pharmacy events

// StockAdjustedEvent is published after every ledger balance mutation
type StockAdjustedEvent struct {
	ClinicID     string `json:"clinic_id"`
	DrugID       string `json:"drug_id"`
	BatchID      string `json:"batch_id,omitempty"`
	Type         string `json:"type"`
	Quantity     int    `json:"quantity"`
	BalanceAfter int    `json:"balance_after"`
	PerformedBy  string `json:"performed_by,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// StockReservedEvent is published when stock is reserved for a prescription
type StockReservedEvent struct {
	ClinicID string `json:"clinic_id"`
	DrugID   string `json:"drug_id"`
	BatchID  string `json:"batch_id"`
	Quantity int    `json:"quantity"`
}

// StockReleasedEvent is published when a reservation is released
type StockReleasedEvent struct {
	ClinicID string `json:"clinic_id"`
	DrugID   string `json:"drug_id"`
	BatchID  string `json:"batch_id"`
	Quantity int    `json:"quantity"`
}

// BatchQuarantinedEvent is published on quarantine and release actions
type BatchQuarantinedEvent struct {
	BatchID     string `json:"batch_id"`
	DrugID      string `json:"drug_id"`
	BatchNumber string `json:"batch_number"`
	Quarantined bool   `json:"quarantined"`
	Reason      string `json:"reason,omitempty"`
	PerformedBy string `json:"performed_by,omitempty"`
}

// BatchExpiringEvent is published by the expiry scan for each batch nearing expiry
type BatchExpiringEvent struct {
	BatchID     string    `json:"batch_id"`
	DrugID      string    `json:"drug_id"`
	BatchNumber string    `json:"batch_number"`
	ExpiryDate  time.Time `json:"expiry_date"`
	DaysUntil   int       `json:"days_until"`
	Remaining   int       `json:"remaining"`
}

// DispenseRecordedEvent is published when a dispensing record is created
type DispenseRecordedEvent struct {
	DispensingID string `json:"dispensing_id"`
	ClinicID     string `json:"clinic_id"`
	PatientID    string `json:"patient_id"`
	DrugID       string `json:"drug_id"`
	BatchID      string `json:"batch_id,omitempty"`
	Quantity     int    `json:"quantity"`
	DispensedBy  string `json:"dispensed_by"`
}

// Sync deltas

// DrugDelta carries a full drug row from the server-to-server sync path
type DrugDelta struct {
	DrugID                string     `json:"drug_id"`
	GenericName           string     `json:"generic_name"`
	BrandName             *string    `json:"brand_name,omitempty"`
	Form                  string     `json:"form"`
	Route                 *string    `json:"route,omitempty"`
	Strength              *string    `json:"strength,omitempty"`
	UnitPrice             *string    `json:"unit_price,omitempty"`
	IsControlled          bool       `json:"is_controlled"`
	RequiresRefrigeration bool       `json:"requires_refrigeration"`
	DeletedAt             *time.Time `json:"deleted_at,omitempty"`
}

// BatchDelta carries a full batch snapshot from the server-to-server sync
// path. Quantities are absolute state, not increments, so consumers can
// apply the same delta more than once.
type BatchDelta struct {
	DrugID            string     `json:"drug_id"`
	BatchNumber       string     `json:"batch_number"`
	ExpiryDate        time.Time  `json:"expiry_date"`
	ManufactureDate   *time.Time `json:"manufacture_date,omitempty"`
	QuantityReceived  int        `json:"quantity_received"`
	QuantityRemaining int        `json:"quantity_remaining"`
	ReceivedDate      time.Time  `json:"received_date"`
	SupplierName      *string    `json:"supplier_name,omitempty"`
	PurchasePrice     *string    `json:"purchase_price,omitempty"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%10000)
}
