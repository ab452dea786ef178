package events

import (
	"context"

	"github.com/clinichq/clinic-backend/pkg/logger"
	"github.com/clinichq/clinic-backend/pkg/messaging"
)

// Publisher is the transport the pharmacy event publisher writes to.
// *messaging.Publisher satisfies it in production; tests substitute a mock.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
}

// PharmacyEventPublisher publishes pharmacy domain events. Publishing is
// best-effort: a broker failure is logged but never fails the operation that
// produced the event, since the database is the source of truth.
type PharmacyEventPublisher struct {
	publisher Publisher
	logger    *logger.Logger
}

// NewPharmacyEventPublisher creates a new pharmacy event publisher
func NewPharmacyEventPublisher(publisher Publisher, log *logger.Logger) *PharmacyEventPublisher {
	return &PharmacyEventPublisher{
		publisher: publisher,
		logger:    log,
	}
}

// StockAdjusted publishes a ledger mutation event
func (p *PharmacyEventPublisher) StockAdjusted(ctx context.Context, event messaging.StockAdjustedEvent) {
	p.publish(ctx, messaging.EventStockAdjusted, event)
}

// StockReserved publishes a reservation event
func (p *PharmacyEventPublisher) StockReserved(ctx context.Context, event messaging.StockReservedEvent) {
	p.publish(ctx, messaging.EventStockReserved, event)
}

// StockReleased publishes a reservation release event
func (p *PharmacyEventPublisher) StockReleased(ctx context.Context, event messaging.StockReleasedEvent) {
	p.publish(ctx, messaging.EventStockReleased, event)
}

// BatchQuarantined publishes a quarantine state change
func (p *PharmacyEventPublisher) BatchQuarantined(ctx context.Context, event messaging.BatchQuarantinedEvent) {
	p.publish(ctx, messaging.EventBatchQuarantined, event)
}

// BatchExpiring publishes an expiry warning for one batch
func (p *PharmacyEventPublisher) BatchExpiring(ctx context.Context, event messaging.BatchExpiringEvent) {
	p.publish(ctx, messaging.EventBatchExpiring, event)
}

// DispenseRecorded publishes a dispensing event
func (p *PharmacyEventPublisher) DispenseRecorded(ctx context.Context, event messaging.DispenseRecordedEvent) {
	p.publish(ctx, messaging.EventDispenseRecorded, event)
}

func (p *PharmacyEventPublisher) publish(ctx context.Context, eventType string, payload interface{}) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, eventType, payload); err != nil {
		p.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to publish event")
	}
}
