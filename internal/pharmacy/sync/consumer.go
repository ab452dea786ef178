// Package sync consumes catalogue and batch deltas from the trusted
// server-to-server replication exchange. It is the only caller of the
// unchecked repository writes: deltas arrive pre-authorized from the
// upstream system and never touch clinic balances or the ledger.
package sync

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/clinichq/clinic-backend/internal/pharmacy/repository"
	"github.com/clinichq/clinic-backend/pkg/logger"
	"github.com/clinichq/clinic-backend/pkg/messaging"
)

// DeltaConsumer applies sync deltas to the local catalogue and batches
type DeltaConsumer struct {
	consumer  *messaging.Consumer
	drugRepo  *repository.DrugRepository
	batchRepo *repository.BatchRepository
	logger    *logger.Logger
}

// NewDeltaConsumer creates a new sync delta consumer
func NewDeltaConsumer(rmq *messaging.RabbitMQ, drugRepo *repository.DrugRepository, batchRepo *repository.BatchRepository, log *logger.Logger) (*DeltaConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, "pharmacy-service.sync-deltas", log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeSyncDeltas, "sync.#"); err != nil {
		return nil, err
	}

	c := &DeltaConsumer{
		consumer:  consumer,
		drugRepo:  drugRepo,
		batchRepo: batchRepo,
		logger:    log,
	}

	consumer.RegisterHandler(messaging.EventSyncDrugUpserted, c.handleDrugUpserted)
	consumer.RegisterHandler(messaging.EventSyncDrugDeleted, c.handleDrugDeleted)
	consumer.RegisterHandler(messaging.EventSyncBatchUpserted, c.handleBatchUpserted)
	consumer.RegisterHandler(messaging.EventSyncBatchDeleted, c.handleBatchDeleted)

	return c, nil
}

// Start starts consuming deltas
func (c *DeltaConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

func (c *DeltaConsumer) handleDrugUpserted(ctx context.Context, event *messaging.Event) error {
	var data messaging.DrugDelta
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("drug_id", data.DrugID).
		Str("generic_name", data.GenericName).
		Msg("received drug delta")

	drug := &repository.Drug{
		ID:                    data.DrugID,
		GenericName:           data.GenericName,
		BrandName:             data.BrandName,
		Form:                  data.Form,
		Route:                 data.Route,
		Strength:              data.Strength,
		IsControlled:          data.IsControlled,
		RequiresRefrigeration: data.RequiresRefrigeration,
		IsActive:              data.DeletedAt == nil,
		DeletedAt:             data.DeletedAt,
	}
	if data.UnitPrice != nil {
		price, err := decimal.NewFromString(*data.UnitPrice)
		if err != nil {
			c.logger.Warn().Str("drug_id", data.DrugID).Str("unit_price", *data.UnitPrice).Msg("delta carries unparseable unit price, skipping field")
		} else {
			drug.UnitPrice = &price
		}
	}

	return c.drugRepo.UpsertUnchecked(ctx, drug)
}

func (c *DeltaConsumer) handleDrugDeleted(ctx context.Context, event *messaging.Event) error {
	var data messaging.DrugDelta
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().Str("drug_id", data.DrugID).Msg("received drug deletion delta")

	err := c.drugRepo.SoftDelete(ctx, data.DrugID)
	if err != nil {
		// A repeated deletion delta finds the drug already gone.
		c.logger.Debug().Err(err).Str("drug_id", data.DrugID).Msg("drug deletion delta had no effect")
	}
	return nil
}

func (c *DeltaConsumer) handleBatchUpserted(ctx context.Context, event *messaging.Event) error {
	var data messaging.BatchDelta
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("drug_id", data.DrugID).
		Str("batch_number", data.BatchNumber).
		Int("quantity_received", data.QuantityReceived).
		Msg("received batch delta")

	batch := &repository.DrugBatch{
		DrugID:            data.DrugID,
		BatchNumber:       data.BatchNumber,
		ExpiryDate:        data.ExpiryDate,
		ManufactureDate:   data.ManufactureDate,
		QuantityReceived:  data.QuantityReceived,
		QuantityRemaining: data.QuantityRemaining,
		SupplierName:      data.SupplierName,
		ReceivedDate:      data.ReceivedDate,
	}
	if data.PurchasePrice != nil {
		price, err := decimal.NewFromString(*data.PurchasePrice)
		if err != nil {
			c.logger.Warn().Str("batch_number", data.BatchNumber).Msg("delta carries unparseable purchase price, skipping field")
		} else {
			batch.PurchasePrice = &price
		}
	}

	return c.batchRepo.UpsertUnchecked(ctx, batch)
}

func (c *DeltaConsumer) handleBatchDeleted(ctx context.Context, event *messaging.Event) error {
	var data messaging.BatchDelta
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("drug_id", data.DrugID).
		Str("batch_number", data.BatchNumber).
		Msg("received batch deletion delta")

	// The batch row stays so ledger history keeps resolving; it just leaves
	// every active view.
	return c.batchRepo.RetireUnchecked(ctx, data.DrugID, data.BatchNumber)
}
