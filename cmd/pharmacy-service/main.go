package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/clinichq/clinic-backend/internal/pharmacy/events"
	"github.com/clinichq/clinic-backend/internal/pharmacy/handler"
	"github.com/clinichq/clinic-backend/internal/pharmacy/repository"
	"github.com/clinichq/clinic-backend/internal/pharmacy/service"
	pharmsync "github.com/clinichq/clinic-backend/internal/pharmacy/sync"
	"github.com/clinichq/clinic-backend/pkg/auth"
	"github.com/clinichq/clinic-backend/pkg/config"
	"github.com/clinichq/clinic-backend/pkg/database"
	"github.com/clinichq/clinic-backend/pkg/httputil"
	"github.com/clinichq/clinic-backend/pkg/logger"
	"github.com/clinichq/clinic-backend/pkg/messaging"
	"github.com/clinichq/clinic-backend/pkg/permissions"
)

// expiryScanInterval is how often the background expiry scan runs
const expiryScanInterval = 12 * time.Hour

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation("pharmacy-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("pharmacy-service", cfg.Server.Environment)
	log.Info().Msg("starting Pharmacy Service")

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	rawPublisher, err := messaging.NewPublisher(rmq, messaging.ExchangePharmacyEvents, "pharmacy-service", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}
	publisher := events.NewPharmacyEventPublisher(rawPublisher, log)

	// Repositories
	drugRepo := repository.NewDrugRepository(db)
	batchRepo := repository.NewBatchRepository(db)
	inventoryRepo := repository.NewInventoryRepository(db)
	txRepo := repository.NewTransactionRepository(db)
	dispensingRepo := repository.NewDispensingRepository(db)
	stockRepo := repository.NewStockRepository(db)

	// Services
	authz := permissions.NewGrantChecker()
	catalogueService := service.NewCatalogueService(drugRepo, batchRepo, authz, log)
	ledgerService := service.NewLedgerService(db, inventoryRepo, txRepo, authz, publisher, log)
	receivingService := service.NewReceivingService(db, drugRepo, batchRepo, inventoryRepo, authz, publisher, log)
	dispensingService := service.NewDispensingService(db, dispensingRepo, inventoryRepo, batchRepo, authz, publisher, log)
	reportingService := service.NewReportingService(stockRepo, batchRepo, inventoryRepo, authz, publisher, log)

	// Handlers
	drugHandler := handler.NewDrugHandler(catalogueService, log)
	batchHandler := handler.NewBatchHandler(receivingService, reportingService, log)
	stockHandler := handler.NewStockHandler(ledgerService, reportingService, log)
	dispensingHandler := handler.NewDispensingHandler(dispensingService, log)

	// Sync delta consumer (trusted server-to-server path)
	deltaConsumer, err := pharmsync.NewDeltaConsumer(rmq, drugRepo, batchRepo, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create sync delta consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := deltaConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start sync delta consumer")
	}

	// Background expiry scan
	go runExpiryScan(ctx, reportingService, log)

	verifier := auth.NewVerifier(&cfg.JWT)

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  "pharmacy-service",
			"database": db.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})

	// API routes
	r.Route("/api/v1/pharmacy", func(r chi.Router) {
		r.Use(auth.Middleware(verifier))

		r.Route("/drugs", func(r chi.Router) {
			r.Get("/", drugHandler.List)
			r.Post("/", drugHandler.Create)
			r.Get("/{id}", drugHandler.Get)
			r.Put("/{id}", drugHandler.Update)
			r.Delete("/{id}", drugHandler.Delete)
		})

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", batchHandler.Receive)
			r.Get("/expiring", batchHandler.Expiring)
			r.Get("/expired", batchHandler.Expired)
			r.Get("/valuation", batchHandler.Valuation)
			r.Post("/{id}/quarantine", batchHandler.Quarantine)
			r.Post("/{id}/release-quarantine", batchHandler.ReleaseQuarantine)
		})

		r.Route("/clinics/{clinicID}", func(r chi.Router) {
			r.Get("/stock", stockHandler.Overview)
			r.Get("/stock/lines", stockHandler.Lines)
			r.Get("/stock/line", stockHandler.Line)
			r.Post("/stock/adjustments", stockHandler.UpdateQuantity)
			r.Post("/stock/reservations", stockHandler.Reserve)
			r.Post("/stock/releases", stockHandler.Release)
			r.Post("/stock/counts", stockHandler.StockCount)
			r.Get("/transactions", stockHandler.Transactions)
			r.Get("/transactions/by-reference/{refType}/{refID}", stockHandler.TransactionsByReference)
			r.Post("/dispensing", dispensingHandler.Dispense)
			r.Get("/dispensing", dispensingHandler.List)
		})

		r.Get("/dispensing/{id}", dispensingHandler.Get)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Cancel context to stop consumers and the expiry scan
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// runExpiryScan periodically flags batches nearing expiry. The scan runs on
// its own system context, not a request context, so no permission gate
// applies.
func runExpiryScan(ctx context.Context, reporting *service.ReportingService, log *logger.Logger) {
	ticker := time.NewTicker(expiryScanInterval)
	defer ticker.Stop()

	scan := func() {
		count, err := reporting.ScanExpiring(ctx, service.DefaultExpiryWindowDays)
		if err != nil {
			log.Error().Err(err).Msg("expiry scan failed")
			return
		}
		log.Debug().Int("count", count).Msg("expiry scan completed")
	}

	scan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan()
		}
	}
}
