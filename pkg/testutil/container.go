// Package testutil provides testing utilities for the clinic backend services.
// It includes a testcontainers PostgreSQL harness, sqlmock wrappers, and
// mock factories shared by unit and integration tests.
package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer wraps a testcontainers PostgreSQL instance
type PostgresContainer struct {
	*postgres.PostgresContainer
	DSN string
}

// PostgresContainerConfig configures the test PostgreSQL container
type PostgresContainerConfig struct {
	Database string
	Username string
	Password string
	Image    string // Optional: defaults to postgres:15-alpine
}

// DefaultPostgresConfig returns sensible defaults for test containers
func DefaultPostgresConfig() PostgresContainerConfig {
	return PostgresContainerConfig{
		Database: "clinic_test",
		Username: "test",
		Password: "test",
		Image:    "postgres:15-alpine",
	}
}

// NewPostgresContainer creates a new PostgreSQL test container.
//
// Usage:
//
//	func TestMain(m *testing.M) {
//	    ctx := context.Background()
//	    container, err := testutil.NewPostgresContainer(ctx, testutil.DefaultPostgresConfig())
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer container.Terminate(ctx)
//
//	    code := m.Run()
//	    os.Exit(code)
//	}
func NewPostgresContainer(ctx context.Context, cfg PostgresContainerConfig) (*PostgresContainer, error) {
	if cfg.Image == "" {
		cfg.Image = "postgres:15-alpine"
	}
	if cfg.Database == "" {
		cfg.Database = "clinic_test"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "test"
	}

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage(cfg.Image),
		postgres.WithDatabase(cfg.Database),
		postgres.WithUsername(cfg.Username),
		postgres.WithPassword(cfg.Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	return &PostgresContainer{
		PostgresContainer: container,
		DSN:               dsn,
	}, nil
}

// Connect returns a sqlx.DB connection to the container
func (c *PostgresContainer) Connect(ctx context.Context) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", c.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test database: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container
func (c *PostgresContainer) Terminate(ctx context.Context) error {
	return c.PostgresContainer.Terminate(ctx)
}

// CreatePharmacySchema creates the pharmacy service tables used by
// integration tests. It mirrors the production migrations.
func (c *PostgresContainer) CreatePharmacySchema(ctx context.Context, db *sqlx.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS drugs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			generic_name VARCHAR(255) NOT NULL,
			brand_name VARCHAR(255),
			form VARCHAR(50) NOT NULL,
			route VARCHAR(50),
			strength VARCHAR(100),
			unit_price NUMERIC(12,4),
			is_controlled BOOLEAN NOT NULL DEFAULT FALSE,
			requires_refrigeration BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS drug_batches (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			drug_id UUID NOT NULL REFERENCES drugs(id),
			batch_number VARCHAR(100) NOT NULL,
			expiry_date DATE NOT NULL,
			manufacture_date DATE,
			quantity_received INTEGER NOT NULL DEFAULT 0,
			quantity_remaining INTEGER NOT NULL DEFAULT 0,
			supplier_name VARCHAR(255),
			purchase_price NUMERIC(12,4),
			received_date DATE NOT NULL DEFAULT CURRENT_DATE,
			is_quarantined BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (drug_id, batch_number)
		);

		CREATE TABLE IF NOT EXISTS clinic_inventory (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			clinic_id UUID NOT NULL,
			drug_id UUID NOT NULL REFERENCES drugs(id),
			batch_id UUID NOT NULL REFERENCES drug_batches(id),
			quantity_available INTEGER NOT NULL DEFAULT 0,
			reserved_quantity INTEGER NOT NULL DEFAULT 0,
			last_counted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (clinic_id, drug_id, batch_id)
		);

		CREATE TABLE IF NOT EXISTS inventory_transactions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			clinic_id UUID NOT NULL,
			drug_id UUID NOT NULL REFERENCES drugs(id),
			batch_id UUID REFERENCES drug_batches(id),
			transaction_type VARCHAR(30) NOT NULL,
			quantity INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			reference_type VARCHAR(30),
			reference_id UUID,
			reason TEXT,
			performed_by UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_inventory_transactions_clinic_drug
			ON inventory_transactions (clinic_id, drug_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS dispensing_records (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			clinic_id UUID NOT NULL,
			patient_id UUID NOT NULL,
			drug_id UUID NOT NULL REFERENCES drugs(id),
			batch_id UUID REFERENCES drug_batches(id),
			prescription_item_id UUID,
			quantity INTEGER NOT NULL,
			dispensed_by UUID NOT NULL,
			dispensed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			notes TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`

	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create pharmacy schema: %w", err)
	}

	return nil
}
