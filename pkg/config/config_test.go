package config

import (
	"strings"
	"testing"
)

func TestDatabaseConfigDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "clinic",
		Password: "secret",
		Database: "clinic_pharmacy",
		SSLMode:  "require",
	}

	want := "host=db.internal port=5432 user=clinic password=secret dbname=clinic_pharmacy sslmode=require"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestDatabaseConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		host        string
		environment string
		wantErr     bool
		errContains string
	}{
		{
			name:        "localhost allowed in development",
			host:        "localhost",
			environment: EnvDevelopment,
			wantErr:     false,
		},
		{
			name:        "localhost rejected in production",
			host:        "localhost",
			environment: EnvProduction,
			wantErr:     true,
			errContains: "localhost database not allowed",
		},
		{
			name:        "localhost rejected in staging",
			host:        "localhost",
			environment: EnvStaging,
			wantErr:     true,
			errContains: "localhost database not allowed",
		},
		{
			name:        "empty host rejected in production",
			host:        "",
			environment: EnvProduction,
			wantErr:     true,
			errContains: "CLINIC_DATABASE_HOST required",
		},
		{
			name:        "real host allowed in production",
			host:        "db.internal",
			environment: EnvProduction,
			wantErr:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DatabaseConfig{Host: tt.host}
			err := cfg.Validate(tt.environment)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("pharmacy-service")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090", cfg.Server.Port)
	}
	if cfg.Server.Environment != EnvDevelopment {
		t.Errorf("Server.Environment = %q, want %q", cfg.Server.Environment, EnvDevelopment)
	}
	if cfg.Database.SSLMode != "disable" {
		t.Errorf("Database.SSLMode = %q, want %q", cfg.Database.SSLMode, "disable")
	}
	if cfg.RabbitMQ.PrefetchCount != 10 {
		t.Errorf("RabbitMQ.PrefetchCount = %d, want 10", cfg.RabbitMQ.PrefetchCount)
	}
}
