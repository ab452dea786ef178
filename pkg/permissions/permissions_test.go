package permissions

import (
	"context"
	"reflect"
	"testing"

	apperrors "github.com/clinichq/clinic-backend/pkg/errors"
)

func TestClinicGrantsAllows(t *testing.T) {
	grants := ClinicGrants{
		"clinic-a": {"pharmacy.manage"},
		"clinic-b": {"pharmacy.*"},
		"clinic-c": {"*"},
		"clinic-d": {"billing.manage"},
	}

	tests := []struct {
		name     string
		clinicID string
		required string
		want     bool
	}{
		{"exact capability", "clinic-a", "pharmacy.manage", true},
		{"exact capability does not imply siblings", "clinic-a", "pharmacy.dispense", false},
		{"namespace wildcard", "clinic-b", "pharmacy.dispense", true},
		{"namespace wildcard scoped to prefix", "clinic-b", "billing.manage", false},
		{"full wildcard", "clinic-c", "billing.manage", true},
		{"unrelated capability", "clinic-d", "pharmacy.read", false},
		{"unknown clinic", "clinic-x", "pharmacy.read", false},
		{"empty requirement always allowed", "clinic-x", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := grants.Allows(tt.clinicID, tt.required); got != tt.want {
				t.Errorf("Allows(%q, %q) = %v, want %v", tt.clinicID, tt.required, got, tt.want)
			}
		})
	}
}

func TestClinicIDsWithIsSorted(t *testing.T) {
	grants := ClinicGrants{
		"clinic-z": {"pharmacy.read"},
		"clinic-a": {"*"},
		"clinic-m": {"pharmacy.*"},
		"clinic-b": {"billing.manage"},
	}

	got := grants.ClinicIDsWith("pharmacy.read")
	want := []string{"clinic-a", "clinic-m", "clinic-z"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ClinicIDsWith() = %v, want %v", got, want)
	}
}

func TestGrantCheckerAuthorizeClinic(t *testing.T) {
	checker := NewGrantChecker()

	t.Run("no grants in context is unauthorized", func(t *testing.T) {
		err := checker.AuthorizeClinic(context.Background(), "clinic-a", CapabilityManageInventory)
		if !apperrors.Is(err, apperrors.ErrUnauthorized) {
			t.Errorf("expected unauthorized, got %v", err)
		}
	})

	t.Run("grant on other clinic is forbidden", func(t *testing.T) {
		ctx := WithGrants(context.Background(), ClinicGrants{
			"clinic-b": {"pharmacy.manage"},
		})
		err := checker.AuthorizeClinic(ctx, "clinic-a", CapabilityManageInventory)
		if !apperrors.Is(err, apperrors.ErrForbidden) {
			t.Errorf("expected forbidden, got %v", err)
		}
	})

	t.Run("matching grant passes", func(t *testing.T) {
		ctx := WithGrants(context.Background(), ClinicGrants{
			"clinic-a": {"pharmacy.*"},
		})
		if err := checker.AuthorizeClinic(ctx, "clinic-a", CapabilityDispense); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})
}
