package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestTenantErrorMessage(t *testing.T) {
	t.Parallel()

	err := &TenantError{Tenant: "9471", Op: "pair", Err: ErrServiceUnavailable}
	want := "tenant 9471: pair: service unavailable"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTenantErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &TenantError{Tenant: "9471", Op: "persist", Err: ErrVersionConflict}
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatal("expected errors.Is to match ErrVersionConflict")
	}
}

func TestTenantErrorWithoutTenant(t *testing.T) {
	t.Parallel()

	err := &TenantError{Op: "restore", Err: ErrNotFound}
	want := "restore: not found"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassNone},
		{"auth", fmt.Errorf("close: %w", ErrAuthRevoked), ClassAuthRevoked},
		{"invalid_id", ErrInvalidTenantID, ClassValidation},
		{"unknown_setting", ErrUnknownSetting, ClassValidation},
		{"conflict", &TenantError{Op: "persist", Err: ErrVersionConflict}, ClassConflict},
		{"already", ErrAlreadyConnected, ClassConflict},
		{"canceled", context.Canceled, ClassNone},
		{"other", errors.New("connection reset"), ClassTransient},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify() = %s, want %s", got, tc.want)
			}
		})
	}
}
