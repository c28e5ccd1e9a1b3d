package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrInvalidTenantID means the supplied number has no digits left after
	// normalization.
	ErrInvalidTenantID = errors.New("invalid tenant id")

	// ErrAlreadyConnected indicates the tenant is active or a pairing attempt
	// for it is already in flight.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrServiceUnavailable is returned when a connection cannot be
	// established with the messaging network.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrAuthRevoked means the network rejected the tenant's credentials
	// (logged out elsewhere). The tenant must pair again.
	ErrAuthRevoked = errors.New("credentials revoked")

	// ErrNotFound means the requested object does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by conditional writes when the stored
	// version differs from the one supplied by the caller.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnknownSetting is returned when a settings patch names an option
	// the bot does not know.
	ErrUnknownSetting = errors.New("unknown setting")

	// ErrUnauthorized indicates missing or invalid admin credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimitExceeded is returned when a caller exceeds the allowed
	// request rate.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// TenantError wraps an underlying error with tenant context.
type TenantError struct {
	Tenant string
	Op     string
	Err    error
}

func (e *TenantError) Error() string {
	if e.Tenant != "" {
		return fmt.Sprintf("tenant %s: %s: %v", e.Tenant, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TenantError) Unwrap() error {
	return e.Err
}

// ErrorClass groups failures by how callers should react to them.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassTransient
	ClassAuthRevoked
	ClassValidation
	ClassConflict
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassAuthRevoked:
		return "auth_revoked"
	case ClassValidation:
		return "validation"
	case ClassConflict:
		return "conflict"
	}
	return "unknown"
}

// Classify maps err onto an [ErrorClass]. Anything not recognized is
// treated as transient.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrAuthRevoked):
		return ClassAuthRevoked
	case errors.Is(err, ErrInvalidTenantID), errors.Is(err, ErrUnknownSetting):
		return ClassValidation
	case errors.Is(err, ErrAlreadyConnected), errors.Is(err, ErrVersionConflict):
		return ClassConflict
	case errors.Is(err, context.Canceled):
		return ClassNone
	}
	return ClassTransient
}
