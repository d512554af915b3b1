// Package errors holds the sentinel errors shared by every tickvault component.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
// - A validation error collector used by the configuration layer
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Lock and storage contention
	ErrLockTimeout = errors.New("writer lock timeout")
	ErrStorageBusy = errors.New("storage busy")
	ErrReadOnly    = errors.New("router is read-only for market data")

	// Partition / domain addressing
	ErrPartitionNotFound = errors.New("partition not found")
	ErrInvalidDomain     = errors.New("invalid domain")
	ErrInvalidTimeframe  = errors.New("invalid timeframe")

	// Data errors
	ErrDecode    = errors.New("decode error")
	ErrIntegrity = errors.New("integrity check failed")

	// Upstream connectivity (feed, backfill API, bus)
	ErrUpstream      = errors.New("upstream error")
	ErrNotAuthorized = errors.New("not authorized")

	// Lifecycle
	ErrNotRunning     = errors.New("service not running")
	ErrAlreadyRunning = errors.New("service already running")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsContention returns true if err was caused by another holder of a domain.
func IsContention(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrStorageBusy)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidTimeframe) ||
		errors.Is(err, ErrInvalidDomain)
}

// IsRetriable returns true if the error is potentially retriable.
//
// Lock contention, a busy storage engine and upstream outages heal on their own;
// everything else needs a changed input.
func IsRetriable(err error) bool {
	return IsContention(err) ||
		errors.Is(err, ErrUpstream)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewUpstream marks err as an upstream failure for the named peer.
func NewUpstream(peer string, err error) error {
	return fmt.Errorf("%s: %w: %w", peer, ErrUpstream, err)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
