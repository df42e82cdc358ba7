// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Sentinel errors for all error conditions of the ingestion path
// - Error category checking functions (protocol, resource, retriable)
// - Error wrapping utilities
// - Validation error collection used by the config loader

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Ring buffer errors
	ErrInsufficientData = errors.New("insufficient data")
	ErrOverrun          = errors.New("ring buffer overrun")

	// Protocol errors (recoverable through resync)
	ErrBadMagic        = errors.New("bad header magic")
	ErrHeaderChecksum  = errors.New("header checksum mismatch")
	ErrChannelMarker   = errors.New("channel marker mismatch")
	ErrChannelChecksum = errors.New("channel checksum mismatch")
	ErrChannelOverrun  = errors.New("channel sample overrun")
	ErrUnknownVariant  = errors.New("unknown protocol variant")

	// Resource errors
	ErrEventTooLarge = errors.New("event too large")
	ErrQueueFull     = errors.New("ready queue full")
	ErrSlotEvicted   = errors.New("registry slot evicted")
	ErrWriterClosed  = errors.New("writer is closed")

	// Connection errors
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("timeout")

	// Validation errors
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingField   = errors.New("missing required field")
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidRecord  = errors.New("invalid record")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsProtocolError returns true if err means the byte stream is misaligned
// or corrupted and the decoder must resynchronize.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrBadMagic) ||
		errors.Is(err, ErrHeaderChecksum) ||
		errors.Is(err, ErrChannelMarker) ||
		errors.Is(err, ErrChannelChecksum) ||
		errors.Is(err, ErrChannelOverrun) ||
		errors.Is(err, ErrEventTooLarge)
}

// IsResourceError returns true if err is a capacity problem that causes
// graceful data loss.
func IsResourceError(err error) bool {
	return errors.Is(err, ErrOverrun) ||
		errors.Is(err, ErrEventTooLarge) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrSlotEvicted)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrNotConnected)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
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

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
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

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
