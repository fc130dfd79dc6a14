// Package errors provides standardized error handling for BoxStream components.
// It defines the error taxonomy shared by the decoder, ingestion, broker and
// export layers: classification for retry decisions, sentinel variables for the
// common failure kinds, and helpers for consistent wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Decoding errors. A decode failure always rejects the whole payload.
	ErrDecode        = errors.New("payload decode failed")
	ErrUnknownFormat = errors.New("unknown wire format")
	ErrEmptyPayload  = errors.New("empty payload")

	// Ingestion errors
	ErrUnknownSensor  = errors.New("sensor does not belong to box")
	ErrNonScalarValue = errors.New("measurement value must be a scalar")
	ErrBoxNotFound    = errors.New("box not found")

	// Export validation errors
	ErrInvalidTimeRange = errors.New("invalid time range")
	ErrRangeTooWide     = errors.New("time range exceeds maximum span")
	ErrInvalidColumn    = errors.New("column not in allow-list")
	ErrInvalidSeparator = errors.New("unsupported column separator")

	// Broker connection errors
	ErrConnectFailed      = errors.New("broker connect failed")
	ErrSubscriptionClosed = errors.New("broker subscription closed")
	ErrActorStopped       = errors.New("connection actor stopped")

	// Store errors
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrCursorClosed     = errors.New("cursor closed")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectFailed) ||
		errors.Is(err, ErrSubscriptionClosed) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is due to invalid input. Invalid errors are
// caller faults and are never retried.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrUnknownFormat) ||
		errors.Is(err, ErrEmptyPayload) ||
		errors.Is(err, ErrNonScalarValue) ||
		errors.Is(err, ErrInvalidTimeRange) ||
		errors.Is(err, ErrRangeTooWide) ||
		errors.Is(err, ErrInvalidColumn) ||
		errors.Is(err, ErrInvalidSeparator)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return false
}

// IsNotFound reports whether the error indicates a missing box or sensor.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBoxNotFound) || errors.Is(err, ErrUnknownSensor)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error
// This is an internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// Is, As and New re-export the standard library so callers that already import
// this package do not need a second errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }
