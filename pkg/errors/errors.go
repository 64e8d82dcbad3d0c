// Package errors provides custom error types for the shelfsync engine.
// The taxonomy lets callers branch on error kind with errors.Is instead of
// inspecting exception-style error chains: connector failures are tagged as
// auth, transient, or data errors, and mapping failures carry the identity
// context that produced them.
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/shelfsync/shelfsync/pkg/platforms"
)

// New returns an error that formats as the given text.
// It's an alias for the standard library errors.New for convenience.
var New = errors.New

// Is reports whether any error in err's chain matches target.
// It's an alias for the standard library errors.Is for convenience.
var Is = errors.Is

// As finds the first error in err's chain that matches target.
// It's an alias for the standard library errors.As for convenience.
var As = errors.As

// Common sentinel errors for the shelfsync engine
var (
	// ErrNotFound indicates that a requested record was not found
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a record already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates that provided input was invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrAuth indicates invalid or expired platform credentials
	ErrAuth = errors.New("authentication failed")

	// ErrTransient indicates a retryable network or rate-limit failure
	ErrTransient = errors.New("transient failure")

	// ErrMalformedData indicates an unexpected or unparseable platform response
	ErrMalformedData = errors.New("malformed platform data")

	// ErrMappingConflict indicates an identity resolution that would merge
	// two distinct canonical entities
	ErrMappingConflict = errors.New("mapping conflict")

	// ErrUnresolvedMapping indicates a push action whose target has no known
	// platform-native ID
	ErrUnresolvedMapping = errors.New("unresolved mapping")

	// ErrSyncInProgress indicates a sync cycle is already running for the account
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrUnsupportedPlatform indicates no connector is registered for a platform
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrCanceled indicates that an operation was canceled
	ErrCanceled = errors.New("operation canceled")
)

// ConnectorKind classifies a connector failure.
type ConnectorKind string

const (
	// KindAuth marks invalid/expired credentials; the connection is flagged
	// for re-authentication and not retried.
	KindAuth ConnectorKind = "auth"
	// KindTransient marks network/rate-limit failures; retried with backoff.
	KindTransient ConnectorKind = "transient"
	// KindData marks malformed responses; the affected entity is skipped.
	KindData ConnectorKind = "data"
)

// ConnectorError represents a failure talking to a marketplace platform.
type ConnectorError struct {
	Platform   platforms.Platform
	Kind       ConnectorKind
	Operation  string // "fetch_locations", "fetch_catalog", "push_product", ...
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface
func (e *ConnectorError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s connector %s error during %s (status %d): %s",
			e.Platform, e.Kind, e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s connector %s error during %s: %s", e.Platform, e.Kind, e.Operation, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *ConnectorError) Is(target error) bool {
	switch e.Kind {
	case KindAuth:
		return target == ErrAuth
	case KindTransient:
		return target == ErrTransient
	case KindData:
		return target == ErrMalformedData
	}
	return false
}

// NewConnectorAuthError creates a ConnectorError tagged as an auth failure.
func NewConnectorAuthError(platform platforms.Platform, operation, message string) *ConnectorError {
	return &ConnectorError{Platform: platform, Kind: KindAuth, Operation: operation, Message: message}
}

// NewConnectorTransientError creates a ConnectorError tagged as transient.
func NewConnectorTransientError(platform platforms.Platform, operation string, statusCode int, err error) *ConnectorError {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ConnectorError{
		Platform:   platform,
		Kind:       KindTransient,
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// NewConnectorDataError creates a ConnectorError tagged as a data failure.
func NewConnectorDataError(platform platforms.Platform, operation string, err error) *ConnectorError {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ConnectorError{Platform: platform, Kind: KindData, Operation: operation, Message: message, Err: err}
}

// MappingConflictError represents an identity resolution that disagrees
// with an existing mapping, e.g. a SKU that resolves to a variant under a
// different parent product than expected.
type MappingConflictError struct {
	EntityType platforms.EntityType
	Key        string // the key that collided (SKU, platform ID, ...)
	ExpectedID string // internal ID the caller expected
	ActualID   string // internal ID the store already holds
}

// Error implements the error interface
func (e *MappingConflictError) Error() string {
	return fmt.Sprintf("mapping conflict for %s key %q: expected internal ID %s, found %s",
		e.EntityType, e.Key, e.ExpectedID, e.ActualID)
}

// Is implements errors.Is support
func (e *MappingConflictError) Is(target error) bool {
	return target == ErrMappingConflict
}

// UnresolvedMappingError represents a push action targeting an entity with
// no known platform-native ID.
type UnresolvedMappingError struct {
	Platform   platforms.Platform
	EntityType platforms.EntityType
	InternalID string
}

// Error implements the error interface
func (e *UnresolvedMappingError) Error() string {
	return fmt.Sprintf("no %s ID mapped for %s %s", e.Platform, e.EntityType, e.InternalID)
}

// Is implements errors.Is support
func (e *UnresolvedMappingError) Is(target error) bool {
	return target == ErrUnresolvedMapping
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is implements errors.Is support
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NotFoundError represents an error when a record is not found
type NotFoundError struct {
	Resource string
	ID       string
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Resource, e.ID)
}

// Is implements errors.Is support
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Helper functions for error checking

// IsAuth checks if an error is a credentials failure
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsTransient checks if an error is retryable
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsMalformedData checks if an error is a malformed-response failure
func IsMalformedData(err error) bool {
	return errors.Is(err, ErrMalformedData)
}

// IsMappingConflict checks if an error is a mapping conflict
func IsMappingConflict(err error) bool {
	return errors.Is(err, ErrMappingConflict)
}

// IsUnresolvedMapping checks if an error is an unresolved push target
func IsUnresolvedMapping(err error) bool {
	return errors.Is(err, ErrUnresolvedMapping)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCanceled checks if an error is a cancellation error
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// WrapResource wraps an error with the operation and record that failed.
func WrapResource(operation, resource, id string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s %s %s: %w", operation, resource, id, err)
}
