package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrIntegrity    = errors.New("catalog integrity violation")
	ErrUnavailable  = errors.New("service unavailable")
)

// Specific errors.
var (
	ErrDriverNotFound      = fmt.Errorf("driver: %w", ErrNotFound)
	ErrProviderNotFound    = fmt.Errorf("provider: %w", ErrNotFound)
	ErrProductNotFound     = fmt.Errorf("product: %w", ErrNotFound)
	ErrTransformNotFound   = fmt.Errorf("transform: %w", ErrNotFound)
	ErrNoUsableAsset       = fmt.Errorf("no usable asset flavor: %w", ErrNotFound)
	ErrIncompatibleFlavors = fmt.Errorf("requested products span incompatible asset flavors: %w", ErrInvalidInput)
	ErrCatalogUnavailable  = fmt.Errorf("catalog: %w", ErrUnavailable)
)

// ParseError reports an input that does not match an expected pattern.
// The offending input is always named; parse failures are never coerced
// into absence.
type ParseError struct {
	Kind  string // what was being parsed (date, asset name, product name)
	Input string // the offending input
	Err   error  // underlying error, if any
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parsing %s %q: %v", e.Kind, e.Input, e.Err)
	}
	return fmt.Sprintf("parsing %s %q: no pattern matched", e.Kind, e.Input)
}

// Unwrap returns the underlying error type.
func (e *ParseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// ProviderError reports a failed remote provider operation. Absence of
// data is not a ProviderError; it is a nil result.
type ProviderError struct {
	Provider  string // provider adapter name
	Operation string // locate or download
	Key       string // asset key context
	Err       error  // underlying error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s %s: %v", e.Provider, e.Operation, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// CatalogError reports a failed catalog operation.
type CatalogError struct {
	Operation string // upsert, search, delete, list
	Key       string // record key context, if any
	Err       error  // underlying error
}

// Error implements the error interface.
func (e *CatalogError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("catalog %s %s: %v", e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("catalog %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *CatalogError) Unwrap() error {
	return e.Err
}

// IntegrityError reports a filesystem/catalog state that cannot be
// reconciled, such as two files claiming the same key. It is fatal for
// one driver's reconciliation pass only.
type IntegrityError struct {
	Driver string
	Key    string
	Detail string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("driver %s: key %s: %s", e.Driver, e.Key, e.Detail)
}

// Unwrap returns the underlying error type.
func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // configuration field
	Message string // error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error type.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}
