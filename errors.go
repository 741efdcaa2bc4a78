package modelq

import (
	"errors"
	"fmt"
)

// Sentinel errors for the named failure conditions of the engine.
// Callers distinguish them with errors.Is.
var (
	// ErrNotFound is returned by Get when no entity matches.
	ErrNotFound = errors.New("not found")

	// ErrMultipleResults is returned by Get when the match is ambiguous.
	ErrMultipleResults = errors.New("multiple results")

	// ErrDuplicateModel is returned when a model name is registered twice
	// in the same registry.
	ErrDuplicateModel = errors.New("model already registered")

	// ErrRelatedModelNotFound is returned when a relation's target model
	// cannot be resolved in the registry.
	ErrRelatedModelNotFound = errors.New("related model not found")

	// ErrInvalidRelationField is returned when relation traversal is
	// attempted on a missing or non-relation field.
	ErrInvalidRelationField = errors.New("invalid relation field")

	// ErrMissingPrimaryKey is returned when saving an entity with no
	// resolvable primary key and no generator configured.
	ErrMissingPrimaryKey = errors.New("missing primary key")

	// ErrNoBackend is returned when an operation requires a backend and
	// the descriptor has none.
	ErrNoBackend = errors.New("no backend configured")

	// ErrNotImplemented is returned by backend methods an integrator
	// chose not to implement. It fails loudly instead of no-opping.
	ErrNotImplemented = errors.New("not implemented")
)

// ValidationError reports a field that failed validation during
// FullClean, carrying the offending field name and the underlying
// cause.
type ValidationError struct {
	Model string
	Field string
	Err   error
}

// Error returns the validation error message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Model, e.Field, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error { return e.Err }
