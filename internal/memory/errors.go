package memory

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by GraphStore implementations. The lifecycle
// manager maps these onto the typed errors below before they cross the API
// boundary.
var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

// ValidationError reports a caller mistake: a missing required field, an
// attempt to mutate an immutable identity field, an out-of-range score, or an
// unknown attitude/proximity word. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an operation against an unknown entity key or a
// missing relationship.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// ConflictError reports a concurrent-creation race the manager could not
// recover from internally.
type ConflictError struct {
	Key    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Key, e.Reason)
}

// StoreError wraps an underlying GraphStore I/O failure. Operations are
// idempotent, so callers may retry.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// SynthesisError reports an external oracle failure during consolidation.
// Batch jobs log these per record and continue.
type SynthesisError struct {
	Key string
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed for %s: %v", e.Key, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}
