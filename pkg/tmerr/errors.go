// Package tmerr defines the typed error kinds shared across the tiered
// memory engine (spec.md §7) and the operation-context wrapper used to
// surface them.
package tmerr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Components wrap these with wrapError-style context
// rather than constructing ad-hoc errors, so callers can errors.Is against
// a stable kind regardless of which component raised it.
var (
	// ErrNotInitialized is returned when an operation is attempted before
	// Initialize has completed.
	ErrNotInitialized = errors.New("tieredmem: engine not initialized")

	// ErrDimensionMismatch is returned when an embedding's length does not
	// match the configured dimension, or a query vector does not match a
	// stored one.
	ErrDimensionMismatch = errors.New("tieredmem: embedding dimension mismatch")

	// ErrStoreClosed is returned when an operation is attempted on a
	// closed KV store or ANN index.
	ErrStoreClosed = errors.New("tieredmem: store is closed")

	// ErrStoreIO is returned when a KV or ANN persistence operation fails.
	ErrStoreIO = errors.New("tieredmem: store I/O failure")

	// ErrEncoderFailure is returned when an external embedding or
	// generation call fails after its retry budget is exhausted.
	ErrEncoderFailure = errors.New("tieredmem: encoder call failed")

	// ErrLockTimeout is returned when the search lock could not be
	// acquired within its wait bound.
	ErrLockTimeout = errors.New("tieredmem: lock acquisition timed out")

	// ErrIntegrityViolation is returned when a record's integrity hash no
	// longer matches its text; the record is quarantined rather than
	// retried.
	ErrIntegrityViolation = errors.New("tieredmem: integrity hash mismatch")

	// ErrInvalidInput is returned for missing text or malformed options.
	ErrInvalidInput = errors.New("tieredmem: invalid input")

	// ErrNotFound is returned when a record id has no corresponding entry
	// in any tier.
	ErrNotFound = errors.New("tieredmem: record not found")
)

// OpError wraps an underlying error with the name of the operation that
// produced it, following the teacher's StoreError/wrapError convention.
type OpError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("tieredmem: %v", e.Err)
	}
	return fmt.Sprintf("tieredmem: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error so errors.Is/As see through OpError.
func (e *OpError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(opErr, ErrX) to match the wrapped sentinel.
func (e *OpError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// Wrap attaches operation context to err. It returns nil if err is nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}
