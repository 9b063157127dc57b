package privacykit

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrConfig indicates invalid construction-time configuration; fatal at init.
	ErrConfig = errors.New("invalid configuration")

	// ErrNotInitialized indicates a component was used before construction
	// completed; a programmer error.
	ErrNotInitialized = errors.New("component not initialized")

	// ErrQueueFull indicates the queue rejected a new operation at capacity.
	ErrQueueFull = errors.New("update queue full")

	// ErrQueueOverflow indicates an operation was evicted to admit a newer one.
	ErrQueueOverflow = errors.New("update queue overflow, operation evicted")

	// ErrQueueClosed indicates the queue no longer accepts operations.
	ErrQueueClosed = errors.New("update queue closed")

	// ErrQueueCleared indicates pending operations were discarded by ClearQueue.
	ErrQueueCleared = errors.New("update queue cleared")

	// ErrConsentRequired indicates a required consent is absent; raised before
	// any data is touched.
	ErrConsentRequired = errors.New("consent required")

	// ErrUnknownPurpose indicates a purpose id absent from configuration.
	ErrUnknownPurpose = errors.New("unknown consent purpose")

	// ErrRecordNotFound indicates a record was not found.
	ErrRecordNotFound = errors.New("record not found")

	// ErrBackendUnavailable indicates the storage backend is unreachable.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrNotOwned indicates a record does not belong to the requesting user.
	ErrNotOwned = errors.New("record not owned by user")
)

// FieldCryptoError reports an encrypt or decrypt failure for a single field.
// It is fatal for that record and never retried.
type FieldCryptoError struct {
	Table    string
	Field    string
	EntityID string
	Op       string // "encrypt" or "decrypt"
	Err      error
}

func (e *FieldCryptoError) Error() string {
	return fmt.Sprintf("%s field %s.%s for entity %q failed: %v", e.Op, e.Table, e.Field, e.EntityID, e.Err)
}

func (e *FieldCryptoError) Unwrap() error {
	return e.Err
}

// BatchError reports a backend failure for one (type, table) group of a flush.
// It triggers per-operation retry handling and never aborts sibling groups.
type BatchError struct {
	Table string
	Type  OperationType
	Count int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %s on table %s failed for %d operation(s): %v", e.Type, e.Table, e.Count, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// TableError reports a per-table failure inside a partial-success rights
// operation.
type TableError struct {
	Table string
	Op    string
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s on table %s failed: %v", e.Op, e.Table, e.Err)
}

func (e *TableError) Unwrap() error {
	return e.Err
}
