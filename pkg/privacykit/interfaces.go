package privacykit

import (
	"context"
	"time"
)

// StorageBackend is the pluggable persistence layer underneath the middleware.
// Implementations store schemaless records per logical table. Create must
// assign createdAt/updatedAt and version 1; Update must bump updatedAt and
// increment version.
type StorageBackend interface {
	Create(ctx context.Context, table string, data Record) (Record, error)
	Read(ctx context.Context, table, id string) (Record, error)
	Update(ctx context.Context, table, id string, data Record) (Record, error)
	Delete(ctx context.Context, table, id string) error
	Query(ctx context.Context, table string, filter *Filter) ([]Record, error)
	Count(ctx context.Context, table string) (int, error)
	Clear(ctx context.Context, table string) error
}

// BulkBackend is an optional capability for backends that can apply a group
// of same-typed operations in one call. The queue prefers it over sequential
// writes when present.
type BulkBackend interface {
	CreateMany(ctx context.Context, table string, data []Record) ([]Record, error)
	UpdateMany(ctx context.Context, table string, data []Record) ([]Record, error)
	DeleteMany(ctx context.Context, table string, ids []string) error
}

// TableLister is an optional capability for backends that can enumerate their
// logical tables. Rights workflows use it to traverse arbitrary tables when no
// explicit table list is configured.
type TableLister interface {
	TableNames(ctx context.Context) ([]string, error)
}

// Notification names emitted by the middleware. Consumption is optional; core
// correctness never depends on a sink being attached.
const (
	EventOperationQueued      = "operation_queued"
	EventOperationMerged      = "operation_merged"
	EventBatchProcessed       = "batch_processed"
	EventOperationError       = "operation_error"
	EventOperationDeadLetter  = "operation_dead_lettered"
	EventEntityBatchProcessed = "entity_batch_processed"
	EventAuditLogged          = "audit_logged"
	EventAuditError           = "audit_error"
)

// EventSink receives middleware notifications.
type EventSink interface {
	Emit(ctx context.Context, event string, fields map[string]any)
}

// DeadLetterSink receives operations that exhausted their retry budget.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, op QueuedOperation, lastErr error)
}

// DataElementRegistry supplies sensitivity-tagged fields per table, letting
// the encrypted-field set evolve without redeploying a static list.
type DataElementRegistry interface {
	SensitiveFields(table string) []string
}

// Archiver persists an export bundle to a side channel (e.g. S3) and returns
// a download URL valid until expiresAt.
type Archiver interface {
	Archive(ctx context.Context, userID string, bundle []byte, expiresAt time.Time) (string, error)
}
