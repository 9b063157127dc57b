package privacykit

import (
	"time"
)

// Reserved record fields managed by the persistence layer.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldVersion   = "version"
)

// Record is a generic persisted entity. The persistence layer reserves the
// "id", "createdAt", "updatedAt" and "version" fields; everything else is
// application data. The record version increases monotonically on update.
type Record map[string]any

// ID returns the record's identifier, or "" when unset.
func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge overlays other onto a copy of r, later fields overriding earlier ones.
func (r Record) Merge(other Record) Record {
	out := r.Clone()
	if out == nil {
		out = make(Record, len(other))
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// OperationType identifies the kind of queued mutation.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// Base priorities by operation type; deletes always drain first.
const (
	PriorityDelete = 100
	PriorityUpdate = 50
	PriorityCreate = 25
)

// QueuedOperation is a pending mutation owned by the UpdateQueue until it
// resolves. At most one exists per (table, entity id); later updates merge
// into the pending one.
type QueuedOperation struct {
	ID         string
	Type       OperationType
	Table      string
	EntityID   string
	Data       Record
	Timestamp  time.Time
	Priority   int
	RetryCount int
	MaxRetries int
	LastError  string
}

// FlushResult summarizes a queue drain.
type FlushResult struct {
	Processed int
	Errors    []error
	Duration  time.Duration
}

// ConsentStatus is the state of a consent record.
type ConsentStatus string

const (
	ConsentGranted ConsentStatus = "granted"
	ConsentRevoked ConsentStatus = "revoked"
)

// ConsentRecord is one entry in the append-only consent history for a
// (user, purpose) pair. Records are never mutated; the current state is the
// latest record by CreatedAt.
type ConsentRecord struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	PurposeID string         `json:"purposeId"`
	Status    ConsentStatus  `json:"status"`
	GrantedAt *time.Time     `json:"grantedAt,omitempty"`
	RevokedAt *time.Time     `json:"revokedAt,omitempty"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
	Source    string         `json:"source,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Version   int            `json:"version"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Expired reports whether a granted record has passed its expiry.
func (c *ConsentRecord) Expired(now time.Time) bool {
	return c.Status == ConsentGranted && c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// ConsentRetention configures how long a granted consent remains valid.
type ConsentRetention struct {
	// MaxDuration is a human-readable duration such as "30 days", "6 months"
	// or "1 year", parsed by ParseRetention.
	MaxDuration string `json:"maxDuration,omitempty"`
}

// ConsentPurpose is an immutable, construction-time data-processing category.
type ConsentPurpose struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Category    string           `json:"category,omitempty"`
	Required    bool             `json:"required"`
	Retention   ConsentRetention `json:"retention"`
}

// AuditEvent is one immutable entry in the audit trail.
type AuditEvent struct {
	ID                string         `json:"id"`
	Timestamp         time.Time      `json:"timestamp"`
	SessionID         string         `json:"sessionId"`
	UserID            string         `json:"userId,omitempty"`
	Action            string         `json:"action"`
	Resource          string         `json:"resource"`
	ResourceID        string         `json:"resourceId,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
	Success           bool           `json:"success"`
	IPAddress         string         `json:"ipAddress,omitempty"`
	UserAgent         string         `json:"userAgent,omitempty"`
	LegalBasis        string         `json:"legalBasis,omitempty"`
	ProcessingPurpose string         `json:"processingPurpose,omitempty"`
	DataCategories    []string       `json:"dataCategories,omitempty"`
	RetentionPeriod   string         `json:"retentionPeriod,omitempty"`
}

// EncryptionMetadata records which fields of a table are encrypted under
// which key version. Exactly one record per table is active at a time.
type EncryptionMetadata struct {
	TableName         string    `json:"tableName"`
	EncryptionVersion int       `json:"encryptionVersion"`
	EncryptedFields   []string  `json:"encryptedFields"`
	Algorithm         string    `json:"algorithm"`
	Active            bool      `json:"active"`
	PreviousVersion   int       `json:"previousVersion,omitempty"`
	Description       string    `json:"description,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// ExportResult is the outcome of a data-subject export. Per-table failures are
// collected in Errors; the export succeeds partially rather than atomically.
type ExportResult struct {
	UserID      string              `json:"userId"`
	Tables      map[string][]Record `json:"tables"`
	RecordCount int                 `json:"recordCount"`
	SizeBytes   int                 `json:"sizeBytes"`
	GeneratedAt time.Time           `json:"generatedAt"`
	ExpiresAt   time.Time           `json:"expiresAt"`
	DownloadURL string              `json:"downloadUrl,omitempty"`
	Errors      []error             `json:"-"`
}

// DeletionResult aggregates a data-subject deletion by disposition.
type DeletionResult struct {
	UserID          string    `json:"userId"`
	DeletedCount    int       `json:"deletedCount"`
	AnonymizedCount int       `json:"anonymizedCount"`
	RetainedCount   int       `json:"retainedCount"`
	TablesTouched   []string  `json:"tablesTouched"`
	ConsentsDeleted bool      `json:"consentsDeleted"`
	AuditDeleted    bool      `json:"auditDeleted"`
	CompletedAt     time.Time `json:"completedAt"`
	Errors          []error   `json:"-"`
}

// RectificationUpdate is one field-level correction requested by a user.
type RectificationUpdate struct {
	Table    string `json:"table"`
	EntityID string `json:"entityId"`
	Fields   Record `json:"fields"`
}

// RectificationResult aggregates per-table rectification outcomes without
// aborting the batch on individual failures.
type RectificationResult struct {
	UserID       string    `json:"userId"`
	AppliedCount int       `json:"appliedCount"`
	SkippedCount int       `json:"skippedCount"`
	CompletedAt  time.Time `json:"completedAt"`
	Errors       []error   `json:"-"`
}

// PortabilityFormat selects the output encoding of a portability request.
type PortabilityFormat string

const (
	FormatJSON PortabilityFormat = "json"
	FormatXML  PortabilityFormat = "xml"
	FormatCSV  PortabilityFormat = "csv"
)

// PortabilityResult is a constrained export in a machine-readable format.
type PortabilityResult struct {
	UserID      string            `json:"userId"`
	Format      PortabilityFormat `json:"format"`
	Payload     []byte            `json:"-"`
	RecordCount int               `json:"recordCount"`
	GeneratedAt time.Time         `json:"generatedAt"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	DownloadURL string            `json:"downloadUrl,omitempty"`
}

// ConsentStatistics summarizes the consent population per purpose.
type ConsentStatistics struct {
	TotalUsers     int            `json:"totalUsers"`
	GrantedByScope map[string]int `json:"grantedByPurpose"`
	RevokedByScope map[string]int `json:"revokedByPurpose"`
	ExpiringSoon   int            `json:"expiringSoon"`
}

// AuditReport summarizes the audit trail over a time range.
type AuditReport struct {
	From         time.Time      `json:"from"`
	To           time.Time      `json:"to"`
	TotalEvents  int            `json:"totalEvents"`
	SuccessCount int            `json:"successCount"`
	FailureCount int            `json:"failureCount"`
	TopActions   []NamedCount   `json:"topActions"`
	TopResources []NamedCount   `json:"topResources"`
	ByUser       map[string]int `json:"byUser,omitempty"`
	Events       []AuditEvent   `json:"events,omitempty"`
}

// NamedCount is a (name, occurrences) pair used in report rankings.
type NamedCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}
