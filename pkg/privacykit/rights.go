package privacykit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeletePolicy decides what happens to a user's records in a table during a
// deletion request.
type DeletePolicy string

const (
	PolicyRetain    DeletePolicy = "retain"
	PolicyAnonymize DeletePolicy = "anonymize"
	PolicyDelete    DeletePolicy = "delete"
)

// Fixed redaction values stamped into anonymized records.
const (
	RedactedText  = "[REDACTED]"
	RedactedEmail = "redacted@anonymized.invalid"
)

// candidate foreign-key fields checked when deciding whether a record belongs
// to a user.
var ownerFields = []string{
	"userId", "user_id", "ownerId", "owner_id",
	"createdBy", "created_by", "authorId", "subjectId",
}

// RightsConfig configures a RightsService at construction time.
type RightsConfig struct {
	// UserTable is the table whose records are owned via their own id.
	UserTable string
	// Tables restricts traversal; empty means every table the backend lists
	// (requires TableLister) minus ExcludeTables.
	Tables []string
	// ExcludeTables are never traversed (middleware-internal tables by
	// default).
	ExcludeTables []string
	// RequireExportConsent gates exports on ExportConsentPurpose.
	RequireExportConsent bool
	// ExportConsentPurpose is the purpose id checked before an export.
	ExportConsentPurpose string
	// ExportExpiry bounds how long an export remains valid.
	ExportExpiry time.Duration
	// PortabilityExpiry bounds portability bundles; shorter than exports.
	PortabilityExpiry time.Duration
	// PIIFields are redacted during anonymization.
	PIIFields []string
	// TablePolicies overrides the deletion disposition per table.
	TablePolicies map[string]DeletePolicy
	// DefaultPolicy applies when a table has no explicit policy.
	DefaultPolicy DeletePolicy
}

func (c *RightsConfig) setDefaults() {
	if c.UserTable == "" {
		c.UserTable = "users"
	}
	if len(c.ExcludeTables) == 0 {
		c.ExcludeTables = []string{"consent_records", "audit_logs", "encryption_metadata", "processing_restrictions", "processing_objections"}
	}
	if c.ExportConsentPurpose == "" {
		c.ExportConsentPurpose = "data_export"
	}
	if c.ExportExpiry <= 0 {
		c.ExportExpiry = 30 * 24 * time.Hour
	}
	if c.PortabilityExpiry <= 0 {
		c.PortabilityExpiry = 7 * 24 * time.Hour
	}
	if len(c.PIIFields) == 0 {
		c.PIIFields = []string{"email", "name", "firstName", "lastName", "phone", "address", "dateOfBirth"}
	}
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = PolicyDelete
	}
}

// ExportOptions shapes a data-subject export.
type ExportOptions struct {
	// Tables restricts the export to specific tables.
	Tables []string
	// IncludeConsents folds the user's consent history into the export.
	IncludeConsents bool
	// IncludeAuditTrail folds the user's audit trail into the export.
	IncludeAuditTrail bool
}

// DeleteOptions shapes a data-subject deletion.
type DeleteOptions struct {
	// Tables restricts the deletion to specific tables.
	Tables []string
	// AnonymizeInsteadOfDelete redacts records in place rather than removing
	// them, except in tables explicitly policied to retain.
	AnonymizeInsteadOfDelete bool
	// DeleteConsentHistory also removes the user's consent records.
	DeleteConsentHistory bool
	// DeleteAuditTrail also removes the user's audit trail. Audit history is
	// retained by default.
	DeleteAuditTrail bool
}

// RestrictionRequest scopes a processing restriction.
type RestrictionRequest struct {
	Purposes []string
	Tables   []string
	Reason   string
}

// RightsService implements the regulated data-subject rights (export,
// deletion, portability, rectification, restriction, objection,
// anonymization) over the raw backend, the encryption service, the consent
// manager and the audit logger. Per-table failures are collected into the
// result rather than aborting the request; only a missing required consent
// fails up front.
type RightsService struct {
	cfg      RightsConfig
	backend  StorageBackend
	crypto   *EncryptionService
	consent  *ConsentManager
	audit    *AuditLogger
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
}

// RightsOption configures a RightsService.
type RightsOption func(*RightsService)

// WithRightsEncryption decrypts exported records through the given service.
func WithRightsEncryption(enc *EncryptionService) RightsOption {
	return func(r *RightsService) { r.crypto = enc }
}

// WithRightsConsent attaches the consent manager used for export gating and
// consent folds.
func WithRightsConsent(consent *ConsentManager) RightsOption {
	return func(r *RightsService) { r.consent = consent }
}

// WithRightsAudit attaches the audit logger.
func WithRightsAudit(audit *AuditLogger) RightsOption {
	return func(r *RightsService) { r.audit = audit }
}

// WithRightsArchiver writes export bundles to a side channel (e.g. S3) and
// attaches the returned download URL to results.
func WithRightsArchiver(archiver Archiver) RightsOption {
	return func(r *RightsService) { r.archiver = archiver }
}

// WithRightsLogger sets the structured logger.
func WithRightsLogger(logger *slog.Logger) RightsOption {
	return func(r *RightsService) { r.logger = logger }
}

// WithRightsClock overrides the time source, for tests.
func WithRightsClock(now func() time.Time) RightsOption {
	return func(r *RightsService) { r.now = now }
}

// NewRightsService creates a data-subject rights service.
func NewRightsService(backend StorageBackend, cfg RightsConfig, opts ...RightsOption) (*RightsService, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: storage backend is required", ErrConfig)
	}
	cfg.setDefaults()
	r := &RightsService{
		cfg:     cfg,
		backend: backend,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// tables resolves the traversal list: explicit option, configured list, or
// whatever the backend can enumerate.
func (r *RightsService) tables(ctx context.Context, explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	if len(r.cfg.Tables) > 0 {
		return r.cfg.Tables, nil
	}
	lister, ok := r.backend.(TableLister)
	if !ok {
		return nil, fmt.Errorf("%w: no tables configured and backend cannot list them", ErrConfig)
	}
	names, err := lister.TableNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	out := names[:0]
	for _, name := range names {
		if !slices.Contains(r.cfg.ExcludeTables, name) {
			out = append(out, name)
		}
	}
	return out, nil
}

// ownershipFilter matches records belonging to the user: the users table by
// id, everything else by any of the candidate foreign-key fields.
func (r *RightsService) ownershipFilter(table, userID string) *Filter {
	if table == r.cfg.UserTable {
		return &Filter{Where: map[string]any{FieldID: userID}}
	}
	alts := make([]map[string]any, len(ownerFields))
	for i, field := range ownerFields {
		alts[i] = map[string]any{field: userID}
	}
	return &Filter{Where: map[string]any{OpOr: alts}}
}

func (r *RightsService) recordOwned(table string, rec Record, userID string) bool {
	if table == r.cfg.UserTable {
		return rec.ID() == userID
	}
	for _, field := range ownerFields {
		if s, ok := rec[field].(string); ok && s == userID {
			return true
		}
	}
	return false
}

// ExportUserData gathers every record owned by the user across the relevant
// tables, decrypted, with optional consent and audit folds. A missing
// required export consent fails before any data is touched; per-table errors
// are collected into the result.
func (r *RightsService) ExportUserData(ctx context.Context, userID string, opts ExportOptions) (*ExportResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrConfig)
	}
	if err := r.gateExportConsent(ctx, userID); err != nil {
		return nil, err
	}

	tables, err := r.tables(ctx, opts.Tables)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	result := &ExportResult{
		UserID:      userID,
		Tables:      make(map[string][]Record),
		GeneratedAt: now,
		ExpiresAt:   now.Add(r.cfg.ExportExpiry),
	}

	for _, table := range tables {
		recs, err := r.backend.Query(ctx, table, r.ownershipFilter(table, userID))
		if err != nil {
			result.Errors = append(result.Errors, &TableError{Table: table, Op: "export", Err: err})
			continue
		}
		if len(recs) == 0 {
			continue
		}
		exported := make([]Record, 0, len(recs))
		for _, rec := range recs {
			if r.crypto != nil {
				decrypted, err := r.crypto.ProcessEntityFromStorage(ctx, table, rec)
				if err != nil {
					result.Errors = append(result.Errors, &TableError{Table: table, Op: "decrypt", Err: err})
					continue
				}
				rec = decrypted
			}
			exported = append(exported, rec)
		}
		result.Tables[table] = exported
		result.RecordCount += len(exported)
	}

	if opts.IncludeConsents && r.consent != nil {
		consents, err := r.consent.ExportUserConsents(ctx, userID)
		if err != nil {
			result.Errors = append(result.Errors, &TableError{Table: "consents", Op: "export", Err: err})
		} else if len(consents) > 0 {
			recs := make([]Record, len(consents))
			for i, c := range consents {
				recs[i] = consentToRecord(c)
			}
			result.Tables["consents"] = recs
			result.RecordCount += len(recs)
		}
	}

	if opts.IncludeAuditTrail && r.audit != nil {
		trail, err := r.audit.ExportUserAuditData(ctx, userID)
		if err != nil {
			result.Errors = append(result.Errors, &TableError{Table: "audit", Op: "export", Err: err})
		} else if len(trail) > 0 {
			recs := make([]Record, len(trail))
			for i, e := range trail {
				recs[i] = auditToRecord(e)
			}
			result.Tables["audit"] = recs
			result.RecordCount += len(recs)
		}
	}

	if bundle, err := json.Marshal(result.Tables); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("encode export bundle: %w", err))
	} else {
		result.SizeBytes = len(bundle)
		if r.archiver != nil {
			url, err := r.archiver.Archive(ctx, userID, bundle, result.ExpiresAt)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("archive export: %w", err))
			} else {
				result.DownloadURL = url
			}
		}
	}

	if r.audit != nil {
		r.audit.LogExport(ctx, userID, result.RecordCount, len(result.Errors) == 0)
	}
	return result, nil
}

func (r *RightsService) gateExportConsent(ctx context.Context, userID string) error {
	if !r.cfg.RequireExportConsent || r.consent == nil {
		return nil
	}
	granted, err := r.consent.CheckConsent(ctx, userID, r.cfg.ExportConsentPurpose)
	if err != nil {
		return err
	}
	if !granted {
		return fmt.Errorf("%w: purpose %q", ErrConsentRequired, r.cfg.ExportConsentPurpose)
	}
	return nil
}

// DeleteUserData erases the user's footprint table by table, deciding per
// record between retain, anonymize and hard delete. Per-table failures are
// collected; the request succeeds partially.
func (r *RightsService) DeleteUserData(ctx context.Context, userID string, opts DeleteOptions) (*DeletionResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrConfig)
	}
	tables, err := r.tables(ctx, opts.Tables)
	if err != nil {
		return nil, err
	}

	result := &DeletionResult{UserID: userID}
	for _, table := range tables {
		recs, err := r.backend.Query(ctx, table, r.ownershipFilter(table, userID))
		if err != nil {
			result.Errors = append(result.Errors, &TableError{Table: table, Op: "delete", Err: err})
			continue
		}
		if len(recs) == 0 {
			continue
		}
		result.TablesTouched = append(result.TablesTouched, table)

		policy := r.cfg.DefaultPolicy
		if p, ok := r.cfg.TablePolicies[table]; ok {
			policy = p
		}
		if opts.AnonymizeInsteadOfDelete && policy != PolicyRetain {
			policy = PolicyAnonymize
		}

		for _, rec := range recs {
			switch policy {
			case PolicyRetain:
				result.RetainedCount++
			case PolicyAnonymize:
				if err := r.anonymizeRecord(ctx, table, rec); err != nil {
					result.Errors = append(result.Errors, &TableError{Table: table, Op: "anonymize", Err: err})
					continue
				}
				result.AnonymizedCount++
			default:
				if err := r.backend.Delete(ctx, table, rec.ID()); err != nil {
					result.Errors = append(result.Errors, &TableError{Table: table, Op: "delete", Err: err})
					continue
				}
				result.DeletedCount++
			}
		}
	}

	if opts.DeleteConsentHistory && r.consent != nil {
		if _, err := r.consent.DeleteUserConsents(ctx, userID); err != nil {
			result.Errors = append(result.Errors, &TableError{Table: "consents", Op: "delete", Err: err})
		} else {
			result.ConsentsDeleted = true
		}
	}
	if opts.DeleteAuditTrail && r.audit != nil {
		if _, err := r.audit.DeleteUserAuditData(ctx, userID); err != nil {
			result.Errors = append(result.Errors, &TableError{Table: "audit", Op: "delete", Err: err})
		} else {
			result.AuditDeleted = true
		}
	}

	result.CompletedAt = r.now().UTC()
	if r.audit != nil {
		r.audit.LogDeletion(ctx, userID, *result)
	}
	return result, nil
}

// anonymizeRecord redacts PII fields to fixed values, stamps the record
// anonymized and keeps a one-way hash of the original id.
func (r *RightsService) anonymizeRecord(ctx context.Context, table string, rec Record) error {
	patch := Record{
		"anonymized":     true,
		"originalIdHash": hashID(rec.ID()),
	}
	for _, field := range r.cfg.PIIFields {
		if _, present := rec[field]; !present {
			continue
		}
		if strings.Contains(strings.ToLower(field), "mail") {
			patch[field] = RedactedEmail
		} else {
			patch[field] = RedactedText
		}
	}
	_, err := r.backend.Update(ctx, table, rec.ID(), patch)
	return err
}

func hashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// AnonymizeUserData redacts the user's records in place across all tables.
func (r *RightsService) AnonymizeUserData(ctx context.Context, userID string) (*DeletionResult, error) {
	return r.DeleteUserData(ctx, userID, DeleteOptions{AnonymizeInsteadOfDelete: true})
}

// CreatePortabilityRequest produces a constrained, machine-readable export:
// shorter expiry, no audit trail, optionally re-encoded as XML or CSV.
func (r *RightsService) CreatePortabilityRequest(ctx context.Context, userID string, format PortabilityFormat) (*PortabilityResult, error) {
	switch format {
	case "", FormatJSON:
		format = FormatJSON
	case FormatXML, FormatCSV:
	default:
		return nil, fmt.Errorf("%w: unsupported portability format %q", ErrConfig, format)
	}

	export, err := r.ExportUserData(ctx, userID, ExportOptions{IncludeConsents: true})
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	result := &PortabilityResult{
		UserID:      userID,
		Format:      format,
		RecordCount: export.RecordCount,
		GeneratedAt: now,
		ExpiresAt:   now.Add(r.cfg.PortabilityExpiry),
	}

	switch format {
	case FormatJSON:
		result.Payload, err = json.MarshalIndent(export.Tables, "", "  ")
	case FormatXML:
		result.Payload, err = encodeTablesXML(userID, export.Tables)
	case FormatCSV:
		result.Payload, err = encodeTablesCSV(export.Tables)
	}
	if err != nil {
		return nil, fmt.Errorf("encode portability bundle: %w", err)
	}

	if r.archiver != nil {
		url, err := r.archiver.Archive(ctx, userID, result.Payload, result.ExpiresAt)
		if err != nil {
			r.logger.Warn("portability archive failed", "user_id", userID, "error", err)
		} else {
			result.DownloadURL = url
		}
	}
	return result, nil
}

// RectifyUserData applies field-level corrections after verifying ownership
// of each target record. Failures are aggregated without aborting the batch.
func (r *RightsService) RectifyUserData(ctx context.Context, userID string, updates []RectificationUpdate) (*RectificationResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrConfig)
	}
	result := &RectificationResult{UserID: userID}
	for _, update := range updates {
		rec, err := r.backend.Read(ctx, update.Table, update.EntityID)
		if err != nil {
			result.Errors = append(result.Errors, &TableError{Table: update.Table, Op: "rectify", Err: err})
			result.SkippedCount++
			continue
		}
		if !r.recordOwned(update.Table, rec, userID) {
			result.Errors = append(result.Errors, &TableError{Table: update.Table, Op: "rectify", Err: ErrNotOwned})
			result.SkippedCount++
			continue
		}
		fields := update.Fields
		if r.crypto != nil {
			processed, err := r.crypto.ProcessEntityForStorage(ctx, update.Table, fields)
			if err != nil {
				result.Errors = append(result.Errors, &TableError{Table: update.Table, Op: "rectify", Err: err})
				result.SkippedCount++
				continue
			}
			fields = processed
		}
		if _, err := r.backend.Update(ctx, update.Table, update.EntityID, fields); err != nil {
			result.Errors = append(result.Errors, &TableError{Table: update.Table, Op: "rectify", Err: err})
			result.SkippedCount++
			continue
		}
		result.AppliedCount++
	}
	result.CompletedAt = r.now().UTC()

	if r.audit != nil {
		r.audit.LogOperation(ctx, AuditEvent{
			UserID: userID, Action: ActionDataRectification, Resource: "user_data",
			Success:    len(result.Errors) == 0,
			LegalBasis: "data_subject_request",
			Details:    map[string]any{"applied": result.AppliedCount, "skipped": result.SkippedCount},
		})
	}
	return result, nil
}

// RestrictProcessing records a processing restriction for the user.
func (r *RightsService) RestrictProcessing(ctx context.Context, userID string, req RestrictionRequest) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrConfig)
	}
	rec := Record{
		FieldID:    uuid.New().String(),
		"userId":   userID,
		"reason":   req.Reason,
		"purposes": req.Purposes,
		"tables":   req.Tables,
		"active":   true,
	}
	if _, err := r.backend.Create(ctx, "processing_restrictions", rec); err != nil {
		return fmt.Errorf("record processing restriction: %w", err)
	}
	if r.audit != nil {
		r.audit.LogOperation(ctx, AuditEvent{
			UserID: userID, Action: ActionProcessingRestrict, Resource: "processing",
			Success: true,
			Details: map[string]any{"reason": req.Reason, "purposes": req.Purposes, "tables": req.Tables},
		})
	}
	return nil
}

// ObjectToProcessing records the user's objection to a processing purpose and
// revokes the matching consent when one is configured.
func (r *RightsService) ObjectToProcessing(ctx context.Context, userID, purposeID, reason string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrConfig)
	}
	rec := Record{
		FieldID:     uuid.New().String(),
		"userId":    userID,
		"purposeId": purposeID,
		"reason":    reason,
	}
	if _, err := r.backend.Create(ctx, "processing_objections", rec); err != nil {
		return fmt.Errorf("record processing objection: %w", err)
	}
	if r.consent != nil && r.consent.HasPurpose(purposeID) {
		if err := r.consent.RevokeConsent(ctx, userID, []string{purposeID}, ConsentOptions{
			Source: "objection", Reason: reason,
		}); err != nil {
			return err
		}
	}
	if r.audit != nil {
		r.audit.LogProcessingObjection(ctx, userID, purposeID, reason)
	}
	return nil
}

// LogAutomatedDecision records an automated decision concerning the user in
// the audit trail.
func (r *RightsService) LogAutomatedDecision(ctx context.Context, userID, decision string, details map[string]any) {
	if r.audit != nil {
		r.audit.LogAutomatedDecision(ctx, userID, decision, details)
	}
}
