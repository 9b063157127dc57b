package privacykit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Audit action names used by the convenience wrappers.
const (
	ActionDataAccess          = "data_access"
	ActionDataExport          = "data_export"
	ActionDataDeletion        = "data_deletion"
	ActionDataRectification   = "data_rectification"
	ActionConsentChange       = "consent_change"
	ActionSecurityEvent       = "security_event"
	ActionError               = "error"
	ActionProcessingObjection = "processing_objection"
	ActionProcessingRestrict  = "processing_restriction"
	ActionAutomatedDecision   = "automated_decision"
	ActionDataBreach          = "data_breach"
	ActionDataTransfer        = "data_transfer"
	ActionRetentionApplied    = "retention_applied"
	ActionProfilingActivity   = "profiling_activity"
	ActionAnonymization       = "anonymization"
)

// AuditConfig configures an AuditLogger at construction time.
type AuditConfig struct {
	// Enabled turns auditing on; when false LogOperation is a no-op.
	Enabled bool
	// RetentionPeriod is a human-readable duration ("1 year"); records older
	// than it are removed by the retention sweep.
	RetentionPeriod string
	// BatchSize triggers a flush when the pending buffer reaches it.
	BatchSize int
	// FlushInterval is the periodic flush cadence for partial buffers.
	FlushInterval time.Duration
	// Table is the backing table name.
	Table string
	// SweepInterval is the retention sweep cadence.
	SweepInterval time.Duration
}

func (c *AuditConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.Table == "" {
		c.Table = "audit_logs"
	}
	if c.RetentionPeriod == "" {
		c.RetentionPeriod = "1 year"
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 24 * time.Hour
	}
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	UserID     string
	Action     string
	Resource   string
	ResourceID string
	From       time.Time
	To         time.Time
	Success    *bool
	Limit      int
}

// AuditLogger keeps an immutable event log with buffered writes and retention
// purge. Logging never blocks the audited operation and never fails it:
// write errors surface only through the event sink.
type AuditLogger struct {
	cfg     AuditConfig
	backend StorageBackend
	events  EventSink
	logger  *slog.Logger
	now     func() time.Time

	mu  sync.Mutex
	buf []AuditEvent

	stop     chan struct{}
	stopOnce sync.Once
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditEvents sets the notification sink.
func WithAuditEvents(sink EventSink) AuditOption {
	return func(a *AuditLogger) { a.events = sink }
}

// WithAuditLogger sets the structured logger.
func WithAuditLogger(logger *slog.Logger) AuditOption {
	return func(a *AuditLogger) { a.logger = logger }
}

// WithAuditClock overrides the time source, for tests.
func WithAuditClock(now func() time.Time) AuditOption {
	return func(a *AuditLogger) { a.now = now }
}

// NewAuditLogger creates an audit logger and starts its flush and retention
// loops. Close flushes pending writes and stops them.
func NewAuditLogger(backend StorageBackend, cfg AuditConfig, opts ...AuditOption) (*AuditLogger, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: storage backend is required", ErrConfig)
	}
	cfg.setDefaults()
	if _, err := ParseRetention(cfg.RetentionPeriod); err != nil {
		return nil, err
	}

	a := &AuditLogger{
		cfg:     cfg,
		backend: backend,
		events:  NewNoopEventSink(),
		logger:  slog.Default(),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if cfg.Enabled {
		go a.flushLoop()
		go a.retentionLoop()
	}
	return a, nil
}

// LogOperation buffers an audit event, defaulting identity fields, and
// flushes once the buffer reaches the batch size. It never returns an error:
// auditing must not break the operation being audited.
func (a *AuditLogger) LogOperation(ctx context.Context, event AuditEvent) {
	if !a.cfg.Enabled {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = "system"
	}
	if event.IPAddress == "" {
		event.IPAddress = "internal"
	}
	if event.UserAgent == "" {
		event.UserAgent = "privacykit"
	}

	a.mu.Lock()
	a.buf = append(a.buf, event)
	full := len(a.buf) >= a.cfg.BatchSize
	a.mu.Unlock()

	a.events.Emit(ctx, EventAuditLogged, map[string]any{
		"action": event.Action, "resource": event.Resource, "user_id": event.UserID,
	})
	if full {
		go a.Flush(context.Background())
	}
}

// Flush writes the pending buffer, as one bulk write when the backend
// supports it. Failures are swallowed and surfaced via the event sink.
func (a *AuditLogger) Flush(ctx context.Context) {
	a.mu.Lock()
	if len(a.buf) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	records := make([]Record, len(batch))
	for i, event := range batch {
		records[i] = auditToRecord(event)
	}

	var err error
	if bulk, ok := a.backend.(BulkBackend); ok && len(records) > 1 {
		_, err = bulk.CreateMany(ctx, a.cfg.Table, records)
	} else {
		for _, rec := range records {
			if _, cerr := a.backend.Create(ctx, a.cfg.Table, rec); cerr != nil {
				err = cerr
				break
			}
		}
	}
	if err != nil {
		a.logger.Warn("audit flush failed", "events", len(batch), "error", err)
		a.events.Emit(ctx, EventAuditError, map[string]any{
			"events": len(batch), "error": err.Error(),
		})
	}
}

// Convenience wrappers

// LogAccess records a read of user data.
func (a *AuditLogger) LogAccess(ctx context.Context, userID, resource, resourceID string) {
	a.LogOperation(ctx, AuditEvent{
		UserID: userID, Action: ActionDataAccess, Resource: resource,
		ResourceID: resourceID, Success: true,
	})
}

// LogExport records a data-subject export.
func (a *AuditLogger) LogExport(ctx context.Context, userID string, recordCount int, success bool) {
	a.LogOperation(ctx, AuditEvent{
		UserID: userID, Action: ActionDataExport, Resource: "user_data", Success: success,
		LegalBasis: "data_subject_request",
		Details:    map[string]any{"recordCount": recordCount},
	})
}

// LogDeletion records a data-subject deletion with its dispositions.
func (a *AuditLogger) LogDeletion(ctx context.Context, userID string, result DeletionResult) {
	a.LogOperation(ctx, AuditEvent{
		UserID: userID, Action: ActionDataDeletion, Resource: "user_data",
		Success:    len(result.Errors) == 0,
		LegalBasis: "data_subject_request",
		Details: map[string]any{
			"deleted": result.DeletedCount, "anonymized": result.AnonymizedCount,
			"retained": result.RetainedCount, "tables": result.TablesTouched,
		},
	})
}

// LogConsentChange records a consent grant or revocation.
func (a *AuditLogger) LogConsentChange(ctx context.Context, userID, purposeID string, granted bool, details map[string]any) {
	a.LogOperation(ctx, AuditEvent{
		UserID: userID, Action: ActionConsentChange, Resource: "consent",
		ResourceID: purposeID, Success: true,
		ProcessingPurpose: purposeID, Details: details,
	})
}

// LogSecurityEvent records a security-relevant event.
func (a *AuditLogger) LogSecurityEvent(ctx context.Context, userID, description string, details map[string]any) {
	a.LogOperation(ctx, AuditEvent{
		UserID: userID, Action: ActionSecurityEvent, Resource: "security",
		Success: true, Details: mergeDetails(details, "description", description),
	})
}

// LogError records a failed sensitive operation.
func (a *AuditLogger) LogError(ctx context.Context, userID, action, resource string, err error) {
	a.LogOperation(ctx, AuditEvent{
		UserID: userID, Action: action, Resource: resource, Success: false,
		Details: map[string]any{"error": err.Error()},
	})
}

// LogProcessingObjection records a user's objection to processing.
func (a *AuditLogger) LogProcessingObjection(ctx context.Context, userID, purpose, reason string) {
	a.LogOperation(ctx, AuditEvent{
		UserID: userID, Action: ActionProcessingObjection, Resource: "processing",
		Success: true, ProcessingPurpose: purpose,
		Details: map[string]any{"reason": reason},
	})
}

// LogAutomatedDecision records an automated decision concerning a user.
func (a *AuditLogger) LogAutomatedDecision(ctx context.Context, userID, decision string, details map[string]any) {
	a.LogOperation(ctx, AuditEvent{
		UserID: userID, Action: ActionAutomatedDecision, Resource: "automated_decision",
		Success: true, Details: mergeDetails(details, "decision", decision),
	})
}

// LogDataBreach records a detected data breach.
func (a *AuditLogger) LogDataBreach(ctx context.Context, description string, affectedUsers int, details map[string]any) {
	a.LogOperation(ctx, AuditEvent{
		Action: ActionDataBreach, Resource: "security", Success: false,
		Details: mergeDetails(details, "description", description, "affectedUsers", affectedUsers),
	})
}

// LogDataTransfer records a cross-border or third-party data transfer.
func (a *AuditLogger) LogDataTransfer(ctx context.Context, userID, destination, legalBasis string, categories []string) {
	a.LogOperation(ctx, AuditEvent{
		UserID: userID, Action: ActionDataTransfer, Resource: "data_transfer",
		Success: true, LegalBasis: legalBasis, DataCategories: categories,
		Details: map[string]any{"destination": destination},
	})
}

// LogRetentionApplied records a retention sweep outcome.
func (a *AuditLogger) LogRetentionApplied(ctx context.Context, resource string, removed int, cutoff time.Time) {
	a.LogOperation(ctx, AuditEvent{
		Action: ActionRetentionApplied, Resource: resource, Success: true,
		Details: map[string]any{"removed": removed, "cutoff": cutoff.Format(time.RFC3339)},
	})
}

// LogProfilingActivity records a profiling activity concerning a user.
func (a *AuditLogger) LogProfilingActivity(ctx context.Context, userID, activity string, details map[string]any) {
	a.LogOperation(ctx, AuditEvent{
		UserID: userID, Action: ActionProfilingActivity, Resource: "profiling",
		Success: true, Details: mergeDetails(details, "activity", activity),
	})
}

// Query side

// GetAuditLogs returns events matching the filter, newest first.
func (a *AuditLogger) GetAuditLogs(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	where := map[string]any{}
	if filter.UserID != "" {
		where["userId"] = filter.UserID
	}
	if filter.Action != "" {
		where["action"] = filter.Action
	}
	if filter.Resource != "" {
		where["resource"] = filter.Resource
	}
	if filter.ResourceID != "" {
		where["resourceId"] = filter.ResourceID
	}
	if filter.Success != nil {
		where["success"] = *filter.Success
	}
	timeRange := map[string]any{}
	if !filter.From.IsZero() {
		timeRange[OpGTE] = filter.From
	}
	if !filter.To.IsZero() {
		timeRange[OpLTE] = filter.To
	}
	if len(timeRange) > 0 {
		where["timestamp"] = timeRange
	}

	recs, err := a.backend.Query(ctx, a.cfg.Table, &Filter{
		Where:   where,
		OrderBy: []OrderBy{{Field: "timestamp", Direction: "desc"}},
		Limit:   filter.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	out := make([]AuditEvent, 0, len(recs))
	for _, rec := range recs {
		out = append(out, auditFromRecord(rec))
	}
	return out, nil
}

// GetUserAuditTrail returns every event concerning a user, newest first.
func (a *AuditLogger) GetUserAuditTrail(ctx context.Context, userID string, limit int) ([]AuditEvent, error) {
	return a.GetAuditLogs(ctx, AuditFilter{UserID: userID, Limit: limit})
}

// GetResourceAuditTrail returns every event concerning a resource instance.
func (a *AuditLogger) GetResourceAuditTrail(ctx context.Context, resource, resourceID string, limit int) ([]AuditEvent, error) {
	return a.GetAuditLogs(ctx, AuditFilter{Resource: resource, ResourceID: resourceID, Limit: limit})
}

// ReportOptions shapes GenerateAuditReport output.
type ReportOptions struct {
	// IncludeEvents embeds the raw matching events in the report.
	IncludeEvents bool
	// TopN bounds the action/resource rankings; 0 means 10.
	TopN int
	// UserID restricts the report to one user.
	UserID string
}

// GenerateAuditReport summarizes the audit trail over [from, to].
func (a *AuditLogger) GenerateAuditReport(ctx context.Context, from, to time.Time, opts ReportOptions) (*AuditReport, error) {
	events, err := a.GetAuditLogs(ctx, AuditFilter{From: from, To: to, UserID: opts.UserID})
	if err != nil {
		return nil, err
	}
	topN := opts.TopN
	if topN <= 0 {
		topN = 10
	}

	report := &AuditReport{
		From:        from,
		To:          to,
		TotalEvents: len(events),
		ByUser:      make(map[string]int),
	}
	actions := make(map[string]int)
	resources := make(map[string]int)
	for _, e := range events {
		if e.Success {
			report.SuccessCount++
		} else {
			report.FailureCount++
		}
		actions[e.Action]++
		resources[e.Resource]++
		if e.UserID != "" {
			report.ByUser[e.UserID]++
		}
	}
	report.TopActions = topCounts(actions, topN)
	report.TopResources = topCounts(resources, topN)
	if opts.IncludeEvents {
		report.Events = events
	}
	return report, nil
}

func topCounts(counts map[string]int, n int) []NamedCount {
	out := make([]NamedCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, NamedCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Lifecycle

// ExportUserAuditData returns the user's full audit trail for inclusion in a
// data-subject export.
func (a *AuditLogger) ExportUserAuditData(ctx context.Context, userID string) ([]AuditEvent, error) {
	a.Flush(ctx)
	return a.GetUserAuditTrail(ctx, userID, 0)
}

// DeleteUserAuditData removes the user's audit trail. Audit history is
// retained by default during data-subject deletion; this is the explicit
// opt-in path.
func (a *AuditLogger) DeleteUserAuditData(ctx context.Context, userID string) (int, error) {
	a.Flush(ctx)
	recs, err := a.backend.Query(ctx, a.cfg.Table, &Filter{Where: map[string]any{"userId": userID}})
	if err != nil {
		return 0, fmt.Errorf("query audit logs for user %s: %w", userID, err)
	}
	return a.deleteRecords(ctx, recs)
}

// CleanupOldAuditLogs removes events older than the retention cutoff and
// returns the removed count.
func (a *AuditLogger) CleanupOldAuditLogs(ctx context.Context) (int, error) {
	retention, err := ParseRetention(a.cfg.RetentionPeriod)
	if err != nil {
		return 0, err
	}
	cutoff := a.now().UTC().Add(-retention)
	recs, err := a.backend.Query(ctx, a.cfg.Table, &Filter{
		Where: map[string]any{"timestamp": map[string]any{OpLT: cutoff}},
	})
	if err != nil {
		return 0, fmt.Errorf("query expired audit logs: %w", err)
	}
	removed, err := a.deleteRecords(ctx, recs)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		a.LogRetentionApplied(ctx, a.cfg.Table, removed, cutoff)
	}
	return removed, nil
}

func (a *AuditLogger) deleteRecords(ctx context.Context, recs []Record) (int, error) {
	if bulk, ok := a.backend.(BulkBackend); ok && len(recs) > 1 {
		ids := make([]string, len(recs))
		for i, rec := range recs {
			ids[i] = rec.ID()
		}
		if err := bulk.DeleteMany(ctx, a.cfg.Table, ids); err != nil {
			return 0, fmt.Errorf("delete audit logs: %w", err)
		}
		return len(ids), nil
	}
	deleted := 0
	for _, rec := range recs {
		if err := a.backend.Delete(ctx, a.cfg.Table, rec.ID()); err != nil {
			return deleted, fmt.Errorf("delete audit log %s: %w", rec.ID(), err)
		}
		deleted++
	}
	return deleted, nil
}

// Close flushes pending writes and stops background loops.
func (a *AuditLogger) Close(ctx context.Context) {
	a.stopOnce.Do(func() { close(a.stop) })
	a.Flush(ctx)
}

func (a *AuditLogger) flushLoop() {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Flush(context.Background())
		case <-a.stop:
			return
		}
	}
}

func (a *AuditLogger) retentionLoop() {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := a.CleanupOldAuditLogs(context.Background()); err != nil {
				a.logger.Debug("audit retention sweep failed", "error", err)
			}
		case <-a.stop:
			return
		}
	}
}

func mergeDetails(details map[string]any, kv ...any) map[string]any {
	out := make(map[string]any, len(details)+len(kv)/2)
	for k, v := range details {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out[k] = kv[i+1]
		}
	}
	return out
}

func auditToRecord(e AuditEvent) Record {
	rec := Record{
		FieldID:     e.ID,
		"timestamp": e.Timestamp,
		"sessionId": e.SessionID,
		"action":    e.Action,
		"resource":  e.Resource,
		"success":   e.Success,
		"ipAddress": e.IPAddress,
		"userAgent": e.UserAgent,
	}
	if e.UserID != "" {
		rec["userId"] = e.UserID
	}
	if e.ResourceID != "" {
		rec["resourceId"] = e.ResourceID
	}
	if len(e.Details) > 0 {
		rec["details"] = e.Details
	}
	if e.LegalBasis != "" {
		rec["legalBasis"] = e.LegalBasis
	}
	if e.ProcessingPurpose != "" {
		rec["processingPurpose"] = e.ProcessingPurpose
	}
	if len(e.DataCategories) > 0 {
		rec["dataCategories"] = e.DataCategories
	}
	if e.RetentionPeriod != "" {
		rec["retentionPeriod"] = e.RetentionPeriod
	}
	return rec
}

func auditFromRecord(rec Record) AuditEvent {
	e := AuditEvent{
		ID:                rec.ID(),
		SessionID:         stringField(rec, "sessionId"),
		UserID:            stringField(rec, "userId"),
		Action:            stringField(rec, "action"),
		Resource:          stringField(rec, "resource"),
		ResourceID:        stringField(rec, "resourceId"),
		IPAddress:         stringField(rec, "ipAddress"),
		UserAgent:         stringField(rec, "userAgent"),
		LegalBasis:        stringField(rec, "legalBasis"),
		ProcessingPurpose: stringField(rec, "processingPurpose"),
		RetentionPeriod:   stringField(rec, "retentionPeriod"),
	}
	if t, ok := asTime(rec["timestamp"]); ok {
		e.Timestamp = t
	}
	if b, ok := rec["success"].(bool); ok {
		e.Success = b
	}
	if d, ok := rec["details"].(map[string]any); ok {
		e.Details = d
	}
	switch cats := rec["dataCategories"].(type) {
	case []string:
		e.DataCategories = cats
	case []any:
		for _, c := range cats {
			if s, ok := c.(string); ok {
				e.DataCategories = append(e.DataCategories, s)
			}
		}
	}
	return e
}
