package privacykit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConsentConfig configures a ConsentManager at construction time.
type ConsentConfig struct {
	// Purposes is the immutable set of data-processing categories.
	Purposes []ConsentPurpose
	// DefaultConsent is reported when a (user, purpose) pair has no record.
	DefaultConsent bool
	// AuditEnabled mirrors consent changes into the audit trail when an
	// AuditLogger is attached.
	AuditEnabled bool
	// Table is the backing table name.
	Table string
	// SweepInitialDelay postpones the first expiry sweep after construction.
	SweepInitialDelay time.Duration
	// SweepInterval is the cadence of the expiry sweep.
	SweepInterval time.Duration
}

func (c *ConsentConfig) setDefaults() {
	if c.Table == "" {
		c.Table = "consent_records"
	}
	if c.SweepInitialDelay <= 0 {
		c.SweepInitialDelay = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
}

// ConsentOptions carries per-call metadata for grant and revoke operations.
type ConsentOptions struct {
	// Source names where the change originated (form, API, import...).
	Source string
	// ExpiresAt overrides the purpose's retention-derived expiry.
	ExpiresAt *time.Time
	// Reason annotates revocations.
	Reason string
	// Metadata is free-form context stored on the record.
	Metadata map[string]any
}

// ConsentManager tracks the per-user, per-purpose consent lifecycle. Records
// are append-only; a write-through cache holds the latest record per
// (user, purpose) so CheckConsent is O(1) in the common case.
type ConsentManager struct {
	cfg      ConsentConfig
	backend  StorageBackend
	purposes map[string]ConsentPurpose
	audit    *AuditLogger
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]*ConsentRecord

	stop     chan struct{}
	stopOnce sync.Once
}

// ConsentOption configures a ConsentManager.
type ConsentOption func(*ConsentManager)

// WithConsentAudit mirrors consent changes into the given audit logger.
func WithConsentAudit(audit *AuditLogger) ConsentOption {
	return func(m *ConsentManager) { m.audit = audit }
}

// WithConsentLogger sets the structured logger.
func WithConsentLogger(logger *slog.Logger) ConsentOption {
	return func(m *ConsentManager) { m.logger = logger }
}

// WithConsentClock overrides the time source, for tests.
func WithConsentClock(now func() time.Time) ConsentOption {
	return func(m *ConsentManager) { m.now = now }
}

// NewConsentManager creates a consent manager and starts its background
// expiry sweep (delayed at startup, then periodic). Close stops the sweep.
func NewConsentManager(backend StorageBackend, cfg ConsentConfig, opts ...ConsentOption) (*ConsentManager, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: storage backend is required", ErrConfig)
	}
	if len(cfg.Purposes) == 0 {
		return nil, fmt.Errorf("%w: at least one consent purpose is required", ErrConfig)
	}
	cfg.setDefaults()

	purposes := make(map[string]ConsentPurpose, len(cfg.Purposes))
	for _, p := range cfg.Purposes {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: consent purpose with empty id", ErrConfig)
		}
		if _, dup := purposes[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate consent purpose %q", ErrConfig, p.ID)
		}
		if p.Retention.MaxDuration != "" {
			if _, err := ParseRetention(p.Retention.MaxDuration); err != nil {
				return nil, fmt.Errorf("purpose %q: %w", p.ID, err)
			}
		}
		purposes[p.ID] = p
	}

	m := &ConsentManager{
		cfg:      cfg,
		backend:  backend,
		purposes: purposes,
		logger:   slog.Default(),
		now:      time.Now,
		cache:    make(map[string]*ConsentRecord),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweepLoop()
	return m, nil
}

// Close stops the background expiry sweep.
func (m *ConsentManager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// HasPurpose reports whether a purpose id is configured.
func (m *ConsentManager) HasPurpose(purposeID string) bool {
	_, ok := m.purposes[purposeID]
	return ok
}

func cacheKey(userID, purposeID string) string {
	return userID + "\x00" + purposeID
}

// GrantConsent appends a granted record for each purpose and updates the
// cache. Expiry defaults to the purpose's configured retention unless
// explicitly provided.
func (m *ConsentManager) GrantConsent(ctx context.Context, userID string, purposeIDs []string, opts ConsentOptions) error {
	return m.appendRecords(ctx, userID, purposeIDs, ConsentGranted, opts)
}

// RevokeConsent appends a revoked record for each purpose and updates the
// cache.
func (m *ConsentManager) RevokeConsent(ctx context.Context, userID string, purposeIDs []string, opts ConsentOptions) error {
	return m.appendRecords(ctx, userID, purposeIDs, ConsentRevoked, opts)
}

func (m *ConsentManager) appendRecords(ctx context.Context, userID string, purposeIDs []string, status ConsentStatus, opts ConsentOptions) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrConfig)
	}
	for _, purposeID := range purposeIDs {
		purpose, ok := m.purposes[purposeID]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPurpose, purposeID)
		}

		now := m.now().UTC()
		rec := ConsentRecord{
			ID:        uuid.New().String(),
			UserID:    userID,
			PurposeID: purposeID,
			Status:    status,
			Source:    opts.Source,
			Reason:    opts.Reason,
			Metadata:  opts.Metadata,
			CreatedAt: now,
		}
		if rec.Source == "" {
			rec.Source = "api"
		}

		switch status {
		case ConsentGranted:
			rec.GrantedAt = &now
			if opts.ExpiresAt != nil {
				rec.ExpiresAt = opts.ExpiresAt
			} else if purpose.Retention.MaxDuration != "" {
				d, err := ParseRetention(purpose.Retention.MaxDuration)
				if err != nil {
					return err
				}
				expiry := now.Add(d)
				rec.ExpiresAt = &expiry
			}
		case ConsentRevoked:
			rec.RevokedAt = &now
		}

		m.mu.Lock()
		if prev := m.cache[cacheKey(userID, purposeID)]; prev != nil {
			rec.Version = prev.Version + 1
		} else {
			rec.Version = 1
		}
		m.mu.Unlock()

		if _, err := m.backend.Create(ctx, m.cfg.Table, consentToRecord(rec)); err != nil {
			return fmt.Errorf("persist consent %s for user %s: %w", purposeID, userID, err)
		}

		m.mu.Lock()
		m.cache[cacheKey(userID, purposeID)] = &rec
		m.mu.Unlock()

		if m.cfg.AuditEnabled && m.audit != nil {
			m.audit.LogConsentChange(ctx, userID, purposeID, status == ConsentGranted, map[string]any{
				"source": rec.Source, "reason": rec.Reason, "version": rec.Version,
			})
		}
	}
	return nil
}

// CheckConsent reports whether the user currently consents to the purpose.
// A granted record past its expiry is reported as not granted and triggers an
// asynchronous auto-revocation write with reason "expired".
func (m *ConsentManager) CheckConsent(ctx context.Context, userID, purposeID string) (bool, error) {
	if _, ok := m.purposes[purposeID]; !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownPurpose, purposeID)
	}

	m.mu.RLock()
	cached := m.cache[cacheKey(userID, purposeID)]
	m.mu.RUnlock()

	rec := cached
	if rec == nil {
		loaded, err := m.loadLatest(ctx, userID, purposeID)
		if err != nil {
			return false, err
		}
		if loaded == nil {
			return m.cfg.DefaultConsent, nil
		}
		m.mu.Lock()
		m.cache[cacheKey(userID, purposeID)] = loaded
		m.mu.Unlock()
		rec = loaded
	}

	if rec.Expired(m.now().UTC()) {
		m.expireRecord(userID, purposeID, rec)
		return false, nil
	}
	return rec.Status == ConsentGranted, nil
}

// CheckConsentBulk evaluates several purposes for one user.
func (m *ConsentManager) CheckConsentBulk(ctx context.Context, userID string, purposeIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(purposeIDs))
	for _, purposeID := range purposeIDs {
		granted, err := m.CheckConsent(ctx, userID, purposeID)
		if err != nil {
			return nil, err
		}
		out[purposeID] = granted
	}
	return out, nil
}

// GetConsentStatus returns the current consent state for every configured
// purpose.
func (m *ConsentManager) GetConsentStatus(ctx context.Context, userID string) (map[string]bool, error) {
	ids := make([]string, 0, len(m.purposes))
	for id := range m.purposes {
		ids = append(ids, id)
	}
	return m.CheckConsentBulk(ctx, userID, ids)
}

// GetConsentHistory returns the full append-only history for a (user,
// purpose) pair in chronological order. An empty purposeID returns all
// purposes.
func (m *ConsentManager) GetConsentHistory(ctx context.Context, userID, purposeID string) ([]ConsentRecord, error) {
	where := map[string]any{"userId": userID}
	if purposeID != "" {
		if _, ok := m.purposes[purposeID]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPurpose, purposeID)
		}
		where["purposeId"] = purposeID
	}
	recs, err := m.backend.Query(ctx, m.cfg.Table, &Filter{
		Where:   where,
		OrderBy: []OrderBy{{Field: "createdAt", Direction: "asc"}},
	})
	if err != nil {
		return nil, fmt.Errorf("load consent history for user %s: %w", userID, err)
	}
	out := make([]ConsentRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, consentFromRecord(rec))
	}
	return out, nil
}

// ExportUserConsents returns every consent record for the user.
func (m *ConsentManager) ExportUserConsents(ctx context.Context, userID string) ([]ConsentRecord, error) {
	return m.GetConsentHistory(ctx, userID, "")
}

// DeleteUserConsents removes the user's entire consent history and evicts the
// affected cache entries. It returns the number of deleted records.
func (m *ConsentManager) DeleteUserConsents(ctx context.Context, userID string) (int, error) {
	recs, err := m.backend.Query(ctx, m.cfg.Table, &Filter{Where: map[string]any{"userId": userID}})
	if err != nil {
		return 0, fmt.Errorf("load consents for user %s: %w", userID, err)
	}
	deleted := 0
	if bulk, ok := m.backend.(BulkBackend); ok && len(recs) > 1 {
		ids := make([]string, len(recs))
		for i, rec := range recs {
			ids[i] = rec.ID()
		}
		if err := bulk.DeleteMany(ctx, m.cfg.Table, ids); err != nil {
			return 0, fmt.Errorf("delete consents for user %s: %w", userID, err)
		}
		deleted = len(ids)
	} else {
		for _, rec := range recs {
			if err := m.backend.Delete(ctx, m.cfg.Table, rec.ID()); err != nil {
				return deleted, fmt.Errorf("delete consent %s: %w", rec.ID(), err)
			}
			deleted++
		}
	}

	m.mu.Lock()
	for id := range m.purposes {
		delete(m.cache, cacheKey(userID, id))
	}
	m.mu.Unlock()
	return deleted, nil
}

// GetConsentStatistics summarizes the latest consent state across all users.
func (m *ConsentManager) GetConsentStatistics(ctx context.Context) (*ConsentStatistics, error) {
	recs, err := m.backend.Query(ctx, m.cfg.Table, nil)
	if err != nil {
		return nil, fmt.Errorf("load consent records: %w", err)
	}

	latest := make(map[string]ConsentRecord)
	users := make(map[string]struct{})
	for _, raw := range recs {
		rec := consentFromRecord(raw)
		users[rec.UserID] = struct{}{}
		key := cacheKey(rec.UserID, rec.PurposeID)
		if prev, ok := latest[key]; !ok || rec.CreatedAt.After(prev.CreatedAt) {
			latest[key] = rec
		}
	}

	stats := &ConsentStatistics{
		TotalUsers:     len(users),
		GrantedByScope: make(map[string]int),
		RevokedByScope: make(map[string]int),
	}
	now := m.now().UTC()
	soon := now.Add(30 * 24 * time.Hour)
	for _, rec := range latest {
		if rec.Status == ConsentGranted && !rec.Expired(now) {
			stats.GrantedByScope[rec.PurposeID]++
			if rec.ExpiresAt != nil && rec.ExpiresAt.Before(soon) {
				stats.ExpiringSoon++
			}
		} else {
			stats.RevokedByScope[rec.PurposeID]++
		}
	}
	return stats, nil
}

// GetExpiringConsents returns granted records expiring within daysAhead days.
func (m *ConsentManager) GetExpiringConsents(ctx context.Context, daysAhead int) ([]ConsentRecord, error) {
	now := m.now().UTC()
	horizon := now.Add(time.Duration(daysAhead) * 24 * time.Hour)
	recs, err := m.backend.Query(ctx, m.cfg.Table, &Filter{
		Where: map[string]any{
			"status":    string(ConsentGranted),
			"expiresAt": map[string]any{OpGTE: now, OpLTE: horizon},
		},
		OrderBy: []OrderBy{{Field: "expiresAt", Direction: "asc"}},
	})
	if err != nil {
		return nil, fmt.Errorf("load expiring consents: %w", err)
	}
	out := make([]ConsentRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, consentFromRecord(rec))
	}
	return out, nil
}

func (m *ConsentManager) loadLatest(ctx context.Context, userID, purposeID string) (*ConsentRecord, error) {
	recs, err := m.backend.Query(ctx, m.cfg.Table, &Filter{
		Where:   map[string]any{"userId": userID, "purposeId": purposeID},
		OrderBy: []OrderBy{{Field: "createdAt", Direction: "desc"}},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("load consent for user %s purpose %s: %w", userID, purposeID, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	rec := consentFromRecord(recs[0])
	return &rec, nil
}

// expireRecord replaces an expired granted record with a revoked one. The
// cache updates synchronously so exactly one revocation is produced; the
// backend write happens off the caller's path.
func (m *ConsentManager) expireRecord(userID, purposeID string, expired *ConsentRecord) {
	now := m.now().UTC()
	revoked := ConsentRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		PurposeID: purposeID,
		Status:    ConsentRevoked,
		RevokedAt: &now,
		Source:    "system",
		Reason:    "expired",
		Version:   expired.Version + 1,
		CreatedAt: now,
	}

	key := cacheKey(userID, purposeID)
	m.mu.Lock()
	current := m.cache[key]
	if current != nil && current.ID != expired.ID {
		// Someone else already superseded the expired record.
		m.mu.Unlock()
		return
	}
	m.cache[key] = &revoked
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := m.backend.Create(ctx, m.cfg.Table, consentToRecord(revoked)); err != nil {
			m.logger.Debug("consent auto-revocation write failed",
				"user_id", userID, "purpose_id", purposeID, "error", err)
			return
		}
		if m.cfg.AuditEnabled && m.audit != nil {
			m.audit.LogConsentChange(ctx, userID, purposeID, false, map[string]any{
				"reason": "expired", "version": revoked.Version,
			})
		}
	}()
}

// sweepLoop auto-revokes granted-but-expired records. Connectivity errors are
// logged at low severity and never halt the sweep.
func (m *ConsentManager) sweepLoop() {
	select {
	case <-time.After(m.cfg.SweepInitialDelay):
	case <-m.stop:
		return
	}
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		m.sweepExpired()
		select {
		case <-ticker.C:
		case <-m.stop:
			return
		}
	}
}

func (m *ConsentManager) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	recs, err := m.backend.Query(ctx, m.cfg.Table, &Filter{
		Where: map[string]any{
			"status":    string(ConsentGranted),
			"expiresAt": map[string]any{OpLTE: m.now().UTC()},
		},
	})
	if err != nil {
		m.logger.Debug("consent expiry sweep failed", "error", err)
		return
	}
	for _, raw := range recs {
		rec := consentFromRecord(raw)
		latest, err := m.loadLatest(ctx, rec.UserID, rec.PurposeID)
		if err != nil {
			m.logger.Debug("consent expiry sweep lookup failed",
				"user_id", rec.UserID, "purpose_id", rec.PurposeID, "error", err)
			continue
		}
		// Only the latest record counts; an old granted record under a newer
		// revocation needs no action.
		if latest == nil || latest.ID != rec.ID || !latest.Expired(m.now().UTC()) {
			continue
		}
		m.expireRecord(rec.UserID, rec.PurposeID, latest)
	}
}

func consentToRecord(c ConsentRecord) Record {
	rec := Record{
		FieldID:     c.ID,
		"userId":    c.UserID,
		"purposeId": c.PurposeID,
		"status":    string(c.Status),
		"source":    c.Source,
		// "version" is reserved for the storage layer's record version.
		"consentVersion": c.Version,
	}
	if c.GrantedAt != nil {
		rec["grantedAt"] = *c.GrantedAt
	}
	if c.RevokedAt != nil {
		rec["revokedAt"] = *c.RevokedAt
	}
	if c.ExpiresAt != nil {
		rec["expiresAt"] = *c.ExpiresAt
	}
	if c.Reason != "" {
		rec["reason"] = c.Reason
	}
	if len(c.Metadata) > 0 {
		rec["consentMetadata"] = c.Metadata
	}
	return rec
}

func consentFromRecord(rec Record) ConsentRecord {
	c := ConsentRecord{
		ID:        rec.ID(),
		UserID:    stringField(rec, "userId"),
		PurposeID: stringField(rec, "purposeId"),
		Status:    ConsentStatus(stringField(rec, "status")),
		Source:    stringField(rec, "source"),
		Reason:    stringField(rec, "reason"),
	}
	if v, ok := asFloat(rec["consentVersion"]); ok {
		c.Version = int(v)
	}
	if t, ok := asTime(rec["grantedAt"]); ok {
		c.GrantedAt = &t
	}
	if t, ok := asTime(rec["revokedAt"]); ok {
		c.RevokedAt = &t
	}
	if t, ok := asTime(rec["expiresAt"]); ok {
		c.ExpiresAt = &t
	}
	if t, ok := asTime(rec[FieldCreatedAt]); ok {
		c.CreatedAt = t
	}
	if meta, ok := rec["consentMetadata"].(map[string]any); ok {
		c.Metadata = meta
	}
	return c
}

func stringField(rec Record, field string) string {
	s, _ := rec[field].(string)
	return s
}
