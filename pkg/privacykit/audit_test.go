package privacykit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privacykit/privacykit/pkg/privacykit"
	"github.com/privacykit/privacykit/pkg/privacykit/storage/memory"
)

func newTestAudit(t *testing.T, cfg privacykit.AuditConfig, opts ...privacykit.AuditOption) (*privacykit.AuditLogger, *memory.Backend) {
	t.Helper()
	cfg.Enabled = true
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour // flush manually in tests
	}
	backend := memory.New()
	a, err := privacykit.NewAuditLogger(backend, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a, backend
}

func TestAuditBuffersUntilFlush(t *testing.T) {
	a, backend := newTestAudit(t, privacykit.AuditConfig{BatchSize: 100})
	ctx := context.Background()

	a.LogAccess(ctx, "u1", "users", "u1")
	a.LogAccess(ctx, "u1", "orders", "o1")

	count, err := backend.Count(ctx, "audit_logs")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "events stay buffered below the batch size")

	a.Flush(ctx)

	count, err = backend.Count(ctx, "audit_logs")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAuditBatchSizeTriggersFlush(t *testing.T) {
	a, backend := newTestAudit(t, privacykit.AuditConfig{BatchSize: 2})
	ctx := context.Background()

	a.LogAccess(ctx, "u1", "users", "u1")
	a.LogAccess(ctx, "u1", "orders", "o1")

	assert.Eventually(t, func() bool {
		count, err := backend.Count(ctx, "audit_logs")
		return err == nil && count == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuditDisabledIsNoop(t *testing.T) {
	backend := memory.New()
	a, err := privacykit.NewAuditLogger(backend, privacykit.AuditConfig{Enabled: false})
	require.NoError(t, err)
	ctx := context.Background()

	a.LogAccess(ctx, "u1", "users", "u1")
	a.Flush(ctx)

	count, err := backend.Count(ctx, "audit_logs")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAuditDefaultsIdentityFields(t *testing.T) {
	a, _ := newTestAudit(t, privacykit.AuditConfig{})
	ctx := context.Background()

	a.LogOperation(ctx, privacykit.AuditEvent{
		UserID: "u1", Action: "custom_action", Resource: "widgets", Success: true,
	})
	a.Flush(ctx)

	events, err := a.GetUserAuditTrail(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "system", e.SessionID)
	assert.Equal(t, "internal", e.IPAddress)
	assert.Equal(t, "privacykit", e.UserAgent)
}

func TestAuditQueryFilters(t *testing.T) {
	a, _ := newTestAudit(t, privacykit.AuditConfig{})
	ctx := context.Background()

	a.LogAccess(ctx, "u1", "users", "u1")
	a.LogExport(ctx, "u1", 12, true)
	a.LogAccess(ctx, "u2", "users", "u2")
	a.LogError(ctx, "u2", privacykit.ActionDataAccess, "orders", errors.New("boom"))
	a.Flush(ctx)

	byUser, err := a.GetAuditLogs(ctx, privacykit.AuditFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	byAction, err := a.GetAuditLogs(ctx, privacykit.AuditFilter{Action: privacykit.ActionDataExport})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, "u1", byAction[0].UserID)
	assert.Equal(t, "data_subject_request", byAction[0].LegalBasis)

	failed := false
	failures, err := a.GetAuditLogs(ctx, privacykit.AuditFilter{Success: &failed})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "u2", failures[0].UserID)

	limited, err := a.GetAuditLogs(ctx, privacykit.AuditFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAuditReport(t *testing.T) {
	a, _ := newTestAudit(t, privacykit.AuditConfig{})
	ctx := context.Background()

	a.LogAccess(ctx, "u1", "users", "u1")
	a.LogAccess(ctx, "u1", "users", "u1")
	a.LogExport(ctx, "u2", 3, true)
	a.LogError(ctx, "u2", privacykit.ActionDataDeletion, "users", errors.New("locked"))
	a.Flush(ctx)

	from := time.Now().Add(-time.Hour)
	to := time.Now().Add(time.Hour)
	report, err := a.GenerateAuditReport(ctx, from, to, privacykit.ReportOptions{TopN: 2})
	require.NoError(t, err)

	assert.Equal(t, 4, report.TotalEvents)
	assert.Equal(t, 3, report.SuccessCount)
	assert.Equal(t, 1, report.FailureCount)
	assert.Equal(t, 2, report.ByUser["u1"])
	assert.Equal(t, 2, report.ByUser["u2"])
	require.NotEmpty(t, report.TopActions)
	assert.Equal(t, privacykit.ActionDataAccess, report.TopActions[0].Name)
	assert.Equal(t, 2, report.TopActions[0].Count)
	assert.Len(t, report.TopActions, 2, "TopN bounds the ranking")
	assert.Empty(t, report.Events, "events are only embedded on request")
}

func TestAuditRetentionCleanup(t *testing.T) {
	clock := newTestClock()
	a, backend := newTestAudit(t, privacykit.AuditConfig{RetentionPeriod: "30 days"},
		privacykit.WithAuditClock(clock.Now))
	ctx := context.Background()

	a.LogAccess(ctx, "u1", "users", "u1")
	a.Flush(ctx)

	removed, err := a.CleanupOldAuditLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "fresh events survive the sweep")

	clock.Advance(31 * 24 * time.Hour)
	removed, err = a.CleanupOldAuditLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// the sweep itself is audited
	a.Flush(ctx)
	events, err := a.GetAuditLogs(ctx, privacykit.AuditFilter{Action: privacykit.ActionRetentionApplied})
	require.NoError(t, err)
	require.Len(t, events, 1)

	count, err := backend.Count(ctx, "audit_logs")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAuditDeleteUserData(t *testing.T) {
	a, _ := newTestAudit(t, privacykit.AuditConfig{})
	ctx := context.Background()

	a.LogAccess(ctx, "u1", "users", "u1")
	a.LogAccess(ctx, "u1", "orders", "o1")
	a.LogAccess(ctx, "u2", "users", "u2")

	// DeleteUserAuditData flushes internally
	deleted, err := a.DeleteUserAuditData(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := a.GetUserAuditTrail(ctx, "u2", 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestAuditRejectsBadRetention(t *testing.T) {
	_, err := privacykit.NewAuditLogger(memory.New(), privacykit.AuditConfig{
		Enabled:         true,
		RetentionPeriod: "whenever",
	})
	assert.ErrorIs(t, err, privacykit.ErrConfig)
}
