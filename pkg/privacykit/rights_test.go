package privacykit_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privacykit/privacykit/pkg/privacykit"
	"github.com/privacykit/privacykit/pkg/privacykit/storage/memory"
)

type rightsFixture struct {
	backend *memory.Backend
	rights  *privacykit.RightsService
	enc     *privacykit.EncryptionService
	consent *privacykit.ConsentManager
	audit   *privacykit.AuditLogger
	userID  string
}

func newRightsFixture(t *testing.T, cfg privacykit.RightsConfig) *rightsFixture {
	t.Helper()
	ctx := context.Background()
	backend := memory.New()

	enc, err := privacykit.NewEncryptionService(privacykit.EncryptionConfig{
		Enabled:         true,
		MasterKey:       testMasterKey,
		EncryptedFields: map[string][]string{"users": {"email"}},
	})
	require.NoError(t, err)
	t.Cleanup(enc.Close)

	audit, err := privacykit.NewAuditLogger(backend, privacykit.AuditConfig{
		Enabled:       true,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close(context.Background()) })

	consent, err := privacykit.NewConsentManager(backend, privacykit.ConsentConfig{
		Purposes: []privacykit.ConsentPurpose{
			{ID: "data_export", Name: "Data export"},
			{ID: "marketing", Name: "Marketing"},
		},
		SweepInitialDelay: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(consent.Close)

	rights, err := privacykit.NewRightsService(backend, cfg,
		privacykit.WithRightsEncryption(enc),
		privacykit.WithRightsConsent(consent),
		privacykit.WithRightsAudit(audit),
	)
	require.NoError(t, err)

	// seed an owned world: a user row, owned orders, and a stranger's order
	user, err := backend.Create(ctx, "users", privacykit.Record{"name": "Ada", "email": mustEncrypt(t, enc, "users", "ada@example.com")})
	require.NoError(t, err)
	userID := user.ID()

	_, err = backend.Create(ctx, "orders", privacykit.Record{"userId": userID, "item": "laptop", "total": 1200})
	require.NoError(t, err)
	_, err = backend.Create(ctx, "orders", privacykit.Record{"user_id": userID, "item": "mouse", "total": 25})
	require.NoError(t, err)
	_, err = backend.Create(ctx, "orders", privacykit.Record{"userId": "someone-else", "item": "keyboard", "total": 80})
	require.NoError(t, err)

	return &rightsFixture{
		backend: backend, rights: rights, enc: enc,
		consent: consent, audit: audit, userID: userID,
	}
}

// mustEncrypt produces storage-shaped ciphertext for seeding.
func mustEncrypt(t *testing.T, enc *privacykit.EncryptionService, table, value string) string {
	t.Helper()
	rec, err := enc.ProcessEntityForStorage(context.Background(), table, privacykit.Record{"email": value})
	require.NoError(t, err)
	s, ok := rec["email"].(string)
	require.True(t, ok)
	return s
}

func TestExportUserData(t *testing.T) {
	f := newRightsFixture(t, privacykit.RightsConfig{})
	ctx := context.Background()

	result, err := f.rights.ExportUserData(ctx, f.userID, privacykit.ExportOptions{})
	require.NoError(t, err)

	assert.Equal(t, f.userID, result.UserID)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 3, result.RecordCount, "user row plus two owned orders")
	assert.Len(t, result.Tables["orders"], 2, "foreign records are excluded")
	assert.Positive(t, result.SizeBytes)
	assert.True(t, result.ExpiresAt.After(result.GeneratedAt))

	// encrypted fields come back as plaintext
	require.Len(t, result.Tables["users"], 1)
	assert.Equal(t, "ada@example.com", result.Tables["users"][0]["email"])

	// the export itself is audited
	f.audit.Flush(ctx)
	events, err := f.audit.GetAuditLogs(ctx, privacykit.AuditFilter{Action: privacykit.ActionDataExport})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestExportConsentGate(t *testing.T) {
	f := newRightsFixture(t, privacykit.RightsConfig{RequireExportConsent: true})
	ctx := context.Background()

	_, err := f.rights.ExportUserData(ctx, f.userID, privacykit.ExportOptions{})
	assert.ErrorIs(t, err, privacykit.ErrConsentRequired)

	require.NoError(t, f.consent.GrantConsent(ctx, f.userID, []string{"data_export"}, privacykit.ConsentOptions{}))

	result, err := f.rights.ExportUserData(ctx, f.userID, privacykit.ExportOptions{})
	require.NoError(t, err)
	assert.NotZero(t, result.RecordCount)
}

func TestExportIncludesConsentFold(t *testing.T) {
	f := newRightsFixture(t, privacykit.RightsConfig{})
	ctx := context.Background()

	require.NoError(t, f.consent.GrantConsent(ctx, f.userID, []string{"marketing"}, privacykit.ConsentOptions{}))

	result, err := f.rights.ExportUserData(ctx, f.userID, privacykit.ExportOptions{IncludeConsents: true})
	require.NoError(t, err)
	require.Len(t, result.Tables["consents"], 1)
	assert.Equal(t, "marketing", result.Tables["consents"][0]["purposeId"])
}

func TestDeleteUserData(t *testing.T) {
	f := newRightsFixture(t, privacykit.RightsConfig{})
	ctx := context.Background()

	result, err := f.rights.DeleteUserData(ctx, f.userID, privacykit.DeleteOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, result.DeletedCount)
	assert.Zero(t, result.AnonymizedCount)
	assert.Empty(t, result.Errors)
	assert.ElementsMatch(t, []string{"users", "orders"}, result.TablesTouched)

	_, err = f.backend.Read(ctx, "users", f.userID)
	assert.ErrorIs(t, err, privacykit.ErrRecordNotFound)

	// the stranger's order survives
	count, err := f.backend.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteWithAnonymizePolicy(t *testing.T) {
	f := newRightsFixture(t, privacykit.RightsConfig{
		TablePolicies: map[string]privacykit.DeletePolicy{
			"orders": privacykit.PolicyAnonymize,
		},
	})
	ctx := context.Background()

	result, err := f.rights.DeleteUserData(ctx, f.userID, privacykit.DeleteOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.DeletedCount, "the user row is hard-deleted")
	assert.Equal(t, 2, result.AnonymizedCount, "owned orders are redacted in place")

	orders, err := f.backend.Query(ctx, "orders", &privacykit.Filter{
		Where: map[string]any{"anonymized": true},
	})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.NotEmpty(t, o["originalIdHash"])
		assert.NotEqual(t, privacykit.RedactedText, o["item"], "non-PII fields are untouched")
	}
}

func TestDeleteRetainPolicy(t *testing.T) {
	f := newRightsFixture(t, privacykit.RightsConfig{
		TablePolicies: map[string]privacykit.DeletePolicy{
			"orders": privacykit.PolicyRetain,
		},
	})
	ctx := context.Background()

	result, err := f.rights.DeleteUserData(ctx, f.userID, privacykit.DeleteOptions{AnonymizeInsteadOfDelete: true})
	require.NoError(t, err)

	assert.Equal(t, 2, result.RetainedCount, "retain wins even when anonymization is requested")
	assert.Equal(t, 1, result.AnonymizedCount, "the user row is anonymized, not deleted")
	assert.Zero(t, result.DeletedCount)
}

func TestAnonymizeUserData(t *testing.T) {
	f := newRightsFixture(t, privacykit.RightsConfig{})
	ctx := context.Background()

	result, err := f.rights.AnonymizeUserData(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, 3, result.AnonymizedCount)
	assert.Zero(t, result.DeletedCount)

	user, err := f.backend.Read(ctx, "users", f.userID)
	require.NoError(t, err)
	assert.Equal(t, privacykit.RedactedText, user["name"])
	assert.Equal(t, privacykit.RedactedEmail, user["email"])
	assert.Equal(t, true, user["anonymized"])
}

func TestDeleteConsentAndAuditOptIn(t *testing.T) {
	f := newRightsFixture(t, privacykit.RightsConfig{})
	ctx := context.Background()

	require.NoError(t, f.consent.GrantConsent(ctx, f.userID, []string{"marketing"}, privacykit.ConsentOptions{}))
	f.audit.LogAccess(ctx, f.userID, "users", f.userID)

	result, err := f.rights.DeleteUserData(ctx, f.userID, privacykit.DeleteOptions{
		DeleteConsentHistory: true,
		DeleteAuditTrail:     true,
	})
	require.NoError(t, err)
	assert.True(t, result.ConsentsDeleted)
	assert.True(t, result.AuditDeleted)

	consents, err := f.consent.ExportUserConsents(ctx, f.userID)
	require.NoError(t, err)
	assert.Empty(t, consents)
}

func TestPortabilityFormats(t *testing.T) {
	f := newRightsFixture(t, privacykit.RightsConfig{})
	ctx := context.Background()

	jsonRes, err := f.rights.CreatePortabilityRequest(ctx, f.userID, privacykit.FormatJSON)
	require.NoError(t, err)
	var decoded map[string][]map[string]any
	require.NoError(t, json.Unmarshal(jsonRes.Payload, &decoded))
	assert.Len(t, decoded["orders"], 2)

	xmlRes, err := f.rights.CreatePortabilityRequest(ctx, f.userID, privacykit.FormatXML)
	require.NoError(t, err)
	payload := string(xmlRes.Payload)
	assert.True(t, strings.HasPrefix(payload, "<?xml"))
	assert.Contains(t, payload, `<table name="orders">`)
	assert.Contains(t, payload, "ada@example.com", "portability bundles carry plaintext")

	csvRes, err := f.rights.CreatePortabilityRequest(ctx, f.userID, privacykit.FormatCSV)
	require.NoError(t, err)
	assert.Contains(t, string(csvRes.Payload), "# table: orders")

	_, err = f.rights.CreatePortabilityRequest(ctx, f.userID, privacykit.PortabilityFormat("yaml"))
	assert.ErrorIs(t, err, privacykit.ErrConfig)

	// portability bundles expire sooner than full exports
	assert.Equal(t, 7*24*time.Hour, xmlRes.ExpiresAt.Sub(xmlRes.GeneratedAt))
}

func TestRectifyUserData(t *testing.T) {
	f := newRightsFixture(t, privacykit.RightsConfig{})
	ctx := context.Background()

	orders, err := f.backend.Query(ctx, "orders", &privacykit.Filter{Where: map[string]any{"userId": f.userID}})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	ownOrder := orders[0].ID()

	foreign, err := f.backend.Query(ctx, "orders", &privacykit.Filter{Where: map[string]any{"userId": "someone-else"}})
	require.NoError(t, err)
	require.Len(t, foreign, 1)

	result, err := f.rights.RectifyUserData(ctx, f.userID, []privacykit.RectificationUpdate{
		{Table: "users", EntityID: f.userID, Fields: privacykit.Record{"email": "ada@new.example"}},
		{Table: "orders", EntityID: ownOrder, Fields: privacykit.Record{"item": "laptop pro"}},
		{Table: "orders", EntityID: foreign[0].ID(), Fields: privacykit.Record{"item": "stolen"}},
		{Table: "orders", EntityID: "missing", Fields: privacykit.Record{"item": "ghost"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.AppliedCount)
	assert.Equal(t, 2, result.SkippedCount)
	require.Len(t, result.Errors, 2)

	// corrected email is re-encrypted on the way in
	user, err := f.backend.Read(ctx, "users", f.userID)
	require.NoError(t, err)
	assert.True(t, privacykit.IsEncrypted(user["email"]))
	plain, err := f.enc.ProcessEntityFromStorage(ctx, "users", user)
	require.NoError(t, err)
	assert.Equal(t, "ada@new.example", plain["email"])

	// the foreign record is untouched
	untouched, err := f.backend.Read(ctx, "orders", foreign[0].ID())
	require.NoError(t, err)
	assert.Equal(t, "keyboard", untouched["item"])
}

func TestRestrictAndObject(t *testing.T) {
	f := newRightsFixture(t, privacykit.RightsConfig{})
	ctx := context.Background()

	require.NoError(t, f.rights.RestrictProcessing(ctx, f.userID, privacykit.RestrictionRequest{
		Purposes: []string{"marketing"},
		Reason:   "accuracy contested",
	}))
	count, err := f.backend.Count(ctx, "processing_restrictions")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, f.consent.GrantConsent(ctx, f.userID, []string{"marketing"}, privacykit.ConsentOptions{}))
	require.NoError(t, f.rights.ObjectToProcessing(ctx, f.userID, "marketing", "no more ads"))

	granted, err := f.consent.CheckConsent(ctx, f.userID, "marketing")
	require.NoError(t, err)
	assert.False(t, granted, "objection revokes the matching consent")

	count, err = f.backend.Count(ctx, "processing_objections")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestExportExcludesInternalTables(t *testing.T) {
	f := newRightsFixture(t, privacykit.RightsConfig{})
	ctx := context.Background()

	// populate an internal table with user-linked rows
	require.NoError(t, f.consent.GrantConsent(ctx, f.userID, []string{"marketing"}, privacykit.ConsentOptions{}))

	result, err := f.rights.ExportUserData(ctx, f.userID, privacykit.ExportOptions{})
	require.NoError(t, err)
	assert.NotContains(t, result.Tables, "consent_records",
		"middleware-internal tables only surface through their dedicated folds")
}

type fakeArchiver struct {
	lastUser string
	lastSize int
}

func (a *fakeArchiver) Archive(ctx context.Context, userID string, bundle []byte, expiresAt time.Time) (string, error) {
	a.lastUser = userID
	a.lastSize = len(bundle)
	return fmt.Sprintf("https://archive.example/%s/bundle", userID), nil
}

func TestExportArchiverAttachesURL(t *testing.T) {
	backend := memory.New()
	_, err := backend.Create(context.Background(), "users", privacykit.Record{"id": "u1", "name": "Ada"})
	require.NoError(t, err)

	archiver := &fakeArchiver{}
	rights, err := privacykit.NewRightsService(backend, privacykit.RightsConfig{},
		privacykit.WithRightsArchiver(archiver))
	require.NoError(t, err)

	result, err := rights.ExportUserData(context.Background(), "u1", privacykit.ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://archive.example/u1/bundle", result.DownloadURL)
	assert.Equal(t, "u1", archiver.lastUser)
	assert.Positive(t, archiver.lastSize)
}

func TestExportReportsBundleEncodingFailure(t *testing.T) {
	backend := memory.New()
	rights, err := privacykit.NewRightsService(backend, privacykit.RightsConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	// a channel has no JSON encoding, so the bundle marshal fails
	_, err = backend.Create(ctx, "users", privacykit.Record{"id": "u1", "stream": make(chan int)})
	require.NoError(t, err)

	result, err := rights.ExportUserData(ctx, "u1", privacykit.ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RecordCount)
	assert.Zero(t, result.SizeBytes)
	require.NotEmpty(t, result.Errors, "an unencodable bundle must surface in the result")
	assert.Contains(t, result.Errors[len(result.Errors)-1].Error(), "encode export bundle")
}
