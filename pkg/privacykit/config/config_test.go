package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privacykit/privacykit/pkg/privacykit"
	"github.com/privacykit/privacykit/pkg/privacykit/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.BackendType)
	assert.True(t, cfg.Queue.Enabled)
	assert.True(t, cfg.Audit.Enabled)
}

func TestLoadValidates(t *testing.T) {
	_, err := config.Load(func(c *config.StackConfig) error {
		c.BackendType = "postgres"
		return nil
	})
	assert.Error(t, err, "postgres without a database url must be rejected")
}

func TestBuildStackWiresComponents(t *testing.T) {
	cfg, err := config.Load(func(c *config.StackConfig) error {
		c.Queue.BatchWindow = 10 * time.Millisecond
		c.Encryption.Enabled = true
		c.Encryption.KeyRotationDays = 30
		c.Encryption.EncryptedFields = map[string][]string{"users": {"email"}}
		c.Consent.AuditEnabled = true
		c.Consent.Purposes = []privacykit.ConsentPurpose{
			{ID: "analytics", Name: "Analytics",
				Retention: privacykit.ConsentRetention{MaxDuration: "1 year"}},
		}
		c.EnableEventLogging = false
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	stack, err := cfg.BuildStack(ctx)
	require.NoError(t, err)
	defer stack.Close(ctx)

	// queue writes pass through the encryption service
	p, err := stack.Queue.EnqueueCreate(ctx, "users", privacykit.Record{
		"id": "u1", "email": "ada@example.com",
	})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = p.Wait(waitCtx)
	require.NoError(t, err)

	stored, err := stack.Backend.Read(ctx, "users", "u1")
	require.NoError(t, err)
	assert.True(t, privacykit.IsEncrypted(stored["email"]))

	// consent changes land in the audit trail
	err = stack.Consent.GrantConsent(ctx, "u1", []string{"analytics"},
		privacykit.ConsentOptions{Source: "test"})
	require.NoError(t, err)
	stack.Audit.Flush(ctx)
	trail, err := stack.Audit.GetUserAuditTrail(ctx, "u1", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, trail)

	// rotation tracking runs against the shared backend
	due, err := stack.Encryption.RotationDue(ctx)
	require.NoError(t, err)
	assert.False(t, due, "first due-check seeds the stamp instead of firing")
	_, err = stack.Backend.Read(ctx, "encryption_metadata", "key-rotation")
	require.NoError(t, err, "the rotation stamp lives in the stack's backend")
}

func TestBuildStackCloseStopsRotation(t *testing.T) {
	cfg, err := config.Load(func(c *config.StackConfig) error {
		c.Encryption.Enabled = true
		c.Encryption.KeyRotationDays = 1
		c.EnableEventLogging = false
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	stack, err := cfg.BuildStack(ctx)
	require.NoError(t, err)

	require.NoError(t, stack.Close(ctx))
	// idempotent: closing again must not panic on the rotation stop channel
	stack.Encryption.Close()
}
