package privacykit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privacykit/privacykit/pkg/privacykit"
	"github.com/privacykit/privacykit/pkg/privacykit/storage/memory"
)

// testClock is an adjustable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testPurposes = []privacykit.ConsentPurpose{
	{ID: "analytics", Name: "Analytics",
		Retention: privacykit.ConsentRetention{MaxDuration: "30 days"}},
	{ID: "marketing", Name: "Marketing",
		Retention: privacykit.ConsentRetention{MaxDuration: "6 months"}},
	{ID: "essential", Name: "Essential", Required: true},
}

func newTestConsent(t *testing.T, cfg privacykit.ConsentConfig, opts ...privacykit.ConsentOption) (*privacykit.ConsentManager, *memory.Backend) {
	t.Helper()
	if len(cfg.Purposes) == 0 {
		cfg.Purposes = testPurposes
	}
	// keep the background sweep out of the way unless a test opts in
	if cfg.SweepInitialDelay == 0 {
		cfg.SweepInitialDelay = time.Hour
	}
	backend := memory.New()
	m, err := privacykit.NewConsentManager(backend, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, backend
}

func TestConsentGrantRevokeLifecycle(t *testing.T) {
	m, _ := newTestConsent(t, privacykit.ConsentConfig{})
	ctx := context.Background()

	granted, err := m.CheckConsent(ctx, "u1", "analytics")
	require.NoError(t, err)
	assert.False(t, granted, "no record means the default applies")

	require.NoError(t, m.GrantConsent(ctx, "u1", []string{"analytics", "marketing"}, privacykit.ConsentOptions{Source: "signup-form"}))

	granted, err = m.CheckConsent(ctx, "u1", "analytics")
	require.NoError(t, err)
	assert.True(t, granted)

	require.NoError(t, m.RevokeConsent(ctx, "u1", []string{"analytics"}, privacykit.ConsentOptions{Reason: "user request"}))

	granted, err = m.CheckConsent(ctx, "u1", "analytics")
	require.NoError(t, err)
	assert.False(t, granted)

	// the other purpose is untouched
	granted, err = m.CheckConsent(ctx, "u1", "marketing")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestConsentUnknownPurpose(t *testing.T) {
	m, _ := newTestConsent(t, privacykit.ConsentConfig{})
	ctx := context.Background()

	err := m.GrantConsent(ctx, "u1", []string{"telepathy"}, privacykit.ConsentOptions{})
	assert.ErrorIs(t, err, privacykit.ErrUnknownPurpose)

	_, err = m.CheckConsent(ctx, "u1", "telepathy")
	assert.ErrorIs(t, err, privacykit.ErrUnknownPurpose)
}

func TestConsentDefaultConsent(t *testing.T) {
	m, _ := newTestConsent(t, privacykit.ConsentConfig{DefaultConsent: true})
	granted, err := m.CheckConsent(context.Background(), "nobody", "analytics")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestConsentHistoryIsAppendOnly(t *testing.T) {
	m, _ := newTestConsent(t, privacykit.ConsentConfig{})
	ctx := context.Background()

	require.NoError(t, m.GrantConsent(ctx, "u1", []string{"analytics"}, privacykit.ConsentOptions{}))
	require.NoError(t, m.RevokeConsent(ctx, "u1", []string{"analytics"}, privacykit.ConsentOptions{Reason: "changed mind"}))
	require.NoError(t, m.GrantConsent(ctx, "u1", []string{"analytics"}, privacykit.ConsentOptions{}))

	history, err := m.GetConsentHistory(ctx, "u1", "analytics")
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, privacykit.ConsentGranted, history[0].Status)
	assert.Equal(t, privacykit.ConsentRevoked, history[1].Status)
	assert.Equal(t, privacykit.ConsentGranted, history[2].Status)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, 2, history[1].Version)
	assert.Equal(t, 3, history[2].Version)
}

func TestConsentCacheServesReads(t *testing.T) {
	m, backend := newTestConsent(t, privacykit.ConsentConfig{})
	ctx := context.Background()

	require.NoError(t, m.GrantConsent(ctx, "u1", []string{"analytics"}, privacykit.ConsentOptions{}))

	// wipe the backing table; the cached latest record still answers
	require.NoError(t, backend.Clear(ctx, "consent_records"))

	granted, err := m.CheckConsent(ctx, "u1", "analytics")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestConsentRetentionExpiry(t *testing.T) {
	clock := newTestClock()
	m, _ := newTestConsent(t, privacykit.ConsentConfig{},
		privacykit.WithConsentClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, m.GrantConsent(ctx, "u1", []string{"analytics"}, privacykit.ConsentOptions{}))

	granted, err := m.CheckConsent(ctx, "u1", "analytics")
	require.NoError(t, err)
	assert.True(t, granted)

	// "30 days" retention: day 31 reads as revoked
	clock.Advance(31 * 24 * time.Hour)

	granted, err = m.CheckConsent(ctx, "u1", "analytics")
	require.NoError(t, err)
	assert.False(t, granted)

	// exactly one auto-revocation lands in the history, even under repeated
	// checks
	for i := 0; i < 5; i++ {
		_, err = m.CheckConsent(ctx, "u1", "analytics")
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool {
		history, err := m.GetConsentHistory(ctx, "u1", "analytics")
		if err != nil {
			return false
		}
		revocations := 0
		for _, rec := range history {
			if rec.Status == privacykit.ConsentRevoked {
				if rec.Reason != "expired" || rec.Source != "system" {
					return false
				}
				revocations++
			}
		}
		return revocations == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsentExplicitExpiryOverridesRetention(t *testing.T) {
	clock := newTestClock()
	m, _ := newTestConsent(t, privacykit.ConsentConfig{},
		privacykit.WithConsentClock(clock.Now))
	ctx := context.Background()

	expiry := clock.Now().Add(time.Hour)
	require.NoError(t, m.GrantConsent(ctx, "u1", []string{"marketing"}, privacykit.ConsentOptions{ExpiresAt: &expiry}))

	clock.Advance(2 * time.Hour)
	granted, err := m.CheckConsent(ctx, "u1", "marketing")
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestConsentBulkAndStatus(t *testing.T) {
	m, _ := newTestConsent(t, privacykit.ConsentConfig{})
	ctx := context.Background()

	require.NoError(t, m.GrantConsent(ctx, "u1", []string{"analytics"}, privacykit.ConsentOptions{}))

	status, err := m.GetConsentStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		"analytics": true,
		"marketing": false,
		"essential": false,
	}, status)
}

func TestDeleteUserConsents(t *testing.T) {
	m, backend := newTestConsent(t, privacykit.ConsentConfig{})
	ctx := context.Background()

	require.NoError(t, m.GrantConsent(ctx, "u1", []string{"analytics", "marketing"}, privacykit.ConsentOptions{}))
	require.NoError(t, m.GrantConsent(ctx, "u2", []string{"analytics"}, privacykit.ConsentOptions{}))

	deleted, err := m.DeleteUserConsents(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	// cache evicted: u1 falls back to the default
	granted, err := m.CheckConsent(ctx, "u1", "analytics")
	require.NoError(t, err)
	assert.False(t, granted)

	// other users keep their records
	count, err := backend.Count(ctx, "consent_records")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConsentStatistics(t *testing.T) {
	m, _ := newTestConsent(t, privacykit.ConsentConfig{})
	ctx := context.Background()

	require.NoError(t, m.GrantConsent(ctx, "u1", []string{"analytics"}, privacykit.ConsentOptions{}))
	require.NoError(t, m.GrantConsent(ctx, "u2", []string{"analytics"}, privacykit.ConsentOptions{}))
	require.NoError(t, m.RevokeConsent(ctx, "u2", []string{"analytics"}, privacykit.ConsentOptions{}))

	stats, err := m.GetConsentStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 1, stats.GrantedByScope["analytics"])
	assert.Equal(t, 1, stats.RevokedByScope["analytics"])
	// the 30-day analytics retention puts u1's grant inside the 30-day horizon
	assert.Equal(t, 1, stats.ExpiringSoon)
}

func TestGetExpiringConsents(t *testing.T) {
	clock := newTestClock()
	m, _ := newTestConsent(t, privacykit.ConsentConfig{},
		privacykit.WithConsentClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, m.GrantConsent(ctx, "u1", []string{"analytics"}, privacykit.ConsentOptions{})) // 30 days
	require.NoError(t, m.GrantConsent(ctx, "u1", []string{"marketing"}, privacykit.ConsentOptions{})) // 6 months

	expiring, err := m.GetExpiringConsents(ctx, 45)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "analytics", expiring[0].PurposeID)
}

func TestNewConsentManagerValidation(t *testing.T) {
	backend := memory.New()

	_, err := privacykit.NewConsentManager(backend, privacykit.ConsentConfig{})
	assert.ErrorIs(t, err, privacykit.ErrConfig)

	_, err = privacykit.NewConsentManager(backend, privacykit.ConsentConfig{
		Purposes: []privacykit.ConsentPurpose{
			{ID: "a"}, {ID: "a"},
		},
	})
	assert.ErrorIs(t, err, privacykit.ErrConfig)

	_, err = privacykit.NewConsentManager(backend, privacykit.ConsentConfig{
		Purposes: []privacykit.ConsentPurpose{
			{ID: "a", Retention: privacykit.ConsentRetention{MaxDuration: "sometime"}},
		},
	})
	assert.ErrorIs(t, err, privacykit.ErrConfig)
}
