package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("POS_API_KEY", "pos-secret")
	t.Setenv("PORTAL_URL", "http://portal.local")
	t.Setenv("PORTAL_API_KEY", "portal-secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, LedgerPostgres, cfg.LedgerBackend)
	assert.Equal(t, 10*time.Second, cfg.PortalTimeout)
	assert.Equal(t, 600, cfg.RateLimitPerMinute)

	policy := cfg.SyncPolicy()
	assert.Equal(t, 8, policy.MaxAttempts)
	assert.Equal(t, 2*time.Second, policy.BaseBackoff)
	assert.Equal(t, 5*time.Minute, policy.MaxBackoff)
	assert.Equal(t, 100, policy.BatchSize)
	assert.Equal(t, 8, policy.Concurrency)
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	t.Setenv("POS_API_KEY", "")
	t.Setenv("PORTAL_URL", "http://portal.local")
	t.Setenv("PORTAL_API_KEY", "portal-secret")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LEDGER_BACKEND", "sqlite")

	_, err := LoadConfig()
	require.ErrorContains(t, err, "unsupported ledger backend")
}

func TestLoadConfigRejectsInvertedBackoff(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYNC_BACKOFF_BASE", "1m")
	t.Setenv("SYNC_BACKOFF_MAX", "10s")

	_, err := LoadConfig()
	require.ErrorContains(t, err, "backoff")
}

func TestRelayInterval(t *testing.T) {
	cases := []struct {
		raw   string
		every time.Duration
		cron  string
	}{
		{raw: "@every 10s", every: 10 * time.Second, cron: "@every 10s"},
		{raw: "30s", every: 30 * time.Second, cron: "@every 30s"},
		{raw: "*/1 * * * *", every: 10 * time.Second, cron: "*/1 * * * *"},
	}
	for _, tc := range cases {
		cfg := &Config{SyncRelayInterval: tc.raw}
		assert.Equal(t, tc.every, cfg.RelayEvery(), tc.raw)
		assert.Equal(t, tc.cron, cfg.RelayCron(), tc.raw)
	}
}
