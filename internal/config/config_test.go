package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 30*time.Second, cfg.SyncTick)
	assert.Equal(t, 5, cfg.SyncBatchSize)
	assert.Equal(t, 3, cfg.SyncConcurrency)
	assert.Equal(t, 60*time.Second, cfg.SyncRunTimeout)
	assert.Equal(t, 10*time.Minute, cfg.TokenRefreshWindow)
	assert.Equal(t, 3*time.Hour, cfg.TokenRefreshEvery)
	assert.Equal(t, []string{"microsoftexchange"}, cfg.SystemDomains)
	assert.Equal(t, "America/New_York", cfg.Location().String())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SYNC_TICK", "10s")
	t.Setenv("SYSTEM_DOMAINS", "Helpdesk.example, microsoftexchange ,")
	t.Setenv("RATE_LIMIT_TENANT_RPS", "2.5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.SyncTick)
	assert.Equal(t, []string{"helpdesk.example", "microsoftexchange"}, cfg.SystemDomains)
	assert.InDelta(t, 2.5, cfg.TenantRPS, 0.0001)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PROCESSED_FOLDER=Archived Tickets\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PROCESSED_FOLDER") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "Archived Tickets", cfg.ProcessedFolder)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("SYNC_PAGE_SIZE", "500")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("SYNC_PAGE_SIZE", "50")
	t.Setenv("BUSINESS_TIMEZONE", "Mars/Olympus")
	_, err = Load("")
	assert.Error(t, err)
}

func TestSetupLoggerLevel(t *testing.T) {
	cfg := &Config{LogLevel: "DEBUG"}
	assert.Equal(t, zerolog.DebugLevel, cfg.SetupLogger().GetLevel())

	cfg.LogLevel = "nonsense"
	assert.Equal(t, zerolog.InfoLevel, cfg.SetupLogger().GetLevel())
}
