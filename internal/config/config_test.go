package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, 80, cfg.Analysis.ReviewBelow)
	assert.Equal(t, 50, cfg.Analysis.AlertBelow)
	assert.Equal(t, int64(20<<20), cfg.Server.MaxUploadBytes)
	assert.NoError(t, Validate(cfg))
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("KESTREL_TIER", "pro")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "nats", cfg.EventBus.Type)
	assert.Equal(t, "kestrel-workers", cfg.EventBus.NATSQueueGroup)
	assert.True(t, cfg.Analysis.AsyncWorker)
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/tmp/from-env.db")

	path := writeFile(t, "kestrel.yaml", `
server:
  port: 9000
analysis:
  review_below: 90
  alert_below: 60
  velocity_window: 72h
  tenants: [acme, globex]
repository:
  sqlite_path: ${TEST_DB_PATH}
cache:
  result_ttl: 15m
retention:
  days: 30
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 90, cfg.Analysis.ReviewBelow)
	assert.Equal(t, 60, cfg.Analysis.AlertBelow)
	assert.Equal(t, 72*time.Hour, cfg.Analysis.VelocityWindow)
	assert.Equal(t, []string{"acme", "globex"}, cfg.Analysis.Tenants)
	assert.Equal(t, "/tmp/from-env.db", cfg.Repository.SQLitePath)
	assert.Equal(t, 15*time.Minute, cfg.Cache.ResultTTL)
	assert.Equal(t, 30, cfg.Retention.Days)

	// Untouched defaults survive the overlay.
	assert.Equal(t, "0 3 * * *", cfg.Retention.Schedule)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
}

func TestLoadErrors(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("BadYAML", func(t *testing.T) {
		_, err := Load(writeFile(t, "bad.yaml", "server: [unclosed"))
		assert.Error(t, err)
	})

	t.Run("BadEnvInt", func(t *testing.T) {
		t.Setenv("KESTREL_PORT", "eighty")
		_, err := Load("")
		assert.ErrorContains(t, err, "KESTREL_PORT")
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KESTREL_PORT", "9443")
	t.Setenv("KESTREL_TENANTS", "acme, globex ,")
	t.Setenv("KESTREL_ASYNC_WORKER", "true")
	t.Setenv("KESTREL_VELOCITY_WINDOW", "48h")
	t.Setenv("KESTREL_DEBUG", "true")
	t.Setenv("KESTREL_NATS_QUEUE_GROUP", "edge")

	path := writeFile(t, "kestrel.yaml", "server:\n  port: 9000\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9443, cfg.Server.Port, "environment wins over file")
	assert.Equal(t, []string{"acme", "globex"}, cfg.Analysis.Tenants)
	assert.True(t, cfg.Analysis.AsyncWorker)
	assert.Equal(t, 48*time.Hour, cfg.Analysis.VelocityWindow)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "edge", cfg.EventBus.NATSQueueGroup)
}

func TestDotEnv(t *testing.T) {
	envFile := writeFile(t, ".env", "KESTREL_ARCHIVE_DIR=/srv/statements\n")
	t.Cleanup(func() { os.Unsetenv("KESTREL_ARCHIVE_DIR") })

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "/srv/statements", cfg.Archive.Dir)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, "plain.txt", "x")

	tests := []struct {
		name   string
		mutate func(*domain.Config)
		ok     bool
	}{
		{"Defaults", func(*domain.Config) {}, true},
		{"ArchiveDirExists", func(c *domain.Config) { c.Archive.Dir = dir }, true},
		{"ArchiveDirMissing", func(c *domain.Config) { c.Archive.Dir = filepath.Join(dir, "missing") }, false},
		{"ArchiveDirIsFile", func(c *domain.Config) { c.Archive.Dir = file }, false},
		{"ThresholdsInverted", func(c *domain.Config) { c.Analysis.AlertBelow = 90 }, false},
		{"ThresholdAbove100", func(c *domain.Config) { c.Analysis.ReviewBelow = 101 }, false},
		{"BadPort", func(c *domain.Config) { c.Server.Port = 0 }, false},
		{"RetentionBadSchedule", func(c *domain.Config) {
			c.Retention.Days = 7
			c.Retention.Schedule = "every day"
		}, false},
		{"RetentionDisabledIgnoresSchedule", func(c *domain.Config) { c.Retention.Schedule = "bogus" }, true},
		{"NegativeRetention", func(c *domain.Config) { c.Retention.Days = -1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
