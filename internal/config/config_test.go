package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromEnv_Defaults(t *testing.T) {
	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.HTTP.Addr)
	assert.Equal(t, "http://localhost:4000", cfg.HTTP.BaseURL)
	assert.Equal(t, int64(1<<20), cfg.HTTP.MaxUploadBytes)
	assert.Equal(t, 5*time.Second, cfg.Jobs.AdmissionTimeout)
	assert.Equal(t, 300*time.Millisecond, cfg.Jobs.ItemDelay)
	assert.Equal(t, 2*time.Minute, cfg.Jobs.FetchTimeout)
	assert.Equal(t, 64, cfg.Jobs.SinkBuffer)
	assert.Equal(t, 2*time.Minute, cfg.Retention.TTL)
	assert.Equal(t, "@every 1m", cfg.Retention.SweepCron)
	assert.Equal(t, "https://api.modrinth.com/v2", cfg.Modrinth.APIURL)
	assert.Empty(t, cfg.System.HistoryDBPath)
}

func TestNewFromEnv_DataDirLayout(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/mods-data")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/tmp/mods-data", "downloads"), cfg.DownloadsDir())
	assert.Equal(t, filepath.Join("/tmp/mods-data", "uploads"), cfg.UploadsDir())
	assert.Equal(t, filepath.Join("/tmp/mods-data", "workspaces"), cfg.WorkspacesDir())
}

func TestNewFromEnv_Durations(t *testing.T) {
	t.Setenv("ADMISSION_TIMEOUT", "250ms")
	t.Setenv("FETCH_TIMEOUT", "45")
	t.Setenv("ITEM_DELAY", "whenever")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Jobs.AdmissionTimeout)
	assert.Equal(t, 45*time.Second, cfg.Jobs.FetchTimeout)
	assert.Equal(t, 300*time.Millisecond, cfg.Jobs.ItemDelay, "invalid values fall back to the default")
}

func TestNewFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"relative base url", "BASE_URL", "downloads"},
		{"bad cron", "SWEEP_CRON", "every minute"},
		{"zero sink buffer", "SINK_BUFFER", "0"},
		{"negative delay", "ITEM_DELAY", "-1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := NewFromEnv()
			require.Error(t, err)
		})
	}
}

func TestConfig_ArtifactURL(t *testing.T) {
	t.Setenv("BASE_URL", "https://mods.example.com/")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "https://mods.example.com/downloads/mods_1-1.zip", cfg.ArtifactURL("mods_1-1.zip"))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("HTTP_ADDR=:5000\nBASE_URL=http://from-file\n"), 0o600))

	t.Setenv("BASE_URL", "http://from-env:4000")
	t.Setenv("HTTP_ADDR", "")
	require.NoError(t, os.Unsetenv("HTTP_ADDR"))

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))

	assert.Equal(t, ":5000", os.Getenv("HTTP_ADDR"))
	assert.Equal(t, "http://from-env:4000", os.Getenv("BASE_URL"))
}

func TestNewFromEnv_CORSOrigins(t *testing.T) {
	cfg, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, cfg.HTTP.CORSOrigins)

	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")
	cfg, err = NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)

	t.Setenv("CORS_ORIGINS", "")
	cfg, err = NewFromEnv()
	require.NoError(t, err)
	assert.Empty(t, cfg.HTTP.CORSOrigins)
}
