package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DefaultPoolAddress, cfg.PoolAddress)
	assert.Equal(t, DefaultDataProviderAddress, cfg.DataProviderAddress)
	assert.Equal(t, 500*time.Millisecond, cfg.DebounceDelay)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.RestartDelay)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "yields", cfg.BroadcastChannel)
	assert.False(t, cfg.PartialResults)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("FETCH_TIMEOUT", "5s")
	t.Setenv("FETCH_PARTIAL_RESULTS", "true")
	t.Setenv("FAILURE_THRESHOLD", "3")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
	assert.True(t, cfg.PartialResults)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 1e-9)
}

func TestLoad_InvalidValuesKeepDefaults(t *testing.T) {
	t.Setenv("FETCH_TIMEOUT", "soon")
	t.Setenv("FAILURE_THRESHOLD", "five")
	t.Setenv("AUTO_START_WORKER", "maybe")

	cfg := Load()

	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.True(t, cfg.AutoStartWorker)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"port":"7070","partial_results":true,"fetch_timeout":"12s","heartbeat_interval":"1m"}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadFile(path, Default())
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.True(t, cfg.PartialResults)
	assert.Equal(t, 12*time.Second, cfg.FetchTimeout)
	assert.Equal(t, time.Minute, cfg.HeartbeatInterval)
	// untouched fields keep the base value
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
}

func TestLoadFile_EnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port":"7070"}`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "6060")

	cfg := Load()
	assert.Equal(t, "6060", cfg.Port)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"), Default())
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"read_timeout":"forever"}`), 0o600))
	_, err = LoadFile(path, Default())
	assert.ErrorContains(t, err, "read_timeout")
}
