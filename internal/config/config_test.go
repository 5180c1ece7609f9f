package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	store "github.com/xiaot623/trustgame/internal/repository"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.HTTPPort)
	assert.Equal(t, 5, cfg.Horizon)
	assert.Equal(t, 3, cfg.K)
	assert.Equal(t, 10, cfg.InvestorEndowment)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, 100*time.Second, cfg.LockDuration)
	assert.Equal(t, "heuristic", cfg.OracleMode)
	assert.Equal(t, store.FileDSN("trustgame.db"), cfg.DatabaseURL)
	assert.NotContains(t, cfg.DatabaseURL, "cache=shared")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HORIZON", "8")
	t.Setenv("LOCK_DURATION", "30s")
	t.Setenv("LOCK_RENEW_TIME", "10s")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Horizon)
	assert.Equal(t, 30*time.Second, cfg.LockDuration)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Run("zero horizon", func(t *testing.T) {
		t.Setenv("HORIZON", "0")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("renew longer than lock", func(t *testing.T) {
		t.Setenv("LOCK_DURATION", "10s")
		t.Setenv("LOCK_RENEW_TIME", "20s")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("malformed int", func(t *testing.T) {
		t.Setenv("HTTP_PORT", "abc")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, (&Config{LogLevel: "DEBUG"}).SlogLevel())
	assert.Equal(t, slog.LevelWarn, (&Config{LogLevel: "warn"}).SlogLevel())
	assert.Equal(t, slog.LevelInfo, (&Config{LogLevel: ""}).SlogLevel())
}
