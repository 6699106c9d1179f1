package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DAYS", "14d")
	t.Setenv("X_GO", "90s")
	t.Setenv("X_BAD", "soon")

	assert.Equal(t, 14*24*time.Hour, getEnvDuration("X_DAYS", time.Minute))
	assert.Equal(t, 90*time.Second, getEnvDuration("X_GO", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("X_BAD", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("X_UNSET", time.Minute))
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ACCESS_CODE_PREFIX", "shop")
	t.Setenv("DB_DRIVER", "SQLite")
	for _, k := range []string{"APP_ENV", "CURRENCY", "TRIAL_LENGTH", "APPLY_MAX_RETRIES"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	assert.Equal(t, "SHOP", cfg.AccessCodePrefix)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "KES", cfg.Currency)
	assert.Equal(t, 14*24*time.Hour, cfg.TrialLength)
	assert.Equal(t, 3, cfg.ApplyMaxRetries)
	assert.False(t, cfg.IsDevelopment())
}
