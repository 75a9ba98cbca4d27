package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.APIPort)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, "@every 5m", cfg.SchedulerSpec)
	assert.Equal(t, 5, cfg.SchedulerConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.SchedulerLease)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, "round-robin", cfg.DBReplicaStrategy)
	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("API_PORT", "9090")
	t.Setenv("DATABASE_DRIVER", "sqlite3")
	t.Setenv("SCHEDULER_ENABLED", "true")
	t.Setenv("SCHEDULER_CONCURRENCY", "8")
	t.Setenv("SCHEDULER_LEASE", "90s")
	t.Setenv("EMAIL_RATE_PER_SECOND", "2.5")
	t.Setenv("DATABASE_REPLICA_URLS", "postgres://r1/db,postgres://r2/db")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://admin.example.com,https://ops.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.APIPort)
	assert.Equal(t, "sqlite3", cfg.DatabaseDriver)
	assert.True(t, cfg.SchedulerEnabled)
	assert.Equal(t, 8, cfg.SchedulerConcurrency)
	assert.Equal(t, 90*time.Second, cfg.SchedulerLease)
	assert.Equal(t, 2.5, cfg.EmailRatePerSecond)
	assert.Equal(t, []string{"postgres://r1/db", "postgres://r2/db"}, cfg.DatabaseReplicaURLs)
	assert.Equal(t, []string{"https://admin.example.com", "https://ops.example.com"}, cfg.CORSAllowedOrigins)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			DatabaseDriver:       "postgres",
			SchedulerConcurrency: 5,
			SchedulerBatchSize:   100,
			SchedulerLease:       time.Minute,
			JWTSecret:            "secret",
			CronSecret:           "cron",
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("unsupported driver", func(t *testing.T) {
		cfg := base()
		cfg.DatabaseDriver = "mysql"
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero concurrency", func(t *testing.T) {
		cfg := base()
		cfg.SchedulerConcurrency = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown replica strategy", func(t *testing.T) {
		cfg := base()
		cfg.DBReplicaStrategy = "least-connections"
		assert.Error(t, cfg.Validate())
	})

	t.Run("production requires cron secret", func(t *testing.T) {
		cfg := base()
		cfg.APIEnvironment = "production"
		cfg.CronSecret = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("production rejects default jwt secret", func(t *testing.T) {
		cfg := base()
		cfg.APIEnvironment = "production"
		cfg.JWTSecret = "change-this-in-production"
		assert.Error(t, cfg.Validate())
	})
}
