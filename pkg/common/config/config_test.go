package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/taskmesh?sslmode=disable")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.ListenAddress)
	assert.Equal(t, "warning", cfg.Engine.EnforcementLevel)
	assert.True(t, cfg.Engine.ResponseOptimization)
	assert.Equal(t, 300*time.Second, cfg.Engine.ContextCacheTTL)
	assert.Equal(t, "migrations", cfg.Database.MigrationsPath)
}

func TestLoadCoreEnvironmentVariables(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/taskmesh?sslmode=disable")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ENABLE_RESPONSE_OPTIMIZATION", "false")
	t.Setenv("PARAMETER_ENFORCEMENT_LEVEL", "strict")
	t.Setenv("CONTEXT_CACHE_TTL_SECONDS", "60")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Engine.ResponseOptimization)
	assert.Equal(t, "strict", cfg.Engine.EnforcementLevel)
	assert.Equal(t, time.Minute, cfg.Engine.ContextCacheTTL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
}

func TestLoadYAMLFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_address: ":9090"
database:
  dsn: postgres://file-host/taskmesh
auth:
  jwt_secret: from-file
engine:
  enforcement_level: soft
`), 0o600))
	t.Setenv("DATABASE_URL", "postgres://env-host/taskmesh")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.ListenAddress)
	assert.Equal(t, "soft", cfg.Engine.EnforcementLevel)
	// Environment beats the file
	assert.Equal(t, "postgres://env-host/taskmesh", cfg.Database.DSN)
}

func TestValidateRejectsIncompleteConfig(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate())

	cfg.Database.DSN = "postgres://localhost/taskmesh"
	assert.Error(t, cfg.Validate())

	cfg.Auth.JWTSecret = "secret"
	cfg.Engine.EnforcementLevel = "aggressive"
	assert.Error(t, cfg.Validate())

	cfg.Engine.EnforcementLevel = "strict"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 300*time.Second, cfg.Engine.ContextCacheTTL)
}
