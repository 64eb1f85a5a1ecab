package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("UPSTREAM_CLIENT_ID", "cid")
	t.Setenv("UPSTREAM_CLIENT_SECRET", "csecret")
	t.Setenv("UPSTREAM_AUTH_URL", "https://fit.example.com/oauth/authorize")
	t.Setenv("UPSTREAM_TOKEN_URL", "https://fit.example.com/oauth/token")
	t.Setenv("UPSTREAM_API_BASE_URL", "https://api.fit.example.com")
	t.Setenv("TOKEN_ENCRYPTION_KEY", hex.EncodeToString(make([]byte, 32)))
	t.Setenv("TOKEN_HASH_SECRET", hex.EncodeToString([]byte("hash-secret-1234")))
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 10*time.Minute, cfg.AuthCodeTTL)
	assert.Equal(t, 5*time.Minute, cfg.RefreshBuffer)
	assert.Equal(t, []string{"profile", "workouts", "goals"}, cfg.UpstreamScopes)
	assert.Len(t, cfg.EncryptionKey, 32)
	assert.Equal(t, "http://localhost:8080/upstream/callback", cfg.UpstreamRedirectURL())
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BASE_URL", "https://mcp.example.com/")
	t.Setenv("ACCESS_TOKEN_TTL", "15m")
	t.Setenv("UPSTREAM_SCOPES", "profile,workouts")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://mcp.example.com", cfg.BaseURL)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, []string{"profile", "workouts"}, cfg.UpstreamScopes)
}

func TestLoadRequiresUpstreamSettings(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("UPSTREAM_CLIENT_ID", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPSTREAM_CLIENT_ID")
}

func TestLoadRejectsShortEncryptionKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TOKEN_ENCRYPTION_KEY", hex.EncodeToString(make([]byte, 16)))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestLoadYAMLOverlay(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_url: https://file.example.com\nlisten_addr: \":9090\"\n"), 0o600))
	t.Setenv("FITBRIDGE_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://file.example.com", cfg.BaseURL)
	assert.Equal(t, ":9090", cfg.ListenAddr)
}
