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
	t.Chdir(t.TempDir())
	for _, key := range []string{EnvConfigFile, "PORT", "REDIS_URL", "REDIS_HOST", "VAPID_PUBLIC_KEY", "VAPID_PRIVATE_KEY", "IDENTITY_URL", "IDENTITY_ANON_KEY"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.False(t, cfg.Redis.Configured())
	assert.False(t, cfg.Push.Configured())
	assert.False(t, cfg.Identity.Configured())
	assert.Equal(t, "mailto:contacto@pasofino.co", cfg.Push.Subject)
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "pasofino.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
redis:
  host: cache.internal
push:
  vapid_public_key: pub
  vapid_private_key: priv
  timeout: 3s
log:
  level: debug
`), 0o600))

	t.Setenv(EnvConfigFile, path)
	t.Setenv("PORT", "9100")
	t.Setenv("ALLOWED_ORIGINS", "https://pasofino.co, https://www.pasofino.co")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, "cache.internal", cfg.Redis.Host)
	assert.True(t, cfg.Redis.Configured())
	assert.True(t, cfg.Push.Configured())
	assert.Equal(t, 3*time.Second, cfg.Push.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"https://pasofino.co", "https://www.pasofino.co"}, cfg.AllowedOrigins)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(EnvConfigFile, "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("IDENTITY_URL=https://id.example\nIDENTITY_ANON_KEY=anon\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("IDENTITY_URL")
		os.Unsetenv("IDENTITY_ANON_KEY")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Identity.Configured())
}

func TestLoadBrokenFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [unterminated"), 0o600))
	t.Setenv(EnvConfigFile, path)

	_, err := Load()
	assert.Error(t, err)
}
