package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadRejectsMissingWalDir(t *testing.T) {
	clearEnv(t, "WAL_DIR", "CONFIG_SERVICE_URL")
	os.Setenv("CONFIG_SERVICE_URL", "http://config-service")

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("wal:\n  dir: \"\"\n"), 0o644))

	_, err := Load(yamlPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingRequiredEnv))
}

func TestLoadRequiresConfigServiceURL(t *testing.T) {
	clearEnv(t, "WAL_DIR", "CONFIG_SERVICE_URL")
	os.Setenv("WAL_DIR", "/tmp/wal")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingRequiredEnv))
}

func TestLoadDerivesCursorFileFromWalDir(t *testing.T) {
	clearEnv(t, "WAL_DIR", "CONFIG_SERVICE_URL", "WAL_CURSOR_FILE")
	os.Setenv("WAL_DIR", "/tmp/wal")
	os.Setenv("CONFIG_SERVICE_URL", "http://config-service")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/wal/cursor.json", cfg.Wal.CursorFile)
}

func TestLoadEnvOverridesWinOverYAML(t *testing.T) {
	clearEnv(t, "WAL_DIR", "CONFIG_SERVICE_URL", "SERVICE_SLUG")
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("server:\n  slug: from-yaml\nwal:\n  dir: /yaml/wal\n"), 0o644))

	os.Setenv("WAL_DIR", "/tmp/wal")
	os.Setenv("CONFIG_SERVICE_URL", "http://config-service")
	os.Setenv("SERVICE_SLUG", "from-env")

	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.Slug, "environment must win over the YAML file")
	assert.Equal(t, "/tmp/wal", cfg.Wal.Dir)
}

func TestLoadParsesYAMLWhenNoEnvOverride(t *testing.T) {
	clearEnv(t, "WAL_DIR", "CONFIG_SERVICE_URL", "SERVICE_SLUG")
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("server:\n  slug: from-yaml\n"), 0o644))

	os.Setenv("WAL_DIR", "/tmp/wal")
	os.Setenv("CONFIG_SERVICE_URL", "http://config-service")

	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "from-yaml", cfg.Server.Slug)
}

func TestLoadIgnoresMissingYAMLFile(t *testing.T) {
	clearEnv(t, "WAL_DIR", "CONFIG_SERVICE_URL")
	os.Setenv("WAL_DIR", "/tmp/wal")
	os.Setenv("CONFIG_SERVICE_URL", "http://config-service")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gateway", cfg.Server.Slug, "absent file should fall back to defaults")
}

func TestCSVOverrideTrimsAndSplits(t *testing.T) {
	clearEnv(t, "S2S_ALLOWED_ISSUERS")
	os.Setenv("S2S_ALLOWED_ISSUERS", "gateway, invoicing-svc ,ledger-svc")

	cfg := Default()
	applyEnvOverrides(&cfg)
	assert.Equal(t, []string{"gateway", "invoicing-svc", "ledger-svc"}, cfg.S2S.AllowedIssuers)
}

func TestDefaultProducesNonZeroIdentityWindow(t *testing.T) {
	cfg := Default()
	assert.Positive(t, cfg.Identity.RotationInterval)
	assert.Positive(t, cfg.Identity.OverlapWindow)
}
