package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every config source at empty temp directories so host
// configuration cannot leak into tests.
func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	for _, v := range []string{
		"DOCUCHAT_SERVER_URL", "DOCUCHAT_LOG_LEVEL", "DOCUCHAT_PRETTY_LOGS",
		"DOCUCHAT_MAX_RECONNECTS", "DOCUCHAT_METRICS_ADDR",
	} {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, "1s", cfg.Reconnect.InitialInterval)
	require.NotNil(t, cfg.Query.UseCache)
	assert.True(t, *cfg.Query.UseCache)
	require.NotNil(t, cfg.Query.IncludeCitations)
	assert.True(t, *cfg.Query.IncludeCitations)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_ProjectFileWithComments(t *testing.T) {
	isolate(t)

	dir := t.TempDir()
	content := `{
		// staging backend
		"server_url": "ws://staging:8004/socket.io",
		"log_level": "DEBUG",
		"reconnect": {
			"max_attempts": 8,
			"initial_interval": "250ms"
		},
		"query": {"use_cache": false}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, File), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "ws://staging:8004/socket.io", cfg.ServerURL)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, "250ms", cfg.Reconnect.InitialInterval)
	require.NotNil(t, cfg.Query.UseCache)
	assert.False(t, *cfg.Query.UseCache)
	// Untouched fields keep their defaults.
	assert.Equal(t, "30s", cfg.Reconnect.MaxInterval)
}

func TestLoad_ProjectOverridesGlobal(t *testing.T) {
	isolate(t)

	home := os.Getenv("HOME")
	globalDir := filepath.Join(home, ".docuchat")
	require.NoError(t, os.MkdirAll(globalDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, File),
		[]byte(`{"server_url": "ws://global:8004", "log_level": "WARN"}`), 0o644))

	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, File),
		[]byte(`{"server_url": "ws://project:8004"}`), 0o644))

	cfg, err := Load(project)
	require.NoError(t, err)

	assert.Equal(t, "ws://project:8004", cfg.ServerURL)
	assert.Equal(t, "WARN", cfg.LogLevel, "global settings survive when project is silent")
}

func TestLoad_EnvOverridesFiles(t *testing.T) {
	isolate(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, File),
		[]byte(`{"server_url": "ws://file:8004"}`), 0o644))

	t.Setenv("DOCUCHAT_SERVER_URL", "ws://env:8004")
	t.Setenv("DOCUCHAT_MAX_RECONNECTS", "2")
	t.Setenv("DOCUCHAT_PRETTY_LOGS", "true")
	t.Setenv("DOCUCHAT_METRICS_ADDR", "localhost:9999")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "ws://env:8004", cfg.ServerURL)
	assert.Equal(t, 2, cfg.Reconnect.MaxAttempts)
	require.NotNil(t, cfg.PrettyLogs)
	assert.True(t, *cfg.PrettyLogs)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "localhost:9999", cfg.Metrics.Addr)
}

func TestLoad_MalformedFileIsSkipped(t *testing.T) {
	isolate(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, File), []byte(`{not json`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
}
