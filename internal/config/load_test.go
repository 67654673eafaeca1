package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://"+DefaultAddr, cfg.App.Origin)
	assert.Equal(t, StoreFile, cfg.Credentials.Store)
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"version": "v1",
		"backend": {"baseURL": "https://api.example.com", "timeout": "5s"},
		"app": {"addr": "127.0.0.1:9000"},
		"credentials": {"store": "sqlite", "path": "/tmp/tinyls.db"},
		"relay": {"mode": "popup", "maxWait": "2m", "browser": "chromium"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.App.Origin)
	assert.Equal(t, StoreSQLite, cfg.Credentials.Store)
	assert.Equal(t, RelayModePopup, cfg.Relay.Mode)
	assert.Equal(t, 2*time.Minute, cfg.Relay.MaxWait)
	assert.Equal(t, "chromium", cfg.Relay.Browser)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "missing version", content: `{}`, wantErr: "version is required"},
		{name: "wrong version", content: `{"version": "v0"}`, wantErr: "unsupported config version"},
		{name: "bad json", content: `{`, wantErr: "parsing config JSON"},
		{
			name:    "literal key",
			content: `{"version": "v1", "credentials": {"store": "sealed", "key": "0123456789abcdef0123456789abcdef"}}`,
			wantErr: "must use environment variable reference",
		},
		{
			name:    "key ref without $env",
			content: `{"version": "v1", "credentials": {"key": {"value": "x"}}}`,
			wantErr: `{"$env": "VAR_NAME"}`,
		},
		{
			name:    "non loopback addr",
			content: `{"version": "v1", "app": {"addr": "0.0.0.0:9000"}}`,
			wantErr: "loopback",
		},
		{
			name:    "invalid mode",
			content: `{"version": "v1", "relay": {"mode": "modal"}}`,
			wantErr: "invalid mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, env.Options{Environment: map[string]string{
		"TINYLS_BACKEND_URL":      "https://staging.example.com",
		"TINYLS_APP_ADDR":         "127.0.0.1:7000",
		"TINYLS_CREDENTIAL_STORE": "memory",
		"TINYLS_CREDENTIAL_KEY":   "k",
		"TINYLS_RELAY_MODE":       "tab",
		"TINYLS_RELAY_MAX_WAIT":   "90s",
		"TINYLS_BROWSER":          "  brave  ",
	}})
	require.NoError(t, err)

	assert.Equal(t, "https://staging.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, "127.0.0.1:7000", cfg.App.Addr)
	assert.Equal(t, StoreMemory, cfg.Credentials.Store)
	assert.Equal(t, Secret("k"), cfg.Credentials.Key)
	assert.Equal(t, RelayModeTab, cfg.Relay.Mode)
	assert.Equal(t, 90*time.Second, cfg.Relay.MaxWait)
	assert.Equal(t, "brave", cfg.Relay.Browser)
	assert.Equal(t, "/current-user", cfg.Backend.Paths.CurrentUser)
}

func TestApplyEnv_BadDuration(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, env.Options{Environment: map[string]string{
		"TINYLS_RELAY_MAX_WAIT": "forever",
	}})
	assert.Error(t, err)
}
