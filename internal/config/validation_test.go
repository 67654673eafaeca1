package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "localhost addr", mutate: func(c *Config) { c.App.Addr = "localhost:0" }},
		{name: "ipv6 loopback", mutate: func(c *Config) { c.App.Addr = "[::1]:9000" }},
		{
			name:    "missing base url",
			mutate:  func(c *Config) { c.Backend.BaseURL = "" },
			wantErr: "baseURL is required",
		},
		{
			name:    "ftp base url",
			mutate:  func(c *Config) { c.Backend.BaseURL = "ftp://example.com" },
			wantErr: "http or https",
		},
		{
			name:    "authorize without provider",
			mutate:  func(c *Config) { c.Backend.Paths.Authorize = "/oauth2/authorize" },
			wantErr: "{provider}",
		},
		{
			name:    "public addr",
			mutate:  func(c *Config) { c.App.Addr = "192.168.1.10:9000" },
			wantErr: "loopback",
		},
		{
			name:    "addr without port",
			mutate:  func(c *Config) { c.App.Addr = "127.0.0.1" },
			wantErr: "invalid addr",
		},
		{
			name:    "origin with path",
			mutate:  func(c *Config) { c.App.Origin = "http://127.0.0.1:9000/app" },
			wantErr: "origin must be",
		},
		{
			name:    "sealed store without key",
			mutate:  func(c *Config) { c.Credentials.Store = StoreSealed },
			wantErr: "exactly 32 characters",
		},
		{
			name: "sealed store with key",
			mutate: func(c *Config) {
				c.Credentials.Store = StoreSealed
				c.Credentials.Key = "0123456789abcdef0123456789abcdef"
			},
		},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Credentials.Store = "keychain" },
			wantErr: "invalid store",
		},
		{
			name:    "zero poll interval",
			mutate:  func(c *Config) { c.Relay.PollInterval = 0 },
			wantErr: "pollInterval must be positive",
		},
		{
			name:    "negative max wait",
			mutate:  func(c *Config) { c.Relay.MaxWait = -1 },
			wantErr: "maxWait cannot be negative",
		},
		{name: "no ceiling", mutate: func(c *Config) { c.Relay.MaxWait = 0 }},
		{
			name:    "empty screen",
			mutate:  func(c *Config) { c.Relay.Screen.Width = 0 },
			wantErr: "screen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := ValidateConfig(&cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
