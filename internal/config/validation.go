package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/dgellow/tinyls-client/internal/log"
)

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if err := validateBackend(&config.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if err := validateApp(&config.App); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := validateCredentials(&config.Credentials); err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	if err := validateRelay(&config.Relay); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

func validateBackend(b *BackendConfig) error {
	if b.BaseURL == "" {
		return fmt.Errorf("baseURL is required")
	}
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("baseURL must use http or https (got %q)", u.Scheme)
	}
	if u.Scheme == "http" && !isLoopbackHost(u.Hostname()) {
		log.LogWarnWithFields("config", "Backend is reached over plain HTTP, the credential travels unencrypted", map[string]any{
			"baseURL": b.BaseURL,
		})
	}
	if b.Paths.CurrentUser == "" || b.Paths.Authenticate == "" || b.Paths.Authorize == "" {
		return fmt.Errorf("paths.currentUser, paths.authenticate and paths.authorize are required")
	}
	if !strings.Contains(b.Paths.Authorize, "{provider}") {
		return fmt.Errorf("paths.authorize must contain {provider}")
	}
	if b.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

func validateApp(a *AppConfig) error {
	if a.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	host, _, err := net.SplitHostPort(a.Addr)
	if err != nil {
		return fmt.Errorf("invalid addr %q: %w", a.Addr, err)
	}
	if !isLoopbackHost(host) {
		return fmt.Errorf("addr must be a loopback address (got %q)", host)
	}
	if a.Origin != "" {
		u, err := url.Parse(a.Origin)
		if err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
			return fmt.Errorf("origin must be scheme://host[:port] (got %q)", a.Origin)
		}
	}
	return nil
}

func validateCredentials(c *CredentialsConfig) error {
	switch c.Store {
	case StoreFile, StoreSQLite:
	case StoreMemory:
		log.LogDebug("Credential store is in memory, sessions will not survive a restart")
	case StoreSealed:
		if len(c.Key) != 32 {
			return fmt.Errorf("key must be exactly 32 characters for the sealed store (got %d). Generate with: tinyls keygen", len(c.Key))
		}
	default:
		return fmt.Errorf("invalid store %q (file, sealed, sqlite or memory)", c.Store)
	}
	return nil
}

func validateRelay(r *RelayConfig) error {
	switch r.Mode {
	case RelayModeAuto, RelayModePopup, RelayModeTab:
	default:
		return fmt.Errorf("invalid mode %q (auto, popup or tab)", r.Mode)
	}
	if r.PollInterval <= 0 {
		return fmt.Errorf("pollInterval must be positive")
	}
	if r.MaxWait < 0 {
		return fmt.Errorf("maxWait cannot be negative")
	}
	if r.MaxWait > 0 && r.MaxWait < r.PollInterval {
		return fmt.Errorf("maxWait must not be shorter than pollInterval")
	}
	if r.Screen.Width <= 0 || r.Screen.Height <= 0 {
		return fmt.Errorf("screen width and height must be positive")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
