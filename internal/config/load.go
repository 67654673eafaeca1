package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Version is the config file format this client reads
const Version = "v1"

// DefaultAddr is the loopback listener the backend redirects back to
const DefaultAddr = "127.0.0.1:53682"

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL: "http://localhost:8080",
			Paths: PathsConfig{
				CurrentUser:  "/current-user",
				Authenticate: "/authenticate",
				Authorize:    "/oauth2/authorize/{provider}",
				Register:     "/register",
				Profile:      "/users/me",
				Password:     "/password",
				Account:      "/users/me",
			},
			Timeout: 30 * time.Second,
		},
		App: AppConfig{
			Addr: DefaultAddr,
		},
		Credentials: CredentialsConfig{
			Store: StoreFile,
		},
		Relay: RelayConfig{
			Mode:         RelayModeAuto,
			PollInterval: 500 * time.Millisecond,
			MaxWait:      10 * time.Minute,
			Screen:       ScreenConfig{Width: 1920, Height: 1080},
		},
	}
}

// Load reads the config file at path on top of the defaults, applies
// environment overrides and validates the result. An empty path skips
// the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}

		var rawConfig map[string]any
		if err := json.Unmarshal(data, &rawConfig); err != nil {
			return Config{}, fmt.Errorf("parsing config JSON: %w", err)
		}

		version, ok := rawConfig["version"].(string)
		if !ok {
			return Config{}, fmt.Errorf("config version is required")
		}
		if version != Version {
			return Config{}, fmt.Errorf("unsupported config version: %s", version)
		}

		if err := validateRawConfig(rawConfig); err != nil {
			return Config{}, fmt.Errorf("config validation failed: %w", err)
		}

		// The custom UnmarshalJSON methods resolve env refs immediately
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.App.Origin == "" {
		cfg.App.Origin = OriginFor(cfg.App.Addr)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// OriginFor is the browser origin of a loopback listener address
func OriginFor(addr string) string {
	return "http://" + addr
}

// envOverrides are the TINYLS_* variables that win over the file
type envOverrides struct {
	BackendURL      string `env:"TINYLS_BACKEND_URL"`
	AppAddr         string `env:"TINYLS_APP_ADDR"`
	AppOrigin       string `env:"TINYLS_APP_ORIGIN"`
	CredentialStore string `env:"TINYLS_CREDENTIAL_STORE"`
	CredentialPath  string `env:"TINYLS_CREDENTIAL_PATH"`
	CredentialKey   string `env:"TINYLS_CREDENTIAL_KEY"`
	RelayMode       string `env:"TINYLS_RELAY_MODE"`
	RelayMaxWait    string `env:"TINYLS_RELAY_MAX_WAIT"`
	Browser         string `env:"TINYLS_BROWSER"`
}

// ApplyEnv overlays TINYLS_* environment variables onto cfg
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.Options{})
}

func applyEnv(cfg *Config, opts env.Options) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Backend.BaseURL, o.BackendURL)
	set(&cfg.App.Addr, o.AppAddr)
	set(&cfg.App.Origin, o.AppOrigin)
	set(&cfg.Credentials.Path, o.CredentialPath)
	set(&cfg.Relay.Browser, o.Browser)
	if o.CredentialStore != "" {
		cfg.Credentials.Store = StoreKind(o.CredentialStore)
	}
	if o.CredentialKey != "" {
		cfg.Credentials.Key = Secret(o.CredentialKey)
	}
	if o.RelayMode != "" {
		cfg.Relay.Mode = RelayMode(o.RelayMode)
	}
	if o.RelayMaxWait != "" {
		d, err := parseDuration("TINYLS_RELAY_MAX_WAIT", o.RelayMaxWait)
		if err != nil {
			return err
		}
		cfg.Relay.MaxWait = d
	}
	return nil
}

// validateRawConfig checks the document before references are resolved
func validateRawConfig(rawConfig map[string]any) error {
	creds, ok := rawConfig["credentials"].(map[string]any)
	if !ok {
		return nil
	}
	value, exists := creds["key"]
	if !exists {
		return nil
	}
	if _, isString := value.(string); isString {
		return fmt.Errorf("credentials.key must use environment variable reference for security")
	}
	if refMap, isMap := value.(map[string]any); isMap {
		if _, hasEnv := refMap["$env"]; !hasEnv {
			return fmt.Errorf("credentials.key must use {\"$env\": \"VAR_NAME\"} format")
		}
	}
	return nil
}
