package config

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON resolves references and durations. Fields absent from the
// document keep their current values so defaults survive.
func (b *BackendConfig) UnmarshalJSON(data []byte) error {
	type rawBackend struct {
		BaseURL json.RawMessage `json:"baseURL"`
		Paths   *PathsConfig    `json:"paths"`
		Timeout string          `json:"timeout"`
	}

	var raw rawBackend
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.BaseURL != nil {
		value, err := parseConfigValue(raw.BaseURL)
		if err != nil {
			return fmt.Errorf("parsing baseURL: %w", err)
		}
		b.BaseURL = value
	}
	if raw.Paths != nil {
		b.Paths.merge(*raw.Paths)
	}
	if raw.Timeout != "" {
		d, err := parseDuration("timeout", raw.Timeout)
		if err != nil {
			return err
		}
		b.Timeout = d
	}
	return nil
}

// merge overrides only the routes that are set in other
func (p *PathsConfig) merge(other PathsConfig) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&p.CurrentUser, other.CurrentUser)
	set(&p.Authenticate, other.Authenticate)
	set(&p.Authorize, other.Authorize)
	set(&p.Register, other.Register)
	set(&p.Profile, other.Profile)
	set(&p.Password, other.Password)
	set(&p.Account, other.Account)
}

// UnmarshalJSON resolves the path and key references
func (c *CredentialsConfig) UnmarshalJSON(data []byte) error {
	type rawCredentials struct {
		Store StoreKind       `json:"store"`
		Path  json.RawMessage `json:"path"`
		Key   json.RawMessage `json:"key"`
	}

	var raw rawCredentials
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Store != "" {
		c.Store = raw.Store
	}
	if raw.Path != nil {
		value, err := parseConfigValue(raw.Path)
		if err != nil {
			return fmt.Errorf("parsing path: %w", err)
		}
		c.Path = value
	}
	if raw.Key != nil {
		value, err := parseConfigValue(raw.Key)
		if err != nil {
			return fmt.Errorf("parsing key: %w", err)
		}
		c.Key = Secret(value)
	}
	return nil
}

// UnmarshalJSON parses durations given as strings such as "500ms"
func (r *RelayConfig) UnmarshalJSON(data []byte) error {
	type rawRelay struct {
		Mode         RelayMode       `json:"mode"`
		PollInterval string          `json:"pollInterval"`
		MaxWait      *string         `json:"maxWait"`
		Browser      json.RawMessage `json:"browser"`
		Screen       *ScreenConfig   `json:"screen"`
	}

	var raw rawRelay
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Mode != "" {
		r.Mode = raw.Mode
	}
	if raw.PollInterval != "" {
		d, err := parseDuration("pollInterval", raw.PollInterval)
		if err != nil {
			return err
		}
		r.PollInterval = d
	}
	// "0" or "0s" disables the ceiling, so presence matters here
	if raw.MaxWait != nil {
		d, err := parseDuration("maxWait", *raw.MaxWait)
		if err != nil {
			return err
		}
		r.MaxWait = d
	}
	if raw.Browser != nil {
		value, err := parseConfigValue(raw.Browser)
		if err != nil {
			return fmt.Errorf("parsing browser: %w", err)
		}
		r.Browser = value
	}
	if raw.Screen != nil {
		r.Screen = *raw.Screen
	}
	return nil
}
