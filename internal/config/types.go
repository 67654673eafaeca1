package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to keep secrets out of JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// StoreKind selects the credential persistence backend
type StoreKind string

const (
	StoreFile   StoreKind = "file"
	StoreSealed StoreKind = "sealed"
	StoreSQLite StoreKind = "sqlite"
	StoreMemory StoreKind = "memory"
)

// RelayMode forces or auto-detects how the login page is shown
type RelayMode string

const (
	RelayModeAuto  RelayMode = "auto"
	RelayModePopup RelayMode = "popup"
	RelayModeTab   RelayMode = "tab"
)

// PathsConfig are the backend routes relative to the base URL
type PathsConfig struct {
	CurrentUser  string `json:"currentUser,omitempty"`
	Authenticate string `json:"authenticate,omitempty"`
	Authorize    string `json:"authorize,omitempty"`
	Register     string `json:"register,omitempty"`
	Profile      string `json:"profile,omitempty"`
	Password     string `json:"password,omitempty"`
	Account      string `json:"account,omitempty"`
}

// BackendConfig locates the tinyls backend
type BackendConfig struct {
	BaseURL string        `json:"baseURL"`
	Paths   PathsConfig   `json:"paths"`
	Timeout time.Duration `json:"timeout"`
}

// AppConfig is the loopback listener serving the application origin
type AppConfig struct {
	Addr string `json:"addr"`
	// Origin defaults to http://{addr}
	Origin string `json:"origin,omitempty"`
}

// CredentialsConfig selects where the credential is kept
type CredentialsConfig struct {
	Store StoreKind `json:"store"`
	// Path defaults to a file under the user config directory
	Path string `json:"path,omitempty"`
	// Key seals the credential file; 32 bytes, required for the sealed store
	Key Secret `json:"key,omitempty"`
}

// ScreenConfig is the available screen area used to size the popup
type ScreenConfig struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	X      int `json:"x"`
	Y      int `json:"y"`
}

// RelayConfig tunes the OAuth2 relay
type RelayConfig struct {
	Mode         RelayMode     `json:"mode"`
	PollInterval time.Duration `json:"pollInterval"`
	// MaxWait bounds a handshake; zero disables the ceiling
	MaxWait time.Duration `json:"maxWait"`
	// Browser is the Chromium-family executable used for popups
	Browser string       `json:"browser,omitempty"`
	Screen  ScreenConfig `json:"screen"`
}

// Config is the resolved client configuration
type Config struct {
	Backend     BackendConfig     `json:"backend"`
	App         AppConfig         `json:"app"`
	Credentials CredentialsConfig `json:"credentials"`
	Relay       RelayConfig       `json:"relay"`
}

// parseConfigValue reads a JSON value that is either a plain string or an
// environment reference of the form {"$env": "VAR_NAME"}. The explicit
// object form keeps shells from expanding anything before the client
// reads the file.
func parseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip one matching pair of surrounding quotes
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}
