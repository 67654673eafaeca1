package session

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Provider is the identity provider an account was created with
type Provider string

const (
	ProviderLocal  Provider = "LOCAL"
	ProviderGoogle Provider = "GOOGLE"
	ProviderGitHub Provider = "GITHUB"
)

// ID is the backend's user identifier. The backend issues UUIDs; numeric
// identifiers are accepted and kept in their decimal form.
type ID string

// UnmarshalJSON accepts both JSON strings and numbers
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Profile is the server-sourced user record. It is replaced wholesale on
// every successful fetch and never patched locally.
type Profile struct {
	ID                ID       `json:"id"`
	Name              string   `json:"name"`
	Email             string   `json:"email"`
	Provider          Provider `json:"provider"`
	CanChangePassword bool     `json:"canChangePassword"`
	AvatarURL         string   `json:"avatarUrl,omitempty"`
}

// IsExternal reports whether the account signs in through an OAuth2 provider
func (p *Profile) IsExternal() bool {
	return p != nil && p.Provider != "" && p.Provider != ProviderLocal
}
