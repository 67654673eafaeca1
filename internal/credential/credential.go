// Package credential holds the bearer credential that proves an
// authenticated session to the backend.
//
// A Store never fails from the caller's point of view. Persistence goes
// through a Backend; when the backend cannot be written the store keeps
// working from memory for the rest of the process lifetime and the
// session simply does not survive a restart.
package credential

import (
	"errors"
	"sync"

	"github.com/dgellow/tinyls-client/internal/log"
)

// Credential is an opaque bearer token
type Credential string

// SlotName is the persistence key holding the credential
const SlotName = "access_token"

// ErrNotFound is returned by a Backend that holds no credential
var ErrNotFound = errors.New("credential not found")

// Store is the read/write capability the session state depends on
type Store interface {
	Get() (Credential, bool)
	Set(c Credential)
	Clear()
}

// Backend persists a single string across restarts
type Backend interface {
	Load() (string, error)
	Save(value string) error
	Delete() error
}

// Ensure Durable implements Store
var _ Store = (*Durable)(nil)

// Durable is a Store backed by a Backend with an in-memory copy
type Durable struct {
	mu       sync.Mutex
	backend  Backend
	value    Credential
	present  bool
	degraded bool
}

// New loads the current credential from backend. A load failure other
// than ErrNotFound is logged and treated as "no credential".
func New(backend Backend) *Durable {
	d := &Durable{backend: backend}

	value, err := backend.Load()
	switch {
	case err == nil && value != "":
		d.value = Credential(value)
		d.present = true
	case err == nil, errors.Is(err, ErrNotFound):
	default:
		log.LogWarnWithFields("credential", "Failed to load stored credential, starting anonymous", map[string]any{
			"error": err.Error(),
		})
	}
	return d
}

// Get returns the current credential
func (d *Durable) Get() (Credential, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value, d.present
}

// Set replaces the credential. An empty credential clears the slot.
func (d *Durable) Set(c Credential) {
	if c == "" {
		d.Clear()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.value = c
	d.present = true
	if d.degraded {
		return
	}
	if err := d.backend.Save(string(c)); err != nil {
		d.degrade("save", err)
		// The slot still holds the previous credential, which must not
		// come back on the next start
		d.deleteStale()
	}
}

// Clear removes the credential
func (d *Durable) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value = ""
	d.present = false
	if d.degraded {
		d.deleteStale()
		return
	}
	if err := d.backend.Delete(); err != nil {
		d.degrade("delete", err)
	}
}

// Degraded reports whether persistence was abandoned for this process
func (d *Durable) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

// deleteStale is a best-effort delete once persistence is degraded.
// Must be called with mu held.
func (d *Durable) deleteStale() {
	if err := d.backend.Delete(); err != nil {
		log.LogWarnWithFields("credential", "Failed to remove stale stored credential", map[string]any{
			"error": err.Error(),
		})
	}
}

// degrade must be called with mu held
func (d *Durable) degrade(op string, err error) {
	d.degraded = true
	log.LogWarnWithFields("credential", "Credential persistence unavailable, keeping it in memory only", map[string]any{
		"operation": op,
		"error":     err.Error(),
	})
}
