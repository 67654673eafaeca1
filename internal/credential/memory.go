package credential

import "sync"

// Ensure MemoryBackend implements Backend
var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend keeps the credential for the process lifetime only
type MemoryBackend struct {
	mu    sync.Mutex
	value string
}

// NewMemoryBackend returns an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.value == "" {
		return "", ErrNotFound
	}
	return m.value, nil
}

func (m *MemoryBackend) Save(value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = value
	return nil
}

func (m *MemoryBackend) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = ""
	return nil
}

// NewMemoryStore is a convenience for tests and ephemeral runs
func NewMemoryStore() *Durable {
	return New(NewMemoryBackend())
}
