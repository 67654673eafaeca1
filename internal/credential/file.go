package credential

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgellow/tinyls-client/internal/crypto"
)

// Ensure file backends implement Backend
var _ Backend = (*FileBackend)(nil)
var _ Backend = (*SealedFileBackend)(nil)

// DefaultPath returns the per-user credential file location
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating user config dir: %w", err)
	}
	return filepath.Join(dir, "tinyls", SlotName), nil
}

// FileBackend stores the credential as a plain string in a 0600 file
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend writing to path
func NewFileBackend(path string) (*FileBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("credential path is required")
	}
	return &FileBackend{path: filepath.Clean(path)}, nil
}

// Path returns the file location
func (f *FileBackend) Path() string {
	return f.path
}

func (f *FileBackend) Load() (string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading credential file: %w", err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Save writes through a temp file and rename so a crash never leaves a
// truncated credential behind.
func (f *FileBackend) Save(value string) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating credential dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("setting credential file mode: %w", err)
	}
	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing credential file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replacing credential file: %w", err)
	}
	return nil
}

func (f *FileBackend) Delete() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing credential file: %w", err)
	}
	return nil
}

// SealedFileBackend is a FileBackend whose contents are encrypted at rest
type SealedFileBackend struct {
	file      *FileBackend
	encryptor crypto.Encryptor
}

// NewSealedFileBackend returns a backend sealing values with encryptor
func NewSealedFileBackend(path string, encryptor crypto.Encryptor) (*SealedFileBackend, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	file, err := NewFileBackend(path)
	if err != nil {
		return nil, err
	}
	return &SealedFileBackend{file: file, encryptor: encryptor}, nil
}

func (s *SealedFileBackend) Load() (string, error) {
	sealed, err := s.file.Load()
	if err != nil {
		return "", err
	}
	value, err := s.encryptor.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("opening sealed credential: %w", err)
	}
	return value, nil
}

func (s *SealedFileBackend) Save(value string) error {
	sealed, err := s.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("sealing credential: %w", err)
	}
	return s.file.Save(sealed)
}

func (s *SealedFileBackend) Delete() error {
	return s.file.Delete()
}
