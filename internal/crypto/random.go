package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateKey returns a random key suitable for NewEncryptor: 16 random
// bytes, hex encoded to exactly 32 printable characters so it can live in
// an environment variable.
func GenerateKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
