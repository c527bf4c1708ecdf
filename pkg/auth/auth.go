// Package auth derives and generates the two symmetric keys a volume
// uses: the passphrase key protecting the config object and the random
// data key protecting everything else.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/cumulusbd/cumulus/pkg/codec"
)

// KeySize is the symmetric key length in bytes (AES-256).
const KeySize = 32

// PassKey derives the deterministic key for a plaintext passphrase.
func PassKey(passphrase string) []byte {
	h := sha256.New()
	h.Write(codec.Salt())
	h.Write([]byte(passphrase))
	return h.Sum(nil)
}

// GenDataKey generates a fresh volume data key from the system CSPRNG.
func GenDataKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}
