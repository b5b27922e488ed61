// Package vault encrypts third-party credentials before they are stored.
//
// Blobs are ChaCha20-Poly1305 ciphertext with the 12-byte random nonce
// prepended, base64 (standard) encoded:
//
//	base64( [Nonce: 12 bytes] [Ciphertext+Tag: N+16 bytes] )
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

// KeyEnv is the environment variable holding the encryption key.
const KeyEnv = "SY_ENCRYPTION_KEY"

// ErrDecryption is returned for any blob that cannot be opened: bad
// encoding, truncated data, tampering, or the wrong key.
var ErrDecryption = errors.New("vault: decryption failed")

// Encrypt seals plaintext under key and returns the encoded blob.
func Encrypt(plaintext string, key []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("vault: cipher: %w", err)
	}

	out := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	out = aead.Seal(out, out[:chacha20poly1305.NonceSize], []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt. Every failure wraps ErrDecryption.
func Decrypt(blob string, key []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrDecryption, err)
	}
	if len(raw) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return "", fmt.Errorf("%w: blob is %d bytes", ErrDecryption, len(raw))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("%w: cipher: %v", ErrDecryption, err)
	}

	nonce, ciphertext := raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plaintext), nil
}

// Vault holds the process-wide encryption key. It is built once at startup
// and shared read-only by every component that stores credentials.
type Vault struct {
	key []byte
}

// New returns a Vault for key, which must be KeySize bytes.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Vault{key: k}, nil
}

// LoadKey reads the key from the named environment variable. The value may
// be 64 hex characters or base64 of 32 bytes.
func LoadKey(env string) ([]byte, error) {
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return nil, fmt.Errorf("vault: %s is not set", env)
	}
	return ParseKey(v)
}

// ParseKey decodes a hex or base64 encoded key.
func ParseKey(s string) ([]byte, error) {
	if len(s) == hex.EncodedLen(KeySize) {
		if k, err := hex.DecodeString(s); err == nil {
			return k, nil
		}
	}
	k, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("vault: key is neither hex nor base64")
	}
	if len(k) != KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", KeySize, len(k))
	}
	return k, nil
}

// FromEnv loads the key from KeyEnv and builds a Vault.
func FromEnv() (*Vault, error) {
	key, err := LoadKey(KeyEnv)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// Encrypt seals plaintext with the vault key.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	return Encrypt(plaintext, v.key)
}

// Decrypt opens blob with the vault key.
func (v *Vault) Decrypt(blob string) (string, error) {
	return Decrypt(blob, v.key)
}
