// Package secrets provides symmetric encryption for at-rest secrets, one-way
// hashing for lookups, and constant-time API-key and integrity checks.
//
// Encryption uses AES-256-GCM with named keys so that key material can be
// rotated per purpose (e.g. a dedicated key for MFA secrets). Key bytes are
// validated at construction and never logged.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/patternforge/authcore/common"
)

const (
	keyLength    = 32
	apiKeyBytes  = 32
	apiKeyPrefix = "pfk_"

	// DefaultKey is the key name used when callers do not need per-purpose keys.
	DefaultKey = "default"
)

// Cipher encrypts, decrypts, hashes, and MACs with a fixed set of named keys.
// Safe for concurrent use after construction.
type Cipher struct {
	keys map[string][]byte
}

// New validates the supplied key set. Every key must be exactly 32 bytes.
func New(keys map[string][]byte) (*Cipher, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: at least one cipher key is required", common.ErrConfiguration)
	}
	owned := make(map[string][]byte, len(keys))
	for name, key := range keys {
		if name == "" {
			return nil, fmt.Errorf("%w: cipher key name must not be empty", common.ErrConfiguration)
		}
		if len(key) != keyLength {
			return nil, fmt.Errorf("%w: cipher key %q must be %d bytes", common.ErrConfiguration, name, keyLength)
		}
		owned[name] = append([]byte(nil), key...)
	}
	return &Cipher{keys: owned}, nil
}

// Encrypt seals plaintext under the named key. The result is
// base64(nonce || ciphertext || tag).
func (c *Cipher) Encrypt(plaintext []byte, keyName string) (string, error) {
	aead, err := c.aead(keyName)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt. Tampered data or the wrong
// key surfaces as ErrDecryption, never as garbage plaintext.
func (c *Cipher) Decrypt(ciphertext string, keyName string) ([]byte, error) {
	aead, err := c.aead(keyName)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", common.ErrDecryption)
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, common.ErrDecryption
	}
	return plain, nil
}

// Hash returns a deterministic SHA-256 hex digest for non-reversible needs
// such as API-key lookup columns.
func (c *Cipher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey mints a random API key and the digest to persist in its
// place. The raw key is shown to the caller once and never stored.
func (c *Cipher) GenerateAPIKey() (key string, digest string, err error) {
	raw := make([]byte, apiKeyBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", "", err
	}
	key = apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return key, c.Hash([]byte(key)), nil
}

// VerifyAPIKey compares a presented key against a stored digest in constant
// time.
func (c *Cipher) VerifyAPIKey(key string, digest string) bool {
	computed := c.Hash([]byte(key))
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}

// CreateIntegrityHash returns an HMAC-SHA256 tag over data under the named key.
func (c *Cipher) CreateIntegrityHash(data []byte, keyName string) (string, error) {
	key, ok := c.keys[keyName]
	if !ok {
		return "", fmt.Errorf("%w: unknown cipher key %q", common.ErrConfiguration, keyName)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyIntegrity checks an HMAC tag in constant time. Unknown keys and
// malformed tags verify as false.
func (c *Cipher) VerifyIntegrity(data []byte, tag string, keyName string) bool {
	expected, err := c.CreateIntegrityHash(data, keyName)
	if err != nil {
		return false
	}
	provided, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(expected)
	return hmac.Equal(want, provided)
}

func (c *Cipher) aead(keyName string) (cipher.AEAD, error) {
	key, ok := c.keys[keyName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown cipher key %q", common.ErrConfiguration, keyName)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfiguration, err)
	}
	return cipher.NewGCM(block)
}
