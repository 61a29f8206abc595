// Package credcrypto encrypts upstream OAuth credential bundles (access
// and refresh tokens) at rest in the KV store, deriving an AES-256-GCM
// key from the configured encryption key/salt via HKDF-SHA256.
package credcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Box encrypts and decrypts credential fields with a single derived key.
type Box struct {
	aead cipher.AEAD
}

// New derives an AES-256-GCM key from key/salt via HKDF-SHA256 and
// returns a Box ready to seal/open credential fields.
func New(key, salt string) (*Box, error) {
	if key == "" {
		return nil, fmt.Errorf("credcrypto: encryption key must not be empty")
	}

	derived := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(key), []byte(salt), []byte("relaygate-credential-v1"))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("credcrypto: deriving key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("credcrypto: building cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credcrypto: building aead: %w", err)
	}

	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext, returning a base64-encoded nonce||ciphertext.
// Empty plaintext seals to an empty string so unset credential fields
// round-trip without a spurious ciphertext.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("credcrypto: generating nonce: %w", err)
	}

	out := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("credcrypto: decoding ciphertext: %w", err)
	}

	nonceSize := b.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("credcrypto: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("credcrypto: decrypting: %w", err)
	}
	return string(plaintext), nil
}
