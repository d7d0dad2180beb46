// File: internal/infra/security/content_cipher.go
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrCiphertext = errors.New("malformed ciphertext")

// ContentCipher encrypts message content at rest with AES-GCM.
// Stored format: base64(nonce || ciphertext). A nil *ContentCipher is valid
// and stores content as plain text.
type ContentCipher struct {
	gcm cipher.AEAD
}

// NewContentCipher returns nil, nil for an empty key so callers can pass the
// result straight into a store. Key must be 16, 24 or 32 bytes.
func NewContentCipher(key string) (*ContentCipher, error) {
	if key == "" {
		return nil, nil
	}
	k := []byte(key)
	switch len(k) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes; got %d", len(k))
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &ContentCipher{gcm: gcm}, nil
}

// Enabled reports whether Seal actually encrypts.
func (c *ContentCipher) Enabled() bool { return c != nil }

// Seal returns the value to store and whether it was encrypted.
func (c *ContentCipher) Seal(content string) (string, bool, error) {
	if c == nil {
		return content, false, nil
	}
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", false, fmt.Errorf("rand nonce: %w", err)
	}
	ct := c.gcm.Seal(nonce, nonce, []byte(content), nil)
	return base64.StdEncoding.EncodeToString(ct), true, nil
}

// Open reverses Seal. Rows written without encryption pass through.
func (c *ContentCipher) Open(stored string, encrypted bool) (string, error) {
	if !encrypted {
		return stored, nil
	}
	if c == nil {
		return "", errors.New("encrypted message found but no encryption key configured")
	}
	data, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	ns := c.gcm.NonceSize()
	if len(data) < ns {
		return "", ErrCiphertext
	}
	pt, err := c.gcm.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("gcm open: %w", err)
	}
	return string(pt), nil
}
