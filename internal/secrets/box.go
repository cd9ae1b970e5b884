// Package secrets seals and opens tenant credential values with AES-256-GCM.
// Ciphertexts are self-contained: nonce || sealed bytes, base64-encoded for
// storage in the tenant_credentials table.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const keySize = 32

var (
	// ErrKeyTooShort means the configured key decodes to fewer than 32 bytes.
	ErrKeyTooShort = errors.New("secrets: encryption key must be 32 bytes")
	// ErrDecrypt means the ciphertext failed authentication, usually a wrong
	// key or corrupted stored value.
	ErrDecrypt = errors.New("secrets: decrypt failed")
)

// Box encrypts and decrypts short strings under one symmetric key.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from a hex- or base64-encoded 32-byte key.
func NewBox(encodedKey string) (*Box, error) {
	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: new gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

func decodeKey(encoded string) ([]byte, error) {
	if raw, err := hex.DecodeString(encoded); err == nil {
		if len(raw) < keySize {
			return nil, ErrKeyTooShort
		}
		return raw[:keySize], nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secrets: key is neither hex nor base64: %w", err)
	}
	if len(raw) < keySize {
		return nil, ErrKeyTooShort
	}
	return raw[:keySize], nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A wrong key or tampered value yields ErrDecrypt.
func (b *Box) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secrets: base64 decode: %w", err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrDecrypt
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
