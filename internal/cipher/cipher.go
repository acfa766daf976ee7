// Package cipher encrypts memory content at rest with AES-256-GCM.
//
// A Cipher is bound to one key for its whole lifetime. The key is owned by the
// secure store; this package never generates or rotates keys itself.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/rcliao/tiered-memory/internal/model"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

// Cipher seals and opens content with a fixed key.
// Ciphertext layout: nonce || sealed payload (tag appended by GCM).
type Cipher struct {
	aead cipher.AEAD
}

// New returns a Cipher for key, which must be KeySize bytes.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: invalid key size: expected %d bytes, got %d", model.ErrEncryption, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create AES cipher: %v", model.ErrEncryption, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: create GCM: %v", model.ErrEncryption, err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext bytes under a fresh random nonce.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", model.ErrEncryption, err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts data produced by Seal.
func (c *Cipher) Open(data []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(data) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", model.ErrEncryption)
	}
	plaintext, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		// Wrong key and tampered data are deliberately indistinguishable.
		return nil, fmt.Errorf("%w: authentication failed", model.ErrEncryption)
	}
	return plaintext, nil
}

// Encrypt seals a content string.
func (c *Cipher) Encrypt(content string) ([]byte, error) {
	return c.Seal([]byte(content))
}

// Decrypt opens ciphertext back into a content string.
func (c *Cipher) Decrypt(data []byte) (string, error) {
	b, err := c.Open(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
