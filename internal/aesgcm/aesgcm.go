// Package aesgcm defines the opaque block-cipher interface the core
// stack consumes for encrypted transport, backed by the standard
// library's constant-time AES-GCM implementation. Per this module's
// scope, the AES and GCM primitives themselves are not reimplemented
// here — only the interface the rest of the stack programs against
// and a concrete construction from a key (the nonce is passed to each
// Seal/Open call).
package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// NonceSize is the fixed 96-bit nonce size this interface requires.
const NonceSize = 12

// BlockCipher is the opaque AEAD interface the core consumes: seal a
// plaintext (with associated authenticated data) into a ciphertext
// plus a 128-bit tag, and the inverse.
type BlockCipher interface {
	// Seal encrypts plaintext, authenticating aad alongside it, and
	// returns ciphertext followed by its 16-byte tag appended.
	Seal(nonce []byte, aad, plaintext []byte) []byte
	// Open decrypts and authenticates a Seal'd value, returning an
	// error if the tag does not verify.
	Open(nonce []byte, aad, sealed []byte) ([]byte, error)
}

// gcmCipher wraps crypto/cipher.AEAD to satisfy BlockCipher.
type gcmCipher struct {
	aead cipher.AEAD
}

// New constructs a BlockCipher from a 128/192/256-bit AES key.
func New(key []byte) (BlockCipher, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("aesgcm: invalid key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aesgcm: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aesgcm: %w", err)
	}
	return &gcmCipher{aead: aead}, nil
}

func (c *gcmCipher) Seal(nonce []byte, aad, plaintext []byte) []byte {
	return c.aead.Seal(nil, nonce, plaintext, aad)
}

func (c *gcmCipher) Open(nonce []byte, aad, sealed []byte) ([]byte, error) {
	pt, err := c.aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("aesgcm: authentication failed: %w", err)
	}
	return pt, nil
}
