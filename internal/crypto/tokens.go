// Package crypto seals worker transport tokens at rest.
//
// Tokens are sealed with nacl/secretbox (XSalsa20-Poly1305). The random
// 24-byte nonce is prepended to the box, so a sealed token is
// nonce || ciphertext || tag.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	nonceSize = 24
)

var (
	// ErrOpen is returned when a sealed token cannot be opened (wrong key
	// or corrupted data).
	ErrOpen = errors.New("crypto: cannot open sealed token")
)

// Key is a 32-byte secretbox key.
type Key [KeySize]byte

// KeyFromBase64 decodes a standard-base64 key string. The decoded value
// must be exactly 32 bytes.
func KeyFromBase64(s string) (Key, error) {
	var k Key
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("crypto: decode key: %w", err)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// NewKey generates a random key. Used by tests and key provisioning.
func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("crypto: generate key: %w", err)
	}
	return k, nil
}

// Seal encrypts plaintext under key with a fresh random nonce.
func Seal(key Key, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	kb := [KeySize]byte(key)
	return secretbox.Seal(nonce[:], plaintext, &nonce, &kb), nil
}

// Open decrypts a value produced by Seal.
func Open(key Key, box []byte) ([]byte, error) {
	if len(box) < nonceSize+secretbox.Overhead {
		return nil, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	kb := [KeySize]byte(key)
	out, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &kb)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}
