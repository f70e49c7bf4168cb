package primitives

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AEADKeySize is the XChaCha20-Poly1305 key size.
	AEADKeySize = chacha20poly1305.KeySize
	// AEADNonceSize is the extended (24-byte) XChaCha20-Poly1305 nonce size.
	AEADNonceSize = chacha20poly1305.NonceSizeX
	// AEADTagSize is the Poly1305 authentication tag size.
	AEADTagSize = chacha20poly1305.Overhead
)

// ErrAuthFailure is returned when AEAD tag verification fails. The kind is
// deliberately uninformative about *why* it failed (bad key, bad nonce,
// tampered ciphertext) to avoid oracle behavior.
var ErrAuthFailure = errors.New("primitives: AEAD authentication failed")

// Seal encrypts plaintext with XChaCha20-Poly1305 under key and the 24-byte
// nonce, authenticating aad, and returns ciphertext||tag.
func Seal(key *[32]byte, nonce *[24]byte, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("primitives: init AEAD: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open verifies and decrypts ciphertext (which must include its trailing
// tag). On authentication failure it zeroes any partial output and returns
// ErrAuthFailure.
func Open(key *[32]byte, nonce *[24]byte, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("primitives: init AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		Zero(plaintext)
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// SealInPlace behaves like Seal but appends into dst to avoid an extra
// allocation on the hot path.
func SealInPlace(dst []byte, key *[32]byte, nonce *[24]byte, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("primitives: init AEAD: %w", err)
	}
	return aead.Seal(dst, nonce[:], plaintext, aad), nil
}
