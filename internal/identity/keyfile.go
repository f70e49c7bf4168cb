package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypted key file layout: [16-byte salt][12-byte nonce][encrypted
// key][16-byte tag]. The passphrase-derived key uses Argon2id with
// memory=64 MiB, iterations=3, parallelism=4, matching the persisted-state
// format the obfuscation/identity layer specifies. Encryption uses
// standard (96-bit nonce) ChaCha20-Poly1305, not the extended-nonce
// variant used on the wire — a single key file is encrypted once per
// write, so nonce reuse across many encryptions under one key is not a
// concern the way it is for the high-volume record layer.
const (
	keyFileSaltSize  = 16
	keyFileNonceSize = chacha20poly1305.NonceSize
	keyFileTagSize   = 16

	argon2Time    = 3
	argon2Memory  = 64 * 1024 // KiB, i.e. 64 MiB
	argon2Threads = 4
	argon2KeyLen  = 32
)

// EncryptKeyFile wraps the Ed25519 signing key and the X25519 static key
// together under a passphrase-derived key and returns the serialized file
// contents: the two private keys are concatenated (signing‖static) before
// sealing, so the file format's "[encrypted key]" region in the persisted
// layout simply grows to cover both.
func EncryptKeyFile(signingPriv ed25519.PrivateKey, staticPriv [32]byte, passphrase string) ([]byte, error) {
	salt := make([]byte, keyFileSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("identity: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	nonce := make([]byte, keyFileNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("identity: generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("identity: construct AEAD: %w", err)
	}
	plaintext := make([]byte, 0, len(signingPriv)+32)
	plaintext = append(plaintext, signingPriv...)
	plaintext = append(plaintext, staticPriv[:]...)
	sealed := aead.Seal(nil, nonce, plaintext, nil) // ciphertext‖tag

	out := make([]byte, 0, keyFileSaltSize+keyFileNonceSize+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptKeyFile reverses EncryptKeyFile, recovering both private keys
// from a serialized key file and passphrase.
func DecryptKeyFile(blob []byte, passphrase string) (signingPriv ed25519.PrivateKey, staticPriv [32]byte, err error) {
	minLen := keyFileSaltSize + keyFileNonceSize + ed25519.PrivateKeySize + 32 + keyFileTagSize
	if len(blob) < minLen {
		return nil, staticPriv, fmt.Errorf("identity: key file too short (%d bytes, need at least %d)", len(blob), minLen)
	}
	salt := blob[:keyFileSaltSize]
	nonce := blob[keyFileSaltSize : keyFileSaltSize+keyFileNonceSize]
	sealed := blob[keyFileSaltSize+keyFileNonceSize:]

	key := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, staticPriv, fmt.Errorf("identity: construct AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, staticPriv, fmt.Errorf("identity: wrong passphrase or corrupt key file: %w", err)
	}
	signingPriv = ed25519.PrivateKey(plaintext[:ed25519.PrivateKeySize])
	copy(staticPriv[:], plaintext[ed25519.PrivateKeySize:])
	return signingPriv, staticPriv, nil
}
