// Package identity manages the long-term signing keypair each endpoint
// owns, the address derived from it, and the encrypted on-disk key file
// format used to persist it between runs.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wraith-project/wraith/internal/primitives"
)

// Identity holds a node's long-term Ed25519 signing keypair, its
// long-term X25519 static keypair (the Noise_XX "s" key — mutual
// authentication needs a stable DH key across sessions, which the Ed25519
// signing key cannot itself provide since Noise DHs over Curve25519, not
// Ed25519), and the address derived from the signing public half.
// Per-session ephemeral X25519 keypairs are generated fresh by
// internal/handshake for every session and never touch this type.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Address    Address

	StaticX25519Priv [32]byte
	StaticX25519Pub  [32]byte
}

// Generate creates a new random identity: a fresh Ed25519 signing
// keypair and a fresh X25519 static keypair for the handshake.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	xPriv, xPub, err := primitives.GenerateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate static X25519 key: %w", err)
	}
	return &Identity{
		PrivateKey:       priv,
		PublicKey:        pub,
		Address:          AddressFromPublicKey(pub),
		StaticX25519Priv: xPriv,
		StaticX25519Pub:  xPub,
	}, nil
}

// FromKeyMaterial reconstructs an identity from a 64-byte Ed25519 private
// key (the standard library's seed‖public-key encoding) and a 32-byte
// X25519 static private key.
func FromKeyMaterial(priv ed25519.PrivateKey, staticX25519Priv [32]byte) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	xPub, err := primitives.X25519PublicKey(&staticX25519Priv)
	if err != nil {
		return nil, fmt.Errorf("identity: derive static X25519 public key: %w", err)
	}
	return &Identity{
		PrivateKey:       priv,
		PublicKey:        pub,
		Address:          AddressFromPublicKey(pub),
		StaticX25519Priv: staticX25519Priv,
		StaticX25519Pub:  xPub,
	}, nil
}

// Sign signs msg with the identity's long-term key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.PrivateKey, msg)
}

// Verify checks a signature produced by the holder of pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// Zero wipes both private keys from memory. Callers must not use the
// identity afterward.
func (id *Identity) Zero() {
	primitives.Zero(id.PrivateKey)
	primitives.Zero(id.StaticX25519Priv[:])
}

// PublicKeyHex returns the public key as a hex string.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.PublicKey)
}

// String returns a human-readable identity summary. It never renders the
// private key.
func (id *Identity) String() string {
	return fmt.Sprintf("Identity{addr=%s, pubkey=%s...}", id.Address, id.PublicKeyHex()[:16])
}

// LoadOrGenerate loads a passphrase-protected identity from path, or
// generates and persists a new one if the file doesn't exist.
func LoadOrGenerate(path, passphrase string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signingPriv, staticPriv, derr := DecryptKeyFile(data, passphrase)
		if derr != nil {
			return nil, fmt.Errorf("identity: decrypt key file %s: %w", path, derr)
		}
		return FromKeyMaterial(signingPriv, staticPriv)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read key file %s: %w", path, err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	blob, err := EncryptKeyFile(id.PrivateKey, id.StaticX25519Priv, passphrase)
	if err != nil {
		return nil, fmt.Errorf("identity: encrypt key file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("identity: create key directory: %w", err)
	}
	if err := os.WriteFile(path, blob, 0600); err != nil {
		return nil, fmt.Errorf("identity: save key file: %w", err)
	}
	return id, nil
}
