package primitives

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	// X25519PrivateKeySize is the Curve25519 scalar size.
	X25519PrivateKeySize = 32
	// X25519PublicKeySize is the Curve25519 point size.
	X25519PublicKeySize = 32
)

// ErrLowOrderPoint is returned when a peer-supplied public key is one of the
// eight known low-order points on Curve25519. Accepting one would collapse
// the shared secret to a small, enumerable set.
var ErrLowOrderPoint = errors.New("primitives: low-order point rejected")

// lowOrderPoints is the well-known set of Curve25519 points of order <= 8,
// encoded as they appear on the wire (little-endian u-coordinate).
var lowOrderPoints = [][32]byte{
	{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0xe0, 0xeb, 0x7a, 0x7c, 0x3b, 0x41, 0xb8, 0xae, 0x16, 0x56, 0xe3, 0xfa, 0xf1, 0x9f, 0xc4, 0x6a, 0xda, 0x09, 0x8d, 0xeb, 0x9c, 0x32, 0xb1, 0xfd, 0x86, 0x62, 0x05, 0x16, 0x5f, 0x49, 0xb8, 0x00},
	{0x5f, 0x9c, 0x95, 0xbc, 0xa3, 0x50, 0x8c, 0x24, 0xb1, 0xd0, 0xb1, 0x55, 0x9c, 0x83, 0xef, 0x5b, 0x04, 0x44, 0x5c, 0xc4, 0x58, 0x1c, 0x8e, 0x86, 0xd8, 0x22, 0x4e, 0xdd, 0xd0, 0x9f, 0x11, 0x57},
	{0xec, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
	{0xed, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	{0xee, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	{0xcd, 0xeb, 0x7a, 0x7c, 0x3b, 0x41, 0xb8, 0xae, 0x16, 0x56, 0xe3, 0xfa, 0xf1, 0x9f, 0xc4, 0x6a, 0xda, 0x09, 0x8d, 0xeb, 0x9c, 0x32, 0xb1, 0xfd, 0x86, 0x62, 0x05, 0x16, 0x5f, 0x49, 0xb8, 0x80},
}

// IsLowOrderPoint reports whether pub is one of the eight known low-order
// Curve25519 points.
func IsLowOrderPoint(pub *[32]byte) bool {
	for i := range lowOrderPoints {
		if CTEqual32(pub, &lowOrderPoints[i]) {
			return true
		}
	}
	return false
}

// GenerateX25519Keypair draws a fresh, clamped Curve25519 scalar from the OS
// CSPRNG and derives its public point.
func GenerateX25519Keypair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("primitives: generate X25519 key: %w", err)
	}
	clamp(&priv)
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("primitives: derive X25519 public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

func clamp(priv *[32]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// X25519 performs constant-time Curve25519 ECDH. It rejects low-order public
// keys, which would otherwise produce a predictable shared secret.
func X25519(priv, pub *[32]byte) ([32]byte, error) {
	var out [32]byte
	if IsLowOrderPoint(pub) {
		return out, ErrLowOrderPoint
	}
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("primitives: X25519: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

// X25519PublicKey derives the public point for a clamped private scalar.
func X25519PublicKey(priv *[32]byte) ([32]byte, error) {
	var out [32]byte
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return out, fmt.Errorf("primitives: derive X25519 public key: %w", err)
	}
	copy(out[:], pub)
	return out, nil
}
