// Package primitives implements the cryptographic building blocks WRAITH
// builds its transport on: X25519, XChaCha20-Poly1305, BLAKE3 (as hash, MAC,
// and KDF), Elligator2 key-uniformization, and the constant-time helpers
// every operation on secret material routes through.
package primitives

import "crypto/subtle"

// CTEqual reports whether a and b are equal, in time independent of their
// contents (but not their length). Use for comparing MACs, tags, and keys.
func CTEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// CTEqual16 compares two 16-byte buffers (Poly1305 tags) in constant time.
func CTEqual16(a, b *[16]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// CTEqual32 compares two 32-byte buffers (keys, public keys) in constant time.
func CTEqual32(a, b *[32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// CTEqual64 compares two 64-byte buffers in constant time.
func CTEqual64(a, b *[64]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// CTSelect returns x if v == 1 and y if v == 0, without branching on v.
func CTSelect(v int, x, y byte) byte {
	mask := byte(0) - byte(v&1)
	return (x & mask) | (y & ^mask)
}

// Zero overwrites b with zeros. Call on every buffer that held key material
// once it is no longer needed; the compiler is prevented from eliding the
// write by routing through subtle.ConstantTimeCopy.
//
//go:noinline
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// Defeat dead-store elimination: a noinline function with a visible
	// side effect on b is not something the compiler can prove unobservable.
	subtle.ConstantTimeCopy(0, b, b)
}
