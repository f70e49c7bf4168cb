package primitives

import (
	"lukechampine.com/blake3"
)

// Hash32 computes the unkeyed BLAKE3 hash of data, truncated to 32 bytes
// (BLAKE3's native output size).
func Hash32(data ...[]byte) [32]byte {
	h := blake3.New(32, nil)
	for _, d := range data {
		h.Write(d) //nolint:errcheck // hash.Hash.Write never errors
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MAC computes a keyed BLAKE3 MAC over data. BLAKE3's native keyed mode
// (distinct from the HMAC construction) is used directly; key must be
// exactly 32 bytes.
func MAC(key *[32]byte, data ...[]byte) [32]byte {
	h := blake3.New(32, key[:])
	for _, d := range data {
		h.Write(d) //nolint:errcheck
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// KDF implements extract-then-expand key derivation: `context` first
// collapses to a fixed 32-byte key via an unkeyed hash (the "extract" step,
// domain-separating this derivation from every other use of BLAKE3 in the
// protocol), then that key drives a keyed hash over `ikm` whose output is
// read through BLAKE3's XOF to produce exactly outLen bytes (the "expand"
// step). Two calls with different context strings over the same ikm never
// collide.
func KDF(ikm []byte, context string, outLen int) []byte {
	extractKey := blake3.Sum256([]byte(context))
	h := blake3.New(32, extractKey[:])
	h.Write(ikm) //nolint:errcheck
	out := make([]byte, outLen)
	xof := h.XOF()
	_, _ = xof.Read(out)
	return out
}

// KDF32 is KDF specialized for the common 32-byte output case (chain keys,
// message keys, root keys).
func KDF32(ikm []byte, context string) [32]byte {
	var out [32]byte
	copy(out[:], KDF(ikm, context, 32))
	return out
}

// KDF64 is KDF specialized for 64-byte output (handshake transport key
// material, DH-ratchet root+chain derivation).
func KDF64(ikm []byte, context string) [64]byte {
	var out [64]byte
	copy(out[:], KDF(ikm, context, 64))
	return out
}
