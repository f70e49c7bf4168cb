package handshake

import (
	"bytes"

	"github.com/wraith-project/wraith/internal/primitives"
)

// CIDSize is the length of a connection ID.
const CIDSize = 8

// ComputeCID derives the 8-byte connection ID both endpoints converge on:
// BLAKE3 over both static public keys and both ephemerals, first 8 bytes.
// Keys are ordered canonically (lexicographically) before hashing so the
// initiator and responder — who hold the same four keys in opposite roles —
// compute an identical value.
func ComputeCID(staticA, staticB, ephemeralA, ephemeralB [32]byte) [CIDSize]byte {
	s1, s2 := staticA, staticB
	if bytes.Compare(s1[:], s2[:]) > 0 {
		s1, s2 = s2, s1
	}
	e1, e2 := ephemeralA, ephemeralB
	if bytes.Compare(e1[:], e2[:]) > 0 {
		e1, e2 = e2, e1
	}
	digest := primitives.Hash32(s1[:], s2[:], e1[:], e2[:])
	var cid [CIDSize]byte
	copy(cid[:], digest[:CIDSize])
	return cid
}
