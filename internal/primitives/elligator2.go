package primitives

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/agl/ed25519/extra25519"
)

// ErrElligatorExhausted is returned when GenerateEncodableKeypair fails to
// find an encodable keypair within the retry cap. With ~50% of public keys
// encodable, this should essentially never happen (probability 2^-10).
var ErrElligatorExhausted = errors.New("primitives: elligator2 keypair generation exhausted retries")

// maxElligatorRetries bounds the generate-then-encode loop. Expected
// attempts is 2; this is a hard backstop, not a tuning knob.
const maxElligatorRetries = 10

// GenerateEncodableKeypair generates a fresh X25519 keypair whose public key
// is representable as a uniform-random 32-byte string under Elligator2,
// retrying generation until one is found (or the retry cap is hit).
// Elligator2 is never applied to a pre-existing key — only at generation
// time, as the spec requires.
func GenerateEncodableKeypair() (priv [32]byte, pub [32]byte, repr [32]byte, err error) {
	for attempt := 0; attempt < maxElligatorRetries; attempt++ {
		if _, err = rand.Read(priv[:]); err != nil {
			return priv, pub, repr, fmt.Errorf("primitives: generate elligator2 candidate: %w", err)
		}
		clamp(&priv)

		var r [32]byte
		ok := extra25519.ScalarBaseMult(&pub, &r, &priv)
		if ok {
			return priv, pub, r, nil
		}
	}
	return [32]byte{}, [32]byte{}, [32]byte{}, ErrElligatorExhausted
}

// ElligatorEncode derives the uniform-random representative of the public
// key belonging to priv, if one exists. It returns ok=false for the ~50% of
// keypairs with no representative; callers must have generated the keypair
// with GenerateEncodableKeypair to guarantee success here.
func ElligatorEncode(priv *[32]byte) (pub [32]byte, repr [32]byte, ok bool) {
	ok = extra25519.ScalarBaseMult(&pub, &repr, priv)
	return pub, repr, ok
}

// ElligatorDecode maps any 32-byte representative back to a valid Curve25519
// point. Unlike encoding, decoding is total: every possible 32-byte string
// decodes to some valid curve point.
func ElligatorDecode(repr *[32]byte) [32]byte {
	var pub [32]byte
	extra25519.RepresentativeToPublicKey(&pub, repr)
	return pub
}
