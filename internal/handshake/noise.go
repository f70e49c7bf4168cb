// Package handshake implements the Noise_XX handshake WRAITH uses to
// authenticate both endpoints and derive the initial transport keys that
// seed the Double Ratchet.
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// The responder's static key is revealed only after "ee" has been mixed in,
// hiding the responder's identity from a passive eavesdropper who does not
// already know the initiator's keys. The initiator's identity is sent in
// message 3, encrypted under a key derived from both ephemerals and the
// responder's static key.
package handshake

import (
	"errors"
	"fmt"

	"github.com/wraith-project/wraith/internal/primitives"
)

// Errors returned by the handshake state machine. ErrUnexpectedMessage and
// ErrIncomplete map onto the HandshakeError kinds UnexpectedMessage and
// Incomplete; ErrShortMessage reports a truncated message.
var (
	ErrUnexpectedMessage = errors.New("handshake: message received out of order")
	ErrIncomplete        = errors.New("handshake: attempted to finalize before message 3")
	ErrShortMessage      = errors.New("handshake: message too short")
)

// protocolName seeds the initial handshake hash, providing domain
// separation from any other Noise-shaped protocol that might reuse these
// primitives.
const protocolName = "Noise_XX_25519_XChaChaPoly_BLAKE3"

// Role identifies which side of the handshake this state machine plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// step names the next expected operation, enforced so WriteMessage1 can't
// be called twice, ReadMessage2 can't run before WriteMessage1, etc.
type step int

const (
	stepInit step = iota
	stepSentE1
	stepRecvE1
	stepSentE2
	stepRecvE2
	stepSentE3
	stepRecvE3
	stepDone
)

// Handshake drives one Noise_XX exchange. Create with New, then call the
// Write/Read methods in strict message order for your role, then
// IntoTransportMode once message 3 has been both sent and received.
type Handshake struct {
	role Role
	st   step

	ck     [32]byte // chaining key
	h      [32]byte // running handshake hash (transcript digest)
	hasKey bool
	key    [32]byte
	nonce  uint64

	localStaticPriv [32]byte
	localStaticPub  [32]byte

	localEphemeralPriv [32]byte
	localEphemeralPub  [32]byte
	localEphemeralRepr [32]byte

	remoteStaticPub    [32]byte
	remoteEphemeralPub [32]byte

	obfuscate bool // Elligator2-encode ephemerals on the wire
}

// New creates a handshake state machine for the given role and long-term
// static keypair. When obfuscate is true, ephemeral public keys are
// Elligator2-encoded so they're indistinguishable from random bytes on the
// wire.
func New(role Role, staticPriv, staticPub [32]byte, obfuscate bool) *Handshake {
	hs := &Handshake{
		role:            role,
		localStaticPriv: staticPriv,
		localStaticPub:  staticPub,
		obfuscate:       obfuscate,
	}
	hs.h = primitives.Hash32([]byte(protocolName))
	hs.ck = hs.h
	hs.mixHash([]byte("wraith-v1"))
	return hs
}

func (hs *Handshake) mixHash(data []byte) {
	hs.h = primitives.Hash32(hs.h[:], data)
}

// mixKey derives a new chaining key and cipher key from the DH output,
// following the Noise HKDF(ck, input) -> (ck', k) construction, here
// instantiated with the BLAKE3 extract-then-expand KDF.
func (hs *Handshake) mixKey(input []byte) {
	out := primitives.KDF64(append(append([]byte{}, hs.ck[:]...), input...), "wraith v1 handshake ck")
	copy(hs.ck[:], out[:32])
	copy(hs.key[:], out[32:])
	hs.hasKey = true
	hs.nonce = 0
}

// encryptAndHash seals plaintext (or, if no key has been established yet,
// passes it through unmodified) under the running key, mixes the
// ciphertext into the transcript, and returns it.
func (hs *Handshake) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !hs.hasKey {
		hs.mixHash(plaintext)
		return append([]byte{}, plaintext...), nil
	}
	var nonce [24]byte
	putNonceCounter(&nonce, hs.nonce)
	hs.nonce++
	ct, err := primitives.Seal(&hs.key, &nonce, hs.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	hs.mixHash(ct)
	return ct, nil
}

func (hs *Handshake) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !hs.hasKey {
		hs.mixHash(ciphertext)
		return append([]byte{}, ciphertext...), nil
	}
	var nonce [24]byte
	putNonceCounter(&nonce, hs.nonce)
	hs.nonce++
	pt, err := primitives.Open(&hs.key, &nonce, hs.h[:], ciphertext)
	if err != nil {
		return nil, fmt.Errorf("handshake: decrypt: %w", err)
	}
	hs.mixHash(ciphertext)
	return pt, nil
}

func arrSlice(a [32]byte) []byte {
	b := make([]byte, 32)
	copy(b, a[:])
	return b
}

func putNonceCounter(nonce *[24]byte, counter uint64) {
	for i := 0; i < 8; i++ {
		nonce[16+i] = byte(counter >> (8 * i))
	}
}

func (hs *Handshake) generateEphemeral() error {
	if hs.obfuscate {
		priv, pub, repr, err := primitives.GenerateEncodableKeypair()
		if err != nil {
			return fmt.Errorf("handshake: generate ephemeral: %w", err)
		}
		hs.localEphemeralPriv, hs.localEphemeralPub, hs.localEphemeralRepr = priv, pub, repr
		return nil
	}
	priv, pub, err := primitives.GenerateX25519Keypair()
	if err != nil {
		return fmt.Errorf("handshake: generate ephemeral: %w", err)
	}
	hs.localEphemeralPriv, hs.localEphemeralPub = priv, pub
	return nil
}

func (hs *Handshake) ephemeralWireForm() [32]byte {
	if hs.obfuscate {
		return hs.localEphemeralRepr
	}
	return hs.localEphemeralPub
}

func decodeEphemeral(wire [32]byte, obfuscate bool) [32]byte {
	if obfuscate {
		return primitives.ElligatorDecode(&wire)
	}
	return wire
}

// WriteMessage1 produces "-> e": the initiator's ephemeral public key plus
// an optional cleartext payload (sent unencrypted, as no key exists yet).
func (hs *Handshake) WriteMessage1(payload []byte) ([]byte, error) {
	if hs.role != RoleInitiator || hs.st != stepInit {
		return nil, ErrUnexpectedMessage
	}
	if err := hs.generateEphemeral(); err != nil {
		return nil, err
	}
	hs.mixHash(arrSlice(hs.ephemeralWireForm()))

	ct, err := hs.encryptAndHash(payload)
	if err != nil {
		return nil, err
	}
	msg := append(append([]byte{}, arrSlice(hs.ephemeralWireForm())...), ct...)
	hs.st = stepSentE1
	return msg, nil
}

// ReadMessage1 consumes "-> e" on the responder side.
func (hs *Handshake) ReadMessage1(msg []byte) (payload []byte, err error) {
	if hs.role != RoleResponder || hs.st != stepInit {
		return nil, ErrUnexpectedMessage
	}
	if len(msg) < 32 {
		return nil, ErrShortMessage
	}
	var wire [32]byte
	copy(wire[:], msg[:32])
	hs.remoteEphemeralPub = decodeEphemeral(wire, hs.obfuscate)
	hs.mixHash(wire[:])

	payload, err = hs.decryptAndHash(msg[32:])
	if err != nil {
		return nil, err
	}
	hs.st = stepRecvE1
	return payload, nil
}

// WriteMessage2 produces "<- e, ee, s, es" on the responder side.
func (hs *Handshake) WriteMessage2(payload []byte) ([]byte, error) {
	if hs.role != RoleResponder || hs.st != stepRecvE1 {
		return nil, ErrUnexpectedMessage
	}
	if err := hs.generateEphemeral(); err != nil {
		return nil, err
	}
	hs.mixHash(arrSlice(hs.ephemeralWireForm()))

	ee, err := primitives.X25519(&hs.localEphemeralPriv, &hs.remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("handshake: DH(e,e): %w", err)
	}
	hs.mixKey(ee[:])

	sCipher, err := hs.encryptAndHash(hs.localStaticPub[:])
	if err != nil {
		return nil, err
	}

	es, err := primitives.X25519(&hs.localStaticPriv, &hs.remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("handshake: DH(s,e): %w", err)
	}
	hs.mixKey(es[:])

	payloadCipher, err := hs.encryptAndHash(payload)
	if err != nil {
		return nil, err
	}

	msg := make([]byte, 0, 32+len(sCipher)+len(payloadCipher))
	eph := hs.ephemeralWireForm()
	msg = append(msg, arrSlice(eph)...)
	msg = append(msg, sCipher...)
	msg = append(msg, payloadCipher...)
	hs.st = stepSentE2
	return msg, nil
}

// ReadMessage2 consumes "<- e, ee, s, es" on the initiator side.
func (hs *Handshake) ReadMessage2(msg []byte) (payload []byte, err error) {
	if hs.role != RoleInitiator || hs.st != stepSentE1 {
		return nil, ErrUnexpectedMessage
	}
	if len(msg) < 32+primitives.X25519PublicKeySize+primitives.AEADTagSize {
		return nil, ErrShortMessage
	}
	pos := 0
	var wire [32]byte
	copy(wire[:], msg[pos:pos+32])
	pos += 32
	hs.remoteEphemeralPub = decodeEphemeral(wire, hs.obfuscate)
	hs.mixHash(wire[:])

	ee, err := primitives.X25519(&hs.localEphemeralPriv, &hs.remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("handshake: DH(e,e): %w", err)
	}
	hs.mixKey(ee[:])

	sLen := primitives.X25519PublicKeySize + primitives.AEADTagSize
	sPlain, err := hs.decryptAndHash(msg[pos : pos+sLen])
	if err != nil {
		return nil, err
	}
	pos += sLen
	copy(hs.remoteStaticPub[:], sPlain)

	es, err := primitives.X25519(&hs.localEphemeralPriv, &hs.remoteStaticPub)
	if err != nil {
		return nil, fmt.Errorf("handshake: DH(e,s): %w", err)
	}
	hs.mixKey(es[:])

	payload, err = hs.decryptAndHash(msg[pos:])
	if err != nil {
		return nil, err
	}
	hs.st = stepRecvE2
	return payload, nil
}

// WriteMessage3 produces "-> s, se" on the initiator side.
func (hs *Handshake) WriteMessage3(payload []byte) ([]byte, error) {
	if hs.role != RoleInitiator || hs.st != stepRecvE2 {
		return nil, ErrUnexpectedMessage
	}
	sCipher, err := hs.encryptAndHash(hs.localStaticPub[:])
	if err != nil {
		return nil, err
	}

	se, err := primitives.X25519(&hs.localStaticPriv, &hs.remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("handshake: DH(s,e): %w", err)
	}
	hs.mixKey(se[:])

	payloadCipher, err := hs.encryptAndHash(payload)
	if err != nil {
		return nil, err
	}

	msg := append(append([]byte{}, sCipher...), payloadCipher...)
	hs.st = stepSentE3
	return msg, nil
}

// ReadMessage3 consumes "-> s, se" on the responder side.
func (hs *Handshake) ReadMessage3(msg []byte) (payload []byte, err error) {
	if hs.role != RoleResponder || hs.st != stepSentE2 {
		return nil, ErrUnexpectedMessage
	}
	sLen := primitives.X25519PublicKeySize + primitives.AEADTagSize
	if len(msg) < sLen {
		return nil, ErrShortMessage
	}
	sPlain, err := hs.decryptAndHash(msg[:sLen])
	if err != nil {
		return nil, err
	}
	copy(hs.remoteStaticPub[:], sPlain)

	se, err := primitives.X25519(&hs.localEphemeralPriv, &hs.remoteStaticPub)
	if err != nil {
		return nil, fmt.Errorf("handshake: DH(e,s): %w", err)
	}
	hs.mixKey(se[:])

	payload, err = hs.decryptAndHash(msg[sLen:])
	if err != nil {
		return nil, err
	}
	hs.st = stepRecvE3
	return payload, nil
}

// TransportKeys holds the two directional keys and ratchet-seeding root key
// produced by a completed handshake.
type TransportKeys struct {
	SendKey       [32]byte
	RecvKey       [32]byte
	RootKey       [32]byte
	HandshakeHash [32]byte
	RemoteStatic  [32]byte
}

// IntoTransportMode finalizes the handshake and derives the transport keys.
// It fails with ErrIncomplete unless message 3 has been both sent (by the
// initiator) and received (by the responder).
func (hs *Handshake) IntoTransportMode() (TransportKeys, error) {
	doneStep := stepSentE3
	if hs.role == RoleResponder {
		doneStep = stepRecvE3
	}
	if hs.st != doneStep {
		return TransportKeys{}, ErrIncomplete
	}

	material := primitives.KDF64(hs.ck[:], "wraith v1 handshake")
	var i2r, r2i [32]byte
	copy(i2r[:], material[:32])
	copy(r2i[:], material[32:])

	root := primitives.Hash32([]byte("wraith root"), hs.h[:])

	tk := TransportKeys{RootKey: root, HandshakeHash: hs.h, RemoteStatic: hs.remoteStaticPub}
	if hs.role == RoleInitiator {
		tk.SendKey, tk.RecvKey = i2r, r2i
	} else {
		tk.SendKey, tk.RecvKey = r2i, i2r
	}
	hs.st = stepDone
	primitives.Zero(hs.key[:])
	return tk, nil
}

// LocalEphemeralPublic returns the local ephemeral public key generated
// during this handshake, for diagnostics and CID derivation.
func (hs *Handshake) LocalEphemeralPublic() [32]byte { return hs.localEphemeralPub }

// RemoteEphemeralPublic returns the peer's ephemeral public key once
// received.
func (hs *Handshake) RemoteEphemeralPublic() [32]byte { return hs.remoteEphemeralPub }

// RemoteStaticPublic returns the peer's static public key once received
// (after message 2 for the initiator, message 3 for the responder).
func (hs *Handshake) RemoteStaticPublic() [32]byte { return hs.remoteStaticPub }
