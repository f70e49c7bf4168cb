// Package ratchet implements the Double Ratchet WRAITH layers on top of a
// completed Noise_XX handshake: a symmetric ratchet that derives a fresh
// message key per frame, and a Diffie-Hellman ratchet that periodically
// injects new entropy for post-compromise secrecy.
package ratchet

import (
	"errors"
	"fmt"

	"github.com/wraith-project/wraith/internal/primitives"
)

// MaxSkip bounds the skipped-key cache. A single jump of more than MaxSkip
// sequence numbers is rejected outright; the cache itself never holds more
// than MaxSkip entries per chain, oldest evicted first.
const MaxSkip = 1000

var (
	// ErrSkipLimitExceeded is returned when a single received sequence
	// number implies deriving more than MaxSkip message keys in one jump.
	ErrSkipLimitExceeded = errors.New("ratchet: skip limit exceeded")
	// ErrDuplicateMessage is returned when a sequence number has already
	// been consumed (replay, or the key was already used and zeroed).
	ErrDuplicateMessage = errors.New("ratchet: message key already consumed")
)

// chainKeyContext and messageKeyContext domain-separate the two outputs of
// a single symmetric ratchet step, per spec §4.C:
//
//	MK_n     = KDF(CK_n, "mk")
//	CK_{n+1} = KDF(CK_n, "ck")
const (
	messageKeyContext = "wraith v1 chain mk"
	chainKeyContext   = "wraith v1 chain ck"
	rootContext       = "wraith v1 root"
)

// stepChain advances a chain key one step, returning the next chain key and
// the message key for the step just taken.
func stepChain(ck [32]byte) (nextCK, mk [32]byte) {
	mk = primitives.KDF32(ck[:], messageKeyContext)
	nextCK = primitives.KDF32(ck[:], chainKeyContext)
	return nextCK, mk
}

// skippedKey is one entry of the bounded skipped-key cache, keyed by the
// ratchet public key in force when the message was skipped and its sequence
// number.
type skippedKey struct {
	pub [32]byte
	seq uint64
	key [32]byte
}

// skipCache is an insertion-ordered, capacity-bounded store of message keys
// derived for sequence numbers not yet received. Overflow evicts the oldest
// entry (FIFO), not the newest, so a peer forcing large skip gaps can't use
// the cache to evict keys for messages about to arrive.
type skipCache struct {
	order []skippedKey // front = oldest
}

func (c *skipCache) put(pub [32]byte, seq uint64, key [32]byte) {
	if len(c.order) >= MaxSkip {
		primitives.Zero(c.order[0].key[:])
		c.order = c.order[1:]
	}
	c.order = append(c.order, skippedKey{pub: pub, seq: seq, key: key})
}

// peek looks up a cached key without consuming it, so a caller can attempt
// an AEAD open before deciding whether the entry is actually spent.
func (c *skipCache) peek(pub [32]byte, seq uint64) ([32]byte, bool) {
	for _, e := range c.order {
		if e.seq == seq && primitives.CTEqual32(&e.pub, &pub) {
			return e.key, true
		}
	}
	return [32]byte{}, false
}

func (c *skipCache) remove(pub [32]byte, seq uint64) {
	for i, e := range c.order {
		if e.seq == seq && primitives.CTEqual32(&e.pub, &pub) {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// merge folds entries staged in a scratch cache into c, respecting c's own
// capacity/eviction via put. Used to commit skip-ahead keys derived while
// attempting an Open, once that attempt's AEAD tag has verified.
func (c *skipCache) merge(other *skipCache) {
	for _, e := range other.order {
		c.put(e.pub, e.seq, e.key)
	}
}

func (c *skipCache) len() int { return len(c.order) }

// State is the full Double Ratchet state for one session, one direction
// pair. A State is owned by exactly one session and must never be shared
// across threads; a core migration moves it by transferring ownership, not
// by reference.
type State struct {
	rootKey [32]byte

	dhSendPriv [32]byte
	dhSendPub  [32]byte
	dhRecvPub  [32]byte
	haveDHRecv bool

	sendChain   [32]byte
	haveSend    bool
	recvChain   [32]byte
	haveRecv    bool
	sendCounter uint64
	recvCounter uint64

	prevSendCounter uint64 // length of the previous sending chain, for header PN

	skipped skipCache
}

// NewFromHandshake seeds a fresh ratchet from a completed Noise_XX
// handshake's root key, its two already-directional transport keys, and
// this side's freshly-minted initial DH ratchet keypair.
//
// Signal's own Double Ratchet bootstraps from a single shared secret, so
// one side necessarily starts with its send (or receive) chain unseeded
// until the first DH ratchet step supplies it — fine for Signal, where
// that step happens on the very first message exchanged, but WRAITH has
// no such guaranteed early trigger in steady state. The handshake's
// 64-byte output already splits into two independent directional keys
// (handshake.TransportKeys.SendKey/RecvKey, symmetric across both peers
// by construction), so both chains are seeded here, immediately, with no
// direction left waiting on a DH step that may never come.
func NewFromHandshake(rootKey, sendKey, recvKey [32]byte, localRatchetPriv, localRatchetPub [32]byte) *State {
	return &State{
		rootKey:    rootKey,
		dhSendPriv: localRatchetPriv,
		dhSendPub:  localRatchetPub,
		sendChain:  sendKey,
		haveSend:   true,
		recvChain:  recvKey,
		haveRecv:   true,
	}
}

// SetPeerRatchetPublic installs the peer's initial ratchet public key and
// mixes a first DH contribution into the root key, so a later
// InitiateDHRatchet/dhRatchet step chains from fresh material rather than
// the bare handshake root. Call once, immediately after NewFromHandshake,
// with the peer's initial ratchet public key exchanged in the handshake
// payload. Both chains are already live by this point (NewFromHandshake);
// this call does not touch sendChain/recvChain.
func (s *State) SetPeerRatchetPublic(peerPub [32]byte) error {
	s.dhRecvPub = peerPub
	s.haveDHRecv = true

	dh, err := primitives.X25519(&s.dhSendPriv, &s.dhRecvPub)
	if err != nil {
		return fmt.Errorf("ratchet: initial DH: %w", err)
	}
	material := primitives.KDF32(append(append([]byte{}, s.rootKey[:]...), dh[:]...), rootContext)
	copy(s.rootKey[:], material[:])
	return nil
}

// SealResult is the output of sealing one frame: the message key's sequence
// number (the frame's header sequence field) and the ciphertext.
type SealResult struct {
	Sequence      uint64
	RatchetPublic [32]byte
	Ciphertext    []byte
}

// NextSendSequence reports the sequence number the next Seal call will
// assign, without consuming it. A caller that needs to build the AAD from
// a frame header containing the final sequence number (e.g. to bind the
// sequence itself into the authenticated data) must read this before
// encoding that header, since Seal only returns the sequence it used
// after sealing.
func (s *State) NextSendSequence() uint64 { return s.sendCounter }

// Seal advances the send chain one step and seals plaintext under the
// resulting message key. The header bytes are passed as aad (covered by the
// AEAD, never encrypted themselves); the nonce combines an explicit 8-byte
// prefix with 16 bytes derived from BLAKE3(message_key || message_number)
// (see deriveNonce; the chain key itself is not hashed into the nonce) so
// (key, nonce) is unique for the session's lifetime.
func (s *State) Seal(noncePrefix [8]byte, aad, plaintext []byte) (SealResult, error) {
	if !s.haveSend {
		return SealResult{}, errors.New("ratchet: send chain not established")
	}
	nextChain, mk := stepChain(s.sendChain)
	seq := s.sendCounter
	s.sendCounter++
	s.sendChain = nextChain

	nonce := deriveNonce(noncePrefix, mk, seq)
	ct, err := primitives.Seal(&mk, &nonce, aad, plaintext)
	primitives.Zero(mk[:])
	if err != nil {
		return SealResult{}, err
	}
	return SealResult{Sequence: seq, RatchetPublic: s.dhSendPub, Ciphertext: ct}, nil
}

// Open authenticates and decrypts a received frame. peerRatchetPub is the
// ratchet public key the frame was sealed under; internal/session carries it
// in a 32-byte ratchet-announce field between the frame header and the
// ciphertext, since the 28-byte frame header has no field for it.
//
// peerRatchetPub and ciphertext both arrive unauthenticated: anyone who
// knows the session's CID can send a frame with a forged ratchet-announce
// field. So every derivation this call makes — the DH ratchet step, the
// chain advance, the skip-ahead cache entries — happens against a scratch
// copy of the state and is only written back to s once the AEAD tag on
// ciphertext has actually verified. A bad frame returns an error with s
// byte-for-byte unchanged, matching the "auth failure leaves session state
// unchanged" contract.
func (s *State) Open(peerRatchetPub [32]byte, noncePrefix [8]byte, seq uint64, aad, ciphertext []byte) ([]byte, error) {
	needsDH := s.haveDHRecv && !primitives.CTEqual32(&peerRatchetPub, &s.dhRecvPub)
	trial := *s
	if needsDH {
		if err := trial.dhRatchet(peerRatchetPub); err != nil {
			return nil, err
		}
	}

	// A cache hit only ever matches an entry committed by a prior,
	// already-authenticated call, so it's safe to look up against the
	// real (not staged) cache.
	if mk, ok := s.skipped.peek(peerRatchetPub, seq); ok {
		nonce := deriveNonce(noncePrefix, mk, seq)
		pt, err := primitives.Open(&mk, &nonce, aad, ciphertext)
		if err != nil {
			primitives.Zero(mk[:])
			if needsDH {
				primitives.Zero(trial.dhSendPriv[:])
			}
			return nil, err
		}
		primitives.Zero(mk[:])
		if needsDH {
			primitives.Zero(s.dhSendPriv[:])
			*s = trial
		}
		// trial.skipped is untouched (the staged-skip path below is the
		// only one that writes to a scratch cache), so removing from s
		// after the possible *s = trial above always acts on the real,
		// currently-committed cache.
		s.skipped.remove(peerRatchetPub, seq)
		return pt, nil
	}

	if seq < trial.recvCounter {
		return nil, ErrDuplicateMessage
	}
	if seq-trial.recvCounter > MaxSkip {
		return nil, ErrSkipLimitExceeded
	}
	var stage skipCache
	trial.skipToStaged(peerRatchetPub, seq, &stage)

	nextChain, mk := stepChain(trial.recvChain)
	trial.recvChain = nextChain
	trial.recvCounter = seq + 1

	nonce := deriveNonce(noncePrefix, mk, seq)
	pt, err := primitives.Open(&mk, &nonce, aad, ciphertext)
	primitives.Zero(mk[:])
	if err != nil {
		if needsDH {
			primitives.Zero(trial.dhSendPriv[:])
		}
		return nil, err
	}

	if needsDH {
		primitives.Zero(s.dhSendPriv[:])
	}
	*s = trial
	s.skipped.merge(&stage)
	return pt, nil
}

// skipToStaged derives message keys for every sequence in [recvCounter,
// until) into stage rather than s.skipped, leaving recvChain/recvCounter
// positioned to derive `until` itself next. Called on a trial state copy so
// the derived keys only become visible once Open's caller commits them.
func (s *State) skipToStaged(peerPub [32]byte, until uint64, stage *skipCache) {
	if !s.haveRecv {
		return
	}
	for s.recvCounter < until {
		nextChain, mk := stepChain(s.recvChain)
		s.recvChain = nextChain
		stage.put(peerPub, s.recvCounter, mk)
		s.recvCounter++
	}
}

// dhRatchet performs a DH ratchet step on receipt of a new peer ratchet
// public key: it replaces the receive chain with a fresh one derived under
// the new key, then mints a new local ratchet keypair and derives a fresh
// send chain. Message keys still outstanding on the old receive chain are
// not derived or cached first.
func (s *State) dhRatchet(newPeerPub [32]byte) error {
	if s.haveDHRecv {
		dh, err := primitives.X25519(&s.dhSendPriv, &newPeerPub)
		if err != nil {
			return fmt.Errorf("ratchet: DH ratchet (recv): %w", err)
		}
		material := primitives.KDF64(append(append([]byte{}, s.rootKey[:]...), dh[:]...), rootContext)
		copy(s.rootKey[:], material[:32])
		s.recvChain = primitives.KDF32(material[32:], "wraith v1 ratchet chain")
		s.haveRecv = true
		s.recvCounter = 0
	}

	s.dhRecvPub = newPeerPub
	s.haveDHRecv = true

	newPriv, newPub, err := primitives.GenerateX25519Keypair()
	if err != nil {
		return fmt.Errorf("ratchet: DH ratchet (keygen): %w", err)
	}
	primitives.Zero(s.dhSendPriv[:])
	s.prevSendCounter = s.sendCounter
	s.dhSendPriv, s.dhSendPub = newPriv, newPub
	s.sendCounter = 0

	dh, err := primitives.X25519(&s.dhSendPriv, &s.dhRecvPub)
	if err != nil {
		return fmt.Errorf("ratchet: DH ratchet (send): %w", err)
	}
	material := primitives.KDF64(append(append([]byte{}, s.rootKey[:]...), dh[:]...), rootContext)
	copy(s.rootKey[:], material[:32])
	s.sendChain = primitives.KDF32(material[32:], "wraith v1 ratchet chain")
	s.haveSend = true
	return nil
}

// InitiateDHRatchet forces a local DH ratchet step ahead of receiving a new
// peer key, used when the rekey policy (time/packet/byte budget) trips on
// the sending side. It mints a fresh local keypair but leaves the send
// chain keyed to the *current* peer ratchet public until the peer's next
// message carries its own fresh key and a receive-side ratchet completes
// the exchange symmetrically.
func (s *State) InitiateDHRatchet() ([32]byte, error) {
	newPriv, newPub, err := primitives.GenerateX25519Keypair()
	if err != nil {
		return [32]byte{}, fmt.Errorf("ratchet: initiate DH ratchet: %w", err)
	}
	dh, err := primitives.X25519(&newPriv, &s.dhRecvPub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("ratchet: initiate DH ratchet DH: %w", err)
	}
	material := primitives.KDF64(append(append([]byte{}, s.rootKey[:]...), dh[:]...), rootContext)
	copy(s.rootKey[:], material[:32])

	primitives.Zero(s.dhSendPriv[:])
	s.prevSendCounter = s.sendCounter
	s.dhSendPriv, s.dhSendPub = newPriv, newPub
	s.sendCounter = 0
	s.sendChain = primitives.KDF32(material[32:], "wraith v1 ratchet chain")
	return newPub, nil
}

// SkippedCacheLen reports the current skipped-key cache size, for tests and
// diagnostics enforcing the MaxSkip invariant.
func (s *State) SkippedCacheLen() int { return s.skipped.len() }

// CurrentSendRatchetPublic returns the local ratchet public key currently
// in force for sends.
func (s *State) CurrentSendRatchetPublic() [32]byte { return s.dhSendPub }

// Zero wipes all key material. Call when the owning session transitions to
// Closed.
func (s *State) Zero() {
	primitives.Zero(s.rootKey[:])
	primitives.Zero(s.dhSendPriv[:])
	primitives.Zero(s.sendChain[:])
	primitives.Zero(s.recvChain[:])
	for i := range s.skipped.order {
		primitives.Zero(s.skipped.order[i].key[:])
	}
	s.skipped.order = nil
}

// deriveNonce combines the frame's explicit 8-byte header nonce prefix with
// 16 bytes derived from BLAKE3(message_key || sequence), producing the
// 24-byte XChaCha20-Poly1305 nonce. Because the message key is itself
// unique per (chain, sequence) and is never reused, and the sequence
// strictly advances per chain, this nonce is unique for the session's
// lifetime even though the 8-byte prefix may repeat across frames.
func deriveNonce(prefix [8]byte, mk [32]byte, seq uint64) [24]byte {
	var seqBytes [8]byte
	for i := 0; i < 8; i++ {
		seqBytes[i] = byte(seq >> (8 * i))
	}
	suffix := primitives.Hash32(mk[:], seqBytes[:])
	var nonce [24]byte
	copy(nonce[:8], prefix[:])
	copy(nonce[8:], suffix[:16])
	return nonce
}
