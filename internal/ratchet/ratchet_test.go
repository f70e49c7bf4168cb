package ratchet

import (
	"bytes"
	"testing"

	"github.com/wraith-project/wraith/internal/primitives"
)

// setupPair seeds two ratchet States the way internal/session does after a
// completed Noise_XX handshake: a shared root key, the handshake's two
// directional transport keys (symmetric: alice's send is bob's recv and
// vice versa), fresh initial ratchet keypairs on each side, and each side
// learning the other's initial ratchet public key (carried in the
// handshake payload in production).
func setupPair(t *testing.T) (alice, bob *State) {
	t.Helper()
	var root [32]byte
	copy(root[:], []byte("shared-root-key-from-handshake-1"))
	var aliceToBob, bobToAlice [32]byte
	copy(aliceToBob[:], []byte("handshake-directional-key-a2b-01"))
	copy(bobToAlice[:], []byte("handshake-directional-key-b2a-01"))

	aPriv, aPub, err := primitives.GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("generate alice ratchet keypair: %v", err)
	}
	bPriv, bPub, err := primitives.GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("generate bob ratchet keypair: %v", err)
	}

	alice = NewFromHandshake(root, aliceToBob, bobToAlice, aPriv, aPub)
	bob = NewFromHandshake(root, bobToAlice, aliceToBob, bPriv, bPub)

	if err := alice.SetPeerRatchetPublic(bPub); err != nil {
		t.Fatalf("alice.SetPeerRatchetPublic: %v", err)
	}
	if err := bob.SetPeerRatchetPublic(aPub); err != nil {
		t.Fatalf("bob.SetPeerRatchetPublic: %v", err)
	}
	return alice, bob
}

func TestRatchetSealOpenRoundTrip(t *testing.T) {
	alice, bob := setupPair(t)

	var noncePrefix [8]byte
	copy(noncePrefix[:], []byte("nonceabc"))
	aad := []byte("frame-header-bytes")
	plaintext := []byte("hello bob")

	result, err := alice.Seal(noncePrefix, aad, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	pt, err := bob.Open(result.RatchetPublic, noncePrefix, result.Sequence, aad, result.Ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestRatchetOutOfOrderDelivery(t *testing.T) {
	alice, bob := setupPair(t)
	var noncePrefix [8]byte

	var results []SealResult
	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three"), []byte("four")}
	for _, m := range msgs {
		r, err := alice.Seal(noncePrefix, nil, m)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		results = append(results, r)
	}

	// Deliver in reverse order; each Open should still recover the right
	// plaintext via the skipped-key cache.
	for i := len(results) - 1; i >= 0; i-- {
		pt, err := bob.Open(results[i].RatchetPublic, noncePrefix, results[i].Sequence, nil, results[i].Ciphertext)
		if err != nil {
			t.Fatalf("Open seq %d: %v", results[i].Sequence, err)
		}
		if !bytes.Equal(pt, msgs[i]) {
			t.Fatalf("seq %d: got %q want %q", results[i].Sequence, pt, msgs[i])
		}
	}
}

func TestRatchetDuplicateMessageRejected(t *testing.T) {
	alice, bob := setupPair(t)
	var noncePrefix [8]byte

	r, err := alice.Seal(noncePrefix, nil, []byte("once"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := bob.Open(r.RatchetPublic, noncePrefix, r.Sequence, nil, r.Ciphertext); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := bob.Open(r.RatchetPublic, noncePrefix, r.Sequence, nil, r.Ciphertext); err != ErrDuplicateMessage {
		t.Fatalf("expected ErrDuplicateMessage on replay, got %v", err)
	}
}

func TestRatchetSkipLimitExceeded(t *testing.T) {
	alice, bob := setupPair(t)
	var noncePrefix [8]byte

	var last SealResult
	for i := 0; i < MaxSkip+2; i++ {
		last, _ = alice.Seal(noncePrefix, nil, []byte("x"))
	}
	if _, err := bob.Open(last.RatchetPublic, noncePrefix, last.Sequence, nil, last.Ciphertext); err != ErrSkipLimitExceeded {
		t.Fatalf("expected ErrSkipLimitExceeded, got %v", err)
	}
}

func TestRatchetSkippedCacheBoundedAtMaxSkip(t *testing.T) {
	alice, bob := setupPair(t)
	var noncePrefix [8]byte

	// Seal MaxSkip+50 messages but deliver only every (MaxSkip-1)th one
	// (indices 0 and 999), forcing bob to skip-cache the ones in between;
	// the cache must never exceed MaxSkip.
	var results []SealResult
	for i := 0; i < MaxSkip+50; i++ {
		r, _ := alice.Seal(noncePrefix, nil, []byte("x"))
		results = append(results, r)
	}
	// Deliver in jumps no larger than the skip limit so no single call is
	// rejected, and check the cache bound after each one.
	for i := 0; i < len(results); i += MaxSkip - 1 {
		idx := i
		if idx >= len(results) {
			break
		}
		_, err := bob.Open(results[idx].RatchetPublic, noncePrefix, results[idx].Sequence, nil, results[idx].Ciphertext)
		if err != nil && err != ErrSkipLimitExceeded {
			t.Fatalf("unexpected Open error at idx %d: %v", idx, err)
		}
		if bob.SkippedCacheLen() > MaxSkip {
			t.Fatalf("skipped cache grew to %d, want <= %d", bob.SkippedCacheLen(), MaxSkip)
		}
	}
}

func TestDHRatchetRekeyProducesFreshChain(t *testing.T) {
	alice, bob := setupPair(t)
	var noncePrefix [8]byte

	r1, err := alice.Seal(noncePrefix, nil, []byte("before rekey"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := bob.Open(r1.RatchetPublic, noncePrefix, r1.Sequence, nil, r1.Ciphertext); err != nil {
		t.Fatalf("Open before rekey: %v", err)
	}

	newPub, err := alice.InitiateDHRatchet()
	if err != nil {
		t.Fatalf("InitiateDHRatchet: %v", err)
	}
	if newPub == r1.RatchetPublic {
		t.Fatal("InitiateDHRatchet did not produce a new ratchet public key")
	}

	r2, err := alice.Seal(noncePrefix, nil, []byte("after rekey"))
	if err != nil {
		t.Fatalf("Seal after rekey: %v", err)
	}
	if r2.RatchetPublic != newPub {
		t.Fatal("post-rekey Seal didn't announce the new ratchet public key")
	}
	pt, err := bob.Open(r2.RatchetPublic, noncePrefix, r2.Sequence, nil, r2.Ciphertext)
	if err != nil {
		t.Fatalf("Open after rekey: %v", err)
	}
	if string(pt) != "after rekey" {
		t.Fatalf("got %q, want %q", pt, "after rekey")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	alice, bob := setupPair(t)
	var noncePrefix [8]byte

	r, err := alice.Seal(noncePrefix, nil, []byte("integrity check"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	tampered := bytes.Clone(r.Ciphertext)
	tampered[0] ^= 0xff
	if _, err := bob.Open(r.RatchetPublic, noncePrefix, r.Sequence, nil, tampered); err == nil {
		t.Fatal("expected Open to reject a tampered ciphertext")
	}
}

// TestOpenLeavesStateUnchangedOnAuthFailure guards against a forged frame
// corrupting ratchet state before its AEAD tag is even checked. bob's CID
// is not secret (it's the frame's cleartext demux field), so anyone can
// send him a frame claiming an arbitrary ratchet-announce public key; if
// Open committed the resulting DH ratchet step before authenticating, a
// single bad packet would permanently desync bob's chains against alice.
func TestOpenLeavesStateUnchangedOnAuthFailure(t *testing.T) {
	alice, bob := setupPair(t)
	var noncePrefix [8]byte

	before := *bob

	_, forgedPub, err := primitives.GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("generate forged keypair: %v", err)
	}
	garbage := make([]byte, 32)
	copy(garbage, []byte("not a real ciphertext at all!!"))

	if _, err := bob.Open(forgedPub, noncePrefix, 0, nil, garbage); err == nil {
		t.Fatal("expected Open to reject a forged ratchet announce with no valid AEAD tag")
	}

	if bob.rootKey != before.rootKey {
		t.Fatal("rootKey mutated by a failed Open")
	}
	if bob.dhSendPriv != before.dhSendPriv || bob.dhSendPub != before.dhSendPub {
		t.Fatal("local DH keypair mutated by a failed Open")
	}
	if bob.dhRecvPub != before.dhRecvPub || bob.haveDHRecv != before.haveDHRecv {
		t.Fatal("peer ratchet public mutated by a failed Open")
	}
	if bob.sendChain != before.sendChain || bob.sendCounter != before.sendCounter {
		t.Fatal("send chain mutated by a failed Open")
	}
	if bob.recvChain != before.recvChain || bob.recvCounter != before.recvCounter {
		t.Fatal("recv chain mutated by a failed Open")
	}
	if bob.SkippedCacheLen() != 0 {
		t.Fatal("skipped cache populated by a failed Open")
	}

	// A legitimate message on the original chain must still decrypt
	// correctly after the forged attempt.
	r, err := alice.Seal(noncePrefix, nil, []byte("still synced"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	pt, err := bob.Open(r.RatchetPublic, noncePrefix, r.Sequence, nil, r.Ciphertext)
	if err != nil {
		t.Fatalf("Open after forged attempt: %v", err)
	}
	if string(pt) != "still synced" {
		t.Fatalf("got %q, want %q", pt, "still synced")
	}
}
