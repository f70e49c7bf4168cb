package primitives

import (
	"bytes"
	"testing"
)

// TestX25519RFC7748Vector2 checks against the second RFC 7748 §6.1 test
// vector, including Bob's side of the shared-secret computation.
func TestX25519RFC7748Vector2(t *testing.T) {
	bobPriv := [32]byte{
		0x5d, 0xab, 0x08, 0x7e, 0x62, 0x4a, 0x8a, 0x4b,
		0x79, 0xe1, 0x7f, 0x8b, 0x83, 0x80, 0x0e, 0xe6,
		0x6f, 0x3b, 0xb1, 0x29, 0x26, 0x18, 0xb6, 0xfd,
		0x1c, 0x2f, 0x8b, 0x27, 0xff, 0x88, 0xe0, 0xeb,
	}
	alicePub := [32]byte{
		0x85, 0x20, 0xf0, 0x09, 0x89, 0x30, 0xa7, 0x54,
		0x74, 0x8b, 0x7d, 0xdc, 0xb4, 0x3e, 0xf7, 0x5a,
		0x0d, 0xbf, 0x3a, 0x0d, 0x26, 0x38, 0x1a, 0xf4,
		0xeb, 0xa4, 0xa9, 0x8e, 0xaa, 0x9b, 0x4e, 0x6a,
	}
	want := []byte{
		0x4a, 0x5d, 0x9d, 0x5b, 0xa4, 0xce, 0x2d, 0xe1,
		0x72, 0x8e, 0x3b, 0xf4, 0x80, 0x35, 0x0f, 0x25,
		0xe0, 0x7e, 0x21, 0xc9, 0x47, 0xd1, 0x9e, 0x33,
		0x76, 0xf0, 0x9b, 0x3c, 0x1e, 0x16, 0x17, 0x42,
	}

	got, err := X25519(&bobPriv, &alicePub)
	if err != nil {
		t.Fatalf("X25519: %v", err)
	}
	if !bytes.Equal(got[:], want) {
		t.Fatalf("X25519 vector 2 mismatch: got %x want %x", got, want)
	}
}

func TestX25519RejectsLowOrderPoints(t *testing.T) {
	var priv [32]byte
	priv[0] = 1
	clamp(&priv)
	for i, pt := range lowOrderPoints {
		if _, err := X25519(&priv, &pt); err != ErrLowOrderPoint {
			t.Errorf("low-order point %d: expected ErrLowOrderPoint, got %v", i, err)
		}
	}
}

func TestAEADSealOpenRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	var nonce [24]byte
	copy(nonce[:], []byte("abcdefghijklmnopqrstuvwx"))

	aad := []byte("header bytes")
	plaintext := []byte("wraith payload")

	ct, err := Seal(&key, &nonce, aad, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	pt, err := Open(&key, &nonce, aad, ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestAEADOpenRejectsTamperedCiphertext(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	var nonce [24]byte
	ct, err := Seal(&key, &nonce, nil, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	ct[0] ^= 0xff
	if _, err := Open(&key, &nonce, nil, ct); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure on tampered ciphertext, got %v", err)
	}
}

func TestAEADOpenRejectsWrongAAD(t *testing.T) {
	var key [32]byte
	var nonce [24]byte
	ct, err := Seal(&key, &nonce, []byte("aad-1"), []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(&key, &nonce, []byte("aad-2"), ct); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure on mismatched AAD, got %v", err)
	}
}

func TestHash32Deterministic(t *testing.T) {
	a := Hash32([]byte("hello"), []byte("world"))
	b := Hash32([]byte("hello"), []byte("world"))
	if a != b {
		t.Fatal("Hash32 not deterministic over identical input")
	}
	c := Hash32([]byte("hello"), []byte("worle"))
	if a == c {
		t.Fatal("Hash32 collided on different input")
	}
}

func TestKDFDomainSeparation(t *testing.T) {
	ikm := []byte("shared secret material")
	a := KDF32(ikm, "context-a")
	b := KDF32(ikm, "context-b")
	if a == b {
		t.Fatal("KDF32 produced identical output for different contexts")
	}
}

func TestCTEqual(t *testing.T) {
	a := []byte{1, 2, 3, 4}
	b := []byte{1, 2, 3, 4}
	c := []byte{1, 2, 3, 5}
	if !CTEqual(a, b) {
		t.Fatal("CTEqual false negative")
	}
	if CTEqual(a, c) {
		t.Fatal("CTEqual false positive")
	}
}

func TestElligatorEncodeDecodeRoundTrip(t *testing.T) {
	priv, pub, repr, err := GenerateEncodableKeypair()
	if err != nil {
		t.Fatalf("GenerateEncodableKeypair: %v", err)
	}
	decoded := ElligatorDecode(&repr)
	if decoded != pub {
		t.Fatalf("ElligatorDecode mismatch: got %x want %x", decoded, pub)
	}
	pub2, repr2, ok := ElligatorEncode(&priv)
	if !ok {
		t.Fatal("ElligatorEncode reported not-ok for a known-encodable key")
	}
	if pub2 != pub || repr2 != repr {
		t.Fatal("ElligatorEncode not deterministic for the same private key")
	}
}

func TestZeroWipesBuffer(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5}
	Zero(buf)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %v", i, buf)
		}
	}
}
