package session

import (
	"testing"

	"github.com/wraith-project/wraith/internal/frame"
)

// TestHandleFrameAcceptsDrainACKWhileClosing guards spec §4.E's Closing
// state contract: "CLOSE sent or received; only drain ACKs accepted."
// Before this test existed, the state guard in HandleFrame only let
// StateEstablished/StateRekeying traffic through, so a legitimate drain
// ACK arriving after CloseSession would be treated as a bad frame.
func TestHandleFrameAcceptsDrainACKWhileClosing(t *testing.T) {
	client, server, clientAddr, _, clientT, _ := establishedPair(t)

	if err := server.CloseSession(); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if server.State() != StateClosing {
		t.Fatalf("server state = %v, want StateClosing", server.State())
	}

	// The client sends an ACK (for an arbitrary sequence the server's
	// congestion controller does not know, so it is ignored there); this
	// ACK is exactly the kind of drain traffic a peer in Closing must
	// still accept.
	client.sendAck(1)
	wire, _ := clientT.last()
	if wire == nil {
		t.Fatal("client never sent the ACK frame")
	}
	f, err := frame.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	server.HandleFrame(f, clientAddr)

	if server.State() != StateClosing {
		t.Fatalf("server state = %v after drain ACK, want StateClosing", server.State())
	}
	server.mu.Lock()
	badCount := server.badFrameCount
	server.mu.Unlock()
	if badCount != 0 {
		t.Fatalf("drain ACK counted as a bad frame: badFrameCount = %d, want 0", badCount)
	}
}

// TestHandleFrameRejectsNonDrainFrameWhileClosing checks the other half of
// the Closing contract: only CLOSE/ACK traffic is accepted, everything
// else is still counted as a bad frame and dropped.
func TestHandleFrameRejectsNonDrainFrameWhileClosing(t *testing.T) {
	client, server, clientAddr, _, clientT, _ := establishedPair(t)

	if err := server.CloseSession(); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	stream, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := client.Write(stream.ID(), []byte("late data"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	wire, _ := clientT.last()
	f, err := frame.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	server.HandleFrame(f, clientAddr)

	server.mu.Lock()
	badCount := server.badFrameCount
	server.mu.Unlock()
	if badCount != 1 {
		t.Fatalf("badFrameCount = %d after a DATA frame while Closing, want 1", badCount)
	}
}

// TestSealFrameTriggersAutoRekeyOnPacketBudget guards spec §8 scenario 3
// and the "Sequence wrap... forces a mandatory DH ratchet" boundary
// behavior, neither of which has a trigger if shouldRekey/InitiateRekey
// are never called from the send path.
func TestSealFrameTriggersAutoRekeyOnPacketBudget(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Obfuscation.Rekey.TimeSeconds = 0
	cfg.Obfuscation.Rekey.BytesCount = 0
	cfg.Obfuscation.Rekey.PacketCount = 3

	client, _, _, _, _, _ := establishedPairWithConfig(t, cfg)

	beforePub := client.ratchetSt.CurrentSendRatchetPublic()

	stream, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	// Seal enough frames to cross the configured packet budget.
	for i := 0; i < 3; i++ {
		if _, err := client.Write(stream.ID(), []byte("x"), false); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	if client.State() != StateRekeying {
		t.Fatalf("client state = %v after crossing the packet budget, want StateRekeying", client.State())
	}
	afterPub := client.ratchetSt.CurrentSendRatchetPublic()
	if afterPub == beforePub {
		t.Fatal("ratchet public key unchanged after crossing the rekey packet budget")
	}

	client.mu.Lock()
	packetsOnChain := client.packetsOnChain
	client.mu.Unlock()
	if packetsOnChain != 0 {
		t.Fatalf("packetsOnChain = %d after InitiateRekey, want reset to 0", packetsOnChain)
	}
}

// TestHandleFrameDecodesSecondFrameOnSameChain guards against the AAD a
// sender authenticates under drifting from the AAD a receiver reconstructs
// once a chain's sequence number is no longer zero: sealFrame must encode
// the frame's real sequence into the header bytes it feeds the AEAD as
// associated data, not the header's zero-value default.
func TestHandleFrameDecodesSecondFrameOnSameChain(t *testing.T) {
	client, server, clientAddr, _, clientT, _ := establishedPair(t)

	stream, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	for i, msg := range [][]byte{[]byte("first"), []byte("second"), []byte("third")} {
		if _, err := client.Write(stream.ID(), msg, false); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		wire, _ := clientT.last()
		f, err := frame.Decode(wire)
		if err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		server.HandleFrame(f, clientAddr)

		server.mu.Lock()
		badCount := server.badFrameCount
		server.mu.Unlock()
		if badCount != 0 {
			t.Fatalf("frame %d (seq %d) rejected as bad: badFrameCount = %d", i, f.Header.Sequence, badCount)
		}
	}
}

// TestOpenStreamRejectsAfterParityExhaustedWithoutWrapping guards against
// the even/odd stream ID counters wrapping past 65534/65535 back to 0/1:
// a wraparound would silently hand out an ID already in use by an
// existing, live stream instead of returning TooManyStreams.
func TestOpenStreamRejectsAfterParityExhaustedWithoutWrapping(t *testing.T) {
	client, _, _, _, _, _ := establishedPair(t)

	// Fast-forward the even-parity allocator to its last valid ID.
	client.nextEvenStream = 65534
	client.evenStreamsOpened = MaxStreamsPerParity - 1

	st, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream at the last valid even ID: %v", err)
	}
	if st.ID() != 65534 {
		t.Fatalf("stream ID = %d, want 65534", st.ID())
	}

	if _, err := client.OpenStream(); err == nil {
		t.Fatal("expected TooManyStreams once the even parity is exhausted, got nil error")
	}
	if _, ok := client.Stream(0); ok {
		t.Fatal("exhausted allocator silently wrapped around and reissued stream ID 0")
	}
}
