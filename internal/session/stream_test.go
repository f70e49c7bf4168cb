package session

import (
	"testing"

	"github.com/wraith-project/wraith/internal/wraitherr"
)

func TestStreamOpenTransition(t *testing.T) {
	st := newStream(nil, 0, 4096, 1024)
	if st.State() != StreamIdle {
		t.Fatalf("initial state = %v, want Idle", st.State())
	}
	st.open()
	if st.State() != StreamOpen {
		t.Fatalf("state after open = %v, want Open", st.State())
	}
}

func TestStreamLocalFinTransitions(t *testing.T) {
	st := newStream(nil, 0, 4096, 1024)
	st.open()
	st.localFin()
	if st.State() != StreamHalfClosedLocal {
		t.Fatalf("state = %v, want HalfClosedLocal", st.State())
	}
	st.remoteFin()
	if st.State() != StreamClosed {
		t.Fatalf("state = %v, want Closed", st.State())
	}
}

func TestStreamRemoteFinTransitions(t *testing.T) {
	st := newStream(nil, 0, 4096, 1024)
	st.open()
	st.remoteFin()
	if st.State() != StreamHalfClosedRemote {
		t.Fatalf("state = %v, want HalfClosedRemote", st.State())
	}
	st.localFin()
	if st.State() != StreamClosed {
		t.Fatalf("state = %v, want Closed", st.State())
	}
}

func TestStreamResetIsTerminalFromAnyState(t *testing.T) {
	st := newStream(nil, 0, 4096, 1024)
	st.open()
	st.reset()
	if st.State() != StreamReset {
		t.Fatalf("state = %v, want Reset", st.State())
	}
}

func TestStreamReserveSendTracksWindow(t *testing.T) {
	st := newStream(nil, 0, 4096, 100)
	st.open()
	off, err := st.reserveSend(60)
	if err != nil {
		t.Fatalf("reserveSend: %v", err)
	}
	if off != 0 {
		t.Fatalf("offset = %d, want 0", off)
	}
	off, err = st.reserveSend(60)
	if err == nil {
		t.Fatal("expected WindowExhausted, got nil")
	}
	if !wraitherr.Is(err, wraitherr.WindowExhausted) {
		t.Fatalf("expected WindowExhausted, got %v", err)
	}
	st.grantSendWindow(40)
	off, err = st.reserveSend(40)
	if err != nil {
		t.Fatalf("reserveSend after grant: %v", err)
	}
	if off != 60 {
		t.Fatalf("offset = %d, want 60", off)
	}
}

func TestStreamReserveSendRejectsUnwritableState(t *testing.T) {
	st := newStream(nil, 0, 4096, 1024)
	st.open()
	st.reset()
	if _, err := st.reserveSend(10); !wraitherr.Is(err, wraitherr.StreamInvalidState) {
		t.Fatalf("expected StreamInvalidState, got %v", err)
	}
}

func TestStreamDeliverInOrder(t *testing.T) {
	st := newStream(nil, 0, 4096, 1024)
	st.open()
	if err := st.deliver(0, []byte("hello")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	buf := make([]byte, 5)
	n, err := st.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q, want %q", buf[:n], "hello")
	}
}

func TestStreamDeliverOutOfOrderReorders(t *testing.T) {
	st := newStream(nil, 0, 4096, 1024)
	st.open()
	if err := st.deliver(5, []byte("world")); err != nil {
		t.Fatalf("deliver second chunk first: %v", err)
	}
	// Nothing should be readable yet; recvNext is still 0.
	if len(st.deliverBuf) != 0 {
		t.Fatalf("deliverBuf = %q, want empty until the gap is filled", st.deliverBuf)
	}
	if err := st.deliver(0, []byte("hello")); err != nil {
		t.Fatalf("deliver first chunk: %v", err)
	}
	buf := make([]byte, 10)
	n, err := st.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "helloworld" {
		t.Fatalf("Read = %q, want %q", buf[:n], "helloworld")
	}
}

func TestStreamDeliverRejectsOverflowingReorderBuffer(t *testing.T) {
	st := newStream(nil, 0, 16, 1024) // tiny reorder cap
	st.open()
	// Out-of-order, so it lands in the reorder buffer; 32 bytes exceeds
	// the 16-byte cap.
	if err := st.deliver(100, make([]byte, 32)); !wraitherr.Is(err, wraitherr.FlowControlError) {
		t.Fatalf("expected FlowControlError, got %v", err)
	}
}

func TestStreamDeliverIgnoresFullDuplicate(t *testing.T) {
	st := newStream(nil, 0, 4096, 1024)
	st.open()
	if err := st.deliver(0, []byte("hello")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := st.deliver(0, []byte("hello")); err != nil {
		t.Fatalf("duplicate deliver should be a no-op, got err: %v", err)
	}
	buf := make([]byte, 10)
	n, _ := st.Read(buf)
	if string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q, want %q (duplicate should not double-deliver)", buf[:n], "hello")
	}
}

func TestStreamReadReturnsEndOfStreamAfterRemoteFin(t *testing.T) {
	st := newStream(nil, 0, 4096, 1024)
	st.open()
	st.remoteFin()
	buf := make([]byte, 10)
	_, err := st.Read(buf)
	if !EndOfStream(err) {
		t.Fatalf("expected end-of-stream, got %v", err)
	}
}

func TestStreamReadReturnsResetError(t *testing.T) {
	st := newStream(nil, 0, 4096, 1024)
	st.open()
	st.reset()
	buf := make([]byte, 10)
	_, err := st.Read(buf)
	if !wraitherr.Is(err, wraitherr.StreamReset) {
		t.Fatalf("expected StreamReset, got %v", err)
	}
}
