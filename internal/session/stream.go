package session

import (
	"sync"

	"github.com/wraith-project/wraith/internal/wraitherr"
)

// MaxStreamsPerParity is how many streams of one parity a session may open
// before TooManyStreams is returned. Even IDs start at 0 and odd IDs at 1,
// each advancing by 2 per stream opened.
const MaxStreamsPerParity = 32767

// reorderEntry holds one out-of-order DATA payload awaiting delivery.
type reorderEntry struct {
	offset uint32
	data   []byte
}

// Stream is one multiplexed byte stream within a session: a 16-bit ID
// (even if opened by the session initiator, odd otherwise), a state
// machine, per-direction flow-control windows, and a reorder buffer that
// holds out-of-order DATA payloads until their contiguous prefix is
// complete.
type Stream struct {
	id      uint16
	session *Session

	mu    sync.Mutex
	state StreamState

	sendWindow int64 // bytes the peer has granted us, may go negative transiently
	recvWindow int64 // bytes we've granted the peer

	sendOffset uint32 // next byte offset to assign to outgoing DATA
	recvNext   uint32 // next contiguous byte offset expected

	reorderBuf    []reorderEntry
	reorderBytes  uint32
	reorderCap    uint32

	deliverBuf []byte // contiguous bytes ready for Read
	readCond   *sync.Cond
	closed     bool
}

func newStream(s *Session, id uint16, reorderCap uint32, initialWindow uint32) *Stream {
	st := &Stream{
		id:         id,
		session:    s,
		state:      StreamIdle,
		sendWindow: int64(initialWindow),
		recvWindow: int64(initialWindow),
		reorderCap: reorderCap,
	}
	st.readCond = sync.NewCond(&st.mu)
	return st
}

// ID returns the stream's 16-bit identifier.
func (st *Stream) ID() uint16 { return st.id }

// State returns the stream's current lifecycle state.
func (st *Stream) State() StreamState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// open transitions Idle -> Open on either a locally initiated send or a
// received SYN, per the stream state table.
func (st *Stream) open() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state == StreamIdle {
		st.state = StreamOpen
	}
}

// localFin transitions Open -> HalfClosedLocal, or HalfClosedRemote ->
// Closed, on a locally sent FIN.
func (st *Stream) localFin() {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch st.state {
	case StreamOpen:
		st.state = StreamHalfClosedLocal
	case StreamHalfClosedRemote:
		st.state = StreamClosed
	}
}

// remoteFin transitions Open -> HalfClosedRemote, or HalfClosedLocal ->
// Closed, on a received FIN.
func (st *Stream) remoteFin() {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch st.state {
	case StreamOpen:
		st.state = StreamHalfClosedRemote
	case StreamHalfClosedLocal:
		st.state = StreamClosed
	}
	st.readCond.Broadcast()
}

// reset forces the stream to the terminal Reset state from any state.
func (st *Stream) reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state = StreamReset
	st.closed = true
	st.readCond.Broadcast()
}

// reserveSend reserves send-window capacity for n bytes and returns the
// byte offset to stamp on the outgoing DATA frame(s); the caller (Session)
// performs the actual frame encode/seal/send. Returns WindowExhausted if
// the peer's advertised window cannot currently accommodate n bytes.
func (st *Stream) reserveSend(n int) (offset uint32, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state == StreamReset || st.state == StreamClosed || st.state == StreamHalfClosedLocal {
		return 0, wraitherr.New(wraitherr.StreamInvalidState, "stream not writable")
	}
	if int64(n) > st.sendWindow {
		return 0, wraitherr.New(wraitherr.WindowExhausted, "peer window exhausted")
	}
	offset = st.sendOffset
	st.sendOffset += uint32(n)
	st.sendWindow -= int64(n)
	return offset, nil
}

// grantSendWindow applies a WINDOW_UPDATE received from the peer.
func (st *Stream) grantSendWindow(delta uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sendWindow += int64(delta)
	st.readCond.Broadcast()
}

// deliver accepts a received DATA payload at the given byte offset,
// buffering it if it arrives out of order and delivering the contiguous
// prefix (this payload plus anything it unblocks) to the read buffer.
// Returns FlowControlError if the reorder buffer would exceed its cap.
func (st *Stream) deliver(offset uint32, data []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if offset+uint32(len(data)) <= st.recvNext {
		return nil // fully duplicate; already delivered
	}

	if offset == st.recvNext {
		st.deliverBuf = append(st.deliverBuf, data...)
		st.recvNext += uint32(len(data))
		st.recvWindow -= int64(len(data))
		st.drainReorderLocked()
		st.readCond.Broadcast()
		return nil
	}

	if st.reorderBytes+uint32(len(data)) > st.reorderCap {
		return wraitherr.New(wraitherr.FlowControlError, "reorder buffer capacity exceeded")
	}
	st.reorderBuf = append(st.reorderBuf, reorderEntry{offset: offset, data: data})
	st.reorderBytes += uint32(len(data))
	return nil
}

// drainReorderLocked delivers any buffered out-of-order entries that the
// just-advanced recvNext now makes contiguous. Caller holds st.mu.
func (st *Stream) drainReorderLocked() {
	progressed := true
	for progressed {
		progressed = false
		for i, e := range st.reorderBuf {
			if e.offset == st.recvNext {
				st.deliverBuf = append(st.deliverBuf, e.data...)
				st.recvNext += uint32(len(e.data))
				st.reorderBytes -= uint32(len(e.data))
				st.reorderBuf = append(st.reorderBuf[:i], st.reorderBuf[i+1:]...)
				progressed = true
				break
			}
		}
	}
}

// Read copies buffered, in-order bytes into p, blocking until at least one
// byte is available, the stream reaches end-of-stream, or it is reset.
func (st *Stream) Read(p []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for len(st.deliverBuf) == 0 {
		if st.state == StreamReset {
			return 0, wraitherr.New(wraitherr.StreamReset, "stream reset")
		}
		if st.state == StreamHalfClosedRemote || st.state == StreamClosed {
			return 0, errEndOfStream
		}
		st.readCond.Wait()
	}
	n := copy(p, st.deliverBuf)
	st.deliverBuf = st.deliverBuf[n:]
	return n, nil
}

// recvWindowRemaining returns how many bytes of the receive window the
// peer may still send before the next WINDOW_UPDATE, for the session's
// window-update scheduler.
func (st *Stream) recvWindowRemaining() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.recvWindow
}

func (st *Stream) grantRecvWindow(delta uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.recvWindow += int64(delta)
}
