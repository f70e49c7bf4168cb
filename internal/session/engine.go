package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/wraith-project/wraith/internal/frame"
	"github.com/wraith-project/wraith/internal/wraitherr"
)

// maxDataPayload bounds a single DATA frame's plaintext payload so the
// resulting wire frame stays within the typical UDP MTU ceiling (spec
// §6). Larger writes are chunked across multiple frames.
const maxDataPayload = wraithnetMaxPayload

// wraithnetMaxPayload leaves headroom for the header, ratchet-announce
// field, AEAD tag, and any padding within wraithnet.MaxPacketSize.
const wraithnetMaxPayload = 1472 - frame.CIDSize - frame.HeaderSize - ratchetAnnounceSize - frame.TagSize - 64

// Write chunks p across one or more DATA frames on stream id, respecting
// the stream's and session's flow-control windows, and sends them to the
// session's current peer address. It blocks (busy-polling on a short
// timer) while the send window is exhausted, matching the "sender
// refuses to emit DATA that would exceed the peer's advertised window"
// rule; a real deployment would instead park the caller on a condition
// variable signaled by WINDOW_UPDATE receipt, which grantSendWindow
// already supports via Stream's readCond.
func (s *Session) Write(id uint16, p []byte, fin bool) (int, error) {
	st, ok := s.Stream(id)
	if !ok {
		return 0, wraitherr.New(wraitherr.StreamInvalidState, "unknown stream")
	}
	st.open()

	written := 0
	for written < len(p) || (fin && written == 0 && len(p) == 0) {
		chunk := p[written:]
		if len(chunk) > maxDataPayload {
			chunk = chunk[:maxDataPayload]
		}
		isLast := written+len(chunk) >= len(p)

		for !s.cc.CanSend(len(chunk)) {
			time.Sleep(2 * time.Millisecond)
		}
		if delay := s.cc.NextSendDelay(len(chunk)); delay > 0 {
			time.Sleep(delay)
		}

		offset, err := st.reserveSend(len(chunk))
		for wraitherr.Is(err, wraitherr.WindowExhausted) {
			time.Sleep(2 * time.Millisecond)
			offset, err = st.reserveSend(len(chunk))
		}
		if err != nil {
			if written > 0 {
				return written, nil // partial progress; caller retries the remainder
			}
			return 0, err
		}

		flags := frame.Flags(0)
		if written == 0 && st.State() == StreamIdle {
			flags |= frame.FlagSYN
		}
		if fin && isLast {
			flags |= frame.FlagFIN
		}

		hdr := frame.Header{
			Type:       frame.TypeData,
			Flags:      flags,
			StreamID:   id,
			FileOffset: offset,
		}
		wire, err := s.sealFrame(hdr, chunk)
		if err != nil {
			return written, err
		}
		if err := s.transport.SendTo(wire, s.currentPeerAddr()); err != nil {
			return written, fmt.Errorf("session: send: %w", err)
		}

		written += len(chunk)
		if fin && isLast {
			st.localFin()
		}
		if len(chunk) == 0 {
			break
		}
	}
	return written, nil
}

// Read reads delivered, in-order bytes from stream id.
func (s *Session) Read(id uint16, p []byte) (int, error) {
	st, ok := s.Stream(id)
	if !ok {
		return 0, wraitherr.New(wraitherr.StreamInvalidState, "unknown stream")
	}
	return st.Read(p)
}

func (s *Session) currentPeerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerAddr
}

// HandleFrame processes one fully-decoded inbound frame addressed to this
// session. from is the source address the datagram actually arrived from,
// which may differ from the session's currently recorded peer address
// (triggering migration validation).
func (s *Session) HandleFrame(f frame.Frame, from net.Addr) {
	if f.Header.Type == frame.TypeHandshake {
		// Handshake frames bypass the ratchet entirely; the caller (the
		// listener, which owns the handshake driving methods) dispatches
		// these directly and never reaches HandleFrame for them.
		return
	}

	s.mu.Lock()
	state := s.state
	peerAddr := s.peerAddr
	s.mu.Unlock()
	switch state {
	case StateEstablished, StateRekeying:
		// all frame types permitted
	case StateClosing:
		// spec §4.E: "Closing: CLOSE sent or received; only drain ACKs
		// accepted." A peer's own CLOSE may still be in flight too, so
		// let both through and reject everything else.
		if f.Header.Type != frame.TypeACK && f.Header.Type != frame.TypeClose {
			s.RecordBadFrame()
			return
		}
	default:
		s.RecordBadFrame()
		return
	}

	plaintext, err := s.openFrame(f)
	if err != nil {
		s.RecordBadFrame()
		return
	}
	s.ConfirmRekey()

	if peerAddr == nil {
		s.mu.Lock()
		s.peerAddr = from
		s.mu.Unlock()
	} else if !addrEqual(peerAddr, from) {
		s.onPossibleMigration(from)
	}

	switch f.Header.Type {
	case frame.TypeData:
		s.handleData(f.Header, plaintext)
	case frame.TypeACK:
		s.handleAck(plaintext)
	case frame.TypeWindowUpdate:
		s.handleWindowUpdate(f.Header, plaintext)
	case frame.TypeReset:
		s.handleReset(f.Header)
	case frame.TypePing:
		s.sendPong()
	case frame.TypeMigrate:
		s.handleMigrate(f.Header, plaintext, from)
	case frame.TypeClose:
		s.handleClose()
	}
}

func (s *Session) handleData(hdr frame.Header, payload []byte) {
	st := s.streamFor(hdr.StreamID)
	if hdr.Flags.Has(frame.FlagSYN) {
		st.open()
	}
	if err := st.deliver(hdr.FileOffset, payload); err != nil {
		st.reset()
		return
	}
	if hdr.Flags.Has(frame.FlagFIN) {
		st.remoteFin()
	}
	s.sendAck(hdr.Sequence)
	s.maybeSendWindowUpdate(st)
}

// handleAck processes an inbound ACK frame: its payload is the 8-byte
// big-endian sequence number of the DATA frame it acknowledges, fed to
// the congestion controller for BtlBw/RTprop sampling and loss detection.
func (s *Session) handleAck(payload []byte) {
	if len(payload) < 8 {
		return
	}
	seq := binary.BigEndian.Uint64(payload[:8])
	s.cc.OnACK(seq, time.Now())
}

// sendAck acknowledges the DATA frame carrying sequence, letting the
// peer's congestion controller sample RTT and delivery rate.
func (s *Session) sendAck(sequence uint64) {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, sequence)
	hdr := frame.Header{Type: frame.TypeACK, Flags: frame.FlagACK}
	wire, err := s.sealFrame(hdr, payload)
	if err != nil {
		return
	}
	s.transport.SendTo(wire, s.currentPeerAddr())
}

func (s *Session) handleWindowUpdate(hdr frame.Header, payload []byte) {
	if len(payload) < 4 {
		return
	}
	delta := binary.BigEndian.Uint32(payload[:4])
	st, ok := s.Stream(hdr.StreamID)
	if !ok {
		return
	}
	st.grantSendWindow(delta)
}

func (s *Session) handleReset(hdr frame.Header) {
	st, ok := s.Stream(hdr.StreamID)
	if !ok {
		return
	}
	st.reset()
}

func (s *Session) handleClose() {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateClosing
	}
	s.mu.Unlock()
	s.Close()
}

// maybeSendWindowUpdate replenishes the stream's advertised receive
// window once it has been drawn down, mirroring typical flow-control
// implementations that top up in batches rather than per byte.
func (s *Session) maybeSendWindowUpdate(st *Stream) {
	remaining := st.recvWindowRemaining()
	if remaining > int64(s.cfg.InitialStreamWindow)/2 {
		return
	}
	delta := s.cfg.InitialStreamWindow
	st.grantRecvWindow(delta)

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, delta)
	hdr := frame.Header{Type: frame.TypeWindowUpdate, StreamID: st.ID()}
	wire, err := s.sealFrame(hdr, payload)
	if err != nil {
		return
	}
	s.transport.SendTo(wire, s.currentPeerAddr())
}

// sendPong replies to a PING with an empty ACK (payload_length=0 is valid
// per the boundary-behavior properties).
func (s *Session) sendPong() {
	hdr := frame.Header{Type: frame.TypeACK}
	wire, err := s.sealFrame(hdr, nil)
	if err != nil {
		return
	}
	s.transport.SendTo(wire, s.currentPeerAddr())
}

// CloseSession sends a CLOSE frame and transitions locally to Closing,
// then Closed after a 2-second grace period, or sooner if the peer's own
// CLOSE arrives first. Drain ACKs received meanwhile do not end the grace
// period.
func (s *Session) CloseSession() error {
	s.mu.Lock()
	s.state = StateClosing
	s.mu.Unlock()
	hdr := frame.Header{Type: frame.TypeClose}
	wire, err := s.sealFrame(hdr, nil)
	if err != nil {
		return err
	}
	if err := s.transport.SendTo(wire, s.currentPeerAddr()); err != nil {
		return err
	}
	go func() {
		time.Sleep(2 * time.Second)
		s.Close()
	}()
	return nil
}

func addrEqual(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

func randomChallenge() ([8]byte, error) {
	var c [8]byte
	_, err := rand.Read(c[:])
	return c, err
}
