// Package session implements the session state machine, stream
// multiplexing, flow control, connection migration, and the CID→session
// demultiplexing index: the layer that turns the handshake, ratchet, and
// frame codec into something an application can open streams on.
package session

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/wraith-project/wraith/internal/config"
	"github.com/wraith-project/wraith/internal/congestion"
	"github.com/wraith-project/wraith/internal/frame"
	"github.com/wraith-project/wraith/internal/handshake"
	"github.com/wraith-project/wraith/internal/primitives"
	"github.com/wraith-project/wraith/internal/ratchet"
	"github.com/wraith-project/wraith/internal/wraitherr"
	"github.com/wraith-project/wraith/internal/wraithnet"
)

// ratchetAnnounceSize is the width of the cleartext-but-authenticated
// ratchet-public-key field every non-HANDSHAKE frame carries between its
// header and its AEAD ciphertext. The 28-byte frame header defined by
// internal/frame has no field for this (see that package's grounding
// note), so the session layer adds its own fixed-width envelope field,
// covered by the AEAD as associated data alongside the header — an
// addition analogous to the per-message ratchet header Signal's Double
// Ratchet attaches to every message, and directly required by the spec's
// own language for scenario 3 ("the next outbound frame carries a new
// ratchet public").
const ratchetAnnounceSize = 32

// Session binds a local identity to a peer across a connection ID: the
// current send/recv ratchet, the stream set, congestion state, and the
// peer's current socket address.
type Session struct {
	mu    sync.Mutex
	state State

	cid  [8]byte
	role handshake.Role

	hs          *handshake.Handshake
	ratchetSt   *ratchet.State
	peerRatchet [32]byte // last ratchet public we've seen from the peer

	peerStaticPub    [32]byte
	localStaticPriv  [32]byte
	localStaticPub   [32]byte
	localRatchetPriv [32]byte
	localRatchetPub  [32]byte

	streams        map[uint16]*Stream
	nextEvenStream uint16
	nextOddStream  uint16
	// evenStreamsOpened/oddStreamsOpened count streams allocated of each
	// parity. The exhaustion check in OpenStream must use these rather
	// than nextEvenStream/nextOddStream directly: those are uint16 and
	// wrap to 0 right after the last valid ID is handed out, which would
	// otherwise silently reissue stream ID 0/1.
	evenStreamsOpened int
	oddStreamsOpened  int

	sessionSendWindow int64
	sessionRecvWindow int64

	peerAddr net.Addr
	migration *migrationState

	badFrameCount  int
	badFrameWindow time.Time

	chainOpenedAt time.Time
	packetsOnChain uint64
	bytesOnChain   uint64

	cfg       *config.SessionConfig
	transport wraithnet.PacketConn
	log       *slog.Logger

	closedCh chan struct{}

	cc               *congestion.Controller
	onMigrationReset func()
}

// Congestion returns the session's BBR-style congestion controller, so
// callers can inspect BtlBw/RTprop/phase for diagnostics.
func (s *Session) Congestion() *congestion.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cc
}

// SetMigrationResetHook replaces the callback invoked whenever a connection
// migration completes. New installs the session's own congestion
// controller's Reset as the default.
func (s *Session) SetMigrationResetHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMigrationReset = fn
}

// migrationState tracks an in-progress connection migration (spec §4.E).
type migrationState struct {
	newAddr     net.Addr
	challenge   [8]byte
	oldAddrKept time.Time
	oldAddr     net.Addr
}

// New creates a session in StateInitial, ready to drive a Noise_XX
// handshake as either role.
func New(role handshake.Role, localStaticPriv, localStaticPub [32]byte, cfg *config.SessionConfig, transport wraithnet.PacketConn, log *slog.Logger) (*Session, error) {
	ratchetPriv, ratchetPub, err := primitives.GenerateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("session: generate initial ratchet keypair: %w", err)
	}
	s := &Session{
		state:            StateInitial,
		role:             role,
		hs:               handshake.New(role, localStaticPriv, localStaticPub, cfg.Obfuscation.Elligator),
		localStaticPriv:  localStaticPriv,
		localStaticPub:   localStaticPub,
		localRatchetPriv: ratchetPriv,
		localRatchetPub:  ratchetPub,
		streams:          make(map[uint16]*Stream),
		nextEvenStream:   0,
		nextOddStream:    1,
		sessionSendWindow: int64(cfg.InitialSessionWindow),
		sessionRecvWindow: int64(cfg.InitialSessionWindow),
		cfg:              cfg,
		transport:        transport,
		closedCh:         make(chan struct{}),
		cc:               congestion.New(),
		log:              log.With("component", "session"),
	}
	s.onMigrationReset = s.cc.Reset
	return s, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CID returns the session's connection ID. Immutable from Established
// through Closed (spec invariant, testable property 6).
func (s *Session) CID() [8]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cid
}

// --- Handshake driving ---

// StartHandshake produces message 1 (initiator only). The session moves
// to StateHandshaking.
func (s *Session) StartHandshake() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitial || s.role != handshake.RoleInitiator {
		return nil, wraitherr.New(wraitherr.InvalidState, "StartHandshake called out of order")
	}
	msg, err := s.hs.WriteMessage1(nil)
	if err != nil {
		return nil, wraitherr.Wrap(wraitherr.UnexpectedMessage, "write message 1", err)
	}
	s.state = StateHandshaking
	return msg, nil
}

// AcceptMessage1 consumes message 1 (responder only) and produces message
// 2, embedding this side's initial ratchet public key as the message
// payload.
func (s *Session) AcceptMessage1(msg []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != handshake.RoleResponder {
		return nil, wraitherr.New(wraitherr.UnexpectedMessage, "not a responder session")
	}
	if _, err := s.hs.ReadMessage1(msg); err != nil {
		return nil, wraitherr.Wrap(wraitherr.UnexpectedMessage, "read message 1", err)
	}
	s.state = StateHandshaking
	out, err := s.hs.WriteMessage2(s.localRatchetPub[:])
	if err != nil {
		return nil, wraitherr.Wrap(wraitherr.UnexpectedMessage, "write message 2", err)
	}
	return out, nil
}

// ProcessMessage2 consumes message 2 (initiator only), recovering the
// responder's initial ratchet public key from its payload, and produces
// message 3 carrying this side's own.
func (s *Session) ProcessMessage2(msg []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != handshake.RoleInitiator {
		return nil, wraitherr.New(wraitherr.UnexpectedMessage, "not an initiator session")
	}
	payload, err := s.hs.ReadMessage2(msg)
	if err != nil {
		return nil, wraitherr.Wrap(wraitherr.UnexpectedMessage, "read message 2", err)
	}
	if len(payload) != 32 {
		return nil, wraitherr.New(wraitherr.Incomplete, "message 2 payload missing peer ratchet key")
	}
	copy(s.peerRatchet[:], payload)

	out, err := s.hs.WriteMessage3(s.localRatchetPub[:])
	if err != nil {
		return nil, wraitherr.Wrap(wraitherr.UnexpectedMessage, "write message 3", err)
	}
	if err := s.finishHandshakeLocked(s.peerRatchet); err != nil {
		return nil, err
	}
	return out, nil
}

// ProcessMessage3 consumes message 3 (responder only), completing the
// handshake.
func (s *Session) ProcessMessage3(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != handshake.RoleResponder {
		return wraitherr.New(wraitherr.UnexpectedMessage, "not a responder session")
	}
	payload, err := s.hs.ReadMessage3(msg)
	if err != nil {
		return wraitherr.Wrap(wraitherr.UnexpectedMessage, "read message 3", err)
	}
	if len(payload) != 32 {
		return wraitherr.New(wraitherr.Incomplete, "message 3 payload missing peer ratchet key")
	}
	var peerRatchet [32]byte
	copy(peerRatchet[:], payload)
	s.peerRatchet = peerRatchet
	return s.finishHandshakeLocked(peerRatchet)
}

// finishHandshakeLocked finalizes the Noise handshake into transport keys,
// seeds the ratchet, computes the CID, and moves to StateEstablished.
func (s *Session) finishHandshakeLocked(peerRatchet [32]byte) error {
	tk, err := s.hs.IntoTransportMode()
	if err != nil {
		return wraitherr.Wrap(wraitherr.Incomplete, "finalize handshake", err)
	}
	s.peerStaticPub = tk.RemoteStatic

	s.ratchetSt = ratchet.NewFromHandshake(tk.RootKey, tk.SendKey, tk.RecvKey, s.localRatchetPriv, s.localRatchetPub)
	if err := s.ratchetSt.SetPeerRatchetPublic(peerRatchet); err != nil {
		return wraitherr.Wrap(wraitherr.Incomplete, "seed ratchet", err)
	}

	var staticA, staticB, ephA, ephB [32]byte
	if s.role == handshake.RoleInitiator {
		staticA, staticB = s.localStaticPub, s.peerStaticPub
		ephA, ephB = s.hs.LocalEphemeralPublic(), s.hs.RemoteEphemeralPublic()
	} else {
		staticA, staticB = s.peerStaticPub, s.localStaticPub
		ephA, ephB = s.hs.RemoteEphemeralPublic(), s.hs.LocalEphemeralPublic()
	}
	s.cid = handshake.ComputeCID(staticA, staticB, ephA, ephB)

	s.chainOpenedAt = time.Now()
	s.state = StateEstablished
	return nil
}

// PeerStaticPublic returns the peer's long-term static X25519 public key,
// available once the handshake completes.
func (s *Session) PeerStaticPublic() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerStaticPub
}

// --- Stream management ---

// OpenStream allocates a new stream of this session's own parity (even
// for the session initiator, odd otherwise). Returns TooManyStreams once
// every ID of that parity has been used.
func (s *Session) OpenStream() (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished && s.state != StateRekeying {
		return nil, wraitherr.New(wraitherr.InvalidState, "session not established")
	}

	var id uint16
	if s.role == handshake.RoleInitiator {
		if s.evenStreamsOpened >= MaxStreamsPerParity {
			return nil, wraitherr.New(wraitherr.TooManyStreams, "even stream IDs exhausted")
		}
		id = s.nextEvenStream
		s.nextEvenStream += 2
		s.evenStreamsOpened++
	} else {
		if s.oddStreamsOpened >= MaxStreamsPerParity {
			return nil, wraitherr.New(wraitherr.TooManyStreams, "odd stream IDs exhausted")
		}
		id = s.nextOddStream
		s.nextOddStream += 2
		s.oddStreamsOpened++
	}

	st := newStream(s, id, s.cfg.ReorderBufferCap, s.cfg.InitialStreamWindow)
	st.open()
	s.streams[id] = st
	return st, nil
}

// streamFor returns the stream for id, implicitly opening it (as the
// peer-initiated side) if this is the first frame seen for it.
func (s *Session) streamFor(id uint16) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		st = newStream(s, id, s.cfg.ReorderBufferCap, s.cfg.InitialStreamWindow)
		s.streams[id] = st
	}
	return st
}

// Stream looks up an existing stream by ID.
func (s *Session) Stream(id uint16) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	return st, ok
}

// StreamIDs returns a snapshot of every stream ID currently known to the
// session, for callers enumerating peer-initiated streams.
func (s *Session) StreamIDs() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint16, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	return ids
}

// --- Sealing / sending ---

// sealFrame seals plaintext under the session's current ratchet send
// chain, producing the full wire bytes (CID ‖ header ‖ ratchet-announce ‖
// AEAD ciphertext ‖ padding). hdr's Sequence, NoncePrefix and PayloadLen
// fields are overwritten; callers set Type, Flags, StreamID, FileOffset.
func (s *Session) sealFrame(hdr frame.Header, plaintext []byte) ([]byte, error) {
	var noncePrefix [8]byte
	if _, err := rand.Read(noncePrefix[:]); err != nil {
		return nil, fmt.Errorf("session: generate nonce prefix: %w", err)
	}
	hdr.NoncePrefix = noncePrefix

	// The ratchet and its packet/byte counters are shared with openFrame
	// (inbound frames) and with each other across concurrent Write calls
	// on different streams, so every access is held under s.mu. The lock
	// is released before shouldRekey/InitiateRekey, which each take it
	// themselves.
	s.mu.Lock()
	// hdr.Sequence must be the frame's real sequence number before it's
	// encoded into hdrBuf below: the header bytes are the AAD, and
	// openFrame reconstructs that same AAD from the decoded wire header
	// (whose Sequence field is, necessarily, the real one). Reading
	// NextSendSequence here, under the same lock Seal runs under, is
	// exactly the sequence Seal is about to assign.
	hdr.Sequence = s.ratchetSt.NextSendSequence()
	hdrBuf := make([]byte, frame.HeaderSize)
	hdr.Encode(hdrBuf)

	sendRatchetPub := s.ratchetSt.CurrentSendRatchetPublic()
	aad := append(append([]byte{}, hdrBuf...), sendRatchetPub[:]...)
	result, err := s.ratchetSt.Seal(noncePrefix, aad, plaintext)
	if err != nil {
		s.mu.Unlock()
		return nil, wraitherr.Wrap(wraitherr.AuthFailure, "seal frame", err)
	}
	s.packetsOnChain++
	s.bytesOnChain += uint64(len(result.Ciphertext))
	cid := s.cid
	s.mu.Unlock()

	if hdr.Sequence != result.Sequence {
		return nil, fmt.Errorf("session: seal frame: sequence mismatch (header %d, sealed %d)", hdr.Sequence, result.Sequence)
	}
	if hdr.Type == frame.TypeData {
		s.cc.OnSend(hdr.Sequence, len(plaintext))
	}

	ciphertextField := append(append([]byte{}, sendRatchetPub[:]...), result.Ciphertext...)
	padding := s.generatePadding()

	// Spec §4.E rekey policy / §8 scenario 3: the send path is the only
	// place that observes packets-on-chain and bytes-on-chain, so it's
	// also the only place that can notice the budget has tripped. A
	// failed InitiateRekey (e.g. already Rekeying, or a concurrent
	// rekey just completed) is not an error for the caller sending this
	// frame; the next sealFrame call simply checks again.
	if s.shouldRekey() {
		if err := s.InitiateRekey(); err != nil {
			s.log.Warn("auto rekey failed", "err", err)
		}
	}

	return frame.Encode(cid, hdr, ciphertextField, padding), nil
}

// generatePadding returns post-AEAD padding per the configured padding
// profile. Only PaddingFixed is implemented beyond "none"; other modes
// fall back to no padding, matching the documented conservative defaults.
func (s *Session) generatePadding() []byte {
	switch s.cfg.Obfuscation.Padding.Mode {
	case config.PaddingFixed:
		n := s.cfg.Obfuscation.Padding.FixedSize
		if n <= 0 {
			return nil
		}
		pad := make([]byte, n)
		rand.Read(pad)
		return pad
	default:
		return nil
	}
}

// openFrame reverses sealFrame: strips the ratchet-announce field,
// reconstructs the AAD, and authenticates+decrypts via the ratchet.
func (s *Session) openFrame(f frame.Frame) ([]byte, error) {
	if len(f.Ciphertext) < ratchetAnnounceSize {
		return nil, wraitherr.New(wraitherr.LengthMismatch, "ciphertext shorter than ratchet announce field")
	}
	var peerRatchetPub [32]byte
	copy(peerRatchetPub[:], f.Ciphertext[:ratchetAnnounceSize])
	sealed := f.Ciphertext[ratchetAnnounceSize:]

	hdrBuf := make([]byte, frame.HeaderSize)
	f.Header.Encode(hdrBuf)
	aad := append(append([]byte{}, hdrBuf...), peerRatchetPub[:]...)

	s.mu.Lock()
	defer s.mu.Unlock()
	pt, err := s.ratchetSt.Open(peerRatchetPub, f.Header.NoncePrefix, f.Header.Sequence, aad, sealed)
	if err != nil {
		return nil, err
	}
	s.peerRatchet = peerRatchetPub
	return pt, nil
}

// Close transitions the session to Closed, zeroing all ratchet state and
// resetting every stream: blocked reads then fail with a StreamReset error
// and writes with StreamInvalidState. No SessionClosed error is produced.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if s.ratchetSt != nil {
		s.ratchetSt.Zero()
	}
	for _, st := range s.streams {
		st.reset()
	}
	close(s.closedCh)
}

// Done returns a channel closed when the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.closedCh }

// shouldRekey reports whether the rekey policy's time/packet/byte budget
// has tripped on the current send chain.
func (s *Session) shouldRekey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.cfg.Obfuscation.Rekey
	if r.TimeSeconds > 0 && time.Since(s.chainOpenedAt) >= r.Interval() {
		return true
	}
	if r.PacketCount > 0 && s.packetsOnChain >= r.PacketCount {
		return true
	}
	if r.BytesCount > 0 && s.bytesOnChain >= r.BytesCount {
		return true
	}
	return false
}

// InitiateRekey forces a local DH ratchet step, moving the session into
// StateRekeying. The new ratchet public is announced on the very next
// outbound frame (sealFrame always stamps the current send ratchet
// public), matching scenario 3's language.
func (s *Session) InitiateRekey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return wraitherr.New(wraitherr.InvalidState, "rekey requires an established session")
	}
	if _, err := s.ratchetSt.InitiateDHRatchet(); err != nil {
		return fmt.Errorf("session: initiate rekey: %w", err)
	}
	s.state = StateRekeying
	s.chainOpenedAt = time.Now()
	s.packetsOnChain = 0
	s.bytesOnChain = 0
	return nil
}

// ConfirmRekey moves a StateRekeying session back to StateEstablished.
// HandleFrame calls it after every inbound frame that authenticates; it
// does not check whether that frame was sealed under the peer's new chain.
func (s *Session) ConfirmRekey() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRekeying {
		s.state = StateEstablished
	}
}

// RecordBadFrame increments the session-local bad-frame counter within
// its rolling window, closing the session once BadFrameThreshold is
// exceeded within BadFrameWindow (spec §7 propagation policy).
func (s *Session) RecordBadFrame() {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.badFrameWindow) > s.cfg.BadFrameWindow {
		s.badFrameWindow = now
		s.badFrameCount = 0
	}
	s.badFrameCount++
	exceeded := s.badFrameCount > s.cfg.BadFrameThreshold
	s.mu.Unlock()
	if exceeded {
		s.Close()
	}
}
