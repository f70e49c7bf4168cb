package session

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/wraith-project/wraith/internal/config"
	"github.com/wraith-project/wraith/internal/frame"
	"github.com/wraith-project/wraith/internal/handshake"
	"github.com/wraith-project/wraith/internal/wraithnet"
)

// Listener owns the CID→session index and the packet transport, and
// drives the server side of new handshakes: it's the entry point an
// application (or cmd/wraithd) wires up once per local socket.
type Listener struct {
	idx       *Index
	transport wraithnet.PacketConn
	cfg       *config.SessionConfig
	log       *slog.Logger

	localStaticPriv [32]byte
	localStaticPub  [32]byte

	mu        sync.Mutex
	pending   map[string]*Session // keyed by remote addr string, mid-handshake responder sessions
}

// NewListener creates a listener over transport. It does not register
// itself for inbound datagrams: the caller routes them to HandlePacket
// (for example through the concrete transport's OnPacket).
func NewListener(transport wraithnet.PacketConn, localStaticPriv, localStaticPub [32]byte, cfg *config.SessionConfig, log *slog.Logger) *Listener {
	return &Listener{
		idx:             NewIndex(),
		transport:       transport,
		cfg:             cfg,
		localStaticPriv: localStaticPriv,
		localStaticPub:  localStaticPub,
		pending:         make(map[string]*Session),
		log:             log.With("component", "listener"),
	}
}

// Index returns the listener's CID→session table.
func (l *Listener) Index() *Index { return l.idx }

// OpenSession begins a client-initiated handshake to a peer, sending
// message 1 immediately. The returned session reaches StateEstablished
// once HandlePacket has processed message 2 and sent message 3 in reply.
func (l *Listener) OpenSession(peerAddr net.Addr) (*Session, error) {
	s, err := New(handshake.RoleInitiator, l.localStaticPriv, l.localStaticPub, l.cfg, l.transport, l.log)
	if err != nil {
		return nil, err
	}
	s.peerAddr = peerAddr

	msg1, err := s.StartHandshake()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.pending[peerAddr.String()] = s
	l.mu.Unlock()

	wire := frame.Encode([8]byte{}, frame.Header{Type: frame.TypeHandshake}, append([]byte{0}, msg1...), nil)
	if err := l.transport.SendTo(wire, peerAddr); err != nil {
		return nil, fmt.Errorf("session: send message 1: %w", err)
	}
	return s, nil
}

// HandlePacket is the transport's inbound callback: it demultiplexes by
// connection ID before any cryptographic work happens (spec §4.D's
// validation order), routing established-session traffic to the matching
// Session and handshake traffic to the in-progress responder/initiator
// state machines.
func (l *Listener) HandlePacket(data []byte, from net.Addr) {
	cid, err := frame.ParseCID(data)
	if err != nil {
		return
	}

	// The all-zero CID marks handshake-phase traffic: real CIDs aren't
	// known until the transcript (both statics, both ephemerals) exists,
	// which isn't until message 2 at the earliest, so handshake frames
	// carry a zero CID and are demultiplexed by source address instead.
	if cid == ([8]byte{}) {
		l.handleHandshakeFrame(data, from)
		return
	}

	sess := l.idx.Lookup(cid)
	if sess == nil {
		return
	}
	f, err := frame.Decode(data)
	if err != nil {
		sess.RecordBadFrame()
		return
	}
	sess.HandleFrame(f, from)
}

func (l *Listener) handleHandshakeFrame(data []byte, from net.Addr) {
	f, err := frame.Decode(data)
	if err != nil || f.Header.Type != frame.TypeHandshake {
		return
	}
	// The handshake message number is carried as the first payload byte
	// (0=msg1, 1=msg2, 2=msg3) since HANDSHAKE frames bypass the ratchet
	// and carry their payload as cleartext-framed Noise messages, not
	// AEAD ciphertext under frame.Frame.Ciphertext.
	if len(f.Padding) == 0 && len(f.Ciphertext) == 0 {
		return
	}
	raw := append(append([]byte{}, f.Ciphertext...), f.Padding...)
	if len(raw) < 1 {
		return
	}
	msgNum, body := raw[0], raw[1:]

	l.mu.Lock()
	sess, pending := l.pending[from.String()]
	l.mu.Unlock()

	switch msgNum {
	case 0: // message 1, responder side
		s, err := New(handshake.RoleResponder, l.localStaticPriv, l.localStaticPub, l.cfg, l.transport, l.log)
		if err != nil {
			return
		}
		s.peerAddr = from
		msg2, err := s.AcceptMessage1(body)
		if err != nil {
			return
		}
		l.mu.Lock()
		l.pending[from.String()] = s
		l.mu.Unlock()
		wire := frame.Encode([8]byte{}, frame.Header{Type: frame.TypeHandshake}, append([]byte{1}, msg2...), nil)
		l.transport.SendTo(wire, from)

	case 1: // message 2, initiator side
		if !pending {
			return
		}
		msg3, err := sess.ProcessMessage2(body)
		if err != nil {
			return
		}
		wire := frame.Encode([8]byte{}, frame.Header{Type: frame.TypeHandshake}, append([]byte{2}, msg3...), nil)
		l.transport.SendTo(wire, from)
		l.finalizePending(from, sess)

	case 2: // message 3, responder side
		if !pending {
			return
		}
		if err := sess.ProcessMessage3(body); err != nil {
			return
		}
		l.finalizePending(from, sess)
	}
}

func (l *Listener) finalizePending(from net.Addr, sess *Session) {
	l.mu.Lock()
	delete(l.pending, from.String())
	l.mu.Unlock()
	l.idx.Insert(sess)
}

// Close tears down every registered session and the underlying transport.
func (l *Listener) Close() error {
	l.mu.Lock()
	for _, s := range l.pending {
		s.Close()
	}
	l.mu.Unlock()
	for _, cid := range l.idx.CIDs() {
		if s := l.idx.Lookup(cid); s != nil {
			s.Close()
		}
	}
	return l.transport.Close()
}
