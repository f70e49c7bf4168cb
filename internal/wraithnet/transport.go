// Package wraithnet implements the packet-send/packet-receive transport
// boundary the core depends on: a reference UDP implementation plus an
// optional WebSocket-wrapped variant for the "mimicry: websocket"
// obfuscation profile. The core itself (internal/session) only depends on
// the PacketConn interface, never on net.UDPConn directly, so any
// AF_XDP/io_uring backend can be substituted without touching session
// logic.
package wraithnet

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// MaxPacketSize is the typical UDP MTU ceiling minus IPv4 overhead.
// Jumbo-frame paths may use up to JumboPacketSize.
const (
	MaxPacketSize   = 1472
	JumboPacketSize = 8960
)

// PacketConn is the transport boundary the session layer depends on: send
// a datagram to an address. Inbound datagrams are not part of the
// interface; the concrete transports deliver them to a handler registered
// with their own OnPacket method. The core does not care whether the implementation backs onto
// UDP, AF_XDP, or io_uring; fragmentation above the MTU ceiling is the
// transport's concern, not the core's.
type PacketConn interface {
	SendTo(data []byte, addr net.Addr) error
	LocalAddr() net.Addr
	Close() error
}

// PacketHandler is invoked for every inbound datagram.
type PacketHandler func(data []byte, from net.Addr)

// UDPTransport is the reference PacketConn implementation: a bound UDP
// socket with a single read loop dispatching to a registered handler.
type UDPTransport struct {
	conn   *net.UDPConn
	port   int
	mu     sync.RWMutex
	closed bool
	log    *slog.Logger

	handlerMu sync.RWMutex
	handler   PacketHandler
}

// NewUDPTransport binds a UDP socket on the given port (0 for any free
// port) and starts its read loop.
func NewUDPTransport(port int, log *slog.Logger) (*UDPTransport, error) {
	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("wraithnet: bind UDP port %d: %w", port, err)
	}
	actualPort := conn.LocalAddr().(*net.UDPAddr).Port
	t := &UDPTransport{
		conn: conn,
		port: actualPort,
		log:  log.With("component", "udp-transport", "port", actualPort),
	}
	go t.readLoop()
	return t, nil
}

// OnPacket registers the callback invoked for every inbound datagram.
// Replaces any previously registered handler.
func (t *UDPTransport) OnPacket(h PacketHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, JumboPacketSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return
			}
			t.log.Warn("udp read error", "error", err)
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		t.handlerMu.RLock()
		h := t.handler
		t.handlerMu.RUnlock()
		if h != nil {
			h(pkt, addr)
		}
	}
}

// Port returns the bound port number.
func (t *UDPTransport) Port() int { return t.port }

// SendTo sends a datagram to addr.
func (t *UDPTransport) SendTo(data []byte, addr net.Addr) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return fmt.Errorf("wraithnet: transport closed")
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("wraithnet: expected *net.UDPAddr, got %T", addr)
	}
	_, err := t.conn.WriteToUDP(data, udpAddr)
	return err
}

// LocalAddr returns the local socket address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close shuts down the transport.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return t.conn.Close()
}
