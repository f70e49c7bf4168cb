package wraithnet

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriteDeadline bounds how long a single outbound frame write may block;
// mirrors the controller's WebSocket write-deadline discipline.
const wsWriteDeadline = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  JumboPacketSize,
	WriteBufferSize: JumboPacketSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsAddr adapts a WebSocket peer to net.Addr so WebSocketTransport can
// satisfy the same PacketConn contract as UDPTransport.
type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }

// WebSocketTransport is the "mimicry: websocket" PacketConn: every sealed
// record is wrapped in a WebSocket binary message instead of a bare UDP
// datagram, so the wire image matches ordinary WebSocket traffic to a
// passive observer. It serves one listener socket and dials out to a peer
// when Dial is called; SendTo only reaches peers that already have a
// connection. It reuses gorilla/websocket the same way the teacher's
// controller does for its agent control channel.
type WebSocketTransport struct {
	path     string
	listener net.Listener
	server   *http.Server

	mu      sync.RWMutex
	closed  bool
	conns   map[string]*websocket.Conn // peer address string -> connection
	log     *slog.Logger

	handlerMu sync.RWMutex
	handler   PacketHandler
}

// NewWebSocketTransport starts an HTTP server on addr that upgrades a
// single path to WebSocket and treats every binary message as an inbound
// packet.
func NewWebSocketTransport(addr, path string, log *slog.Logger) (*WebSocketTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wraithnet: listen %s: %w", addr, err)
	}
	t := &WebSocketTransport{
		path:   path,
		conns:  make(map[string]*websocket.Conn),
		log:    log.With("component", "websocket-transport"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, t.handleUpgrade)
	t.server = &http.Server{Handler: mux}
	t.listener = ln
	go t.server.Serve(ln)
	return t, nil
}

func (t *WebSocketTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	peer := conn.RemoteAddr().String()
	t.mu.Lock()
	t.conns[peer] = conn
	t.mu.Unlock()
	go t.readLoop(peer, conn)
}

// Dial opens an outbound WebSocket connection to a peer listening via
// NewWebSocketTransport, registering it under its remote address for
// subsequent SendTo calls.
func (t *WebSocketTransport) Dial(url string) (net.Addr, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("wraithnet: dial %s: %w", url, err)
	}
	peer := conn.RemoteAddr().String()
	t.mu.Lock()
	t.conns[peer] = conn
	t.mu.Unlock()
	go t.readLoop(peer, conn)
	return wsAddr(peer), nil
}

func (t *WebSocketTransport) readLoop(peer string, conn *websocket.Conn) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, peer)
		t.mu.Unlock()
		conn.Close()
	}()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		t.handlerMu.RLock()
		h := t.handler
		t.handlerMu.RUnlock()
		if h != nil {
			h(data, wsAddr(peer))
		}
	}
}

// OnPacket registers the callback invoked for every inbound message.
func (t *WebSocketTransport) OnPacket(h PacketHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

// SendTo writes data as a single WebSocket binary message to the
// connection registered for addr.
func (t *WebSocketTransport) SendTo(data []byte, addr net.Addr) error {
	t.mu.RLock()
	conn, ok := t.conns[addr.String()]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return fmt.Errorf("wraithnet: transport closed")
	}
	if !ok {
		return fmt.Errorf("wraithnet: no websocket connection for %s", addr)
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// LocalAddr returns the listener's bound address.
func (t *WebSocketTransport) LocalAddr() net.Addr {
	return t.listener.Addr()
}

// Close shuts down the listener and every open connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	conns := make([]*websocket.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return t.listener.Close()
}
