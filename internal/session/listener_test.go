package session

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/wraith-project/wraith/internal/config"
	"github.com/wraith-project/wraith/internal/primitives"
)

// fakeAddr is a minimal net.Addr for in-process pipe transports.
type fakeAddr string

func (a fakeAddr) Network() string { return "pipe" }
func (a fakeAddr) String() string  { return string(a) }

// pipeTransport delivers every SendTo call directly into a peer Listener's
// HandlePacket, asynchronously on a new goroutine so a handshake's chain
// of replies doesn't recurse through the call stack.
type pipeTransport struct {
	addr net.Addr
	peer *Listener
}

func (p *pipeTransport) SendTo(data []byte, _ net.Addr) error {
	cp := append([]byte(nil), data...)
	go p.peer.HandlePacket(cp, p.addr)
	return nil
}
func (p *pipeTransport) LocalAddr() net.Addr { return p.addr }
func (p *pipeTransport) Close() error        { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSessionConfig() *config.SessionConfig {
	cfg := config.DefaultSessionConfig()
	cfg.InitialStreamWindow = 64 * 1024
	cfg.InitialSessionWindow = 1024 * 1024
	return cfg
}

func waitForState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session did not reach state %v within %v (stuck at %v)", want, timeout, s.State())
}

func buildPeerPair(t *testing.T) (clientListener, serverListener *Listener, clientAddr, serverAddr net.Addr) {
	t.Helper()
	clientPriv, clientPub, err := primitives.GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("generate client static keypair: %v", err)
	}
	serverPriv, serverPub, err := primitives.GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("generate server static keypair: %v", err)
	}

	clientAddr = fakeAddr("client")
	serverAddr = fakeAddr("server")

	clientTransport := &pipeTransport{addr: clientAddr}
	serverTransport := &pipeTransport{addr: serverAddr}

	cfg := testSessionConfig()
	clientListener = NewListener(clientTransport, clientPriv, clientPub, cfg, testLogger())
	serverListener = NewListener(serverTransport, serverPriv, serverPub, cfg, testLogger())

	clientTransport.peer = serverListener
	serverTransport.peer = clientListener
	return clientListener, serverListener, clientAddr, serverAddr
}

func TestListenerDrivesFullHandshakeToEstablished(t *testing.T) {
	clientListener, serverListener, _, serverAddr := buildPeerPair(t)
	defer clientListener.Close()
	defer serverListener.Close()

	clientSess, err := clientListener.OpenSession(serverAddr)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	waitForState(t, clientSess, StateEstablished, 2*time.Second)

	if clientListener.Index().Len() == 0 {
		t.Fatal("client index should register the established session by CID")
	}
	if serverListener.Index().Len() == 0 {
		t.Fatal("server index should register the established session by CID")
	}

	serverCIDs := serverListener.Index().CIDs()
	if len(serverCIDs) != 1 {
		t.Fatalf("server index has %d sessions, want 1", len(serverCIDs))
	}
	serverSess := serverListener.Index().Lookup(serverCIDs[0])
	waitForState(t, serverSess, StateEstablished, 2*time.Second)

	if clientSess.CID() != serverSess.CID() {
		t.Fatalf("CID mismatch: client=%x server=%x", clientSess.CID(), serverSess.CID())
	}
	if clientSess.PeerStaticPublic() == ([32]byte{}) {
		t.Fatal("client never learned server's static public key")
	}
}

func TestSessionDataRoundTripsAfterHandshake(t *testing.T) {
	clientListener, serverListener, _, serverAddr := buildPeerPair(t)
	defer clientListener.Close()
	defer serverListener.Close()

	clientSess, err := clientListener.OpenSession(serverAddr)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	waitForState(t, clientSess, StateEstablished, 2*time.Second)

	serverCIDs := serverListener.Index().CIDs()
	if len(serverCIDs) != 1 {
		t.Fatalf("server has %d sessions, want 1", len(serverCIDs))
	}
	serverSess := serverListener.Index().Lookup(serverCIDs[0])
	waitForState(t, serverSess, StateEstablished, 2*time.Second)

	clientStream, err := clientSess.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	payload := []byte("hello across the wire")
	if _, err := clientSess.Write(clientStream.ID(), payload, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var serverStream *Stream
	for time.Now().Before(deadline) {
		if st, ok := serverSess.Stream(clientStream.ID()); ok {
			serverStream = st
			break
		}
		time.Sleep(time.Millisecond)
	}
	if serverStream == nil {
		t.Fatal("server never observed the client-opened stream")
	}

	buf := make([]byte, len(payload))
	readDone := make(chan struct{})
	var n int
	var readErr error
	go func() {
		n, readErr = io.ReadFull(serverStream, buf)
		close(readDone)
	}()
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading delivered data on the server stream")
	}
	if readErr != nil {
		t.Fatalf("ReadFull: %v", readErr)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("got %q, want %q", buf[:n], payload)
	}
}
