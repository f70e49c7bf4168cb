// Command wraithd is a minimal reference binary wiring identity,
// handshake, session, and the UDP transport together: enough to open a
// session to a peer, push a file across a stream, or listen and receive
// one.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/wraith-project/wraith/internal/config"
	"github.com/wraith-project/wraith/internal/identity"
	"github.com/wraith-project/wraith/internal/session"
	"github.com/wraith-project/wraith/internal/wraithnet"
)

var version = "dev"

func main() {
	var (
		identityPath = flag.String("identity", "/etc/wraith/identity.key", "path to identity key file")
		passphrase   = flag.String("passphrase", "", "passphrase protecting the identity key file")
		listenPort   = flag.Int("port", 0, "UDP listen port (0 for any free port)")
		dial         = flag.String("dial", "", "peer address to connect to, host:port")
		sendPath     = flag.String("send", "", "file to transmit once connected to -dial")
		recvDir      = flag.String("recv-dir", ".", "directory to write received files into")
		mimicry      = flag.String("mimicry", "none", "obfuscation mimicry mode: none, websocket")
		logLevel     = flag.String("log-level", "info", "log level: debug, info, warn, error")
		showVersion  = flag.Bool("version", false, "show version and exit")
		showIdentity = flag.Bool("show-identity", false, "show identity and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("wraithd %s\n", version)
		os.Exit(0)
	}

	var level slog.Level
	switch strings.ToLower(*logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	id, err := identity.LoadOrGenerate(*identityPath, *passphrase)
	if err != nil {
		log.Error("load or generate identity failed", "err", err)
		os.Exit(1)
	}

	if *showIdentity {
		fmt.Printf("Address:    %s\n", id.Address)
		fmt.Printf("Public Key: %s\n", id.PublicKeyHex())
		os.Exit(0)
	}

	cfg := config.DefaultSessionConfig()
	cfg.ListenAddr = fmt.Sprintf("0.0.0.0:%d", *listenPort)
	if *mimicry == "websocket" {
		cfg.Obfuscation.Mimicry = config.MimicryWebSocket
	}

	var transport wraithnet.PacketConn
	switch cfg.Obfuscation.Mimicry {
	case config.MimicryWebSocket:
		t, err := wraithnet.NewWebSocketTransport(fmt.Sprintf(":%d", *listenPort), "/wraith", log)
		if err != nil {
			log.Error("start websocket transport failed", "err", err)
			os.Exit(1)
		}
		transport = t
	default:
		t, err := wraithnet.NewUDPTransport(*listenPort, log)
		if err != nil {
			log.Error("start udp transport failed", "err", err)
			os.Exit(1)
		}
		log.Info("listening", "port", t.Port(), "address", id.Address)
		transport = t
	}

	listener := session.NewListener(transport, id.StaticX25519Priv, id.StaticX25519Pub, cfg, log)
	if pt, ok := transport.(interface {
		OnPacket(wraithnet.PacketHandler)
	}); ok {
		pt.OnPacket(listener.HandlePacket)
	}

	if *dial != "" {
		if err := runSend(listener, *dial, *sendPath, log); err != nil {
			log.Error("send failed", "err", err)
			os.Exit(1)
		}
		return
	}

	runReceive(listener, *recvDir, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)
	listener.Close()
}

// runSend resolves target, opens a session and a stream, and transmits
// the file at path in chunks, sending FIN once the file reaches EOF. It
// does not wait for the peer to acknowledge the data.
func runSend(l *session.Listener, target, path string, log *slog.Logger) error {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", target, err)
	}

	sess, err := l.OpenSession(addr)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for sess.State() != session.StateEstablished {
		if time.Now().After(deadline) {
			return fmt.Errorf("handshake timed out")
		}
		time.Sleep(20 * time.Millisecond)
	}
	log.Info("session established", "peer", target)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	st, err := sess.OpenStream()
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	buf := make([]byte, 16*1024)
	for {
		n, readErr := f.Read(buf)
		isEOF := readErr == io.EOF
		if n > 0 || isEOF {
			if _, err := sess.Write(st.ID(), buf[:n], isEOF); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		if isEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read %s: %w", path, readErr)
		}
	}
	log.Info("file sent", "path", path, "stream", st.ID())
	return nil
}

// runReceive registers nothing beyond the listener itself: inbound
// streams are implicitly created by streamFor on first DATA frame, and
// this loop simply drains every session's streams to disk as they
// appear. A production receiver would track session/stream lifecycle
// events explicitly; this polls for simplicity.
func runReceive(l *session.Listener, dir string, log *slog.Logger) {
	go func() {
		drained := make(map[[8]byte]map[uint16]bool)
		for {
			time.Sleep(200 * time.Millisecond)
			for _, cid := range l.Index().CIDs() {
				sess := l.Index().Lookup(cid)
				if sess == nil {
					continue
				}
				if sess.State() != session.StateEstablished {
					continue
				}
				if drained[cid] == nil {
					drained[cid] = make(map[uint16]bool)
				}
				for _, id := range sess.StreamIDs() {
					if drained[cid][id] {
						continue
					}
					drained[cid][id] = true
					go receiveStream(sess, id, dir, log)
				}
			}
		}
	}()
}

func receiveStream(sess *session.Session, id uint16, dir string, log *slog.Logger) {
	outPath := filepath.Join(dir, fmt.Sprintf("wraith-recv-%x-%d.bin", sess.CID(), id))
	out, err := os.Create(outPath)
	if err != nil {
		log.Error("create output file failed", "err", err, "path", outPath)
		return
	}
	defer out.Close()

	buf := make([]byte, 16*1024)
	for {
		n, err := sess.Read(id, buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				log.Error("write output file failed", "err", werr, "path", outPath)
				return
			}
		}
		if session.EndOfStream(err) {
			log.Info("received file", "path", outPath)
			return
		}
		if err != nil {
			log.Error("stream read failed", "err", err)
			return
		}
	}
}
