package session

import (
	"net"
	"time"

	"github.com/wraith-project/wraith/internal/frame"
)

// migrationGracePeriod is how long the old path is retained once a
// MIGRATE challenge has been sent to a new observed address, per spec
// §4.E ("retained for up to 3 seconds or until the first valid frame
// arrives on the new one").
const migrationGracePeriod = 3 * time.Second

// onPossibleMigration begins path validation when a validly authenticated
// frame arrives from an address other than the session's current peer
// address: it sends a MIGRATE challenge to the new address without yet
// switching over.
func (s *Session) onPossibleMigration(from net.Addr) {
	s.mu.Lock()
	if s.migration != nil && addrEqual(s.migration.newAddr, from) {
		s.mu.Unlock()
		return // challenge already outstanding for this address
	}
	oldAddr := s.peerAddr
	s.mu.Unlock()

	challenge, err := randomChallenge()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.migration = &migrationState{
		newAddr:     from,
		challenge:   challenge,
		oldAddrKept: time.Now().Add(migrationGracePeriod),
		oldAddr:     oldAddr,
	}
	s.mu.Unlock()

	hdr := frame.Header{Type: frame.TypeMigrate, Flags: frame.FlagMIG}
	wire, err := s.sealFrame(hdr, challenge[:])
	if err != nil {
		return
	}
	s.transport.SendTo(wire, from)
}

// handleMigrate processes an inbound MIGRATE frame: if it carries a
// challenge we don't recognize as our own, it's the peer's challenge to
// us, and we echo it back sealed under the ratchet from the address it
// arrived on. If it matches an outstanding challenge we issued, it's the
// peer's echo, and migration completes: the peer address updates and
// congestion state resets.
func (s *Session) handleMigrate(hdr frame.Header, payload []byte, from net.Addr) {
	if len(payload) != 8 {
		return
	}
	var got [8]byte
	copy(got[:], payload)

	s.mu.Lock()
	mig := s.migration
	s.mu.Unlock()

	if mig != nil && addrEqual(mig.newAddr, from) && got == mig.challenge {
		// Our own challenge, echoed back: migration confirmed.
		s.mu.Lock()
		s.peerAddr = from
		s.migration = nil
		s.mu.Unlock()
		s.resetCongestionState()
		return
	}

	// This is the peer's challenge to us; echo it back under the ratchet.
	echoHdr := frame.Header{Type: frame.TypeMigrate, Flags: frame.FlagMIG | frame.FlagACK}
	wire, err := s.sealFrame(echoHdr, got[:])
	if err != nil {
		return
	}
	s.transport.SendTo(wire, from)
}

// ExpireMigration abandons an outstanding migration challenge once its
// grace period elapses without a successful echo, leaving the old path in
// force. Callers should invoke this periodically (e.g. from a session
// timer loop); it is a no-op if no migration is outstanding or the grace
// period hasn't elapsed.
func (s *Session) ExpireMigration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migration == nil {
		return
	}
	if time.Now().After(s.migration.oldAddrKept) {
		s.migration = nil
	}
}

// Migrate is the application-initiated path change: the local socket
// address changes and the session should proactively validate the new
// path to the peer rather than waiting for an inbound frame to trigger
// it. This mirrors §6's migrate(session, new_local_addr) API; the actual
// local-socket rebind is the transport's concern, so this just re-primes
// path validation against the peer's last known address.
func (s *Session) Migrate() {
	s.mu.Lock()
	addr := s.peerAddr
	s.mu.Unlock()
	if addr != nil {
		s.onPossibleMigration(addr)
	}
}

// resetCongestionState invokes onMigrationReset, which New wires to the
// session's own congestion.Controller.Reset by default (cwnd and min-RTT
// estimate cleared on a confirmed path change). It's a hook rather than a
// direct call so SetMigrationResetHook can still override it per session.
func (s *Session) resetCongestionState() {
	if s.onMigrationReset != nil {
		s.onMigrationReset()
	}
}
