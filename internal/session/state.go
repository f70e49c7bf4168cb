package session

import "fmt"

// State is a session's lifecycle state. States and stream states are
// closed sets; dispatch on them with a switch, never via interface
// polymorphism, so the compiler enforces coverage.
type State int

const (
	// StateInitial: handshake engine primed, no frames accepted besides
	// HANDSHAKE.
	StateInitial State = iota
	// StateHandshaking: the three-message Noise_XX exchange is in progress.
	StateHandshaking
	// StateEstablished: application frames permitted, ratchet live.
	StateEstablished
	// StateRekeying: an in-band DH ratchet is in progress; both sides
	// continue sending on the old chain until the new one is confirmed.
	StateRekeying
	// StateClosing: CLOSE sent or received; only drain ACKs accepted.
	StateClosing
	// StateClosed: all state zeroed, terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateRekeying:
		return "rekeying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StreamState is a stream's lifecycle state.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
	StreamReset
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamOpen:
		return "open"
	case StreamHalfClosedLocal:
		return "half_closed_local"
	case StreamHalfClosedRemote:
		return "half_closed_remote"
	case StreamClosed:
		return "closed"
	case StreamReset:
		return "reset"
	default:
		return fmt.Sprintf("stream_state(%d)", int(s))
	}
}
