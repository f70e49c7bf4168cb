// Package wraitherr defines the protocol core's error taxonomy: a small
// set of typed Kinds per failure domain, each wrapping an optional
// underlying cause. Callers match on Kind via errors.As, never on error
// string content.
package wraitherr

import (
	"errors"
	"fmt"
)

// Domain groups related Kinds, mirroring the six error categories the
// protocol core distinguishes.
type Domain int

const (
	DomainCrypto Domain = iota
	DomainHandshake
	DomainSession
	DomainStream
	DomainFrame
	DomainTransport
)

func (d Domain) String() string {
	switch d {
	case DomainCrypto:
		return "CryptoError"
	case DomainHandshake:
		return "HandshakeError"
	case DomainSession:
		return "SessionError"
	case DomainStream:
		return "StreamError"
	case DomainFrame:
		return "FrameError"
	case DomainTransport:
		return "TransportError"
	default:
		return "UnknownError"
	}
}

// Kind is a specific failure within a Domain.
type Kind int

const (
	// CryptoError kinds.
	InvalidKeySize Kind = iota
	AuthFailure
	LowOrderPoint
	ElligatorExhausted

	// HandshakeError kinds.
	Incomplete
	UnexpectedMessage
	PeerIdentityMismatch
	Timeout

	// SessionError kinds.
	InvalidState
	UnknownCid
	TooManyStreams
	SessionClosed
	MigrationFailed

	// StreamError kinds.
	StreamInvalidState
	FlowControlError
	WindowExhausted
	StreamReset

	// FrameError kinds.
	ShortHeader
	UnknownType
	LengthMismatch
	SkipLimitExceeded

	// TransportError: opaque, not interpreted by the core.
	TransportOpaque
)

var kindNames = map[Kind]string{
	InvalidKeySize:       "InvalidKeySize",
	AuthFailure:          "AuthFailure",
	LowOrderPoint:        "LowOrderPoint",
	ElligatorExhausted:   "ElligatorExhausted",
	Incomplete:           "Incomplete",
	UnexpectedMessage:    "UnexpectedMessage",
	PeerIdentityMismatch: "PeerIdentityMismatch",
	Timeout:              "Timeout",
	InvalidState:         "InvalidState",
	UnknownCid:           "UnknownCid",
	TooManyStreams:       "TooManyStreams",
	SessionClosed:        "Closed",
	MigrationFailed:      "MigrationFailed",
	StreamInvalidState:   "InvalidState",
	FlowControlError:     "FlowControlError",
	WindowExhausted:      "WindowExhausted",
	StreamReset:          "Reset",
	ShortHeader:          "ShortHeader",
	UnknownType:          "UnknownType",
	LengthMismatch:       "LengthMismatch",
	SkipLimitExceeded:    "SkipLimitExceeded",
	TransportOpaque:      "Opaque",
}

var kindDomain = map[Kind]Domain{
	InvalidKeySize:       DomainCrypto,
	AuthFailure:          DomainCrypto,
	LowOrderPoint:        DomainCrypto,
	ElligatorExhausted:   DomainCrypto,
	Incomplete:           DomainHandshake,
	UnexpectedMessage:    DomainHandshake,
	PeerIdentityMismatch: DomainHandshake,
	Timeout:              DomainHandshake,
	InvalidState:         DomainSession,
	UnknownCid:           DomainSession,
	TooManyStreams:       DomainSession,
	SessionClosed:        DomainSession,
	MigrationFailed:      DomainSession,
	StreamInvalidState:   DomainStream,
	FlowControlError:     DomainStream,
	WindowExhausted:      DomainStream,
	StreamReset:          DomainStream,
	ShortHeader:          DomainFrame,
	UnknownType:          DomainFrame,
	LengthMismatch:       DomainFrame,
	SkipLimitExceeded:    DomainFrame,
	TransportOpaque:      DomainTransport,
}

// Error is the core's error type: a Kind plus an optional wrapped cause.
// Its message never includes key material.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s.%s: %s: %v", kindDomain[e.Kind], kindNames[e.Kind], e.Msg, e.cause)
	}
	return fmt.Sprintf("%s.%s: %s", kindDomain[e.Kind], kindNames[e.Kind], e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Domain reports which error domain e's Kind belongs to.
func (e *Error) Domain() Domain { return kindDomain[e.Kind] }

// New builds an Error with no underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error around an underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// WriteError wraps an Error as an application-visible write failure: a
// machine-readable Kind plus a human-readable message. Session.Write
// returns *Error values directly and does not wrap them in WriteError.
type WriteError struct{ *Error }

// ReadError wraps an Error as an application-visible read failure.
// Session.Read and Stream.Read do not wrap their errors in ReadError.
type ReadError struct{ *Error }

// SessionClosedError describes a session closing out from under an
// in-flight operation; Reason is human-readable. Session.Close does not
// produce it: closing resets the session's streams instead.
type SessionClosedError struct {
	Reason string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("%s.%s: %s", DomainSession, kindNames[SessionClosed], e.Reason)
}
