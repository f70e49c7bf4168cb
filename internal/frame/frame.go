// Package frame implements the WRAITH wire frame: a connection ID used to
// demultiplex before any cryptographic work happens, a fixed-size header
// authenticated as AEAD associated data, a variable AEAD ciphertext, and
// variable post-AEAD padding. Decode is zero-copy: it returns views over
// the caller's buffer rather than allocating.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed WRAITH frame header length in bytes: nonce
// prefix (8) + type (1) + flags (1) + stream ID (2) + sequence (8) + file
// offset (4) + payload length (4) = 28, matching spec §3's "fixed 28-byte
// header" accounting. The connection ID (8 bytes) precedes the header on
// the wire and is read first, un-authenticated, purely to demux to a
// session before any AEAD work begins (spec §4.D's validation order: parse
// → look up by CID → AEAD-open with header as AAD) — CIDSize bytes are
// prepended ahead of HeaderSize bytes in every full frame.
const (
	CIDSize    = 8
	HeaderSize = 28
	// FullHeaderSize is the CID plus the AEAD-covered header, i.e. every
	// byte of a frame that precedes its ciphertext.
	FullHeaderSize = CIDSize + HeaderSize
	// TagSize is the Poly1305 authentication tag appended after the
	// ciphertext.
	TagSize = 16
)

// Type identifies the frame's purpose. Frame types are a closed set;
// dispatch on them with a switch the compiler can check for coverage, never
// via interface-based polymorphism.
type Type uint8

const (
	TypeHandshake    Type = 0x01
	TypeData         Type = 0x02
	TypeACK          Type = 0x03
	TypeWindowUpdate Type = 0x04
	TypeReset        Type = 0x05
	TypePing         Type = 0x06
	TypeMigrate      Type = 0x07
	TypeClose        Type = 0x08
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeData:
		return "DATA"
	case TypeACK:
		return "ACK"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	case TypeReset:
		return "RESET"
	case TypePing:
		return "PING"
	case TypeMigrate:
		return "MIGRATE"
	case TypeClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// IsKnown reports whether t is one of the eight defined frame types.
func (t Type) IsKnown() bool {
	switch t {
	case TypeHandshake, TypeData, TypeACK, TypeWindowUpdate, TypeReset, TypePing, TypeMigrate, TypeClose:
		return true
	default:
		return false
	}
}

// Flags is a bitmask of per-frame control flags.
type Flags uint8

const (
	FlagSYN Flags = 0x01
	FlagFIN Flags = 0x02
	FlagACK Flags = 0x04
	FlagPSH Flags = 0x08
	FlagRST Flags = 0x10
	FlagMIG Flags = 0x20
)

// Has reports whether bit is set in f.
func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Errors returned by frame parsing, mapping onto the FrameError kinds:
// ShortHeader, UnknownType, LengthMismatch.
var (
	ErrShortHeader    = errors.New("frame: buffer shorter than header")
	ErrUnknownType    = errors.New("frame: unknown frame type")
	ErrLengthMismatch = errors.New("frame: payload length field doesn't match buffer")
)

// Header is the 28-byte AEAD-associated-data portion of a WRAITH frame (the
// connection ID that precedes it on the wire is parsed separately — see
// ParseCID — since it must be read before a session, and therefore a
// ratchet, is even known).
type Header struct {
	NoncePrefix [8]byte
	Type        Type
	Flags       Flags
	StreamID    uint16
	Sequence    uint64
	FileOffset  uint32
	PayloadLen  uint32
}

// Encode writes the header into buf, which must be at least HeaderSize
// bytes long.
func (h *Header) Encode(buf []byte) {
	_ = buf[:HeaderSize] // bounds check hint
	copy(buf[0:8], h.NoncePrefix[:])
	buf[8] = uint8(h.Type)
	buf[9] = uint8(h.Flags)
	binary.BigEndian.PutUint16(buf[10:12], h.StreamID)
	binary.BigEndian.PutUint64(buf[12:20], h.Sequence)
	binary.BigEndian.PutUint32(buf[20:24], h.FileOffset)
	binary.BigEndian.PutUint32(buf[24:28], h.PayloadLen)
}

// Bytes returns the header's wire encoding as a freshly allocated slice.
// Use Encode directly on the hot path to avoid this allocation.
func (h *Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)
	h.Encode(buf)
	return buf
}

// DecodeHeader parses a Header from buf without trusting any field beyond
// structural bounds; callers must separately validate Type (IsKnown) and
// PayloadLen against the remaining buffer length.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	var h Header
	copy(h.NoncePrefix[:], buf[0:8])
	h.Type = Type(buf[8])
	h.Flags = Flags(buf[9])
	h.StreamID = binary.BigEndian.Uint16(buf[10:12])
	h.Sequence = binary.BigEndian.Uint64(buf[12:20])
	h.FileOffset = binary.BigEndian.Uint32(buf[20:24])
	h.PayloadLen = binary.BigEndian.Uint32(buf[24:28])
	return h, nil
}

// ParseCID reads the 8-byte connection ID that precedes the header on the
// wire, the only field read before a session (and thus a ratchet) has been
// looked up.
func ParseCID(buf []byte) ([8]byte, error) {
	var cid [8]byte
	if len(buf) < CIDSize {
		return cid, ErrShortHeader
	}
	copy(cid[:], buf[:CIDSize])
	return cid, nil
}

// Frame is a fully decoded WRAITH frame: the demux CID, the authenticated
// header, and views over the ciphertext (AEAD output, tag included) and
// trailing padding. Decode never copies payload bytes; Ciphertext and
// Padding alias the input buffer.
type Frame struct {
	CID        [8]byte
	Header     Header
	Ciphertext []byte // includes the trailing 16-byte Poly1305 tag
	Padding    []byte
}

// Decode parses a complete wire frame from buf: CID, header, ciphertext+tag
// (PayloadLen+TagSize bytes), and whatever remains as padding. It validates
// structural bounds and the PayloadLen/buffer-length relationship but does
// not authenticate anything — that happens one layer up, where the AEAD key
// is known.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < FullHeaderSize {
		return Frame{}, ErrShortHeader
	}
	cid, err := ParseCID(buf)
	if err != nil {
		return Frame{}, err
	}
	hdr, err := DecodeHeader(buf[CIDSize:])
	if err != nil {
		return Frame{}, err
	}
	if !hdr.Type.IsKnown() {
		return Frame{}, ErrUnknownType
	}
	ctEnd := FullHeaderSize + int(hdr.PayloadLen) + TagSize
	if ctEnd > len(buf) {
		return Frame{}, ErrLengthMismatch
	}
	return Frame{
		CID:        cid,
		Header:     hdr,
		Ciphertext: buf[FullHeaderSize:ctEnd],
		Padding:    buf[ctEnd:],
	}, nil
}

// Encode serializes a frame: CID, header, ciphertext (tag included), then
// padding. Padding is appended after sealing, outside AEAD coverage, so its
// length need not be authenticated — an observer can strip or alter it
// without affecting the plaintext, which is the point: it exists only to
// obscure the true payload size.
func Encode(cid [8]byte, hdr Header, ciphertext, padding []byte) []byte {
	hdr.PayloadLen = uint32(len(ciphertext)) - TagSize
	buf := make([]byte, 0, FullHeaderSize+len(ciphertext)+len(padding))
	buf = append(buf, cid[:]...)
	hdrBuf := make([]byte, HeaderSize)
	hdr.Encode(hdrBuf)
	buf = append(buf, hdrBuf...)
	buf = append(buf, ciphertext...)
	buf = append(buf, padding...)
	return buf
}
