package drowsynet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Framing selects how a connection delimits messages on the byte stream.
type Framing int

const (
	// FramingNone delivers whatever chunk the transport produced to OnRead
	// and writes packets as raw bytes.
	FramingNone Framing = iota
	// FramingLengthPrefixed prefixes every message with a FrameHeaderSize
	// signed length and delivers exactly one message per OnRead.
	FramingLengthPrefixed
)

// Frame layout constants.
const (
	// FrameHeaderSize is the width of the length header in bytes.
	// The header is a little-endian int64; signed so that length checks
	// never mix signed and unsigned arithmetic.
	FrameHeaderSize = 8

	// DefaultMaxFrameSize bounds the accepted body length (64 MiB).
	DefaultMaxFrameSize int64 = 64 << 20
)

// String returns a human-readable representation of the framing mode.
func (f Framing) String() string {
	switch f {
	case FramingNone:
		return "none"
	case FramingLengthPrefixed:
		return "length-prefixed"
	default:
		return "unknown"
	}
}

// UnmarshalText parses "none" or "length-prefixed", so Framing can be
// loaded from environment variables.
func (f *Framing) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "none", "raw":
		*f = FramingNone
	case "length-prefixed", "framed":
		*f = FramingLengthPrefixed
	default:
		return fmt.Errorf("unknown framing %q", text)
	}
	return nil
}

// EncodeFrameHeader writes the header for a body of length n into dst,
// which must be at least FrameHeaderSize bytes long.
func EncodeFrameHeader(dst []byte, n int64) {
	binary.LittleEndian.PutUint64(dst[:FrameHeaderSize], uint64(n))
}

// DecodeFrameHeader parses and validates a header. The body length must
// satisfy 0 < n <= maxSize.
func DecodeFrameHeader(src []byte, maxSize int64) (int64, error) {
	if len(src) < FrameHeaderSize {
		return 0, fmt.Errorf("short frame header: %d bytes", len(src))
	}
	n := int64(binary.LittleEndian.Uint64(src[:FrameHeaderSize]))
	if n <= 0 {
		return n, fmt.Errorf("%w: %d", ErrEmptyFrame, n)
	}
	if n > maxSize {
		return n, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}
	return n, nil
}

// AppendFrame appends header and payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	var hdr [FrameHeaderSize]byte
	EncodeFrameHeader(hdr[:], int64(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// ReadFrame reads one length-prefixed frame from r. It is the blocking
// counterpart of the connection's framed read path, meant for clients.
func ReadFrame(r io.Reader, maxSize int64) ([]byte, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n, err := DecodeFrameHeader(hdr[:], maxSize)
	if err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes one length-prefixed frame to w with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, FrameHeaderSize+len(payload)), payload))
	return err
}
