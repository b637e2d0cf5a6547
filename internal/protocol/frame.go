// Package protocol implements the length-prefixed framing shared by the
// acquirer and its terminals, plus the client-side session that pairs each
// request with its response.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ============================================================================
// FRAME LAYOUT
// ============================================================================
//
//	+--------+--------+---------------------+
//	| len hi | len lo | payload (len bytes) |
//	+--------+--------+---------------------+
//
// The prefix is an unsigned big-endian uint16, so a frame never carries more
// than 65535 payload bytes. There is no fragmentation.

const (
	// PrefixSize is the length prefix width in bytes.
	PrefixSize = 2

	// MaxPayloadSize is the largest payload a frame can carry.
	MaxPayloadSize = 0xFFFF
)

var (
	// ErrFrameTooLarge is returned when a payload does not fit the prefix.
	ErrFrameTooLarge = errors.New("protocol: payload exceeds 65535 bytes")

	// ErrConnectionClosed signals end-of-stream or a peer reset. It is a
	// connection lifecycle event, never a malformed frame.
	ErrConnectionClosed = errors.New("protocol: connection closed")
)

// EncodeFrame returns prefix+payload as one buffer.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, PrefixSize+len(payload))
	binary.BigEndian.PutUint16(buf[:PrefixSize], uint16(len(payload)))
	copy(buf[PrefixSize:], payload)
	return buf, nil
}

// WriteFrame writes one frame with a single Write call. Nothing is written
// when the payload is oversized.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return classifyIOError(err)
	}
	return nil
}

// ReadFrame blocks until a whole frame is available and returns its payload.
// A stream that ends before or inside a frame yields ErrConnectionClosed.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [PrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, classifyIOError(err)
	}

	payload := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, classifyIOError(err)
	}
	return payload, nil
}

// IsDisconnect reports whether err means the peer is gone.
func IsDisconnect(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}

func classifyIOError(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return err
}
