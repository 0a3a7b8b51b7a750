package channel

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxMessageSize bounds a single framed message in either direction.
const MaxMessageSize = 10 * 1024 * 1024 // 10 MiB

// MessageConn is a reliable, ordered, message-oriented transport underneath a
// secure channel. Implementations must preserve message boundaries and
// delivery order. The node layer provides a WebSocket implementation;
// StreamConn adapts any net.Conn.
type MessageConn interface {
	// ReadMessage blocks until the next whole message arrives.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one whole message. Safe for one writer at a time.
	WriteMessage(data []byte) error
	// SetReadDeadline bounds subsequent ReadMessage calls. A zero time
	// clears the deadline.
	SetReadDeadline(t time.Time) error
	Close() error
}

// StreamConn frames messages over a byte stream with a 4-byte big-endian
// length prefix.
type StreamConn struct {
	conn net.Conn
}

// NewStreamConn wraps a net.Conn in length-delimited framing.
func NewStreamConn(conn net.Conn) *StreamConn {
	return &StreamConn{conn: conn}
}

func (s *StreamConn) ReadMessage() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d limit", n, MaxMessageSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *StreamConn) WriteMessage(data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("frame of %d bytes exceeds %d limit", len(data), MaxMessageSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := s.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := s.conn.Write(data)
	return err
}

func (s *StreamConn) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *StreamConn) Close() error {
	return s.conn.Close()
}
