package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxFrameSize bounds a single payload frame. Log chunks are line-oriented
// and small; anything larger indicates a broken or hostile peer.
const MaxFrameSize = 4 << 20

// Message tags. Frame 1 of every message is exactly one of these bytes.
const (
	TagHello       byte = 'E' // worker -> server, on command channel connect
	TagHeartbeat   byte = 'H' // worker -> server, heartbeat ingress
	TagStartJob    byte = 'S' // server -> worker
	TagCancelJob   byte = 'X' // server -> worker
	TagJobStatus   byte = 'J' // worker -> server, command channel response
	TagLogChunk    byte = 'L' // worker -> server, log ingress
	TagLogComplete byte = 'C' // worker -> server, log ingress
)

// Conn frames messages over a stream transport. Each message is two frames,
// a one-byte tag then a JSON payload; each frame is length-prefixed with a
// 4-byte big-endian count. Conn is not safe for concurrent writers.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader
	w  *bufio.Writer
}

// NewConn wraps an accepted or dialed connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc: nc,
		r:  bufio.NewReader(nc),
		w:  bufio.NewWriter(nc),
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// SetReadDeadline bounds the next ReadMessage.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.nc.SetReadDeadline(t) }

// SetWriteDeadline bounds the next WriteMessage.
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.nc.SetWriteDeadline(t) }

func (c *Conn) writeFrame(data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.w.Write(data)
	return err
}

func (c *Conn) readFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteMessage sends one tagged message, flushing the transport.
func (c *Conn) WriteMessage(tag byte, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := c.writeFrame([]byte{tag}); err != nil {
		return err
	}
	if err := c.writeFrame(data); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReadMessage reads one tagged message. The returned payload is the raw JSON
// frame; callers decode it per tag.
func (c *Conn) ReadMessage() (byte, []byte, error) {
	tagFrame, err := c.readFrame()
	if err != nil {
		return 0, nil, err
	}
	if len(tagFrame) != 1 {
		return 0, nil, fmt.Errorf("tag frame of %d bytes, want 1", len(tagFrame))
	}
	payload, err := c.readFrame()
	if err != nil {
		return 0, nil, err
	}
	return tagFrame[0], payload, nil
}

// Decode unmarshals a payload frame into v.
func Decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}
