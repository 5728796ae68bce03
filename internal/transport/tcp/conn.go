// Package tcp carries length-prefixed frames over a raw TCP connection.
package tcp

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/omochice/relaychat/pkg/protocol"
)

// Conn adapts net.Conn to chat.Conn interface.
type Conn struct {
	conn   net.Conn
	frames *protocol.FrameReader
	wmu    sync.Mutex
}

// NewConn wraps a net.Conn. Frames larger than maxFrameSize are rejected.
func NewConn(conn net.Conn, maxFrameSize int) *Conn {
	return NewBufferedConn(conn, conn, maxFrameSize)
}

// NewBufferedConn wraps a net.Conn whose first bytes have already been
// buffered in r, as happens after protocol sniffing.
func NewBufferedConn(conn net.Conn, r io.Reader, maxFrameSize int) *Conn {
	return &Conn{
		conn:   conn,
		frames: protocol.NewFrameReader(r, maxFrameSize),
	}
}

// Read implements chat.Conn.
// Blocks until one whole frame has arrived.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, err
	}
	return c.frames.Next()
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline(ctx)); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func deadline(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}
