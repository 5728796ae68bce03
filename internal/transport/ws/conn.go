// Package ws carries frames over a WebSocket connection using gobwas/ws.
//
// A binary message holds one complete length-prefixed frame. A text message
// holds a bare JSON envelope; once a peer speaks text, replies to it are
// sent as bare JSON text as well.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/relaychat/pkg/protocol"
)

// Conn adapts a WebSocket connection to chat.Conn interface.
type Conn struct {
	conn    net.Conn
	r       io.Reader
	w       *lockedWriter
	state   ws.State
	maxSize int
	text    atomic.Bool
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// NewServerConn wraps the server side of an upgraded connection. r holds any
// bytes already buffered from conn and may be nil.
func NewServerConn(conn net.Conn, r io.Reader, maxFrameSize int) *Conn {
	return newConn(conn, r, ws.StateServerSide, maxFrameSize)
}

// NewClientConn wraps the client side of a dialed connection.
func NewClientConn(conn net.Conn, r io.Reader, maxFrameSize int) *Conn {
	return newConn(conn, r, ws.StateClientSide, maxFrameSize)
}

func newConn(conn net.Conn, r io.Reader, state ws.State, maxFrameSize int) *Conn {
	if r == nil {
		r = conn
	}
	if maxFrameSize <= 0 {
		maxFrameSize = protocol.DefaultMaxFrameSize
	}
	return &Conn{
		conn:    conn,
		r:       r,
		w:       &lockedWriter{w: conn},
		state:   state,
		maxSize: maxFrameSize,
	}
}

// Read implements chat.Conn.
// Control frames are answered in place. Text messages are returned framed.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, err
	}

	control := wsutil.ControlFrameHandler(c.w, c.state)
	rd := &wsutil.Reader{
		Source:         c.r,
		State:          c.state,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, normalize(err)
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return nil, normalize(err)
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return nil, normalize(err)
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rd, int64(c.maxSize)+protocol.HeaderSize+1))
		if err != nil {
			return nil, normalize(err)
		}
		if len(data) > c.maxSize+protocol.HeaderSize {
			return nil, fmt.Errorf("%w: message exceeds %d bytes", protocol.ErrFrameTooLarge, c.maxSize)
		}

		if hdr.OpCode == ws.OpText {
			c.text.Store(true)
			return protocol.Frame(data), nil
		}
		c.text.Store(false)
		return data, nil
	}
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, frame []byte) error {
	op := ws.OpBinary
	payload := frame
	if c.text.Load() {
		body, err := protocol.Body(frame)
		if err != nil {
			return err
		}
		op, payload = ws.OpText, body
	}

	if err := c.conn.SetWriteDeadline(deadline(ctx)); err != nil {
		return err
	}
	return wsutil.WriteMessage(c.w, c.state, op, payload)
}

// TextMode reports whether replies are currently sent as text.
func (c *Conn) TextMode() bool {
	return c.text.Load()
}

// Close sends a normal close frame and closes the connection.
func (c *Conn) Close() error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = wsutil.WriteMessage(c.w, c.state, ws.OpClose, body)
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// normalize maps a close frame from the peer to io.EOF.
func normalize(err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return io.EOF
	}
	return err
}

func deadline(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}
