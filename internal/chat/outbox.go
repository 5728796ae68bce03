package chat

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrOutboxFull reports a peer that is not draining its queue.
	ErrOutboxFull = errors.New("outbox full")
	// ErrOutboxClosed reports a push to a connection that is shutting down.
	ErrOutboxClosed = errors.New("outbox closed")
	// ErrNotConnected reports a push to an unknown connection id.
	ErrNotConnected = errors.New("connection not registered")
)

// DefaultOutboxSize is the queue depth used when none is configured.
const DefaultOutboxSize = 256

// Pusher accepts one encoded frame for delivery to a connection.
type Pusher interface {
	Push(frame []byte) error
}

// Outbox is a bounded per-connection queue drained by a single writer.
// Push never blocks, so a slow peer cannot stall delivery to the others.
type Outbox struct {
	mu     sync.RWMutex
	ch     chan []byte
	closed bool
}

// NewOutbox creates an outbox holding up to size frames.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{ch: make(chan []byte, size)}
}

// Push implements Pusher.
func (o *Outbox) Push(frame []byte) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.ch <- frame:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close stops accepting frames. Frames already queued are still written by Run.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	return len(o.ch)
}

// Run writes queued frames to conn until the outbox is closed and drained,
// or a write fails. A failed write closes the outbox.
func (o *Outbox) Run(ctx context.Context, conn Conn, writeTimeout time.Duration) error {
	for frame := range o.ch {
		if err := o.write(ctx, conn, frame, writeTimeout); err != nil {
			o.Close()
			return err
		}
	}
	return nil
}

func (o *Outbox) write(ctx context.Context, conn Conn, frame []byte, timeout time.Duration) error {
	if timeout <= 0 {
		return conn.Write(ctx, frame)
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(wctx, frame)
}
