package chat_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omochice/relaychat/internal/chat"
	"github.com/omochice/relaychat/pkg/protocol"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan []byte
	writtenMu  sync.Mutex
	written    [][]byte
	writeErr   error
	closed     bool
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 10),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-m.readCh:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close() error {
	m.closed = true
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) GetWritten() [][]byte {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return m.written
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)

// fakePusher records every frame pushed to it.
type fakePusher struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (f *fakePusher) Push(frame []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

// Messages decodes everything pushed so far.
func (f *fakePusher) Messages(t *testing.T) []protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	msgs := make([]protocol.Message, 0, len(f.frames))
	for _, frame := range f.frames {
		msg, _, err := protocol.Decode(frame)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return msgs
}

func (f *fakePusher) Types(t *testing.T) []protocol.MessageType {
	t.Helper()
	var types []protocol.MessageType
	for _, m := range f.Messages(t) {
		types = append(types, m.Type)
	}
	return types
}

type panicPusher struct{}

func (panicPusher) Push([]byte) error { panic("boom") }

var errPush = errors.New("push failed")
