// Package client is a Go client for the chat server over raw TCP or
// WebSocket.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/omochice/relaychat/internal/chat"
	"github.com/omochice/relaychat/internal/transport/tcp"
	wstransport "github.com/omochice/relaychat/internal/transport/ws"
	"github.com/omochice/relaychat/pkg/protocol"
)

// Transport selects how the client reaches the server.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportWS  Transport = "ws"
)

// DefaultChunkSize is the raw byte size of one FILE_DATA chunk.
const DefaultChunkSize = 64 << 10

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrNotConnected is returned by every send before Connect.
var ErrNotConnected = errors.New("not connected")

// Client represents a chat client
type Client struct {
	address   string
	transport Transport
	wsPath    string

	conn     chat.Conn
	messages chan protocol.Message
	mu       sync.RWMutex
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a new Client instance
func New(address string, transport Transport) *Client {
	return &Client{
		address:   address,
		transport: transport,
		wsPath:    "/ws",
		messages:  make(chan protocol.Message, 64),
		done:      make(chan struct{}),
	}
}

// WithPath sets the WebSocket path and returns the client.
func (c *Client) WithPath(path string) *Client {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	c.wsPath = path
	return c
}

// Connect establishes a connection to the server
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var conn chat.Conn
	switch c.transport {
	case TransportWS:
		raw, br, _, err := ws.Dial(ctx, "ws://"+c.address+c.wsPath)
		if err != nil {
			return fmt.Errorf("failed to connect to server: %w", err)
		}
		var r io.Reader = raw
		if br != nil {
			r = br
		}
		conn = wstransport.NewClientConn(raw, r, 0)
	default:
		var d net.Dialer
		raw, err := d.DialContext(ctx, "tcp", c.address)
		if err != nil {
			return fmt.Errorf("failed to connect to server: %w", err)
		}
		conn = tcp.NewConn(raw, 0)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Start receiving messages
	c.wg.Add(1)
	go c.receiveMessages(conn)

	return nil
}

// Disconnect closes the connection to the server
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}
	close(c.done)
	conn.Close()
	c.wg.Wait()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Messages returns every message the server sends. The channel is closed
// when the connection ends.
func (c *Client) Messages() <-chan protocol.Message {
	return c.messages
}

// Register creates an account.
func (c *Client) Register(username, email, password string) error {
	return c.send(&protocol.Register{Username: username, Email: email, Password: password})
}

// Login authenticates the connection.
func (c *Client) Login(email, password string) error {
	return c.send(&protocol.Login{Email: email, Password: password})
}

// Logout drops the connection's identity.
func (c *Client) Logout() error {
	return c.send(&protocol.Logout{})
}

// Chat sends text to receiver, or to everyone when receiver is empty.
func (c *Client) Chat(text, receiver string) error {
	return c.send(&protocol.Chat{Message: text, Receiver: receiver})
}

// UserList asks for the identities online.
func (c *Client) UserList() error {
	return c.send(&protocol.UserList{})
}

// History asks for stored messages.
func (c *Client) History(receiver string, limit, offset int) error {
	return c.send(&protocol.History{Receiver: receiver, Limit: limit, Offset: offset})
}

// RequestFile opens a transfer. The transfer id arrives in the SUCCESS reply.
func (c *Client) RequestFile(filename string, size int64, receiver string) error {
	return c.send(&protocol.FileRequest{Filename: filename, Size: size, Receiver: receiver})
}

// SendFileData uploads data for an open transfer in chunks of chunkSize
// bytes, marking the final chunk. It returns the number of chunks sent.
func (c *Client) SendFileData(transferID string, data []byte, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(data) == 0 {
		return 0, errors.New("no data to send")
	}

	n := 0
	for start := 0; start < len(data); start += chunkSize {
		end := min(start+chunkSize, len(data))
		err := c.send(&protocol.FileData{
			TransferID: transferID,
			Data:       base64.StdEncoding.EncodeToString(data[start:end]),
			ChunkIndex: n,
			IsLast:     end == len(data),
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (c *Client) send(in protocol.Inbound) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	frame, err := protocol.Request(in)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", in.Type(), err)
	}
	return nil
}

// receiveMessages receives messages from the server
func (c *Client) receiveMessages(conn chat.Conn) {
	defer c.wg.Done()
	defer close(c.messages)

	for {
		frame, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		msg, _, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}
