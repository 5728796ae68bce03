// Package transfer reassembles files sent as base64 chunks over a chat
// connection.
package transfer

import (
	"context"
	"encoding/base64"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/relaychat/internal/chat"
	"github.com/omochice/relaychat/pkg/logger"
	"github.com/omochice/relaychat/pkg/protocol"
)

// DefaultMaxFileSize caps declared and received transfer sizes.
const DefaultMaxFileSize int64 = 100 << 20

// State is the lifecycle position of a transfer. A completed transfer is
// removed, so there is no terminal state to store.
type State int

const (
	StateCreated State = iota
	StateReceiving
	// StateFinalizing marks a transfer whose file is being written.
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReceiving:
		return "receiving"
	case StateFinalizing:
		return "finalizing"
	}
	return "unknown"
}

// FileWriter persists a reassembled file and returns where it was stored.
type FileWriter interface {
	WriteFile(transferID, filename string, data []byte) (string, error)
}

type transfer struct {
	id         string
	ownerConn  string
	sender     string
	receiver   string
	filename   string
	size       int64
	chunks     map[int][]byte
	received   int64
	state      State
	lastActive time.Time
}

// Manager tracks open transfers. It is safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	transfers map[string]*transfer

	registry *chat.Registry
	store    chat.MessageStore
	files    FileWriter
	maxSize  int64

	now   func() time.Time
	newID func() string
}

// NewManager creates a Manager. maxSize <= 0 selects DefaultMaxFileSize.
func NewManager(registry *chat.Registry, store chat.MessageStore, files FileWriter, maxSize int64) *Manager {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &Manager{
		transfers: make(map[string]*transfer),
		registry:  registry,
		store:     store,
		files:     files,
		maxSize:   maxSize,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// HandleFileRequest opens a transfer owned by connID and tells the receiver,
// if one is named and online, that a file is on its way.
func (m *Manager) HandleFileRequest(_ context.Context, connID, sender string, req *protocol.FileRequest) (protocol.Outbound, error) {
	filename := strings.TrimSpace(req.Filename)
	receiver := strings.TrimSpace(req.Receiver)
	if filename == "" {
		return protocol.Outbound{}, chat.Errorf(chat.ErrValidation, "filename must not be empty")
	}
	if req.Size <= 0 {
		return protocol.Outbound{}, chat.Errorf(chat.ErrValidation, "file size must be positive")
	}
	if req.Size > m.maxSize {
		return protocol.Outbound{}, chat.Errorf(chat.ErrValidation, "file size exceeds limit of %d bytes", m.maxSize)
	}

	t := &transfer{
		id:         m.newID(),
		ownerConn:  connID,
		sender:     sender,
		receiver:   receiver,
		filename:   filename,
		size:       req.Size,
		chunks:     make(map[int][]byte),
		state:      StateCreated,
		lastActive: m.now(),
	}
	m.mu.Lock()
	m.transfers[t.id] = t
	m.mu.Unlock()

	logger.InfoCF("transfer", "Transfer opened", map[string]any{
		"transfer_id": t.id,
		"conn_id":     connID,
		"sender":      sender,
		"receiver":    receiver,
		"filename":    filename,
		"size":        req.Size,
	})

	if receiver != "" {
		m.notify(t, protocol.ActionFileIncoming, "")
	}

	return protocol.BuildResponse(protocol.TypeSuccess, true, "file request created", map[string]any{
		"action":      "file_request",
		"transfer_id": t.id,
		"filename":    filename,
		"size":        req.Size,
	}), nil
}

// HandleFileChunk stores one chunk. Only the connection that opened the
// transfer may feed it. A chunk index seen before replaces the earlier chunk.
// When the chunk is the last one the file is assembled in index order,
// written and announced, and the transfer is removed. The file is written
// without holding the manager lock. Any error leaves the transfer as it was
// before the call.
func (m *Manager) HandleFileChunk(ctx context.Context, connID string, req *protocol.FileData) (protocol.Outbound, error) {
	m.mu.Lock()
	t, undo, err := m.storeChunkLocked(connID, req)
	if err != nil {
		m.mu.Unlock()
		return protocol.Outbound{}, err
	}
	if !req.IsLast {
		ack := protocol.BuildResponse(protocol.TypeFileAck, true, "chunk received", map[string]any{
			"action":        "chunk_ack",
			"transfer_id":   t.id,
			"chunk_index":   req.ChunkIndex,
			"received_size": t.received,
		})
		m.mu.Unlock()
		return ack, nil
	}
	t.state = StateFinalizing
	data := assemble(t.chunks)
	m.mu.Unlock()

	path, err := m.files.WriteFile(t.id, t.filename, data)

	m.mu.Lock()
	if err != nil {
		undo()
		m.mu.Unlock()
		logger.ErrorCF("transfer", "Failed to write file", map[string]any{
			"transfer_id": t.id,
			"error":       err.Error(),
		})
		return protocol.Outbound{}, chat.Errorf(chat.ErrStorage, "failed to store file")
	}
	delete(m.transfers, t.id)
	m.mu.Unlock()

	m.finish(ctx, t, path)

	return protocol.BuildResponse(protocol.TypeSuccess, true, "file received", map[string]any{
		"action":      "file_complete",
		"transfer_id": t.id,
		"filename":    t.filename,
		"size":        t.received,
		"file_path":   path,
	}), nil
}

// storeChunkLocked validates req and records its chunk. undo restores the
// transfer to its state before the call and must run under m.mu.
func (m *Manager) storeChunkLocked(connID string, req *protocol.FileData) (*transfer, func(), error) {
	t, ok := m.transfers[req.TransferID]
	if !ok {
		return nil, nil, chat.Errorf(chat.ErrNotFound, "unknown transfer %q", req.TransferID)
	}
	if t.ownerConn != connID {
		logger.WarnCF("transfer", "Chunk from foreign connection", map[string]any{
			"transfer_id": t.id,
			"conn_id":     connID,
			"owner":       t.ownerConn,
		})
		return nil, nil, chat.Errorf(chat.ErrUnauthorized, "not allowed to send data for this transfer")
	}
	if t.state == StateFinalizing {
		return nil, nil, chat.Errorf(chat.ErrBadChunk, "transfer is already being stored")
	}
	if req.ChunkIndex < 0 {
		return nil, nil, chat.Errorf(chat.ErrBadChunk, "chunk index must not be negative")
	}
	if req.Data == "" {
		return nil, nil, chat.Errorf(chat.ErrBadChunk, "chunk data must not be empty")
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return nil, nil, chat.Errorf(chat.ErrBadChunk, "chunk is not valid base64")
	}

	prev, replaced := t.chunks[req.ChunkIndex]
	received := t.received - int64(len(prev)) + int64(len(data))
	if received > m.maxSize {
		return nil, nil, chat.Errorf(chat.ErrBadChunk, "transfer exceeds limit of %d bytes", m.maxSize)
	}

	prevReceived, prevState, prevActive := t.received, t.state, t.lastActive
	undo := func() {
		if replaced {
			t.chunks[req.ChunkIndex] = prev
		} else {
			delete(t.chunks, req.ChunkIndex)
		}
		t.received, t.state, t.lastActive = prevReceived, prevState, prevActive
	}

	t.chunks[req.ChunkIndex] = data
	t.received = received
	t.state = StateReceiving
	t.lastActive = m.now()
	return t, undo, nil
}

func (m *Manager) finish(ctx context.Context, t *transfer, path string) {
	logger.InfoCF("transfer", "Transfer complete", map[string]any{
		"transfer_id": t.id,
		"path":        path,
		"bytes":       t.received,
		"chunks":      len(t.chunks),
	})

	err := m.store.SaveMessage(ctx, chat.ChatMessage{
		Sender:         t.sender,
		Receiver:       t.receiver,
		Body:           "File: " + t.filename,
		Kind:           protocol.KindFile,
		AttachmentPath: path,
		SentAt:         m.now(),
	})
	if err != nil {
		logger.ErrorCF("transfer", "Failed to save file message", map[string]any{
			"transfer_id": t.id,
			"error":       err.Error(),
		})
	}

	if t.receiver != "" {
		m.notify(t, protocol.ActionFileReady, path)
	}
}

func (m *Manager) notify(t *transfer, action, path string) {
	connID, ok := m.registry.ResolveConnection(t.receiver)
	if !ok {
		return
	}
	_ = m.registry.Push(connID, protocol.Outbound{
		Type: protocol.TypeFileRequest,
		Data: protocol.FileNotice{
			Action:     action,
			TransferID: t.id,
			Sender:     t.sender,
			Filename:   t.filename,
			Size:       t.size,
			FilePath:   path,
		},
	})
}

func assemble(chunks map[int][]byte) []byte {
	indices := make([]int, 0, len(chunks))
	size := 0
	for i, c := range chunks {
		indices = append(indices, i)
		size += len(c)
	}
	slices.Sort(indices)

	out := make([]byte, 0, size)
	for _, i := range indices {
		out = append(out, chunks[i]...)
	}
	return out
}

// Abandon drops every transfer opened by connID and returns how many there
// were. A transfer whose file is being written completes on its own. It is called when the connection goes away or logs out.
func (m *Manager) Abandon(connID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, t := range m.transfers {
		if t.ownerConn == connID && t.state != StateFinalizing {
			delete(m.transfers, id)
			n++
		}
	}
	if n > 0 {
		logger.InfoCF("transfer", "Abandoned transfers", map[string]any{
			"conn_id": connID,
			"count":   n,
		})
	}
	return n
}

// Sweep drops transfers idle for longer than ttl and returns how many.
func (m *Manager) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, t := range m.transfers {
		if t.state != StateFinalizing && t.lastActive.Before(cutoff) {
			delete(m.transfers, id)
			n++
			logger.WarnCF("transfer", "Transfer expired", map[string]any{
				"transfer_id": id,
				"conn_id":     t.ownerConn,
				"received":    t.received,
				"state":       t.state.String(),
			})
		}
	}
	return n
}

// Janitor calls Sweep every interval until ctx is done.
func (m *Manager) Janitor(ctx context.Context, ttl, interval time.Duration) error {
	if ttl <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ttl)
		}
	}
}

// Len returns the number of open transfers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transfers)
}

// Progress reports the state and received byte count of an open transfer.
func (m *Manager) Progress(transferID string) (State, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[transferID]
	if !ok {
		return 0, 0, false
	}
	return t.state, t.received, true
}
