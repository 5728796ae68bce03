package storage

import (
	"context"
	"sync"

	"github.com/omochice/relaychat/internal/chat"
)

// History limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Query selects a page of history. With Peer set it returns the private
// conversation between Identity and Peer, otherwise broadcast messages.
type Query struct {
	Identity string
	Peer     string
	Limit    int
	Offset   int
}

// Normalize clamps the limit and offset into range.
func (q Query) Normalize() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Store is a message store that can also answer history queries.
type Store interface {
	chat.MessageStore
	History(ctx context.Context, q Query) ([]chat.ChatMessage, error)
	Close() error
}

// messageLog is the in-memory index shared by both stores.
type messageLog struct {
	mu   sync.RWMutex
	msgs []chat.ChatMessage
}

func (l *messageLog) append(msg chat.ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

// query walks newest first.
func (l *messageLog) query(q Query) []chat.ChatMessage {
	q = q.Normalize()

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]chat.ChatMessage, 0, q.Limit)
	skipped := 0
	for i := len(l.msgs) - 1; i >= 0 && len(out) < q.Limit; i-- {
		m := l.msgs[i]
		if !matches(q, m) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, m)
	}
	return out
}

func matches(q Query, m chat.ChatMessage) bool {
	if q.Peer == "" {
		return m.Receiver == ""
	}
	return (m.Sender == q.Identity && m.Receiver == q.Peer) ||
		(m.Sender == q.Peer && m.Receiver == q.Identity)
}

// MemoryStore keeps messages for the life of the process.
type MemoryStore struct {
	log messageLog
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveMessage implements chat.MessageStore.
func (s *MemoryStore) SaveMessage(_ context.Context, msg chat.ChatMessage) error {
	s.log.append(msg)
	return nil
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, q Query) ([]chat.ChatMessage, error) {
	return s.log.query(q), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
