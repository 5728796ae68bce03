package chat

import (
	"context"
	"time"
)

// ChatMessage is what the router hands to the message store.
// An empty Receiver marks a broadcast.
type ChatMessage struct {
	Sender         string
	Receiver       string
	Body           string
	Kind           string
	AttachmentPath string
	SentAt         time.Time
}

// MessageStore persists chat messages. Saves are best effort: the router
// logs a failure and carries on.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg ChatMessage) error
}

// FileSizer answers questions about files already in storage.
type FileSizer interface {
	// Locate returns the stored path of the file uploaded under fileID.
	Locate(fileID string) (string, bool)
	// FileSize returns the size of the file at path.
	FileSize(path string) (int64, bool)
}
