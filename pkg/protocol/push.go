package protocol

import "time"

// Chat message kinds as stored and delivered.
const (
	KindText = "text"
	KindFile = "file"
)

// Delivery scopes carried in the "type" field of a chat delivery.
const (
	ScopePrivate   = "private"
	ScopeBroadcast = "broadcast"
)

// File notice actions.
const (
	ActionFileIncoming = "file_incoming"
	ActionFileReady    = "file_ready"
)

// Attachment describes the file behind a file-kind chat message.
type Attachment struct {
	FileID      string `json:"file_id,omitempty"`
	Filename    string `json:"filename,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	MessageType string `json:"message_type,omitempty"`
}

// FileMessage is the JSON object a client may place in Chat.Message to
// announce an uploaded file.
type FileMessage struct {
	Type     string `json:"type"`
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	FileSize int64  `json:"file_size,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ChatDelivery is the data of PRIVATE_MESSAGE and BROADCAST pushes.
type ChatDelivery struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver,omitempty"`
	Message  string `json:"message"`
	Scope    string `json:"type"`
	Attachment
}

// Presence is the data of user_online and user_offline pushes.
type Presence struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

// OnlineUsers is the data of the online_users push sent after login.
type OnlineUsers struct {
	Users []string `json:"users"`
}

// FileNotice is the data of FILE_REQUEST pushes sent to a transfer's receiver.
type FileNotice struct {
	Action     string `json:"action"`
	TransferID string `json:"transfer_id"`
	Sender     string `json:"sender"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	FilePath   string `json:"file_path,omitempty"`
}

// HistoryEntry is one stored message in a HISTORY reply.
type HistoryEntry struct {
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver,omitempty"`
	Message     string    `json:"message"`
	MessageType string    `json:"message_type"`
	Timestamp   time.Time `json:"timestamp"`
	FileID      string    `json:"file_id,omitempty"`
	Filename    string    `json:"filename,omitempty"`
}
