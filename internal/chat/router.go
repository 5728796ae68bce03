package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/omochice/relaychat/pkg/logger"
	"github.com/omochice/relaychat/pkg/protocol"
)

// Router validates chat requests, persists them and delivers them either to
// one identity or to every other connection.
type Router struct {
	registry *Registry
	store    MessageStore
	files    FileSizer
	now      func() time.Time
}

// NewRouter creates a Router. files may be nil, in which case file messages
// are stored without an attachment path.
func NewRouter(registry *Registry, store MessageStore, files FileSizer) *Router {
	return &Router{
		registry: registry,
		store:    store,
		files:    files,
		now:      time.Now,
	}
}

// HandleChat routes one chat request from connID, authenticated as sender.
// The returned acknowledgment is meant for the sender; delivery to the
// receiver and the sender's echo happen as pushes.
func (r *Router) HandleChat(ctx context.Context, connID, sender string, req *protocol.Chat) (protocol.Outbound, error) {
	text := strings.TrimSpace(req.Message)
	receiver := strings.TrimSpace(req.Receiver)
	if text == "" {
		return protocol.Outbound{}, Errorf(ErrValidation, "message must not be empty")
	}

	msg := ChatMessage{
		Sender:   sender,
		Receiver: receiver,
		Body:     text,
		Kind:     protocol.KindText,
		SentAt:   r.now(),
	}
	var att protocol.Attachment
	if fm, ok := parseFileMessage(text); ok {
		msg, att = r.fileMessage(msg, fm)
	}

	if err := r.store.SaveMessage(ctx, msg); err != nil {
		logger.ErrorCF("router", "Failed to save message", map[string]any{
			"sender":   sender,
			"receiver": receiver,
			"error":    err.Error(),
		})
	}

	if receiver != "" {
		return r.sendPrivate(connID, msg, att), nil
	}
	return r.broadcast(connID, msg, att), nil
}

func (r *Router) fileMessage(msg ChatMessage, fm protocol.FileMessage) (ChatMessage, protocol.Attachment) {
	att := protocol.Attachment{
		FileID:      fm.FileID,
		Filename:    fm.Filename,
		FileSize:    fm.FileSize,
		MessageType: protocol.KindFile,
	}

	msg.Kind = protocol.KindFile
	msg.Body = strings.TrimSpace(fm.Message)
	if msg.Body == "" {
		msg.Body = "File: " + fm.Filename
	}

	if r.files != nil && fm.FileID != "" {
		if path, ok := r.files.Locate(fm.FileID); ok {
			msg.AttachmentPath = path
			if att.FileSize <= 0 {
				if size, ok := r.files.FileSize(path); ok {
					att.FileSize = size
				}
			}
		}
	}
	return msg, att
}

func (r *Router) sendPrivate(connID string, msg ChatMessage, att protocol.Attachment) protocol.Outbound {
	out := protocol.Outbound{
		Type: protocol.TypePrivateMessage,
		Data: protocol.ChatDelivery{
			Sender:     msg.Sender,
			Receiver:   msg.Receiver,
			Message:    msg.Body,
			Scope:      protocol.ScopePrivate,
			Attachment: att,
		},
	}

	receiverID, online := r.registry.ResolveConnection(msg.Receiver)
	if online {
		_ = r.registry.Push(receiverID, out)
	}
	if senderID, ok := r.registry.ResolveConnection(msg.Sender); ok && (!online || senderID != receiverID) {
		_ = r.registry.Push(senderID, out)
	}

	logger.DebugCF("router", "Private message routed", map[string]any{
		"conn_id":  connID,
		"sender":   msg.Sender,
		"receiver": msg.Receiver,
		"online":   online,
	})

	extra := ackFields(msg, att)
	extra["receiver"] = msg.Receiver
	extra["receiver_online"] = online
	return protocol.BuildResponse(protocol.TypeSuccess, true, "message sent", extra)
}

func (r *Router) broadcast(connID string, msg ChatMessage, att protocol.Attachment) protocol.Outbound {
	out := protocol.Outbound{
		Type: protocol.TypeBroadcast,
		Data: protocol.ChatDelivery{
			Sender:     msg.Sender,
			Message:    msg.Body,
			Scope:      protocol.ScopeBroadcast,
			Attachment: att,
		},
	}
	delivered := r.registry.Broadcast(out, connID)

	extra := ackFields(msg, att)
	extra["delivered"] = delivered
	return protocol.BuildResponse(protocol.TypeSuccess, true, "message sent", extra)
}

// ackFields echoes the routed text under "message", replacing the status
// line, as chat clients expect.
func ackFields(msg ChatMessage, att protocol.Attachment) map[string]any {
	extra := map[string]any{
		"action":  "chat",
		"message": msg.Body,
	}
	if att.MessageType != "" {
		extra["file_id"] = att.FileID
		extra["filename"] = att.Filename
		extra["file_size"] = att.FileSize
		extra["message_type"] = att.MessageType
	}
	return extra
}

// parseFileMessage reports whether text is a JSON object announcing a file.
func parseFileMessage(text string) (protocol.FileMessage, bool) {
	if !strings.HasPrefix(text, "{") {
		return protocol.FileMessage{}, false
	}
	var fm protocol.FileMessage
	if err := json.Unmarshal([]byte(text), &fm); err != nil {
		return protocol.FileMessage{}, false
	}
	return fm, fm.Type == protocol.KindFile
}
