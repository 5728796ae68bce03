package server

import (
	"context"
	"strings"

	"github.com/omochice/relaychat/internal/chat"
	"github.com/omochice/relaychat/internal/storage"
	"github.com/omochice/relaychat/pkg/logger"
	"github.com/omochice/relaychat/pkg/protocol"
)

func (s *Server) handleRegister(req *protocol.Register) (protocol.Outbound, error) {
	user, err := s.users.Register(req.Username, req.Email, req.Password)
	if err != nil {
		return protocol.Outbound{}, err
	}
	logger.InfoCF("auth", "User registered", map[string]any{
		"username": user.Username,
	})
	return protocol.BuildResponse(protocol.TypeSuccess, true, "registration successful", map[string]any{
		"action":   "register",
		"username": user.Username,
		"email":    user.Email,
	}), nil
}

// handleLogin binds the connection, announces the identity and sends the
// newcomer the current online list ahead of the acknowledgment.
func (s *Server) handleLogin(connID string, req *protocol.Login) (protocol.Outbound, error) {
	if identity, ok := s.registry.Identity(connID); ok {
		return protocol.Outbound{}, chat.Errorf(chat.ErrValidation, "already logged in as %s", identity)
	}
	user, err := s.users.Authenticate(req.Email, req.Password)
	if err != nil {
		return protocol.Outbound{}, err
	}
	if _, err := s.presence.Login(connID, user.Username); err != nil {
		return protocol.Outbound{}, err
	}
	_ = s.registry.Push(connID, protocol.Outbound{
		Type: protocol.TypeOnlineUsers,
		Data: protocol.OnlineUsers{Users: s.registry.Online()},
	})

	logger.InfoCF("auth", "User logged in", map[string]any{
		"conn_id":     connID,
		"username":    user.Username,
		"connections": s.registry.ConnectionCount(user.Username),
	})
	return protocol.BuildResponse(protocol.TypeSuccess, true, "login successful", map[string]any{
		"action":   "login",
		"username": user.Username,
		"email":    user.Email,
	}), nil
}

func (s *Server) handleLogout(connID string) (protocol.Outbound, error) {
	identity, ok := s.presence.Logout(connID)
	if !ok {
		return protocol.Outbound{}, chat.Errorf(chat.ErrValidation, "not logged in")
	}
	s.transfers.Abandon(connID)

	logger.InfoCF("auth", "User logged out", map[string]any{
		"conn_id":  connID,
		"username": identity,
	})
	return protocol.BuildResponse(protocol.TypeSuccess, true, "logout successful", map[string]any{
		"action":   "logout",
		"username": identity,
	}), nil
}

func (s *Server) handleUserList() protocol.Outbound {
	return protocol.BuildResponse(protocol.TypeUserList, true, "online users", map[string]any{
		"users": s.registry.Online(),
	})
}

func (s *Server) handleHistory(ctx context.Context, identity string, req *protocol.History) (protocol.Outbound, error) {
	msgs, err := s.store.History(ctx, storage.Query{
		Identity: identity,
		Peer:     strings.TrimSpace(req.Receiver),
		Limit:    req.Limit,
		Offset:   req.Offset,
	})
	if err != nil {
		logger.ErrorCF("session", "History query failed", map[string]any{
			"identity": identity,
			"error":    err.Error(),
		})
		return protocol.Outbound{}, chat.Errorf(chat.ErrStorage, "history is unavailable")
	}

	entries := make([]protocol.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		e := protocol.HistoryEntry{
			Sender:      m.Sender,
			Receiver:    m.Receiver,
			Message:     m.Body,
			MessageType: m.Kind,
			Timestamp:   m.SentAt.UTC(),
		}
		if m.Kind == protocol.KindFile && m.AttachmentPath != "" {
			if id, name, ok := storage.SplitStoredName(m.AttachmentPath); ok {
				e.FileID, e.Filename = id, name
			}
		}
		entries = append(entries, e)
	}
	return protocol.BuildResponse(protocol.TypeSuccess, true, "history", map[string]any{
		"action":   "history",
		"messages": entries,
	}), nil
}
