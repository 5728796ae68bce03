package server

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/google/uuid"

	"github.com/omochice/relaychat/internal/chat"
	"github.com/omochice/relaychat/pkg/logger"
	"github.com/omochice/relaychat/pkg/protocol"
)

// serveConn runs one client session: a writer goroutine drains the outbox
// while this goroutine reads and handles frames strictly in arrival order.
func (s *Server) serveConn(ctx context.Context, conn chat.Conn, transport string) {
	id := transport + "-" + uuid.NewString()
	if !s.track(id, conn) {
		conn.Close()
		return
	}

	outbox := chat.NewOutbox(s.cfg.OutboxSize)
	s.registry.Register(id, outbox)
	logger.InfoCF("session", "Client connected", map[string]any{
		"conn_id": id,
		"remote":  conn.RemoteAddr(),
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := outbox.Run(context.Background(), conn, s.cfg.WriteTimeout); err != nil {
			logger.WarnCF("session", "Write failed, closing connection", map[string]any{
				"conn_id": id,
				"error":   err.Error(),
			})
			conn.Close()
		}
	}()
	defer s.cleanup(id, conn, outbox, writerDone)

	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			s.readFailed(id, err)
			return
		}
		s.handleFrame(ctx, id, frame)
	}
}

func (s *Server) readFailed(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return
	case errors.Is(err, protocol.ErrFrameTooLarge):
		// the stream cannot be resynchronised after an oversized frame
		_ = s.registry.Push(connID, chat.ErrorResponse(chat.Errorf(chat.ErrProtocol, "frame too large")))
	}
	logger.WarnCF("session", "Read failed", map[string]any{
		"conn_id": connID,
		"error":   err.Error(),
	})
}

// cleanup runs once per session, however it ended.
func (s *Server) cleanup(connID string, conn chat.Conn, outbox *chat.Outbox, writerDone <-chan struct{}) {
	identity, _ := s.presence.Disconnect(connID)
	s.transfers.Abandon(connID)

	outbox.Close()
	<-writerDone
	conn.Close()
	s.untrack(connID)

	logger.InfoCF("session", "Client disconnected", map[string]any{
		"conn_id":  connID,
		"identity": identity,
	})
}

// handleFrame decodes and dispatches one frame. Every failure is turned into
// an ERROR reply; the connection stays open.
func (s *Server) handleFrame(ctx context.Context, connID string, frame []byte) {
	var reply protocol.Outbound

	msg, _, err := protocol.Decode(frame)
	if err != nil {
		logger.WarnCF("session", "Malformed frame", map[string]any{
			"conn_id": connID,
			"error":   err.Error(),
		})
		reply = chat.ErrorResponse(chat.Errorf(chat.ErrProtocol, "malformed message"))
	} else {
		reply, err = s.dispatch(ctx, connID, msg)
		if err != nil {
			logger.DebugCF("session", "Request rejected", map[string]any{
				"conn_id": connID,
				"type":    msg.Type.String(),
				"error":   err.Error(),
			})
			reply = chat.ErrorResponse(err)
		}
	}

	if reply.Type != "" {
		_ = s.registry.Push(connID, reply)
	}
}

func (s *Server) dispatch(ctx context.Context, connID string, msg protocol.Message) (protocol.Outbound, error) {
	in, err := protocol.ParseInbound(msg)
	if errors.Is(err, protocol.ErrUnknownType) {
		return protocol.Outbound{}, chat.Errorf(chat.ErrProtocol, "unknown message type: %s", msg.Type)
	}
	if err != nil {
		return protocol.Outbound{}, chat.Errorf(chat.ErrProtocol, "invalid %s payload", msg.Type)
	}

	switch req := in.(type) {
	case *protocol.Register:
		return s.handleRegister(req)
	case *protocol.Login:
		return s.handleLogin(connID, req)
	case *protocol.Logout:
		return s.handleLogout(connID)
	}

	identity, ok := s.registry.Identity(connID)
	if !ok {
		return protocol.Outbound{}, chat.Errorf(chat.ErrUnauthorized, "login required")
	}

	switch req := in.(type) {
	case *protocol.Chat:
		return s.router.HandleChat(ctx, connID, identity, req)
	case *protocol.FileRequest:
		return s.transfers.HandleFileRequest(ctx, connID, identity, req)
	case *protocol.FileData:
		return s.transfers.HandleFileChunk(ctx, connID, req)
	case *protocol.UserList:
		return s.handleUserList(), nil
	case *protocol.History:
		return s.handleHistory(ctx, identity, req)
	}
	return protocol.Outbound{}, chat.Errorf(chat.ErrProtocol, "unsupported message type: %s", msg.Type)
}
