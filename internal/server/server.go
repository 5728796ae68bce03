// Package server accepts chat clients on a single port. Raw TCP clients and
// WebSocket clients are told apart by their first bytes and then share the
// same session loop.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/relaychat/internal/auth"
	"github.com/omochice/relaychat/internal/chat"
	"github.com/omochice/relaychat/internal/config"
	"github.com/omochice/relaychat/internal/storage"
	"github.com/omochice/relaychat/internal/transfer"
	"github.com/omochice/relaychat/internal/transport/tcp"
	wstransport "github.com/omochice/relaychat/internal/transport/ws"
	"github.com/omochice/relaychat/pkg/logger"
)

const handshakeTimeout = 10 * time.Second

// Server owns the listener, the shared chat components and every session.
type Server struct {
	cfg       config.Config
	users     *auth.Directory
	store     storage.Store
	files     *storage.DiskFiles
	registry  *chat.Registry
	presence  *chat.Presence
	router    *chat.Router
	transfers *transfer.Manager

	listener net.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	conns    map[string]chat.Conn
	shutdown bool
}

// New wires the chat components around the given collaborators.
func New(cfg config.Config, users *auth.Directory, store storage.Store, files *storage.DiskFiles) *Server {
	cfg = cfg.Sanitize()
	registry := chat.NewRegistry()
	return &Server{
		cfg:       cfg,
		users:     users,
		store:     store,
		files:     files,
		registry:  registry,
		presence:  chat.NewPresence(registry),
		router:    chat.NewRouter(registry, store, files),
		transfers: transfer.NewManager(registry, store, files, cfg.MaxFileBytes),
		conns:     make(map[string]chat.Conn),
	}
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	logger.InfoCF("server", "Server listening", map[string]any{
		"addr":    listener.Addr().String(),
		"ws_path": s.cfg.WSPath,
	})
	return nil
}

// Start listens and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until ctx is done, then closes every session and
// waits for them to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptConnections(gctx)
	})
	g.Go(func() error {
		return s.transfers.Janitor(gctx, s.cfg.TransferTTL, s.cfg.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.listener.Close()
		s.closeAll()
		return nil
	})

	err := g.Wait()
	s.wg.Wait()
	logger.InfoC("server", "Server stopped")
	return err
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.registry.Count()
}

// Transfers exposes the transfer manager for inspection.
func (s *Server) Transfers() *transfer.Manager {
	return s.transfers
}

func (s *Server) acceptConnections(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.WarnCF("server", "Failed to accept connection", map[string]any{
				"error": err.Error(),
			})
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection determines whether the connection is HTTP (WebSocket) or TCP
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	reader := bufio.NewReader(conn)

	proto, err := detectProtocol(reader)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.DebugCF("server", "Failed to peek connection", map[string]any{
				"remote": conn.RemoteAddr().String(),
				"error":  err.Error(),
			})
		}
		conn.Close()
		return
	}

	var chatConn chat.Conn
	transport := "tcp"
	switch proto {
	case protocolHTTP:
		chatConn = s.upgrade(conn, reader)
		if chatConn == nil {
			conn.Close()
			return
		}
		transport = "ws"
	default:
		chatConn = tcp.NewBufferedConn(conn, reader, s.cfg.MaxFrameBytes)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.serveConn(ctx, chatConn, transport)
}

// upgrade completes a WebSocket handshake on the WebSocket path and answers
// anything else with the health page. It returns nil when there is no
// session to run.
func (s *Server) upgrade(conn net.Conn, reader *bufio.Reader) chat.Conn {
	method, path, err := peekRequestLine(reader)
	if err != nil {
		logger.DebugCF("server", "Bad HTTP request", map[string]any{
			"remote": conn.RemoteAddr().String(),
			"error":  err.Error(),
		})
		return nil
	}
	if path != s.cfg.WSPath {
		if err := writeHealth(conn, reader, method); err != nil {
			logger.DebugCF("server", "Failed to write health response", map[string]any{
				"error": err.Error(),
			})
		}
		return nil
	}

	bufConn := &bufferedConn{Conn: conn, reader: reader}
	if _, err := ws.Upgrade(bufConn); err != nil {
		logger.WarnCF("server", "WebSocket upgrade failed", map[string]any{
			"remote": conn.RemoteAddr().String(),
			"error":  err.Error(),
		})
		return nil
	}
	return wstransport.NewServerConn(conn, reader, s.cfg.MaxFrameBytes)
}

// track records a live connection. It reports false once shutdown began.
func (s *Server) track(id string, conn chat.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[id] = conn
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

// closeAll unblocks every session reader.
func (s *Server) closeAll() {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]chat.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
