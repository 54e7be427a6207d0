package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/omochice/chatroom-session/internal/transport"
)

// Path is where WebSocket clients connect.
const Path = "/ws"

// Server upgrades HTTP requests on Path and hands each connection to a
// transport.Handler. It can also be mounted on another mux as http.Handler.
type Server struct {
	address string
	handler transport.Handler
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	conns    map[*Conn]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a WebSocket server that serves connections with handler.
func New(address string, handler transport.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		handler: handler,
		logger:  logger.With("component", "ws"),
		conns:   make(map[*Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen binds the listening socket. Addr is valid afterwards.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(Path, s)

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{Handler: mux}
	s.mu.Unlock()

	s.logger.Info("WebSocket server started", "address", listener.Addr().String())
	return nil
}

// Serve serves HTTP until Stop is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener, server := s.listener, s.server
	s.mu.Unlock()
	if server == nil {
		return errors.New("websocket server is not listening")
	}

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server error: %w", err)
	}
	return nil
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// ServeHTTP upgrades the request and serves the connection until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrade(w, r)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.logger.Debug("client connected", "remote", conn.RemoteAddr())
	s.handler.Serve(s.ctx, conn)
	s.logger.Debug("client disconnected", "remote", conn.RemoteAddr())
}

// Stop closes the HTTP server and every upgraded connection, then waits for
// the handlers to return.
func (s *Server) Stop() {
	s.mu.Lock()
	s.cancel()
	if s.server != nil {
		_ = s.server.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
