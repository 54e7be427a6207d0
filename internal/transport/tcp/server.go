package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/omochice/chatroom-session/internal/transport"
)

// Server accepts TCP connections and hands each one to a transport.Handler.
type Server struct {
	address string
	handler transport.Handler
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a TCP server that serves connections with handler.
func New(address string, handler transport.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		handler: handler,
		logger:  logger.With("component", "tcp"),
		conns:   make(map[*Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen binds the listening socket. Addr is valid afterwards.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("TCP server started", "address", listener.Addr().String())
	return nil
}

// Serve accepts connections until Stop is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("tcp server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("failed to accept TCP connection", "error", err)
			continue
		}
		s.Handle(NewConn(conn))
	}
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Handle serves an already accepted connection as if Serve had accepted it.
func (s *Server) Handle(conn *Conn) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
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
	}()
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return.
func (s *Server) Stop() {
	s.mu.Lock()
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
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
