package broker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/omochice/chatroom-session/internal/transport"
	"github.com/omochice/chatroom-session/internal/transport/tcp"
	"github.com/omochice/chatroom-session/internal/transport/ws"
)

// Server exposes a transport.Handler to TCP and WebSocket clients.
//
// Without a TCP address both protocols share one port and each connection is
// classified by its first bytes. With a TCP address, WebSocket is served on
// the main address and raw TCP on the other.
type Server struct {
	address    string
	tcpAddress string
	logger     *slog.Logger

	tcp *tcp.Server
	ws  *ws.Server

	mu       sync.Mutex
	listener net.Listener
	pending  map[net.Conn]struct{}
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a Server for handler. tcpAddress may be empty.
func NewServer(address, tcpAddress string, handler transport.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	tcpListen := tcpAddress
	if tcpListen == "" {
		tcpListen = address
	}
	return &Server{
		address:    address,
		tcpAddress: tcpAddress,
		logger:     logger.With("component", "server"),
		tcp:        tcp.New(tcpListen, handler, logger),
		ws:         ws.New(address, handler, logger),
		pending:    make(map[net.Conn]struct{}),
		quit:       make(chan struct{}),
	}
}

// Listen binds the listening sockets.
func (s *Server) Listen() error {
	if s.tcpAddress != "" {
		if err := s.tcp.Listen(); err != nil {
			return err
		}
		if err := s.ws.Listen(); err != nil {
			s.tcp.Stop()
			return err
		}
		return nil
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("server started (TCP and WebSocket)", "address", listener.Addr().String())
	return nil
}

// Serve serves connections until Stop is called.
func (s *Server) Serve() error {
	if s.tcpAddress != "" {
		errs := make(chan error, 2)
		go func() { errs <- s.tcp.Serve() }()
		go func() { errs <- s.ws.Serve() }()
		return errors.Join(<-errs, <-errs)
	}

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("failed to accept connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes the listeners and every connection.
func (s *Server) Stop() {
	s.mu.Lock()
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.pending {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.tcp.Stop()
	s.ws.Stop()
}

// Addr returns the main listening address.
func (s *Server) Addr() string {
	if s.tcpAddress != "" {
		return s.ws.Addr()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// TCPAddr returns the address raw TCP clients connect to.
func (s *Server) TCPAddr() string {
	if s.tcpAddress != "" {
		return s.tcp.Addr()
	}
	return s.Addr()
}

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST"), []byte("PUT "), []byte("HEAD"),
	[]byte("OPTI"), []byte("PATC"), []byte("DELE"), []byte("CONN"),
}

// handleConnection determines whether the connection is HTTP (WebSocket) or
// raw TCP. A TCP frame starts with a varint length followed by a field tag,
// which never spells an HTTP method.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	s.pending[conn] = struct{}{}
	s.mu.Unlock()

	reader := bufio.NewReader(conn)
	prefix, err := reader.Peek(4)

	s.mu.Lock()
	delete(s.pending, conn)
	s.mu.Unlock()
	if err != nil {
		s.logger.Debug("failed to peek connection", "error", err)
		_ = conn.Close()
		return
	}

	for _, method := range httpMethods {
		if bytes.HasPrefix(prefix, method) {
			s.serveHTTP(conn, reader)
			return
		}
	}
	s.tcp.Handle(tcp.NewBufferedConn(conn, reader))
}

func (s *Server) serveHTTP(conn net.Conn, reader *bufio.Reader) {
	mux := http.NewServeMux()
	mux.Handle(ws.Path, s.ws)

	httpServer := &http.Server{Handler: mux}
	_ = httpServer.Serve(&singleConnListener{conn: &bufferedConn{Conn: conn, reader: reader}})
}

// bufferedConn wraps a net.Conn with a bufio.Reader to preserve peeked data.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}

// singleConnListener is a net.Listener that returns a single connection.
type singleConnListener struct {
	conn net.Conn
	once sync.Once
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	var c net.Conn
	l.once.Do(func() {
		c = l.conn
	})
	if c != nil {
		return c, nil
	}
	return nil, io.EOF
}

func (l *singleConnListener) Close() error {
	return nil
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Run serves until ctx is done, then stops the server.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	errs := make(chan error, 1)
	go func() { errs <- s.Serve() }()

	select {
	case <-ctx.Done():
		s.Stop()
		return nil
	case err := <-errs:
		s.Stop()
		return err
	}
}
