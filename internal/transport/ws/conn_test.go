package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/omochice/chatroom-session/internal/transport"
	"github.com/omochice/chatroom-session/internal/transport/ws"
)

func TestConn_ImplementsInterface(t *testing.T) {
	var _ transport.Conn = (*ws.Conn)(nil)
	var _ transport.Conn = (*ws.ClientConn)(nil)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClientConn_Read(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("failed to accept websocket: %v", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		ctx := context.Background()
		if err := c.Write(ctx, websocket.MessageBinary, []byte("test message")); err != nil {
			t.Errorf("failed to write: %v", err)
		}
		_, _, _ = c.Read(ctx)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := ws.Dial(ctx, wsURL(server))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "test message" {
		t.Errorf("Read() = %q, want %q", string(data), "test message")
	}
}

func TestClientConn_Write(t *testing.T) {
	received := make(chan []byte, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("failed to accept websocket: %v", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		typ, data, err := c.Read(context.Background())
		if err != nil {
			t.Errorf("failed to read: %v", err)
			return
		}
		if typ != websocket.MessageBinary {
			t.Errorf("message type = %v, want binary", typ)
		}
		received <- data
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := ws.Dial(ctx, wsURL(server))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Write(ctx, []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Errorf("server received %q, want %q", string(data), "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestClientConn_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if _, err := ws.Dial(ctx, "ws://127.0.0.1:1/ws"); err == nil {
		t.Fatal("expected dial error, got nil")
	}
}

func TestConn_SkipsTextMessages(t *testing.T) {
	got := make(chan []byte, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Upgrade(w, r)
		if err != nil {
			t.Errorf("failed to upgrade: %v", err)
			return
		}
		defer conn.Close()

		data, err := conn.Read(context.Background())
		if err != nil {
			t.Errorf("Read() error = %v", err)
			return
		}
		got <- data
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(server), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	if err := c.Write(ctx, websocket.MessageText, []byte("not a frame")); err != nil {
		t.Fatalf("failed to write text: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageBinary, []byte("frame")); err != nil {
		t.Fatalf("failed to write binary: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != "frame" {
			t.Errorf("Read() = %q, want %q", string(data), "frame")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestConn_RemoteAddr(t *testing.T) {
	addrs := make(chan string, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Upgrade(w, r)
		if err != nil {
			t.Errorf("failed to upgrade: %v", err)
			return
		}
		defer conn.Close()
		addrs <- conn.RemoteAddr()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := ws.Dial(ctx, wsURL(server))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	if addr := <-addrs; addr == "" {
		t.Error("RemoteAddr() returned empty string")
	}
	if conn.RemoteAddr() == "" {
		t.Error("client RemoteAddr() returned empty string")
	}
}
