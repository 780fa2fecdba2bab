package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientConfig(server *httptest.Server) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = wsURL(server)
	cfg.BufferSize = 100
	return cfg
}

func TestClient_Connect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}

	// Single use.
	if err := client.Connect(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect after Close error = %v, want ErrAlreadyClosed", err)
	}
}

func TestClient_SendsHandshakeHeaders(t *testing.T) {
	got := make(chan http.Header, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer server.Close()

	cfg := testClientConfig(server)
	cfg.Header = http.Header{"X-Stream-Key": []string{"key-1"}}

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	h := <-got
	if h.Get("X-Stream-Key") != "key-1" {
		t.Errorf("X-Stream-Key = %q, want key-1", h.Get("X-Stream-Key"))
	}
	if h.Get("Accept") != "application/json" {
		t.Errorf("Accept = %q, want application/json", h.Get("Accept"))
	}
}

func TestClient_Send(t *testing.T) {
	var received []byte
	var mu sync.Mutex

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = msg
			mu.Unlock()
		}
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	testMsg := []byte(`{"test": "message"}`)
	if err := client.Send(testMsg); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	// Wait for message to be received
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if string(received) != string(testMsg) {
		t.Errorf("received %q, want %q", received, testMsg)
	}
}

func TestClient_Messages(t *testing.T) {
	testMessages := []string{
		`{"id":"a","category":"prices","payload":{}}`,
		`{"id":"b","category":"prices","payload":{}}`,
		`{"id":"c","category":"prices","payload":{}}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, msg := range testMessages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// Keep connection open
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	var received []string
	timeout := time.After(500 * time.Millisecond)

	for i := 0; i < len(testMessages); i++ {
		select {
		case msg := <-client.Messages():
			received = append(received, string(msg.Data))
			if msg.ReceivedAt.IsZero() {
				t.Error("ReceivedAt should not be zero")
			}
		case <-timeout:
			t.Fatalf("timeout waiting for messages, received %d of %d", len(received), len(testMessages))
		}
	}

	for i, want := range testMessages {
		if received[i] != want {
			t.Errorf("message %d: got %q, want %q", i, received[i], want)
		}
	}
}

func TestClient_ReportsPeerClose(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		wantNormal bool
	}{
		{"normal closure", websocket.CloseNormalClosure, true},
		{"going away", websocket.CloseGoingAway, false},
		{"internal error", websocket.CloseInternalServerErr, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := mockWSServer(t, func(conn *websocket.Conn) {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(tt.code, "bye"),
					time.Now().Add(time.Second))
				time.Sleep(100 * time.Millisecond)
			})
			defer server.Close()

			client := NewClient(testClientConfig(server), nil)
			if err := client.Connect(context.Background()); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}
			defer client.Close()

			select {
			case err := <-client.Errors():
				if isNormalClosure(err) != tt.wantNormal {
					t.Errorf("isNormalClosure(%v) = %v, want %v", err, !tt.wantNormal, tt.wantNormal)
				}
			case <-time.After(time.Second):
				t.Fatal("timeout waiting for close error")
			}
		})
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.URL = "ws://localhost:12345"

	client := NewClient(cfg, nil)

	err := client.Send([]byte("test"))
	if err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_DoubleClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testClientConfig(server), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// First close should succeed
	if err := client.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}

	// Second close should be no-op
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	select {
	case err := <-client.Errors():
		t.Errorf("unexpected error after Close: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDefaultConfigs(t *testing.T) {
	clientCfg := DefaultClientConfig()
	if clientCfg.WriteTimeout != 5*time.Second {
		t.Errorf("WriteTimeout = %v, want 5s", clientCfg.WriteTimeout)
	}
	if clientCfg.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 10s", clientCfg.HandshakeTimeout)
	}

	mgrCfg := DefaultManagerConfig()
	if mgrCfg.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", mgrCfg.ConnectTimeout)
	}
	if mgrCfg.Backoff.MaxAttempts != 5 {
		t.Errorf("Backoff.MaxAttempts = %d, want 5", mgrCfg.Backoff.MaxAttempts)
	}
	if mgrCfg.Heartbeat.Interval != 30*time.Second {
		t.Errorf("Heartbeat.Interval = %v, want 30s", mgrCfg.Heartbeat.Interval)
	}
	if mgrCfg.Heartbeat.MaxMissed != 3 {
		t.Errorf("Heartbeat.MaxMissed = %d, want 3", mgrCfg.Heartbeat.MaxMissed)
	}
}
