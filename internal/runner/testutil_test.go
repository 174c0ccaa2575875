package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

// mockBroker simulates the broker's runner endpoint: it upgrades
// authenticated connections, records every event frame, and lets tests
// push command frames to the connected runner.
type mockBroker struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	events []*protocol.Event
	secret string
}

func newMockBroker(t *testing.T) *mockBroker {
	m := &mockBroker{
		t:      t,
		secret: "test-secret",
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWS))
	t.Cleanup(m.Close)
	return m
}

// URL returns the broker base URL in ws form.
func (m *mockBroker) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockBroker) Close() {
	m.mu.Lock()
	for _, conn := range m.conns {
		_ = conn.Close()
	}
	m.conns = nil
	m.mu.Unlock()
	m.server.Close()
}

// Events returns all recorded events.
func (m *mockBroker) Events() []*protocol.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*protocol.Event{}, m.events...)
}

func (m *mockBroker) eventsOfType(eventType string) []*protocol.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*protocol.Event
	for _, evt := range m.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// WaitForEvent waits until an event of the given type has been
// received and returns the latest one.
func (m *mockBroker) WaitForEvent(ctx context.Context, eventType string) (*protocol.Event, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			evts := m.eventsOfType(eventType)
			if len(evts) > 0 {
				return evts[len(evts)-1], nil
			}
		}
	}
}

// WaitForNEvents waits for n events of the given type.
func (m *mockBroker) WaitForNEvents(ctx context.Context, eventType string, n int) ([]*protocol.Event, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			evts := m.eventsOfType(eventType)
			if len(evts) >= n {
				return evts[:n], nil
			}
		}
	}
}

// SendCommand writes a command frame to the connected runner.
func (m *mockBroker) SendCommand(cmd *protocol.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		return websocket.ErrCloseSent
	}
	return m.conns[len(m.conns)-1].WriteMessage(websocket.TextMessage, data)
}

func (m *mockBroker) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// DropConnections closes every runner socket without stopping the
// server, simulating a broker restart.
func (m *mockBroker) DropConnections() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (m *mockBroker) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws/runner" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+m.secret {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.t.Logf("upgrade failed: %v", err)
		return
	}

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	defer func() {
		_ = conn.Close()
		m.mu.Lock()
		for i, c := range m.conns {
			if c == conn {
				m.conns = append(m.conns[:i], m.conns[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		evt, err := protocol.ParseEvent(data)
		if err != nil {
			m.t.Logf("bad event frame: %v", err)
			continue
		}
		m.mu.Lock()
		m.events = append(m.events, evt)
		m.mu.Unlock()
	}
}

// newTestClient connects a runner client to the mock broker and waits
// for the socket to come up.
func newTestClient(t *testing.T, broker *mockBroker, executor Executor) *Client {
	t.Helper()

	cfg := &Config{
		BrokerURL:    broker.URL(),
		RunnerID:     "test-runner",
		Token:        "test-secret",
		WorkspaceDir: t.TempDir(),
		LogLevel:     "debug",
	}

	c := New(cfg, zerolog.Nop(), executor)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = c.Close()
	})

	deadline := time.Now().Add(5 * time.Second)
	for !c.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("runner did not connect to mock broker")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return c
}

func mustCommand(t *testing.T, cmdType, projectID string, payload any) *protocol.Command {
	t.Helper()
	cmd, err := protocol.NewCommand(cmdType, projectID, payload)
	if err != nil {
		t.Fatalf("build %s command: %v", cmdType, err)
	}
	return cmd
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
