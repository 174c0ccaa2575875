package broker

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
	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

// testConfig returns a config with production defaults; tests override
// the knobs they exercise.
func testConfig() *Config {
	return defaultConfig()
}

// fakeLink is a runnerLink that records sent commands and answers with
// a scripted connectivity state.
type fakeLink struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []sentCommand
	failSend  bool
}

type sentCommand struct {
	runnerID string
	cmd      *protocol.Command
}

func newFakeLink() *fakeLink {
	return &fakeLink{connected: make(map[string]bool)}
}

func (f *fakeLink) setConnected(runnerID string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[runnerID] = up
}

func (f *fakeLink) Send(ctx context.Context, runnerID string, cmd *protocol.Command) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend || !f.connected[runnerID] {
		return false
	}
	f.sent = append(f.sent, sentCommand{runnerID: runnerID, cmd: cmd})
	return true
}

func (f *fakeLink) IsConnected(runnerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[runnerID]
}

func (f *fakeLink) sentCommands() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCommand(nil), f.sent...)
}

func (f *fakeLink) lastSent(t *testing.T) sentCommand {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no command was sent")
	}
	return f.sent[len(f.sent)-1]
}

// wsPair upgrades one WebSocket connection through an httptest server
// and returns both halves. The server half is what the registry or hub
// adopts; the client half plays the remote peer.
func wsPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conns := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side connection")
	}
	t.Cleanup(func() { _ = server.Close() })

	return server, client
}

// readJSON reads one text frame from a client connection with a
// deadline.
func readJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return data
}

// readCloseCode reads frames until the peer closes and returns the
// close code.
func readCloseCode(t *testing.T, conn *websocket.Conn, timeout time.Duration) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr.Code
		}
		t.Fatalf("connection ended without close frame: %v", err)
		return 0
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
