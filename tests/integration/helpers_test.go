// Package integration contains integration tests for the runwire
// broker: real sockets against a real broker over loopback HTTP.
package integration

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
	"github.com/runwire-dev/runwire/internal/broker"
	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

const testSecret = "integration-secret"

// testBroker bundles a running broker with its HTTP server.
type testBroker struct {
	t      *testing.T
	cfg    *broker.Config
	broker *broker.Broker
	server *httptest.Server
}

// testConfig returns a config with short intervals so scenarios finish
// quickly on the real clock.
func testConfig() *broker.Config {
	return &broker.Config{
		ListenAddr:         ":0",
		UseWSProxy:         true,
		BatchDelay:         50 * time.Millisecond,
		HubHeartbeat:       1 * time.Second,
		ClientTimeout:      5 * time.Second,
		RunnerPingInterval: 1 * time.Second,
		StaleSweepInterval: 1 * time.Second,
		RunnerTimeout:      5 * time.Second,
		QueueSweepInterval: 50 * time.Millisecond,
		MaxQueueSize:       100,
		CommandTTL:         5 * time.Second,
		MaxAttempts:        3,
		ProxyTimeout:       5 * time.Second,
		HMRConnectTimeout:  5 * time.Second,
		RateLimitAttempts:  5,
		RateLimitWindow:    time.Minute,
	}
}

// startBroker runs a broker and its HTTP surface for one test.
func startBroker(t *testing.T, mutate func(*broker.Config)) *testBroker {
	t.Helper()
	t.Setenv(broker.EnvSharedSecret, testSecret)

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	log := zerolog.Nop()
	b := broker.New(cfg, log)
	server := httptest.NewServer(broker.NewServer(cfg, log, b).Router())

	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})

	return &testBroker{t: t, cfg: cfg, broker: b, server: server}
}

// wsURL converts the server's base URL to a ws:// URL with the path.
func (tb *testBroker) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(tb.server.URL, "http") + path
}

func (tb *testBroker) httpURL(path string) string {
	return tb.server.URL + path
}

// fakeRunner is a raw runner socket: it authenticates like a runner,
// records every command frame, and lets tests answer with events.
type fakeRunner struct {
	t    *testing.T
	conn *websocket.Conn

	mu          sync.Mutex
	commands    []*protocol.Command
	closed      bool
	closeCode   int
	closeReason string
	writeMu     sync.Mutex
}

// connectRunner dials the runner endpoint with the shared secret.
func connectRunner(t *testing.T, tb *testBroker, runnerID string) *fakeRunner {
	t.Helper()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testSecret)

	conn, _, err := websocket.DefaultDialer.Dial(tb.wsURL("/ws/runner?runnerId="+runnerID), header)
	if err != nil {
		t.Fatalf("runner dial failed: %v", err)
	}

	r := &fakeRunner{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	go r.readLoop()

	// The registry observer fires after registration; wait until the
	// broker reports the socket before returning.
	deadline := time.Now().Add(5 * time.Second)
	for !tb.broker.IsRunnerConnected(runnerID) {
		if time.Now().After(deadline) {
			t.Fatalf("runner %s never registered", runnerID)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return r
}

func (r *fakeRunner) readLoop() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			r.closed = true
			if ce, ok := err.(*websocket.CloseError); ok {
				r.closeCode = ce.Code
				r.closeReason = ce.Text
			}
			r.mu.Unlock()
			return
		}
		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			continue
		}
		r.mu.Lock()
		r.commands = append(r.commands, cmd)
		r.mu.Unlock()
	}
}

// WaitForClose waits for the socket to close and returns the close
// code and reason.
func (r *fakeRunner) WaitForClose(ctx context.Context) (int, string, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, "", ctx.Err()
		case <-ticker.C:
			r.mu.Lock()
			closed, code, reason := r.closed, r.closeCode, r.closeReason
			r.mu.Unlock()
			if closed {
				return code, reason, nil
			}
		}
	}
}

func (r *fakeRunner) commandsOfType(cmdType string) []*protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Command
	for _, cmd := range r.commands {
		if cmd.Type == cmdType {
			out = append(out, cmd)
		}
	}
	return out
}

// WaitForCommand waits for a command of the given type.
func (r *fakeRunner) WaitForCommand(ctx context.Context, cmdType string) (*protocol.Command, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			cmds := r.commandsOfType(cmdType)
			if len(cmds) > 0 {
				return cmds[len(cmds)-1], nil
			}
		}
	}
}

// SendEvent writes one event frame to the broker.
func (r *fakeRunner) SendEvent(evt *protocol.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

// Reply answers a command with a correlated event.
func (r *fakeRunner) Reply(cmd *protocol.Command, eventType string, payload any) error {
	evt, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	evt.CommandID = cmd.ID
	evt.ProjectID = cmd.ProjectID
	return r.SendEvent(evt)
}

func (r *fakeRunner) Close() {
	_ = r.conn.Close()
}

// browserClient is a subscriber socket recording every batch-update.
type browserClient struct {
	t        *testing.T
	conn     *websocket.Conn
	clientID string

	mu      sync.Mutex
	batches []protocol.BatchUpdate
	closed  bool
}

// connectBrowser dials the subscriber endpoint and consumes the
// greeting.
func connectBrowser(t *testing.T, tb *testBroker, projectID, sessionID string) *browserClient {
	t.Helper()

	url := tb.wsURL("/ws")
	sep := "?"
	if projectID != "" {
		url += sep + "projectId=" + projectID
		sep = "&"
	}
	if sessionID != "" {
		url += sep + "sessionId=" + sessionID
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("browser dial failed: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("no greeting: %v", err)
	}
	var greeting protocol.ConnectedMessage
	if err := json.Unmarshal(data, &greeting); err != nil {
		t.Fatalf("bad greeting: %v", err)
	}
	if greeting.Type != protocol.MsgConnected {
		t.Fatalf("expected connected greeting, got %s", greeting.Type)
	}

	b := &browserClient{t: t, conn: conn, clientID: greeting.ClientID}
	t.Cleanup(func() { _ = conn.Close() })
	go b.readLoop()
	return b
}

func (b *browserClient) readLoop() {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			b.closed = true
			b.mu.Unlock()
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}
		if probe.Type != protocol.MsgBatchUpdate {
			continue
		}

		var batch protocol.BatchUpdate
		if err := json.Unmarshal(data, &batch); err != nil {
			continue
		}
		b.mu.Lock()
		b.batches = append(b.batches, batch)
		b.mu.Unlock()
	}
}

func (b *browserClient) allBatches() []protocol.BatchUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.BatchUpdate{}, b.batches...)
}

// WaitForBatch waits until at least n batch-updates have arrived and
// returns them all.
func (b *browserClient) WaitForBatch(ctx context.Context, n int) ([]protocol.BatchUpdate, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			batches := b.allBatches()
			if len(batches) >= n {
				return batches, nil
			}
		}
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustCommand(t *testing.T, cmdType, projectID string, payload any) *protocol.Command {
	t.Helper()
	cmd, err := protocol.NewCommand(cmdType, projectID, payload)
	if err != nil {
		t.Fatalf("build %s command: %v", cmdType, err)
	}
	return cmd
}
