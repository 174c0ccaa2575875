package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

// fakeExecutor records delegated commands and acks them.
type fakeExecutor struct {
	mu       sync.Mutex
	commands []*protocol.Command
	builds   int
}

func (f *fakeExecutor) Execute(_ context.Context, client *Client, cmd *protocol.Command) error {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	return client.Reply(cmd, protocol.EventAck, nil)
}

func (f *fakeExecutor) ActiveBuilds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func (f *fakeExecutor) received() []*protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Command{}, f.commands...)
}

func TestClientConnects(t *testing.T) {
	broker := newMockBroker(t)
	c := newTestClient(t, broker, nil)

	if !c.IsConnected() {
		t.Error("expected client to report connected")
	}
	if broker.ConnectionCount() != 1 {
		t.Errorf("expected 1 broker connection, got %d", broker.ConnectionCount())
	}
}

func TestClientRejectedWithWrongSecret(t *testing.T) {
	broker := newMockBroker(t)

	cfg := &Config{
		BrokerURL:    broker.URL(),
		RunnerID:     "test-runner",
		Token:        "wrong-secret",
		WorkspaceDir: t.TempDir(),
	}
	c := New(cfg, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	time.Sleep(500 * time.Millisecond)

	if c.IsConnected() {
		t.Error("expected connection to be rejected")
	}
	if broker.ConnectionCount() != 0 {
		t.Errorf("expected no broker connections, got %d", broker.ConnectionCount())
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	broker := newMockBroker(t)
	c := newTestClient(t, broker, nil)

	broker.DropConnections()

	// Initial backoff is one second; allow a little slack.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if c.IsConnected() && broker.ConnectionCount() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client did not reconnect after drop")
		}
		time.Sleep(50 * time.Millisecond)
	}

	// The new socket still answers commands.
	cmd := mustCommand(t, protocol.CmdRunnerHealthCheck, "", nil)
	if err := broker.SendCommand(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}
	if _, err := broker.WaitForEvent(testContext(t), protocol.EventRunnerStatus); err != nil {
		t.Fatalf("no runner-status after reconnect: %v", err)
	}
}

func TestHealthCheckRoundTrip(t *testing.T) {
	broker := newMockBroker(t)
	executor := &fakeExecutor{builds: 2}
	newTestClient(t, broker, executor)

	cmd := mustCommand(t, protocol.CmdRunnerHealthCheck, "", nil)
	if err := broker.SendCommand(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	evt, err := broker.WaitForEvent(testContext(t), protocol.EventRunnerStatus)
	if err != nil {
		t.Fatalf("no runner-status event: %v", err)
	}
	if evt.CommandID != cmd.ID {
		t.Errorf("expected commandId %s, got %s", cmd.ID, evt.CommandID)
	}

	var payload protocol.RunnerStatusPayload
	if err := evt.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.Status != "healthy" {
		t.Errorf("expected status healthy, got %q", payload.Status)
	}
	if payload.Version != Version {
		t.Errorf("expected version %s, got %q", Version, payload.Version)
	}
	if payload.ActiveBuilds != 2 {
		t.Errorf("expected 2 active builds, got %d", payload.ActiveBuilds)
	}
}

func TestFetchLogsRoundTrip(t *testing.T) {
	broker := newMockBroker(t)
	c := newTestClient(t, broker, nil)

	c.Logs().Append("stdout", "build started")
	c.Logs().Append("stderr", "warning: slow disk")
	c.Logs().Append("stdout", "build finished")

	cmd := mustCommand(t, protocol.CmdFetchLogs, "", protocol.FetchLogsPayload{Cursor: 0, Limit: 2})
	if err := broker.SendCommand(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	evt, err := broker.WaitForEvent(testContext(t), protocol.EventLogChunk)
	if err != nil {
		t.Fatalf("no log-chunk event: %v", err)
	}

	var payload protocol.LogChunkPayload
	if err := evt.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if len(payload.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(payload.Lines))
	}
	if payload.Lines[0].Line != "build started" {
		t.Errorf("unexpected first line %q", payload.Lines[0].Line)
	}
	if payload.NextCursor != 3 {
		t.Errorf("expected next cursor 3, got %d", payload.NextCursor)
	}

	// Resume from the cursor.
	cmd = mustCommand(t, protocol.CmdFetchLogs, "", protocol.FetchLogsPayload{Cursor: payload.NextCursor, Limit: 10})
	if err := broker.SendCommand(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	evts, err := broker.WaitForNEvents(testContext(t), protocol.EventLogChunk, 2)
	if err != nil {
		t.Fatalf("no second log-chunk: %v", err)
	}
	if err := evts[1].ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if len(payload.Lines) != 1 || payload.Lines[0].Line != "build finished" {
		t.Errorf("expected final line only, got %+v", payload.Lines)
	}
}

func TestExecutorDelegation(t *testing.T) {
	broker := newMockBroker(t)
	executor := &fakeExecutor{}
	newTestClient(t, broker, executor)

	cmd := mustCommand(t, protocol.CmdStartBuild, "p1", protocol.StartBuildPayload{
		Prompt:      "add a landing page",
		ProjectSlug: "proj",
	})
	if err := broker.SendCommand(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	evt, err := broker.WaitForEvent(testContext(t), protocol.EventAck)
	if err != nil {
		t.Fatalf("executor did not ack: %v", err)
	}
	if evt.CommandID != cmd.ID {
		t.Errorf("expected commandId %s, got %s", cmd.ID, evt.CommandID)
	}

	got := executor.received()
	if len(got) != 1 {
		t.Fatalf("expected 1 delegated command, got %d", len(got))
	}
	if got[0].Type != protocol.CmdStartBuild || got[0].ID != cmd.ID {
		t.Errorf("unexpected delegated command %+v", got[0])
	}
}

func TestExecutionCommandsWithoutExecutor(t *testing.T) {
	broker := newMockBroker(t)
	newTestClient(t, broker, nil)

	types := []string{
		protocol.CmdStartBuild,
		protocol.CmdStartDevServer,
		protocol.CmdStopDevServer,
		protocol.CmdStartTunnel,
		protocol.CmdStopTunnel,
	}

	for i, cmdType := range types {
		cmd := mustCommand(t, cmdType, "p1", nil)
		if err := broker.SendCommand(cmd); err != nil {
			t.Fatalf("send %s: %v", cmdType, err)
		}

		evts, err := broker.WaitForNEvents(testContext(t), protocol.EventError, i+1)
		if err != nil {
			t.Fatalf("no error event for %s: %v", cmdType, err)
		}
		evt := evts[i]
		if evt.CommandID != cmd.ID {
			t.Errorf("%s: expected commandId %s, got %s", cmdType, cmd.ID, evt.CommandID)
		}

		var payload protocol.ErrorPayload
		if err := evt.ParsePayload(&payload); err != nil {
			t.Fatalf("parse payload: %v", err)
		}
		if payload.Code != "no-executor" {
			t.Errorf("%s: expected code no-executor, got %q", cmdType, payload.Code)
		}
	}
}

func TestUnknownCommandDropped(t *testing.T) {
	broker := newMockBroker(t)
	c := newTestClient(t, broker, nil)

	cmd := &protocol.Command{
		Type: "reboot-universe",
		ID:   "cmd-x",
	}
	if err := broker.SendCommand(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if len(broker.Events()) != 0 {
		t.Errorf("unknown command must be dropped silently, got %d events", len(broker.Events()))
	}
	if !c.IsConnected() {
		t.Error("client must stay connected after unknown command")
	}

	// Still serving known commands.
	health := mustCommand(t, protocol.CmdRunnerHealthCheck, "", nil)
	if err := broker.SendCommand(health); err != nil {
		t.Fatalf("send health check: %v", err)
	}
	if _, err := broker.WaitForEvent(testContext(t), protocol.EventRunnerStatus); err != nil {
		t.Fatalf("no runner-status after unknown command: %v", err)
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	broker := newMockBroker(t)
	c := newTestClient(t, broker, nil)

	broker.mu.Lock()
	conn := broker.conns[0]
	broker.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte("this is not json")); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if !c.IsConnected() {
		t.Error("client must survive malformed frames")
	}
}

func TestReplyCarriesTrace(t *testing.T) {
	broker := newMockBroker(t)
	newTestClient(t, broker, nil)

	cmd := mustCommand(t, protocol.CmdRunnerHealthCheck, "", nil)
	cmd.Trace = &protocol.TraceContext{Trace: "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"}
	if err := broker.SendCommand(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	evt, err := broker.WaitForEvent(testContext(t), protocol.EventRunnerStatus)
	if err != nil {
		t.Fatalf("no runner-status event: %v", err)
	}
	if evt.Trace == nil || evt.Trace.Trace != cmd.Trace.Trace {
		t.Errorf("expected reply to carry the command trace, got %+v", evt.Trace)
	}
}
