package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

// HMR connection states.
type hmrStatus int

const (
	hmrConnecting hmrStatus = iota
	hmrConnected
	hmrDisconnected
	hmrErrored
)

// HMRCallbacks observe one tunneled HMR connection. All callbacks are
// optional and fire outside the manager's lock.
type HMRCallbacks struct {
	OnConnected    func()
	OnMessage      func(message string)
	OnDisconnected func(code int, reason string)
	OnError        func(message string)
}

// hmrConn is one tunneled HMR WebSocket. connectionID is assigned by
// the caller and preserved end-to-end so frames from both directions
// correlate.
type hmrConn struct {
	id        string
	runnerID  string
	projectID string
	port      int
	protocol  string
	status    hmrStatus
	callbacks HMRCallbacks
	timer     clockwork.Timer // connect timeout; nil once connected
}

// HMRProxy manages long-lived HMR WebSocket tunnels between browsers
// and dev servers inside runners.
type HMRProxy struct {
	log     zerolog.Logger
	cfg     *Config
	link    runnerLink
	metrics *Metrics
	clock   clockwork.Clock

	mu    sync.Mutex
	conns map[string]*hmrConn
}

// NewHMRProxy creates an empty HMR tunnel manager.
func NewHMRProxy(log zerolog.Logger, cfg *Config, link runnerLink, metrics *Metrics, clock clockwork.Clock) *HMRProxy {
	return &HMRProxy{
		log:     log.With().Str("component", "hmrproxy").Logger(),
		cfg:     cfg,
		link:    link,
		metrics: metrics,
		clock:   clock,
		conns:   make(map[string]*hmrConn),
	}
}

// Connect opens a tunneled WebSocket to the dev server on the runner's
// loopback port. The entry starts in the connecting state; OnError
// fires with "Connection timeout" if the runner does not confirm
// within the configured window.
func (h *HMRProxy) Connect(ctx context.Context, connectionID, runnerID, projectID string, port int, subprotocol string, cb HMRCallbacks) error {
	if connectionID == "" {
		return errors.New("connection id is required")
	}
	if !h.link.IsConnected(runnerID) {
		return ErrRunnerNotConnected
	}

	conn := &hmrConn{
		id:        connectionID,
		runnerID:  runnerID,
		projectID: projectID,
		port:      port,
		protocol:  subprotocol,
		status:    hmrConnecting,
		callbacks: cb,
	}

	h.mu.Lock()
	if _, exists := h.conns[connectionID]; exists {
		h.mu.Unlock()
		return errors.New("connection id already in use")
	}
	h.conns[connectionID] = conn
	conn.timer = h.clock.AfterFunc(h.cfg.HMRConnectTimeout, func() {
		h.connectTimeout(connectionID)
	})
	h.mu.Unlock()

	cmd, err := protocol.NewCommand(protocol.CmdHMRConnect, projectID, protocol.HMRConnectPayload{
		ConnectionID: connectionID,
		Port:         port,
		Protocol:     subprotocol,
	})
	if err != nil {
		h.remove(connectionID, hmrErrored)
		return err
	}
	if !h.link.Send(ctx, runnerID, cmd) {
		h.remove(connectionID, hmrErrored)
		return ErrRunnerNotConnected
	}

	h.log.Debug().
		Str("connection_id", connectionID).
		Str("runner_id", runnerID).
		Int("port", port).
		Msg("hmr connect sent")
	return nil
}

// Send relays one frame from the browser toward the dev server. A
// no-op unless the tunnel is connected; returns whether the frame was
// handed to the runner socket.
func (h *HMRProxy) Send(ctx context.Context, connectionID, message string) bool {
	h.mu.Lock()
	conn, ok := h.conns[connectionID]
	if !ok || conn.status != hmrConnected {
		h.mu.Unlock()
		return false
	}
	runnerID := conn.runnerID
	projectID := conn.projectID
	h.mu.Unlock()

	cmd, err := protocol.NewCommand(protocol.CmdHMRMessage, projectID, protocol.HMRMessagePayload{
		ConnectionID: connectionID,
		Message:      message,
	})
	if err != nil {
		return false
	}
	return h.link.Send(ctx, runnerID, cmd)
}

// Disconnect tears a tunnel down from the browser side: it tells the
// runner to close the loopback socket and removes the entry. The
// caller initiated this, so no callbacks fire.
func (h *HMRProxy) Disconnect(ctx context.Context, connectionID string) {
	conn := h.remove(connectionID, hmrDisconnected)
	if conn == nil {
		return
	}

	cmd, err := protocol.NewCommand(protocol.CmdHMRDisconnect, conn.projectID, protocol.HMRDisconnectPayload{
		ConnectionID: connectionID,
	})
	if err != nil {
		return
	}
	h.link.Send(ctx, conn.runnerID, cmd)
}

// HandleEvent applies one HMR event from a runner to the tunnel table.
func (h *HMRProxy) HandleEvent(evt *protocol.Event) {
	switch evt.Type {
	case protocol.EventHMRConnected:
		var payload protocol.HMRConnectedPayload
		if err := evt.ParsePayload(&payload); err != nil {
			h.log.Warn().Err(err).Msg("bad hmr-connected payload")
			return
		}
		h.markConnected(payload.ConnectionID)

	case protocol.EventHMRMessage:
		var payload protocol.HMRMessagePayload
		if err := evt.ParsePayload(&payload); err != nil {
			h.log.Warn().Err(err).Msg("bad hmr-message payload")
			return
		}
		h.mu.Lock()
		conn, ok := h.conns[payload.ConnectionID]
		var onMessage func(string)
		if ok {
			onMessage = conn.callbacks.OnMessage
		}
		h.mu.Unlock()
		if !ok {
			h.log.Debug().Str("connection_id", payload.ConnectionID).Msg("hmr frame for unknown connection")
			return
		}
		if onMessage != nil {
			onMessage(payload.Message)
		}

	case protocol.EventHMRDisconnected:
		var payload protocol.HMRDisconnectedPayload
		if err := evt.ParsePayload(&payload); err != nil {
			h.log.Warn().Err(err).Msg("bad hmr-disconnected payload")
			return
		}
		conn := h.remove(payload.ConnectionID, hmrDisconnected)
		if conn != nil && conn.callbacks.OnDisconnected != nil {
			conn.callbacks.OnDisconnected(payload.Code, payload.Reason)
		}

	case protocol.EventHMRError:
		var payload protocol.HMRErrorPayload
		if err := evt.ParsePayload(&payload); err != nil {
			h.log.Warn().Err(err).Msg("bad hmr-error payload")
			return
		}
		conn := h.remove(payload.ConnectionID, hmrErrored)
		if conn != nil && conn.callbacks.OnError != nil {
			conn.callbacks.OnError(payload.Error)
		}
	}
}

// markConnected transitions connecting → connected and cancels the
// connect timeout.
func (h *HMRProxy) markConnected(connectionID string) {
	h.mu.Lock()
	conn, ok := h.conns[connectionID]
	if !ok || conn.status != hmrConnecting {
		h.mu.Unlock()
		return
	}
	conn.status = hmrConnected
	if conn.timer != nil {
		conn.timer.Stop()
		conn.timer = nil
	}
	onConnected := conn.callbacks.OnConnected
	h.mu.Unlock()

	h.log.Debug().Str("connection_id", connectionID).Msg("hmr tunnel connected")
	if onConnected != nil {
		onConnected()
	}
}

// connectTimeout fires when no hmr-connected arrived in time. A tunnel
// that connected (or was torn down) in the meantime is left alone.
func (h *HMRProxy) connectTimeout(connectionID string) {
	h.mu.Lock()
	conn, ok := h.conns[connectionID]
	if !ok || conn.status != hmrConnecting {
		h.mu.Unlock()
		return
	}
	conn.status = hmrErrored
	delete(h.conns, connectionID)
	onError := conn.callbacks.OnError
	h.mu.Unlock()

	h.log.Warn().Str("connection_id", connectionID).Msg("hmr connect timed out")
	if onError != nil {
		onError("Connection timeout")
	}
}

// remove deletes an entry, stopping its timer. Returns the removed
// connection, or nil if it was already gone. Terminal transitions are
// atomic: whoever removes the entry owns firing its callbacks.
func (h *HMRProxy) remove(connectionID string, status hmrStatus) *hmrConn {
	h.mu.Lock()
	conn, ok := h.conns[connectionID]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.conns, connectionID)
	conn.status = status
	if conn.timer != nil {
		conn.timer.Stop()
		conn.timer = nil
	}
	h.mu.Unlock()
	return conn
}

// CancelRunner tears down every tunnel through a runner, firing
// OnDisconnected(1001, "Runner disconnected") on each. Called on
// runner disconnect.
func (h *HMRProxy) CancelRunner(runnerID string) {
	h.teardown(func(c *hmrConn) bool { return c.runnerID == runnerID },
		websocket.CloseGoingAway, "Runner disconnected")
}

// Shutdown tears down every tunnel.
func (h *HMRProxy) Shutdown() {
	h.teardown(func(*hmrConn) bool { return true },
		websocket.CloseGoingAway, "Broker shutting down")
}

func (h *HMRProxy) teardown(match func(*hmrConn) bool, code int, reason string) {
	h.mu.Lock()
	var doomed []*hmrConn
	for _, conn := range h.conns {
		if match(conn) {
			doomed = append(doomed, conn)
		}
	}
	for _, conn := range doomed {
		delete(h.conns, conn.id)
		conn.status = hmrDisconnected
		if conn.timer != nil {
			conn.timer.Stop()
			conn.timer = nil
		}
	}
	h.mu.Unlock()

	for _, conn := range doomed {
		if conn.callbacks.OnDisconnected != nil {
			conn.callbacks.OnDisconnected(code, reason)
		}
	}
}

// ConnectionCount returns the number of live tunnels.
func (h *HMRProxy) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
