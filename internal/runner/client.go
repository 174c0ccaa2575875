package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

// Version is the runner client version.
const Version = "0.3.0"

// Executor runs the project-facing commands a bare client cannot:
// builds, dev servers, tunnels. Implementations reply through the
// client (Reply, SendEvent) and are free to spawn their own goroutines
// for long work; Execute itself is called from the serial dispatch
// loop and should return quickly.
type Executor interface {
	Execute(ctx context.Context, client *Client, cmd *protocol.Command) error
}

// buildCounter is optionally implemented by an Executor that tracks
// running builds; runner-status reports its count.
type buildCounter interface {
	ActiveBuilds() int
}

// Connection parameters.
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	maxBackoff       = 60 * time.Second
	initialBackoff   = 1 * time.Second
	closeGracePeriod = 5 * time.Second
	commandBuffer    = 100
)

// commandHandler processes one inbound command. Handlers reply with
// events; a returned error becomes an error event correlated to the
// command.
type commandHandler func(ctx context.Context, cmd *protocol.Command) error

// Client maintains the WebSocket connection to the broker and
// dispatches inbound commands. Commands are processed serially in
// arrival order; handlers doing slow work (proxy fetches, tunnel
// dials) spawn internally.
type Client struct {
	cfg      *Config
	log      zerolog.Logger
	executor Executor
	logs     *LogRing
	handlers map[string]commandHandler

	conn     *websocket.Conn
	mu       sync.Mutex
	commands chan *protocol.Command

	// Reconnection
	connected bool
	backoff   time.Duration
	startedAt time.Time

	// Live HMR tunnels into local dev servers.
	hmrMu   sync.Mutex
	tunnels map[string]*hmrTunnel
}

// New creates a runner client. executor may be nil; the five
// execution commands then answer with an error event.
func New(cfg *Config, log zerolog.Logger, executor Executor) *Client {
	logs := NewLogRing(logRingCapacity)
	c := &Client{
		cfg:       cfg,
		log:       log.With().Str("component", "runner").Logger().Hook(ringHook{logs}),
		executor:  executor,
		logs:      logs,
		commands:  make(chan *protocol.Command, commandBuffer),
		backoff:   initialBackoff,
		startedAt: time.Now(),
		tunnels:   make(map[string]*hmrTunnel),
	}
	c.initHandlers()
	return c
}

// Logs returns the log ring fetch-logs serves from. The client's own
// log lines land here through a logger hook; executors can tee build
// output into it as an io.Writer.
func (c *Client) Logs() *LogRing {
	return c.logs
}

// Run connects to the broker and maintains the connection. It blocks
// until the context is cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.dispatchLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("context cancelled, stopping")
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.log.Error().Err(err).Dur("backoff", c.backoff).Msg("connection failed, retrying")
			c.waitBackoff(ctx)
			continue
		}

		// Connected - reset backoff
		c.backoff = initialBackoff

		// Read commands until disconnect
		c.readLoop(ctx)

		// Disconnected - wait before reconnecting
		c.waitBackoff(ctx)
	}
}

// dialURL builds the runner upgrade URL from the configured base.
func (c *Client) dialURL() string {
	base := strings.TrimSuffix(c.cfg.BrokerURL, "/")
	return base + "/ws/runner?runnerId=" + url.QueryEscape(c.cfg.RunnerID)
}

// connect establishes the WebSocket connection.
func (c *Client) connect(ctx context.Context) error {
	target := c.dialURL()
	c.log.Debug().Str("url", target).Msg("connecting")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			c.log.Error().Msg("broker is rate limiting this address; check the shared secret")
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	// Configure connection
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.pingLoop(ctx)

	c.log.Info().Str("runner_id", c.cfg.RunnerID).Msg("connected to broker")
	return nil
}

// readLoop reads command frames until the connection drops.
func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		// Local tunnels cannot relay without the broker link.
		c.closeAllTunnels(websocket.CloseGoingAway, "broker connection lost")
		c.log.Warn().Msg("disconnected from broker")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				c.log.Error().Msg("broker rejected authentication; check RUNNER_SHARED_SECRET")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			c.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse command")
			continue
		}

		select {
		case c.commands <- cmd:
		default:
			c.log.Warn().Str("type", cmd.Type).Msg("command queue full, dropping command")
		}
	}
}

// dispatchLoop processes commands serially in arrival order. Serial
// dispatch keeps hmr-message relays ordered; handlers with slow work
// spawn internally.
func (c *Client) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.commands:
			if cmd != nil {
				c.dispatch(ctx, cmd)
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, cmd *protocol.Command) {
	if !protocol.IsCommandType(cmd.Type) {
		c.log.Debug().Str("type", cmd.Type).Msg("dropping unknown command type")
		return
	}
	c.log.Debug().Str("type", cmd.Type).Str("command_id", cmd.ID).Msg("received command")

	// Continue the command's trace through the handler.
	ctx = cmd.Trace.Context(ctx)

	handler := c.handlers[cmd.Type]
	if handler == nil {
		c.ReplyError(cmd, "unsupported", "no handler for "+cmd.Type)
		return
	}
	if err := handler(ctx, cmd); err != nil {
		c.log.Error().Err(err).Str("type", cmd.Type).Msg("command failed")
		c.ReplyError(cmd, "command-failed", err.Error())
	}
}

// pingLoop sends periodic pings.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			connected := c.connected
			c.mu.Unlock()

			if !connected || conn == nil {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// waitBackoff waits for the current backoff duration.
func (c *Client) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	// Exponential backoff
	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
}

// SendEvent writes one event frame to the broker.
func (c *Client) SendEvent(evt *protocol.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return websocket.ErrCloseSent
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Reply emits an event correlated to a command: it carries the
// command's id, project, and trace so the broker can route and the app
// can continue the trace.
func (c *Client) Reply(cmd *protocol.Command, eventType string, payload any) error {
	evt, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	evt.CommandID = cmd.ID
	evt.ProjectID = cmd.ProjectID
	evt.Trace = cmd.Trace
	return c.SendEvent(evt)
}

// ReplyError answers a command with an error event.
func (c *Client) ReplyError(cmd *protocol.Command, code, message string) {
	if err := c.Reply(cmd, protocol.EventError, protocol.ErrorPayload{
		Error: message,
		Code:  code,
	}); err != nil {
		c.log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to send error event")
	}
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close closes the connection gracefully.
func (c *Client) Close() error {
	c.closeAllTunnels(websocket.CloseGoingAway, "runner shutting down")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	deadline := time.Now().Add(closeGracePeriod)
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		deadline,
	)
	if err != nil {
		c.conn.Close()
		return err
	}

	// Wait briefly for close acknowledgment
	time.Sleep(100 * time.Millisecond)
	return c.conn.Close()
}
