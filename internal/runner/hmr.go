package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/runwire-dev/runwire/internal/protocol"
)

// hmrTunnel is one relayed WebSocket into a local dev server. Frames
// from the dev server go out as hmr-message events; hmr-message
// commands are written to the socket.
type hmrTunnel struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  sync.Once
	// localClose reports whether this end initiated the close; the
	// read pump then skips the hmr-disconnected event.
	localClose atomic.Bool
}

// close shuts the tunnel socket down once. When local is true the
// close was requested from this side and no disconnect event follows.
func (t *hmrTunnel) close(code int, reason string, local bool) {
	t.closed.Do(func() {
		if local {
			t.localClose.Store(true)
		}
		t.writeMu.Lock()
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait),
		)
		t.writeMu.Unlock()
		t.conn.Close()
	})
}

// handleHMRConnect dials the local dev server and starts relaying.
// The dial runs in its own goroutine; the broker holds browser frames
// until hmr-connected arrives, so ordering is preserved.
func (c *Client) handleHMRConnect(ctx context.Context, cmd *protocol.Command) error {
	var req protocol.HMRConnectPayload
	if err := cmd.ParsePayload(&req); err != nil {
		return err
	}
	if req.ConnectionID == "" {
		return fmt.Errorf("hmr-connect missing connectionId")
	}
	if req.Port <= 0 || req.Port > 65535 {
		return fmt.Errorf("invalid hmr port %d", req.Port)
	}

	go c.dialHMR(ctx, cmd, &req)
	return nil
}

func (c *Client) dialHMR(ctx context.Context, cmd *protocol.Command, req *protocol.HMRConnectPayload) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if req.Protocol != "" {
		dialer.Subprotocols = []string{req.Protocol}
	}

	target := fmt.Sprintf("ws://127.0.0.1:%d/", req.Port)
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		c.log.Warn().Err(err).Str("connection_id", req.ConnectionID).Int("port", req.Port).
			Msg("hmr dial failed")
		c.sendHMRError(cmd, req.ConnectionID, fmt.Errorf("dial dev server: %w", err))
		return
	}

	tunnel := &hmrTunnel{id: req.ConnectionID, conn: conn}

	c.hmrMu.Lock()
	if prev, ok := c.tunnels[req.ConnectionID]; ok {
		prev.close(websocket.CloseNormalClosure, "replaced", true)
	}
	c.tunnels[req.ConnectionID] = tunnel
	c.hmrMu.Unlock()

	if err := c.Reply(cmd, protocol.EventHMRConnected, protocol.HMRConnectedPayload{
		ConnectionID: req.ConnectionID,
	}); err != nil {
		c.log.Error().Err(err).Str("connection_id", req.ConnectionID).Msg("failed to confirm hmr connect")
	}
	c.log.Debug().Str("connection_id", req.ConnectionID).Int("port", req.Port).Msg("hmr tunnel open")

	go c.hmrReadPump(cmd, tunnel)
}

// hmrReadPump relays dev server frames to the broker until the socket
// closes, then reports the close unless this side initiated it.
func (c *Client) hmrReadPump(cmd *protocol.Command, tunnel *hmrTunnel) {
	for {
		_, data, err := tunnel.conn.ReadMessage()
		if err != nil {
			c.hmrMu.Lock()
			if c.tunnels[tunnel.id] == tunnel {
				delete(c.tunnels, tunnel.id)
			}
			c.hmrMu.Unlock()

			if tunnel.localClose.Load() {
				return
			}

			code := websocket.CloseAbnormalClosure
			reason := ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			c.log.Debug().Str("connection_id", tunnel.id).Int("code", code).Msg("hmr tunnel closed")
			if err := c.Reply(cmd, protocol.EventHMRDisconnected, protocol.HMRDisconnectedPayload{
				ConnectionID: tunnel.id,
				Code:         code,
				Reason:       reason,
			}); err != nil {
				c.log.Debug().Err(err).Str("connection_id", tunnel.id).Msg("failed to report hmr disconnect")
			}
			return
		}

		if err := c.Reply(cmd, protocol.EventHMRMessage, protocol.HMRMessagePayload{
			ConnectionID: tunnel.id,
			Message:      string(data),
		}); err != nil {
			c.log.Debug().Err(err).Str("connection_id", tunnel.id).Msg("failed to relay hmr frame")
			return
		}
	}
}

// handleHMRMessage writes one browser frame into the tunnel. Frames
// for unknown tunnels are dropped: the browser may still be sending
// while a disconnect is in flight.
func (c *Client) handleHMRMessage(_ context.Context, cmd *protocol.Command) error {
	var req protocol.HMRMessagePayload
	if err := cmd.ParsePayload(&req); err != nil {
		return err
	}

	c.hmrMu.Lock()
	tunnel := c.tunnels[req.ConnectionID]
	c.hmrMu.Unlock()
	if tunnel == nil {
		c.log.Debug().Str("connection_id", req.ConnectionID).Msg("hmr frame for unknown tunnel")
		return nil
	}

	tunnel.writeMu.Lock()
	defer tunnel.writeMu.Unlock()
	tunnel.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return tunnel.conn.WriteMessage(websocket.TextMessage, []byte(req.Message))
}

func (c *Client) handleHMRDisconnect(_ context.Context, cmd *protocol.Command) error {
	var req protocol.HMRDisconnectPayload
	if err := cmd.ParsePayload(&req); err != nil {
		return err
	}

	c.hmrMu.Lock()
	tunnel := c.tunnels[req.ConnectionID]
	delete(c.tunnels, req.ConnectionID)
	c.hmrMu.Unlock()
	if tunnel == nil {
		return nil
	}

	tunnel.close(websocket.CloseNormalClosure, "client disconnected", true)
	c.log.Debug().Str("connection_id", req.ConnectionID).Msg("hmr tunnel closed by client")
	return nil
}

// closeAllTunnels tears down every live tunnel, used on broker
// disconnect and shutdown.
func (c *Client) closeAllTunnels(code int, reason string) {
	c.hmrMu.Lock()
	tunnels := make([]*hmrTunnel, 0, len(c.tunnels))
	for _, t := range c.tunnels {
		tunnels = append(tunnels, t)
	}
	c.tunnels = make(map[string]*hmrTunnel)
	c.hmrMu.Unlock()

	for _, t := range tunnels {
		t.close(code, reason, true)
	}
}

func (c *Client) sendHMRError(cmd *protocol.Command, connectionID string, cause error) {
	if err := c.Reply(cmd, protocol.EventHMRError, protocol.HMRErrorPayload{
		ConnectionID: connectionID,
		Error:        cause.Error(),
	}); err != nil {
		c.log.Error().Err(err).Str("connection_id", connectionID).Msg("failed to send hmr error")
	}
}
