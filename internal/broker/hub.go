package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

// State-update batches flush early once they grow past this many
// entries; the flush timer handles everything else.
const maxBatchEntries = 10

// batchKey addresses one pending batch.
type batchKey struct {
	projectID string
	sessionID string
}

// subscriber is one browser WebSocket observing a project. The hub
// owns the socket and closes it on timeout or shutdown; projectID and
// sessionID are guarded by the hub mutex because a subscribe message
// can retarget them mid-connection.
type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	projectID     string
	sessionID     string
	lastHeartbeat time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscriber) close(code int, reason string) {
	s.closeOnce.Do(func() {
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		_ = s.conn.Close()
		close(s.done)
	})
}

// deliver hands a frame to the subscriber's write pump. Batched
// deliveries drop the oldest queued frame when the channel is full;
// immediate deliveries block briefly and mark the subscriber closed
// when it cannot keep up.
func (s *subscriber) deliver(data []byte, block bool) {
	if !block {
		select {
		case s.send <- data:
		default:
			select {
			case <-s.send:
			default:
			}
			select {
			case s.send <- data:
			default:
			}
			s.hub.metrics.ErrorsTotal.WithLabelValues("slow_client").Inc()
		}
		return
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case s.send <- data:
	case <-s.done:
	case <-timer.C:
		s.hub.log.Warn().Str("client_id", s.id).Msg("closing unresponsive subscriber")
		s.hub.metrics.ErrorsTotal.WithLabelValues("slow_client").Inc()
		s.close(0, "")
	}
}

// Hub tracks browser subscriptions and fans runner activity out to
// them. Broadcasts coalesce into per-(project, session) batches that
// flush on a short timer; build-critical broadcasts flush immediately.
type Hub struct {
	log     zerolog.Logger
	cfg     *Config
	metrics *Metrics
	clock   clockwork.Clock

	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	batches map[batchKey][]protocol.BatchEntry
}

// NewHub creates an empty subscriber hub.
func NewHub(log zerolog.Logger, cfg *Config, metrics *Metrics, clock clockwork.Clock) *Hub {
	return &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		cfg:     cfg,
		metrics: metrics,
		clock:   clock,
		subs:    make(map[*subscriber]struct{}),
		batches: make(map[batchKey][]protocol.BatchEntry),
	}
}

// Register adopts an upgraded browser socket, greets it with its
// allocated client id, and starts its pumps.
func (h *Hub) Register(conn *websocket.Conn, projectID, sessionID string) {
	s := &subscriber{
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		hub:           h,
		projectID:     projectID,
		sessionID:     sessionID,
		lastHeartbeat: h.clock.Now(),
		done:          make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()

	h.metrics.ConnectionsTotal.WithLabelValues("client").Inc()
	h.metrics.ClientsConnected.Set(float64(count))

	go s.writePump()
	go s.readPump()

	greeting, err := json.Marshal(protocol.ConnectedMessage{
		Type:      protocol.MsgConnected,
		ClientID:  s.id,
		ProjectID: projectID,
		SessionID: sessionID,
	})
	if err == nil {
		s.deliver(greeting, true)
	}

	h.log.Info().
		Str("client_id", s.id).
		Str("project_id", projectID).
		Str("session_id", sessionID).
		Msg("subscriber connected")
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	if ok {
		delete(h.subs, s)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.ClientsConnected.Set(float64(count))
	h.log.Info().Str("client_id", s.id).Msg("subscriber disconnected")
}

// BroadcastBuildStarted announces a new build. Immediate flush.
func (h *Hub) BroadcastBuildStarted(ctx context.Context, projectID, sessionID, buildID string) {
	h.broadcast(ctx, projectID, sessionID, protocol.BatchBuildStarted,
		protocol.BuildStartedData{BuildID: buildID}, true)
}

// BroadcastTodosUpdate sends a full todo-list snapshot. Immediate
// flush.
func (h *Hub) BroadcastTodosUpdate(ctx context.Context, projectID, sessionID string, todos any, activeIndex int, phase string) {
	h.broadcast(ctx, projectID, sessionID, protocol.BatchTodosUpdate,
		protocol.TodosUpdateData{Todos: todos, ActiveIndex: activeIndex, Phase: phase}, true)
}

// BroadcastTodoCompleted marks one todo done. Immediate flush: the app
// persists per-todo and the UI must not lag the barrier.
func (h *Hub) BroadcastTodoCompleted(ctx context.Context, projectID, sessionID string, todoIndex int) {
	h.broadcast(ctx, projectID, sessionID, protocol.BatchTodoCompleted,
		protocol.TodoCompletedData{TodoIndex: todoIndex}, true)
}

// BroadcastToolCall reports a tool lifecycle update. Immediate flush.
func (h *Hub) BroadcastToolCall(ctx context.Context, projectID, sessionID string, call protocol.ToolCall) {
	h.broadcast(ctx, projectID, sessionID, protocol.BatchToolCall, call, true)
}

// BroadcastBuildComplete announces a build's terminal state. Immediate
// flush.
func (h *Hub) BroadcastBuildComplete(ctx context.Context, projectID, sessionID, status, summary string) {
	h.broadcast(ctx, projectID, sessionID, protocol.BatchBuildComplete,
		protocol.BuildCompleteData{Status: status, Summary: summary}, true)
}

// BroadcastStateUpdate sends a coarse state snapshot. Batched on the
// flush timer; an oversized batch flushes early.
func (h *Hub) BroadcastStateUpdate(ctx context.Context, projectID, sessionID string, partialState any) {
	h.broadcast(ctx, projectID, sessionID, protocol.BatchStateUpdate, partialState, false)
}

// ForwardEvent fans a runner event out to the project's subscribers as
// a batched entry. Session-scoped filtering does not apply: runner
// events carry no session, so only unscoped subscriptions of the
// project receive the batch along with any subscriber of the empty
// session.
func (h *Hub) ForwardEvent(evt *protocol.Event) {
	if evt.ProjectID == "" {
		return
	}
	ts := evt.Timestamp
	if ts == "" {
		ts = protocol.Timestamp()
	}
	entry := protocol.BatchEntry{
		Type:      evt.Type,
		Data:      json.RawMessage(evt.Payload),
		Timestamp: ts,
		Trace:     evt.Trace,
	}
	h.append(batchKey{projectID: evt.ProjectID}, entry, false)
}

func (h *Hub) broadcast(ctx context.Context, projectID, sessionID, entryType string, data any, immediate bool) {
	entry := protocol.BatchEntry{
		Type:      entryType,
		Data:      data,
		Timestamp: protocol.Timestamp(),
		Trace:     protocol.TraceFromContext(ctx),
	}
	h.append(batchKey{projectID: projectID, sessionID: sessionID}, entry, immediate)
}

// append adds an entry to its batch. Immediate entries flush the batch
// at once; batched entries wait for the timer unless the state-update
// batch has grown past the cap.
func (h *Hub) append(key batchKey, entry protocol.BatchEntry, immediate bool) {
	h.mu.Lock()
	h.batches[key] = append(h.batches[key], entry)
	overflow := !immediate && entry.Type == protocol.BatchStateUpdate && len(h.batches[key]) > maxBatchEntries
	h.mu.Unlock()

	if immediate || overflow {
		h.flush(key)
	}
}

// flush delivers one batch to every matching subscription and removes
// it. A batch with no matching subscribers is discarded.
func (h *Hub) flush(key batchKey) {
	h.mu.Lock()
	entries := h.batches[key]
	delete(h.batches, key)
	targets := h.matchLocked(key)
	h.mu.Unlock()

	h.send(key, entries, targets)
}

// flushAll delivers every pending batch; runs on the flush timer.
func (h *Hub) flushAll() {
	h.mu.Lock()
	pending := h.batches
	h.batches = make(map[batchKey][]protocol.BatchEntry)
	targets := make(map[batchKey][]*subscriber, len(pending))
	for key := range pending {
		targets[key] = h.matchLocked(key)
	}
	h.mu.Unlock()

	for key, entries := range pending {
		h.send(key, entries, targets[key])
	}
}

// matchLocked snapshots the subscribers a batch targets: project must
// match, and a session-scoped subscription only sees its own session.
func (h *Hub) matchLocked(key batchKey) []*subscriber {
	var targets []*subscriber
	for s := range h.subs {
		if s.projectID != key.projectID {
			continue
		}
		if s.sessionID != "" && s.sessionID != key.sessionID {
			continue
		}
		targets = append(targets, s)
	}
	return targets
}

func (h *Hub) send(key batchKey, entries []protocol.BatchEntry, targets []*subscriber) {
	if len(entries) == 0 || len(targets) == 0 {
		return
	}

	data, err := json.Marshal(protocol.BatchUpdate{
		Type:      protocol.MsgBatchUpdate,
		ProjectID: key.projectID,
		SessionID: key.sessionID,
		Events:    entries,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal batch update")
		return
	}

	// Immediate batches block briefly per subscriber; a timer-flushed
	// batch must not, so it takes the lossy path.
	block := false
	for _, e := range entries {
		if e.Type != protocol.BatchStateUpdate {
			block = true
			break
		}
	}

	for _, s := range targets {
		s.deliver(data, block)
	}
	h.metrics.BatchesFlushed.Inc()
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Run drives the flush timer and the client heartbeat/sweep until ctx
// is canceled.
func (h *Hub) Run(ctx context.Context) {
	flush := h.clock.NewTicker(h.cfg.BatchDelay)
	heartbeat := h.clock.NewTicker(h.cfg.HubHeartbeat)
	defer flush.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.Chan():
			h.flushAll()
		case <-heartbeat.Chan():
			h.heartbeat()
		}
	}
}

// heartbeat pings every subscriber and reaps the silent ones.
func (h *Hub) heartbeat() {
	data, _ := json.Marshal(protocol.ControlMessage{Type: protocol.MsgHeartbeat})
	cutoff := h.clock.Now().Add(-h.cfg.ClientTimeout)

	h.mu.RLock()
	var alive, stale []*subscriber
	for s := range h.subs {
		if s.lastHeartbeat.Before(cutoff) {
			stale = append(stale, s)
		} else {
			alive = append(alive, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.log.Warn().
			Str("client_id", s.id).
			Time("last_heartbeat", s.lastHeartbeat).
			Msg("closing stale subscriber")
		s.close(websocket.CloseNormalClosure, "Heartbeat timeout")
	}
	for _, s := range alive {
		s.deliver(data, false)
	}
}

// Shutdown closes every subscriber socket with a normal close frame.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.close(websocket.CloseNormalClosure, "Broker shutting down")
	}
}

func (h *Hub) touch(s *subscriber) {
	h.mu.Lock()
	s.lastHeartbeat = h.clock.Now()
	h.mu.Unlock()
}

// readPump handles inbound subscriber messages: heartbeats, retargeted
// subscriptions, and state requests. Anything else is dropped.
func (s *subscriber) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.close(0, "")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		s.hub.touch(s)
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.log.Debug().Err(err).Str("client_id", s.id).Msg("subscriber read error")
			}
			return
		}
		s.hub.touch(s)

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.hub.log.Warn().Err(err).Str("client_id", s.id).Msg("dropping unparseable client frame")
			s.hub.metrics.ErrorsTotal.WithLabelValues("parse").Inc()
			continue
		}

		switch msg.Type {
		case protocol.MsgHeartbeat:
			ack, _ := json.Marshal(protocol.ControlMessage{Type: protocol.MsgHeartbeatAck})
			s.deliver(ack, false)

		case protocol.MsgSubscribe:
			s.hub.mu.Lock()
			s.projectID = msg.ProjectID
			s.sessionID = msg.SessionID
			s.hub.mu.Unlock()
			s.hub.log.Debug().
				Str("client_id", s.id).
				Str("project_id", msg.ProjectID).
				Str("session_id", msg.SessionID).
				Msg("subscription changed")

		case protocol.MsgGetState:
			// State recovery happens over HTTP; acknowledge so the
			// client knows the request was heard.
			resp, _ := json.Marshal(protocol.ControlMessage{Type: protocol.MsgStateResponse})
			s.deliver(resp, false)

		default:
			s.hub.log.Debug().
				Str("client_id", s.id).
				Str("type", msg.Type).
				Msg("dropping unknown client message type")
			s.hub.metrics.ErrorsTotal.WithLabelValues("unknown_type").Inc()
		}
	}
}

// writePump serializes all writes to the subscriber socket.
func (s *subscriber) writePump() {
	defer s.close(0, "")

	for {
		select {
		case <-s.done:
			return
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
	}
}
