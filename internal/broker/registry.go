package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer. Base64 proxy chunks and
	// build stream frames stay well below this.
	maxMessageSize = 512 * 1024

	// Outbound frames buffered per socket before sends start failing.
	sendBufferSize = 256
)

// StatusObserver is notified when a runner connects or disconnects.
// projectIDs lists the projects whose traffic the broker has seen flow
// through that runner.
type StatusObserver func(runnerID string, connected bool, projectIDs []string)

// RunnerInfo describes one live runner connection.
type RunnerInfo struct {
	RunnerID      string    `json:"runnerId"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// runnerConn is one live runner socket. The registry owns the socket
// and its ping timer; nothing else closes them.
type runnerConn struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	registry *Registry

	connectedAt   time.Time
	lastHeartbeat time.Time // guarded by registry.mu

	closeOnce sync.Once
	done      chan struct{}
}

// close sends a close frame (when code is non-zero) and tears the
// socket down. Safe to call from any goroutine, any number of times.
func (c *runnerConn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		_ = c.conn.Close()
		close(c.done)
	})
}

// Registry tracks runner connections, enforcing at most one live
// socket per runner id.
type Registry struct {
	log     zerolog.Logger
	cfg     *Config
	metrics *Metrics
	clock   clockwork.Clock

	mu        sync.RWMutex
	runners   map[string]*runnerConn
	projects  map[string]map[string]struct{} // runner id → project ids seen
	observers map[int]StatusObserver
	nextObs   int

	// Wired by the broker before any connection is accepted.
	onEvent        func(runnerID string, evt *protocol.Event)
	onConnected    func(runnerID string)
	onDisconnected func(runnerID string)
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger, cfg *Config, metrics *Metrics, clock clockwork.Clock) *Registry {
	return &Registry{
		log:       log.With().Str("component", "registry").Logger(),
		cfg:       cfg,
		metrics:   metrics,
		clock:     clock,
		runners:   make(map[string]*runnerConn),
		projects:  make(map[string]map[string]struct{}),
		observers: make(map[int]StatusObserver),
	}
}

// Register adopts an authenticated runner socket and starts its pumps.
// A previous connection under the same id is closed with 1000 and
// replaced; pending proxy work tied to the old socket is torn down.
func (r *Registry) Register(conn *websocket.Conn, runnerID string) {
	now := r.clock.Now()
	c := &runnerConn{
		id:            runnerID,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		registry:      r,
		connectedAt:   now,
		lastHeartbeat: now,
		done:          make(chan struct{}),
	}

	r.mu.Lock()
	existing := r.runners[runnerID]
	r.runners[runnerID] = c
	r.mu.Unlock()

	if existing != nil {
		r.log.Warn().Str("runner_id", runnerID).Msg("replacing existing runner connection")
		existing.close(websocket.CloseNormalClosure, "Replaced by new connection")
		if r.onDisconnected != nil {
			// The old socket will never answer its in-flight requests.
			r.onDisconnected(runnerID)
		}
	}

	r.metrics.ConnectionsTotal.WithLabelValues("runner").Inc()
	r.metrics.RunnersConnected.Set(float64(r.Count()))

	go c.writePump()
	go c.readPump()

	r.log.Info().Str("runner_id", runnerID).Msg("runner connected")

	if r.onConnected != nil {
		r.onConnected(runnerID)
	}
	if existing == nil {
		r.notifyObservers(runnerID, true)
	}
}

// unregister removes a connection when its read pump exits. A stale
// entry that was already replaced by a newer connection is ignored.
func (r *Registry) unregister(c *runnerConn) {
	r.mu.Lock()
	current := r.runners[c.id] == c
	if current {
		delete(r.runners, c.id)
	}
	r.mu.Unlock()

	if !current {
		return
	}

	r.metrics.RunnersConnected.Set(float64(r.Count()))
	r.log.Info().Str("runner_id", c.id).Msg("runner disconnected")

	if r.onDisconnected != nil {
		r.onDisconnected(c.id)
	}
	r.notifyObservers(c.id, false)
}

// Send writes a raw frame to a runner's socket. Returns false when the
// runner is absent, closing, or its send buffer is full; the caller
// decides whether to queue.
func (r *Registry) Send(runnerID string, data []byte) bool {
	r.mu.RLock()
	c, ok := r.runners[runnerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		r.log.Warn().Str("runner_id", runnerID).Msg("runner send buffer full, dropping frame")
		r.metrics.ErrorsTotal.WithLabelValues("send").Inc()
		return false
	}
}

// IsConnected reports whether a runner has a live socket.
func (r *Registry) IsConnected(runnerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runners[runnerID]
	return ok
}

// Count returns the number of live runner connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}

// List returns the live runner connections sorted by id.
func (r *Registry) List() []RunnerInfo {
	r.mu.RLock()
	infos := make([]RunnerInfo, 0, len(r.runners))
	for _, c := range r.runners {
		infos = append(infos, RunnerInfo{
			RunnerID:      c.id,
			ConnectedAt:   c.connectedAt,
			LastHeartbeat: c.lastHeartbeat,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].RunnerID < infos[j].RunnerID })
	return infos
}

// Info returns connection details for one runner.
func (r *Registry) Info(runnerID string) (RunnerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.runners[runnerID]
	if !ok {
		return RunnerInfo{}, false
	}
	return RunnerInfo{
		RunnerID:      c.id,
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: c.lastHeartbeat,
	}, true
}

// Observe registers a status observer. The returned function removes
// it.
func (r *Registry) Observe(fn StatusObserver) func() {
	r.mu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

func (r *Registry) notifyObservers(runnerID string, connected bool) {
	r.mu.RLock()
	obs := make([]StatusObserver, 0, len(r.observers))
	for _, fn := range r.observers {
		obs = append(obs, fn)
	}
	var projects []string
	for p := range r.projects[runnerID] {
		projects = append(projects, p)
	}
	r.mu.RUnlock()

	sort.Strings(projects)
	for _, fn := range obs {
		fn(runnerID, connected, projects)
	}
}

// NoteProject records that a project's traffic flows through a runner,
// so status observers can name the projects a disconnect affects.
func (r *Registry) NoteProject(runnerID, projectID string) {
	if projectID == "" {
		return
	}
	r.mu.Lock()
	set, ok := r.projects[runnerID]
	if !ok {
		set = make(map[string]struct{})
		r.projects[runnerID] = set
	}
	set[projectID] = struct{}{}
	r.mu.Unlock()
}

// touch records activity on a runner socket.
func (r *Registry) touch(c *runnerConn) {
	r.mu.Lock()
	c.lastHeartbeat = r.clock.Now()
	r.mu.Unlock()
}

// Run sweeps stale runners until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.StaleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.sweepStale()
		}
	}
}

func (r *Registry) sweepStale() {
	cutoff := r.clock.Now().Add(-r.cfg.RunnerTimeout)

	r.mu.RLock()
	var stale []*runnerConn
	for _, c := range r.runners {
		if c.lastHeartbeat.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		r.log.Warn().
			Str("runner_id", c.id).
			Time("last_heartbeat", c.lastHeartbeat).
			Msg("closing stale runner")
		c.close(websocket.CloseNormalClosure, "Heartbeat timeout")
	}
}

// Shutdown closes every runner socket with a normal close frame.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	conns := make([]*runnerConn, 0, len(r.runners))
	for _, c := range r.runners {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.close(websocket.CloseNormalClosure, "Broker shutting down")
	}
}

// readPump reads event frames from the runner socket. Frames that fail
// to parse or carry unknown types are counted and dropped; the socket
// stays open.
func (c *runnerConn) readPump() {
	defer func() {
		c.registry.unregister(c)
		c.close(0, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.registry.touch(c)
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		c.registry.touch(c)
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.registry.log.Debug().Err(err).Str("runner_id", c.id).Msg("runner read error")
			}
			return
		}
		c.registry.touch(c)

		evt, err := protocol.ParseEvent(data)
		if err != nil {
			c.registry.log.Warn().Err(err).Str("runner_id", c.id).Msg("dropping unparseable frame")
			c.registry.metrics.ErrorsTotal.WithLabelValues("parse").Inc()
			continue
		}
		if !protocol.IsEventType(evt.Type) {
			c.registry.log.Debug().
				Str("runner_id", c.id).
				Str("type", evt.Type).
				Msg("dropping unknown event type")
			c.registry.metrics.ErrorsTotal.WithLabelValues("unknown_type").Inc()
			continue
		}

		c.registry.metrics.EventsTotal.WithLabelValues(evt.Type).Inc()
		if evt.ProjectID != "" {
			c.registry.NoteProject(c.id, evt.ProjectID)
		}
		if c.registry.onEvent != nil {
			c.registry.onEvent(c.id, evt)
		}
	}
}

// writePump serializes all writes to the runner socket and pings on the
// configured interval.
func (c *runnerConn) writePump() {
	ticker := time.NewTicker(c.registry.cfg.RunnerPingInterval)
	defer func() {
		ticker.Stop()
		c.close(0, "")
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
