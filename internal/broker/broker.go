// Package broker implements the runner broker: a bidirectional
// WebSocket hub that routes typed commands from the app to runners,
// fans runner events out to browser subscribers, queues commands for
// disconnected runners, and tunnels HTTP and HMR traffic into a
// runner's loopback network.
//
// One Broker value owns every component; collaborators receive it by
// reference. Nothing persists across a restart.
package broker

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

// Version is the broker version.
const Version = "0.3.0"

// Broker wires the registry, router, queue, hub, event stream, and
// proxy managers together and exposes the surface the app consumes.
type Broker struct {
	log     zerolog.Logger
	cfg     *Config
	metrics *Metrics
	clock   clockwork.Clock

	registry    *Registry
	router      *Router
	queue       *Queue
	hub         *Hub
	eventStream *EventStream
	httpProxy   *HTTPProxy
	hmrProxy    *HMRProxy

	cancel   context.CancelFunc
	loops    sync.WaitGroup
	shutOnce sync.Once
}

// New creates a broker and starts its background loops (batch flush,
// heartbeats, stale sweeps, queue TTL sweeps). Call Shutdown to stop
// them and drain every pending table.
func New(cfg *Config, log zerolog.Logger) *Broker {
	return newBroker(cfg, log, clockwork.NewRealClock())
}

func newBroker(cfg *Config, log zerolog.Logger, clock clockwork.Clock) *Broker {
	metrics := NewMetrics()

	b := &Broker{
		log:     log.With().Str("component", "broker").Logger(),
		cfg:     cfg,
		metrics: metrics,
		clock:   clock,
	}

	b.registry = NewRegistry(log, cfg, metrics, clock)
	b.router = NewRouter(log, b.registry, metrics)
	b.queue = NewQueue(log, cfg, b.router, metrics, clock)
	b.hub = NewHub(log, cfg, metrics, clock)
	b.eventStream = NewEventStream(log)
	b.httpProxy = NewHTTPProxy(log, cfg, b.router, metrics, clock)
	b.hmrProxy = NewHMRProxy(log, cfg, b.router, metrics, clock)

	b.registry.onEvent = b.dispatchEvent
	b.registry.onConnected = b.runnerConnected
	b.registry.onDisconnected = b.runnerDisconnected

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.runLoop(ctx, b.registry.Run)
	b.runLoop(ctx, b.queue.Run)
	b.runLoop(ctx, b.hub.Run)

	return b
}

func (b *Broker) runLoop(ctx context.Context, fn func(context.Context)) {
	b.loops.Add(1)
	go func() {
		defer b.loops.Done()
		fn(ctx)
	}()
}

// dispatchEvent fans one runner event out to every interested
// component. Proxy events stay internal to their managers; everything
// else reaches the subscriber hub and the per-command stream.
func (b *Broker) dispatchEvent(runnerID string, evt *protocol.Event) {
	switch evt.Type {
	case protocol.EventHTTPProxyResponse, protocol.EventHTTPProxyChunk, protocol.EventHTTPProxyError:
		b.httpProxy.HandleEvent(evt)
		return
	case protocol.EventHMRConnected, protocol.EventHMRMessage, protocol.EventHMRDisconnected, protocol.EventHMRError:
		b.hmrProxy.HandleEvent(evt)
		return
	}

	b.eventStream.Dispatch(evt)
	b.hub.ForwardEvent(evt)
}

// runnerConnected drains the runner's command queue.
func (b *Broker) runnerConnected(runnerID string) {
	if b.queue.Len(runnerID) == 0 {
		return
	}
	b.queue.Process(context.Background(), runnerID)
}

// runnerDisconnected fails the pending proxy work the socket will
// never answer. Queued commands stay: they belong to the runner id,
// not the socket, and a reconnect drains them.
func (b *Broker) runnerDisconnected(runnerID string) {
	b.httpProxy.CancelRunner(runnerID)
	b.hmrProxy.CancelRunner(runnerID)
}

// SendCommandToRunner delivers a command to a connected runner.
// Returns false when the runner is absent or unwritable; the caller
// decides whether to enqueue instead.
func (b *Broker) SendCommandToRunner(ctx context.Context, runnerID string, cmd *protocol.Command) bool {
	return b.router.Send(ctx, runnerID, cmd)
}

// EnqueueCommand attempts an immediate send and queues the command for
// the runner's next connection otherwise.
func (b *Broker) EnqueueCommand(ctx context.Context, runnerID string, cmd *protocol.Command, opts QueueOptions) EnqueueResult {
	return b.queue.Enqueue(ctx, runnerID, cmd, opts)
}

// IsRunnerConnected reports whether a runner has a live socket.
func (b *Broker) IsRunnerConnected(runnerID string) bool {
	return b.registry.IsConnected(runnerID)
}

// ListRunnerConnections returns the live runner connections sorted by
// id. Per-user scoping is the app's concern; the broker maps no
// sockets to users.
func (b *Broker) ListRunnerConnections() []RunnerInfo {
	return b.registry.List()
}

// OnRunnerStatusChange registers an observer called when a runner
// connects or disconnects. The returned function removes it.
func (b *Broker) OnRunnerStatusChange(fn StatusObserver) func() {
	return b.registry.Observe(fn)
}

// AddRunnerEventSubscriber registers a handler for one command's
// events. The returned function unsubscribes it.
func (b *Broker) AddRunnerEventSubscriber(commandID string, handler EventHandler) func() {
	return b.eventStream.AddSubscriber(commandID, handler)
}

// BroadcastBuildStarted announces a new build to the project's
// subscribers. Flushes immediately.
func (b *Broker) BroadcastBuildStarted(ctx context.Context, projectID, sessionID, buildID string) {
	b.hub.BroadcastBuildStarted(ctx, projectID, sessionID, buildID)
}

// BroadcastTodosUpdate sends a full todo-list snapshot. Flushes
// immediately.
func (b *Broker) BroadcastTodosUpdate(ctx context.Context, projectID, sessionID string, todos any, activeIndex int, phase string) {
	b.hub.BroadcastTodosUpdate(ctx, projectID, sessionID, todos, activeIndex, phase)
}

// BroadcastTodoCompleted marks one todo done. Flushes immediately.
func (b *Broker) BroadcastTodoCompleted(ctx context.Context, projectID, sessionID string, todoIndex int) {
	b.hub.BroadcastTodoCompleted(ctx, projectID, sessionID, todoIndex)
}

// BroadcastToolCall reports a tool lifecycle update. Flushes
// immediately.
func (b *Broker) BroadcastToolCall(ctx context.Context, projectID, sessionID string, call protocol.ToolCall) {
	b.hub.BroadcastToolCall(ctx, projectID, sessionID, call)
}

// BroadcastBuildComplete announces a build's terminal state. Flushes
// immediately.
func (b *Broker) BroadcastBuildComplete(ctx context.Context, projectID, sessionID, status, summary string) {
	b.hub.BroadcastBuildComplete(ctx, projectID, sessionID, status, summary)
}

// BroadcastStateUpdate sends a coarse state snapshot on the batch
// timer.
func (b *Broker) BroadcastStateUpdate(ctx context.Context, projectID, sessionID string, partialState any) {
	b.hub.BroadcastStateUpdate(ctx, projectID, sessionID, partialState)
}

// ProxyRequest tunnels one HTTP request to the dev server on the
// runner's loopback port and blocks for the assembled response.
func (b *Broker) ProxyRequest(ctx context.Context, runnerID, projectID string, port int, req HTTPRequest) (*HTTPResponse, error) {
	return b.httpProxy.Do(ctx, runnerID, projectID, port, req)
}

// HMRConnect opens a tunneled HMR WebSocket through a runner. The
// connection id comes from the caller and is preserved end-to-end.
func (b *Broker) HMRConnect(ctx context.Context, connectionID, runnerID, projectID string, port int, subprotocol string, cb HMRCallbacks) error {
	return b.hmrProxy.Connect(ctx, connectionID, runnerID, projectID, port, subprotocol, cb)
}

// HMRSend relays one frame from the browser toward the dev server.
func (b *Broker) HMRSend(ctx context.Context, connectionID, message string) bool {
	return b.hmrProxy.Send(ctx, connectionID, message)
}

// HMRDisconnect tears a tunnel down from the browser side.
func (b *Broker) HMRDisconnect(ctx context.Context, connectionID string) {
	b.hmrProxy.Disconnect(ctx, connectionID)
}

// Metrics exposes the broker's prometheus collectors for the ops
// endpoint.
func (b *Broker) Metrics() *Metrics {
	return b.metrics
}

// Shutdown stops the background loops, fails every queued command,
// pending proxy request, and HMR tunnel exactly once, and closes all
// sockets with a normal close frame. Safe to call more than once.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.shutOnce.Do(func() {
		b.log.Info().Msg("broker shutting down")
		b.cancel()

		b.queue.Shutdown()
		b.httpProxy.Shutdown()
		b.hmrProxy.Shutdown()
		b.registry.Shutdown()
		b.hub.Shutdown()
	})

	done := make(chan struct{})
	go func() {
		b.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
