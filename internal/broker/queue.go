package broker

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

// Queue failure reasons passed to OnFailure callbacks.
const (
	FailQueueFull   = "Queue full"
	FailExpired     = "Command expired"
	FailMaxAttempts = "Max retry attempts reached"
	FailShutdown    = "Broker shutting down"
)

// QueueOptions tune one enqueued command. Zero values fall back to the
// configured defaults.
type QueueOptions struct {
	TTL         time.Duration
	MaxAttempts int
	OnSuccess   func()
	OnFailure   func(reason string)
}

// EnqueueResult reports what Enqueue did with the command.
type EnqueueResult struct {
	Sent   bool `json:"sent"`
	Queued bool `json:"queued"`
}

// ProcessResult summarizes one queue processing pass.
type ProcessResult struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// queuedCommand is one command waiting for its runner. done guards the
// callbacks: each entry resolves exactly once.
type queuedCommand struct {
	cmd         *protocol.Command
	runnerID    string
	queuedAt    time.Time
	attempts    int
	maxAttempts int
	ttl         time.Duration
	onSuccess   func()
	onFailure   func(reason string)
	done        bool
}

// Queue holds per-runner FIFO queues of commands that could not be
// delivered. Queues are orthogonal to socket lifetime: they survive a
// disconnect so a reconnect can drain them. Nothing persists across a
// broker restart.
type Queue struct {
	log     zerolog.Logger
	cfg     *Config
	link    runnerLink
	metrics *Metrics
	clock   clockwork.Clock

	mu     sync.Mutex
	queues map[string][]*queuedCommand
}

// NewQueue creates an empty command queue.
func NewQueue(log zerolog.Logger, cfg *Config, link runnerLink, metrics *Metrics, clock clockwork.Clock) *Queue {
	return &Queue{
		log:     log.With().Str("component", "queue").Logger(),
		cfg:     cfg,
		link:    link,
		metrics: metrics,
		clock:   clock,
		queues:  make(map[string][]*queuedCommand),
	}
}

// Enqueue attempts an immediate send and falls back to queueing. When
// the per-runner queue is full the oldest entry is dropped and its
// failure callback fires with "Queue full".
func (q *Queue) Enqueue(ctx context.Context, runnerID string, cmd *protocol.Command, opts QueueOptions) EnqueueResult {
	if opts.TTL <= 0 {
		opts.TTL = q.cfg.CommandTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.cfg.MaxAttempts
	}
	// Capture the active trace now so a later delivery still carries it.
	if cmd.Trace == nil {
		cmd.Trace = protocol.TraceFromContext(ctx)
	}

	if q.link.Send(ctx, runnerID, cmd) {
		if opts.OnSuccess != nil {
			opts.OnSuccess()
		}
		return EnqueueResult{Sent: true}
	}

	entry := &queuedCommand{
		cmd:         cmd,
		runnerID:    runnerID,
		queuedAt:    q.clock.Now(),
		attempts:    1,
		maxAttempts: opts.MaxAttempts,
		ttl:         opts.TTL,
		onSuccess:   opts.OnSuccess,
		onFailure:   opts.OnFailure,
	}

	var evicted *queuedCommand
	q.mu.Lock()
	queue := q.queues[runnerID]
	if len(queue) >= q.cfg.MaxQueueSize {
		evicted = queue[0]
		evicted.done = true
		queue = queue[1:]
	}
	q.queues[runnerID] = append(queue, entry)
	depth := q.depthLocked()
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))

	if evicted != nil {
		q.log.Warn().
			Str("runner_id", runnerID).
			Str("command_id", evicted.cmd.ID).
			Msg("queue full, dropping oldest command")
		q.metrics.QueueFailures.WithLabelValues("queue_full").Inc()
		if evicted.onFailure != nil {
			evicted.onFailure(FailQueueFull)
		}
	}

	q.log.Debug().
		Str("runner_id", runnerID).
		Str("type", cmd.Type).
		Str("command_id", cmd.ID).
		Msg("command queued")
	return EnqueueResult{Queued: true}
}

// Process drains a runner's queue, called when the runner (re)connects.
// Entries are visited in FIFO order: expired or exhausted entries fail
// and drop, sendable entries leave the queue, unsendable ones stay in
// place for the next pass.
func (q *Queue) Process(ctx context.Context, runnerID string) ProcessResult {
	now := q.clock.Now()
	var result ProcessResult
	var callbacks []func()

	q.mu.Lock()
	queue := q.queues[runnerID]
	remaining := queue[:0]
	for _, entry := range queue {
		if entry.done {
			continue
		}
		if now.Sub(entry.queuedAt) > entry.ttl {
			entry.done = true
			result.Failed++
			callbacks = append(callbacks, q.failureCall(entry, FailExpired, "expired"))
			continue
		}
		if entry.attempts >= entry.maxAttempts {
			entry.done = true
			result.Failed++
			callbacks = append(callbacks, q.failureCall(entry, FailMaxAttempts, "max_attempts"))
			continue
		}

		entry.attempts++
		if q.link.Send(ctx, runnerID, entry.cmd) {
			entry.done = true
			result.Sent++
			if cb := entry.onSuccess; cb != nil {
				callbacks = append(callbacks, cb)
			}
			continue
		}
		remaining = append(remaining, entry)
	}
	if len(remaining) == 0 {
		delete(q.queues, runnerID)
	} else {
		q.queues[runnerID] = remaining
	}
	result.Remaining = len(remaining)
	depth := q.depthLocked()
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))
	for _, cb := range callbacks {
		cb()
	}

	if result.Sent > 0 || result.Failed > 0 {
		q.log.Info().
			Str("runner_id", runnerID).
			Int("sent", result.Sent).
			Int("failed", result.Failed).
			Int("remaining", result.Remaining).
			Msg("processed command queue")
	}
	return result
}

// Len returns the number of commands waiting for a runner.
func (q *Queue) Len(runnerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[runnerID])
}

// Run expires aged-out commands and retries stranded ones until ctx is
// canceled.
func (q *Queue) Run(ctx context.Context) {
	ticker := q.clock.NewTicker(q.cfg.QueueSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			q.sweepExpired()
			q.retryConnected(ctx)
		}
	}
}

// retryConnected drains queues whose runner is connected. The connect
// hook normally does this, but an enqueue racing a connect can land
// just after that drain; this pass picks such entries up on the next
// tick.
func (q *Queue) retryConnected(ctx context.Context) {
	q.mu.Lock()
	ids := make([]string, 0, len(q.queues))
	for runnerID := range q.queues {
		ids = append(ids, runnerID)
	}
	q.mu.Unlock()

	for _, runnerID := range ids {
		if q.link.IsConnected(runnerID) {
			q.Process(ctx, runnerID)
		}
	}
}

func (q *Queue) sweepExpired() {
	now := q.clock.Now()
	var callbacks []func()

	q.mu.Lock()
	for runnerID, queue := range q.queues {
		remaining := queue[:0]
		for _, entry := range queue {
			if !entry.done && now.Sub(entry.queuedAt) > entry.ttl {
				entry.done = true
				callbacks = append(callbacks, q.failureCall(entry, FailExpired, "expired"))
				continue
			}
			remaining = append(remaining, entry)
		}
		if len(remaining) == 0 {
			delete(q.queues, runnerID)
		} else {
			q.queues[runnerID] = remaining
		}
	}
	depth := q.depthLocked()
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))
	for _, cb := range callbacks {
		cb()
	}
}

// Shutdown fails every queued command exactly once and empties the
// tables.
func (q *Queue) Shutdown() {
	var callbacks []func()

	q.mu.Lock()
	for _, queue := range q.queues {
		for _, entry := range queue {
			if entry.done {
				continue
			}
			entry.done = true
			callbacks = append(callbacks, q.failureCall(entry, FailShutdown, "shutdown"))
		}
	}
	q.queues = make(map[string][]*queuedCommand)
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(0)
	for _, cb := range callbacks {
		cb()
	}
}

// failureCall builds the deferred failure callback for an entry.
// Callbacks run after the queue lock is released so they may re-enter
// the queue.
func (q *Queue) failureCall(entry *queuedCommand, reason, metric string) func() {
	q.metrics.QueueFailures.WithLabelValues(metric).Inc()
	q.log.Debug().
		Str("runner_id", entry.runnerID).
		Str("command_id", entry.cmd.ID).
		Str("reason", reason).
		Msg("queued command failed")
	cb := entry.onFailure
	return func() {
		if cb != nil {
			cb(reason)
		}
	}
}

func (q *Queue) depthLocked() int {
	total := 0
	for _, queue := range q.queues {
		total += len(queue)
	}
	return total
}
