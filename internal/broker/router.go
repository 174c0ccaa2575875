package broker

import (
	"context"
	"encoding/json"

	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

// runnerLink is the slice of the router that the queue and the proxy
// managers depend on.
type runnerLink interface {
	Send(ctx context.Context, runnerID string, cmd *protocol.Command) bool
	IsConnected(runnerID string) bool
}

// Router delivers commands to runner sockets. It holds a reference to
// the registry but never closes sockets; send failures surface as a
// false return and the caller decides whether to queue.
type Router struct {
	log      zerolog.Logger
	registry *Registry
	metrics  *Metrics
}

// NewRouter creates a router over the given registry.
func NewRouter(log zerolog.Logger, registry *Registry, metrics *Metrics) *Router {
	return &Router{
		log:      log.With().Str("component", "router").Logger(),
		registry: registry,
		metrics:  metrics,
	}
}

// Send serializes the command and writes it to the runner's socket.
// When ctx carries an active trace and the command has none yet, the
// trace envelope is attached so the runner can continue it. Returns
// false when the runner is absent, closing, or unwritable.
func (r *Router) Send(ctx context.Context, runnerID string, cmd *protocol.Command) bool {
	if cmd.Trace == nil {
		cmd.Trace = protocol.TraceFromContext(ctx)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		r.log.Error().Err(err).Str("type", cmd.Type).Msg("failed to marshal command")
		r.metrics.ErrorsTotal.WithLabelValues("marshal").Inc()
		return false
	}

	if !r.registry.Send(runnerID, data) {
		return false
	}

	r.metrics.CommandsTotal.WithLabelValues(cmd.Type).Inc()
	r.registry.NoteProject(runnerID, cmd.ProjectID)

	r.log.Debug().
		Str("runner_id", runnerID).
		Str("type", cmd.Type).
		Str("command_id", cmd.ID).
		Msg("command sent")
	return true
}

// IsConnected reports whether the runner has a live socket.
func (r *Router) IsConnected(runnerID string) bool {
	return r.registry.IsConnected(runnerID)
}
