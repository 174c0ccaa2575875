package broker

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

// Proxy failure modes surfaced to callers.
var (
	ErrRunnerNotConnected = errors.New("runner not connected")
	ErrRunnerDisconnected = errors.New("Runner disconnected")
	ErrProxyTimeout       = errors.New("proxy request timed out")
	ErrBrokerClosed       = errors.New("broker shutting down")
)

// ProxyError is a failure reported by the runner itself
// (an http-proxy-error event).
type ProxyError struct {
	StatusCode int
	Message    string
}

func (e *ProxyError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("proxy error (status %d): %s", e.StatusCode, e.Message)
	}
	return "proxy error: " + e.Message
}

// HTTPRequest is one request to tunnel to a runner's loopback dev
// server.
type HTTPRequest struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// HTTPResponse is the assembled result of a tunneled request.
type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// proxyOutcome resolves one pending request: response or error, never
// both.
type proxyOutcome struct {
	resp *HTTPResponse
	err  error
}

// pendingProxy tracks one in-flight tunneled request. The entry lives
// in the table from send until exactly one of response, error, runner
// disconnect, timeout, or shutdown resolves it.
type pendingProxy struct {
	requestID string
	runnerID  string
	result    chan proxyOutcome // buffered; receives exactly one outcome

	// Chunked responses accumulate here until isFinal.
	status  int
	headers map[string]string
	body    bytes.Buffer
}

// HTTPProxy correlates http-proxy-request commands with the response,
// chunk, and error events a runner answers with.
type HTTPProxy struct {
	log     zerolog.Logger
	cfg     *Config
	link    runnerLink
	metrics *Metrics
	clock   clockwork.Clock

	mu      sync.Mutex
	pending map[string]*pendingProxy
}

// NewHTTPProxy creates an empty proxy manager.
func NewHTTPProxy(log zerolog.Logger, cfg *Config, link runnerLink, metrics *Metrics, clock clockwork.Clock) *HTTPProxy {
	return &HTTPProxy{
		log:     log.With().Str("component", "httpproxy").Logger(),
		cfg:     cfg,
		link:    link,
		metrics: metrics,
		clock:   clock,
		pending: make(map[string]*pendingProxy),
	}
}

// Do tunnels one HTTP request to the dev server listening on the
// runner's loopback port and blocks until the assembled response, an
// error, ctx cancellation, or the proxy timeout.
func (p *HTTPProxy) Do(ctx context.Context, runnerID, projectID string, port int, req HTTPRequest) (*HTTPResponse, error) {
	if !p.link.IsConnected(runnerID) {
		p.metrics.ProxyRequests.WithLabelValues("not_connected").Inc()
		return nil, ErrRunnerNotConnected
	}

	requestID := uuid.NewString()
	entry := &pendingProxy{
		requestID: requestID,
		runnerID:  runnerID,
		result:    make(chan proxyOutcome, 1),
	}

	p.mu.Lock()
	p.pending[requestID] = entry
	p.mu.Unlock()

	cmd, err := protocol.NewCommand(protocol.CmdHTTPProxyRequest, projectID, protocol.HTTPProxyRequestPayload{
		RequestID: requestID,
		Method:    req.Method,
		Path:      req.Path,
		Headers:   req.Headers,
		Body:      base64.StdEncoding.EncodeToString(req.Body),
		Port:      port,
	})
	if err != nil {
		p.resolve(requestID, proxyOutcome{err: err})
		return p.await(ctx, entry, requestID)
	}

	if !p.link.Send(ctx, runnerID, cmd) {
		p.resolve(requestID, proxyOutcome{err: ErrRunnerNotConnected})
	}

	p.log.Debug().
		Str("runner_id", runnerID).
		Str("request_id", requestID).
		Str("method", req.Method).
		Str("path", req.Path).
		Int("port", port).
		Msg("proxy request sent")

	return p.await(ctx, entry, requestID)
}

// await blocks until the entry resolves or the deadline passes. The
// timeout path races event arrival; resolve() arbitrates so exactly
// one outcome wins.
func (p *HTTPProxy) await(ctx context.Context, entry *pendingProxy, requestID string) (*HTTPResponse, error) {
	select {
	case outcome := <-entry.result:
		return p.finish(outcome)
	case <-ctx.Done():
		if p.resolve(requestID, proxyOutcome{err: ctx.Err()}) {
			p.metrics.ProxyRequests.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		}
		return p.finish(<-entry.result)
	case <-p.clock.After(p.cfg.ProxyTimeout):
		if p.resolve(requestID, proxyOutcome{err: ErrProxyTimeout}) {
			p.metrics.ProxyRequests.WithLabelValues("timeout").Inc()
			return nil, ErrProxyTimeout
		}
		// An event resolved the entry first; honor that outcome.
		return p.finish(<-entry.result)
	}
}

func (p *HTTPProxy) finish(outcome proxyOutcome) (*HTTPResponse, error) {
	if outcome.err != nil {
		p.metrics.ProxyRequests.WithLabelValues("error").Inc()
		return nil, outcome.err
	}
	p.metrics.ProxyRequests.WithLabelValues("ok").Inc()
	return outcome.resp, nil
}

// resolve completes a pending request exactly once. It reports whether
// this call won; a false return means another path already resolved
// the entry and its outcome sits in the result channel.
func (p *HTTPProxy) resolve(requestID string, outcome proxyOutcome) bool {
	p.mu.Lock()
	entry, ok := p.pending[requestID]
	if ok {
		delete(p.pending, requestID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	entry.result <- outcome
	return true
}

// HandleEvent reduces one proxy event into the pending table. Events
// for unknown request ids (late chunks after a timeout, usually) are
// dropped with a debug log.
func (p *HTTPProxy) HandleEvent(evt *protocol.Event) {
	switch evt.Type {
	case protocol.EventHTTPProxyResponse:
		var payload protocol.HTTPProxyResponsePayload
		if err := evt.ParsePayload(&payload); err != nil {
			p.log.Warn().Err(err).Msg("bad http-proxy-response payload")
			p.metrics.ErrorsTotal.WithLabelValues("parse").Inc()
			return
		}
		p.handleResponse(payload)

	case protocol.EventHTTPProxyChunk:
		var payload protocol.HTTPProxyChunkPayload
		if err := evt.ParsePayload(&payload); err != nil {
			p.log.Warn().Err(err).Msg("bad http-proxy-chunk payload")
			p.metrics.ErrorsTotal.WithLabelValues("parse").Inc()
			return
		}
		p.handleChunk(payload)

	case protocol.EventHTTPProxyError:
		var payload protocol.HTTPProxyErrorPayload
		if err := evt.ParsePayload(&payload); err != nil {
			p.log.Warn().Err(err).Msg("bad http-proxy-error payload")
			p.metrics.ErrorsTotal.WithLabelValues("parse").Inc()
			return
		}
		p.resolve(payload.RequestID, proxyOutcome{
			err: &ProxyError{StatusCode: payload.StatusCode, Message: payload.Error},
		})
	}
}

func (p *HTTPProxy) handleResponse(payload protocol.HTTPProxyResponsePayload) {
	if payload.IsChunked {
		// Body follows in http-proxy-chunk events; hold status and
		// headers until the final chunk lands.
		p.mu.Lock()
		if entry, ok := p.pending[payload.RequestID]; ok {
			entry.status = payload.StatusCode
			entry.headers = payload.Headers
		}
		p.mu.Unlock()
		return
	}

	body, err := base64.StdEncoding.DecodeString(payload.Body)
	if err != nil {
		p.resolve(payload.RequestID, proxyOutcome{err: fmt.Errorf("decode proxy body: %w", err)})
		return
	}
	p.resolve(payload.RequestID, proxyOutcome{resp: &HTTPResponse{
		StatusCode: payload.StatusCode,
		Headers:    payload.Headers,
		Body:       body,
	}})
}

func (p *HTTPProxy) handleChunk(payload protocol.HTTPProxyChunkPayload) {
	chunk, err := base64.StdEncoding.DecodeString(payload.Chunk)
	if err != nil {
		p.resolve(payload.RequestID, proxyOutcome{err: fmt.Errorf("decode proxy chunk: %w", err)})
		return
	}

	p.mu.Lock()
	entry, ok := p.pending[payload.RequestID]
	if !ok {
		p.mu.Unlock()
		p.log.Debug().Str("request_id", payload.RequestID).Msg("chunk for unknown proxy request")
		return
	}
	entry.body.Write(chunk)
	status := entry.status
	headers := entry.headers
	final := payload.IsFinal
	var body []byte
	if final {
		body = append([]byte(nil), entry.body.Bytes()...)
	}
	p.mu.Unlock()

	if final {
		p.resolve(payload.RequestID, proxyOutcome{resp: &HTTPResponse{
			StatusCode: status,
			Headers:    headers,
			Body:       body,
		}})
	}
}

// CancelRunner rejects every pending request owned by a runner. Called
// on runner disconnect.
func (p *HTTPProxy) CancelRunner(runnerID string) {
	p.failAll(func(e *pendingProxy) bool { return e.runnerID == runnerID }, ErrRunnerDisconnected)
}

// Shutdown rejects every pending request.
func (p *HTTPProxy) Shutdown() {
	p.failAll(func(*pendingProxy) bool { return true }, ErrBrokerClosed)
}

func (p *HTTPProxy) failAll(match func(*pendingProxy) bool, cause error) {
	p.mu.Lock()
	var doomed []string
	for id, entry := range p.pending {
		if match(entry) {
			doomed = append(doomed, id)
		}
	}
	p.mu.Unlock()

	for _, id := range doomed {
		p.resolve(id, proxyOutcome{err: cause})
	}
}

// PendingCount returns the number of in-flight proxy requests.
func (p *HTTPProxy) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
