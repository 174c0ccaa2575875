package broker

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Bodies tunneled through /proxy are capped to keep one request from
// pinning the broker's memory.
const maxProxyBodySize = 10 * 1024 * 1024

// Server owns the HTTP surface: both WebSocket upgrade endpoints, the
// ops API, and (when enabled) the public proxy endpoints. One handler
// owns all upgrades so two socket servers never race on a port.
type Server struct {
	cfg      *Config
	log      zerolog.Logger
	broker   *Broker
	router   *chi.Mux
	upgrader websocket.Upgrader

	// Failed runner auth attempts are throttled per client IP.
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewServer creates the HTTP server over a broker.
func NewServer(cfg *Config, log zerolog.Logger, b *Broker) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "server").Logger(),
		broker:   b,
		limiters: make(map[string]*rate.Limiter),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.broker.Metrics().Handler())

	// Upgrades
	r.Get("/ws", s.handleClientSocket)
	r.Get("/ws/runner", s.handleRunnerSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/runners", s.handleListRunners)
		r.Get("/runners/{runnerID}", s.handleGetRunner)
	})

	if s.cfg.UseWSProxy {
		r.Handle("/proxy/{projectID}/{runnerID}/{port}", http.HandlerFunc(s.handleProxy))
		r.Handle("/proxy/{projectID}/{runnerID}/{port}/*", http.HandlerFunc(s.handleProxy))
		r.Get("/hmr/{projectID}/{runnerID}/{port}", s.handleHMRSocket)
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		if websocket.IsWebSocketUpgrade(req) && req.URL.Path != "/" {
			s.log.Warn().Str("path", req.URL.Path).Msg("unknown websocket upgrade path")
		}
		http.NotFound(w, req)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin allows any origin when no allow-list is configured (the
// app fronts browser auth); otherwise the Origin header must match.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// handleRunnerSocket upgrades a runner connection. The Bearer secret
// is compared against RUNNER_SHARED_SECRET read from the environment
// at this moment, so rotation needs no restart. A bad secret closes
// the socket with 1008; repeated failures from one IP are throttled.
func (s *Server) handleRunnerSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.authThrottled(ip) {
		s.log.Warn().Str("ip", ip).Msg("runner auth rate limited")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	runnerID := r.URL.Query().Get("runnerId")
	if runnerID == "" {
		runnerID = "default"
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("runner upgrade failed")
		return
	}

	if !s.authorizeRunner(r.Header.Get("Authorization")) {
		s.noteFailedAuth(ip)
		s.log.Warn().Str("ip", ip).Str("runner_id", runnerID).Msg("runner auth failed")
		s.broker.metrics.ErrorsTotal.WithLabelValues("auth").Inc()
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	s.broker.registry.Register(conn, runnerID)
}

// authorizeRunner validates a Bearer header against the current shared
// secret in constant time. An unset secret authorizes nobody.
func (s *Server) authorizeRunner(header string) bool {
	secret := s.cfg.SharedSecret()
	if secret == "" {
		return false
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// authThrottled reports whether an IP has spent its failed-auth
// budget.
func (s *Server) authThrottled(ip string) bool {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		return false
	}
	return lim.Tokens() < 1
}

// noteFailedAuth consumes one failed-auth token for an IP.
func (s *Server) noteFailedAuth(ip string) {
	s.limiterMu.Lock()
	lim, ok := s.limiters[ip]
	if !ok {
		every := s.cfg.RateLimitWindow / time.Duration(s.cfg.RateLimitAttempts)
		lim = rate.NewLimiter(rate.Every(every), s.cfg.RateLimitAttempts)
		s.limiters[ip] = lim
	}
	s.limiterMu.Unlock()
	lim.Allow()
}

// handleClientSocket upgrades a browser subscription. No broker-layer
// auth: the app fronts the upgrade after its own session check.
func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	sessionID := r.URL.Query().Get("sessionId")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("client upgrade failed")
		return
	}

	s.broker.hub.Register(conn, projectID, sessionID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
		"runners": s.broker.registry.Count(),
		"clients": s.broker.hub.ClientCount(),
	})
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runners": s.broker.ListRunnerConnections(),
	})
}

func (s *Server) handleGetRunner(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runnerID")
	info, ok := s.broker.registry.Info(runnerID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"connected": false,
			"runnerId":  runnerID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":      true,
		"runnerId":       info.RunnerID,
		"connectedAt":    info.ConnectedAt,
		"lastHeartbeat":  info.LastHeartbeat,
		"queuedCommands": s.broker.queue.Len(runnerID),
	})
}

// handleProxy tunnels one HTTP request to a dev server behind a
// runner and copies the assembled response back out. 502 on proxy
// failure, 504 on timeout.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	runnerID := chi.URLParam(r, "runnerID")
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || port <= 0 || port > 65535 {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}

	path := "/" + chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBodySize+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxProxyBodySize {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if isHopByHopHeader(name) || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}

	resp, err := s.broker.ProxyRequest(r.Context(), runnerID, projectID, port, HTTPRequest{
		Method:  r.Method,
		Path:    path,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		s.writeProxyError(w, runnerID, err)
		return
	}

	for name, value := range resp.Headers {
		if isHopByHopHeader(name) {
			continue
		}
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (s *Server) writeProxyError(w http.ResponseWriter, runnerID string, err error) {
	var proxyErr *ProxyError
	switch {
	case errors.Is(err, ErrProxyTimeout):
		http.Error(w, "dev server did not respond", http.StatusGatewayTimeout)
	case errors.Is(err, ErrRunnerNotConnected), errors.Is(err, ErrRunnerDisconnected):
		http.Error(w, "runner not connected", http.StatusBadGateway)
	case errors.As(err, &proxyErr):
		status := proxyErr.StatusCode
		if status == 0 {
			status = http.StatusBadGateway
		}
		http.Error(w, proxyErr.Message, status)
	default:
		s.log.Error().Err(err).Str("runner_id", runnerID).Msg("proxy request failed")
		http.Error(w, "proxy failed", http.StatusBadGateway)
	}
}

// hmrBrowser is the browser half of a public HMR tunnel. Writes are
// serialized; the tunnel callbacks and the read loop both touch it.
type hmrBrowser struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (b *hmrBrowser) writeText(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = b.conn.WriteMessage(websocket.TextMessage, []byte(message))
}

func (b *hmrBrowser) close(code int, reason string) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		b.mu.Unlock()
		_ = b.conn.Close()
		close(b.done)
	})
}

// handleHMRSocket fronts one browser HMR WebSocket and relays frames
// through the tunnel both directions. The connection id is generated
// here, on the browser side of the tunnel, and preserved end-to-end.
func (s *Server) handleHMRSocket(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	runnerID := chi.URLParam(r, "runnerID")
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || port <= 0 || port > 65535 {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}

	// Dev-server HMR clients negotiate a subprotocol (vite-hmr); echo
	// the first offer back so the browser accepts the upgrade.
	subprotocol := ""
	var respHeader http.Header
	if offers := websocket.Subprotocols(r); len(offers) > 0 {
		subprotocol = offers[0]
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{subprotocol}}
	}

	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.log.Error().Err(err).Msg("hmr upgrade failed")
		return
	}

	connectionID := uuid.NewString()
	browser := &hmrBrowser{conn: conn, done: make(chan struct{})}

	err = s.broker.HMRConnect(r.Context(), connectionID, runnerID, projectID, port, subprotocol, HMRCallbacks{
		OnMessage: func(message string) {
			browser.writeText(message)
		},
		OnDisconnected: func(code int, reason string) {
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			browser.close(code, reason)
		},
		OnError: func(message string) {
			browser.close(websocket.CloseInternalServerErr, message)
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("runner_id", runnerID).Msg("hmr connect failed")
		browser.close(websocket.CloseGoingAway, "runner not connected")
		return
	}

	s.log.Debug().
		Str("connection_id", connectionID).
		Str("runner_id", runnerID).
		Int("port", port).
		Msg("hmr browser attached")

	// Relay browser frames into the tunnel until either side closes.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.broker.HMRSend(context.Background(), connectionID, string(data))
	}

	s.broker.HMRDisconnect(context.Background(), connectionID)
	browser.close(websocket.CloseNormalClosure, "")
}

// Router returns the HTTP handler for mounting or testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then drains with a short grace
// period.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting broker server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isHopByHopHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade",
		"Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Extensions", "Sec-Websocket-Protocol":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
