// Package status implements the bridge's local HTTP API: health,
// component stats, the command journal, a second command intake, a
// live event feed over WebSocket and the Prometheus scrape endpoint.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/nugget/nina-bridge/internal/buildinfo"
	"github.com/nugget/nina-bridge/internal/command"
	"github.com/nugget/nina-bridge/internal/config"
	"github.com/nugget/nina-bridge/internal/connwatch"
	"github.com/nugget/nina-bridge/internal/events"
	"github.com/nugget/nina-bridge/internal/journal"
)

const (
	maxCommandBody = 64 << 10
	eventBuffer    = 64
	pingInterval   = 30 * time.Second
	writeWait      = 10 * time.Second
)

// Health reports upstream reachability. Satisfied by *connwatch.Manager.
type Health interface {
	Healthy() bool
	Status() []connwatch.ServiceStatus
}

// Submitter accepts write commands. Satisfied by *command.Correlator.
type Submitter interface {
	Submit(ctx context.Context, class string, payload []byte) command.Response
}

// Journal serves recorded commands and failures. Satisfied by
// *journal.Store.
type Journal interface {
	RecentCommands(ctx context.Context, device string, limit int) ([]command.Response, error)
	RecentFailures(ctx context.Context, limit int) ([]journal.Failure, error)
}

// Deps are the components the server reports on. Any may be nil; the
// matching endpoints then answer 503.
type Deps struct {
	Health    Health
	Submitter Submitter
	Journal   Journal
	Events    *events.Bus
	Metrics   http.Handler

	// Components maps a name to a stats snapshot func, rendered under
	// "components" by GET /v1/status.
	Components map[string]func() any
}

// Server is the status HTTP server.
type Server struct {
	cfg      config.StatusConfig
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// New creates a status server. Call [Server.Start] to serve.
func New(cfg config.StatusConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/commands", s.handleCommandList)
	mux.HandleFunc("POST /v1/commands/{device}", s.handleCommandSubmit)
	mux.HandleFunc("GET /v1/failures", s.handleFailures)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	var h http.Handler = s.withLogging(mux)
	if len(s.cfg.AllowedOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}).Handler(h)
	}
	return h
}

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting status server", "address", ln.Addr().String())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.cfg.AllowedOrigins, origin) || slices.Contains(s.cfg.AllowedOrigins, "*") {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
		return
	}
	code, state := http.StatusOK, "healthy"
	if !s.deps.Health.Healthy() {
		code, state = http.StatusServiceUnavailable, "degraded"
	}
	s.writeJSON(w, code, map[string]any{
		"status":   state,
		"services": s.deps.Health.Status(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.RuntimeInfo())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]any, len(s.deps.Components))
	for name, fn := range s.deps.Components {
		components[name] = fn()
	}
	out := map[string]any{
		"version":    buildinfo.Version,
		"uptime":     buildinfo.Uptime().String(),
		"components": components,
	}
	if s.deps.Health != nil {
		out["services"] = s.deps.Health.Status()
	}
	s.writeJSON(w, http.StatusOK, out)
}

// queryLimit parses ?limit=, returning 0 when absent.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleCommandList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "journal not enabled")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	device := r.URL.Query().Get("device")
	cmds, err := s.deps.Journal.RecentCommands(r.Context(), device, limit)
	if err != nil {
		s.logger.Error("failed to list commands", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	if cmds == nil {
		cmds = []command.Response{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"commands": cmds,
		"count":    len(cmds),
	})
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "journal not enabled")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	failures, err := s.deps.Journal.RecentFailures(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list task failures", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list task failures")
		return
	}
	if failures == nil {
		failures = []journal.Failure{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"failures": failures,
		"count":    len(failures),
	})
}

// responseCode maps a command outcome onto an HTTP status.
func responseCode(st command.Status) int {
	switch st {
	case command.StatusCompleted:
		return http.StatusOK
	case command.StatusRejected:
		return http.StatusBadRequest
	case command.StatusTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleCommandSubmit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Submitter == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "commands not enabled")
		return
	}
	// Same-site or allowed origins only, and JSON bodies only so browsers
	// must preflight.
	if !s.checkOrigin(r) {
		s.logger.Warn("command from disallowed origin rejected",
			"origin", r.Header.Get("Origin"),
			"device", r.PathValue("device"),
		)
		s.errorResponse(w, http.StatusForbidden, "origin not allowed")
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		s.errorResponse(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBody))
	if err != nil {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "command body too large")
		return
	}
	resp := s.deps.Submitter.Submit(r.Context(), r.PathValue("device"), body)
	s.writeJSON(w, responseCode(resp.Status), resp)
}

// handleEvents streams bus events to a WebSocket client until either
// side closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event feed not enabled")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.deps.Events.Subscribe(eventBuffer)
	defer s.deps.Events.Unsubscribe(sub)

	// The read side only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event feed client connected", "remote", r.RemoteAddr)
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case <-closed:
			s.logger.Debug("event feed client disconnected", "remote", r.RemoteAddr)
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case e, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event feed write failed", "error", err)
				return
			}
		}
	}
}
