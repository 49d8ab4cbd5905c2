// Package apiserver implements the Public API: the HTTP
// surface for tool listing/calling, system status, health, metrics, and
// a read-only WebSocket event stream, guarded by token auth, a
// sliding-window rate limiter, and a request body cap.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/orchestrator/internal/ratelimiter"
	"github.com/haasonsaas/orchestrator/internal/taskqueue"
	orch "github.com/haasonsaas/orchestrator/pkg/orchestrator"
)

// ToolRouter is the subset of internal/router.Router the API depends on.
type ToolRouter interface {
	GetToolDefinitions() []orch.ToolDef
	RouteToolCall(ctx context.Context, exposedName string, args json.RawMessage) orch.Envelope
	HasRoute(exposedName string) bool
}

// StatusProvider supplies the structured system snapshot for GET /status.
type StatusProvider interface {
	Status() StatusReport
}

// StatusReport is the shape returned by GET /status.
type StatusReport struct {
	UptimeSeconds   float64                  `json:"uptimeSeconds"`
	Providers       map[string]ProviderState `json:"providers"`
	Agents          map[string]string        `json:"agents"`
	SessionCount    int                      `json:"sessionCount"`
	SecurityPosture string                   `json:"securityPosture"`
	Halted          bool                     `json:"halted"`
	ToolCount       int                      `json:"toolCount"`
}

// ProviderState is one provider's entry within StatusReport.
type ProviderState struct {
	State string `json:"state"`
}

// AgentSpawner backs the optional spawn_subagent custom tool. Left
// unconfigured, the tool reports not-configured rather than panicking.
type AgentSpawner interface {
	SpawnSubagent(ctx context.Context, args json.RawMessage) (any, error)
}

// BackfillTrigger backs the optional trigger_backfill custom tool.
type BackfillTrigger interface {
	TriggerBackfill(ctx context.Context, args json.RawMessage) (any, error)
}

// Config configures a Server at construction.
type Config struct {
	Router          ToolRouter
	Queue           *taskqueue.Queue
	Limiter         *ratelimiter.Limiter
	Status          StatusProvider
	AuthToken       string
	JWTSecret       string
	MaxBodyBytes    int64
	Logger          *slog.Logger
	AgentSpawner    AgentSpawner
	BackfillTrigger BackfillTrigger
	Now             func() time.Time
	// Events, if set, backs GET /ws/events — a live fan-out of
	// skill-dispatch and task-queue events for operators watching a run.
	// Left nil, the endpoint reports 503 rather than panicking.
	Events eventSubscriber
}

// Server is the Public API's HTTP surface.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	startedAt time.Time
	now       func() time.Time

	httpServer *http.Server
	listener   net.Listener
}

// New constructs a Server. Call Mux to obtain the http.Handler, or
// ListenAndServe to also own the listener lifecycle.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{cfg: cfg, logger: logger.With("component", "apiserver"), startedAt: now(), now: now}
}

// Mux builds the full middleware-wrapped handler.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/tools/list", s.withAuthAndLimits(s.handleToolsList))
	mux.HandleFunc("/tools/call", s.withAuthAndLimits(s.handleToolsCall))
	mux.HandleFunc("/status", s.withAuthAndLimits(s.handleStatus))
	mux.HandleFunc("/ws/events", s.authMiddleware(s.handleWSEvents))
	return s.loggingMiddleware(mux)
}

// ListenAndServe starts the HTTP server on addr and blocks until ctx is
// cancelled, at which point it shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	s.logger.Info("public api listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("api shutdown error", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", s.now().Sub(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// withAuthAndLimits wraps h with the Public API's auth, rate limit, and
// body-size middlewares, in that order (auth first so a rejected caller
// never consumes rate-limit budget intended for authenticated traffic).
func (s *Server) withAuthAndLimits(h http.HandlerFunc) http.HandlerFunc {
	return s.authMiddleware(s.rateLimitMiddleware(s.bodyLimitMiddleware(h)))
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.checkAuth(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	}
}

func (s *Server) checkAuth(r *http.Request) bool {
	if s.cfg.AuthToken == "" && s.cfg.JWTSecret == "" {
		return true
	}

	if s.cfg.AuthToken != "" {
		if token := r.Header.Get("X-Token"); token != "" && token == s.cfg.AuthToken {
			return true
		}
	}

	if s.cfg.JWTSecret != "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			raw := strings.TrimSpace(auth[len("bearer "):])
			parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				return []byte(s.cfg.JWTSecret), nil
			})
			if err == nil && parsed.Valid {
				return true
			}
		}
	}
	return false
}

func (s *Server) rateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := clientKey(r)
		if !s.cfg.Limiter.Allow(key) {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bodyLimitMiddleware enforces the 10 MiB request body cap.
// A body that exceeds the limit yields 413; the boundary case of a body
// exactly at the limit is still accepted.
func (s *Server) bodyLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := s.cfg.MaxBodyBytes
		if limit <= 0 {
			limit = 10 * 1024 * 1024
		}
		if r.ContentLength > limit {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tools": []orch.ToolDef{}})
		return
	}
	tools := s.cfg.Router.GetToolDefinitions()
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":       tools,
		"mcpMetadata": map[string]any{"toolCount": len(tools)},
	})
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var params orch.ToolCallParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeMCPEnvelope(w, orch.NewRouteError(orch.ErrValidation, fmt.Sprintf("invalid request body: %v", err)).Envelope())
		return
	}

	env := s.dispatch(r.Context(), params.Name, params.Arguments)
	writeMCPEnvelope(w, env)
}

// dispatch routes to an in-process custom handler when the tool name
// matches, otherwise delegates to the Router.
func (s *Server) dispatch(ctx context.Context, name string, args json.RawMessage) orch.Envelope {
	switch name {
	case "get_status":
		return s.toolGetStatus()
	case "queue_task":
		return s.toolQueueTask(args)
	case "get_job_status":
		return s.toolGetJobStatus(args)
	case "get_tool_catalog":
		return s.toolGetCatalog()
	case "spawn_subagent":
		return s.toolSpawnSubagent(ctx, args)
	case "trigger_backfill":
		return s.toolTriggerBackfill(ctx, args)
	}

	if s.cfg.Router == nil || !s.cfg.Router.HasRoute(name) {
		return orch.NewRouteError(orch.ErrUnknownTool, fmt.Sprintf("unknown tool %q", name)).Envelope()
	}
	return s.cfg.Router.RouteToolCall(ctx, name, args)
}

func (s *Server) toolGetStatus() orch.Envelope {
	if s.cfg.Status == nil {
		return orch.NewRouteError(orch.ErrInternal, "status provider not configured").Envelope()
	}
	return orch.Envelope{Success: true, Data: s.cfg.Status.Status()}
}

func (s *Server) toolQueueTask(args json.RawMessage) orch.Envelope {
	if s.cfg.Queue == nil {
		return orch.NewRouteError(orch.ErrInternal, "task queue not configured").Envelope()
	}
	var req struct {
		Name   string          `json:"name"`
		Action json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return orch.NewRouteError(orch.ErrValidation, fmt.Sprintf("invalid arguments: %v", err)).Envelope()
	}
	task, err := s.cfg.Queue.QueueTask(req.Name, req.Action)
	if err != nil {
		return orch.NewRouteError(orch.ErrInternal, err.Error()).Envelope()
	}
	return orch.Envelope{Success: true, Data: map[string]any{"taskId": task.ID, "status": task.Status}}
}

func (s *Server) toolGetJobStatus(args json.RawMessage) orch.Envelope {
	if s.cfg.Queue == nil {
		return orch.NewRouteError(orch.ErrInternal, "task queue not configured").Envelope()
	}
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return orch.NewRouteError(orch.ErrValidation, fmt.Sprintf("invalid arguments: %v", err)).Envelope()
	}
	task, err := s.cfg.Queue.GetJobStatus(req.TaskID)
	if err != nil {
		return orch.NewRouteError(orch.ErrInternal, err.Error()).Envelope()
	}
	return orch.Envelope{Success: true, Data: task}
}

func (s *Server) toolGetCatalog() orch.Envelope {
	if s.cfg.Router == nil {
		return orch.Envelope{Success: true, Data: []orch.ToolDef{}}
	}
	return orch.Envelope{Success: true, Data: s.cfg.Router.GetToolDefinitions()}
}

func (s *Server) toolSpawnSubagent(ctx context.Context, args json.RawMessage) orch.Envelope {
	if s.cfg.AgentSpawner == nil {
		return orch.NewRouteError(orch.ErrInternal, "spawn_subagent is not configured").Envelope()
	}
	data, err := s.cfg.AgentSpawner.SpawnSubagent(ctx, args)
	if err != nil {
		return orch.NewRouteError(orch.ErrInternal, err.Error()).Envelope()
	}
	return orch.Envelope{Success: true, Data: data}
}

func (s *Server) toolTriggerBackfill(ctx context.Context, args json.RawMessage) orch.Envelope {
	if s.cfg.BackfillTrigger == nil {
		return orch.NewRouteError(orch.ErrInternal, "trigger_backfill is not configured").Envelope()
	}
	data, err := s.cfg.BackfillTrigger.TriggerBackfill(ctx, args)
	if err != nil {
		return orch.NewRouteError(orch.ErrInternal, err.Error()).Envelope()
	}
	return orch.Envelope{Success: true, Data: data}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Status == nil {
		writeJSON(w, http.StatusOK, StatusReport{UptimeSeconds: s.now().Sub(s.startedAt).Seconds()})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Status.Status())
}

// writeMCPEnvelope frames env as the MCP-style outer wrapper: a single
// text content block carrying the inner envelope JSON.
func writeMCPEnvelope(w http.ResponseWriter, env orch.Envelope) {
	inner, err := json.Marshal(env)
	if err != nil {
		writeMCPError(w, "failed to encode response")
		return
	}
	resp := orch.MCPResponse{
		Content: []orch.ContentBlock{{Type: "text", Text: string(inner)}},
		IsError: !env.Success,
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeMCPError(w http.ResponseWriter, msg string) {
	writeMCPEnvelope(w, orch.NewRouteError(orch.ErrInternal, msg).Envelope())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// responseWriter wraps http.ResponseWriter to capture the status code
// for logging.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
