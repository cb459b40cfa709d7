// Package gateway serves a read-only HTTP and websocket view of a running
// task manager.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-tman/internal/bus"
	tmanotel "github.com/basket/go-tman/internal/otel"
	"github.com/basket/go-tman/internal/persistence"
	"github.com/basket/go-tman/internal/tman"
)

const (
	defaultRunsLimit   = 20
	maxRunsLimit       = 200
	defaultEventsLimit = 100
)

// Source is the task manager view the gateway reads from.
type Source interface {
	Snapshot() []tman.TaskStats
	Stats(name string) (tman.TaskStats, error)
	CurrentTick() uint64
}

// History is the run history the gateway lists. *persistence.Store satisfies it.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]persistence.Run, error)
	GetRun(ctx context.Context, runID string) (persistence.Run, error)
	ListDeadlineEvents(ctx context.Context, runID string, limit int) ([]persistence.DeadlineEvent, error)
}

type Config struct {
	Source  Source
	History History // nil disables /api/runs
	Bus     *bus.Bus
	RunID   string

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty means same-origin only.
	AllowOrigins []string

	RequestsPerMinute int
	Burst             int

	Tracer  trace.Tracer
	Metrics *tmanotel.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *RateLimitMiddleware

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		clients: map[*client]struct{}{},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("tman/gateway")
	}
	s.limiter = NewRateLimitMiddleware(cfg.RequestsPerMinute, cfg.Burst)
	return s
}

// Handler returns the gateway routes wrapped in rate limiting and auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.instrument("/healthz", s.handleHealthz))
	mux.HandleFunc("/api/stats", s.instrument("/api/stats", s.handleStats))
	mux.HandleFunc("/api/tasks/", s.instrument("/api/tasks/{name}", s.handleTask))
	mux.HandleFunc("/api/runs", s.instrument("/api/runs", s.handleRuns))
	mux.HandleFunc("/api/runs/", s.instrument("/api/runs/{id}", s.handleRun))
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWS)

	auth := NewAuthMiddleware(s.cfg.AuthToken)
	return s.limiter.Wrap(auth.Wrap(mux))
}

// StartEviction drops idle rate limit buckets until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// instrument wraps h in a server span and records its duration.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tmanotel.StartServerSpan(r.Context(), s.tracer, "gateway "+route,
			tmanotel.AttrRoute.String(route))
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r.WithContext(ctx))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(tmanotel.AttrRoute.String(route)))
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"healthy": s.cfg.Source != nil,
		"tick":    uint64(0),
		"tasks":   0,
		"clients": s.ClientCount(),
	}
	if s.cfg.Source != nil {
		payload["tick"] = s.cfg.Source.CurrentTick()
		payload["tasks"] = len(s.cfg.Source.Snapshot())
	}
	if s.cfg.RunID != "" {
		payload["run_id"] = s.cfg.RunID
	}
	status := http.StatusOK
	if s.cfg.Source == nil {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	RunID string           `json:"run_id,omitempty"`
	Tick  uint64           `json:"tick"`
	Tasks []tman.TaskStats `json:"tasks"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Source == nil {
		http.Error(w, "task manager not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		RunID: s.cfg.RunID,
		Tick:  s.cfg.Source.CurrentTick(),
		Tasks: s.cfg.Source.Snapshot(),
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Source == nil {
		http.Error(w, "task manager not available", http.StatusServiceUnavailable)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "task name is required", http.StatusBadRequest)
		return
	}
	st, err := s.cfg.Source.Stats(name)
	if errors.Is(err, tman.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("gateway: stats lookup failed", "task", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.History == nil {
		http.Error(w, "run history not configured", http.StatusServiceUnavailable)
		return
	}
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.cfg.History.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("gateway: list runs failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []persistence.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRun serves GET /api/runs/{id} with the run's deadline events.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.History == nil {
		http.Error(w, "run history not configured", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "run id is required", http.StatusBadRequest)
		return
	}
	run, err := s.cfg.History.GetRun(r.Context(), id)
	if errors.Is(err, persistence.ErrRunNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("gateway: get run failed", "run_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	events, err := s.cfg.History.ListDeadlineEvents(r.Context(), id, defaultEventsLimit)
	if err != nil {
		s.logger.Error("gateway: list deadline events failed", "run_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []persistence.DeadlineEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "deadline_events": events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
