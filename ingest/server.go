package ingest

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/telemetrygate/telemetrygate/errors"
	"github.com/telemetrygate/telemetrygate/health"
	"github.com/telemetrygate/telemetrygate/inventory"
	"github.com/telemetrygate/telemetrygate/queue"
	"github.com/telemetrygate/telemetrygate/template"
	"github.com/telemetrygate/telemetrygate/worker"
)

// DefaultMaxRequestSize caps inbound bodies at 1MB
const DefaultMaxRequestSize int64 = 1 << 20

// envelope is the common response shape of every endpoint
type envelope struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// QueueOperator is the slice of the work queue the operations API exposes
type QueueOperator interface {
	Status(ctx context.Context) (*queue.Stats, error)
	FailedJobs(ctx context.Context) ([]queue.Job, error)
	RetryFailed(ctx context.Context, id string) error
	ClearAll(ctx context.Context) error
	Results(ctx context.Context) ([]queue.Job, error)
}

// Server exposes the ingest and operations HTTP API
type Server struct {
	logger         *slog.Logger
	service        *Service
	operator       QueueOperator
	pool           *worker.Pool
	store          *inventory.Store
	templates      *template.Engine
	metricsHandler http.Handler
	healthRegistry *health.Registry
	adminToken     string
	maxRequestSize int64
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithMetricsHandler mounts a Prometheus scrape handler at /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metricsHandler = h }
}

// WithHealthRegistry adds component checks to the /health report
func WithHealthRegistry(r *health.Registry) ServerOption {
	return func(s *Server) { s.healthRegistry = r }
}

// WithAdminToken enables the privileged queue-clear endpoint
func WithAdminToken(token string) ServerOption {
	return func(s *Server) { s.adminToken = token }
}

// WithMaxRequestSize overrides the inbound body cap
func WithMaxRequestSize(n int64) ServerOption {
	return func(s *Server) { s.maxRequestSize = n }
}

// NewServer creates the HTTP API server
func NewServer(logger *slog.Logger, service *Service, operator QueueOperator, pool *worker.Pool,
	store *inventory.Store, templates *template.Engine, opts ...ServerOption) *Server {

	s := &Server{
		logger:         logger.With("component", "http_api"),
		service:        service,
		operator:       operator,
		pool:           pool,
		store:          store,
		templates:      templates,
		maxRequestSize: DefaultMaxRequestSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/test", s.handleIngest)
	mux.HandleFunc("POST /api/v1/messages/process", s.handleIngest)

	mux.HandleFunc("GET /api/v1/queue/status", s.handleQueueStatus)
	mux.HandleFunc("POST /api/v1/queue/clear", s.handleQueueClear)
	mux.HandleFunc("GET /api/v1/queue/failed", s.handleFailedJobs)
	mux.HandleFunc("POST /api/v1/queue/failed/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("GET /api/v1/forwarding/status", s.handleForwardingStatus)
	mux.HandleFunc("GET /api/v1/workers/status", s.handleWorkerHealth)
	mux.HandleFunc("GET /api/v1/templates", s.handleListTemplates)
	mux.HandleFunc("GET /api/v1/flows", s.handleListFlows)

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	return s.withRequestID(mux)
}

// withRequestID propagates or generates an X-Request-ID header
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			b := make([]byte, 8)
			if _, err := rand.Read(b); err != nil {
				id = fmt.Sprintf("req-%d", time.Now().UnixNano())
			} else {
				id = hex.EncodeToString(b)
			}
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxRequestSize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.maxRequestSize {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", s.maxRequestSize))
		return
	}

	outcome, err := s.service.ProcessMessage(r.Context(), body, clientIP(r), "http")
	if err != nil {
		s.writeClassified(w, err)
		return
	}

	code := http.StatusOK
	if outcome.Status != StatusEnqueued {
		code = http.StatusAccepted
	}
	s.writeSuccess(w, code, outcome)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.operator.Status(r.Context())
	if err != nil {
		s.writeClassified(w, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, stats)
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusForbidden, "access denied")
		return
	}
	if err := s.operator.ClearAll(r.Context()); err != nil {
		s.writeClassified(w, err)
		return
	}
	s.logger.Warn("queues cleared by operator")
	s.writeSuccess(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.operator.FailedJobs(r.Context())
	if err != nil {
		s.writeClassified(w, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.operator.RetryFailed(r.Context(), id); err != nil {
		s.writeClassified(w, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]any{"job_id": id, "requeued": true})
}

func (s *Server) handleForwardingStatus(w http.ResponseWriter, r *http.Request) {
	results, err := s.operator.Results(r.Context())
	if err != nil {
		s.writeClassified(w, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (s *Server) handleWorkerHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, http.StatusOK, s.pool.Health())
}

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	names := s.templates.Names()
	s.writeSuccess(w, http.StatusOK, map[string]any{"templates": names, "count": len(names)})
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.store.ListFlows(r.Context())
	if err != nil {
		s.writeClassified(w, err)
		return
	}
	s.writeSuccess(w, http.StatusOK, map[string]any{"flows": flows, "count": len(flows)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"healthy": true,
		"workers": s.pool.Health(),
	}
	code := http.StatusOK
	if s.healthRegistry != nil {
		report := s.healthRegistry.Snapshot(r.Context())
		data["healthy"] = report.Healthy
		data["components"] = report.Components
		if !report.Healthy {
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, envelope{Status: "success", Data: data})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	token := r.Header.Get("X-Admin-Token")
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}

// writeClassified maps the error taxonomy onto HTTP status codes and keeps
// internal detail out of the response body.
func (s *Server) writeClassified(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", "error", err)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "resource not found")
	case errors.IsInvalid(err):
		s.writeError(w, http.StatusBadRequest, "invalid request")
	case errors.IsTransient(err):
		s.writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeSuccess(w http.ResponseWriter, code int, data any) {
	s.writeJSON(w, code, envelope{Status: "success", Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, envelope{Status: "error", Error: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response write failed", "error", err)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
