// Package api exposes the manual triggers and read-only views of the
// pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/alerting"
	"github.com/lvonguyen/threatpulse/internal/api/gateway"
	"github.com/lvonguyen/threatpulse/internal/mitre"
	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/repository"
	"github.com/lvonguyen/threatpulse/internal/retention"
	"github.com/lvonguyen/threatpulse/internal/scheduler"
	"github.com/lvonguyen/threatpulse/internal/severity"
	"github.com/lvonguyen/threatpulse/internal/syncstate"
	"github.com/lvonguyen/threatpulse/internal/telemetry/correlation"
	"github.com/lvonguyen/threatpulse/internal/telemetry/ingestion"
)

// Envelope is the body of every API response
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  any    `json:"result"`
}

// Scheduler runs jobs on demand
type Scheduler interface {
	TriggerSync(ctx context.Context) (*ingestion.SyncResult, error)
	TriggerResync(ctx context.Context, since *time.Time) (*ingestion.SyncResult, error)
	TriggerAlertSync(ctx context.Context) (*alerting.MaterializeResult, error)
	TriggerAlertSyncAll(ctx context.Context) (*alerting.MaterializeResult, error)
	TriggerCleanup(ctx context.Context) (*retention.CleanupResult, error)
	TriggerCorrelation(ctx context.Context) (*correlation.CorrelationResult, error)
	Status() scheduler.Status
}

// SeverityService computes danger levels
type SeverityService interface {
	OverallAverage(ctx context.Context) (*severity.Aggregate, error)
	RecentAverage(ctx context.Context, window time.Duration) (*severity.WindowAggregate, error)
	Trend(ctx context.Context, window time.Duration) (*severity.TrendResult, error)
	Statistics(ctx context.Context) (*severity.Statistics, error)
	Events(ctx context.Context, filter severity.EventFilter) ([]severity.ScoredEvent, error)
}

// AlertService reads materialized alerts
type AlertService interface {
	Summary(ctx context.Context) (*repository.AlertSummary, error)
	Latest(ctx context.Context, n int) ([]repository.Alert, error)
}

// NodeService summarizes node-event links
type NodeService interface {
	NodeSummary(ctx context.Context, nodeID uint) (*repository.NodeEventSummary, error)
	EventSummary(ctx context.Context, eventID uint) (*repository.EventNodeSummary, error)
}

// TacticService summarizes ATT&CK tactics
type TacticService interface {
	Summary(ctx context.Context, from *time.Time) (*mitre.Summary, error)
}

// CursorReader reads the state of a sync cursor
type CursorReader interface {
	SyncType() string
	Snapshot(ctx context.Context) (syncstate.State, error)
}

// Check reports the health of a dependency
type Check func(ctx context.Context) error

// Deps are the services behind the routes. Nil services disable their
// routes with 503.
type Deps struct {
	Scheduler Scheduler
	Severity  SeverityService
	Alerts    AlertService
	Nodes     NodeService
	Tactics   TacticService
	Cursors   []CursorReader
	Ready     map[string]Check
	Limiter   *gateway.RateLimiter
	Metrics   http.Handler
}

// Server serves the HTTP API
type Server struct {
	deps    Deps
	version string
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewServer creates an API server
func NewServer(deps Deps, version string, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		deps:    deps,
		version: version,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "api")),
	}
}

// Router builds the chi router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.deps.Limiter != nil {
				r.Use(s.deps.Limiter.Middleware)
			}
			r.Post("/sync/trigger", s.handleTriggerSync)
			r.Post("/sync/resync", s.handleResync)
			r.Post("/alerts/trigger", s.handleTriggerAlerts)
			r.Post("/alerts/sync-all", s.handleAlertSyncAll)
			r.Post("/cleanup/trigger", s.handleTriggerCleanup)
			r.Post("/correlation/sync", s.handleTriggerCorrelation)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/scheduler/status", s.handleSchedulerStatus)
			r.Get("/sync/status", s.handleSyncStatus)

			r.Route("/severity", func(r chi.Router) {
				r.Get("/average", s.handleSeverityAverage)
				r.Get("/recent", s.handleSeverityRecent)
				r.Get("/trend", s.handleSeverityTrend)
				r.Get("/statistics", s.handleSeverityStatistics)
				r.Get("/events", s.handleSeverityEvents)
			})

			r.Get("/alerts/summary", s.handleAlertSummary)
			r.Get("/alerts/latest", s.handleLatestAlerts)
			r.Get("/mitre/tactics", s.handleTactics)

			r.Get("/nodes/{nodeID}/events/summary", s.handleNodeSummary)
			r.Get("/events/{eventID}/nodes/summary", s.handleEventSummary)
		})
	})

	return r
}

// observe records request metrics by route pattern
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(r.Method, pattern, status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(env)
}

func (s *Server) ok(w http.ResponseWriter, message string, result any) {
	writeJSON(w, http.StatusOK, Envelope{Status: "success", Message: message, Result: result})
}

func (s *Server) fail(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, Envelope{Status: "error", Message: message})
}

// internalError logs err and replies without exposing it
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error("Request failed",
		zap.String("op", op),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	s.fail(w, http.StatusInternalServerError, op+" failed")
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	s.fail(w, http.StatusServiceUnavailable, what+" not configured")
}
