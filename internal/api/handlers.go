package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lvonguyen/threatpulse/internal/scheduler"
	"github.com/lvonguyen/threatpulse/internal/severity"
	"github.com/lvonguyen/threatpulse/internal/syncstate"
)

const (
	defaultWindowHours = 24
	maxWindowHours     = 24 * 365
	defaultEventLimit  = 100
	maxEventLimit      = 1000
	defaultAlertLimit  = 10
)

// Health

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.ok(w, "healthy", map[string]string{"version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Ready))
	ready := true
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			checks[name] = "unavailable"
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, Envelope{Status: "error", Message: "not ready", Result: checks})
		return
	}
	s.ok(w, "ready", checks)
}

// Triggers

func (s *Server) triggerError(w http.ResponseWriter, r *http.Request, job string, err error) {
	if errors.Is(err, scheduler.ErrJobRunning) {
		s.fail(w, http.StatusConflict, job+" already running")
		return
	}
	if errors.Is(err, scheduler.ErrUnknownJob) {
		s.unavailable(w, job)
		return
	}
	s.internalError(w, r, job, err)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.unavailable(w, "scheduler")
		return
	}
	res, err := s.deps.Scheduler.TriggerSync(r.Context())
	if err != nil {
		s.triggerError(w, r, scheduler.JobSync, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: res.Status, Message: res.Message, Result: res})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.unavailable(w, "scheduler")
		return
	}
	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.fail(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = &t
	}
	res, err := s.deps.Scheduler.TriggerResync(r.Context(), since)
	if err != nil {
		s.triggerError(w, r, scheduler.JobSync, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: res.Status, Message: res.Message, Result: res})
}

func (s *Server) handleTriggerAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.unavailable(w, "scheduler")
		return
	}
	res, err := s.deps.Scheduler.TriggerAlertSync(r.Context())
	if err != nil {
		s.triggerError(w, r, scheduler.JobAlerts, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: res.Status, Message: res.Message, Result: res})
}

func (s *Server) handleAlertSyncAll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.unavailable(w, "scheduler")
		return
	}
	res, err := s.deps.Scheduler.TriggerAlertSyncAll(r.Context())
	if err != nil {
		s.triggerError(w, r, scheduler.JobAlerts, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: res.Status, Message: res.Message, Result: res})
}

func (s *Server) handleTriggerCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.unavailable(w, "scheduler")
		return
	}
	res, err := s.deps.Scheduler.TriggerCleanup(r.Context())
	if err != nil {
		s.triggerError(w, r, scheduler.JobCleanup, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Status: res.Status, Message: res.Message, Result: res})
}

func (s *Server) handleTriggerCorrelation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.unavailable(w, "scheduler")
		return
	}
	res, err := s.deps.Scheduler.TriggerCorrelation(r.Context())
	if err != nil {
		s.triggerError(w, r, scheduler.JobCorrelation, err)
		return
	}
	msg := fmt.Sprintf("processed %d events, %d links", res.EventsProcessed, res.LinksCreated)
	writeJSON(w, http.StatusOK, Envelope{Status: res.Status, Message: msg, Result: res})
}

// Status

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.unavailable(w, "scheduler")
		return
	}
	s.ok(w, "scheduler status", s.deps.Scheduler.Status())
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	states := make([]syncstate.State, 0, len(s.deps.Cursors))
	for _, c := range s.deps.Cursors {
		st, err := c.Snapshot(r.Context())
		if err != nil {
			s.internalError(w, r, "sync status", err)
			return
		}
		states = append(states, st)
	}
	s.ok(w, "sync status", states)
}

// Severity

func (s *Server) handleSeverityAverage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Severity == nil {
		s.unavailable(w, "severity")
		return
	}
	agg, err := s.deps.Severity.OverallAverage(r.Context())
	if err != nil {
		s.internalError(w, r, "severity average", err)
		return
	}
	s.ok(w, "overall severity", agg)
}

func (s *Server) handleSeverityRecent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Severity == nil {
		s.unavailable(w, "severity")
		return
	}
	hours, ok := intParam(r, "hours", defaultWindowHours, 1, maxWindowHours)
	if !ok {
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("hours must be between 1 and %d", maxWindowHours))
		return
	}
	agg, err := s.deps.Severity.RecentAverage(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		s.internalError(w, r, "recent severity", err)
		return
	}
	s.ok(w, fmt.Sprintf("severity over the last %d hours", hours), agg)
}

func (s *Server) handleSeverityTrend(w http.ResponseWriter, r *http.Request) {
	if s.deps.Severity == nil {
		s.unavailable(w, "severity")
		return
	}
	hours, ok := intParam(r, "hours", defaultWindowHours, 1, maxWindowHours)
	if !ok {
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("hours must be between 1 and %d", maxWindowHours))
		return
	}
	trend, err := s.deps.Severity.Trend(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		s.internalError(w, r, "severity trend", err)
		return
	}
	s.ok(w, "severity trend "+trend.Trend, trend)
}

func (s *Server) handleSeverityStatistics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Severity == nil {
		s.unavailable(w, "severity")
		return
	}
	stats, err := s.deps.Severity.Statistics(r.Context())
	if err != nil {
		s.internalError(w, r, "severity statistics", err)
		return
	}
	s.ok(w, "severity statistics", stats)
}

func (s *Server) handleSeverityEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Severity == nil {
		s.unavailable(w, "severity")
		return
	}

	var filter severity.EventFilter
	var ok bool
	if filter.Level, ok = intParam(r, "level", 0, 1, 4); !ok {
		s.fail(w, http.StatusBadRequest, "level must be between 1 and 4")
		return
	}
	if label := r.URL.Query().Get("label"); label != "" {
		if _, known := severity.LevelForLabel(label); !known {
			s.fail(w, http.StatusBadRequest, "unknown danger level "+strconv.Quote(label))
			return
		}
		filter.Label = label
	}
	if filter.Skip, ok = intParam(r, "skip", 0, 0, 1<<30); !ok {
		s.fail(w, http.StatusBadRequest, "skip must not be negative")
		return
	}
	if filter.Limit, ok = intParam(r, "limit", defaultEventLimit, 1, maxEventLimit); !ok {
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxEventLimit))
		return
	}

	events, err := s.deps.Severity.Events(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "severity events", err)
		return
	}
	s.ok(w, fmt.Sprintf("%d events", len(events)), events)
}

// Alerts

func (s *Server) handleAlertSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.unavailable(w, "alerts")
		return
	}
	sum, err := s.deps.Alerts.Summary(r.Context())
	if err != nil {
		s.internalError(w, r, "alert summary", err)
		return
	}
	s.ok(w, "alert summary", sum)
}

func (s *Server) handleLatestAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.unavailable(w, "alerts")
		return
	}
	n, ok := intParam(r, "limit", defaultAlertLimit, 1, maxEventLimit)
	if !ok {
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxEventLimit))
		return
	}
	alerts, err := s.deps.Alerts.Latest(r.Context(), n)
	if err != nil {
		s.internalError(w, r, "latest alerts", err)
		return
	}
	s.ok(w, fmt.Sprintf("%d alerts", len(alerts)), alerts)
}

// MITRE

func (s *Server) handleTactics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tactics == nil {
		s.unavailable(w, "mitre")
		return
	}
	days, ok := intParam(r, "days", 0, 1, 3650)
	if !ok {
		s.fail(w, http.StatusBadRequest, "days must be between 1 and 3650")
		return
	}
	var from *time.Time
	if days > 0 {
		t := time.Now().UTC().AddDate(0, 0, -days)
		from = &t
	}
	sum, err := s.deps.Tactics.Summary(r.Context(), from)
	if err != nil {
		s.internalError(w, r, "tactic summary", err)
		return
	}
	s.ok(w, "tactic summary", sum)
}

// Nodes

func (s *Server) handleNodeSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Nodes == nil {
		s.unavailable(w, "correlation")
		return
	}
	id, ok := idParam(r, "nodeID")
	if !ok {
		s.fail(w, http.StatusBadRequest, "invalid node id")
		return
	}
	sum, err := s.deps.Nodes.NodeSummary(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "node summary", err)
		return
	}
	s.ok(w, "node event summary", sum)
}

func (s *Server) handleEventSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Nodes == nil {
		s.unavailable(w, "correlation")
		return
	}
	id, ok := idParam(r, "eventID")
	if !ok {
		s.fail(w, http.StatusBadRequest, "invalid event id")
		return
	}
	sum, err := s.deps.Nodes.EventSummary(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "event summary", err)
		return
	}
	s.ok(w, "event node summary", sum)
}

// idParam parses a positive numeric path parameter
func idParam(r *http.Request, name string) (uint, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}

// intParam parses an optional integer query parameter. An absent value
// yields def; a present value must lie in [lo, hi].
func intParam(r *http.Request, name string, def, lo, hi int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, false
	}
	return v, true
}
