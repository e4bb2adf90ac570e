// Package alerting derives display alerts from canonical events.
//
// An alert is a one-time snapshot: once written for an event id it is never
// updated by the materializer, even if the event changes later.
package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/repository"
)

var tracer = otel.Tracer("github.com/lvonguyen/threatpulse/internal/alerting")

// Run statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const cursorTimeout = 10 * time.Second

// Store is the persistence the materializer needs
type Store interface {
	EventsWithoutAlert(ctx context.Context, since *time.Time, limit int) ([]repository.Event, error)
	InsertAlerts(ctx context.Context, alerts []repository.Alert) ([]repository.Alert, error)
	SummarizeAlerts(ctx context.Context) (*repository.AlertSummary, error)
	LatestAlerts(ctx context.Context, n int) ([]repository.Alert, error)
}

// Cursor is the watermark of the alert job
type Cursor interface {
	Watermark(ctx context.Context) (*time.Time, error)
	RecordSuccess(ctx context.Context, processed int, latest *time.Time) error
	RecordFailure(ctx context.Context, processed int, advanceTo *time.Time, message string) error
}

// Watermarker reads a job watermark
type Watermarker interface {
	Watermark(ctx context.Context) (*time.Time, error)
}

// Config configures the materializer
type Config struct {
	BatchSize         int  `yaml:"batch_size" validate:"min=1,max=10000"`
	AttributeSuricata bool `yaml:"attribute_suricata"`
}

// DefaultConfig returns the default materializer settings
func DefaultConfig() Config {
	return Config{BatchSize: 500}
}

// MaterializeResult reports one materializer run
type MaterializeResult struct {
	RunID           string         `json:"run_id"`
	Status          string         `json:"status"`
	Scanned         int            `json:"scanned"`
	Created         int            `json:"created"`
	Batches         int            `json:"batches"`
	BySource        map[string]int `json:"by_source"`
	LatestTimestamp *time.Time     `json:"latest_timestamp"`
	Watermark       *time.Time     `json:"watermark"`
	Message         string         `json:"message"`
	StartedAt       time.Time      `json:"started_at"`
	Duration        time.Duration  `json:"duration"`
}

// Materializer creates an alert for every event that has none
type Materializer struct {
	store     Store
	cursor    Cursor
	publisher Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	ceiling   Watermarker
	config    Config
	now       func() time.Time
}

// Option configures a Materializer
type Option func(*Materializer)

// WithCeiling caps the alert watermark at the watermark of the event sync.
// Everything at or below that watermark is contiguously committed, so events
// a later sync recovers from a failed page are still selected.
func WithCeiling(w Watermarker) Option {
	return func(m *Materializer) { m.ceiling = w }
}

// NewMaterializer creates a materializer. A nil publisher disables fan-out.
func NewMaterializer(store Store, cursor Cursor, publisher Publisher, cfg Config, metrics *observability.Metrics, logger *zap.Logger, opts ...Option) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	m := &Materializer{
		store:     store,
		cursor:    cursor,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With(zap.String("component", "alert_materializer")),
		config:    cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaterializeNew materializes events newer than the alert watermark
func (m *Materializer) MaterializeNew(ctx context.Context) (*MaterializeResult, error) {
	since, err := m.cursor.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("read alert watermark: %w", err)
	}
	return m.Run(ctx, since), nil
}

// MaterializeAll materializes every event without an alert, regardless of
// the watermark.
func (m *Materializer) MaterializeAll(ctx context.Context) *MaterializeResult {
	return m.Run(ctx, nil)
}

// Run materializes events with a timestamp after since (or no timestamp),
// oldest first, in batches. The watermark advances only on success.
func (m *Materializer) Run(ctx context.Context, since *time.Time) *MaterializeResult {
	res := &MaterializeResult{
		RunID:     uuid.NewString(),
		Status:    StatusSuccess,
		BySource:  make(map[string]int),
		StartedAt: m.now(),
	}

	ctx, span := tracer.Start(ctx, "alerting.Run")
	span.SetAttributes(attribute.String("run_id", res.RunID))
	defer span.End()

	logger := m.logger.With(zap.String("run_id", res.RunID))

	// The ceiling is read before selecting so every event at or below it
	// is visible to this run.
	ceiling, runErr := m.readCeiling(ctx)
	if runErr == nil {
		runErr = m.materialize(ctx, since, res, logger)
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cursorTimeout)
	defer cancel()

	var cursorErr error
	if runErr != nil {
		res.Status = StatusError
		res.Message = runErr.Error()
		cursorErr = m.cursor.RecordFailure(cctx, res.Created, nil, res.Message)
		span.SetStatus(codes.Error, res.Message)
	} else {
		res.Message = fmt.Sprintf("created %d alerts from %d events", res.Created, res.Scanned)
		res.Watermark = m.capped(res.LatestTimestamp, ceiling)
		cursorErr = m.cursor.RecordSuccess(cctx, res.Created, res.Watermark)
	}
	if cursorErr != nil {
		res.Status = StatusError
		res.Message = fmt.Sprintf("%s; cursor not saved: %v", res.Message, cursorErr)
		logger.Error("Failed to save alert cursor", zap.Error(cursorErr))
	} else if runErr == nil && res.Watermark != nil {
		m.metrics.SetWatermark(repository.SyncTypeAlert, *res.Watermark)
	}

	res.Duration = m.now().Sub(res.StartedAt)
	span.SetAttributes(attribute.Int("created", res.Created))

	logger.Info("Alert materialization finished",
		zap.String("status", res.Status),
		zap.Int("scanned", res.Scanned),
		zap.Int("created", res.Created),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func (m *Materializer) readCeiling(ctx context.Context) (*time.Time, error) {
	if m.ceiling == nil {
		return nil, nil
	}
	wm, err := m.ceiling.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("read event watermark: %w", err)
	}
	return wm, nil
}

// capped returns the watermark to record for a run whose newest event is
// latest. With a ceiling configured but never set, nothing advances.
func (m *Materializer) capped(latest, ceiling *time.Time) *time.Time {
	if m.ceiling == nil || latest == nil {
		return latest
	}
	if ceiling == nil {
		return nil
	}
	if latest.After(*ceiling) {
		c := ceiling.UTC()
		return &c
	}
	return latest
}

func (m *Materializer) materialize(ctx context.Context, since *time.Time, res *MaterializeResult, logger *zap.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("materialization cancelled: %w", err)
		}

		events, err := m.store.EventsWithoutAlert(ctx, since, m.config.BatchSize)
		if err != nil {
			return fmt.Errorf("select events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		res.Batches++
		res.Scanned += len(events)

		now := m.now()
		alerts := make([]repository.Alert, len(events))
		for i, ev := range events {
			alerts[i] = FromEvent(ev, m.config.AttributeSuricata, now)
			if ev.Timestamp != nil && (res.LatestTimestamp == nil || ev.Timestamp.After(*res.LatestTimestamp)) {
				ts := ev.Timestamp.UTC()
				res.LatestTimestamp = &ts
			}
		}

		created, err := m.store.InsertAlerts(ctx, alerts)
		if err != nil {
			return fmt.Errorf("insert alerts: %w", err)
		}
		res.Created += len(created)

		bySource := make(map[string]int)
		for _, a := range created {
			bySource[a.Source]++
		}
		for src, n := range bySource {
			res.BySource[src] += n
			m.metrics.AddAlerts(src, n)
		}

		if err := m.publisher.Publish(ctx, created); err != nil {
			logger.Warn("Failed to publish alerts", zap.Int("alerts", len(created)), zap.Error(err))
		}

		// A short batch means the backlog is drained. A batch that created
		// nothing means another writer got there first.
		if len(events) < m.config.BatchSize || len(created) == 0 {
			return nil
		}
	}
}

// Summary returns alert totals and per-name counts
func (m *Materializer) Summary(ctx context.Context) (*repository.AlertSummary, error) {
	return m.store.SummarizeAlerts(ctx)
}

// Latest returns the n most recent alerts
func (m *Materializer) Latest(ctx context.Context, n int) ([]repository.Alert, error) {
	if n <= 0 {
		n = 10
	}
	return m.store.LatestAlerts(ctx, n)
}
