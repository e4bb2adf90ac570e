package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/repository"
	"github.com/lvonguyen/threatpulse/internal/telemetry/normalization"
)

var tracer = otel.Tracer("github.com/lvonguyen/threatpulse/internal/telemetry/ingestion")

// Run statuses.
const (
	StatusSuccess        = "success"
	StatusPartialFailure = "partial_failure"
	StatusError          = "error"
)

// VendorNone counts documents that carry no known vendor section.
const VendorNone = "none"

const (
	closeTimeout  = 10 * time.Second
	cursorTimeout = 10 * time.Second
)

// SyncConfig configures the sync engine
type SyncConfig struct {
	PageSize     int           `yaml:"page_size" validate:"min=1,max=10000"`
	KeepAlive    time.Duration `yaml:"keep_alive"`
	PageTimeout  time.Duration `yaml:"page_timeout"`
	MarkerFields []string      `yaml:"marker_fields"`
}

// DefaultSyncConfig returns the default sync settings
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		PageSize:     250,
		KeepAlive:    2 * time.Minute,
		PageTimeout:  30 * time.Second,
		MarkerFields: DefaultMarkerFields(),
	}
}

// EventWriter persists canonical events
type EventWriter interface {
	UpsertEvents(ctx context.Context, events []repository.Event) (repository.UpsertStats, error)
}

// Cursor is the watermark of the sync job
type Cursor interface {
	Watermark(ctx context.Context) (*time.Time, error)
	RecordSuccess(ctx context.Context, processed int, latest *time.Time) error
	RecordFailure(ctx context.Context, processed int, advanceTo *time.Time, message string) error
}

// Linker correlates freshly written events with network nodes
type Linker interface {
	LinkExternalIDs(ctx context.Context, externalIDs []string) (int, error)
}

// SyncResult reports one sync run
type SyncResult struct {
	RunID           string         `json:"run_id"`
	Status          string         `json:"status"`
	Processed       int            `json:"processed"`
	Inserted        int            `json:"inserted"`
	Updated         int            `json:"updated"`
	Linked          int            `json:"linked"`
	Pages           int            `json:"pages"`
	FailedPages     int            `json:"failed_pages"`
	ByVendor        map[string]int `json:"by_vendor"`
	LatestTimestamp *time.Time     `json:"latest_timestamp"`
	Watermark       *time.Time     `json:"watermark"`
	Message         string         `json:"message"`
	Errors          []string       `json:"errors,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	Duration        time.Duration  `json:"duration"`
}

// Option configures an Engine
type Option func(*Engine)

// WithLinker correlates each committed page
func WithLinker(l Linker) Option {
	return func(e *Engine) { e.linker = l }
}

// WithMetrics records ingestion metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine copies new documents from the event store into the event repository
type Engine struct {
	store   EventStore
	writer  EventWriter
	cursor  Cursor
	linker  Linker
	metrics *observability.Metrics
	logger  *zap.Logger
	config  SyncConfig
}

// NewEngine creates a sync engine
func NewEngine(store EventStore, writer EventWriter, cursor Cursor, cfg SyncConfig, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultSyncConfig().PageSize
	}
	if len(cfg.MarkerFields) == 0 {
		cfg.MarkerFields = DefaultMarkerFields()
	}
	e := &Engine{
		store:  store,
		writer: writer,
		cursor: cursor,
		logger: logger.With(zap.String("component", "sync_engine")),
		config: cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sync runs incrementally from the persisted watermark. The error is non-nil
// only when the watermark cannot be read; run failures are reported in the
// result.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	since, err := e.cursor.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("read watermark: %w", err)
	}
	return e.Run(ctx, since), nil
}

// watermark tracks the committed contiguous prefix of a run
type watermark struct {
	max    *time.Time
	prev   *time.Time
	frozen bool
}

func (w *watermark) commit(ts []time.Time) {
	if w.frozen {
		return
	}
	for i := range ts {
		t := ts[i]
		switch {
		case w.max == nil:
			w.max = &t
		case t.After(*w.max):
			w.prev = w.max
			w.max = &t
		}
	}
}

// freeze stops advancement at the first failed page. A failed page sharing
// the prefix's last instant pulls the watermark back to the previous one.
func (w *watermark) freeze(pageMin *time.Time) {
	if w.frozen {
		return
	}
	w.frozen = true
	if pageMin != nil && w.max != nil && !pageMin.After(*w.max) {
		w.max = w.prev
	}
}

// Run pages through every qualifying document newer than since
func (e *Engine) Run(ctx context.Context, since *time.Time) *SyncResult {
	res := &SyncResult{
		RunID:     uuid.NewString(),
		Status:    StatusSuccess,
		ByVendor:  make(map[string]int),
		StartedAt: time.Now().UTC(),
	}

	ctx, span := tracer.Start(ctx, "ingestion.Run")
	span.SetAttributes(
		attribute.String("run_id", res.RunID),
		attribute.String("store", e.store.Name()),
	)
	defer span.End()

	logger := e.logger.With(zap.String("run_id", res.RunID))
	if since != nil {
		logger.Info("Starting incremental sync", zap.Time("since", *since))
	} else {
		logger.Info("Starting full sync")
	}

	var (
		wm      watermark
		errs    error
		aborted error
	)

	it, err := e.store.Scroll(ctx, Query{
		MarkerFields: e.config.MarkerFields,
		Since:        since,
		PageSize:     e.config.PageSize,
		KeepAlive:    e.config.KeepAlive,
	})
	if err != nil {
		aborted = fmt.Errorf("open scroll: %w", err)
	} else {
		defer func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
			defer cancel()
			if err := it.Close(cctx); err != nil {
				logger.Warn("Failed to release scroll", zap.Error(err))
			}
		}()
		aborted = e.consume(ctx, it, res, &wm, &errs, logger)
	}

	if aborted != nil {
		errs = multierr.Append(errs, aborted)
	}
	e.finish(ctx, res, &wm, aborted, errs, logger)

	if res.Status != StatusSuccess {
		span.SetStatus(codes.Error, res.Message)
	}
	span.SetAttributes(
		attribute.Int("processed", res.Processed),
		attribute.Int("failed_pages", res.FailedPages),
	)
	return res
}

// consume reads pages until the iterator is exhausted. It returns the error
// that aborted the run, if any; page write failures are collected in errs.
func (e *Engine) consume(ctx context.Context, it PageIterator, res *SyncResult, wm *watermark, errs *error, logger *zap.Logger) error {
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync cancelled: %w", err)
		}

		hits, err := e.nextPage(ctx, it)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", page, err)
		}

		res.Pages++
		res.Processed += len(hits)
		e.metrics.AddDocuments(e.store.Name(), len(hits))

		events, stamps := e.buildPage(hits, res, logger)
		if len(events) == 0 {
			continue
		}

		stats, err := e.writePage(ctx, events)
		if err != nil {
			res.FailedPages++
			e.metrics.IncPageFailure(e.store.Name())
			*errs = multierr.Append(*errs, fmt.Errorf("page %d: %w", page, err))
			logger.Error("Page upsert failed", zap.Int("page", page), zap.Int("documents", len(events)), zap.Error(err))

			var pageMin *time.Time
			if len(stamps) > 0 {
				pageMin = &stamps[0]
			}
			wm.freeze(pageMin)
			continue
		}

		res.Inserted += stats.Inserted
		res.Updated += stats.Updated
		e.metrics.AddUpserts(stats.Inserted, stats.Updated)

		if len(stamps) > 0 {
			last := stamps[len(stamps)-1]
			if res.LatestTimestamp == nil || last.After(*res.LatestTimestamp) {
				res.LatestTimestamp = &last
			}
		}
		wm.commit(stamps)

		res.Linked += e.link(ctx, events, logger)

		logger.Debug("Page committed",
			zap.Int("page", page),
			zap.Int("inserted", stats.Inserted),
			zap.Int("updated", stats.Updated),
		)
	}
}

func (e *Engine) finish(ctx context.Context, res *SyncResult, wm *watermark, aborted, errs error, logger *zap.Logger) {
	for _, err := range multierr.Errors(errs) {
		res.Errors = append(res.Errors, err.Error())
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cursorTimeout)
	defer cancel()

	var cursorErr error
	switch {
	case aborted != nil:
		res.Status = StatusError
		res.Message = aborted.Error()
		cursorErr = e.cursor.RecordFailure(cctx, res.Processed, nil, res.Message)
	case res.FailedPages > 0:
		res.Status = StatusPartialFailure
		res.Watermark = wm.max
		res.Message = fmt.Sprintf("%d of %d pages failed", res.FailedPages, res.Pages)
		cursorErr = e.cursor.RecordFailure(cctx, res.Processed, wm.max, errs.Error())
	default:
		res.Watermark = wm.max
		res.Message = fmt.Sprintf("synced %d documents", res.Processed)
		cursorErr = e.cursor.RecordSuccess(cctx, res.Processed, wm.max)
	}

	if cursorErr != nil {
		res.Status = StatusError
		res.Errors = append(res.Errors, cursorErr.Error())
		res.Message = fmt.Sprintf("%s; cursor not saved", res.Message)
		logger.Error("Failed to save sync cursor", zap.Error(cursorErr))
	} else if res.Watermark != nil {
		e.metrics.SetWatermark(repository.SyncTypeElasticsearch, *res.Watermark)
	}

	res.Duration = time.Since(res.StartedAt)

	fields := []zap.Field{
		zap.String("status", res.Status),
		zap.Int("processed", res.Processed),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("failed_pages", res.FailedPages),
		zap.Duration("duration", res.Duration),
	}
	if res.Status == StatusSuccess {
		logger.Info("Sync completed", fields...)
	} else {
		logger.Warn("Sync completed with errors", append(fields, zap.String("message", res.Message))...)
	}
}

func (e *Engine) nextPage(ctx context.Context, it PageIterator) ([]Hit, error) {
	pctx, cancel := e.pageContext(ctx)
	defer cancel()
	return it.Next(pctx)
}

func (e *Engine) writePage(ctx context.Context, events []repository.Event) (repository.UpsertStats, error) {
	pctx, cancel := e.pageContext(ctx)
	defer cancel()
	return e.writer.UpsertEvents(pctx, events)
}

func (e *Engine) pageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.config.PageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.config.PageTimeout)
}

// buildPage normalizes a page and returns its events plus their timestamps
// in ascending order. Vendor sections are counted into res.
func (e *Engine) buildPage(hits []Hit, res *SyncResult, logger *zap.Logger) ([]repository.Event, []time.Time) {
	events := make([]repository.Event, 0, len(hits))
	stamps := make([]time.Time, 0, len(hits))
	for _, h := range hits {
		if h.ID == "" {
			logger.Warn("Skipping document without id", zap.String("index", h.Index))
			continue
		}
		doc := normalization.Parse(h.Source)
		vendors := doc.Vendors()
		if len(vendors) == 0 {
			vendors = []string{VendorNone}
		}
		for _, v := range vendors {
			res.ByVendor[v]++
			e.metrics.IncVendorDocument(v)
		}

		ev := EventFromFields(h.ID, doc.Fields())
		if ev.Timestamp != nil {
			stamps = append(stamps, *ev.Timestamp)
		}
		events = append(events, ev)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	return events, stamps
}

func (e *Engine) link(ctx context.Context, events []repository.Event, logger *zap.Logger) int {
	if e.linker == nil {
		return 0
	}
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ExternalEventID
	}
	n, err := e.linker.LinkExternalIDs(ctx, ids)
	if err != nil {
		logger.Warn("Correlation failed for page", zap.Error(err))
	}
	return n
}

// EventFromFields builds the canonical event for a normalized document
func EventFromFields(externalID string, f normalization.Fields) repository.Event {
	status := normalization.StatusPending
	if f.Status != nil {
		status = *f.Status
	}
	return repository.Event{
		ExternalEventID:         externalID,
		IncidentID:              f.IncidentID,
		Status:                  status,
		SourceIP:                f.SourceIP,
		DestinationIP:           f.DestinationIP,
		Description:             f.Description,
		Severity:                f.Severity,
		CrowdStrikeSeverity:     f.CrowdStrikeSeverity,
		MitreTacticsAndNames:    f.MitreTacticsAndNames,
		MitreTechniquesAndNames: f.MitreTechniquesAndNames,
		AlertCategories:         f.AlertCategories,
		CrowdStrikeTactics:      f.CrowdStrikeTactics,
		CrowdStrikeTacticIDs:    f.CrowdStrikeTacticIDs,
		CrowdStrikeTechniques:   f.CrowdStrikeTechniques,
		CrowdStrikeTechniqueIDs: f.CrowdStrikeTechniqueIDs,
		CrowdStrikeEventName:    f.CrowdStrikeEventName,
		CrowdStrikeObjective:    f.CrowdStrikeObjective,
		SuricataClassification:  f.SuricataClassification,
		Timestamp:               f.Timestamp,
	}
}
