package severity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Trend directions.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// Unscored is the distribution bucket for events without severity data.
const Unscored = "unscored"

// ErrInvalidWindow is returned for non-positive time windows.
var ErrInvalidWindow = errors.New("severity: window must be positive")

// Source loads severity records. A nil bound is open; from is inclusive and
// to is exclusive. Records without a timestamp only appear when both bounds
// are nil.
type Source interface {
	SeverityRecords(ctx context.Context, from, to *time.Time) ([]Record, error)
}

// EngineConfig configures the severity engine
type EngineConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultEngineConfig returns the default engine settings
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{CacheTTL: 30 * time.Second}
}

// Engine computes aggregate danger levels over stored events
type Engine struct {
	source Source
	cache  Cache
	config EngineConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a severity engine. cache may be nil.
func NewEngine(source Source, cache Cache, cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source: source,
		cache:  cache,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WindowAggregate is an aggregate restricted to a trailing time window
type WindowAggregate struct {
	Aggregate
	WindowHours float64   `json:"time_window_hours"`
	From        time.Time `json:"from"`
}

// TrendResult compares the current window against the one before it
type TrendResult struct {
	Current     Aggregate `json:"current"`
	Previous    Aggregate `json:"previous"`
	Trend       string    `json:"trend"`
	Change      int       `json:"change"`
	WindowHours float64   `json:"period_hours"`
}

// Statistics is the distribution of calculated danger labels
type Statistics struct {
	TotalEvents  int                `json:"total_events"`
	Distribution map[string]int     `json:"severity_distribution"`
	Percentages  map[string]float64 `json:"percentages"`
}

// ScoredEvent is a record with its calculated level
type ScoredEvent struct {
	Record
	CalculatedLevel *int    `json:"calculated_severity_level"`
	CalculatedLabel *string `json:"calculated_danger_level"`
}

// EventFilter selects scored events. Zero values disable a filter.
type EventFilter struct {
	Level int
	Label string
	Skip  int
	Limit int
}

// OverallAverage aggregates every stored event
func (e *Engine) OverallAverage(ctx context.Context) (*Aggregate, error) {
	var agg Aggregate
	if e.cached(ctx, "overall", &agg) {
		return &agg, nil
	}

	records, err := e.source.SeverityRecords(ctx, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("load severity records: %w", err)
	}

	agg = Summarize(ScoreAll(records))
	e.store(ctx, "overall", agg)
	return &agg, nil
}

// RecentAverage aggregates events inside the trailing window
func (e *Engine) RecentAverage(ctx context.Context, window time.Duration) (*WindowAggregate, error) {
	if window <= 0 {
		return nil, ErrInvalidWindow
	}

	key := fmt.Sprintf("recent:%d", int64(window/time.Second))
	var res WindowAggregate
	if e.cached(ctx, key, &res) {
		return &res, nil
	}

	from := e.now().Add(-window)
	agg, err := e.window(ctx, &from, nil)
	if err != nil {
		return nil, err
	}

	res = WindowAggregate{Aggregate: agg, WindowHours: window.Hours(), From: from}
	e.store(ctx, key, res)
	return &res, nil
}

// Trend compares the trailing window with the window of equal length
// immediately before it.
func (e *Engine) Trend(ctx context.Context, window time.Duration) (*TrendResult, error) {
	if window <= 0 {
		return nil, ErrInvalidWindow
	}

	now := e.now()
	currentFrom := now.Add(-window)
	previousFrom := currentFrom.Add(-window)

	current, err := e.window(ctx, &currentFrom, nil)
	if err != nil {
		return nil, err
	}
	previous, err := e.window(ctx, &previousFrom, &currentFrom)
	if err != nil {
		return nil, err
	}

	change := levelOrZero(current.Level) - levelOrZero(previous.Level)
	return &TrendResult{
		Current:     current,
		Previous:    previous,
		Trend:       Direction(change),
		Change:      change,
		WindowHours: window.Hours(),
	}, nil
}

// Direction classifies the sign of a level change
func Direction(change int) string {
	switch {
	case change > 0:
		return TrendIncreasing
	case change < 0:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// Statistics returns the distribution of calculated labels over all events
func (e *Engine) Statistics(ctx context.Context) (*Statistics, error) {
	records, err := e.source.SeverityRecords(ctx, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("load severity records: %w", err)
	}

	stats := &Statistics{
		TotalEvents: len(records),
		Distribution: map[string]int{
			LabelCritical: 0, LabelHigh: 0, LabelMedium: 0, LabelLow: 0, Unscored: 0,
		},
		Percentages: make(map[string]float64),
	}

	for _, o := range ScoreAll(records) {
		if o.Scored() {
			stats.Distribution[Label(o.Level)]++
		} else {
			stats.Distribution[Unscored]++
		}
	}

	for bucket, n := range stats.Distribution {
		if stats.TotalEvents == 0 {
			stats.Percentages[bucket] = 0
			continue
		}
		stats.Percentages[bucket] = math.Round(float64(n)/float64(stats.TotalEvents)*10000) / 100
	}

	return stats, nil
}

// Events returns events with their calculated level, newest first as the
// source orders them, filtered and paged.
func (e *Engine) Events(ctx context.Context, filter EventFilter) ([]ScoredEvent, error) {
	records, err := e.source.SeverityRecords(ctx, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("load severity records: %w", err)
	}

	wantLevel := filter.Level
	if filter.Label != "" {
		level, ok := LevelForLabel(filter.Label)
		if !ok {
			return nil, fmt.Errorf("unknown danger level %q", filter.Label)
		}
		wantLevel = level
	}

	var matched []ScoredEvent
	for _, r := range records {
		o := Score(r)
		if wantLevel != 0 && (!o.Scored() || o.Level != wantLevel) {
			continue
		}
		se := ScoredEvent{Record: r}
		if o.Scored() {
			level, label := o.Level, Label(o.Level)
			se.CalculatedLevel = &level
			se.CalculatedLabel = &label
		}
		matched = append(matched, se)
	}

	if filter.Skip >= len(matched) {
		return []ScoredEvent{}, nil
	}
	matched = matched[filter.Skip:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (e *Engine) window(ctx context.Context, from, to *time.Time) (Aggregate, error) {
	records, err := e.source.SeverityRecords(ctx, from, to)
	if err != nil {
		return Aggregate{}, fmt.Errorf("load severity records: %w", err)
	}
	return Summarize(ScoreAll(records)), nil
}

func (e *Engine) cached(ctx context.Context, key string, dst any) bool {
	if e.cache == nil || e.config.CacheTTL <= 0 {
		return false
	}
	data, err := e.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			e.logger.Warn("Severity cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		e.logger.Warn("Severity cache entry corrupt", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (e *Engine) store(ctx context.Context, key string, v any) {
	if e.cache == nil || e.config.CacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, data, e.config.CacheTTL); err != nil {
		e.logger.Warn("Severity cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func levelOrZero(level *int) int {
	if level == nil {
		return 0
	}
	return *level
}
