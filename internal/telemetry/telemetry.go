// Package telemetry assembles the security event pipeline: documents are
// scrolled out of the event store, normalized into canonical events and
// correlated with known network nodes by IP.
//
// The stages live in subpackages (ingestion, normalization, correlation);
// this package wires them over one repository.
package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/repository"
	"github.com/lvonguyen/threatpulse/internal/syncstate"
	"github.com/lvonguyen/threatpulse/internal/telemetry/correlation"
	"github.com/lvonguyen/threatpulse/internal/telemetry/ingestion"
)

// Repository is the persistence shared by every stage
type Repository interface {
	ingestion.EventWriter
	syncstate.CursorStore
	correlation.Store
}

// Config configures the pipeline
type Config struct {
	Sync        ingestion.SyncConfig
	Correlation correlation.CorrelatorConfig
	// LinkOnSync correlates each committed page during sync. When false,
	// correlation only runs as its own job.
	LinkOnSync bool
}

// Pipeline is the assembled event pipeline
type Pipeline struct {
	Source     ingestion.EventStore
	Cursor     *syncstate.Service
	Correlator *correlation.Correlator
	Engine     *ingestion.Engine
}

// NewPipeline wires source and repo into a sync engine with its cursor and
// correlator.
func NewPipeline(source ingestion.EventStore, repo Repository, cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		Source:     source,
		Cursor:     syncstate.New(repo, repository.SyncTypeElasticsearch),
		Correlator: correlation.NewCorrelator(repo, cfg.Correlation, metrics, logger),
	}

	opts := []ingestion.Option{ingestion.WithMetrics(metrics)}
	if cfg.LinkOnSync {
		opts = append(opts, ingestion.WithLinker(p.Correlator))
	}
	p.Engine = ingestion.NewEngine(source, repo, p.Cursor, cfg.Sync, logger, opts...)
	return p
}

// Sync runs one incremental sync
func (p *Pipeline) Sync(ctx context.Context) (*ingestion.SyncResult, error) {
	return p.Engine.Sync(ctx)
}

// Resync replays every document newer than since, ignoring the watermark.
// A nil since replays the whole index.
func (p *Pipeline) Resync(ctx context.Context, since *time.Time) *ingestion.SyncResult {
	return p.Engine.Run(ctx, since)
}

// HealthCheck verifies the event store is reachable
func (p *Pipeline) HealthCheck(ctx context.Context) error {
	return p.Source.HealthCheck(ctx)
}
