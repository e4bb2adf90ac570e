// Package retention removes aged alerts and node links.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/observability"
)

// Store deletes aged records
type Store interface {
	DeleteAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteLinksForEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config sets retention ages. A zero EventLinkMaxAge keeps links forever.
type Config struct {
	AlertMaxAge     time.Duration `yaml:"alert_max_age" validate:"gt=0"`
	EventLinkMaxAge time.Duration `yaml:"event_link_max_age" validate:"gte=0"`
}

// DefaultConfig keeps alerts for 30 days
func DefaultConfig() Config {
	return Config{AlertMaxAge: 30 * 24 * time.Hour}
}

// CleanupResult reports one cleanup run
type CleanupResult struct {
	Status        string     `json:"status"`
	AlertsDeleted int64      `json:"alerts_deleted"`
	LinksDeleted  int64      `json:"links_deleted"`
	AlertCutoff   time.Time  `json:"alert_cutoff"`
	LinkCutoff    *time.Time `json:"link_cutoff,omitempty"`
	Message       string     `json:"message"`
}

// Cleaner applies the retention policy
type Cleaner struct {
	store   Store
	config  Config
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewCleaner creates a cleaner
func NewCleaner(store Store, cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AlertMaxAge <= 0 {
		cfg.AlertMaxAge = DefaultConfig().AlertMaxAge
	}
	return &Cleaner{
		store:   store,
		config:  cfg,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "retention")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run deletes alerts older than the alert age and, when configured, links
// of events older than the link age.
func (c *Cleaner) Run(ctx context.Context) (*CleanupResult, error) {
	now := c.now()
	res := &CleanupResult{
		Status:      "success",
		AlertCutoff: now.Add(-c.config.AlertMaxAge),
	}

	n, err := c.store.DeleteAlertsBefore(ctx, res.AlertCutoff)
	if err != nil {
		return nil, fmt.Errorf("delete alerts: %w", err)
	}
	res.AlertsDeleted = n
	c.metrics.AddDeleted("alerts", n)

	if c.config.EventLinkMaxAge > 0 {
		cutoff := now.Add(-c.config.EventLinkMaxAge)
		res.LinkCutoff = &cutoff
		n, err := c.store.DeleteLinksForEventsBefore(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("delete node links: %w", err)
		}
		res.LinksDeleted = n
		c.metrics.AddDeleted("node_links", n)
	}

	res.Message = fmt.Sprintf("deleted %d alerts and %d node links", res.AlertsDeleted, res.LinksDeleted)
	c.logger.Info("Retention cleanup finished",
		zap.Int64("alerts_deleted", res.AlertsDeleted),
		zap.Int64("links_deleted", res.LinksDeleted),
	)
	return res, nil
}
