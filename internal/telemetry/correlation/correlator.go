// Package correlation links canonical events to known network nodes by
// exact IP address.
package correlation

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/repository"
)

var tracer = otel.Tracer("github.com/lvonguyen/threatpulse/internal/telemetry/correlation")

// Store is the persistence the correlator needs
type Store interface {
	NodeByIP(ctx context.Context, ip string) (*repository.Node, error)
	NodesByIPs(ctx context.Context, ips []string) (map[string]repository.Node, error)
	UpsertLink(ctx context.Context, link repository.NodeEventLink) (*repository.NodeEventLink, error)
	RecentEvents(ctx context.Context, limit int) ([]repository.Event, error)
	EventsByExternalIDs(ctx context.Context, externalIDs []string) ([]repository.Event, error)
	NodeSummary(ctx context.Context, nodeID uint) (*repository.NodeEventSummary, error)
	EventSummary(ctx context.Context, eventID uint) (*repository.EventNodeSummary, error)
}

// CorrelatorConfig holds configuration for the correlator
type CorrelatorConfig struct {
	BatchSize      int `yaml:"batch_size" validate:"min=1,max=1000"`
	RelevanceScore int `yaml:"relevance_score" validate:"min=0,max=100"`
}

// DefaultCorrelatorConfig returns the default correlator settings
func DefaultCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{
		BatchSize:      100,
		RelevanceScore: 100,
	}
}

// CorrelationResult reports a batch correlation pass
type CorrelationResult struct {
	Status          string   `json:"status"`
	EventsProcessed int      `json:"events_processed"`
	LinksCreated    int      `json:"links_created"`
	Errors          []string `json:"errors,omitempty"`
}

// Correlator links events to nodes
type Correlator struct {
	store   Store
	config  CorrelatorConfig
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewCorrelator creates a new correlator
func NewCorrelator(store Store, cfg CorrelatorConfig, metrics *observability.Metrics, logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultCorrelatorConfig().BatchSize
	}
	return &Correlator{
		store:   store,
		config:  cfg,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "correlator")),
	}
}

// LinkByIP links eventID to the node owning sourceIP (role source) and the
// node owning destinationIP (role destination). Addresses with no matching
// node are skipped. When both addresses resolve to the same node the single
// link ends with the destination role.
func (c *Correlator) LinkByIP(ctx context.Context, eventID uint, sourceIP, destinationIP *string) ([]repository.NodeEventLink, error) {
	return c.link(ctx, eventID, sourceIP, destinationIP, c.store.NodeByIP)
}

type nodeLookup func(ctx context.Context, ip string) (*repository.Node, error)

func (c *Correlator) link(ctx context.Context, eventID uint, sourceIP, destinationIP *string, lookup nodeLookup) ([]repository.NodeEventLink, error) {
	var (
		links []repository.NodeEventLink
		errs  error
	)

	for _, side := range []struct {
		ip   *string
		role string
	}{
		{sourceIP, repository.RoleSource},
		{destinationIP, repository.RoleDestination},
	} {
		if side.ip == nil || *side.ip == "" {
			continue
		}

		node, err := lookup(ctx, *side.ip)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("lookup node %s: %w", *side.ip, err))
			continue
		}

		ip := *side.ip
		link, err := c.store.UpsertLink(ctx, repository.NodeEventLink{
			NodeID:         node.ID,
			EventID:        eventID,
			Role:           side.role,
			IP:             &ip,
			RelevanceScore: c.config.RelevanceScore,
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("link event %d to node %d: %w", eventID, node.ID, err))
			continue
		}

		c.metrics.IncLink(side.role)
		links = append(links, *link)
	}

	return links, errs
}

// LinkEvents links each event by its addresses and returns the number of
// links written. Nodes are resolved in one lookup for the whole batch.
// Failures on one event do not stop the others.
func (c *Correlator) LinkEvents(ctx context.Context, events []repository.Event) (int, error) {
	ips := eventIPs(events)
	if len(ips) == 0 {
		return 0, nil
	}
	nodes, err := c.store.NodesByIPs(ctx, ips)
	if err != nil {
		return 0, fmt.Errorf("lookup nodes: %w", err)
	}
	lookup := func(_ context.Context, ip string) (*repository.Node, error) {
		node, ok := nodes[ip]
		if !ok {
			return nil, repository.ErrNotFound
		}
		return &node, nil
	}

	var (
		total int
		errs  error
	)
	for _, ev := range events {
		if ev.SourceIP == nil && ev.DestinationIP == nil {
			continue
		}
		links, err := c.link(ctx, ev.ID, ev.SourceIP, ev.DestinationIP, lookup)
		total += len(links)
		errs = multierr.Append(errs, err)
	}
	return total, errs
}

func eventIPs(events []repository.Event) []string {
	seen := make(map[string]struct{})
	var ips []string
	for _, ev := range events {
		for _, ip := range []*string{ev.SourceIP, ev.DestinationIP} {
			if ip == nil || *ip == "" {
				continue
			}
			if _, ok := seen[*ip]; ok {
				continue
			}
			seen[*ip] = struct{}{}
			ips = append(ips, *ip)
		}
	}
	return ips
}

// LinkExternalIDs resolves events by their event store ids and links them
func (c *Correlator) LinkExternalIDs(ctx context.Context, externalIDs []string) (int, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	events, err := c.store.EventsByExternalIDs(ctx, externalIDs)
	if err != nil {
		return 0, fmt.Errorf("load events: %w", err)
	}
	return c.LinkEvents(ctx, events)
}

// SyncEventsWithNodes links the most recent limit events. Safe to re-run;
// existing links are refreshed, never duplicated.
func (c *Correlator) SyncEventsWithNodes(ctx context.Context, limit int) (*CorrelationResult, error) {
	if limit <= 0 {
		limit = c.config.BatchSize
	}

	ctx, span := tracer.Start(ctx, "correlation.SyncEventsWithNodes")
	defer span.End()

	events, err := c.store.RecentEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent events: %w", err)
	}

	n, err := c.LinkEvents(ctx, events)
	res := &CorrelationResult{
		Status:          "success",
		EventsProcessed: len(events),
		LinksCreated:    n,
	}
	if err != nil {
		res.Status = "error"
		for _, e := range multierr.Errors(err) {
			res.Errors = append(res.Errors, e.Error())
		}
		c.logger.Warn("Correlation completed with errors", zap.Int("errors", len(res.Errors)), zap.Error(err))
	}

	span.SetAttributes(
		attribute.Int("events", res.EventsProcessed),
		attribute.Int("links", res.LinksCreated),
	)
	c.logger.Info("Correlated events with nodes",
		zap.Int("events", res.EventsProcessed),
		zap.Int("links", res.LinksCreated),
	)
	return res, nil
}

// NodeSummary summarizes the events linked to a node
func (c *Correlator) NodeSummary(ctx context.Context, nodeID uint) (*repository.NodeEventSummary, error) {
	return c.store.NodeSummary(ctx, nodeID)
}

// EventSummary summarizes the nodes linked to an event
func (c *Correlator) EventSummary(ctx context.Context, eventID uint) (*repository.EventNodeSummary, error) {
	return c.store.EventSummary(ctx, eventID)
}
