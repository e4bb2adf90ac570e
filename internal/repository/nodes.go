package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CreateNode inserts a node. Used for inventory seeding.
func (s *Store) CreateNode(ctx context.Context, node *Node) error {
	return s.db.WithContext(ctx).Create(node).Error
}

// NodeByIP returns the first node whose ip_address equals ip exactly.
func (s *Store) NodeByIP(ctx context.Context, ip string) (*Node, error) {
	var node Node
	if err := s.db.WithContext(ctx).Where("ip_address = ?", ip).Order("id").First(&node).Error; err != nil {
		return nil, notFound(err)
	}
	return &node, nil
}

// NodesByIPs returns nodes keyed by ip_address for the given addresses.
func (s *Store) NodesByIPs(ctx context.Context, ips []string) (map[string]Node, error) {
	out := make(map[string]Node)
	if len(ips) == 0 {
		return out, nil
	}

	var nodes []Node
	if err := s.db.WithContext(ctx).Where("ip_address IN ?", ips).Order("id").Find(&nodes).Error; err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.IPAddress == nil {
			continue
		}
		if _, seen := out[*n.IPAddress]; !seen {
			out[*n.IPAddress] = n
		}
	}
	return out, nil
}

// UpsertLink creates the (node, event) link or refreshes the existing one,
// and returns the stored row.
func (s *Store) UpsertLink(ctx context.Context, link NodeEventLink) (*NodeEventLink, error) {
	if link.DetectedAt.IsZero() {
		link.DetectedAt = time.Now().UTC()
	}

	var stored NodeEventLink
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := UpsertBatch(ctx, tx, []NodeEventLink{link}, []string{"node_id", "event_id"}, LinkUpdateColumns); err != nil {
			return fmt.Errorf("upsert link: %w", err)
		}
		return tx.Where("node_id = ? AND event_id = ?", link.NodeID, link.EventID).First(&stored).Error
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// CountLinks returns the number of links, optionally for one event.
func (s *Store) CountLinks(ctx context.Context, eventID uint) (int64, error) {
	q := s.db.WithContext(ctx).Model(&NodeEventLink{})
	if eventID != 0 {
		q = q.Where("event_id = ?", eventID)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// DeleteLinksForEventsBefore removes links of events older than cutoff.
func (s *Store) DeleteLinksForEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	sub := s.db.Model(&Event{}).Select("id").Where("timestamp < ?", cutoff)
	res := s.db.WithContext(ctx).Where("event_id IN (?)", sub).Delete(&NodeEventLink{})
	return res.RowsAffected, res.Error
}

// NodeEventSummary aggregates the links of one node.
type NodeEventSummary struct {
	NodeID           uint           `json:"node_id"`
	TotalEvents      int64          `json:"total_events"`
	EventsByRole     map[string]int `json:"events_by_role"`
	EventsBySeverity map[string]int `json:"events_by_severity"`
	LatestEventTime  *time.Time     `json:"latest_event_time"`
}

// NodeSummary summarizes the events linked to a node.
func (s *Store) NodeSummary(ctx context.Context, nodeID uint) (*NodeEventSummary, error) {
	db := s.db.WithContext(ctx)
	summary := &NodeEventSummary{
		NodeID:           nodeID,
		EventsByRole:     make(map[string]int),
		EventsBySeverity: make(map[string]int),
	}

	if err := db.Model(&NodeEventLink{}).Where("node_id = ?", nodeID).Count(&summary.TotalEvents).Error; err != nil {
		return nil, err
	}

	var byRole []struct {
		Role  string
		Count int
	}
	if err := db.Model(&NodeEventLink{}).
		Select("role, COUNT(*) AS count").
		Where("node_id = ?", nodeID).
		Group("role").
		Scan(&byRole).Error; err != nil {
		return nil, err
	}
	for _, r := range byRole {
		summary.EventsByRole[r.Role] = r.Count
	}

	var bySeverity []struct {
		Severity *string
		Count    int
	}
	if err := db.Model(&NodeEventLink{}).
		Select("events.severity AS severity, COUNT(*) AS count").
		Joins("JOIN events ON events.id = node_event_links.event_id").
		Where("node_event_links.node_id = ?", nodeID).
		Group("events.severity").
		Scan(&bySeverity).Error; err != nil {
		return nil, err
	}
	for _, r := range bySeverity {
		key := "unknown"
		if r.Severity != nil {
			key = *r.Severity
		}
		summary.EventsBySeverity[key] += r.Count
	}

	var latest NodeEventLink
	err := db.Where("node_id = ?", nodeID).Order("detected_at DESC").First(&latest).Error
	if err == nil {
		summary.LatestEventTime = &latest.DetectedAt
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return summary, nil
}

// EventNodeSummary aggregates the links of one event.
type EventNodeSummary struct {
	EventID     uint           `json:"event_id"`
	TotalNodes  int64          `json:"total_nodes"`
	NodesByRole map[string]int `json:"nodes_by_role"`
	AffectedIPs []string       `json:"affected_ips"`
}

// EventSummary summarizes the nodes linked to an event.
func (s *Store) EventSummary(ctx context.Context, eventID uint) (*EventNodeSummary, error) {
	db := s.db.WithContext(ctx)
	summary := &EventNodeSummary{
		EventID:     eventID,
		NodesByRole: make(map[string]int),
		AffectedIPs: []string{},
	}

	if err := db.Model(&NodeEventLink{}).Where("event_id = ?", eventID).Count(&summary.TotalNodes).Error; err != nil {
		return nil, err
	}

	var byRole []struct {
		Role  string
		Count int
	}
	if err := db.Model(&NodeEventLink{}).
		Select("role, COUNT(*) AS count").
		Where("event_id = ?", eventID).
		Group("role").
		Scan(&byRole).Error; err != nil {
		return nil, err
	}
	for _, r := range byRole {
		summary.NodesByRole[r.Role] = r.Count
	}

	var ips []string
	if err := db.Model(&NodeEventLink{}).
		Where("event_id = ? AND ip IS NOT NULL", eventID).
		Distinct().
		Order("ip").
		Pluck("ip", &ips).Error; err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip != "" {
			summary.AffectedIPs = append(summary.AffectedIPs, ip)
		}
	}

	return summary, nil
}
