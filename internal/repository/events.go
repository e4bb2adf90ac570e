package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/lvonguyen/threatpulse/internal/severity"
)

// UpsertStats counts the outcome of one event upsert batch.
type UpsertStats struct {
	Inserted int
	Updated  int
}

// UpsertEvents writes one batch of events keyed on external_event_id.
// New ids are inserted; existing ids have EventUpdateColumns overwritten.
// Duplicate ids inside the batch collapse to the last occurrence.
func (s *Store) UpsertEvents(ctx context.Context, events []Event) (UpsertStats, error) {
	var stats UpsertStats
	events = dedupeEvents(events)
	if len(events) == 0 {
		return stats, nil
	}

	ids := make([]string, len(events))
	for i := range events {
		ids[i] = events[i].ExternalEventID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Model(&Event{}).
			Where("external_event_id IN ?", ids).
			Pluck("external_event_id", &existing).Error; err != nil {
			return fmt.Errorf("lookup existing events: %w", err)
		}

		if _, err := UpsertBatch(ctx, tx, events, []string{"external_event_id"}, EventUpdateColumns); err != nil {
			return fmt.Errorf("upsert events: %w", err)
		}

		stats.Updated = len(existing)
		stats.Inserted = len(events) - len(existing)
		return nil
	})
	if err != nil {
		return UpsertStats{}, err
	}
	return stats, nil
}

func dedupeEvents(events []Event) []Event {
	last := make(map[string]int, len(events))
	for i := range events {
		last[events[i].ExternalEventID] = i
	}
	if len(last) == len(events) {
		return events
	}
	out := make([]Event, 0, len(last))
	for i := range events {
		if last[events[i].ExternalEventID] == i {
			out = append(out, events[i])
		}
	}
	return out
}

// EventByExternalID loads one event.
func (s *Store) EventByExternalID(ctx context.Context, externalID string) (*Event, error) {
	var ev Event
	if err := s.db.WithContext(ctx).Where("external_event_id = ?", externalID).First(&ev).Error; err != nil {
		return nil, notFound(err)
	}
	return &ev, nil
}

// EventsByExternalIDs loads events for the given ids.
func (s *Store) EventsByExternalIDs(ctx context.Context, externalIDs []string) ([]Event, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	var events []Event
	err := s.db.WithContext(ctx).Where("external_event_id IN ?", externalIDs).Find(&events).Error
	return events, err
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Event{}).Count(&n).Error
	return n, err
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Order("timestamp DESC").Order("id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// EventsWithoutAlert returns up to limit events that have no alert yet,
// oldest first. With since set, only events after since (or without a
// timestamp) qualify.
func (s *Store) EventsWithoutAlert(ctx context.Context, since *time.Time, limit int) ([]Event, error) {
	q := s.db.WithContext(ctx).
		Model(&Event{}).
		Select("events.*").
		Joins("LEFT JOIN alerts ON alerts.event_id = events.external_event_id").
		Where("alerts.id IS NULL")
	if since != nil {
		q = q.Where("(events.timestamp > ? OR events.timestamp IS NULL)", *since)
	}

	var events []Event
	err := q.Order("events.timestamp ASC").Order("events.id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// SeverityRecords implements severity.Source. Results are newest first.
func (s *Store) SeverityRecords(ctx context.Context, from, to *time.Time) ([]severity.Record, error) {
	q := s.db.WithContext(ctx).Model(&Event{})
	if from != nil {
		q = q.Where("timestamp >= ?", *from)
	}
	if to != nil {
		q = q.Where("timestamp < ?", *to)
	}

	var rows []struct {
		ExternalEventID     string
		Severity            *string
		CrowdStrikeSeverity *string `gorm:"column:crowdstrike_severity"`
		Timestamp           *time.Time
	}
	if err := q.Select("external_event_id", "severity", "crowdstrike_severity", "timestamp").
		Order("timestamp DESC").Order("id DESC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]severity.Record, len(rows))
	for i, r := range rows {
		records[i] = severity.Record{
			EventID:             r.ExternalEventID,
			Severity:            r.Severity,
			CrowdStrikeSeverity: r.CrowdStrikeSeverity,
			Timestamp:           r.Timestamp,
		}
	}
	return records, nil
}

// TacticLists returns the Palo and CrowdStrike tactic lists of every event
// in the window. A nil bound is open.
func (s *Store) TacticLists(ctx context.Context, from *time.Time) ([][]string, error) {
	q := s.db.WithContext(ctx).Model(&Event{})
	if from != nil {
		q = q.Where("timestamp >= ?", *from)
	}

	var events []Event
	if err := q.Select("id", "mitre_tactics_ids_and_names", "crowdstrike_tactics", "crowdstrike_tactics_ids").
		Find(&events).Error; err != nil {
		return nil, err
	}

	lists := make([][]string, len(events))
	for i, ev := range events {
		l := make([]string, 0, len(ev.MitreTacticsAndNames)+len(ev.CrowdStrikeTactics)+len(ev.CrowdStrikeTacticIDs))
		l = append(l, ev.MitreTacticsAndNames...)
		l = append(l, ev.CrowdStrikeTactics...)
		l = append(l, ev.CrowdStrikeTacticIDs...)
		lists[i] = l
	}
	return lists, nil
}
