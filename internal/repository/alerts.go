package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// InsertAlerts inserts alerts, ignoring any whose event_id already has an
// alert. It returns the alerts that were actually created.
func (s *Store) InsertAlerts(ctx context.Context, alerts []Alert) ([]Alert, error) {
	if len(alerts) == 0 {
		return nil, nil
	}

	ids := make([]string, len(alerts))
	for i := range alerts {
		ids[i] = alerts[i].EventID
	}

	var created []Alert
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Model(&Alert{}).Where("event_id IN ?", ids).Pluck("event_id", &existing).Error; err != nil {
			return fmt.Errorf("lookup existing alerts: %w", err)
		}
		seen := make(map[string]bool, len(existing))
		for _, id := range existing {
			seen[id] = true
		}

		fresh := make([]Alert, 0, len(alerts))
		for _, a := range alerts {
			if seen[a.EventID] {
				continue
			}
			seen[a.EventID] = true
			fresh = append(fresh, a)
		}
		var err error
		created, err = insertFresh(ctx, tx, fresh)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// insertFresh inserts alerts one row at a time so a row claimed by a
// concurrent writer after the lookup is not reported as created.
func insertFresh(ctx context.Context, tx *gorm.DB, fresh []Alert) ([]Alert, error) {
	created := make([]Alert, 0, len(fresh))
	for _, a := range fresh {
		row := []Alert{a}
		n, err := UpsertBatch(ctx, tx, row, []string{"event_id"}, nil)
		if err != nil {
			return nil, fmt.Errorf("insert alert %s: %w", a.EventID, err)
		}
		if n == 1 {
			created = append(created, row[0])
		}
	}
	return created, nil
}

// CountAlerts returns the number of stored alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Alert{}).Count(&n).Error
	return n, err
}

// AlertsByEventIDs loads the alerts of the given events.
func (s *Store) AlertsByEventIDs(ctx context.Context, eventIDs []string) ([]Alert, error) {
	var alerts []Alert
	err := s.db.WithContext(ctx).Where("event_id IN ?", eventIDs).Order("id").Find(&alerts).Error
	return alerts, err
}

// NameCount is an alert name with its frequency.
type NameCount struct {
	Name  string `json:"alert_name"`
	Count int    `json:"count"`
}

// AlertSummary is the total alert count with a per-name breakdown.
type AlertSummary struct {
	TotalAlerts int64          `json:"total_alerts"`
	ByName      []NameCount    `json:"alerts_by_name"`
	BySeverity  map[string]int `json:"alerts_by_severity"`
	BySource    map[string]int `json:"alerts_by_source"`
}

// SummarizeAlerts counts alerts by name (most frequent first), severity
// and source.
func (s *Store) SummarizeAlerts(ctx context.Context) (*AlertSummary, error) {
	db := s.db.WithContext(ctx)
	summary := &AlertSummary{
		ByName:     []NameCount{},
		BySeverity: make(map[string]int),
		BySource:   make(map[string]int),
	}

	if err := db.Model(&Alert{}).Count(&summary.TotalAlerts).Error; err != nil {
		return nil, err
	}

	if err := db.Model(&Alert{}).
		Select("name, COUNT(*) AS count").
		Group("name").
		Order("count DESC").Order("name").
		Scan(&summary.ByName).Error; err != nil {
		return nil, err
	}

	var groups []struct {
		Bucket string
		Count  int
	}
	for column, dst := range map[string]map[string]int{"severity": summary.BySeverity, "source": summary.BySource} {
		groups = groups[:0]
		if err := db.Model(&Alert{}).
			Select(column + " AS bucket, COUNT(*) AS count").
			Group(column).
			Scan(&groups).Error; err != nil {
			return nil, err
		}
		for _, g := range groups {
			dst[g.Bucket] = g.Count
		}
	}

	return summary, nil
}

// LatestAlerts returns the n most recently created alerts.
func (s *Store) LatestAlerts(ctx context.Context, n int) ([]Alert, error) {
	var alerts []Alert
	err := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(n).Find(&alerts).Error
	return alerts, err
}

// DeleteAlertsBefore removes alerts whose event time is before cutoff.
func (s *Store) DeleteAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&Alert{})
	return res.RowsAffected, res.Error
}
