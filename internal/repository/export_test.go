package repository

import "context"

// InsertFreshAlerts skips the existing-id lookup of InsertAlerts.
func (s *Store) InsertFreshAlerts(ctx context.Context, alerts []Alert) ([]Alert, error) {
	return insertFresh(ctx, s.db, alerts)
}
