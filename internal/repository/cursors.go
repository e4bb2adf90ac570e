package repository

import (
	"context"
	"time"
)

// Cursor loads the cursor for a sync type.
func (s *Store) Cursor(ctx context.Context, syncType string) (*SyncCursor, error) {
	var c SyncCursor
	if err := s.db.WithContext(ctx).Where("sync_type = ?", syncType).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// Cursors loads every cursor.
func (s *Store) Cursors(ctx context.Context) ([]SyncCursor, error) {
	var cursors []SyncCursor
	err := s.db.WithContext(ctx).Order("sync_type").Find(&cursors).Error
	return cursors, err
}

// SaveCursor writes the cursor row for its sync type, creating it on first use.
func (s *Store) SaveCursor(ctx context.Context, c SyncCursor) error {
	c.ID = 0
	c.UpdatedAt = time.Now().UTC()
	_, err := UpsertBatch(ctx, s.db, []SyncCursor{c}, []string{"sync_type"}, CursorUpdateColumns)
	return err
}
