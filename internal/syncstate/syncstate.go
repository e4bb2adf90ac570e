// Package syncstate owns the persisted watermark of each incremental job.
package syncstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvonguyen/threatpulse/internal/repository"
)

// StatusNever is reported for a sync type that has no cursor yet.
const StatusNever = "never"

// CursorStore persists sync cursors
type CursorStore interface {
	Cursor(ctx context.Context, syncType string) (*repository.SyncCursor, error)
	SaveCursor(ctx context.Context, c repository.SyncCursor) error
}

// State is a read-only view of one cursor
type State struct {
	SyncType          string     `json:"sync_type"`
	LastSyncTimestamp *time.Time `json:"last_sync_timestamp"`
	LastCompletedAt   *time.Time `json:"last_completed_at"`
	LastStatus        string     `json:"last_status"`
	TotalProcessed    int64      `json:"total_processed"`
	LastErrorMessage  *string    `json:"last_error_message,omitempty"`
}

// Service reads and advances the cursor of a single sync type. The
// watermark never moves backwards.
type Service struct {
	store    CursorStore
	syncType string
	now      func() time.Time
}

// New creates a Service for syncType
func New(store CursorStore, syncType string) *Service {
	return &Service{
		store:    store,
		syncType: syncType,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SyncType returns the cursor key
func (s *Service) SyncType() string { return s.syncType }

// Watermark returns the last persisted timestamp, nil on first run.
func (s *Service) Watermark(ctx context.Context) (*time.Time, error) {
	c, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	return c.LastSyncTimestamp, nil
}

// RecordSuccess marks a completed run. latest, when newer than the stored
// watermark, becomes the new watermark.
func (s *Service) RecordSuccess(ctx context.Context, processed int, latest *time.Time) error {
	return s.record(ctx, repository.CursorStatusSuccess, processed, latest, nil)
}

// RecordFailure marks a failed run. advanceTo may carry a committed prefix
// watermark; nil leaves the watermark untouched.
func (s *Service) RecordFailure(ctx context.Context, processed int, advanceTo *time.Time, message string) error {
	return s.record(ctx, repository.CursorStatusError, processed, advanceTo, &message)
}

// Snapshot returns the current state
func (s *Service) Snapshot(ctx context.Context) (State, error) {
	c, err := s.load(ctx)
	if err != nil {
		return State{}, err
	}
	if c == nil {
		return State{SyncType: s.syncType, LastStatus: StatusNever}, nil
	}
	return State{
		SyncType:          c.SyncType,
		LastSyncTimestamp: c.LastSyncTimestamp,
		LastCompletedAt:   c.LastCompletedAt,
		LastStatus:        c.LastStatus,
		TotalProcessed:    c.TotalProcessed,
		LastErrorMessage:  c.LastErrorMessage,
	}, nil
}

func (s *Service) record(ctx context.Context, status string, processed int, advanceTo *time.Time, message *string) error {
	c, err := s.load(ctx)
	if err != nil {
		return err
	}
	if c == nil {
		c = &repository.SyncCursor{SyncType: s.syncType}
	}

	if advanceTo != nil && (c.LastSyncTimestamp == nil || advanceTo.After(*c.LastSyncTimestamp)) {
		wm := advanceTo.UTC()
		c.LastSyncTimestamp = &wm
	}
	completed := s.now()
	c.LastCompletedAt = &completed
	c.LastStatus = status
	c.TotalProcessed += int64(processed)
	c.LastErrorMessage = message

	if err := s.store.SaveCursor(ctx, *c); err != nil {
		return fmt.Errorf("save %s cursor: %w", s.syncType, err)
	}
	return nil
}

func (s *Service) load(ctx context.Context) (*repository.SyncCursor, error) {
	c, err := s.store.Cursor(ctx, s.syncType)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s cursor: %w", s.syncType, err)
	}
	return c, nil
}
