package queue

import (
	"context"
	"fmt"
	"time"
)

// Status is the derived sync-status summary consumed by the UI.
//
// It is recomputed from the current record set on every call and is never
// itself the source of truth; consumers re-read it after lifecycle events
// rather than holding onto a stale copy.
type Status struct {
	IsOnline     bool       `json:"is_online"`
	PendingCount int        `json:"pending_count"`
	IsSyncing    bool       `json:"is_syncing"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
}

// Status rebuilds the sync-status projection from the current collections.
//
// PendingCount counts offline reports in pending or error status (both are
// awaiting a successful pass). IsSyncing is true while any record in either
// collection is mid-flight.
func (s *Store) Status(ctx context.Context, isOnline bool) (*Status, error) {
	var pending int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM offline_reports
		WHERE sync_status IN ('pending', 'error')
	`).Scan(&pending)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending reports: %w", err)
	}

	var syncing int
	err = s.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM offline_reports WHERE sync_status = 'syncing') +
			(SELECT COUNT(*) FROM drafts WHERE sync_status = 'syncing')
	`).Scan(&syncing)
	if err != nil {
		return nil, fmt.Errorf("failed to count syncing records: %w", err)
	}

	lastSync, err := s.LastSyncTime(ctx)
	if err != nil {
		return nil, err
	}

	return &Status{
		IsOnline:     isOnline,
		PendingCount: pending,
		IsSyncing:    syncing > 0,
		LastSyncTime: lastSync,
	}, nil
}
