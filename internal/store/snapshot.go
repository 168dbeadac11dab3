package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"chat-engine/models"
)

// Snapshot is a point-in-time view used to feed gauges.
type Snapshot struct {
	ActiveSessions     int
	AvailableProviders int
	FreeSlots          int
	Queue              models.QueueMetrics
}

func (q *Queries) Snapshot(ctx context.Context, capacity int, now time.Time) (Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.ActiveSessions, err = q.CountActiveSessions(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Queue, err = q.QueueMetrics(ctx, now); err != nil {
		return Snapshot{}, err
	}

	var row struct {
		Providers int `db:"providers"`
		Free      int `db:"free"`
	}
	err = q.db.NewQuery(`
		SELECT COUNT(*) AS providers,
			COALESCE(SUM(MAX({:capacity} - current_session_count, 0)), 0) AS free
		FROM provider_availability
		WHERE is_available = 1`).
		Bind(dbx.Params{"capacity": capacity}).
		WithContext(ctx).
		One(&row)
	if err != nil {
		return Snapshot{}, fmt.Errorf("provider snapshot: %w", err)
	}
	snap.AvailableProviders = row.Providers
	snap.FreeSlots = row.Free
	return snap, nil
}
