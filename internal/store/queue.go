package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"chat-engine/internal/status"
	"chat-engine/models"
)

// ErrAlreadyWaiting is returned by InsertQueueEntry when the customer
// already has a waiting entry.
var ErrAlreadyWaiting = errors.New("customer already waiting")

type queueRow struct {
	Seq               int64  `db:"seq"`
	ID                string `db:"id"`
	CustomerID        string `db:"customer_id"`
	PreferredLanguage string `db:"preferred_language"`
	JoinedAt          int64  `db:"joined_at"`
	Status            string `db:"status"`
	Priority          string `db:"priority"`
	WaitTimeSeconds   int64  `db:"wait_time_seconds"`
}

func (r queueRow) model() models.QueueEntry {
	return models.QueueEntry{
		ID:                r.ID,
		Seq:               r.Seq,
		CustomerID:        r.CustomerID,
		PreferredLanguage: r.PreferredLanguage,
		JoinedAt:          fromMillis(r.JoinedAt),
		Status:            models.QueueStatus(r.Status),
		Priority:          models.Priority(r.Priority),
		WaitTimeSeconds:   r.WaitTimeSeconds,
	}
}

const queueColumns = "seq, id, customer_id, preferred_language, joined_at, status, priority, wait_time_seconds"

// WaitingEntry returns the customer's waiting entry or ErrNotFound.
func (q *Queries) WaitingEntry(ctx context.Context, customerID string) (models.QueueEntry, error) {
	var row queueRow
	err := q.db.NewQuery(`
		SELECT `+queueColumns+`
		FROM queue_entries
		WHERE customer_id = {:customer} AND status = 'waiting'
		ORDER BY seq DESC
		LIMIT 1`).
		Bind(dbx.Params{"customer": customerID}).
		WithContext(ctx).
		One(&row)
	if isNoRows(err) {
		return models.QueueEntry{}, fmt.Errorf("queue entry for %s: %w", customerID, status.ErrNotFound)
	} else if err != nil {
		return models.QueueEntry{}, fmt.Errorf("get queue entry for %s: %w", customerID, err)
	}
	return row.model(), nil
}

// InsertQueueEntry adds a waiting entry. The partial unique index turns a
// second concurrent join into ErrAlreadyWaiting.
func (q *Queries) InsertQueueEntry(ctx context.Context, e models.QueueEntry, now time.Time) (models.QueueEntry, error) {
	_, err := q.db.Insert("queue_entries", dbx.Params{
		"id":                 e.ID,
		"customer_id":        e.CustomerID,
		"preferred_language": e.PreferredLanguage,
		"joined_at":          toMillis(e.JoinedAt),
		"status":             string(models.QueueWaiting),
		"priority":           string(e.Priority),
		"wait_time_seconds":  e.WaitTimeSeconds,
		"updated_at":         toMillis(now),
	}).WithContext(ctx).Execute()
	if isUniqueViolation(err) {
		return models.QueueEntry{}, fmt.Errorf("join queue for %s: %w", e.CustomerID, ErrAlreadyWaiting)
	} else if err != nil {
		return models.QueueEntry{}, fmt.Errorf("join queue for %s: %w", e.CustomerID, err)
	}
	return q.WaitingEntry(ctx, e.CustomerID)
}

// FinishWaiting moves the customer's waiting entry to matched or left. It
// reports whether a row changed.
func (q *Queries) FinishWaiting(ctx context.Context, customerID string, to models.QueueStatus, now time.Time) (bool, error) {
	res, err := q.db.NewQuery(`
		UPDATE queue_entries
		SET status = {:to}, updated_at = {:now}
		WHERE customer_id = {:customer} AND status = 'waiting'`).
		Bind(dbx.Params{"to": string(to), "now": toMillis(now), "customer": customerID}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return false, fmt.Errorf("mark queue entry %s for %s: %w", to, customerID, err)
	}
	n, err := affected(res)
	return n > 0, err
}

// RefreshWait stores the recomputed wait time and, once threshold is
// reached, escalates normal priority to elevated. Escalation never reverses.
func (q *Queries) RefreshWait(ctx context.Context, entryID string, waitSeconds int64, escalate bool, now time.Time) error {
	_, err := q.db.NewQuery(`
		UPDATE queue_entries
		SET wait_time_seconds = {:wait},
			priority = CASE WHEN {:escalate} AND priority = 'normal' THEN 'elevated' ELSE priority END,
			updated_at = {:now}
		WHERE id = {:id} AND status = 'waiting'`).
		Bind(dbx.Params{"wait": waitSeconds, "escalate": escalate, "now": toMillis(now), "id": entryID}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("refresh queue entry %s: %w", entryID, err)
	}
	return nil
}

// QueuePosition is the 1-based rank of e among waiting entries of the same
// language ordered by join time, then insertion order.
func (q *Queries) QueuePosition(ctx context.Context, e models.QueueEntry) (int, error) {
	var n int
	err := q.db.NewQuery(`
		SELECT COUNT(*)
		FROM queue_entries
		WHERE status = 'waiting'
			AND preferred_language = {:lang}
			AND (joined_at < {:joined} OR (joined_at = {:joined} AND seq <= {:seq}))`).
		Bind(dbx.Params{"lang": e.PreferredLanguage, "joined": toMillis(e.JoinedAt), "seq": e.Seq}).
		WithContext(ctx).
		Row(&n)
	if err != nil {
		return 0, fmt.Errorf("queue position of %s: %w", e.ID, err)
	}
	return n, nil
}

// WaitingEntries lists the whole waiting queue in dispatch order: elevated
// entries first, then by join time and insertion order.
func (q *Queries) WaitingEntries(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []queueRow
	err := q.db.NewQuery(`
		SELECT `+queueColumns+`
		FROM queue_entries
		WHERE status = 'waiting'
		ORDER BY CASE priority WHEN 'elevated' THEN 0 ELSE 1 END, joined_at, seq
		LIMIT {:limit}`).
		Bind(dbx.Params{"limit": limit}).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("list waiting entries: %w", err)
	}

	out := make([]models.QueueEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// QueueMetrics counts waiting entries per language.
func (q *Queries) QueueMetrics(ctx context.Context, now time.Time) (models.QueueMetrics, error) {
	var rows []struct {
		Language string `db:"preferred_language"`
		Waiting  int    `db:"waiting"`
		Elevated int    `db:"elevated"`
	}
	err := q.db.NewQuery(`
		SELECT preferred_language,
			COUNT(*) AS waiting,
			SUM(CASE priority WHEN 'elevated' THEN 1 ELSE 0 END) AS elevated
		FROM queue_entries
		WHERE status = 'waiting'
		GROUP BY preferred_language`).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return models.QueueMetrics{}, fmt.Errorf("queue metrics: %w", err)
	}

	m := models.QueueMetrics{WaitingByLanguage: make(map[string]int, len(rows)), LastUpdated: now}
	for _, r := range rows {
		m.WaitingByLanguage[r.Language] = r.Waiting
		m.TotalWaiting += r.Waiting
		m.ElevatedCount += r.Elevated
	}
	return m, nil
}
