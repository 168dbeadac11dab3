package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"chat-engine/internal/status"
	"chat-engine/models"
)

type sessionRow struct {
	ID              string        `db:"id"`
	CustomerID      string        `db:"customer_id"`
	ProviderID      string        `db:"provider_id"`
	RatePerMinute   int64         `db:"rate_per_minute"`
	Status          string        `db:"status"`
	StartedAt       int64         `db:"started_at"`
	LastActivityAt  int64         `db:"last_activity_at"`
	TotalBilledMS   int64         `db:"total_billed_ms"`
	TotalEarned     int64         `db:"total_earned"`
	EndedAt         sql.NullInt64 `db:"ended_at"`
	EndReason       string        `db:"end_reason"`
	TransferredFrom string        `db:"transferred_from"`
}

func (r sessionRow) model() models.ChatSession {
	return models.ChatSession{
		ID:              r.ID,
		CustomerID:      r.CustomerID,
		ProviderID:      r.ProviderID,
		RatePerMinute:   models.Amount(r.RatePerMinute),
		Status:          models.SessionStatus(r.Status),
		StartedAt:       fromMillis(r.StartedAt),
		LastActivityAt:  fromMillis(r.LastActivityAt),
		TotalBilled:     time.Duration(r.TotalBilledMS) * time.Millisecond,
		TotalEarned:     models.Amount(r.TotalEarned),
		EndedAt:         fromNullMillis(r.EndedAt),
		EndReason:       r.EndReason,
		TransferredFrom: r.TransferredFrom,
	}
}

const sessionColumns = `id, customer_id, provider_id, rate_per_minute, status, started_at,
	last_activity_at, total_billed_ms, total_earned, ended_at, end_reason, transferred_from`

// InsertSession creates an active session. A customer who already has an
// active session gets ErrCustomerBusy.
func (q *Queries) InsertSession(ctx context.Context, s models.ChatSession) error {
	_, err := q.db.Insert("chat_sessions", dbx.Params{
		"id":               s.ID,
		"customer_id":      s.CustomerID,
		"provider_id":      s.ProviderID,
		"rate_per_minute":  int64(s.RatePerMinute),
		"status":           string(models.SessionActive),
		"started_at":       toMillis(s.StartedAt),
		"last_activity_at": toMillis(s.LastActivityAt),
		"transferred_from": s.TransferredFrom,
	}).WithContext(ctx).Execute()
	if isUniqueViolation(err) {
		return fmt.Errorf("customer %s already has an active session: %w", s.CustomerID, status.ErrCustomerBusy)
	} else if err != nil {
		return fmt.Errorf("insert session for %s: %w", s.CustomerID, err)
	}
	return nil
}

func (q *Queries) Session(ctx context.Context, chatID string) (models.ChatSession, error) {
	var row sessionRow
	err := q.db.NewQuery("SELECT " + sessionColumns + " FROM chat_sessions WHERE id = {:id}").
		Bind(dbx.Params{"id": chatID}).
		WithContext(ctx).
		One(&row)
	if isNoRows(err) {
		return models.ChatSession{}, fmt.Errorf("session %s: %w", chatID, status.ErrNotFound)
	} else if err != nil {
		return models.ChatSession{}, fmt.Errorf("get session %s: %w", chatID, err)
	}
	return row.model(), nil
}

// ActiveSessionForCustomer returns ErrNotFound when the customer is idle.
func (q *Queries) ActiveSessionForCustomer(ctx context.Context, customerID string) (models.ChatSession, error) {
	var row sessionRow
	err := q.db.NewQuery("SELECT " + sessionColumns + " FROM chat_sessions WHERE customer_id = {:customer} AND status = 'active'").
		Bind(dbx.Params{"customer": customerID}).
		WithContext(ctx).
		One(&row)
	if isNoRows(err) {
		return models.ChatSession{}, fmt.Errorf("active session for %s: %w", customerID, status.ErrNotFound)
	} else if err != nil {
		return models.ChatSession{}, fmt.Errorf("get active session for %s: %w", customerID, err)
	}
	return row.model(), nil
}

// EndSession moves an active session to ended. It reports false when the
// session was already ended, so callers release the provider slot once.
func (q *Queries) EndSession(ctx context.Context, chatID, reason string, now time.Time) (bool, error) {
	res, err := q.db.NewQuery(`
		UPDATE chat_sessions
		SET status = 'ended', ended_at = {:now}, end_reason = {:reason}
		WHERE id = {:id} AND status = 'active'`).
		Bind(dbx.Params{"id": chatID, "reason": reason, "now": toMillis(now)}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return false, fmt.Errorf("end session %s: %w", chatID, err)
	}
	n, err := affected(res)
	return n == 1, err
}

// ExpireSession ends an active session with reason only if it has been idle
// since before cutoff. A heartbeat that landed after the sweep read the
// session wins.
func (q *Queries) ExpireSession(ctx context.Context, chatID, reason string, cutoff, now time.Time) (bool, error) {
	res, err := q.db.NewQuery(`
		UPDATE chat_sessions
		SET status = 'ended', ended_at = {:now}, end_reason = {:reason}
		WHERE id = {:id} AND status = 'active' AND last_activity_at < {:cutoff}`).
		Bind(dbx.Params{"id": chatID, "reason": reason, "cutoff": toMillis(cutoff), "now": toMillis(now)}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return false, fmt.Errorf("expire session %s: %w", chatID, err)
	}
	n, err := affected(res)
	return n == 1, err
}

// AdvanceSession moves last_activity_at from prev to now and adds the
// tick's accrual. It reports false when another heartbeat already moved it.
func (q *Queries) AdvanceSession(ctx context.Context, chatID string, prev, now time.Time, billed time.Duration, earned models.Amount) (bool, error) {
	res, err := q.db.NewQuery(`
		UPDATE chat_sessions
		SET last_activity_at = {:now},
			total_billed_ms = total_billed_ms + {:billed},
			total_earned = total_earned + {:earned}
		WHERE id = {:id} AND status = 'active' AND last_activity_at = {:prev}`).
		Bind(dbx.Params{
			"id":     chatID,
			"prev":   toMillis(prev),
			"now":    toMillis(now),
			"billed": billed.Milliseconds(),
			"earned": int64(earned),
		}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return false, fmt.Errorf("advance session %s: %w", chatID, err)
	}
	n, err := affected(res)
	return n == 1, err
}

// StaleSessions lists active sessions whose last activity is before cutoff.
func (q *Queries) StaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.ChatSession, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []sessionRow
	err := q.db.NewQuery(`
		SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE status = 'active' AND last_activity_at < {:cutoff}
		ORDER BY last_activity_at
		LIMIT {:limit}`).
		Bind(dbx.Params{"cutoff": toMillis(cutoff), "limit": limit}).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}

	out := make([]models.ChatSession, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (q *Queries) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	if err := q.db.NewQuery("SELECT COUNT(*) FROM chat_sessions WHERE status = 'active'").WithContext(ctx).Row(&n); err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}
