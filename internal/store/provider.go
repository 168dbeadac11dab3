package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"chat-engine/internal/status"
	"chat-engine/models"
)

type providerRow struct {
	ProviderID          string        `db:"provider_id"`
	IsAvailable         bool          `db:"is_available"`
	CurrentSessionCount int           `db:"current_session_count"`
	LastAssignedAt      sql.NullInt64 `db:"last_assigned_at"`
}

func (r providerRow) model() models.ProviderAvailability {
	return models.ProviderAvailability{
		ProviderID:          r.ProviderID,
		IsAvailable:         r.IsAvailable,
		CurrentSessionCount: r.CurrentSessionCount,
		LastAssignedAt:      fromNullMillis(r.LastAssignedAt),
	}
}

const providerColumns = "provider_id, is_available, current_session_count, last_assigned_at"

// SetProviderAvailability opens or closes a provider, registering it if new.
// The session count is left alone.
func (q *Queries) SetProviderAvailability(ctx context.Context, providerID string, available bool) error {
	_, err := q.db.NewQuery(`
		INSERT INTO provider_availability (provider_id, is_available)
		VALUES ({:provider}, {:available})
		ON CONFLICT (provider_id) DO UPDATE SET is_available = excluded.is_available`).
		Bind(dbx.Params{"provider": providerID, "available": available}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("set availability for %s: %w", providerID, err)
	}
	return nil
}

func (q *Queries) Provider(ctx context.Context, providerID string) (models.ProviderAvailability, error) {
	var row providerRow
	err := q.db.NewQuery("SELECT " + providerColumns + " FROM provider_availability WHERE provider_id = {:provider}").
		Bind(dbx.Params{"provider": providerID}).
		WithContext(ctx).
		One(&row)
	if isNoRows(err) {
		return models.ProviderAvailability{}, fmt.Errorf("provider %s: %w", providerID, status.ErrNotFound)
	} else if err != nil {
		return models.ProviderAvailability{}, fmt.Errorf("get provider %s: %w", providerID, err)
	}
	return row.model(), nil
}

func (q *Queries) ListProviders(ctx context.Context) ([]models.ProviderAvailability, error) {
	return q.providers(ctx, "SELECT "+providerColumns+" FROM provider_availability ORDER BY provider_id", nil)
}

// AvailableProviders lists open providers with a free slot.
func (q *Queries) AvailableProviders(ctx context.Context, capacity int) ([]models.ProviderAvailability, error) {
	return q.providers(ctx, `
		SELECT `+providerColumns+`
		FROM provider_availability
		WHERE is_available = 1 AND current_session_count < {:capacity}
		ORDER BY provider_id`,
		dbx.Params{"capacity": capacity})
}

// AvailableProvidersInGroup is AvailableProviders restricted to providers
// with a shift in the language group.
func (q *Queries) AvailableProvidersInGroup(ctx context.Context, groupID string, capacity int) ([]models.ProviderAvailability, error) {
	return q.providers(ctx, `
		SELECT p.provider_id, p.is_available, p.current_session_count, p.last_assigned_at
		FROM provider_availability p
		JOIN provider_shifts s ON s.provider_id = p.provider_id
		WHERE s.group_id = {:group} AND p.is_available = 1 AND p.current_session_count < {:capacity}
		ORDER BY p.provider_id`,
		dbx.Params{"group": groupID, "capacity": capacity})
}

func (q *Queries) providers(ctx context.Context, query string, params dbx.Params) ([]models.ProviderAvailability, error) {
	var rows []providerRow
	if err := q.db.NewQuery(query).Bind(params).WithContext(ctx).All(&rows); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	out := make([]models.ProviderAvailability, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// ClaimSlot takes one of the provider's session slots. The increment only
// happens while the provider is open and below capacity, so concurrent
// claims for the last slot have exactly one winner. Losers get
// ErrCapacityExceeded; a closed or unknown provider gives
// ErrNoProviderAvailable.
func (q *Queries) ClaimSlot(ctx context.Context, providerID string, capacity int, now time.Time) error {
	res, err := q.db.NewQuery(`
		UPDATE provider_availability
		SET current_session_count = current_session_count + 1, last_assigned_at = {:now}
		WHERE provider_id = {:provider} AND is_available = 1 AND current_session_count < {:capacity}`).
		Bind(dbx.Params{"provider": providerID, "capacity": capacity, "now": toMillis(now)}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("claim slot on %s: %w", providerID, err)
	}
	n, err := affected(res)
	if err != nil {
		return fmt.Errorf("claim slot on %s: %w", providerID, err)
	}
	if n == 1 {
		return nil
	}

	p, err := q.Provider(ctx, providerID)
	if err != nil && !errors.Is(err, status.ErrNotFound) {
		return err
	}
	if err != nil || !p.IsAvailable {
		return fmt.Errorf("provider %s is not taking sessions: %w", providerID, status.ErrNoProviderAvailable)
	}
	return fmt.Errorf("provider %s has %d/%d sessions: %w", providerID, p.CurrentSessionCount, capacity, status.ErrCapacityExceeded)
}

// ReleaseSlot gives a slot back. The count never goes below zero.
func (q *Queries) ReleaseSlot(ctx context.Context, providerID string) error {
	_, err := q.db.NewQuery(`
		UPDATE provider_availability
		SET current_session_count = current_session_count - 1
		WHERE provider_id = {:provider} AND current_session_count > 0`).
		Bind(dbx.Params{"provider": providerID}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("release slot on %s: %w", providerID, err)
	}
	return nil
}
