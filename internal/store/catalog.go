package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"chat-engine/internal/status"
	"chat-engine/models"
	"chat-engine/utils"
)

// GroupForLanguage resolves a language code to the first active group that
// lists it, ordered by position and then id.
func (q *Queries) GroupForLanguage(ctx context.Context, language string) (models.LanguageGroup, error) {
	var row struct {
		ID       string `db:"id"`
		Name     string `db:"name"`
		Position int    `db:"position"`
		Active   bool   `db:"active"`
	}
	err := q.db.NewQuery(`
		SELECT g.id, g.name, g.position, g.active
		FROM language_groups g
		JOIN language_group_members m ON m.group_id = g.id
		WHERE g.active = 1 AND m.language_code = {:lang}
		ORDER BY g.position, g.id
		LIMIT 1`).
		Bind(dbx.Params{"lang": language}).
		WithContext(ctx).
		One(&row)
	if isNoRows(err) {
		return models.LanguageGroup{}, fmt.Errorf("language group for %q: %w", language, status.ErrNotFound)
	} else if err != nil {
		return models.LanguageGroup{}, fmt.Errorf("resolve language %q: %w", language, err)
	}

	var langs []string
	err = q.db.NewQuery("SELECT language_code FROM language_group_members WHERE group_id = {:group} ORDER BY language_code").
		Bind(dbx.Params{"group": row.ID}).
		WithContext(ctx).
		Column(&langs)
	if err != nil {
		return models.LanguageGroup{}, fmt.Errorf("list members of %s: %w", row.ID, err)
	}

	return models.LanguageGroup{
		ID:        row.ID,
		Name:      row.Name,
		Position:  row.Position,
		Active:    row.Active,
		Languages: langs,
	}, nil
}

// SaveLanguageGroup upserts a group and replaces its member languages.
func (q *Queries) SaveLanguageGroup(ctx context.Context, g models.LanguageGroup) error {
	_, err := q.db.NewQuery(`
		INSERT INTO language_groups (id, name, position, active)
		VALUES ({:id}, {:name}, {:position}, {:active})
		ON CONFLICT (id) DO UPDATE
		SET name = excluded.name, position = excluded.position, active = excluded.active`).
		Bind(dbx.Params{"id": g.ID, "name": g.Name, "position": g.Position, "active": g.Active}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("save language group %s: %w", g.ID, err)
	}

	if _, err := q.db.NewQuery("DELETE FROM language_group_members WHERE group_id = {:id}").
		Bind(dbx.Params{"id": g.ID}).WithContext(ctx).Execute(); err != nil {
		return fmt.Errorf("clear members of %s: %w", g.ID, err)
	}
	for _, lang := range g.Languages {
		if _, err := q.db.Insert("language_group_members", dbx.Params{
			"group_id":      g.ID,
			"language_code": lang,
		}).WithContext(ctx).Execute(); err != nil {
			return fmt.Errorf("add %s to %s: %w", lang, g.ID, err)
		}
	}
	return nil
}

// AssignShift puts a provider on a language group's shift.
func (q *Queries) AssignShift(ctx context.Context, providerID, groupID string) error {
	_, err := q.db.NewQuery(`
		INSERT INTO provider_shifts (provider_id, group_id)
		VALUES ({:provider}, {:group})
		ON CONFLICT DO NOTHING`).
		Bind(dbx.Params{"provider": providerID, "group": groupID}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("assign %s to %s: %w", providerID, groupID, err)
	}
	return nil
}

// ActiveRate returns the newest active per-minute rate. ok is false when no
// pricing row is configured.
func (q *Queries) ActiveRate(ctx context.Context) (rate models.Amount, ok bool, err error) {
	var v int64
	err = q.db.NewQuery(`
		SELECT rate_per_minute
		FROM pricing
		WHERE active = 1
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`).
		WithContext(ctx).
		Row(&v)
	if isNoRows(err) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("active pricing: %w", err)
	}
	return models.Amount(v), true, nil
}

// SetRate publishes a new active rate. Older rows stay for history.
func (q *Queries) SetRate(ctx context.Context, rate models.Amount, now time.Time) error {
	if rate <= 0 {
		return fmt.Errorf("rate must be positive: %w", status.ErrInvalidArgument)
	}
	_, err := q.db.Insert("pricing", dbx.Params{
		"id":              utils.NewID(),
		"rate_per_minute": int64(rate),
		"active":          true,
		"created_at":      toMillis(now),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("set rate: %w", err)
	}
	return nil
}

// Profile returns display data for a provider. Providers without a profile
// row get a bare profile carrying only their id.
func (q *Queries) Profile(ctx context.Context, id string) (models.Profile, error) {
	var p models.Profile
	err := q.db.NewQuery(`
		SELECT id, display_name, photo_url, bio, primary_language
		FROM profiles
		WHERE id = {:id}`).
		Bind(dbx.Params{"id": id}).
		WithContext(ctx).
		One(&p)
	if isNoRows(err) {
		return models.Profile{ID: id}, nil
	} else if err != nil {
		return models.Profile{}, fmt.Errorf("get profile %s: %w", id, err)
	}
	return p, nil
}

func (q *Queries) SaveProfile(ctx context.Context, p models.Profile) error {
	_, err := q.db.NewQuery(`
		INSERT INTO profiles (id, display_name, photo_url, bio, primary_language)
		VALUES ({:id}, {:name}, {:photo}, {:bio}, {:lang})
		ON CONFLICT (id) DO UPDATE
		SET display_name = excluded.display_name, photo_url = excluded.photo_url,
			bio = excluded.bio, primary_language = excluded.primary_language`).
		Bind(dbx.Params{"id": p.ID, "name": p.DisplayName, "photo": p.PhotoURL, "bio": p.Bio, "lang": p.PrimaryLanguage}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	return nil
}
