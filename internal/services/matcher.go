package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"chat-engine/config"
	"chat-engine/internal/status"
	"chat-engine/internal/store"
	"chat-engine/models"
	"chat-engine/monitoring"
)

// Selection is the matcher's pick. It is advisory: the slot is only taken
// by the compare-and-increment in StartChat.
type Selection struct {
	Provider        models.ProviderAvailability
	LanguageMatched bool
}

// AvailableProvider is what get_available_woman returns.
type AvailableProvider struct {
	ProviderID      string         `json:"provider_id"`
	Profile         models.Profile `json:"profile"`
	LanguageMatched bool           `json:"language_matched"`
}

type Matcher struct {
	store   *store.Store
	config  *config.Config
	monitor *monitoring.Monitor
}

func NewMatcher(st *store.Store, cfg *config.Config, monitor *monitoring.Monitor) *Matcher {
	return &Matcher{store: st, config: cfg, monitor: monitor}
}

// SelectProvider prefers the least loaded provider on shift for the
// language's group and falls back to the least loaded provider overall.
// Providers in exclude are never chosen.
func (m *Matcher) SelectProvider(ctx context.Context, q *store.Queries, preferredLanguage string, exclude ...string) (Selection, error) {
	if lang := strings.TrimSpace(preferredLanguage); lang != "" {
		group, err := q.GroupForLanguage(ctx, lang)
		switch {
		case err == nil:
			candidates, err := q.AvailableProvidersInGroup(ctx, group.ID, m.config.ProviderCapacity)
			if err != nil {
				return Selection{}, err
			}
			if best, ok := leastLoaded(candidates, exclude); ok {
				m.monitor.TrackMatch("language")
				return Selection{Provider: best, LanguageMatched: true}, nil
			}
		case !errors.Is(err, status.ErrNotFound):
			return Selection{}, err
		}
	}

	sel, err := m.SelectAny(ctx, q, exclude...)
	if err == nil {
		m.monitor.TrackMatch("fallback")
	}
	return sel, err
}

// SelectAny applies the fallback rule alone: least loaded over every open
// provider with a free slot.
func (m *Matcher) SelectAny(ctx context.Context, q *store.Queries, exclude ...string) (Selection, error) {
	candidates, err := q.AvailableProviders(ctx, m.config.ProviderCapacity)
	if err != nil {
		return Selection{}, err
	}
	best, ok := leastLoaded(candidates, exclude)
	if !ok {
		m.monitor.TrackMatch("none")
		return Selection{}, fmt.Errorf("select provider: %w", status.ErrNoProviderAvailable)
	}
	return Selection{Provider: best}, nil
}

// GetAvailableProvider picks a provider for display without reserving it.
func (m *Matcher) GetAvailableProvider(ctx context.Context, preferredLanguage string) (AvailableProvider, error) {
	sel, err := m.SelectProvider(ctx, m.store.Queries, preferredLanguage)
	if err != nil {
		return AvailableProvider{}, err
	}
	profile, err := m.store.Profile(ctx, sel.Provider.ProviderID)
	if err != nil {
		return AvailableProvider{}, err
	}
	return AvailableProvider{
		ProviderID:      sel.Provider.ProviderID,
		Profile:         profile,
		LanguageMatched: sel.LanguageMatched,
	}, nil
}

// leastLoaded ranks by session count, then by last assignment with
// never-assigned providers first, then by id.
func leastLoaded(candidates []models.ProviderAvailability, exclude []string) (models.ProviderAvailability, bool) {
	candidates = lo.Filter(candidates, func(p models.ProviderAvailability, _ int) bool {
		return !lo.Contains(exclude, p.ProviderID)
	})
	if len(candidates) == 0 {
		return models.ProviderAvailability{}, false
	}
	return lo.MinBy(candidates, betterCandidate), true
}

func betterCandidate(a, b models.ProviderAvailability) bool {
	if a.CurrentSessionCount != b.CurrentSessionCount {
		return a.CurrentSessionCount < b.CurrentSessionCount
	}
	switch {
	case a.LastAssignedAt == nil && b.LastAssignedAt != nil:
		return true
	case a.LastAssignedAt != nil && b.LastAssignedAt == nil:
		return false
	case a.LastAssignedAt != nil && !a.LastAssignedAt.Equal(*b.LastAssignedAt):
		return a.LastAssignedAt.Before(*b.LastAssignedAt)
	}
	return a.ProviderID < b.ProviderID
}
