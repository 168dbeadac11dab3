package models

import (
	"time"
)

type ProviderAvailability struct {
	ProviderID          string     `json:"provider_id"`
	IsAvailable         bool       `json:"is_available"`
	CurrentSessionCount int        `json:"current_session_count"`
	LastAssignedAt      *time.Time `json:"last_assigned_at,omitempty"`
}

type LanguageGroup struct {
	ID        string   `json:"group_id"`
	Name      string   `json:"name"`
	Position  int      `json:"position"`
	Active    bool     `json:"active"`
	Languages []string `json:"member_language_codes"`
}

// Profile is display data owned by the profile store; read-only here.
type Profile struct {
	ID              string `db:"id" json:"id"`
	DisplayName     string `db:"display_name" json:"display_name"`
	PhotoURL        string `db:"photo_url" json:"photo_url,omitempty"`
	Bio             string `db:"bio" json:"bio,omitempty"`
	PrimaryLanguage string `db:"primary_language" json:"primary_language,omitempty"`
}
