package models

import (
	"time"
)

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

const (
	EndReasonUser                = "user_ended"
	EndReasonProvider            = "provider_ended"
	EndReasonInsufficientBalance = "insufficient_balance"
	EndReasonTransferred         = "transferred"
	EndReasonNoTransfer          = "no_transfer_available"
	EndReasonTimeout             = "timeout"
)

type ChatSession struct {
	ID              string        `json:"chat_id"`
	CustomerID      string        `json:"customer_id"`
	ProviderID      string        `json:"provider_id"`
	RatePerMinute   Amount        `json:"rate_per_minute"`
	Status          SessionStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	TotalBilled     time.Duration `json:"-"`
	TotalEarned     Amount        `json:"total_earned"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	EndReason       string        `json:"end_reason,omitempty"`
	TransferredFrom string        `json:"transferred_from,omitempty"`
}

func (s ChatSession) IsActive() bool {
	return s.Status == SessionActive
}

func (s ChatSession) TotalMinutes() float64 {
	return Minutes(s.TotalBilled)
}
