package models

import (
	"time"
)

type QueueStatus string

const (
	QueueWaiting QueueStatus = "waiting"
	QueueMatched QueueStatus = "matched"
	QueueLeft    QueueStatus = "left"
)

type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityElevated Priority = "elevated"
)

type QueueEntry struct {
	ID                string      `json:"queue_id"`
	Seq               int64       `json:"-"`
	CustomerID        string      `json:"customer_id"`
	PreferredLanguage string      `json:"preferred_language"`
	JoinedAt          time.Time   `json:"joined_at"`
	Status            QueueStatus `json:"status"`
	Priority          Priority    `json:"priority"`
	WaitTimeSeconds   int64       `json:"wait_time_seconds"`
}

// QueuePosition is what a polling customer sees about its waiting entry.
type QueuePosition struct {
	QueueID           string `json:"queue_id"`
	WaitTimeSeconds   int64  `json:"wait_time_seconds"`
	IsPriority        bool   `json:"is_priority"`
	QueuePosition     int    `json:"queue_position"`
	PreferredLanguage string `json:"preferred_language"`
}

type QueueMetrics struct {
	WaitingByLanguage map[string]int `json:"waiting_by_language"`
	TotalWaiting      int            `json:"total_waiting"`
	ElevatedCount     int            `json:"elevated_count"`
	LastUpdated       time.Time      `json:"last_updated"`
}
