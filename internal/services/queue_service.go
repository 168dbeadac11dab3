package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chat-engine/config"
	"chat-engine/internal/notify"
	"chat-engine/internal/status"
	"chat-engine/internal/store"
	"chat-engine/models"
	"chat-engine/monitoring"
	"chat-engine/utils"
)

type QueueService struct {
	store   *store.Store
	notify  notify.Publisher
	config  *config.Config
	monitor *monitoring.Monitor
	Now     Clock
}

func NewQueueService(st *store.Store, pub notify.Publisher, cfg *config.Config, monitor *monitoring.Monitor) *QueueService {
	return &QueueService{
		store:   st,
		notify:  pub,
		config:  cfg,
		monitor: monitor,
	}
}

// JoinQueue puts the customer in the wait queue. Joining while already
// waiting returns the existing entry unchanged.
func (s *QueueService) JoinQueue(ctx context.Context, customerID, preferredLanguage string) (models.QueueEntry, error) {
	customerID = strings.TrimSpace(customerID)
	preferredLanguage = strings.TrimSpace(preferredLanguage)
	if customerID == "" {
		return models.QueueEntry{}, fmt.Errorf("customer_id is required: %w", status.ErrInvalidArgument)
	}
	if preferredLanguage == "" {
		return models.QueueEntry{}, fmt.Errorf("preferred_language is required: %w", status.ErrInvalidArgument)
	}

	now := s.Now.now()
	var entry models.QueueEntry
	created := false

	err := s.store.Tx(ctx, func(q *store.Queries) error {
		existing, err := q.WaitingEntry(ctx, customerID)
		if err == nil {
			entry = existing
			return nil
		} else if !errors.Is(err, status.ErrNotFound) {
			return err
		}

		entry, err = q.InsertQueueEntry(ctx, models.QueueEntry{
			ID:                utils.NewID(),
			CustomerID:        customerID,
			PreferredLanguage: preferredLanguage,
			JoinedAt:          now,
			Priority:          models.PriorityNormal,
		}, now)
		if errors.Is(err, store.ErrAlreadyWaiting) {
			entry, err = q.WaitingEntry(ctx, customerID)
			return err
		}
		created = err == nil
		return err
	})
	if err != nil {
		s.monitor.TrackQueueOperation("join", "error")
		return models.QueueEntry{}, err
	}

	if created {
		s.monitor.TrackQueueOperation("join", "success")
		slog.Info("Customer joined queue", "customer_id", customerID, "queue_id", entry.ID, "language", preferredLanguage)
		s.notify.Publish(ctx, notify.Event{
			Type:       notify.QueueJoined,
			CustomerID: customerID,
			QueueID:    entry.ID,
			At:         now,
		})
	} else {
		s.monitor.TrackQueueOperation("join", "duplicate")
	}
	return entry, nil
}

// LeaveQueue withdraws the customer's waiting entry. It is a no-op when the
// customer is not waiting.
func (s *QueueService) LeaveQueue(ctx context.Context, customerID string) error {
	if strings.TrimSpace(customerID) == "" {
		return fmt.Errorf("customer_id is required: %w", status.ErrInvalidArgument)
	}

	now := s.Now.now()
	var left models.QueueEntry
	changed := false

	err := s.store.Tx(ctx, func(q *store.Queries) error {
		entry, err := q.WaitingEntry(ctx, customerID)
		if errors.Is(err, status.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		left = entry
		changed, err = q.FinishWaiting(ctx, customerID, models.QueueLeft, now)
		return err
	})
	if err != nil {
		s.monitor.TrackQueueOperation("leave", "error")
		return err
	}

	if changed {
		s.monitor.TrackQueueOperation("leave", "success")
		s.notify.Publish(ctx, notify.Event{
			Type:       notify.QueueLeft,
			CustomerID: customerID,
			QueueID:    left.ID,
			At:         now,
		})
	}
	return nil
}

// CheckQueueStatus refreshes the customer's wait time, escalates its
// priority once it has waited long enough and reports its position among
// customers waiting for the same language.
func (s *QueueService) CheckQueueStatus(ctx context.Context, customerID string) (models.QueuePosition, error) {
	if strings.TrimSpace(customerID) == "" {
		return models.QueuePosition{}, fmt.Errorf("customer_id is required: %w", status.ErrInvalidArgument)
	}

	now := s.Now.now()
	var pos models.QueuePosition

	err := s.store.Tx(ctx, func(q *store.Queries) error {
		entry, err := q.WaitingEntry(ctx, customerID)
		if err != nil {
			return err
		}

		wait := waitSeconds(entry.JoinedAt, now)
		escalate := wait >= int64(s.config.PriorityWaitThreshold/time.Second)
		if err := q.RefreshWait(ctx, entry.ID, wait, escalate, now); err != nil {
			return err
		}
		if escalate && entry.Priority == models.PriorityNormal {
			entry.Priority = models.PriorityElevated
			slog.Info("Queue priority escalated", "customer_id", customerID, "wait_seconds", wait)
		}

		position, err := q.QueuePosition(ctx, entry)
		if err != nil {
			return err
		}

		pos = models.QueuePosition{
			QueueID:           entry.ID,
			WaitTimeSeconds:   wait,
			IsPriority:        entry.Priority == models.PriorityElevated,
			QueuePosition:     position,
			PreferredLanguage: entry.PreferredLanguage,
		}
		return nil
	})
	if err != nil {
		return models.QueuePosition{}, err
	}
	return pos, nil
}

func waitSeconds(joined, now time.Time) int64 {
	if d := now.Sub(joined); d > 0 {
		return int64(d / time.Second)
	}
	return 0
}
