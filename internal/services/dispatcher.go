package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"chat-engine/config"
	"chat-engine/internal/notify"
	"chat-engine/internal/status"
	"chat-engine/internal/store"
	"chat-engine/models"
	"chat-engine/monitoring"
)

const dispatcherLeaseKey = "lock:queue-dispatcher"

// Dispatcher drains the wait queue into sessions as provider slots free up.
// Elevated entries are served first, then by join time.
type Dispatcher struct {
	store    *store.Store
	sessions *SessionService
	notify   notify.Publisher
	config   *config.Config
	monitor  *monitoring.Monitor
	lease    lease
	Now      Clock
}

func NewDispatcher(st *store.Store, sessions *SessionService, pub notify.Publisher, redisClient *redis.Client, cfg *config.Config, monitor *monitoring.Monitor, owner string) *Dispatcher {
	return &Dispatcher{
		store:    st,
		sessions: sessions,
		notify:   pub,
		config:   cfg,
		monitor:  monitor,
		lease: lease{
			redis: redisClient,
			key:   dispatcherLeaseKey,
			owner: owner,
			ttl:   2 * cfg.QueueDispatchInterval,
		},
	}
}

// ProcessQueue matches waiting customers until the queue is empty or no
// provider has a free slot, then tells the customers still waiting where
// they stand. It returns how many sessions it started.
func (d *Dispatcher) ProcessQueue(ctx context.Context) (int, error) {
	entries, err := d.store.WaitingEntries(ctx, 0)
	if err != nil {
		return 0, err
	}

	started := 0
	var waiting []models.QueueEntry

	for i, entry := range entries {
		balance, err := d.store.Balance(ctx, entry.CustomerID)
		if err != nil {
			return started, err
		}
		if balance <= 0 {
			waiting = append(waiting, entry)
			continue
		}

		session, _, err := d.sessions.MatchQueued(ctx, entry.CustomerID, entry.PreferredLanguage)
		switch {
		case err == nil:
			started++
			d.monitor.TrackQueueOperation("dispatch", "success")
			slog.Info("Dispatched customer from queue", "customer_id", entry.CustomerID, "chat_id", session.ID)
			continue

		case errors.Is(err, status.ErrNoProviderAvailable), errors.Is(err, status.ErrCapacityExceeded):
			// Nobody else can be served this round either.
			waiting = append(waiting, entries[i:]...)
			d.notifyPositions(ctx, waiting)
			return started, nil

		case errors.Is(err, status.ErrNotFound):
			// Left the queue since the snapshot was taken.
			d.monitor.TrackQueueOperation("dispatch", "left")
			continue

		case errors.Is(err, status.ErrCustomerBusy), errors.Is(err, status.ErrInsufficientBalance):
			d.monitor.TrackQueueOperation("dispatch", "skipped")

		default:
			d.monitor.TrackQueueOperation("dispatch", "error")
			slog.Error("Failed to dispatch customer", "customer_id", entry.CustomerID, "error", err)
		}
		waiting = append(waiting, entry)
	}

	d.notifyPositions(ctx, waiting)
	return started, nil
}

func (d *Dispatcher) notifyPositions(ctx context.Context, waiting []models.QueueEntry) {
	now := d.Now.now()
	for _, entry := range waiting {
		position, err := d.store.QueuePosition(ctx, entry)
		if err != nil {
			slog.Warn("Failed to compute queue position", "customer_id", entry.CustomerID, "error", err)
			continue
		}
		if !shouldNotifyPosition(position) {
			continue
		}
		d.notify.Publish(ctx, notify.Event{
			Type:       notify.QueuePosition,
			CustomerID: entry.CustomerID,
			QueueID:    entry.ID,
			Position:   position,
			Data: map[string]any{
				"wait_time_seconds": waitSeconds(entry.JoinedAt, now),
				"is_priority":       entry.Priority == models.PriorityElevated,
			},
			At: now,
		})
	}
}

// Notify more often near the front of the queue.
func shouldNotifyPosition(position int) bool {
	if position <= 5 {
		return true
	} else if position <= 20 {
		return position%2 == 0
	} else if position <= 100 {
		return position%10 == 0
	}
	return position%50 == 0
}

// Run processes the queue every QueueDispatchInterval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	every(ctx, "dispatcher", d.config.QueueDispatchInterval, func(ctx context.Context) {
		if !d.lease.acquire(ctx) {
			return
		}
		if _, err := d.ProcessQueue(ctx); err != nil {
			slog.Error("Queue dispatch failed", "error", err)
		}
	})
}
