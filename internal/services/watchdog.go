package services

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"chat-engine/config"
	"chat-engine/internal/store"
)

const (
	watchdogLeaseKey = "lock:session-watchdog"
	watchdogBatch    = 200
)

// Watchdog ends sessions that stopped sending heartbeats, so an abandoned
// chat gives its provider slot back.
type Watchdog struct {
	store    *store.Store
	sessions *SessionService
	config   *config.Config
	lease    lease
	Now      Clock
}

// NewWatchdog builds a watchdog. With a nil Redis client every instance
// sweeps; otherwise only the lease holder does.
func NewWatchdog(st *store.Store, sessions *SessionService, redisClient *redis.Client, cfg *config.Config, owner string) *Watchdog {
	return &Watchdog{
		store:    st,
		sessions: sessions,
		config:   cfg,
		lease: lease{
			redis: redisClient,
			key:   watchdogLeaseKey,
			owner: owner,
			ttl:   2 * cfg.WatchdogInterval,
		},
	}
}

// Sweep ends every session idle for longer than the heartbeat grace period
// and returns how many it ended.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	cutoff := w.Now.now().Add(-w.config.HeartbeatGrace)

	stale, err := w.store.StaleSessions(ctx, cutoff, watchdogBatch)
	if err != nil {
		return 0, err
	}

	ended := 0
	for _, session := range stale {
		ok, err := w.sessions.ExpireIdle(ctx, session.ID, cutoff)
		if err != nil {
			slog.Error("Failed to expire idle session", "chat_id", session.ID, "error", err)
			continue
		}
		if ok {
			ended++
		}
	}

	if ended > 0 {
		slog.Info("Watchdog ended idle sessions", "count", ended, "cutoff", cutoff)
	}
	return ended, nil
}

// Run sweeps every WatchdogInterval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	every(ctx, "watchdog", w.config.WatchdogInterval, func(ctx context.Context) {
		if !w.lease.acquire(ctx) {
			return
		}
		if _, err := w.Sweep(ctx); err != nil {
			slog.Error("Watchdog sweep failed", "error", err)
		}
	})
}
