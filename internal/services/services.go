// Package services implements the engine's operations: the wait queue, the
// matcher, the session lifecycle, the billing meter and the two background
// workers that keep them moving.
//
// Every state change runs inside one store transaction. Change events are
// published only after that transaction commits.
package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-engine/utils"
)

// Clock is the time source every service reads. Tests replace it.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// lease elects one instance to run a background sweep. Without Redis every
// instance runs it.
type lease struct {
	redis *redis.Client
	key   string
	owner string
	ttl   time.Duration
}

func (l lease) acquire(ctx context.Context) bool {
	if l.redis == nil {
		return true
	}
	ok, err := utils.AcquireLease(ctx, l.redis, l.key, l.owner, l.ttl)
	if err != nil {
		slog.Warn("Failed to acquire lease", "key", l.key, "error", err)
		return false
	}
	return ok
}

// every runs fn now and then on each tick until ctx is done.
func every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Background worker started", "worker", name, "interval", interval)
	for {
		fn(ctx)

		select {
		case <-ctx.Done():
			slog.Info("Background worker stopping", "worker", name)
			return
		case <-ticker.C:
		}
	}
}
