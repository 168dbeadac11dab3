package services

import (
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-engine/internal/notify"
	"chat-engine/models"
)

func TestWatchdog_EndsIdleSessions(t *testing.T) {
	h := newHarness(t)

	h.openProvider("p1")
	h.fund("idle", "10.00")
	h.fund("busy", "10.00")

	idle, err := h.sessions.StartChat(h.ctx, "idle", "p1")
	require.NoError(t, err)
	busy, err := h.sessions.StartChat(h.ctx, "busy", "p1")
	require.NoError(t, err)

	h.clock.Advance(90 * time.Second)
	_, err = h.billing.Heartbeat(h.ctx, busy.ID)
	require.NoError(t, err)

	h.clock.Advance(40 * time.Second)
	ended, err := h.watchdog.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ended)

	got := h.session(idle.ID)
	assert.Equal(t, models.SessionEnded, got.Status)
	assert.Equal(t, models.EndReasonTimeout, got.EndReason)
	assert.True(t, h.session(busy.ID).IsActive())
	assert.Equal(t, 1, h.provider("p1").CurrentSessionCount)

	ends := h.events.OfType(notify.SessionEnded)
	require.Len(t, ends, 1)
	assert.Equal(t, models.EndReasonTimeout, ends[0].Reason)

	ended, err = h.watchdog.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ended, "a second sweep finds nothing")
}

func TestWatchdog_HeartbeatAfterScanWins(t *testing.T) {
	h := newHarness(t)

	h.openProvider("p1")
	h.fund("c1", "10.00")
	session, err := h.sessions.StartChat(h.ctx, "c1", "p1")
	require.NoError(t, err)

	cutoff := h.clock.Now().Add(time.Second)
	h.clock.Advance(5 * time.Second)
	_, err = h.billing.Heartbeat(h.ctx, session.ID)
	require.NoError(t, err)

	ok, err := h.sessions.ExpireIdle(h.ctx, session.ID, cutoff)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, h.session(session.ID).IsActive())
}

func TestWatchdog_LeaseHeldElsewhere(t *testing.T) {
	db, mock := redismock.NewClientMock()
	h := newHarness(t)
	w := NewWatchdog(h.store, h.sessions, db, h.config, "node-a")

	mock.ExpectSetNX(watchdogLeaseKey, "node-a", 2*h.config.WatchdogInterval).SetVal(false)
	mock.ExpectGet(watchdogLeaseKey).SetVal("node-b")

	assert.False(t, w.lease.acquire(h.ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWatchdog_LeaseFree(t *testing.T) {
	db, mock := redismock.NewClientMock()
	h := newHarness(t)
	w := NewWatchdog(h.store, h.sessions, db, h.config, "node-a")

	mock.ExpectSetNX(watchdogLeaseKey, "node-a", 2*h.config.WatchdogInterval).SetVal(true)

	assert.True(t, w.lease.acquire(h.ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}
