// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/stretchr/testify/require"

	"chat-engine/internal/store"
	"chat-engine/models"
)

// NewStore opens a migrated SQLite database in a temp dir. A single
// connection serializes concurrent callers the way PocketBase's write pool
// does.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	return store.New(NewDB(t), 5)
}

// NewConcurrentStore is backed by a pool of WAL connections, so concurrent
// transactions interleave inside SQLite and only the SQL guards keep them
// apart. Contention retries are generous.
func NewConcurrentStore(t testing.TB) *store.Store {
	t.Helper()
	return store.New(openDB(t, 8, "&_pragma=journal_mode(WAL)"), 50)
}

// NewDB is the migrated connection behind NewStore.
func NewDB(t testing.TB) *dbx.DB {
	t.Helper()
	return openDB(t, 1, "")
}

func openDB(t testing.TB, conns int, pragmas string) *dbx.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "engine.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)" + pragmas
	db, err := dbx.Open("sqlite", dsn)
	require.NoError(t, err)
	db.DB().SetMaxOpenConns(conns)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, store.Migrate(context.Background(), db))
	return db
}

// Clock is a manually advanced time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock() *Clock {
	return &Clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Seed helpers

func OpenProvider(t testing.TB, s *store.Store, providerID string) {
	t.Helper()
	require.NoError(t, s.SetProviderAvailability(context.Background(), providerID, true))
}

func Fund(t testing.TB, s *store.Store, customerID, amount string, now time.Time) {
	t.Helper()
	a, err := models.ParseAmount(amount)
	require.NoError(t, err)
	_, err = s.Credit(context.Background(), customerID, a, "seed", now)
	require.NoError(t, err)
}
