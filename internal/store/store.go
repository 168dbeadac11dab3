// Package store keeps the engine's durable state in SQLite. Every invariant
// that must hold under concurrency (provider capacity, non-negative balances,
// one active session per customer, heartbeat replay) is enforced by a
// conditional UPDATE or a partial unique index, never by a read-then-write.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"chat-engine/utils"
)

const defaultRetries = 5

// Queries runs statements against a plain connection or an open transaction.
type Queries struct {
	db dbx.Builder
}

type txRunner func(ctx context.Context, fn func(q *Queries) error) error

// Store is the engine's persistence layer. Its embedded Queries run outside
// any transaction; use Tx to group statements atomically.
type Store struct {
	*Queries
	runTx   txRunner
	retries int
}

// New wraps a dbx connection.
func New(db *dbx.DB, retries int) *Store {
	return &Store{
		Queries: &Queries{db: db},
		runTx: func(ctx context.Context, fn func(q *Queries) error) error {
			return db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
				return fn(&Queries{db: tx})
			})
		},
		retries: normalizeRetries(retries),
	}
}

// NewFromApp uses the PocketBase application database.
func NewFromApp(app core.App, retries int) *Store {
	return &Store{
		Queries: &Queries{db: app.DB()},
		runTx: func(ctx context.Context, fn func(q *Queries) error) error {
			return app.RunInTransaction(func(txApp core.App) error {
				return fn(&Queries{db: txApp.DB()})
			})
		},
		retries: normalizeRetries(retries),
	}
}

func normalizeRetries(n int) int {
	if n < 1 {
		return defaultRetries
	}
	return n
}

// Tx runs fn in one transaction. The whole transaction is retried when
// SQLite reports the database busy or locked; any other error rolls back and
// is returned as is.
//
// fn must only use the Queries it is given.
func (s *Store) Tx(ctx context.Context, fn func(q *Queries) error) error {
	_, err := utils.Retry(ctx, "store.tx", s.retries, IsTransient, func() (struct{}, error) {
		return struct{}{}, s.runTx(ctx, fn)
	})
	return err
}

// IsTransient reports lock contention that is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func affected(res sql.Result) (int64, error) {
	if res == nil {
		return 0, nil
	}
	return res.RowsAffected()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// Ping checks that the database answers a trivial query.
func (q *Queries) Ping(ctx context.Context) error {
	var one int
	if err := q.db.NewQuery("SELECT 1").WithContext(ctx).Row(&one); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}
