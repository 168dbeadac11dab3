package store

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"
)

// Money columns hold minor units; time columns hold Unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS queue_entries (
		seq                INTEGER PRIMARY KEY AUTOINCREMENT,
		id                 TEXT    NOT NULL UNIQUE,
		customer_id        TEXT    NOT NULL,
		preferred_language TEXT    NOT NULL,
		joined_at          INTEGER NOT NULL,
		status             TEXT    NOT NULL CHECK (status IN ('waiting', 'matched', 'left')),
		priority           TEXT    NOT NULL DEFAULT 'normal' CHECK (priority IN ('normal', 'elevated')),
		wait_time_seconds  INTEGER NOT NULL DEFAULT 0,
		updated_at         INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_entries_one_waiting
		ON queue_entries (customer_id) WHERE status = 'waiting'`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_waiting_language
		ON queue_entries (preferred_language, joined_at, seq) WHERE status = 'waiting'`,

	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id               TEXT    PRIMARY KEY,
		customer_id      TEXT    NOT NULL,
		provider_id      TEXT    NOT NULL,
		rate_per_minute  INTEGER NOT NULL CHECK (rate_per_minute >= 0),
		status           TEXT    NOT NULL CHECK (status IN ('active', 'ended')),
		started_at       INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		total_billed_ms  INTEGER NOT NULL DEFAULT 0,
		total_earned     INTEGER NOT NULL DEFAULT 0,
		ended_at         INTEGER,
		end_reason       TEXT    NOT NULL DEFAULT '',
		transferred_from TEXT    NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_sessions_active_pair
		ON chat_sessions (customer_id, provider_id) WHERE status = 'active'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_sessions_active_customer
		ON chat_sessions (customer_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_chat_sessions_active_activity
		ON chat_sessions (last_activity_at) WHERE status = 'active'`,

	`CREATE TABLE IF NOT EXISTS wallets (
		customer_id TEXT    PRIMARY KEY,
		balance     INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_transactions (
		id            TEXT    PRIMARY KEY,
		customer_id   TEXT    NOT NULL,
		session_id    TEXT    NOT NULL DEFAULT '',
		kind          TEXT    NOT NULL CHECK (kind IN ('debit', 'credit')),
		amount        INTEGER NOT NULL CHECK (amount >= 0),
		balance_after INTEGER NOT NULL,
		reference     TEXT    NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_transactions_customer
		ON wallet_transactions (customer_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS provider_earnings (
		id          TEXT    PRIMARY KEY,
		provider_id TEXT    NOT NULL,
		session_id  TEXT    NOT NULL,
		amount      INTEGER NOT NULL CHECK (amount >= 0),
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_provider_earnings_provider
		ON provider_earnings (provider_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS provider_availability (
		provider_id           TEXT    PRIMARY KEY,
		is_available          INTEGER NOT NULL DEFAULT 0,
		current_session_count INTEGER NOT NULL DEFAULT 0 CHECK (current_session_count >= 0),
		last_assigned_at      INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS language_groups (
		id       TEXT    PRIMARY KEY,
		name     TEXT    NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0,
		active   INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS language_group_members (
		group_id      TEXT NOT NULL REFERENCES language_groups (id) ON DELETE CASCADE,
		language_code TEXT NOT NULL,
		PRIMARY KEY (group_id, language_code)
	)`,
	`CREATE TABLE IF NOT EXISTS provider_shifts (
		provider_id TEXT NOT NULL,
		group_id    TEXT NOT NULL REFERENCES language_groups (id) ON DELETE CASCADE,
		PRIMARY KEY (provider_id, group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pricing (
		id              TEXT    PRIMARY KEY,
		rate_per_minute INTEGER NOT NULL CHECK (rate_per_minute > 0),
		active          INTEGER NOT NULL DEFAULT 1,
		created_at      INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		id               TEXT PRIMARY KEY,
		display_name     TEXT NOT NULL DEFAULT '',
		photo_url        TEXT NOT NULL DEFAULT '',
		bio              TEXT NOT NULL DEFAULT '',
		primary_language TEXT NOT NULL DEFAULT ''
	)`,
}

var tables = []string{
	"provider_shifts",
	"language_group_members",
	"language_groups",
	"pricing",
	"profiles",
	"provider_earnings",
	"wallet_transactions",
	"wallets",
	"chat_sessions",
	"queue_entries",
	"provider_availability",
}

// Migrate creates every engine table and index. It is safe to run repeatedly.
func Migrate(ctx context.Context, db dbx.Builder) error {
	for _, stmt := range schema {
		if _, err := db.NewQuery(stmt).WithContext(ctx).Execute(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Drop removes the engine tables.
func Drop(ctx context.Context, db dbx.Builder) error {
	for _, table := range tables {
		if _, err := db.NewQuery("DROP TABLE IF EXISTS " + table).WithContext(ctx).Execute(); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return nil
}
