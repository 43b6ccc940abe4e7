// Package storage is the persistence boundary, backed by sqlite.
//
// Entities map one-to-one to tables: spot_orders, p2p_orders,
// p2p_messages, p2p_reviews, users, followers, transactions,
// market_data. The trigger index and quote cache are transient and live
// only in the cache store. Status transitions are single UPDATE … WHERE
// status IN (…) statements, so the row's status column is the
// compare-and-set the engines rely on.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY,
	username      TEXT NOT NULL DEFAULT '',
	rating_sum    INTEGER NOT NULL DEFAULT 0,
	rating_count  INTEGER NOT NULL DEFAULT 0,
	last_seen_at  TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS spot_orders (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id            INTEGER NOT NULL,
	type               TEXT NOT NULL,
	network            TEXT NOT NULL,
	from_token         TEXT NOT NULL,
	to_token           TEXT NOT NULL,
	amount             TEXT NOT NULL,
	trigger_price      TEXT,
	trigger_direction  TEXT,
	status             TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	executed_at        TEXT,
	cancelled_at       TEXT,
	execution_json     TEXT,
	error              TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_spot_orders_user ON spot_orders(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_spot_orders_status ON spot_orders(status);

CREATE TABLE IF NOT EXISTS p2p_orders (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	maker_id           INTEGER NOT NULL,
	taker_id           INTEGER,
	side               TEXT NOT NULL,
	base_currency      TEXT NOT NULL,
	quote_currency     TEXT NOT NULL,
	network            TEXT NOT NULL,
	crypto_amount      TEXT NOT NULL,
	price              TEXT NOT NULL,
	payment_method_id  TEXT NOT NULL,
	status             TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	expires_at         TEXT NOT NULL,
	dispute_reason     TEXT NOT NULL DEFAULT '',
	reconcile_flag     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_p2p_orders_status ON p2p_orders(status, side);
CREATE INDEX IF NOT EXISTS idx_p2p_orders_expiry ON p2p_orders(status, expires_at);

CREATE TABLE IF NOT EXISTS p2p_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id   INTEGER NOT NULL,
	sender_id  INTEGER NOT NULL,
	body       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_p2p_messages_order ON p2p_messages(order_id, id);

CREATE TABLE IF NOT EXISTS p2p_reviews (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id   INTEGER NOT NULL,
	author_id  INTEGER NOT NULL,
	subject_id INTEGER NOT NULL,
	rating     INTEGER NOT NULL,
	comment    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE(order_id, author_id)
);

CREATE TABLE IF NOT EXISTS followers (
	leader_id   INTEGER NOT NULL,
	follower_id INTEGER NOT NULL,
	ratio       TEXT NOT NULL,
	min_balance TEXT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (leader_id, follower_id)
);

CREATE TABLE IF NOT EXISTS transactions (
	id         TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	network    TEXT NOT NULL,
	token      TEXT NOT NULL,
	amount     TEXT NOT NULL,
	reference  TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_kind ON transactions(kind, created_at);

CREATE TABLE IF NOT EXISTS market_data (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	network       TEXT NOT NULL,
	from_token    TEXT NOT NULL,
	to_token      TEXT NOT NULL,
	venue         TEXT NOT NULL,
	input_amount  TEXT NOT NULL,
	output_amount TEXT NOT NULL,
	recorded_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_market_data_pair ON market_data(network, from_token, to_token, recorded_at);
`

// Store wraps the sqlite handle. sqlite allows one writer; the pool is
// capped at a single connection so engine CAS updates serialize in the
// driver instead of failing with SQLITE_BUSY.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the handle for the backup job's VACUUM INTO.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Timestamps are stored as RFC3339Nano text: sortable, self-describing,
// and round-trips without driver-specific time handling.
func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
