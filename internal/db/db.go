// Package db provides the durable local store for habitsync.
//
// A single sqlite file (ncruces/go-sqlite3, WASM build, no cgo) holds:
//   - outbox: queued mutations with their delivery lifecycle
//   - metadata: small key/value rows (mutation id counter, client id,
//     schedule keys awaiting a debounced upload)
//   - schedules, habits, archived_habits: the local entity collections
//
// The pool is limited to one connection so every write is serialized inside
// the process, and write transactions start IMMEDIATE so a second process
// (the CLI next to a running daemon) waits on busy_timeout instead of
// failing on lock upgrade.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/habittrack/habitsync/internal/syncerr"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = syncerr.ErrNotFound

// Metadata keys.
const (
	// CounterKey holds the last allocated mutation id.
	CounterKey = "mutation_id"
	// ClientIDKey holds this installation's uuid.
	ClientIDKey = "client_id"
	// PendingUploadsKey holds the debounced-save keys not yet uploaded.
	PendingUploadsKey = "pending_uploads"
)

// DB wraps the sqlite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The parent directory is created if needed. The caller MUST call Close()
// when done so the WAL is checkpointed.
//
// Example:
//
//	database, err := db.Open(".habitsync/habitsync.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	return &DB{conn: conn, path: path}, nil
}

// DSN builds the ncruces connection string for path. Pragmas go in the DSN
// so every connection the pool opens gets them.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("failed to checkpoint WAL", "path", db.path, "error", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		mutation_id INTEGER PRIMARY KEY,
		timestamp INTEGER NOT NULL,      -- epoch ms
		created_at INTEGER NOT NULL,
		operation TEXT NOT NULL,         -- create, update, delete
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT,                    -- JSON snapshot
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		last_error TEXT,
		delivered_at INTEGER,
		failed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedules (
		day_id INTEGER PRIMARY KEY,
		date TEXT NOT NULL,
		weekday TEXT,
		items TEXT NOT NULL,             -- JSON array
		created_at INTEGER NOT NULL,
		updated_at INTEGER,
		source TEXT
	);

	CREATE TABLE IF NOT EXISTS habits (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		color TEXT,
		checkmarks TEXT NOT NULL,        -- JSON object date -> bool
		weekly_target INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER,
		source TEXT
	);

	CREATE TABLE IF NOT EXISTS archived_habits (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		color TEXT,
		archived_date TEXT NOT NULL,
		streak INTEGER NOT NULL DEFAULT 0,
		longest_streak INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER,
		source TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
	CREATE INDEX IF NOT EXISTS idx_outbox_next_retry ON outbox(next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_outbox_entity_type ON outbox(entity_type);
	CREATE INDEX IF NOT EXISTS idx_outbox_timestamp ON outbox(timestamp);

	-- Due scans: status IN (...) AND next_retry_at <= ? ORDER BY mutation_id
	CREATE INDEX IF NOT EXISTS idx_outbox_due
	    ON outbox(status, next_retry_at, mutation_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_entity
	    ON outbox(entity_type, entity_id, mutation_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// GetMeta returns a metadata value. ok is false if the key is absent.
func (db *DB) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.conn.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta stores a metadata value.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", key, err)
	}
	return nil
}

// ClientID returns this installation's id, creating it on first use.
// Remote idempotency keys are namespaced by it because mutation ids are
// only unique per client.
func (db *DB) ClientID(ctx context.Context) (string, error) {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO metadata (key, value) VALUES (?, ?)`,
		ClientIDKey, uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("failed to create client id: %w", err)
	}

	id, _, err := db.GetMeta(ctx, ClientIDKey)
	return id, err
}

// PendingUploads returns the entity keys recorded as awaiting upload.
func (db *DB) PendingUploads(ctx context.Context) ([]string, error) {
	raw, ok, err := db.GetMeta(ctx, PendingUploadsKey)
	if err != nil || !ok {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("failed to decode pending uploads: %w", err)
	}
	return keys, nil
}

// SetPendingUploads replaces the recorded keys awaiting upload.
func (db *DB) SetPendingUploads(ctx context.Context, keys []string) error {
	if keys == nil {
		keys = []string{}
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to encode pending uploads: %w", err)
	}
	return db.SetMeta(ctx, PendingUploadsKey, string(data))
}

// toMillis converts t to epoch ms, or NULL for the zero time.
func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// ptrToMillis converts an optional timestamp to epoch ms.
func ptrToMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return toMillis(*t)
}

// fromMillis converts stored epoch ms back to a UTC time.
func fromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64).UTC()
}

// fromMillisPtr converts stored epoch ms to an optional time.
func fromMillisPtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}
