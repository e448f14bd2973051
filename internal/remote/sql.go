package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/mod/semver"

	"github.com/habittrack/habitsync/internal/db"
	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

// SchemaVersion is the remote schema this client writes. Remotes with the
// same major version are compatible.
const SchemaVersion = "v1.0.0"

// CheckSchemaVersion returns a SchemaError when remote is not a valid
// version or its major version differs from SchemaVersion.
func CheckSchemaVersion(remote string) error {
	if remote == "" {
		return &syncerr.SchemaError{Object: "remote_meta.schema_version", Err: errors.New("schema version not set")}
	}
	if !semver.IsValid(remote) {
		return &syncerr.SchemaError{Object: "remote_meta.schema_version", Err: fmt.Errorf("invalid schema version %q", remote)}
	}
	if semver.Major(remote) != semver.Major(SchemaVersion) {
		return &syncerr.SchemaError{
			Object: "remote_meta.schema_version",
			Err:    fmt.Errorf("remote schema %s is incompatible with %s", remote, SchemaVersion),
		}
	}
	return nil
}

// SQLRemote stores the remote copy in a sqlite-compatible database: a local
// file (ncruces) or a Turso database (see package libsql).
//
// Each applied mutation is recorded in remote_applied in the same transaction
// as its effect, so redelivering an already-applied mutation is a no-op.
type SQLRemote struct {
	conn   *sql.DB
	router *Router
	logger *slog.Logger
}

// OpenSQLite opens a file-backed remote with the ncruces driver.
func OpenSQLite(path string, logger *slog.Logger) (*SQLRemote, error) {
	conn, err := sql.Open("sqlite3", db.DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping remote database: %w", err)
	}
	return NewSQLRemote(conn, logger), nil
}

// NewSQLRemote wraps an open connection. The remote takes ownership and
// closes it on Close.
func NewSQLRemote(conn *sql.DB, logger *slog.Logger) *SQLRemote {
	if logger == nil {
		logger = slog.Default()
	}
	r := &SQLRemote{
		conn:   conn,
		router: NewRouter(),
		logger: logger.With("component", "remote"),
	}
	r.router.Handle(schema.EntitySchedule, r.entityApplier("remote_schedules"))
	r.router.Handle(schema.EntityHabit, r.entityApplier("remote_habits"))
	r.router.Handle(schema.EntityArchivedHabit, r.entityApplier("remote_archived_habits"))
	return r
}

// InitSchema provisions the remote tables and stamps the schema version.
// Idempotent.
func (r *SQLRemote) InitSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS remote_applied (
			client_id TEXT NOT NULL,
			mutation_id INTEGER NOT NULL,
			applied_at INTEGER NOT NULL,
			PRIMARY KEY (client_id, mutation_id)
		)`,
		`CREATE TABLE IF NOT EXISTS remote_schedules (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS remote_habits (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS remote_archived_habits (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS remote_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := r.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize remote schema: %w", err)
		}
	}

	if _, err := r.conn.ExecContext(ctx, `
	INSERT INTO remote_meta (key, value) VALUES ('schema_version', ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, SchemaVersion); err != nil {
		return fmt.Errorf("failed to set remote schema version: %w", err)
	}

	r.logger.Info("remote schema initialized", "version", SchemaVersion)
	return nil
}

// Apply implements Applier. The applied-id insert and the entity write share
// one transaction.
func (r *SQLRemote) Apply(ctx context.Context, req Request) error {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return sqlError("begin apply", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
	INSERT OR IGNORE INTO remote_applied (client_id, mutation_id, applied_at)
	VALUES (?, ?, ?)
	`, req.ClientID, req.MutationID, time.Now().UnixMilli())
	if err != nil {
		return sqlError("record applied mutation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sqlError("record applied mutation", err)
	}
	if n == 0 {
		r.logger.Debug("mutation already applied", "key", req.IdempotencyKey())
		return nil
	}

	if err := r.router.Apply(withTx(ctx, tx), req); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return sqlError("commit apply", err)
	}
	return nil
}

type txKey struct{}

func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// entityApplier upserts or deletes one document row in table. It runs
// inside the transaction Apply opened.
func (r *SQLRemote) entityApplier(table string) Applier {
	return ApplierFunc(func(ctx context.Context, req Request) error {
		tx, ok := ctx.Value(txKey{}).(*sql.Tx)
		if !ok {
			return fmt.Errorf("apply %s outside a transaction", table)
		}

		if req.Operation == schema.OpDelete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, req.EntityID); err != nil {
				return sqlError("delete from "+table, err)
			}
			return nil
		}

		if len(req.Payload) == 0 || !json.Valid(req.Payload) {
			return &syncerr.IntegrityError{
				Collection: table,
				Problems:   []string{fmt.Sprintf("mutation %d has no valid payload", req.MutationID)},
			}
		}

		if _, err := tx.ExecContext(ctx, `
		INSERT INTO `+table+` (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
		`, req.EntityID, string(req.Payload), req.ClientTimestamp.UnixMilli()); err != nil {
			return sqlError("upsert into "+table, err)
		}
		return nil
	})
}

// FetchSchedules implements Store.
func (r *SQLRemote) FetchSchedules(ctx context.Context) ([]schema.Schedule, error) {
	return fetchDocs[schema.Schedule](ctx, r.conn, "remote_schedules")
}

// FetchHabits implements Store.
func (r *SQLRemote) FetchHabits(ctx context.Context) ([]schema.Habit, error) {
	return fetchDocs[schema.Habit](ctx, r.conn, "remote_habits")
}

// FetchArchivedHabits implements Store.
func (r *SQLRemote) FetchArchivedHabits(ctx context.Context) ([]schema.ArchivedHabit, error) {
	return fetchDocs[schema.ArchivedHabit](ctx, r.conn, "remote_archived_habits")
}

func fetchDocs[T any](ctx context.Context, conn *sql.DB, table string) ([]T, error) {
	rows, err := conn.QueryContext(ctx, `SELECT data FROM `+table+` ORDER BY id`)
	if err != nil {
		return nil, sqlError("fetch "+table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, sqlError("scan "+table, err)
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s row: %w", table, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlError("iterate "+table, err)
	}
	return out, nil
}

// PushSchedules implements Store with one upsert per schedule in a single
// transaction.
func (r *SQLRemote) PushSchedules(ctx context.Context, schedules []schema.Schedule) error {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return sqlError("begin push", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range schedules {
		s := &schedules[i]
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal schedule %d: %w", s.DayID, err)
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO remote_schedules (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
		`, s.Key(), string(data), s.LastModified().UnixMilli()); err != nil {
			return sqlError("push schedule", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sqlError("commit push", err)
	}
	return nil
}

// SchemaVersion implements Store.
func (r *SQLRemote) SchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := r.conn.QueryRowContext(ctx, `SELECT value FROM remote_meta WHERE key = 'schema_version'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", sqlError("read schema version", err)
	}
	return v, nil
}

// Ping implements Remote.
func (r *SQLRemote) Ping(ctx context.Context) error {
	if err := r.conn.PingContext(ctx); err != nil {
		return &syncerr.TransportError{Op: "ping", Err: err}
	}
	return nil
}

// Close implements Remote.
func (r *SQLRemote) Close() error {
	if err := r.conn.Close(); err != nil {
		return fmt.Errorf("failed to close remote database: %w", err)
	}
	return nil
}

// sqlError classifies a driver error: missing tables mean setup is needed,
// everything else is a retryable transport failure.
func sqlError(op string, err error) error {
	if syncerr.LooksLikeMissingSchema(err.Error()) {
		return &syncerr.SchemaError{Object: op, Err: err}
	}
	return &syncerr.TransportError{Op: op, Err: err}
}
