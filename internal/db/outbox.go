package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/habittrack/habitsync/internal/schema"
)

const mutationColumns = `
	mutation_id, timestamp, created_at, operation, entity_type, entity_id,
	payload, status, retry_count, next_retry_at, last_error, delivered_at, failed_at`

// AppendMutation allocates the next mutation id and inserts rec in one
// transaction. rec.ID is set on success.
//
// The next id is max(counter, highest stored id) + 1, so ids keep rising
// even if the counter row was lost, and the counter row keeps them rising
// after delivered records are cleaned up.
func (db *DB) AppendMutation(rec *schema.MutationRecord) (int64, error) {
	return db.AppendMutationContext(context.Background(), rec)
}

// AppendMutationContext allocates an id and inserts rec with context support.
func (db *DB) AppendMutationContext(ctx context.Context, rec *schema.MutationRecord) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var counter int64
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, CounterKey).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("failed to read mutation counter: %w", err)
	default:
		counter, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt mutation counter %q: %w", raw, err)
		}
	}

	var maxID sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(mutation_id) FROM outbox`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to read max mutation id: %w", err)
	}

	next := max(counter, maxID.Int64) + 1
	candidate := *rec
	candidate.ID = next
	if err := candidate.Validate(); err != nil {
		return 0, fmt.Errorf("invalid mutation: %w", err)
	}

	if err := insertMutation(ctx, tx, &candidate); err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, CounterKey, strconv.FormatInt(next, 10))
	if err != nil {
		return 0, fmt.Errorf("failed to persist mutation counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	rec.ID = next
	return next, nil
}

// PutMutation inserts or replaces a full record, keeping its id. Used when
// restoring a backup; normal appends go through AppendMutation.
func (db *DB) PutMutation(rec *schema.MutationRecord) error {
	return db.PutMutationContext(context.Background(), rec)
}

// PutMutationContext inserts or replaces a record with context support.
func (db *DB) PutMutationContext(ctx context.Context, rec *schema.MutationRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid mutation: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE mutation_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to replace mutation %d: %w", rec.ID, err)
	}
	if err := insertMutation(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertMutation(ctx context.Context, tx *sql.Tx, rec *schema.MutationRecord) error {
	query := `INSERT INTO outbox (` + mutationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, query,
		rec.ID,
		rec.Timestamp.UnixMilli(),
		rec.CreatedAt.UnixMilli(),
		string(rec.Operation),
		rec.EntityType,
		rec.EntityID,
		nullString(string(rec.Payload)),
		string(rec.Status),
		rec.RetryCount,
		rec.NextRetryAt.UnixMilli(),
		nullString(rec.LastError),
		ptrToMillis(rec.DeliveredAt),
		ptrToMillis(rec.FailedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert mutation %d: %w", rec.ID, err)
	}
	return nil
}

// GetMutation returns the record with the given id, or ErrNotFound.
func (db *DB) GetMutation(ctx context.Context, id int64) (*schema.MutationRecord, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+mutationColumns+` FROM outbox WHERE mutation_id = ?`, id)

	rec, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mutation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mutation %d: %w", id, err)
	}
	return rec, nil
}

// DeleteMutation removes a record. Returns nil if it doesn't exist.
func (db *DB) DeleteMutation(ctx context.Context, id int64) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM outbox WHERE mutation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete mutation %d: %w", id, err)
	}
	return nil
}

// UpdateMutation applies fn to the stored record inside one transaction and
// writes back the lifecycle fields. Intent fields changed by fn are ignored.
// If fn returns an error nothing is written.
func (db *DB) UpdateMutation(ctx context.Context, id int64, fn func(*schema.MutationRecord) error) (*schema.MutationRecord, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+mutationColumns+` FROM outbox WHERE mutation_id = ?`, id)
	rec, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mutation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation %d: %w", id, err)
	}

	if err := fn(rec); err != nil {
		return nil, err
	}
	if !rec.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q for mutation %d", rec.Status, id)
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE outbox SET
		status = ?,
		retry_count = ?,
		next_retry_at = ?,
		last_error = ?,
		delivered_at = ?,
		failed_at = ?
	WHERE mutation_id = ?
	`,
		string(rec.Status),
		rec.RetryCount,
		rec.NextRetryAt.UnixMilli(),
		nullString(rec.LastError),
		ptrToMillis(rec.DeliveredAt),
		ptrToMillis(rec.FailedAt),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update mutation %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}

// MutationFilter selects records for ScanMutations. Zero fields don't filter.
type MutationFilter struct {
	// Statuses restricts to these statuses
	Statuses []schema.Status
	// DueAt restricts to records with next_retry_at <= DueAt
	DueAt time.Time
	// EntityType and EntityID restrict to one entity class or instance
	EntityType string
	EntityID   string
	// Limit caps the number of results (0 = no limit)
	Limit int
	// Predicate is applied after the SQL filters; Limit counts matches only
	Predicate func(*schema.MutationRecord) bool
}

// ScanMutations returns matching records ordered by id ascending.
func (db *DB) ScanMutations(ctx context.Context, f MutationFilter) ([]*schema.MutationRecord, error) {
	var conditions []string
	var args []interface{}

	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !f.DueAt.IsZero() {
		conditions = append(conditions, "next_retry_at <= ?")
		args = append(args, f.DueAt.UnixMilli())
	}
	if f.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, f.EntityID)
	}

	query := `SELECT ` + mutationColumns + ` FROM outbox`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY mutation_id ASC`

	if f.Limit > 0 && f.Predicate == nil {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan mutations: %w", err)
	}
	defer rows.Close()

	var out []*schema.MutationRecord
	for rows.Next() {
		rec, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		if f.Predicate != nil && !f.Predicate(rec) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of records per status.
func (db *DB) CountByStatus(ctx context.Context) (map[schema.Status]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mutations: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[schema.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// DeleteDeliveredBefore removes delivered records created before cutoff.
// Age is the record's creation timestamp, not its delivery time, so a
// record that waited offline ages out on the same schedule as the rest.
// Pending and failed records are never touched.
func (db *DB) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
	DELETE FROM outbox
	WHERE status = ? AND timestamp < ?
	`, string(schema.StatusDelivered), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete delivered mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted mutations: %w", err)
	}
	return n, nil
}

// Counter returns the last allocated mutation id.
func (db *DB) Counter(ctx context.Context) (int64, error) {
	raw, ok, err := db.GetMeta(ctx, CounterKey)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt mutation counter %q: %w", raw, err)
	}
	return n, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (*schema.MutationRecord, error) {
	var rec schema.MutationRecord
	var ts, created, nextRetry int64
	var op, status string
	var payload, lastError sql.NullString
	var deliveredAt, failedAt sql.NullInt64

	err := row.Scan(
		&rec.ID,
		&ts,
		&created,
		&op,
		&rec.EntityType,
		&rec.EntityID,
		&payload,
		&status,
		&rec.RetryCount,
		&nextRetry,
		&lastError,
		&deliveredAt,
		&failedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Timestamp = time.UnixMilli(ts).UTC()
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.NextRetryAt = time.UnixMilli(nextRetry).UTC()
	rec.Operation = schema.Operation(op)
	rec.Status = schema.Status(status)
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	rec.LastError = lastError.String
	rec.DeliveredAt = fromMillisPtr(deliveredAt)
	rec.FailedAt = fromMillisPtr(failedAt)

	return &rec, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
