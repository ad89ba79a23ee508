package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/sqlitedb"
)

const sqliteColumns = `id, consumer_group, handler, message_id, event, error_message,
	error_category, attempt_count, failed_at, COALESCE(resolved_at, '')`

// SQLiteQueue keeps dead-letter records in SQLite.
type SQLiteQueue struct {
	db *sql.DB
}

// NewSQLiteQueue creates the dead-letter table in db if needed.
func NewSQLiteQueue(ctx context.Context, db *sql.DB) (*SQLiteQueue, error) {
	err := sqlitedb.Migrate(ctx, db,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			consumer_group TEXT NOT NULL,
			handler TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message_id TEXT NOT NULL,
			event TEXT NOT NULL,
			error_message TEXT NOT NULL,
			error_category TEXT NOT NULL,
			attempt_count INTEGER NOT NULL,
			failed_at TEXT NOT NULL,
			resolved_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_open
			ON dead_letters(failed_at) WHERE resolved_at IS NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("dead-letter queue: %w", err)
	}
	return &SQLiteQueue{db: db}, nil
}

// Enqueue implements Queue. A resolved record is replaced.
func (q *SQLiteQueue) Enqueue(ctx context.Context, rec Record) (bool, error) {
	rec = prepare(rec)
	data, err := json.Marshal(rec.Event)
	if err != nil {
		return false, fmt.Errorf("encode dead letter %s: %w", rec.ID, err)
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, consumer_group, handler, event_id, event_type, message_id,
			event, error_message, error_category, attempt_count, failed_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			message_id = excluded.message_id,
			error_message = excluded.error_message,
			error_category = excluded.error_category,
			attempt_count = excluded.attempt_count,
			failed_at = excluded.failed_at,
			resolved_at = NULL
		WHERE dead_letters.resolved_at IS NOT NULL
	`, rec.ID, rec.Group, rec.Handler, rec.Event.ID, rec.Event.Type, rec.MessageID,
		string(data), rec.ErrorMessage, rec.ErrorCategory, rec.AttemptCount,
		sqlitedb.FormatTime(rec.FailedAt))
	if err != nil {
		return false, fmt.Errorf("enqueue dead letter %s: %w", rec.Event.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue dead letter %s: %w", rec.Event.ID, err)
	}
	return n > 0, nil
}

// Has implements Queue.
func (q *SQLiteQueue) Has(ctx context.Context, group, handler, eventID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE id = ? AND resolved_at IS NULL`,
		RecordID(group, handler, eventID),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check dead letter %s: %w", eventID, err)
	}
	return n > 0, nil
}

// Get implements Queue.
func (q *SQLiteQueue) Get(ctx context.Context, id string) (Record, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM dead_letters WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if sqlitedb.IsNoRows(err) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	return rec, nil
}

// List implements Queue.
func (q *SQLiteQueue) List(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.Group != "" {
		where = append(where, "consumer_group = ?")
		args = append(args, filter.Group)
	}
	if filter.Handler != "" {
		where = append(where, "handler = ?")
		args = append(args, filter.Handler)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if !filter.IncludeResolved {
		where = append(where, "resolved_at IS NULL")
	}

	query := `SELECT ` + sqliteColumns + ` FROM dead_letters`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY failed_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count implements Queue.
func (q *SQLiteQueue) Count(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// CountByType implements Queue.
func (q *SQLiteQueue) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM dead_letters
		WHERE resolved_at IS NULL GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("count dead letters: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			eventType string
			n         int
		)
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, fmt.Errorf("count dead letters: %w", err)
		}
		counts[eventType] = n
	}
	return counts, rows.Err()
}

// RecordFailure implements Queue.
func (q *SQLiteQueue) RecordFailure(ctx context.Context, id, message string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE dead_letters
		SET attempt_count = attempt_count + 1, error_message = ?, failed_at = ?
		WHERE id = ?
	`, message, sqlitedb.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("record failure %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Resolve implements Queue.
func (q *SQLiteQueue) Resolve(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE dead_letters SET resolved_at = COALESCE(resolved_at, ?) WHERE id = ?
	`, sqlitedb.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Close implements Queue. The database stays open.
func (q *SQLiteQueue) Close() error {
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                  Record
		data                 string
		failedAt, resolvedAt string
	)
	err := row.Scan(&rec.ID, &rec.Group, &rec.Handler, &rec.MessageID, &data,
		&rec.ErrorMessage, &rec.ErrorCategory, &rec.AttemptCount, &failedAt, &resolvedAt)
	if err != nil {
		return Record{}, err
	}
	// Undecodable messages are stored with a partial envelope.
	if err = json.Unmarshal([]byte(data), &rec.Event); err != nil {
		return Record{}, err
	}
	if rec.FailedAt, err = sqlitedb.ParseTime(failedAt); err != nil {
		return Record{}, err
	}
	if rec.ResolvedAt, err = sqlitedb.ParseTime(resolvedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

var _ Queue = (*SQLiteQueue)(nil)
