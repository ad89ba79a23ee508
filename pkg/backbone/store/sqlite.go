package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/sqlitedb"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS event_store (
		sequence_number INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		metadata TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		published_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_store_aggregate
		ON event_store(aggregate_id, sequence_number)`,
	`CREATE INDEX IF NOT EXISTS idx_event_store_unpublished
		ON event_store(recorded_at) WHERE published_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS event_deliveries (
		event_id TEXT NOT NULL,
		consumer_group TEXT NOT NULL,
		delivered_at TEXT NOT NULL,
		PRIMARY KEY (event_id, consumer_group)
	)`,
}

const sqliteColumns = `sequence_number, event_id, event_type, aggregate_type, aggregate_id,
	payload, metadata, occurred_at, recorded_at, COALESCE(published_at, '')`

// SQLiteStore persists the event log to SQLite.
// It is suitable for single-node production use.
type SQLiteStore struct {
	db       *sql.DB
	ownsDB   bool
	pageSize int
	mu       sync.RWMutex
	closed   bool
}

// OpenSQLiteStore opens (or creates) a database at path and returns a
// store owning it. Use ":memory:" for tests.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStore creates the event tables in db if needed. The caller
// keeps ownership of db.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := sqlitedb.Migrate(ctx, db, sqliteSchema...); err != nil {
		return nil, fmt.Errorf("event store: %w", err)
	}
	return &SQLiteStore{db: db, pageSize: DefaultPageSize}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, evt event.Event) (uint64, error) {
	if err := evt.Validate(); err != nil {
		return 0, err
	}
	meta, err := json.Marshal(evt.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	payload := string(evt.Payload)
	if payload == "" {
		payload = "null"
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_store (event_id, event_type, aggregate_type, aggregate_id,
			payload, metadata, occurred_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, evt.ID, evt.Type, evt.AggregateType, evt.AggregateID,
		payload, string(meta),
		sqlitedb.FormatTime(evt.OccurredAt), sqlitedb.FormatTime(time.Now()),
	); err != nil {
		return 0, fmt.Errorf("append event %s: %w", evt.ID, err)
	}

	var seq uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT sequence_number FROM event_store WHERE event_id = ?`, evt.ID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read sequence of %s: %w", evt.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit event %s: %w", evt.ID, err)
	}
	return seq, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, eventID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, ErrClosed
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM event_store WHERE event_id = ?`, eventID)
	rec, err := scanSQLiteRecord(row)
	if sqlitedb.IsNoRows(err) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return rec, nil
}

// Read implements Store.
func (s *SQLiteStore) Read(ctx context.Context, aggregateID string, from uint64) iter.Seq2[Record, error] {
	return paged(ctx, from, s.pageSize, func(ctx context.Context, from uint64, limit int) ([]Record, error) {
		return s.query(ctx, `SELECT `+sqliteColumns+` FROM event_store
			WHERE aggregate_id = ? AND sequence_number >= ?
			ORDER BY sequence_number LIMIT ?`, aggregateID, from, limit)
	})
}

// ReadAll implements Store.
func (s *SQLiteStore) ReadAll(ctx context.Context, from uint64) iter.Seq2[Record, error] {
	return paged(ctx, from, s.pageSize, func(ctx context.Context, from uint64, limit int) ([]Record, error) {
		return s.query(ctx, `SELECT `+sqliteColumns+` FROM event_store
			WHERE sequence_number >= ?
			ORDER BY sequence_number LIMIT ?`, from, limit)
	})
}

// MarkDelivered implements Store.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, eventID, group string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_deliveries (event_id, consumer_group, delivered_at)
		VALUES (?, ?, ?)
		ON CONFLICT(event_id, consumer_group) DO NOTHING
	`, eventID, group, sqlitedb.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("mark %s delivered to %s: %w", eventID, group, err)
	}
	return nil
}

// Deliveries implements Store.
func (s *SQLiteStore) Deliveries(ctx context.Context, eventID string) ([]Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, consumer_group, delivered_at FROM event_deliveries
		WHERE event_id = ? ORDER BY delivered_at, consumer_group
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var at string
		if err := rows.Scan(&d.EventID, &d.Group, &at); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if d.DeliveredAt, err = sqlitedb.ParseTime(at); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkPublished implements Store.
func (s *SQLiteStore) MarkPublished(ctx context.Context, eventID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE event_store SET published_at = COALESCE(published_at, ?)
		WHERE event_id = ?
	`, sqlitedb.FormatTime(time.Now()), eventID)
	if err != nil {
		return fmt.Errorf("mark %s published: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Unpublished implements Store.
func (s *SQLiteStore) Unpublished(ctx context.Context, recordedBefore time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	return s.query(ctx, `SELECT `+sqliteColumns+` FROM event_store
		WHERE published_at IS NULL AND recorded_at < ?
		ORDER BY sequence_number LIMIT ?`, sqlitedb.FormatTime(recordedBefore), limit)
}

// LastSequence implements Store.
func (s *SQLiteStore) LastSequence(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var seq uint64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM event_store`,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return seq, nil
}

// Close implements Store. The database is closed only if the store
// opened it.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		rec                                 Record
		payload, meta                       string
		occurredAt, recordedAt, publishedAt string
	)
	if err := row.Scan(&rec.Sequence, &rec.ID, &rec.Type, &rec.AggregateType, &rec.AggregateID,
		&payload, &meta, &occurredAt, &recordedAt, &publishedAt); err != nil {
		return Record{}, err
	}
	rec.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return Record{}, fmt.Errorf("decode metadata of %s: %w", rec.ID, err)
	}
	var err error
	if rec.OccurredAt, err = sqlitedb.ParseTime(occurredAt); err != nil {
		return Record{}, err
	}
	if rec.RecordedAt, err = sqlitedb.ParseTime(recordedAt); err != nil {
		return Record{}, err
	}
	if rec.PublishedAt, err = sqlitedb.ParseTime(publishedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

var _ Store = (*SQLiteStore)(nil)
