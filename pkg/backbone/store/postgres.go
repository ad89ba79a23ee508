package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS event_store (
		sequence_number BIGSERIAL PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload JSONB NOT NULL,
		metadata JSONB NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_store_aggregate
		ON event_store (aggregate_id, sequence_number)`,
	`CREATE INDEX IF NOT EXISTS idx_event_store_unpublished
		ON event_store (recorded_at) WHERE published_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS event_deliveries (
		event_id TEXT NOT NULL,
		consumer_group TEXT NOT NULL,
		delivered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (event_id, consumer_group)
	)`,
}

// appendLockKey names the advisory lock that serializes appends.
const appendLockKey int64 = 0x63726d5f6c6f67

var postgresColumns = []string{
	"sequence_number", "event_id", "event_type", "aggregate_type", "aggregate_id",
	"payload", "metadata", "occurred_at", "recorded_at", "published_at",
}

// PostgresStore persists the event log to PostgreSQL for multi-node
// deployments.
type PostgresStore struct {
	pool     *pgxpool.Pool
	psql     sq.StatementBuilderType
	pageSize int
}

// NewPostgresStore creates the event tables if needed. The caller keeps
// ownership of pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("event store migrate: %w", err)
		}
	}
	return &PostgresStore{
		pool:     pool,
		psql:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		pageSize: DefaultPageSize,
	}, nil
}

// Append implements Store.
func (p *PostgresStore) Append(ctx context.Context, evt event.Event) (uint64, error) {
	if err := evt.Validate(); err != nil {
		return 0, err
	}
	meta, err := json.Marshal(evt.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	payload := []byte(evt.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}

	query, args, err := p.psql.Insert("event_store").
		Columns("event_id", "event_type", "aggregate_type", "aggregate_id", "payload", "metadata", "occurred_at").
		Values(evt.ID, evt.Type, evt.AggregateType, evt.AggregateID, payload, meta, evt.OccurredAt).
		Suffix("ON CONFLICT (event_id) DO NOTHING RETURNING sequence_number").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build append: %w", err)
	}

	// Appends take a transaction-scoped advisory lock so sequence numbers
	// become visible in commit order and a ReadAll cursor never passes a
	// sequence that commits later.
	var seq int64
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, query, args...).Scan(&seq)
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict: the event is already in the log.
			err = tx.QueryRow(ctx,
				`SELECT sequence_number FROM event_store WHERE event_id = $1`, evt.ID,
			).Scan(&seq)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", evt.ID, err)
	}
	return uint64(seq), nil
}

// Get implements Store.
func (p *PostgresStore) Get(ctx context.Context, eventID string) (Record, error) {
	query, args, err := p.psql.Select(postgresColumns...).
		From("event_store").
		Where(sq.Eq{"event_id": eventID}).
		ToSql()
	if err != nil {
		return Record{}, fmt.Errorf("build get: %w", err)
	}

	rec, err := scanPostgresRecord(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return rec, nil
}

// Read implements Store.
func (p *PostgresStore) Read(ctx context.Context, aggregateID string, from uint64) iter.Seq2[Record, error] {
	return paged(ctx, from, p.pageSize, func(ctx context.Context, from uint64, limit int) ([]Record, error) {
		return p.selectRecords(ctx, p.psql.Select(postgresColumns...).
			From("event_store").
			Where(sq.Eq{"aggregate_id": aggregateID}).
			Where(sq.GtOrEq{"sequence_number": from}).
			OrderBy("sequence_number").
			Limit(uint64(limit)))
	})
}

// ReadAll implements Store.
func (p *PostgresStore) ReadAll(ctx context.Context, from uint64) iter.Seq2[Record, error] {
	return paged(ctx, from, p.pageSize, func(ctx context.Context, from uint64, limit int) ([]Record, error) {
		return p.selectRecords(ctx, p.psql.Select(postgresColumns...).
			From("event_store").
			Where(sq.GtOrEq{"sequence_number": from}).
			OrderBy("sequence_number").
			Limit(uint64(limit)))
	})
}

// MarkDelivered implements Store.
func (p *PostgresStore) MarkDelivered(ctx context.Context, eventID, group string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO event_deliveries (event_id, consumer_group)
		VALUES ($1, $2)
		ON CONFLICT (event_id, consumer_group) DO NOTHING
	`, eventID, group)
	if err != nil {
		return fmt.Errorf("mark %s delivered to %s: %w", eventID, group, err)
	}
	return nil
}

// Deliveries implements Store.
func (p *PostgresStore) Deliveries(ctx context.Context, eventID string) ([]Delivery, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT event_id, consumer_group, delivered_at FROM event_deliveries
		WHERE event_id = $1 ORDER BY delivered_at, consumer_group
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.EventID, &d.Group, &d.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkPublished implements Store.
func (p *PostgresStore) MarkPublished(ctx context.Context, eventID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE event_store SET published_at = COALESCE(published_at, now())
		WHERE event_id = $1
	`, eventID)
	if err != nil {
		return fmt.Errorf("mark %s published: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Unpublished implements Store.
func (p *PostgresStore) Unpublished(ctx context.Context, recordedBefore time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = p.pageSize
	}
	return p.selectRecords(ctx, p.psql.Select(postgresColumns...).
		From("event_store").
		Where(sq.Eq{"published_at": nil}).
		Where(sq.Lt{"recorded_at": recordedBefore}).
		OrderBy("sequence_number").
		Limit(uint64(limit)))
}

// LastSequence implements Store.
func (p *PostgresStore) LastSequence(ctx context.Context) (uint64, error) {
	var seq int64
	if err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM event_store`,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return uint64(seq), nil
}

// Close implements Store. The pool belongs to the caller.
func (p *PostgresStore) Close() error {
	return nil
}

func (p *PostgresStore) selectRecords(ctx context.Context, b sq.SelectBuilder) ([]Record, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
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

func scanPostgresRecord(row pgx.Row) (Record, error) {
	var (
		rec         Record
		seq         int64
		payload     []byte
		meta        []byte
		publishedAt *time.Time
	)
	if err := row.Scan(&seq, &rec.ID, &rec.Type, &rec.AggregateType, &rec.AggregateID,
		&payload, &meta, &rec.OccurredAt, &rec.RecordedAt, &publishedAt); err != nil {
		return Record{}, err
	}
	rec.Sequence = uint64(seq)
	rec.Payload = json.RawMessage(payload)
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return Record{}, fmt.Errorf("decode metadata of %s: %w", rec.ID, err)
	}
	rec.OccurredAt = rec.OccurredAt.UTC()
	rec.RecordedAt = rec.RecordedAt.UTC()
	if publishedAt != nil {
		rec.PublishedAt = publishedAt.UTC()
	}
	return rec, nil
}

var _ Store = (*PostgresStore)(nil)
