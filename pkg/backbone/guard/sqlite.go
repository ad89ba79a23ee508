package guard

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/sqlitedb"
)

// SQLiteGuard keeps idempotency records in SQLite, unique on
// (handler, dedup_key).
type SQLiteGuard struct {
	db *sql.DB
}

// NewSQLiteGuard creates the idempotency table in db if needed.
func NewSQLiteGuard(ctx context.Context, db *sql.DB) (*SQLiteGuard, error) {
	err := sqlitedb.Migrate(ctx, db, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			handler TEXT NOT NULL,
			dedup_key TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			PRIMARY KEY (handler, dedup_key)
		)`)
	if err != nil {
		return nil, fmt.Errorf("idempotency guard: %w", err)
	}
	return &SQLiteGuard{db: db}, nil
}

// Applied implements Guard.
func (g *SQLiteGuard) Applied(ctx context.Context, handler, key string) (bool, error) {
	var n int
	err := g.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM idempotency_keys WHERE handler = ? AND dedup_key = ?
	`, handler, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check %s/%s: %w", handler, key, err)
	}
	return n > 0, nil
}

// MarkApplied implements Guard.
func (g *SQLiteGuard) MarkApplied(ctx context.Context, handler, key string) (bool, error) {
	res, err := g.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (handler, dedup_key, applied_at)
		VALUES (?, ?, ?)
		ON CONFLICT(handler, dedup_key) DO NOTHING
	`, handler, key, sqlitedb.FormatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("mark %s/%s: %w", handler, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark %s/%s: %w", handler, key, err)
	}
	return n > 0, nil
}

var _ Guard = (*SQLiteGuard)(nil)
