package crm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/sqlitedb"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		quote_id TEXT NOT NULL UNIQUE,
		prospect_id TEXT NOT NULL,
		broker_id TEXT NOT NULL,
		manager_id TEXT NOT NULL DEFAULT '',
		affiliate_id TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		insurance_type TEXT NOT NULL,
		premium_cents INTEGER NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		renewal_date TEXT NOT NULL,
		status TEXT NOT NULL,
		cancel_reason TEXT NOT NULL DEFAULT '',
		cancelled_at TEXT NOT NULL DEFAULT '',
		document_path TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_renewal ON policies(status, renewal_date)`,
	`CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL REFERENCES policies(id),
		tier TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		rate_bps INTEGER NOT NULL,
		amount_cents INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (policy_id, tier)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_aggregate ON audit_log(aggregate_id, seq)`,
	`CREATE TABLE IF NOT EXISTS notification_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		dedup_key TEXT NOT NULL UNIQUE,
		channel TEXT NOT NULL,
		recipient TEXT NOT NULL,
		subject TEXT NOT NULL,
		sent_at TEXT NOT NULL
	)`,
}

const policyColumns = `id, number, quote_id, prospect_id, broker_id, manager_id, affiliate_id,
	provider, insurance_type, premium_cents, start_date, end_date, renewal_date,
	status, cancel_reason, cancelled_at, document_path, created_at`

// SQLiteStore keeps business state in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the business tables in db if needed. The database
// may be shared with the event store, guard and dead-letter queue.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := sqlitedb.Migrate(ctx, db, sqliteSchema...); err != nil {
		return nil, fmt.Errorf("crm store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// CreatePolicy implements Store.
func (s *SQLiteStore) CreatePolicy(ctx context.Context, p Policy) (Policy, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Policy{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	existing, err := scanPolicy(tx.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE quote_id = ?`, p.QuoteID))
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return Policy{}, false, err
	}

	if p.Number == "" {
		year := p.StartDate.Year()
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM policies WHERE number LIKE ?`, fmt.Sprintf("INS-%d-%%", year),
		).Scan(&n)
		if err != nil {
			return Policy{}, false, fmt.Errorf("next policy number: %w", err)
		}
		p.Number = PolicyNumber(year, n+1)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO policies (`+policyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Number, p.QuoteID, p.ProspectID, p.BrokerID, p.ManagerID, p.AffiliateID,
		p.Provider, p.InsuranceType, p.PremiumCents,
		sqlitedb.FormatTime(p.StartDate), sqlitedb.FormatTime(p.EndDate), sqlitedb.FormatTime(p.RenewalDate),
		string(p.Status), p.CancelReason, formatOptional(p.CancelledAt), p.DocumentPath,
		sqlitedb.FormatTime(p.CreatedAt),
	)
	if err != nil {
		return Policy{}, false, fmt.Errorf("insert policy for quote %s: %w", p.QuoteID, err)
	}
	if err := tx.Commit(); err != nil {
		return Policy{}, false, fmt.Errorf("commit policy: %w", err)
	}
	return p, true, nil
}

// Policy implements Store.
func (s *SQLiteStore) Policy(ctx context.Context, id string) (Policy, error) {
	return scanPolicy(s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = ?`, id))
}

// PolicyByQuote implements Store.
func (s *SQLiteStore) PolicyByQuote(ctx context.Context, quoteID string) (Policy, error) {
	return scanPolicy(s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE quote_id = ?`, quoteID))
}

// ExpiringPolicies implements Store.
func (s *SQLiteStore) ExpiringPolicies(ctx context.Context, t time.Time) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies
		WHERE status = ? AND renewal_date <= ?
		ORDER BY end_date, number`, string(PolicyStatusActive), sqlitedb.FormatTime(t))
	if err != nil {
		return nil, fmt.Errorf("query expiring policies: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetDocumentPath implements Store.
func (s *SQLiteStore) SetDocumentPath(ctx context.Context, policyID, path string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE policies SET document_path = ? WHERE id = ?`, path, policyID)
	if err != nil {
		return fmt.Errorf("set document path of %s: %w", policyID, err)
	}
	return requireRow(res)
}

// CancelPolicy implements Store.
func (s *SQLiteStore) CancelPolicy(ctx context.Context, policyID, reason string, at time.Time) (Policy, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE policies SET status = ?, cancel_reason = ?, cancelled_at = ?
		WHERE id = ? AND status != ?
	`, string(PolicyStatusCancelled), reason, sqlitedb.FormatTime(at), policyID, string(PolicyStatusCancelled))
	if err != nil {
		return Policy{}, false, fmt.Errorf("cancel policy %s: %w", policyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Policy{}, false, fmt.Errorf("cancel policy %s: %w", policyID, err)
	}
	p, err := s.Policy(ctx, policyID)
	if err != nil {
		return Policy{}, false, err
	}
	return p, n > 0, nil
}

// AddCommissions implements Store.
func (s *SQLiteStore) AddCommissions(ctx context.Context, policyID string, cs []Commission) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM commissions WHERE policy_id = ?`, policyID).Scan(&n); err != nil {
		return false, fmt.Errorf("count commissions of %s: %w", policyID, err)
	}
	if n > 0 {
		return false, nil
	}
	for _, c := range cs {
		if c.PolicyID != policyID {
			return false, fmt.Errorf("commission %s belongs to policy %s", c.ID, c.PolicyID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO commissions (id, policy_id, tier, recipient_id, rate_bps, amount_cents, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.PolicyID, string(c.Tier), c.RecipientID, c.RateBPS, c.AmountCents, string(c.Status),
			sqlitedb.FormatTime(c.CreatedAt))
		if err != nil {
			return false, fmt.Errorf("insert %s commission of %s: %w", c.Tier, policyID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit commissions: %w", err)
	}
	return true, nil
}

// Commissions implements Store.
func (s *SQLiteStore) Commissions(ctx context.Context, policyID string) ([]Commission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, policy_id, tier, recipient_id, rate_bps, amount_cents, status, created_at
		FROM commissions WHERE policy_id = ?
		ORDER BY CASE tier WHEN 'broker' THEN 0 WHEN 'manager' THEN 1 ELSE 2 END
	`, policyID)
	if err != nil {
		return nil, fmt.Errorf("query commissions of %s: %w", policyID, err)
	}
	defer rows.Close()

	var out []Commission
	for rows.Next() {
		var (
			c            Commission
			tier, status string
			createdAt    string
		)
		if err := rows.Scan(&c.ID, &c.PolicyID, &tier, &c.RecipientID, &c.RateBPS, &c.AmountCents, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		c.Tier, c.Status = Tier(tier), CommissionStatus(status)
		if c.CreatedAt, err = sqlitedb.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReverseCommissions implements Store.
func (s *SQLiteStore) ReverseCommissions(ctx context.Context, policyID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE commissions SET status = ? WHERE policy_id = ? AND status != ?`,
		string(CommissionReversed), policyID, string(CommissionReversed))
	if err != nil {
		return 0, fmt.Errorf("reverse commissions of %s: %w", policyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reverse commissions of %s: %w", policyID, err)
	}
	return int(n), nil
}

// AppendAudit implements Store.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e AuditEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (event_id, event_type, aggregate_type, aggregate_id, actor_id,
			correlation_id, payload, occurred_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, e.EventID, e.EventType, e.AggregateType, e.AggregateID, e.ActorID, e.CorrelationID,
		string(e.Payload), sqlitedb.FormatTime(e.OccurredAt), sqlitedb.FormatTime(e.RecordedAt))
	if err != nil {
		return false, fmt.Errorf("append audit %s: %w", e.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append audit %s: %w", e.EventID, err)
	}
	return n > 0, nil
}

// Audit implements Store.
func (s *SQLiteStore) Audit(ctx context.Context, aggregateID string) ([]AuditEntry, error) {
	query := `SELECT event_id, event_type, aggregate_type, aggregate_id, actor_id, correlation_id,
		payload, occurred_at, recorded_at FROM audit_log`
	var args []any
	if aggregateID != "" {
		query += ` WHERE aggregate_id = ?`
		args = append(args, aggregateID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                      AuditEntry
			payload                string
			occurredAt, recordedAt string
		)
		if err := rows.Scan(&e.EventID, &e.EventType, &e.AggregateType, &e.AggregateID, &e.ActorID,
			&e.CorrelationID, &payload, &occurredAt, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = []byte(payload)
		if e.OccurredAt, err = sqlitedb.ParseTime(occurredAt); err != nil {
			return nil, err
		}
		if e.RecordedAt, err = sqlitedb.ParseTime(recordedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// NotificationSent implements Store.
func (s *SQLiteStore) NotificationSent(ctx context.Context, key string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notification_log WHERE dedup_key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("check notification %s: %w", key, err)
	}
	return n > 0, nil
}

// RecordNotification implements Store.
func (s *SQLiteStore) RecordNotification(ctx context.Context, n SentNotification) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_log (dedup_key, channel, recipient, subject, sent_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING
	`, n.Key, n.Channel, n.Recipient, n.Subject, sqlitedb.FormatTime(n.SentAt))
	if err != nil {
		return false, fmt.Errorf("record notification %s: %w", n.Key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record notification %s: %w", n.Key, err)
	}
	return affected > 0, nil
}

// Notifications implements Store.
func (s *SQLiteStore) Notifications(ctx context.Context) ([]SentNotification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dedup_key, channel, recipient, subject, sent_at FROM notification_log ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query notification log: %w", err)
	}
	defer rows.Close()

	var out []SentNotification
	for rows.Next() {
		var (
			n      SentNotification
			sentAt string
		)
		if err := rows.Scan(&n.Key, &n.Channel, &n.Recipient, &n.Subject, &sentAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if n.SentAt, err = sqlitedb.ParseTime(sentAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Close implements Store. The database is owned by the caller.
func (s *SQLiteStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (Policy, error) {
	var (
		p                                  Policy
		status                             string
		start, end, renewal, cancelled, ca string
	)
	err := row.Scan(&p.ID, &p.Number, &p.QuoteID, &p.ProspectID, &p.BrokerID, &p.ManagerID, &p.AffiliateID,
		&p.Provider, &p.InsuranceType, &p.PremiumCents, &start, &end, &renewal,
		&status, &p.CancelReason, &cancelled, &p.DocumentPath, &ca)
	if sqlitedb.IsNoRows(err) {
		return Policy{}, ErrNotFound
	}
	if err != nil {
		return Policy{}, fmt.Errorf("scan policy: %w", err)
	}
	p.Status = PolicyStatus(status)
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&p.StartDate, start},
		{&p.EndDate, end},
		{&p.RenewalDate, renewal},
		{&p.CancelledAt, cancelled},
		{&p.CreatedAt, ca},
	} {
		if *f.dst, err = sqlitedb.ParseTime(f.src); err != nil {
			return Policy{}, err
		}
	}
	return p, nil
}

func formatOptional(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return sqlitedb.FormatTime(t)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
