package crm

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store holds the business state the saga handlers change. Every write is
// idempotent so handlers can be run again after a redelivery.
type Store interface {
	// CreatePolicy inserts p, assigning its number when empty. When the
	// quote already has a policy it returns that one and false.
	CreatePolicy(ctx context.Context, p Policy) (Policy, bool, error)

	// Policy returns a policy by ID.
	Policy(ctx context.Context, id string) (Policy, error)

	// PolicyByQuote returns the policy issued for a quote.
	PolicyByQuote(ctx context.Context, quoteID string) (Policy, error)

	// ExpiringPolicies returns active policies whose renewal reminder is
	// due at or before t, oldest end date first.
	ExpiringPolicies(ctx context.Context, t time.Time) ([]Policy, error)

	// SetDocumentPath records where the contract of a policy is stored.
	SetDocumentPath(ctx context.Context, policyID, path string) error

	// CancelPolicy marks a policy cancelled. It reports false when the
	// policy was already cancelled.
	CancelPolicy(ctx context.Context, policyID, reason string, at time.Time) (Policy, bool, error)

	// AddCommissions inserts the commissions of one policy atomically. It
	// reports false when the policy already has commissions.
	AddCommissions(ctx context.Context, policyID string, cs []Commission) (bool, error)

	// Commissions returns the commissions of a policy by tier.
	Commissions(ctx context.Context, policyID string) ([]Commission, error)

	// ReverseCommissions marks the unreversed commissions of a policy
	// reversed and returns how many changed.
	ReverseCommissions(ctx context.Context, policyID string) (int, error)

	// AppendAudit records an audit entry. It reports false when the event
	// is already in the log.
	AppendAudit(ctx context.Context, e AuditEntry) (bool, error)

	// Audit returns the entries of one aggregate, or all entries when
	// aggregateID is empty, in recording order.
	Audit(ctx context.Context, aggregateID string) ([]AuditEntry, error)

	// NotificationSent reports whether a notification key was logged.
	NotificationSent(ctx context.Context, key string) (bool, error)

	// RecordNotification logs a sent notification. It reports false when
	// the key is already logged.
	RecordNotification(ctx context.Context, n SentNotification) (bool, error)

	// Notifications returns the notification log in sending order.
	Notifications(ctx context.Context) ([]SentNotification, error)

	Close() error
}

// MemoryStore is an in-memory Store for tests and demos.
type MemoryStore struct {
	mu            sync.RWMutex
	policies      map[string]Policy
	byQuote       map[string]string
	yearly        map[int]int
	commissions   map[string][]Commission
	audit         []AuditEntry
	audited       map[string]bool
	notifications []SentNotification
	notified      map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies:    make(map[string]Policy),
		byQuote:     make(map[string]string),
		yearly:      make(map[int]int),
		commissions: make(map[string][]Commission),
		audited:     make(map[string]bool),
		notified:    make(map[string]bool),
	}
}

// CreatePolicy implements Store.
func (m *MemoryStore) CreatePolicy(_ context.Context, p Policy) (Policy, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byQuote[p.QuoteID]; ok {
		return m.policies[id], false, nil
	}
	if _, ok := m.policies[p.ID]; ok {
		return Policy{}, false, errors.New("policy id already used by another quote")
	}
	if p.Number == "" {
		year := p.StartDate.Year()
		m.yearly[year]++
		p.Number = PolicyNumber(year, m.yearly[year])
	}
	m.policies[p.ID] = p
	m.byQuote[p.QuoteID] = p.ID
	return p, true, nil
}

// Policy implements Store.
func (m *MemoryStore) Policy(_ context.Context, id string) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return p, nil
}

// PolicyByQuote implements Store.
func (m *MemoryStore) PolicyByQuote(ctx context.Context, quoteID string) (Policy, error) {
	m.mu.RLock()
	id, ok := m.byQuote[quoteID]
	m.mu.RUnlock()
	if !ok {
		return Policy{}, ErrNotFound
	}
	return m.Policy(ctx, id)
}

// ExpiringPolicies implements Store.
func (m *MemoryStore) ExpiringPolicies(_ context.Context, t time.Time) ([]Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Policy
	for _, p := range m.policies {
		if p.Status == PolicyStatusActive && !p.RenewalDate.After(t) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EndDate.Equal(out[j].EndDate) {
			return out[i].Number < out[j].Number
		}
		return out[i].EndDate.Before(out[j].EndDate)
	})
	return out, nil
}

// SetDocumentPath implements Store.
func (m *MemoryStore) SetDocumentPath(_ context.Context, policyID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[policyID]
	if !ok {
		return ErrNotFound
	}
	p.DocumentPath = path
	m.policies[policyID] = p
	return nil
}

// CancelPolicy implements Store.
func (m *MemoryStore) CancelPolicy(_ context.Context, policyID, reason string, at time.Time) (Policy, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[policyID]
	if !ok {
		return Policy{}, false, ErrNotFound
	}
	if p.Status == PolicyStatusCancelled {
		return p, false, nil
	}
	p.Status = PolicyStatusCancelled
	p.CancelReason = reason
	p.CancelledAt = at.UTC()
	m.policies[policyID] = p
	return p, true, nil
}

// AddCommissions implements Store.
func (m *MemoryStore) AddCommissions(_ context.Context, policyID string, cs []Commission) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commissions[policyID]; ok {
		return false, nil
	}
	seen := make(map[Tier]bool, len(cs))
	for _, c := range cs {
		if c.PolicyID != policyID {
			return false, errors.New("commission belongs to another policy")
		}
		if seen[c.Tier] {
			return false, errors.New("duplicate commission tier " + string(c.Tier))
		}
		seen[c.Tier] = true
	}
	m.commissions[policyID] = slices.Clone(cs)
	return true, nil
}

// Commissions implements Store.
func (m *MemoryStore) Commissions(_ context.Context, policyID string) ([]Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.commissions[policyID]), nil
}

// ReverseCommissions implements Store.
func (m *MemoryStore) ReverseCommissions(_ context.Context, policyID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i, c := range m.commissions[policyID] {
		if c.Status != CommissionReversed {
			m.commissions[policyID][i].Status = CommissionReversed
			n++
		}
	}
	return n, nil
}

// AppendAudit implements Store.
func (m *MemoryStore) AppendAudit(_ context.Context, e AuditEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audited[e.EventID] {
		return false, nil
	}
	m.audited[e.EventID] = true
	m.audit = append(m.audit, e)
	return true, nil
}

// Audit implements Store.
func (m *MemoryStore) Audit(_ context.Context, aggregateID string) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditEntry
	for _, e := range m.audit {
		if aggregateID == "" || e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}

// NotificationSent implements Store.
func (m *MemoryStore) NotificationSent(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.notified[key], nil
}

// RecordNotification implements Store.
func (m *MemoryStore) RecordNotification(_ context.Context, n SentNotification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notified[n.Key] {
		return false, nil
	}
	m.notified[n.Key] = true
	m.notifications = append(m.notifications, n)
	return true, nil
}

// Notifications implements Store.
func (m *MemoryStore) Notifications(_ context.Context) ([]SentNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.notifications), nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
