package crm

import (
	"context"
	"fmt"
	"time"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// Source tags events published by Actions.
const Source = "crm"

// Publisher durably records and broadcasts events.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) (string, error)
}

// Actions are the business operations that start the saga. Each returns
// once the event is durable; its effects happen asynchronously.
type Actions struct {
	pub   Publisher
	store Store
	now   func() time.Time
}

// NewActions creates the operations. A nil now selects time.Now.
func NewActions(pub Publisher, store Store, now func() time.Time) *Actions {
	if now == nil {
		now = time.Now
	}
	return &Actions{pub: pub, store: store, now: now}
}

func (a *Actions) publish(ctx context.Context, aggregateType, aggregateID, actor string, payload event.Payload, opts []event.Option) (event.Event, error) {
	opts = append([]event.Option{event.WithActor(actor), event.WithSource(Source), event.WithTimestamp(a.now())}, opts...)
	evt, err := event.New(aggregateType, aggregateID, payload, opts...)
	if err != nil {
		return event.Event{}, err
	}
	if _, err := a.pub.Publish(ctx, evt); err != nil {
		return event.Event{}, err
	}
	return evt, nil
}

// AcceptQuote records that a client accepted a quote.
func (a *Actions) AcceptQuote(ctx context.Context, q QuoteAccepted, actor string, opts ...event.Option) (event.Event, error) {
	return a.publish(ctx, AggregateQuote, q.QuoteID, actor, q, opts)
}

// CancelPolicy requests the cancellation of a policy.
func (a *Actions) CancelPolicy(ctx context.Context, policyID, reason, actor string, opts ...event.Option) (event.Event, error) {
	return a.publish(ctx, AggregatePolicy, policyID, actor, PolicyCancelled{PolicyID: policyID, Reason: reason}, opts)
}

// CreateProspect records a new prospect.
func (a *Actions) CreateProspect(ctx context.Context, p ProspectCreated, actor string, opts ...event.Option) (event.Event, error) {
	return a.publish(ctx, AggregateProspect, p.ProspectID, actor, p, opts)
}

// ChangeProspectStatus records a pipeline move of a prospect.
func (a *Actions) ChangeProspectStatus(ctx context.Context, prospectID, from, to, actor string, opts ...event.Option) (event.Event, error) {
	return a.publish(ctx, AggregateProspect, prospectID, actor,
		ProspectStatusChanged{ProspectID: prospectID, OldStatus: from, NewStatus: to}, opts)
}

// AssignProspect hands a prospect to brokerID. previousBrokerID is empty
// for a first assignment.
func (a *Actions) AssignProspect(ctx context.Context, prospectID, brokerID, previousBrokerID, actor string, opts ...event.Option) (event.Event, error) {
	return a.publish(ctx, AggregateProspect, prospectID, actor,
		ProspectAssignedToBroker{ProspectID: prospectID, BrokerID: brokerID, PreviousBrokerID: previousBrokerID}, opts)
}

// RemindExpiring publishes PolicyExpiring for every active policy whose
// renewal reminder is due. The event ID is fixed per policy term, so
// running it again publishes nothing new.
func (a *Actions) RemindExpiring(ctx context.Context) (int, error) {
	now := a.now().UTC()
	policies, err := a.store.ExpiringPolicies(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expiring policies: %w", err)
	}
	for i, p := range policies {
		id := event.DerivedID("renewal:"+p.EndDate.Format(time.DateOnly), TypePolicyExpiring, AggregatePolicy, p.ID)
		payload := PolicyExpiring{
			PolicyID:        p.ID,
			PolicyNumber:    p.Number,
			ProspectID:      p.ProspectID,
			EndDate:         p.EndDate,
			DaysUntilExpiry: max(0, int(p.EndDate.Sub(now).Hours()/24)),
		}
		if _, err := a.publish(ctx, AggregatePolicy, p.ID, "", payload, []event.Option{event.WithEventID(id)}); err != nil {
			return i, fmt.Errorf("remind policy %s: %w", p.Number, err)
		}
	}
	return len(policies), nil
}
