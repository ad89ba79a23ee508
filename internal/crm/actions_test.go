package crm_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Narjhan-ng/insurance-crm/internal/crm"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, evt event.Event) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, evt)
	return evt.ID, nil
}

func TestActionsPublishBusinessEvents(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	a := crm.NewActions(pub, crm.NewMemoryStore(), clock)

	accepted, err := a.AcceptQuote(ctx, quote("5"), "broker-1")
	require.NoError(t, err)
	assert.Equal(t, crm.AggregateQuote, accepted.AggregateType)
	assert.Equal(t, "5", accepted.AggregateID)
	assert.Equal(t, "broker-1", accepted.Metadata.ActorID)
	assert.Equal(t, crm.Source, accepted.Metadata.Source)
	assert.True(t, accepted.OccurredAt.Equal(issued))

	_, err = a.CancelPolicy(ctx, "pol-1", "fraud", "manager-1")
	require.NoError(t, err)
	_, err = a.CreateProspect(ctx, crm.ProspectCreated{ProspectID: "p1"}, "broker-1")
	require.NoError(t, err)
	_, err = a.ChangeProspectStatus(ctx, "p1", "new", "qualified", "broker-1")
	require.NoError(t, err)
	assigned, err := a.AssignProspect(ctx, "p1", "broker-2", "broker-1", "manager-1")
	require.NoError(t, err)
	assert.Equal(t, crm.AggregateProspect, assigned.AggregateType)

	types := make([]string, len(pub.events))
	for i, evt := range pub.events {
		types[i] = evt.Type
	}
	assert.Equal(t, []string{
		crm.TypeQuoteAccepted, crm.TypePolicyCancelled, crm.TypeProspectCreated, crm.TypeProspectStatusChanged,
		crm.TypeProspectAssigned,
	}, types)

	pub.err = errors.New("store down")
	_, err = a.AcceptQuote(ctx, quote("6"), "broker-1")
	assert.Error(t, err)
}

func TestRemindExpiring(t *testing.T) {
	ctx := context.Background()
	s := crm.NewMemoryStore()
	p, _, err := s.CreatePolicy(ctx, crm.NewPolicy(quote("5"), issued))
	require.NoError(t, err)
	_, _, err = s.CreatePolicy(ctx, crm.NewPolicy(quote("6"), issued.AddDate(0, 6, 0)))
	require.NoError(t, err)

	pub := &capturePublisher{}
	now := p.RenewalDate.AddDate(0, 0, 2)
	a := crm.NewActions(pub, s, func() time.Time { return now })

	n, err := a.RemindExpiring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = a.RemindExpiring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, pub.events, 2)
	assert.Equal(t, pub.events[0].ID, pub.events[1].ID, "one reminder per policy term")

	reminder, err := event.Decode[crm.PolicyExpiring](pub.events[0])
	require.NoError(t, err)
	assert.Equal(t, p.Number, reminder.PolicyNumber)
	assert.Equal(t, 28, reminder.DaysUntilExpiry)
}
