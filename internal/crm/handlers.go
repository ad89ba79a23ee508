package crm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Narjhan-ng/insurance-crm/internal/document"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/dispatch"
	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// Handler names.
const (
	HandlerPolicyCreation        = "policy-creation"
	HandlerCommissionCalculation = "commission-calculation"
	HandlerPolicyCancellation    = "policy-cancellation"
	HandlerDocumentGeneration    = "document-generation"
	HandlerNotification          = "notification"
	HandlerAudit                 = "audit"
)

// lookup wraps a store read. A missing row cannot appear on redelivery,
// so it fails permanently.
func lookup(err error, what string) error {
	if errors.Is(err, ErrNotFound) {
		return bberrors.Permanent(err, what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// PolicyCreation issues the policy of an accepted quote.
type PolicyCreation struct {
	store Store
	now   func() time.Time
}

// NewPolicyCreation creates the handler.
func NewPolicyCreation(store Store, now func() time.Time) *PolicyCreation {
	return &PolicyCreation{store: store, now: now}
}

func (h *PolicyCreation) Name() string      { return HandlerPolicyCreation }
func (h *PolicyCreation) Handles() []string { return []string{TypeQuoteAccepted} }

// DedupKey is the quote: a quote yields at most one policy.
func (h *PolicyCreation) DedupKey(evt event.Event) string {
	return "quote:" + evt.AggregateID
}

// Handle creates the policy, or finds the one a previous delivery created,
// and emits PolicyCreated for it.
func (h *PolicyCreation) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	q, err := event.Decode[QuoteAccepted](evt)
	if err != nil {
		return nil, err
	}
	policy, _, err := h.store.CreatePolicy(ctx, NewPolicy(q, h.now()))
	if err != nil {
		return nil, fmt.Errorf("create policy for quote %s: %w", q.QuoteID, err)
	}
	created, err := event.NewFromParent(evt, AggregatePolicy, policy.ID, policy.Created())
	if err != nil {
		return nil, err
	}
	return []event.Event{created}, nil
}

// CommissionCalculation records the commission set of a new policy.
type CommissionCalculation struct {
	store Store
	rates Rates
	now   func() time.Time
}

// NewCommissionCalculation creates the handler.
func NewCommissionCalculation(store Store, rates Rates, now func() time.Time) *CommissionCalculation {
	return &CommissionCalculation{store: store, rates: rates, now: now}
}

func (h *CommissionCalculation) Name() string      { return HandlerCommissionCalculation }
func (h *CommissionCalculation) Handles() []string { return []string{TypePolicyCreated} }

// DedupKey is the policy: a policy has one commission set.
func (h *CommissionCalculation) DedupKey(evt event.Event) string {
	return "policy:" + evt.AggregateID
}

// Handle inserts the commissions unless the policy has them or was
// cancelled first.
func (h *CommissionCalculation) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	created, err := event.Decode[PolicyCreated](evt)
	if err != nil {
		return nil, err
	}
	policy, err := h.store.Policy(ctx, created.PolicyID)
	if err != nil {
		return nil, lookup(err, "load policy "+created.PolicyID)
	}
	if policy.Status == PolicyStatusCancelled {
		return nil, nil
	}

	if _, err := h.store.AddCommissions(ctx, policy.ID, h.rates.Calculate(created, h.now())); err != nil {
		return nil, fmt.Errorf("add commissions of %s: %w", policy.ID, err)
	}
	stored, err := h.store.Commissions(ctx, policy.ID)
	if err != nil {
		return nil, fmt.Errorf("load commissions of %s: %w", policy.ID, err)
	}

	payload := CommissionsCalculated{PolicyID: policy.ID, TotalCents: Total(stored)}
	for _, c := range stored {
		payload.Lines = append(payload.Lines, c.Line())
	}
	calculated, err := event.NewFromParent(evt, AggregatePolicy, policy.ID, payload)
	if err != nil {
		return nil, err
	}
	return []event.Event{calculated}, nil
}

// PolicyCancellation compensates an issued policy: it cancels the policy
// and reverses its commissions.
type PolicyCancellation struct {
	store Store
	now   func() time.Time
}

// NewPolicyCancellation creates the handler.
func NewPolicyCancellation(store Store, now func() time.Time) *PolicyCancellation {
	return &PolicyCancellation{store: store, now: now}
}

func (h *PolicyCancellation) Name() string      { return HandlerPolicyCancellation }
func (h *PolicyCancellation) Handles() []string { return []string{TypePolicyCancelled} }

// DedupKey is the cancelled policy.
func (h *PolicyCancellation) DedupKey(evt event.Event) string {
	return "cancel:" + evt.AggregateID
}

// Handle cancels the policy, reverses its commissions and emits
// CommissionsReversed with the totals of the reversed set.
func (h *PolicyCancellation) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	cancelled, err := event.Decode[PolicyCancelled](evt)
	if err != nil {
		return nil, err
	}
	if _, _, err := h.store.CancelPolicy(ctx, cancelled.PolicyID, cancelled.Reason, h.now()); err != nil {
		return nil, lookup(err, "cancel policy "+cancelled.PolicyID)
	}
	if _, err := h.store.ReverseCommissions(ctx, cancelled.PolicyID); err != nil {
		return nil, fmt.Errorf("reverse commissions of %s: %w", cancelled.PolicyID, err)
	}
	cs, err := h.store.Commissions(ctx, cancelled.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("load commissions of %s: %w", cancelled.PolicyID, err)
	}

	payload := CommissionsReversed{PolicyID: cancelled.PolicyID}
	for _, c := range cs {
		if c.Status == CommissionReversed {
			payload.Count++
			payload.TotalCents += c.AmountCents
		}
	}
	reversed, err := event.NewFromParent(evt, AggregatePolicy, cancelled.PolicyID, payload)
	if err != nil {
		return nil, err
	}
	return []event.Event{reversed}, nil
}

// DocumentGeneration renders and stores the contract of a new policy.
type DocumentGeneration struct {
	store     Store
	documents document.Storage
	renderer  *document.Renderer
	now       func() time.Time
}

// NewDocumentGeneration creates the handler.
func NewDocumentGeneration(store Store, documents document.Storage, renderer *document.Renderer, now func() time.Time) *DocumentGeneration {
	if renderer == nil {
		renderer = document.NewRenderer()
	}
	return &DocumentGeneration{store: store, documents: documents, renderer: renderer, now: now}
}

func (h *DocumentGeneration) Name() string      { return HandlerDocumentGeneration }
func (h *DocumentGeneration) Handles() []string { return []string{TypePolicyCreated} }

// DedupKey disables the guard; the stored document path is the marker.
func (h *DocumentGeneration) DedupKey(event.Event) string { return "" }

// Handle stores the contract unless the policy already records one, then
// emits PolicyDocumentGenerated with its location.
func (h *DocumentGeneration) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	created, err := event.Decode[PolicyCreated](evt)
	if err != nil {
		return nil, err
	}
	policy, err := h.store.Policy(ctx, created.PolicyID)
	if err != nil {
		return nil, lookup(err, "load policy "+created.PolicyID)
	}

	location := policy.DocumentPath
	if location == "" {
		if policy.Status == PolicyStatusCancelled {
			return nil, nil
		}
		contract := document.Contract{
			PolicyID:      policy.ID,
			PolicyNumber:  policy.Number,
			QuoteID:       policy.QuoteID,
			ProspectID:    policy.ProspectID,
			Provider:      policy.Provider,
			InsuranceType: policy.InsuranceType,
			PremiumCents:  policy.PremiumCents,
			StartDate:     policy.StartDate,
			EndDate:       policy.EndDate,
			IssuedAt:      h.now(),
		}
		body, err := h.renderer.Render(contract)
		if err != nil {
			return nil, bberrors.Permanent(err, "render contract")
		}
		location, err = h.documents.Put(ctx, contract.Key(), body, document.ContentType)
		if err != nil {
			return nil, fmt.Errorf("store contract of %s: %w", policy.ID, err)
		}
		if err := h.store.SetDocumentPath(ctx, policy.ID, location); err != nil {
			return nil, fmt.Errorf("record contract of %s: %w", policy.ID, err)
		}
	}

	generated, err := event.NewFromParent(evt, AggregatePolicy, policy.ID, PolicyDocumentGenerated{
		PolicyID: policy.ID,
		Location: location,
	})
	if err != nil {
		return nil, err
	}
	return []event.Event{generated}, nil
}

// Audit appends every event to the audit log.
type Audit struct {
	store Store
	now   func() time.Time
}

// NewAudit creates the handler.
func NewAudit(store Store, now func() time.Time) *Audit {
	return &Audit{store: store, now: now}
}

func (h *Audit) Name() string      { return HandlerAudit }
func (h *Audit) Handles() []string { return nil }

// DedupKey disables the guard; the audit log is unique on event ID.
func (h *Audit) DedupKey(event.Event) string { return "" }

// Handle records evt.
func (h *Audit) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	_, err := h.store.AppendAudit(ctx, AuditEntry{
		EventID:       evt.ID,
		EventType:     evt.Type,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		ActorID:       evt.Metadata.ActorID,
		CorrelationID: evt.Metadata.CorrelationID,
		Payload:       evt.Payload,
		OccurredAt:    evt.OccurredAt,
		RecordedAt:    h.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("audit %s: %w", evt.ID, err)
	}
	return nil, nil
}

var (
	_ dispatch.Handler = (*PolicyCreation)(nil)
	_ dispatch.Handler = (*CommissionCalculation)(nil)
	_ dispatch.Handler = (*PolicyCancellation)(nil)
	_ dispatch.Handler = (*DocumentGeneration)(nil)
	_ dispatch.Handler = (*Audit)(nil)
)
