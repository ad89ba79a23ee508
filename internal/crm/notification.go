package crm

import (
	"context"
	"fmt"
	"time"

	"github.com/Narjhan-ng/insurance-crm/internal/document"
	"github.com/Narjhan-ng/insurance-crm/internal/notify"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/dispatch"
	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// Template names beyond the event types.
const (
	TemplateProspectAssigned   = "ProspectAssigned"
	TemplateProspectReassigned = "ProspectReassigned"
)

// DefaultTemplates returns the notification templates, keyed by event
// type. Welcome mails may be specialised per prospect type with a
// "ProspectCreated.<type>" key.
func DefaultTemplates() map[string]notify.Template {
	return map[string]notify.Template{
		TypePolicyCreated: {
			Subject: "Your policy ${policy_number} is active",
			Body: "Your ${insurance_type} policy with ${provider} is active from ${start_date} to ${end_date}.\n" +
				"Annual premium: ${premium}.\n",
		},
		TypePolicyCancelled: {
			Subject: "Policy ${policy_number} cancelled",
			Body:    "Your policy ${policy_number} was cancelled. Reason: ${reason}.\n",
		},
		TypePolicyExpiring: {
			Subject: "Policy ${policy_number} expires in ${days} days",
			Body:    "Your policy ${policy_number} ends on ${end_date}. Contact your broker to renew it.\n",
		},
		TypeProspectCreated: {
			Subject: "Welcome, ${first_name}",
			Body:    "Dear ${first_name} ${last_name},\n\nthank you for your interest. Your broker will contact you shortly.\n",
		},
		TypeProspectCreated + ".business": {
			Subject: "Welcome to our business insurance program",
			Body:    "Dear ${first_name} ${last_name},\n\nyour broker will prepare a proposal for your company.\n",
		},
		TemplateProspectAssigned: {
			Channel: notify.ChannelInApp,
			Subject: "New prospect: ${first_name} ${last_name}",
			Body:    "Prospect ${prospect_id} (${prospect_type}) was assigned to you.\n",
		},
		TypeProspectAssigned: {
			Channel: notify.ChannelInApp,
			Subject: "Prospect ${prospect_id} assigned to you",
			Body:    "Prospect ${prospect_id} is now in your pipeline.\n",
		},
		TemplateProspectReassigned: {
			Channel: notify.ChannelInApp,
			Subject: "Prospect ${prospect_id} reassigned",
			Body:    "Prospect ${prospect_id} moved to broker ${broker_id}.\n",
		},
	}
}

// Notification informs clients and brokers about policies and prospects.
type Notification struct {
	store     Store
	notifier  notify.Notifier
	templates map[string]notify.Template
	now       func() time.Time
}

// NewNotification creates the handler. Nil templates select
// DefaultTemplates.
func NewNotification(store Store, notifier notify.Notifier, templates map[string]notify.Template, now func() time.Time) *Notification {
	if templates == nil {
		templates = DefaultTemplates()
	}
	return &Notification{store: store, notifier: notifier, templates: templates, now: now}
}

func (h *Notification) Name() string { return HandlerNotification }

func (h *Notification) Handles() []string {
	return []string{TypePolicyCreated, TypePolicyCancelled, TypePolicyExpiring, TypeProspectCreated, TypeProspectAssigned}
}

func (h *Notification) DedupKey(evt event.Event) string {
	return dispatch.EventIDKey(evt)
}

// Handle sends the messages of evt that the notification log does not
// list yet.
func (h *Notification) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	msgs, err := h.messages(ctx, evt)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		sent, err := h.store.NotificationSent(ctx, msg.Key)
		if err != nil {
			return nil, fmt.Errorf("check notification %s: %w", msg.Key, err)
		}
		if sent {
			continue
		}
		if err := h.notifier.Send(ctx, msg); err != nil {
			if bberrors.IsPermanent(err) {
				return nil, err
			}
			return nil, bberrors.Transient(err, "send "+msg.Key)
		}
		_, err = h.store.RecordNotification(ctx, SentNotification{
			Key:       msg.Key,
			Channel:   msg.Channel,
			Recipient: msg.Recipient,
			Subject:   msg.Subject,
			SentAt:    h.now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("record notification %s: %w", msg.Key, err)
		}
	}
	return nil, nil
}

func (h *Notification) messages(ctx context.Context, evt event.Event) ([]notify.Message, error) {
	key := "notify:" + evt.ID
	switch evt.Type {
	case TypePolicyCreated:
		p, err := event.Decode[PolicyCreated](evt)
		if err != nil {
			return nil, err
		}
		msg, err := h.render(TypePolicyCreated, "prospect:"+p.ProspectID, key, map[string]any{
			"policy_number":  p.PolicyNumber,
			"provider":       p.Provider,
			"insurance_type": p.InsuranceType,
			"premium":        document.Money(p.AnnualPremiumCents),
			"start_date":     p.StartDate.Format(time.DateOnly),
			"end_date":       p.EndDate.Format(time.DateOnly),
		})
		return []notify.Message{msg}, err

	case TypePolicyCancelled:
		c, err := event.Decode[PolicyCancelled](evt)
		if err != nil {
			return nil, err
		}
		policy, err := h.store.Policy(ctx, c.PolicyID)
		if err != nil {
			return nil, lookup(err, "load policy "+c.PolicyID)
		}
		msg, err := h.render(TypePolicyCancelled, "prospect:"+policy.ProspectID, key, map[string]any{
			"policy_number": policy.Number,
			"reason":        c.Reason,
		})
		return []notify.Message{msg}, err

	case TypePolicyExpiring:
		p, err := event.Decode[PolicyExpiring](evt)
		if err != nil {
			return nil, err
		}
		msg, err := h.render(TypePolicyExpiring, "prospect:"+p.ProspectID, key, map[string]any{
			"policy_number": p.PolicyNumber,
			"days":          p.DaysUntilExpiry,
			"end_date":      p.EndDate.Format(time.DateOnly),
		})
		return []notify.Message{msg}, err

	case TypeProspectCreated:
		p, err := event.Decode[ProspectCreated](evt)
		if err != nil {
			return nil, err
		}
		vars := map[string]any{
			"prospect_id":   p.ProspectID,
			"prospect_type": p.ProspectType,
			"first_name":    p.FirstName,
			"last_name":     p.LastName,
		}
		var msgs []notify.Message
		if p.Email != "" {
			name := TypeProspectCreated + "." + p.ProspectType
			if _, ok := h.templates[name]; !ok {
				name = TypeProspectCreated
			}
			msg, err := h.render(name, p.Email, key+":welcome", vars)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, msg)
		}
		if p.AssignedBrokerID != "" {
			msg, err := h.render(TemplateProspectAssigned, "broker:"+p.AssignedBrokerID, key+":broker", vars)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, msg)
		}
		return msgs, nil

	case TypeProspectAssigned:
		p, err := event.Decode[ProspectAssignedToBroker](evt)
		if err != nil {
			return nil, err
		}
		vars := map[string]any{"prospect_id": p.ProspectID, "broker_id": p.BrokerID}
		msg, err := h.render(TypeProspectAssigned, "broker:"+p.BrokerID, key, vars)
		if err != nil {
			return nil, err
		}
		msgs := []notify.Message{msg}
		if p.PreviousBrokerID != "" {
			msg, err := h.render(TemplateProspectReassigned, "broker:"+p.PreviousBrokerID, key+":previous", vars)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, msg)
		}
		return msgs, nil
	}
	return nil, nil
}

func (h *Notification) render(name, recipient, key string, vars map[string]any) (notify.Message, error) {
	tmpl, ok := h.templates[name]
	if !ok {
		return notify.Message{}, bberrors.Permanent(fmt.Errorf("no template %q", name), "render notification")
	}
	msg, err := tmpl.Render(recipient, key, vars)
	if err != nil {
		return notify.Message{}, bberrors.Permanent(err, "render notification "+name)
	}
	return msg, nil
}

var _ dispatch.Handler = (*Notification)(nil)
