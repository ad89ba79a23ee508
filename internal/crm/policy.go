package crm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Policy terms.
const (
	TermDays          = 365
	RenewalNoticeDays = 30
)

// PolicyStatus is the lifecycle state of a policy.
type PolicyStatus string

const (
	PolicyStatusActive    PolicyStatus = "active"
	PolicyStatusCancelled PolicyStatus = "cancelled"
)

// Policy is an issued insurance policy.
type Policy struct {
	ID            string       `json:"id"`
	Number        string       `json:"policy_number"`
	QuoteID       string       `json:"quote_id"`
	ProspectID    string       `json:"prospect_id"`
	BrokerID      string       `json:"broker_id"`
	ManagerID     string       `json:"manager_id,omitempty"`
	AffiliateID   string       `json:"affiliate_id,omitempty"`
	Provider      string       `json:"provider"`
	InsuranceType string       `json:"insurance_type"`
	PremiumCents  int64        `json:"annual_premium_cents"`
	StartDate     time.Time    `json:"start_date"`
	EndDate       time.Time    `json:"end_date"`
	RenewalDate   time.Time    `json:"renewal_reminder_date"`
	Status        PolicyStatus `json:"status"`
	CancelReason  string       `json:"cancellation_reason,omitempty"`
	DocumentPath  string       `json:"document_path,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	CancelledAt   time.Time    `json:"cancelled_at,omitzero"`
}

var policyNamespace = uuid.MustParse("0b6f5a52-8f0e-4c39-a0c5-5d1f3b7e9a24")

// PolicyID returns the ID of the policy issued for a quote.
func PolicyID(quoteID string) string {
	return uuid.NewSHA1(policyNamespace, []byte("quote:"+quoteID)).String()
}

// PolicyNumber formats the n-th policy number of a year.
func PolicyNumber(year, n int) string {
	return fmt.Sprintf("INS-%d-%06d", year, n)
}

// NewPolicy builds the policy for an accepted quote. The term starts on
// the day of now and lasts TermDays; the renewal reminder falls
// RenewalNoticeDays before the end. The number is assigned by the store.
func NewPolicy(q QuoteAccepted, now time.Time) Policy {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, TermDays)
	return Policy{
		ID:            PolicyID(q.QuoteID),
		QuoteID:       q.QuoteID,
		ProspectID:    q.ProspectID,
		BrokerID:      q.BrokerID,
		ManagerID:     q.ManagerID,
		AffiliateID:   q.AffiliateID,
		Provider:      q.Provider,
		InsuranceType: q.InsuranceType,
		PremiumCents:  q.AnnualPremiumCents,
		StartDate:     start,
		EndDate:       end,
		RenewalDate:   end.AddDate(0, 0, -RenewalNoticeDays),
		Status:        PolicyStatusActive,
		CreatedAt:     now,
	}
}

// Created returns the PolicyCreated payload of p.
func (p Policy) Created() PolicyCreated {
	return PolicyCreated{
		PolicyID:           p.ID,
		PolicyNumber:       p.Number,
		QuoteID:            p.QuoteID,
		ProspectID:         p.ProspectID,
		BrokerID:           p.BrokerID,
		ManagerID:          p.ManagerID,
		AffiliateID:        p.AffiliateID,
		Provider:           p.Provider,
		InsuranceType:      p.InsuranceType,
		AnnualPremiumCents: p.PremiumCents,
		StartDate:          p.StartDate,
		EndDate:            p.EndDate,
	}
}

// Tier is a level of the commission hierarchy.
type Tier string

const (
	TierBroker    Tier = "broker"
	TierManager   Tier = "manager"
	TierAffiliate Tier = "affiliate"
)

// CommissionStatus is the payout state of a commission.
type CommissionStatus string

const (
	CommissionPending  CommissionStatus = "pending"
	CommissionApproved CommissionStatus = "approved"
	CommissionPaid     CommissionStatus = "paid"
	CommissionReversed CommissionStatus = "reversed"
)

// Commission is the share of a policy premium owed to one recipient.
type Commission struct {
	ID          string           `json:"id"`
	PolicyID    string           `json:"policy_id"`
	Tier        Tier             `json:"tier"`
	RecipientID string           `json:"recipient_id"`
	RateBPS     int              `json:"rate_bps"`
	AmountCents int64            `json:"amount_cents"`
	Status      CommissionStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Line returns the event representation of c.
func (c Commission) Line() CommissionLine {
	return CommissionLine{Tier: c.Tier, RecipientID: c.RecipientID, RateBPS: c.RateBPS, AmountCents: c.AmountCents}
}

// Rates are commission rates in basis points of the annual premium.
type Rates struct {
	Broker    int
	Manager   int
	Affiliate int
}

// DefaultRates are the rates of a first-year policy.
var DefaultRates = Rates{Broker: 1500, Manager: 500, Affiliate: 300}

// Share returns bps basis points of cents, rounded half up.
func Share(cents int64, bps int) int64 {
	return (cents*int64(bps) + 5000) / 10000
}

// Calculate returns the commissions of p. Tiers without a recipient or
// with a zero rate are skipped.
func (r Rates) Calculate(p PolicyCreated, now time.Time) []Commission {
	tiers := []struct {
		tier      Tier
		recipient string
		bps       int
	}{
		{TierBroker, p.BrokerID, r.Broker},
		{TierManager, p.ManagerID, r.Manager},
		{TierAffiliate, p.AffiliateID, r.Affiliate},
	}
	var out []Commission
	for _, t := range tiers {
		if t.recipient == "" || t.bps <= 0 {
			continue
		}
		out = append(out, Commission{
			ID:          uuid.NewSHA1(policyNamespace, []byte(p.PolicyID+"|"+string(t.tier))).String(),
			PolicyID:    p.PolicyID,
			Tier:        t.tier,
			RecipientID: t.recipient,
			RateBPS:     t.bps,
			AmountCents: Share(p.AnnualPremiumCents, t.bps),
			Status:      CommissionPending,
			CreatedAt:   now.UTC(),
		})
	}
	return out
}

// Total sums commission amounts.
func Total(cs []Commission) int64 {
	var total int64
	for _, c := range cs {
		total += c.AmountCents
	}
	return total
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	ActorID       string          `json:"actor_id,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// SentNotification is one row of the notification log.
type SentNotification struct {
	Key       string    `json:"key"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	SentAt    time.Time `json:"sent_at"`
}
