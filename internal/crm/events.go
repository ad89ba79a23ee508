// Package crm implements the policy saga of the insurance CRM: policy
// issuance from an accepted quote, commission calculation, contract
// documents, notifications, audit and the cancellation compensation.
package crm

import (
	"time"

	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// Aggregate types.
const (
	AggregateQuote    = "quote"
	AggregatePolicy   = "policy"
	AggregateProspect = "prospect"
)

// Topic categories.
const (
	CategoryQuote      = "quote"
	CategoryPolicy     = "policy"
	CategoryCommission = "commission"
	CategoryProspect   = "prospect"
)

// Event types.
const (
	TypeQuoteAccepted           = "QuoteAccepted"
	TypePolicyCreated           = "PolicyCreated"
	TypePolicyCancelled         = "PolicyCancelled"
	TypePolicyExpiring          = "PolicyExpiring"
	TypePolicyDocumentGenerated = "PolicyDocumentGenerated"
	TypeCommissionsCalculated   = "CommissionsCalculated"
	TypeCommissionsReversed     = "CommissionsReversed"
	TypeProspectCreated         = "ProspectCreated"
	TypeProspectStatusChanged   = "ProspectStatusChanged"
	TypeProspectAssigned        = "ProspectAssignedToBroker"
)

func required(field, value string) error {
	if value == "" {
		return &bberrors.ValidationError{Field: field, Message: "required"}
	}
	return nil
}

// QuoteAccepted is published when a client accepts a quote.
type QuoteAccepted struct {
	QuoteID            string `json:"quote_id"`
	ProspectID         string `json:"prospect_id"`
	BrokerID           string `json:"broker_id"`
	ManagerID          string `json:"manager_id,omitempty"`
	AffiliateID        string `json:"affiliate_id,omitempty"`
	Provider           string `json:"provider"`
	InsuranceType      string `json:"insurance_type"`
	AnnualPremiumCents int64  `json:"annual_premium_cents"`
}

func (QuoteAccepted) EventType() string { return TypeQuoteAccepted }

// Validate implements event.Validator.
func (q QuoteAccepted) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"quote_id", q.QuoteID},
		{"prospect_id", q.ProspectID},
		{"broker_id", q.BrokerID},
		{"provider", q.Provider},
		{"insurance_type", q.InsuranceType},
	} {
		if err := required(f.name, f.value); err != nil {
			return err
		}
	}
	if q.AnnualPremiumCents <= 0 {
		return &bberrors.ValidationError{Field: "annual_premium_cents", Message: "must be positive"}
	}
	return nil
}

// PolicyCreated is emitted once a policy exists for an accepted quote.
type PolicyCreated struct {
	PolicyID           string    `json:"policy_id"`
	PolicyNumber       string    `json:"policy_number"`
	QuoteID            string    `json:"quote_id"`
	ProspectID         string    `json:"prospect_id"`
	BrokerID           string    `json:"broker_id"`
	ManagerID          string    `json:"manager_id,omitempty"`
	AffiliateID        string    `json:"affiliate_id,omitempty"`
	Provider           string    `json:"provider"`
	InsuranceType      string    `json:"insurance_type"`
	AnnualPremiumCents int64     `json:"annual_premium_cents"`
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
}

func (PolicyCreated) EventType() string { return TypePolicyCreated }

// Validate implements event.Validator.
func (p PolicyCreated) Validate() error {
	if err := required("policy_id", p.PolicyID); err != nil {
		return err
	}
	if err := required("policy_number", p.PolicyNumber); err != nil {
		return err
	}
	return required("quote_id", p.QuoteID)
}

// PolicyCancelled requests the cancellation of a policy. Its handlers
// compensate the effects of PolicyCreated.
type PolicyCancelled struct {
	PolicyID string `json:"policy_id"`
	Reason   string `json:"cancellation_reason"`
}

func (PolicyCancelled) EventType() string { return TypePolicyCancelled }

// Validate implements event.Validator.
func (p PolicyCancelled) Validate() error {
	return required("policy_id", p.PolicyID)
}

// PolicyExpiring reminds the client that a policy is due for renewal.
type PolicyExpiring struct {
	PolicyID        string    `json:"policy_id"`
	PolicyNumber    string    `json:"policy_number"`
	ProspectID      string    `json:"prospect_id"`
	EndDate         time.Time `json:"end_date"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
}

func (PolicyExpiring) EventType() string { return TypePolicyExpiring }

// PolicyDocumentGenerated records where the contract of a policy is stored.
type PolicyDocumentGenerated struct {
	PolicyID string `json:"policy_id"`
	Location string `json:"location"`
}

func (PolicyDocumentGenerated) EventType() string { return TypePolicyDocumentGenerated }

// CommissionLine is one tier of a commission set.
type CommissionLine struct {
	Tier        Tier   `json:"tier"`
	RecipientID string `json:"recipient_id"`
	RateBPS     int    `json:"rate_bps"`
	AmountCents int64  `json:"amount_cents"`
}

// CommissionsCalculated is emitted when the commissions of a policy exist.
type CommissionsCalculated struct {
	PolicyID   string           `json:"policy_id"`
	TotalCents int64            `json:"total_cents"`
	Lines      []CommissionLine `json:"lines"`
}

func (CommissionsCalculated) EventType() string { return TypeCommissionsCalculated }

// CommissionsReversed is emitted when a cancellation reversed the
// commissions of a policy.
type CommissionsReversed struct {
	PolicyID   string `json:"policy_id"`
	Count      int    `json:"count"`
	TotalCents int64  `json:"total_cents"`
}

func (CommissionsReversed) EventType() string { return TypeCommissionsReversed }

// ProspectCreated is published when a new prospect enters the pipeline.
type ProspectCreated struct {
	ProspectID       string `json:"prospect_id"`
	ProspectType     string `json:"prospect_type"`
	AssignedBrokerID string `json:"assigned_broker_id"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	Email            string `json:"email"`
}

func (ProspectCreated) EventType() string { return TypeProspectCreated }

// Validate implements event.Validator.
func (p ProspectCreated) Validate() error {
	return required("prospect_id", p.ProspectID)
}

// ProspectStatusChanged is published when a prospect moves through the
// pipeline.
type ProspectStatusChanged struct {
	ProspectID string `json:"prospect_id"`
	OldStatus  string `json:"old_status"`
	NewStatus  string `json:"new_status"`
}

func (ProspectStatusChanged) EventType() string { return TypeProspectStatusChanged }

// ProspectAssignedToBroker is published when a prospect gets a broker or
// moves to another one.
type ProspectAssignedToBroker struct {
	ProspectID       string `json:"prospect_id"`
	BrokerID         string `json:"broker_id"`
	PreviousBrokerID string `json:"previous_broker_id,omitempty"`
}

func (ProspectAssignedToBroker) EventType() string { return TypeProspectAssigned }

// Validate implements event.Validator.
func (p ProspectAssignedToBroker) Validate() error {
	if err := required("prospect_id", p.ProspectID); err != nil {
		return err
	}
	if err := required("broker_id", p.BrokerID); err != nil {
		return err
	}
	if p.BrokerID == p.PreviousBrokerID {
		return &bberrors.ValidationError{Field: "broker_id", Message: "equals previous_broker_id"}
	}
	return nil
}

// Schemas returns the schema table of every CRM event.
func Schemas() *event.Schemas {
	return event.MustSchemas(
		event.Define[QuoteAccepted](CategoryQuote, 1, "A client accepted a quote"),
		event.Define[PolicyCreated](CategoryPolicy, 1, "A policy was issued for an accepted quote"),
		event.Define[PolicyCancelled](CategoryPolicy, 1, "A policy is cancelled"),
		event.Define[PolicyExpiring](CategoryPolicy, 1, "A policy is due for renewal"),
		event.Define[PolicyDocumentGenerated](CategoryPolicy, 1, "The contract of a policy was stored"),
		event.Define[CommissionsCalculated](CategoryCommission, 1, "The commissions of a policy were recorded"),
		event.Define[CommissionsReversed](CategoryCommission, 1, "The commissions of a cancelled policy were reversed"),
		event.Define[ProspectCreated](CategoryProspect, 1, "A prospect entered the pipeline"),
		event.Define[ProspectStatusChanged](CategoryProspect, 1, "A prospect changed status"),
		event.Define[ProspectAssignedToBroker](CategoryProspect, 1, "A prospect was assigned to a broker"),
	)
}
