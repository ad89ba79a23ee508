package crm

import (
	"log/slog"
	"time"

	"github.com/Narjhan-ng/insurance-crm/internal/document"
	"github.com/Narjhan-ng/insurance-crm/internal/notify"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/dispatch"
)

// Consumer groups.
const (
	GroupPolicySaga    = "policy-saga"
	GroupDocuments     = "documents"
	GroupNotifications = "notifications"
	GroupAudit         = "audit"
)

// DocumentTimeout bounds one attempt of contract generation.
const DocumentTimeout = 2 * time.Minute

// Deps are the collaborators of the saga handlers.
type Deps struct {
	Store     Store
	Documents document.Storage
	Renderer  *document.Renderer
	Notifier  notify.Notifier
	Templates map[string]notify.Template

	// Rates default to DefaultRates when zero.
	Rates Rates

	// AuditSinks run in the audit group next to the audit log, e.g. a
	// forwarder to an external log.
	AuditSinks []dispatch.Handler

	Now    func() time.Time
	Logger *slog.Logger
}

// Group is a consumer group with the topic categories it reads and the
// handlers it runs.
type Group struct {
	Name          string
	Categories    []string
	Registrations []dispatch.Registration
}

// Groups returns the consumer groups of the saga. Every group reads its
// categories independently, so a failing group never holds back another.
func Groups(d Deps) []Group {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	rates := d.Rates
	if rates == (Rates{}) {
		rates = DefaultRates
	}
	documents := d.Documents
	if documents == nil {
		documents = document.NewMemoryStorage()
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: d.Logger}
	}

	audit := []dispatch.Registration{dispatch.Register(NewAudit(d.Store, now))}
	for _, sink := range d.AuditSinks {
		audit = append(audit, dispatch.Register(sink))
	}

	return []Group{
		{
			Name:       GroupPolicySaga,
			Categories: []string{CategoryQuote, CategoryPolicy},
			Registrations: []dispatch.Registration{
				dispatch.Register(NewPolicyCreation(d.Store, now)),
				dispatch.Register(NewCommissionCalculation(d.Store, rates, now)),
				dispatch.Register(NewPolicyCancellation(d.Store, now)),
			},
		},
		{
			Name:       GroupDocuments,
			Categories: []string{CategoryPolicy},
			Registrations: []dispatch.Registration{
				dispatch.Register(NewDocumentGeneration(d.Store, documents, d.Renderer, now),
					dispatch.WithTimeout(DocumentTimeout)),
			},
		},
		{
			Name:       GroupNotifications,
			Categories: []string{CategoryPolicy, CategoryProspect},
			Registrations: []dispatch.Registration{
				dispatch.Register(NewNotification(d.Store, notifier, d.Templates, now)),
			},
		},
		{
			Name:          GroupAudit,
			Categories:    []string{CategoryQuote, CategoryPolicy, CategoryCommission, CategoryProspect},
			Registrations: audit,
		},
	}
}
