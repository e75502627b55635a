// Package crm mirrors deduplicated leads into Salesforce contacts.
package crm

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
	"github.com/sells-group/lead-dispatch/pkg/salesforce"
)

// Upsert actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

// Result is the outcome of one contact upsert.
type Result struct {
	ContactID string `json:"contact_id"`
	Action    string `json:"action"`
}

// Syncer upserts leads as Salesforce contacts.
type Syncer struct {
	client        salesforce.Client
	retry         resilience.RetryConfig
	leadTypeField string
}

// NewSyncer creates a Syncer over client. leadTypeField names the custom
// Contact field that receives the lead classification; empty disables it.
func NewSyncer(client salesforce.Client, retry resilience.RetryConfig, leadTypeField string) *Syncer {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("salesforce", "upsert_contact")
	}
	return &Syncer{client: client, retry: retry, leadTypeField: leadTypeField}
}

// UpsertContact updates the contact linked to lead, or the contact sharing
// its email, and creates one linked to the account matching the lead's
// domain otherwise.
func (s *Syncer) UpsertContact(ctx context.Context, lead model.Lead) (Result, error) {
	if lead.Email == "" {
		return Result{}, resilience.NewValidationError("email", "missing email address")
	}
	fields := s.fields(lead)

	contactID := lead.CRMContactID
	if contactID == "" {
		existing, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*salesforce.Contact, error) {
			return salesforce.FindContactByEmail(ctx, s.client, lead.Email)
		})
		if err != nil {
			return Result{}, eris.Wrap(err, "crm: lookup contact")
		}
		if existing != nil {
			contactID = existing.ID
		}
	}

	if contactID != "" {
		err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
			return salesforce.UpdateContact(ctx, s.client, contactID, fields)
		})
		if err != nil {
			return Result{}, eris.Wrapf(err, "crm: update contact %s", contactID)
		}
		return Result{ContactID: contactID, Action: ActionUpdated}, nil
	}

	var accountID string
	account, err := salesforce.FindAccountByWebsite(ctx, s.client, lead.Domain())
	if err != nil {
		// Contacts without an account are still useful.
		zap.L().Warn("crm: account lookup failed", zap.String("lead_id", lead.ID), zap.Error(err))
	} else if account != nil {
		accountID = account.ID
	}

	// Creates are not retried: a timed-out insert may have landed.
	id, err := salesforce.CreateContact(ctx, s.client, accountID, fields)
	if err != nil {
		return Result{}, eris.Wrap(err, "crm: create contact")
	}
	return Result{ContactID: id, Action: ActionCreated}, nil
}

func (s *Syncer) fields(lead model.Lead) map[string]any {
	f := map[string]any{
		"Email":    lead.Email,
		"LastName": lastName(lead),
	}
	set := func(key, val string) {
		if val != "" {
			f[key] = val
		}
	}
	set("FirstName", lead.FirstName)
	set("Title", lead.Title)
	set("Phone", lead.Phone)
	set("MailingCity", lead.City)
	set("MailingState", lead.State)
	set("MailingCountry", lead.Country)
	set("LeadSource", lead.Source)
	if s.leadTypeField != "" && lead.Classification != nil {
		f[s.leadTypeField] = lead.Classification.Type
	}
	return f
}

// lastName satisfies the required Contact.LastName when the lead only has a
// first name or an organization.
func lastName(lead model.Lead) string {
	for _, v := range []string{lead.LastName, lead.Organization, lead.FirstName} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return "Unknown"
}
