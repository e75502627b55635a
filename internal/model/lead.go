package model

import "time"

// LeadAction describes what dedup did with an incoming lead.
type LeadAction string

const (
	LeadCreated LeadAction = "created"
	LeadUpdated LeadAction = "updated"
)

// Classification is the categorical type assigned once a lead is enriched.
type Classification struct {
	Type  string  `json:"type"`
	Score float64 `json:"score"`
}

// Lead is a contact record. Optional fields are empty strings when unknown.
type Lead struct {
	ID             string          `json:"id"`
	Email          string          `json:"email"`
	FirstName      string          `json:"first_name,omitempty"`
	LastName       string          `json:"last_name,omitempty"`
	Organization   string          `json:"organization,omitempty"`
	Title          string          `json:"title,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Website        string          `json:"website,omitempty"`
	City           string          `json:"city,omitempty"`
	State          string          `json:"state,omitempty"`
	Country        string          `json:"country,omitempty"`
	Source         string          `json:"source,omitempty"`
	SourceRef      string          `json:"source_ref,omitempty"`
	Score          int             `json:"score"`
	Fingerprint    string          `json:"fingerprint"`
	Classification *Classification `json:"classification,omitempty"`
	CRMContactID   string          `json:"crm_contact_id,omitempty"`
	SupersededBy   string          `json:"superseded_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// FullName joins first and last name.
func (l Lead) FullName() string {
	switch {
	case l.FirstName == "":
		return l.LastName
	case l.LastName == "":
		return l.FirstName
	default:
		return l.FirstName + " " + l.LastName
	}
}

// Domain returns the part of the email after '@', or "".
func (l Lead) Domain() string {
	for i := len(l.Email) - 1; i >= 0; i-- {
		if l.Email[i] == '@' {
			return l.Email[i+1:]
		}
	}
	return ""
}

// Fields returns the lead as template bindings.
func (l Lead) Fields() map[string]any {
	return map[string]any{
		"email":        l.Email,
		"first_name":   l.FirstName,
		"last_name":    l.LastName,
		"full_name":    l.FullName(),
		"organization": l.Organization,
		"title":        l.Title,
		"city":         l.City,
		"state":        l.State,
		"country":      l.Country,
		"website":      l.Website,
	}
}
