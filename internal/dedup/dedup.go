package dedup

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
)

// LeadStore is the persistence the deduplicator needs.
type LeadStore interface {
	FindLeadByFingerprint(ctx context.Context, fingerprint string) (*model.Lead, error)
	FindLeadByEmail(ctx context.Context, email string) (*model.Lead, error)
	// InsertLead inserts lead unless its fingerprint already exists, and
	// reports whether a row was written.
	InsertLead(ctx context.Context, lead *model.Lead) (bool, error)
	RefreshLeadSource(ctx context.Context, leadID, source, sourceRef string) error
	MarkSuperseded(ctx context.Context, leadID, supersededBy string) error
}

const lockStripes = 64

// Deduplicator routes a normalized lead to insert or update.
type Deduplicator struct {
	store LeadStore
	// locks serialize Resolve per normalized email, so two rows for one
	// address never both miss the lookup and insert.
	locks [lockStripes]sync.Mutex
}

// New creates a Deduplicator.
func New(store LeadStore) *Deduplicator {
	return &Deduplicator{store: store}
}

var phoneRe = regexp.MustCompile(`[^\d+]`)

// Normalize cleans the identity fields of l in place and computes its
// fingerprint.
func Normalize(l *model.Lead) {
	l.Email = NormalizeEmail(l.Email)
	l.FirstName = NormalizeName(l.FirstName)
	l.LastName = NormalizeName(l.LastName)
	l.Organization = NormalizeName(l.Organization)
	l.Title = strings.TrimSpace(l.Title)
	l.City = strings.TrimSpace(l.City)
	l.State = strings.TrimSpace(l.State)
	l.Country = strings.TrimSpace(l.Country)
	l.Phone = phoneRe.ReplaceAllString(l.Phone, "")

	l.Website = strings.TrimSpace(l.Website)
	if l.Website == "" && l.Domain() != "" {
		l.Website = l.Domain()
	}
	if l.Website != "" && !strings.HasPrefix(l.Website, "http://") && !strings.HasPrefix(l.Website, "https://") {
		l.Website = "https://" + l.Website
	}

	if l.Email != "" {
		l.Fingerprint = Fingerprint(l.Email, l.FullName(), l.Organization, l.Domain())
	}
}

// Validate rejects leads that cannot be deduplicated or contacted.
func Validate(l *model.Lead) error {
	if l.Email == "" {
		return resilience.NewValidationError("email", "missing email address")
	}
	if !ValidEmail(l.Email) {
		return resilience.NewValidationError("email", "malformed email address")
	}
	if l.FirstName == "" && l.LastName == "" && l.Organization == "" {
		return resilience.NewValidationError("name", "name or organization is required")
	}
	return nil
}

// Resolve normalizes and validates lead, then either inserts it or
// refreshes the existing record that shares its fingerprint or email.
// The returned lead is the stored one.
func (d *Deduplicator) Resolve(ctx context.Context, lead model.Lead) (*model.Lead, model.LeadAction, error) {
	Normalize(&lead)
	if err := Validate(&lead); err != nil {
		return nil, "", err
	}

	mu := d.lockFor(lead.Email)
	mu.Lock()
	defer mu.Unlock()

	existing, dup, err := d.lookup(ctx, lead)
	if err != nil {
		return nil, "", err
	}
	if existing == nil {
		inserted, err := d.store.InsertLead(ctx, &lead)
		if err != nil {
			return nil, "", eris.Wrap(err, "dedup: insert lead")
		}
		if inserted {
			return &lead, model.LeadCreated, nil
		}
		// Lost an insert race on the fingerprint; the winner is now visible.
		existing, dup, err = d.lookup(ctx, lead)
		if err != nil {
			return nil, "", err
		}
		if existing == nil {
			return nil, "", eris.Errorf("dedup: fingerprint %s conflicted but no lead found", lead.Fingerprint)
		}
	}

	zap.L().Debug("duplicate lead",
		zap.String("lead_id", dup.ExistingID),
		zap.String("matched_on", dup.MatchedOn),
	)
	if err := d.store.RefreshLeadSource(ctx, existing.ID, lead.Source, lead.SourceRef); err != nil {
		return nil, "", eris.Wrapf(err, "dedup: refresh lead %s", existing.ID)
	}
	existing.Source = lead.Source
	existing.SourceRef = lead.SourceRef
	return existing, model.LeadUpdated, nil
}

func (d *Deduplicator) lockFor(email string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(email))
	return &d.locks[h.Sum32()%lockStripes]
}

// lookup consults the fingerprint first and the email second. When both
// hit different rows, the email-only match is marked superseded by the
// fingerprint match.
func (d *Deduplicator) lookup(ctx context.Context, lead model.Lead) (*model.Lead, *resilience.DuplicateError, error) {
	byFP, err := d.store.FindLeadByFingerprint(ctx, lead.Fingerprint)
	if err != nil {
		return nil, nil, eris.Wrap(err, "dedup: find by fingerprint")
	}
	byEmail, err := d.store.FindLeadByEmail(ctx, lead.Email)
	if err != nil {
		return nil, nil, eris.Wrap(err, "dedup: find by email")
	}

	switch {
	case byFP != nil:
		if byEmail != nil && byEmail.ID != byFP.ID && byEmail.SupersededBy == "" {
			if err := d.store.MarkSuperseded(ctx, byEmail.ID, byFP.ID); err != nil {
				return nil, nil, eris.Wrapf(err, "dedup: supersede lead %s", byEmail.ID)
			}
		}
		return byFP, &resilience.DuplicateError{ExistingID: byFP.ID, MatchedOn: "fingerprint"}, nil
	case byEmail != nil:
		return byEmail, &resilience.DuplicateError{ExistingID: byEmail.ID, MatchedOn: "email"}, nil
	default:
		return nil, nil, nil
	}
}
