package ingest

import (
	"strings"
	"unicode"

	"github.com/sells-group/lead-dispatch/internal/fetcher"
	"github.com/sells-group/lead-dispatch/internal/model"
)

// Record is one input row before it becomes a lead.
type Record struct {
	Row       int               `json:"row"`
	Fields    map[string]string `json:"fields"`
	Source    string            `json:"source,omitempty"`
	SourceRef string            `json:"source_ref,omitempty"`
}

// RecordsFromSheet wraps parsed rows as records tagged with source.
func RecordsFromSheet(sheet *fetcher.Sheet, source string) []Record {
	out := make([]Record, 0, len(sheet.Rows))
	for _, r := range sheet.Rows {
		out = append(out, Record{Row: r.Number, Fields: r.Data, Source: source})
	}
	return out
}

// RecordsFromLeads wraps already structured leads so API callers share the
// file pipeline. Rows are numbered from 1.
func RecordsFromLeads(leads []model.Lead, source string) []Record {
	out := make([]Record, 0, len(leads))
	for i, l := range leads {
		src := l.Source
		if src == "" {
			src = source
		}
		out = append(out, Record{
			Row: i + 1,
			Fields: map[string]string{
				"email":        l.Email,
				"first_name":   l.FirstName,
				"last_name":    l.LastName,
				"organization": l.Organization,
				"title":        l.Title,
				"phone":        l.Phone,
				"website":      l.Website,
				"city":         l.City,
				"state":        l.State,
				"country":      l.Country,
			},
			Source:    src,
			SourceRef: l.SourceRef,
		})
	}
	return out
}

// Header aliases per lead field, compared after normalizeKey.
var aliases = map[string][]string{
	"first":   {"first_name", "firstName", "First Name", "first", "fname", "given_name"},
	"last":    {"last_name", "lastName", "last", "lname", "surname", "family_name"},
	"name":    {"name", "full_name", "contact_name", "contact"},
	"company": {"company", "organization", "organisation", "org", "employer", "company_name"},
	"title":   {"title", "job_title", "position", "role"},
	"email":   {"email", "e-mail", "email_address", "work_email"},
	"phone":   {"phone", "telephone", "mobile", "cell", "phone_number"},
	"website": {"website", "url", "domain", "web"},
	"city":    {"city", "town"},
	"state":   {"state", "province", "region"},
	"country": {"country"},
}

func normalizeKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type columns map[string]string

func normalizeColumns(fields map[string]string) columns {
	norm := make(columns, len(fields))
	for k, v := range fields {
		nk := normalizeKey(k)
		if norm[nk] == "" {
			norm[nk] = strings.TrimSpace(v)
		}
	}
	return norm
}

// get returns the first non-empty value among the aliases of field.
func (c columns) get(field string) string {
	for _, a := range aliases[field] {
		if v := c[normalizeKey(a)]; v != "" {
			return v
		}
	}
	return ""
}

// ExtractLead maps a record's loosely named columns onto a lead. A single
// name column is split on the last space when first and last are absent.
func ExtractLead(rec Record) model.Lead {
	cols := normalizeColumns(rec.Fields)
	l := model.Lead{
		Email:        cols.get("email"),
		FirstName:    cols.get("first"),
		LastName:     cols.get("last"),
		Organization: cols.get("company"),
		Title:        cols.get("title"),
		Phone:        cols.get("phone"),
		Website:      cols.get("website"),
		City:         cols.get("city"),
		State:        cols.get("state"),
		Country:      cols.get("country"),
		Source:       rec.Source,
		SourceRef:    rec.SourceRef,
	}
	if l.FirstName == "" && l.LastName == "" {
		l.FirstName, l.LastName = splitName(cols.get("name"))
	}
	return l
}

func splitName(full string) (first, last string) {
	full = strings.Join(strings.Fields(full), " ")
	i := strings.LastIndex(full, " ")
	if i < 0 {
		return full, ""
	}
	return full[:i], full[i+1:]
}
