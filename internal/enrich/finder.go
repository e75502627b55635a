// Package enrich fills in missing lead contact data from web search.
package enrich

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/dedup"
	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
	"github.com/sells-group/lead-dispatch/pkg/perplexity"
)

const systemPrompt = `You find published business email addresses for named people.
Answer with the single email address only, or NONE if no address is published.
Never guess an address from a naming pattern.`

var candidateRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// Finder looks up a lead's email with a search-backed model.
type Finder struct {
	client perplexity.Client
	retry  resilience.RetryConfig
}

// NewFinder creates a Finder.
func NewFinder(client perplexity.Client, retry resilience.RetryConfig) *Finder {
	return &Finder{client: client, retry: retry}
}

// FindEmail returns a published address for lead, or "" when none is
// found. A lead needs a name and an organization or website to search.
// When the lead's website is known, an address on another domain is
// discarded.
func (f *Finder) FindEmail(ctx context.Context, lead model.Lead) (string, error) {
	name := strings.TrimSpace(lead.FullName())
	if name == "" || (lead.Organization == "" && lead.Website == "") {
		return "", nil
	}
	domain := siteDomain(lead.Website)

	req := perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: question(name, lead, domain)},
		},
	}
	if domain != "" {
		req.SearchDomainFilter = []string{domain}
	}

	resp, err := resilience.DoVal(ctx, f.retry, func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		return f.client.ChatCompletion(ctx, req)
	})
	if err != nil {
		return "", eris.Wrap(err, "enrich: email lookup")
	}

	email := extractEmail(resp.Text())
	if email == "" {
		return "", nil
	}
	if domain != "" && !sameDomain(email, domain) {
		zap.L().Debug("enrich: discarded off-domain email",
			zap.String("organization", lead.Organization),
			zap.String("domain", domain),
		)
		return "", nil
	}
	return email, nil
}

func question(name string, lead model.Lead, domain string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "What is the business email address of %s", name)
	if lead.Title != "" {
		fmt.Fprintf(&b, ", %s", lead.Title)
	}
	if lead.Organization != "" {
		fmt.Fprintf(&b, " at %s", lead.Organization)
	}
	if domain != "" {
		fmt.Fprintf(&b, " (%s)", domain)
	}
	b.WriteString("?")
	return b.String()
}

// extractEmail returns the first valid address in text.
func extractEmail(text string) string {
	for _, m := range candidateRe.FindAllString(text, -1) {
		email := dedup.NormalizeEmail(strings.TrimRight(m, "."))
		if dedup.ValidEmail(email) {
			return email
		}
	}
	return ""
}

// siteDomain reduces a website to its bare host.
func siteDomain(website string) string {
	website = strings.TrimSpace(website)
	if website == "" {
		return ""
	}
	if !strings.Contains(website, "://") {
		website = "https://" + website
	}
	u, err := url.Parse(website)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func sameDomain(email, domain string) bool {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	host := email[at+1:]
	return host == domain || strings.HasSuffix(host, "."+domain)
}
