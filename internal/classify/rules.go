package classify

import (
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rule types.
const (
	RuleDomainWhitelist = "domain_whitelist"
	RuleTitleKeywords   = "title_keywords"
	RuleSourceWeight    = "source_weight"
	RuleCompanyMatch    = "company_match"
)

// Company identifies an organization by name or email domain.
type Company struct {
	Name   string `yaml:"name"`
	Domain string `yaml:"domain"`
}

// Rule adds Weight to a lead's score when it matches.
type Rule struct {
	Name      string    `yaml:"name"`
	Type      string    `yaml:"type"`
	Weight    int       `yaml:"weight"`
	Domains   []string  `yaml:"domains,omitempty"`
	Keywords  []string  `yaml:"keywords,omitempty"`
	Sources   []string  `yaml:"sources,omitempty"`
	Companies []Company `yaml:"companies,omitempty"`
}

// signals are the normalized lead attributes rules match against.
type signals struct {
	domain  string
	title   string
	company string
	source  string
}

func (r Rule) matches(s signals) bool {
	switch r.Type {
	case RuleDomainWhitelist:
		return s.domain != "" && containsFold(r.Domains, func(d string) bool { return d == s.domain })
	case RuleTitleKeywords:
		return s.title != "" && containsFold(r.Keywords, func(k string) bool { return strings.Contains(s.title, k) })
	case RuleSourceWeight:
		return s.source != "" && containsFold(r.Sources, func(src string) bool { return strings.Contains(s.source, src) })
	case RuleCompanyMatch:
		for _, c := range r.Companies {
			if s.company != "" && strings.EqualFold(c.Name, s.company) {
				return true
			}
			if s.domain != "" && strings.EqualFold(c.Domain, s.domain) {
				return true
			}
		}
	}
	return false
}

func containsFold(list []string, match func(string) bool) bool {
	for _, v := range list {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" && match(v) {
			return true
		}
	}
	return false
}

// LoadRules decodes a rule list from YAML:
//
//	rules:
//	  - name: executive_title
//	    type: title_keywords
//	    weight: 40
//	    keywords: [founder, ceo, director]
func LoadRules(r io.Reader) ([]Rule, error) {
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "classify: decode rules")
	}
	for i, rule := range doc.Rules {
		switch rule.Type {
		case RuleDomainWhitelist, RuleTitleKeywords, RuleSourceWeight, RuleCompanyMatch:
		default:
			return nil, eris.Errorf("classify: rule %d (%s): unknown type %q", i, rule.Name, rule.Type)
		}
		if rule.Weight <= 0 {
			return nil, eris.Errorf("classify: rule %d (%s): weight must be positive", i, rule.Name)
		}
	}
	return doc.Rules, nil
}

// LoadRulesFile reads rules from path.
func LoadRulesFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "classify: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return LoadRules(f)
}

// DefaultRules is used when no rules file is configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "decision_maker_title",
			Type:     RuleTitleKeywords,
			Weight:   40,
			Keywords: []string{"founder", "owner", "ceo", "president", "director", "vp", "head of", "chief"},
		},
		{
			Name:    "warm_source",
			Type:    RuleSourceWeight,
			Weight:  30,
			Sources: []string{"referral", "event", "webinar", "partner"},
		},
	}
}
