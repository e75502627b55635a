// Package classify scores lead completeness and assigns a lead type from
// weighted rules, optionally refined by a language model.
package classify

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/metrics"
	"github.com/sells-group/lead-dispatch/internal/model"
)

// Lead types.
const (
	TypePriorityDonor = "priority_donor"
	TypeWarmProspect  = "warm_prospect"
	TypeColdNurture   = "cold_nurture"
)

// Score thresholds for the rule-based type.
const (
	priorityThreshold = 80
	warmThreshold     = 40
)

// ValidType reports whether t is a known lead type.
func ValidType(t string) bool {
	switch t {
	case TypePriorityDonor, TypeWarmProspect, TypeColdNurture:
		return true
	}
	return false
}

// Result is the classification of one lead.
type Result struct {
	Type     string   `json:"type"`
	Score    int      `json:"score"`
	Matched  []string `json:"matched_rules,omitempty"`
	Refined  bool     `json:"refined,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Sequence string   `json:"sequence,omitempty"`
}

// Refiner second-guesses a rule-based result.
type Refiner interface {
	Refine(ctx context.Context, lead model.Lead, base Result) (Result, error)
}

// Classifier applies rules and an optional Refiner.
type Classifier struct {
	rules     []Rule
	refiner   Refiner
	sequences map[string]string
}

// New creates a Classifier. sequences maps a lead type to the sequence its
// leads enroll in; unmapped types get an empty Sequence. refiner may be nil.
func New(rules []Rule, refiner Refiner, sequences map[string]string) *Classifier {
	return &Classifier{rules: rules, refiner: refiner, sequences: sequences}
}

// Completeness scores how much contact data a lead carries, 0-100.
func Completeness(l model.Lead) int {
	score := 0
	if l.Email != "" {
		score += 30
	}
	if l.FirstName != "" || l.LastName != "" {
		score += 20
	}
	if l.Organization != "" {
		score += 15
	}
	if l.Title != "" {
		score += 10
	}
	if l.Website != "" {
		score += 10
	}
	if l.Phone != "" {
		score += 10
	}
	if l.City != "" || l.State != "" || l.Country != "" {
		score += 5
	}
	return min(score, 100)
}

// Classify scores lead against the rules. When a refiner is configured its
// answer replaces the rule type; refiner errors fall back to the rules.
func (c *Classifier) Classify(ctx context.Context, lead model.Lead) Result {
	res := c.applyRules(lead)
	method := "rules"

	if c.refiner != nil {
		refined, err := c.refiner.Refine(ctx, lead, res)
		switch {
		case err != nil:
			zap.L().Warn("classify: refinement failed, using rules",
				zap.String("lead_id", lead.ID),
				zap.Error(err),
			)
		case !ValidType(refined.Type):
			zap.L().Warn("classify: refiner returned unknown type",
				zap.String("lead_id", lead.ID),
				zap.String("type", refined.Type),
			)
		default:
			res = refined
			res.Refined = true
			method = "llm"
		}
	}

	res.Sequence = c.sequences[res.Type]
	metrics.RecordClassification(res.Type, method)
	return res
}

func (c *Classifier) applyRules(lead model.Lead) Result {
	s := signals{
		domain:  strings.ToLower(lead.Domain()),
		title:   strings.ToLower(strings.TrimSpace(lead.Title)),
		company: strings.ToLower(strings.TrimSpace(lead.Organization)),
		source:  strings.ToLower(lead.Source),
	}

	var res Result
	for _, r := range c.rules {
		if r.matches(s) {
			res.Score += r.Weight
			res.Matched = append(res.Matched, r.Name)
		}
	}
	res.Type = typeForScore(res.Score)
	return res
}

func typeForScore(score int) string {
	switch {
	case score >= priorityThreshold:
		return TypePriorityDonor
	case score >= warmThreshold:
		return TypeWarmProspect
	default:
		return TypeColdNurture
	}
}
