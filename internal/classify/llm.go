package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/pkg/anthropic"
)

const refinePrompt = `You classify fundraising and partnership leads into exactly one type:
- priority_donor: decision makers at organizations with clear capacity and intent to give or invest
- warm_prospect: relevant contacts with some signal of interest or fit
- cold_nurture: everyone else

You receive the lead's fields and a rule-based suggestion. Answer with a single JSON object
{"type": "<priority_donor|warm_prospect|cold_nurture>", "reason": "<one short sentence>"}
and nothing else.`

// DefaultModel is the model used when none is configured.
const DefaultModel = "claude-haiku-4-5"

// LLMRefiner asks a Claude model to confirm or change the rule-based type.
type LLMRefiner struct {
	client anthropic.Client
	model  string
}

// NewLLMRefiner creates a refiner over client.
func NewLLMRefiner(client anthropic.Client, model string) *LLMRefiner {
	if model == "" {
		model = DefaultModel
	}
	return &LLMRefiner{client: client, model: model}
}

type refineAnswer struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Refine implements Refiner.
func (r *LLMRefiner) Refine(ctx context.Context, lead model.Lead, base Result) (Result, error) {
	temp := 0.0
	resp, err := r.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       r.model,
		MaxTokens:   200,
		System:      anthropic.CachedSystem(refinePrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: describe(lead, base)}},
		Temperature: &temp,
	})
	if err != nil {
		return base, eris.Wrap(err, "classify: refine")
	}
	zap.L().Debug("classify: refine usage",
		zap.String("lead_id", lead.ID),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Int64("cache_read_tokens", resp.Usage.CacheReadInputTokens),
	)

	var ans refineAnswer
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &ans); err != nil {
		return base, eris.Wrap(err, "classify: parse refine answer")
	}

	out := base
	out.Type = strings.ToLower(strings.TrimSpace(ans.Type))
	out.Reason = ans.Reason
	return out, nil
}

func describe(lead model.Lead, base Result) string {
	var b strings.Builder
	field := func(name, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", name, v)
		}
	}
	field("name", lead.FullName())
	field("email_domain", lead.Domain())
	field("organization", lead.Organization)
	field("title", lead.Title)
	field("website", lead.Website)
	field("location", strings.Join(nonEmpty(lead.City, lead.State, lead.Country), ", "))
	field("source", lead.Source)
	fmt.Fprintf(&b, "rule_suggestion: %s (score %d", base.Type, base.Score)
	if len(base.Matched) > 0 {
		fmt.Fprintf(&b, "; matched %s", strings.Join(base.Matched, ", "))
	}
	b.WriteString(")\n")
	return b.String()
}

func nonEmpty(vals ...string) []string {
	out := vals[:0:0]
	for _, v := range vals {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// cleanJSON extracts a JSON object from text that may carry markdown fences
// or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return text
}
