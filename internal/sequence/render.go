package sequence

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-dispatch/internal/model"
)

// Renderer renders step templates with Liquid. Parsed templates are cached
// by sequence version and step, so edits to a sequence take effect once
// its version changes.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a Renderer with the lead filters registered.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ first_name | fallback: "there" }}
	engine.RegisterFilter("fallback", func(value any, def string) any {
		if value == nil {
			return def
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return def
		}
		return value
	})

	return &Renderer{engine: engine}
}

// Validate parses tmpl without rendering it.
func (r *Renderer) Validate(tmpl string) error {
	if _, err := r.engine.ParseString(tmpl); err != nil {
		return eris.Wrap(err, "sequence: parse template")
	}
	return nil
}

// Render renders tmpl with bindings, caching the parsed template under key
// when key is non-empty.
func (r *Renderer) Render(key, tmpl string, bindings map[string]any) (string, error) {
	if key != "" {
		if cached, ok := r.cache.Load(key); ok {
			out, err := cached.(*liquid.Template).RenderString(bindings)
			if err != nil {
				return "", eris.Wrapf(err, "sequence: render %s", key)
			}
			return out, nil
		}
	}

	tpl, err := r.engine.ParseString(tmpl)
	if err != nil {
		return "", eris.Wrapf(err, "sequence: parse %s", key)
	}
	if key != "" {
		r.cache.Store(key, tpl)
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", eris.Wrapf(err, "sequence: render %s", key)
	}
	return out, nil
}

// RenderStep renders a step's subject and body for lead.
func (r *Renderer) RenderStep(seq *model.Sequence, step model.Step, lead model.Lead) (subject, body string, err error) {
	b := LeadBindings(lead)
	prefix := fmt.Sprintf("%s:%d:%d", seq.ID, seq.Version, step.Number)

	subject, err = r.Render(prefix+":subject", step.SubjectTemplate, b)
	if err != nil {
		return "", "", err
	}
	body, err = r.Render(prefix+":body", step.BodyTemplate, b)
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(subject), body, nil
}

// LeadBindings exposes lead fields to templates. Missing fields render as
// empty strings; name falls back to "there".
func LeadBindings(l model.Lead) map[string]any {
	name := l.FullName()
	if name == "" {
		name = "there"
	}
	b := map[string]any{
		"first_name":   l.FirstName,
		"last_name":    l.LastName,
		"name":         name,
		"organization": l.Organization,
		"email":        l.Email,
		"title":        l.Title,
		"city":         l.City,
		"state":        l.State,
		"country":      l.Country,
		"website":      l.Website,
		"source":       l.Source,
	}
	if l.Classification != nil {
		b["lead_type"] = l.Classification.Type
	}
	return b
}
