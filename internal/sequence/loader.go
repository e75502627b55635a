package sequence

import (
	"io"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-dispatch/internal/model"
)

// DefaultSequenceName is used when no sequence is named.
const DefaultSequenceName = "welcome"

type fileDoc struct {
	Sequences []fileSequence `yaml:"sequences"`
}

type fileSequence struct {
	Name  string       `yaml:"name"`
	Steps []model.Step `yaml:"steps"`
}

// Load decodes sequence definitions from YAML:
//
//	sequences:
//	  - name: welcome
//	    steps:
//	      - number: 1
//	        delay: 0h
//	        subject: "Welcome, {{ first_name | fallback: 'there' }}"
//	        body: "<p>Hi {{ name }}</p>"
//	      - number: 2
//	        delay: 24h
//	        conditions: {requires_no_reply: true}
func Load(r io.Reader, renderer *Renderer) ([]model.Sequence, error) {
	var doc fileDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "sequence: decode definitions")
	}

	seqs := make([]model.Sequence, 0, len(doc.Sequences))
	seen := make(map[string]bool, len(doc.Sequences))
	for _, fs := range doc.Sequences {
		seq := model.Sequence{Name: fs.Name, Steps: fs.Steps}
		if err := Normalize(&seq, renderer); err != nil {
			return nil, err
		}
		if seen[seq.Name] {
			return nil, eris.Errorf("sequence: duplicate sequence %q", seq.Name)
		}
		seen[seq.Name] = true
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

// LoadFile reads definitions from path.
func LoadFile(path string, renderer *Renderer) ([]model.Sequence, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, eris.Wrapf(err, "sequence: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return Load(f, renderer)
}

// Normalize orders steps, numbers unnumbered ones by position and checks
// that numbers run 1..n, delays are not negative and templates parse.
func Normalize(seq *model.Sequence, renderer *Renderer) error {
	if seq.Name == "" {
		return eris.New("sequence: name is required")
	}
	if len(seq.Steps) == 0 {
		return eris.Errorf("sequence: %s has no steps", seq.Name)
	}

	for i := range seq.Steps {
		if seq.Steps[i].Number == 0 {
			seq.Steps[i].Number = i + 1
		}
	}
	sort.SliceStable(seq.Steps, func(i, j int) bool { return seq.Steps[i].Number < seq.Steps[j].Number })

	for i, st := range seq.Steps {
		if st.Number != i+1 {
			return eris.Errorf("sequence: %s step numbers must run 1..%d, found %d", seq.Name, len(seq.Steps), st.Number)
		}
		if st.Delay < 0 {
			return eris.Errorf("sequence: %s step %d has a negative delay", seq.Name, st.Number)
		}
		if st.SubjectTemplate == "" || st.BodyTemplate == "" {
			return eris.Errorf("sequence: %s step %d needs a subject and a body", seq.Name, st.Number)
		}
		if renderer != nil {
			if err := renderer.Validate(st.SubjectTemplate); err != nil {
				return eris.Wrapf(err, "sequence: %s step %d subject", seq.Name, st.Number)
			}
			if err := renderer.Validate(st.BodyTemplate); err != nil {
				return eris.Wrapf(err, "sequence: %s step %d body", seq.Name, st.Number)
			}
		}
	}
	return nil
}

// DefaultSequences returns the built-in welcome sequence: an immediate
// welcome and a follow-up a day later.
func DefaultSequences() []model.Sequence {
	return []model.Sequence{{
		Name: DefaultSequenceName,
		Steps: []model.Step{
			{
				Number:          1,
				Delay:           0,
				SubjectTemplate: "Welcome, {{ first_name | fallback: 'there' }}!",
				BodyTemplate:    "<p>Hi {{ first_name | fallback: 'there' }},</p><p>Thanks for your interest{% if organization != '' %} on behalf of {{ organization }}{% endif %}. We're glad to have you.</p>",
			},
			{
				Number:          2,
				Delay:           24 * time.Hour,
				SubjectTemplate: "Following up, {{ first_name | fallback: 'there' }}",
				BodyTemplate:    "<p>Hi {{ first_name | fallback: 'there' }},</p><p>Just checking in. Reply to this email if you have any questions.</p>",
				Conditions:      model.StepConditions{RequiresNoReply: true},
			},
		},
	}}
}
