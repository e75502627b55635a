package model

import "time"

// EnrollmentStatus is the state of a lead's progress through a sequence.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentFailed    EnrollmentStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentFailed
}

// StepConditions gate a step on engagement with the previous one.
type StepConditions struct {
	RequiresOpen    bool `json:"requires_open,omitempty" yaml:"requires_open"`
	RequiresClick   bool `json:"requires_click,omitempty" yaml:"requires_click"`
	RequiresNoReply bool `json:"requires_no_reply,omitempty" yaml:"requires_no_reply"`
}

// Empty reports whether no condition is set.
func (c StepConditions) Empty() bool {
	return !c.RequiresOpen && !c.RequiresClick && !c.RequiresNoReply
}

// Step is one timed message in a sequence. Delay is measured from the
// previous step, or from enrollment for step 1.
type Step struct {
	Number          int            `json:"number" yaml:"number"`
	Delay           time.Duration  `json:"delay" yaml:"delay"`
	SubjectTemplate string         `json:"subject_template" yaml:"subject"`
	BodyTemplate    string         `json:"body_template" yaml:"body"`
	TemplateID      string         `json:"template_id,omitempty" yaml:"template_id"`
	Conditions      StepConditions `json:"conditions" yaml:"conditions"`
}

// Sequence is an ordered, reusable template of timed steps.
type Sequence struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version int    `json:"version"`
	Steps   []Step `json:"steps"`
}

// Step returns the step with the given number, if any.
func (s *Sequence) Step(n int) (Step, bool) {
	for _, st := range s.Steps {
		if st.Number == n {
			return st, true
		}
	}
	return Step{}, false
}

// Enrollment is the stateful join between a lead and a sequence.
type Enrollment struct {
	ID            string           `json:"id"`
	LeadID        string           `json:"lead_id"`
	SequenceID    string           `json:"sequence_id"`
	CurrentStep   int              `json:"current_step"`
	Status        EnrollmentStatus `json:"status"`
	StatusReason  string           `json:"status_reason,omitempty"`
	Attempts      int              `json:"attempts"`
	NextActionDue time.Time        `json:"next_action_due"`
	LastSentAt    *time.Time       `json:"last_sent_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Engagement summarizes recorded engagement with one sent step.
type Engagement struct {
	Opened  bool `json:"opened"`
	Clicked bool `json:"clicked"`
	Replied bool `json:"replied"`
}

// EngagementKind is one tracked recipient action.
type EngagementKind string

const (
	EngagementOpen  EngagementKind = "open"
	EngagementClick EngagementKind = "click"
	EngagementReply EngagementKind = "reply"
)

// EngagementEvent is a recorded recipient action against one sent step.
// Only events tied to an enrollment count toward that enrollment's step
// conditions.
type EngagementEvent struct {
	LeadID       string         `json:"lead_id"`
	EnrollmentID string         `json:"enrollment_id,omitempty"`
	SequenceID   string         `json:"sequence_id"`
	Step         int            `json:"step"`
	Kind         EngagementKind `json:"kind"`
	OccurredAt   time.Time      `json:"occurred_at"`
}
