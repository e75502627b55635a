package model

import "time"

// SendJob is an ephemeral unit of outbound work. It is never persisted;
// outcomes are written to the send log and the owning enrollment.
// EnrollmentID is empty for sends outside a sequence.
type SendJob struct {
	To           string  `json:"to"`
	Subject      string  `json:"subject"`
	HTML         string  `json:"html"`
	From         string  `json:"from,omitempty"`
	ReplyTo      string  `json:"reply_to,omitempty"`
	LeadID       string  `json:"lead_id,omitempty"`
	EnrollmentID string  `json:"enrollment_id,omitempty"`
	SequenceID   *string `json:"sequence_id,omitempty"`
	Step         int     `json:"step,omitempty"`
	TemplateID   string  `json:"template_id,omitempty"`
}

// SendLogEntry is an append-only record of one accepted send, keyed by the
// provider message id.
type SendLogEntry struct {
	MessageID    string    `json:"message_id"`
	Provider     string    `json:"provider"`
	LeadID       string    `json:"lead_id,omitempty"`
	EnrollmentID string    `json:"enrollment_id,omitempty"`
	SequenceID   *string   `json:"sequence_id,omitempty"`
	Step         int       `json:"step,omitempty"`
	To           string    `json:"to"`
	Subject      string    `json:"subject"`
	Wave         int       `json:"wave,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}
