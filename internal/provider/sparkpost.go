package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
)

// SparkPostOption configures the SparkPost sender.
type SparkPostOption func(*SparkPost)

// WithSparkPostBaseURL sets a custom API base URL (EU region or tests).
func WithSparkPostBaseURL(url string) SparkPostOption {
	return func(s *SparkPost) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// WithSparkPostHTTPClient sets a custom HTTP client.
func WithSparkPostHTTPClient(hc *http.Client) SparkPostOption {
	return func(s *SparkPost) {
		s.http = hc
	}
}

// SparkPost sends through the SparkPost Transmissions API.
type SparkPost struct {
	apiKey   string
	baseURL  string
	defaults Defaults
	http     *http.Client
}

// NewSparkPost creates a SparkPost sender.
func NewSparkPost(apiKey string, defaults Defaults, opts ...SparkPostOption) *SparkPost {
	s := &SparkPost{
		apiKey:   apiKey,
		baseURL:  "https://api.sparkpost.com/api/v1",
		defaults: defaults,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Sender.
func (s *SparkPost) Name() string { return "sparkpost" }

type transmission struct {
	Recipients []recipient       `json:"recipients"`
	Content    transmissionBody  `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type recipient struct {
	Address struct {
		Email string `json:"email"`
	} `json:"address"`
}

type transmissionBody struct {
	From    string `json:"from"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type transmissionResponse struct {
	Results struct {
		ID       string `json:"id"`
		Accepted int    `json:"total_accepted_recipients"`
		Rejected int    `json:"total_rejected_recipients"`
	} `json:"results"`
	Errors []struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"errors"`
}

func (r transmissionResponse) errorText() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msg := e.Message
		if e.Description != "" {
			msg += ": " + e.Description
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

// Send implements Sender.
func (s *SparkPost) Send(ctx context.Context, job model.SendJob) (Result, error) {
	if s.apiKey == "" {
		return Result{}, resilience.NewValidationError("sparkpost.api_key", "not configured")
	}
	job = s.defaults.apply(job)

	var rcpt recipient
	rcpt.Address.Email = job.To
	body := transmission{
		Recipients: []recipient{rcpt},
		Content: transmissionBody{
			From:    job.From,
			Subject: job.Subject,
			HTML:    job.HTML,
			ReplyTo: job.ReplyTo,
		},
	}
	if job.LeadID != "" {
		body.Metadata = map[string]string{"lead_id": job.LeadID}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, eris.Wrap(err, "sparkpost: marshal transmission")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transmissions", bytes.NewReader(payload))
	if err != nil {
		return Result{}, eris.Wrap(err, "sparkpost: create request")
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return Result{}, &resilience.TransientProviderError{Provider: s.Name(), Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &resilience.TransientProviderError{Provider: s.Name(), StatusCode: resp.StatusCode, Err: err}
	}

	var parsed transmissionResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 300 {
		text := parsed.errorText()
		if text == "" {
			text = strings.TrimSpace(string(raw))
		}
		perr := resilience.NewProviderError(s.Name(), resp.StatusCode, eris.New(text))
		var te *resilience.TerminalProviderError
		if errors.As(perr, &te) {
			te.HardBounce = ClassifyBounce(text) == BounceHard
		}
		return Result{}, perr
	}
	if parsed.Results.Rejected > 0 && parsed.Results.Accepted == 0 {
		return Result{}, &resilience.TerminalProviderError{
			Provider:   s.Name(),
			StatusCode: resp.StatusCode,
			HardBounce: true,
			Err:        eris.Errorf("recipient rejected"),
		}
	}
	if parsed.Results.ID == "" {
		return Result{}, &resilience.TransientProviderError{Provider: s.Name(), StatusCode: resp.StatusCode, Err: eris.New("response missing transmission id")}
	}
	return Result{MessageID: parsed.Results.ID, Provider: s.Name()}, nil
}
