package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
	"github.com/sells-group/lead-dispatch/pkg/perplexity"
)

type fakeSearch struct {
	answers []string
	errs    []error
	reqs    []perplexity.ChatCompletionRequest
}

func (f *fakeSearch) ChatCompletion(_ context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	i := len(f.reqs)
	f.reqs = append(f.reqs, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	answer := ""
	if i < len(f.answers) {
		answer = f.answers[i]
	}
	return &perplexity.ChatCompletionResponse{
		Choices: []perplexity.Choice{{Message: perplexity.Message{Role: "assistant", Content: answer}}},
	}, nil
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1}
}

func TestFindEmail(t *testing.T) {
	tests := []struct {
		name   string
		lead   model.Lead
		answer string
		want   string
	}{
		{
			name:   "found on site domain",
			lead:   model.Lead{FirstName: "Ann", LastName: "Lee", Organization: "Acme", Website: "https://www.acme.com/about"},
			answer: "Her address is Ann.Lee@acme.com.",
			want:   "ann.lee@acme.com",
		},
		{
			name:   "subdomain accepted",
			lead:   model.Lead{FirstName: "Ann", Website: "acme.com"},
			answer: "ann@mail.acme.com",
			want:   "ann@mail.acme.com",
		},
		{
			name:   "off-domain discarded",
			lead:   model.Lead{FirstName: "Ann", Website: "acme.com"},
			answer: "ann@gmail.com",
			want:   "",
		},
		{
			name:   "no website accepts any domain",
			lead:   model.Lead{FirstName: "Ann", Organization: "Acme"},
			answer: "ann@acme.org",
			want:   "ann@acme.org",
		},
		{
			name:   "none",
			lead:   model.Lead{FirstName: "Ann", Organization: "Acme"},
			answer: "NONE",
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			search := &fakeSearch{answers: []string{tt.answer}}
			got, err := NewFinder(search, fastRetry()).FindEmail(context.Background(), tt.lead)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindEmail_RequestShape(t *testing.T) {
	search := &fakeSearch{answers: []string{"NONE"}}
	lead := model.Lead{FirstName: "Ann", LastName: "Lee", Title: "CFO", Organization: "Acme", Website: "acme.com"}
	_, err := NewFinder(search, fastRetry()).FindEmail(context.Background(), lead)
	require.NoError(t, err)

	require.Len(t, search.reqs, 1)
	req := search.reqs[0]
	assert.Equal(t, []string{"acme.com"}, req.SearchDomainFilter)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "What is the business email address of Ann Lee, CFO at Acme (acme.com)?", req.Messages[1].Content)
}

func TestFindEmail_SkipsUnsearchableLeads(t *testing.T) {
	search := &fakeSearch{}
	f := NewFinder(search, fastRetry())

	got, err := f.FindEmail(context.Background(), model.Lead{Organization: "Acme"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = f.FindEmail(context.Background(), model.Lead{FirstName: "Ann"})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, search.reqs)
}

func TestFindEmail_RetriesTransientErrors(t *testing.T) {
	search := &fakeSearch{
		errs:    []error{resilience.NewProviderError("perplexity", 503, errors.New("unavailable")), nil},
		answers: []string{"", "ann@acme.com"},
	}
	got, err := NewFinder(search, fastRetry()).FindEmail(context.Background(),
		model.Lead{FirstName: "Ann", Website: "acme.com"})
	require.NoError(t, err)
	assert.Equal(t, "ann@acme.com", got)
	assert.Len(t, search.reqs, 2)
}

func TestFindEmail_TerminalErrorNotRetried(t *testing.T) {
	search := &fakeSearch{errs: []error{resilience.NewProviderError("perplexity", 401, errors.New("bad key"))}}
	_, err := NewFinder(search, fastRetry()).FindEmail(context.Background(),
		model.Lead{FirstName: "Ann", Website: "acme.com"})
	require.Error(t, err)
	assert.Len(t, search.reqs, 1)
}

func TestSiteDomain(t *testing.T) {
	assert.Equal(t, "acme.com", siteDomain("https://www.Acme.com/team"))
	assert.Equal(t, "acme.com", siteDomain("acme.com"))
	assert.Equal(t, "", siteDomain(""))
}
