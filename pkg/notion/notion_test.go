package notion

import (
	"context"
	"strings"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *MockClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func queuedFilter(req *notionapi.DatabaseQueryRequest) bool {
	pf, ok := req.Filter.(notionapi.PropertyFilter)
	return ok && pf.Property == "Status" && pf.Status != nil && pf.Status.Equals == StatusQueued
}

func TestQueryQueuedLeads_Paginates(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return queuedFilter(req) && req.StartCursor == ""
	})).Return(&notionapi.DatabaseQueryResponse{
		Results:    []notionapi.Page{{ID: "p1"}},
		HasMore:    true,
		NextCursor: notionapi.Cursor("cursor-abc"),
	}, nil).Once()

	mc.On("QueryDatabase", ctx, "db-1", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return queuedFilter(req) && req.StartCursor == notionapi.Cursor("cursor-abc")
	})).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{ID: "p2"}},
	}, nil).Once()

	pages, err := QueryQueuedLeads(ctx, mc, "db-1")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, notionapi.ObjectID("p1"), pages[0].ID)
	assert.Equal(t, notionapi.ObjectID("p2"), pages[1].ID)
	mc.AssertExpectations(t)
}

func TestQueryQueuedLeads_Error(t *testing.T) {
	mc := new(MockClient)
	mc.On("QueryDatabase", mock.Anything, "db-err", mock.Anything).Return(nil, assert.AnError).Once()

	pages, err := QueryQueuedLeads(context.Background(), mc, "db-err")
	require.Error(t, err)
	assert.Nil(t, pages)
	assert.Contains(t, err.Error(), "notion: query queued leads")
}

func TestPageFields(t *testing.T) {
	page := notionapi.Page{
		ID: "p1",
		Properties: notionapi.Properties{
			"Name": &notionapi.TitleProperty{Title: []notionapi.RichText{
				{PlainText: "Jane "}, {PlainText: "Doe"},
			}},
			"Email":    &notionapi.EmailProperty{Email: "jane@acme.com"},
			"Phone":    &notionapi.PhoneNumberProperty{PhoneNumber: "+1 512 555 0100"},
			"Website":  &notionapi.URLProperty{URL: "acme.com"},
			"Company":  &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: "Acme"}}},
			"Source":   &notionapi.SelectProperty{Select: notionapi.Option{Name: "referral"}},
			"Status":   &notionapi.StatusProperty{Status: notionapi.Status{Name: "Queued"}},
			"Priority": &notionapi.NumberProperty{Number: 2.5},
			"Notes":    &notionapi.RichTextProperty{},
			"Done":     &notionapi.CheckboxProperty{Checkbox: true},
		},
	}

	got := PageFields(page)
	assert.Equal(t, map[string]string{
		"Name":     "Jane Doe",
		"Email":    "jane@acme.com",
		"Phone":    "+1 512 555 0100",
		"Website":  "acme.com",
		"Company":  "Acme",
		"Source":   "referral",
		"Status":   "Queued",
		"Priority": "2.5",
	}, got)
}

func TestSetStatus(t *testing.T) {
	mc := new(MockClient)
	long := strings.Repeat("x", 250)

	mc.On("UpdatePage", mock.Anything, "p1", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		sp, ok := req.Properties["Status"].(notionapi.StatusProperty)
		if !ok || sp.Status.Name != StatusRejected {
			return false
		}
		note, ok := req.Properties["Import Note"].(notionapi.RichTextProperty)
		return ok && len(note.RichText) == 1 && len(note.RichText[0].Text.Content) == 200
	})).Return(&notionapi.Page{ID: "p1"}, nil).Once()

	require.NoError(t, SetStatus(context.Background(), mc, "p1", StatusRejected, long))
	mc.AssertExpectations(t)
}

func TestSetStatus_NoNote(t *testing.T) {
	mc := new(MockClient)
	mc.On("UpdatePage", mock.Anything, "p1", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		_, hasNote := req.Properties["Import Note"]
		return !hasNote
	})).Return(nil, assert.AnError).Once()

	err := SetStatus(context.Background(), mc, "p1", StatusImported, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notion: set status of p1")
}

func TestWithRateLimit(t *testing.T) {
	c := NewClient("token").(*notionClient)
	require.NotNil(t, c.limiter)

	c = NewClient("token", WithRateLimit(0)).(*notionClient)
	assert.Nil(t, c.limiter)

	c = NewClient("token", WithRateLimit(10)).(*notionClient)
	assert.Equal(t, 10, c.limiter.Burst())
}
