package main

import (
	"context"
	"errors"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/pkg/notion"
)

type mockNotion struct {
	mock.Mock
}

func (m *mockNotion) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *mockNotion) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func statusIs(want string) func(*notionapi.PageUpdateRequest) bool {
	return func(req *notionapi.PageUpdateRequest) bool {
		p, ok := req.Properties["Status"].(notionapi.StatusProperty)
		return ok && p.Status.Name == want
	}
}

func leadPage(id, email string) notionapi.Page {
	return notionapi.Page{
		ID: notionapi.ObjectID(id),
		Properties: notionapi.Properties{
			"Name":  &notionapi.TitleProperty{Title: []notionapi.RichText{{PlainText: "Ann Lee"}}},
			"Email": &notionapi.EmailProperty{Email: email},
		},
	}
}

func TestNotionRecords(t *testing.T) {
	pages := []notionapi.Page{leadPage("p1", "ann@acme.com"), leadPage("p2", "")}

	recs := notionRecords(pages, "notion")
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].Row)
	assert.Equal(t, "p1", recs[0].SourceRef)
	assert.Equal(t, "notion", recs[0].Source)
	assert.Equal(t, "ann@acme.com", recs[0].Fields["Email"])
	assert.Equal(t, "Ann Lee", recs[0].Fields["Name"])
	assert.Equal(t, 2, recs[1].Row)
	assert.NotContains(t, recs[1].Fields, "Email")
}

func TestMarkNotionPages(t *testing.T) {
	mc := new(mockNotion)
	ctx := context.Background()
	pages := []notionapi.Page{leadPage("p1", "ann@acme.com"), leadPage("p2", "")}

	mc.On("UpdatePage", ctx, "p1", mock.MatchedBy(statusIs(notion.StatusImported))).
		Return(&notionapi.Page{}, nil).Once()
	mc.On("UpdatePage", ctx, "p2", mock.MatchedBy(statusIs(notion.StatusRejected))).
		Return(nil, errors.New("notion down")).Once()

	markNotionPages(ctx, mc, pages, model.RunResult{
		RunID:   "run-1",
		Details: []model.RowError{{Row: 2, Reason: "email is required"}},
	})
	mc.AssertExpectations(t)
}
