package notion

import (
	"context"
	"strconv"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// PageFields flattens a page's scalar properties to text keyed by property
// name. Unsupported property types are skipped.
func PageFields(page notionapi.Page) map[string]string {
	out := make(map[string]string, len(page.Properties))
	for name, prop := range page.Properties {
		var v string
		switch p := prop.(type) {
		case *notionapi.TitleProperty:
			v = plainText(p.Title)
		case *notionapi.RichTextProperty:
			v = plainText(p.RichText)
		case *notionapi.EmailProperty:
			v = p.Email
		case *notionapi.PhoneNumberProperty:
			v = p.PhoneNumber
		case *notionapi.URLProperty:
			v = p.URL
		case *notionapi.SelectProperty:
			v = p.Select.Name
		case *notionapi.StatusProperty:
			v = p.Status.Name
		case *notionapi.NumberProperty:
			v = strconv.FormatFloat(p.Number, 'f', -1, 64)
		default:
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			out[name] = v
		}
	}
	return out
}

func plainText(rts []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range rts {
		b.WriteString(rt.PlainText)
	}
	return b.String()
}

// SetStatus moves a queued lead page to status, recording note (truncated
// to 200 characters) in its "Import Note" property when non-empty.
func SetStatus(ctx context.Context, c Client, pageID, status, note string) error {
	props := notionapi.Properties{
		"Status": notionapi.StatusProperty{
			Status: notionapi.Status{Name: status},
		},
	}
	if note != "" {
		if len(note) > 200 {
			note = note[:200]
		}
		props["Import Note"] = notionapi.RichTextProperty{
			RichText: []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: note}}},
		}
	}
	if _, err := c.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{Properties: props}); err != nil {
		return eris.Wrapf(err, "notion: set status of %s", pageID)
	}
	return nil
}
