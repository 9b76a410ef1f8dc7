package notion

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jomei/notionapi"
)

// PlainText renders a page property as a string. ok is false for property
// types that have no sensible text form.
func PlainText(prop notionapi.Property) (string, bool) {
	switch p := prop.(type) {
	case *notionapi.TitleProperty:
		return joinRichText(p.Title), true
	case *notionapi.RichTextProperty:
		return joinRichText(p.RichText), true
	case *notionapi.NumberProperty:
		return strconv.FormatFloat(p.Number, 'f', -1, 64), true
	case *notionapi.SelectProperty:
		return p.Select.Name, true
	case *notionapi.URLProperty:
		return p.URL, true
	case *notionapi.EmailProperty:
		return p.Email, true
	case *notionapi.PhoneNumberProperty:
		return p.PhoneNumber, true
	case *notionapi.DateProperty:
		if p.Date == nil || p.Date.Start == nil {
			return "", true
		}
		return time.Time(*p.Date.Start).Format("2006-01-02"), true
	default:
		return "", false
	}
}

// Fields flattens the text-representable properties of a page.
func Fields(page notionapi.Page) map[string]any {
	out := make(map[string]any, len(page.Properties))
	for name, prop := range page.Properties {
		if s, ok := PlainText(prop); ok {
			out[name] = s
		}
	}
	return out
}

// StatusCode returns the HTTP status carried by a Notion API error, or 0.
func StatusCode(err error) int {
	var apiErr *notionapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func joinRichText(parts []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range parts {
		b.WriteString(rt.PlainText)
	}
	return strings.TrimSpace(b.String())
}
