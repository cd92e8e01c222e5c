// Package notion is the destination-side adapter: a typed façade over the
// Notion API for pages, relations, and body blocks.
//
// Property values are explicit tagged variants assembled by the mapper; there
// is no dynamic dict manipulation anywhere on the write path.
package notion

import (
	"encoding/json"
	"time"
)

// API configuration constants.
const (
	// DefaultBaseURL is the Notion API base URL.
	DefaultBaseURL = "https://api.notion.com"

	// APIVersion is sent as the Notion-Version header.
	APIVersion = "2022-06-28"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is the maximum number of retries for retryable failures.
	MaxRetries = 3

	// RetryDelay is the base delay between retries (exponential backoff).
	RetryDelay = time.Second

	// MaxPageSize is the page size requested from query endpoints.
	MaxPageSize = 100

	// MaxRichTextLen is Notion's per-rich-text length cap. Longer content is
	// truncated with TruncationMarker before it goes on the wire.
	MaxRichTextLen = 2000

	// TruncationMarker is appended to content cut at MaxRichTextLen.
	TruncationMarker = "… [truncated]"
)

// PageKind selects which database a page lives in.
type PageKind string

const (
	KindTask    PageKind = "task"
	KindProject PageKind = "project"
	KindArea    PageKind = "area"
	KindPerson  PageKind = "person"
)

// PropertyValue is one typed page property. Each variant marshals to the
// property object shape the API expects.
type PropertyValue interface {
	propertyJSON() any
}

// Title is the page title property.
type Title string

func (v Title) propertyJSON() any {
	return map[string]any{"title": richText(string(v))}
}

// Text is a rich_text property.
type Text string

func (v Text) propertyJSON() any {
	return map[string]any{"rich_text": richText(string(v))}
}

// Select is a select property; empty clears the selection.
type Select string

func (v Select) propertyJSON() any {
	if v == "" {
		return map[string]any{"select": nil}
	}
	return map[string]any{"select": map[string]any{"name": string(v)}}
}

// MultiSelect is a multi_select property.
type MultiSelect []string

func (v MultiSelect) propertyJSON() any {
	opts := make([]map[string]any, 0, len(v))
	for _, name := range v {
		opts = append(opts, map[string]any{"name": name})
	}
	return map[string]any{"multi_select": opts}
}

// Date is a date property. Start is either "2006-01-02" or a date-time such
// as "2006-01-02T15:04:05"; TimeZone is optional.
type Date struct {
	Start    string `json:"start"`
	TimeZone string `json:"time_zone,omitempty"`
}

func (v Date) propertyJSON() any {
	if v.Start == "" {
		return map[string]any{"date": nil}
	}
	d := map[string]any{"start": v.Start}
	if v.TimeZone != "" {
		d["time_zone"] = v.TimeZone
	}
	return map[string]any{"date": d}
}

// Checkbox is a checkbox property.
type Checkbox bool

func (v Checkbox) propertyJSON() any {
	return map[string]any{"checkbox": bool(v)}
}

// Relation is a relation property holding destination page ids.
type Relation []string

func (v Relation) propertyJSON() any {
	refs := make([]map[string]any, 0, len(v))
	for _, id := range v {
		refs = append(refs, map[string]any{"id": id})
	}
	return map[string]any{"relation": refs}
}

// URL is a url property; empty clears it.
type URL string

func (v URL) propertyJSON() any {
	if v == "" {
		return map[string]any{"url": nil}
	}
	return map[string]any{"url": string(v)}
}

// Properties is a named set of property values; it marshals to the
// "properties" object of a page create/update request.
type Properties map[string]PropertyValue

// MarshalJSON assembles the wire shape from the tagged variants.
func (p Properties) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p))
	for name, v := range p {
		out[name] = v.propertyJSON()
	}
	return json.Marshal(out)
}

// Block is one page body block. Only the block shapes the mirror writes are
// modeled: paragraphs and heading_2.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Paragraph builds a paragraph block.
func Paragraph(text string) Block { return Block{Type: "paragraph", Text: text} }

// Heading builds a heading_2 block.
func Heading(text string) Block { return Block{Type: "heading_2", Text: text} }

// wireJSON returns the API block object.
func (b Block) wireJSON() map[string]any {
	body := map[string]any{"rich_text": richText(b.Text)}
	return map[string]any{
		"object": "block",
		"type":   b.Type,
		b.Type:   body,
	}
}

// Truncate enforces MaxRichTextLen, appending TruncationMarker when content
// is cut. The bool reports whether truncation happened.
func Truncate(text string) (string, bool) {
	if len(text) <= MaxRichTextLen {
		return text, false
	}
	runes := []rune(text)
	keep := MaxRichTextLen - len(TruncationMarker)
	if len(runes) <= keep {
		return text, false
	}
	return string(runes[:keep]) + TruncationMarker, true
}

func richText(s string) []map[string]any {
	if s == "" {
		return []map[string]any{}
	}
	return []map[string]any{
		{"type": "text", "text": map[string]any{"content": s}},
	}
}

// Page is a destination page as the adapter returns it. Title, Status and
// Relations carry the decoded property values the engine reads back: the
// title, the status select, and relation id lists keyed by property name.
type Page struct {
	ID             string
	URL            string
	Archived       bool
	Title          string
	Status         string
	Relations      map[string][]string
	CreatedTime    time.Time
	LastEditedTime time.Time
}

// wirePage is the subset of the page object the adapter decodes.
type wirePage struct {
	ID             string                     `json:"id"`
	URL            string                     `json:"url"`
	Archived       bool                       `json:"archived"`
	CreatedTime    time.Time                  `json:"created_time"`
	LastEditedTime time.Time                  `json:"last_edited_time"`
	Properties     map[string]json.RawMessage `json:"properties"`
}

// queryResponse is the paginated database query response.
type queryResponse struct {
	Results    []wirePage `json:"results"`
	HasMore    bool       `json:"has_more"`
	NextCursor string     `json:"next_cursor"`
}

func decodePage(w *wirePage) *Page {
	p := &Page{
		ID:             w.ID,
		URL:            w.URL,
		Archived:       w.Archived,
		CreatedTime:    w.CreatedTime,
		LastEditedTime: w.LastEditedTime,
		Relations:      make(map[string][]string),
	}
	for name, raw := range w.Properties {
		var prop struct {
			Type  string `json:"type"`
			Title []struct {
				PlainText string `json:"plain_text"`
			} `json:"title"`
			Select *struct {
				Name string `json:"name"`
			} `json:"select"`
			Relation []struct {
				ID string `json:"id"`
			} `json:"relation"`
		}
		if err := json.Unmarshal(raw, &prop); err != nil {
			continue
		}
		switch prop.Type {
		case "title":
			for _, t := range prop.Title {
				p.Title += t.PlainText
			}
		case "select":
			if prop.Select != nil && name == "Status" {
				p.Status = prop.Select.Name
			}
		case "relation":
			ids := make([]string, 0, len(prop.Relation))
			for _, r := range prop.Relation {
				ids = append(ids, r.ID)
			}
			p.Relations[name] = ids
		}
	}
	return p
}
