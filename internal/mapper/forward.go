// Package mapper is the pure transformation layer: source snapshots in,
// destination payloads and relation requests out. Nothing here touches the
// network or the state store, which keeps every mapping law unit-testable.
package mapper

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/capsync/internal/notion"
	"github.com/steveyegge/capsync/internal/types"
)

// PlaceholderTitle is written when the source item has an empty title.
const PlaceholderTitle = "(untitled task)"

// priorityNames maps source priority (1 lowest … 4 highest) to the
// destination select value. Higher source priority means a lower P-number.
var priorityNames = map[int]string{
	1: "P4",
	2: "P3",
	3: "P2",
	4: "P1",
}

// Config carries the label-interpretation settings.
type Config struct {
	// EligibilityTag is stripped from the mirrored label set.
	EligibilityTag string
	// AreaSet is the recognized area names, keyed by uppercase canonical name.
	AreaSet map[string]bool
}

// Payload is the destination task-page content before relation resolution.
type Payload struct {
	Title     string       `json:"title"`
	Priority  string       `json:"priority"`
	Labels    []string     `json:"labels"`
	Due       *types.Due   `json:"due,omitempty"`
	Completed bool         `json:"completed"`
	TaskID    string       `json:"task_id"`
	TaskURL   string       `json:"task_url,omitempty"`
	Body      []notion.Block `json:"body"`

	// Truncated counts body blocks cut at the destination size limit.
	Truncated int `json:"-"`
	// Warnings records non-fatal mapping oddities (empty title, truncation).
	Warnings []string `json:"-"`
}

// Relations is the set of relation targets the resolver must turn into
// destination ids.
type Relations struct {
	ProjectID string   // source project id
	Areas     []string // canonical (uppercase) area names
	People    []string // person names, @-prefix stripped
}

// Resolved is the outcome of relation resolution; ids are destination page
// ids. Missing areas/people are simply absent.
type Resolved struct {
	ProjectPageID string   `json:"project"`
	AreaIDs       []string `json:"areas"`
	PeopleIDs     []string `json:"people"`
}

// Forward maps a source item and its comments to a destination payload plus
// relation requests. Deterministic and pure: equal inputs yield byte-equal
// canonical forms.
func Forward(cfg Config, item *types.SourceItem, comments []types.Comment) (*Payload, *Relations) {
	p := &Payload{
		Title:     item.Title,
		Priority:  priorityName(item.Priority),
		Due:       item.Due,
		Completed: item.Completed,
		TaskID:    item.ID,
		TaskURL:   item.URL,
	}
	if p.Title == "" {
		p.Title = PlaceholderTitle
		p.Warnings = append(p.Warnings, "empty title replaced with placeholder")
	}

	rel := &Relations{ProjectID: item.ProjectID}

	areaSeen := map[string]bool{}
	for _, label := range item.Labels {
		if label == cfg.EligibilityTag {
			continue
		}
		if name, ok := personLabel(label, cfg.EligibilityTag); ok {
			rel.People = append(rel.People, name)
			continue
		}
		if area, ok := areaLabel(label, cfg.AreaSet); ok {
			if !areaSeen[area] {
				areaSeen[area] = true
				rel.Areas = append(rel.Areas, area)
			}
			continue
		}
		p.Labels = append(p.Labels, label)
	}
	sort.Strings(p.Labels)
	sort.Strings(rel.Areas)

	p.Body = buildBody(item.Description, comments, p)

	return p, rel
}

func priorityName(p int) string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "P4"
}

// personLabel recognizes "@Name" labels (excluding the @-form of the
// eligibility tag) and strips the prefix.
func personLabel(label, tag string) (string, bool) {
	if !strings.HasPrefix(label, "@") {
		return "", false
	}
	name := strings.TrimPrefix(label, "@")
	if name == "" || strings.EqualFold(name, tag) {
		return "", false
	}
	return name, true
}

// areaLabel canonicalizes a label and checks it against the area set: trim,
// strip trailing non-ASCII runes (emoji markers like the folder glyph), then
// uppercase-compare.
func areaLabel(label string, areaSet map[string]bool) (string, bool) {
	name := CanonicalArea(label)
	if name == "" {
		return "", false
	}
	if areaSet[name] {
		return name, true
	}
	return "", false
}

// CanonicalArea strips trailing runes above U+007F and uppercases the rest.
func CanonicalArea(label string) string {
	runes := []rune(strings.TrimSpace(label))
	end := len(runes)
	for end > 0 && runes[end-1] > 127 {
		end--
	}
	return strings.ToUpper(strings.TrimSpace(string(runes[:end])))
}

// backlinkSeparator opens the engine-written backlink section of a source
// description. Mirroring it back into the page body would dirty the payload
// hash on every pass, so StripBacklink removes it first.
const backlinkSeparator = "---\nhttps://"

// StripBacklink removes the trailing backlink section the engine appended to
// a source description, returning the operator's own text.
func StripBacklink(description string) string {
	if i := strings.LastIndex(description, "\n\n"+backlinkSeparator); i >= 0 {
		return description[:i]
	}
	if strings.HasPrefix(description, backlinkSeparator) {
		return ""
	}
	return description
}

// buildBody assembles the page body: the description paragraph, then a
// comments transcript. Oversized content is truncated with a marker and
// counted on the payload.
func buildBody(description string, comments []types.Comment, p *Payload) []notion.Block {
	var blocks []notion.Block
	description = StripBacklink(description)
	if description != "" {
		text, cut := notion.Truncate(description)
		if cut {
			p.Truncated++
			p.Warnings = append(p.Warnings, "description truncated")
		}
		blocks = append(blocks, notion.Paragraph(text))
	}
	if len(comments) == 0 {
		return blocks
	}
	blocks = append(blocks, notion.Heading("Comments"))
	for _, c := range comments {
		line := fmt.Sprintf("**%s** · %s\n\n%s", c.Author, c.PostedAt.UTC().Format(time.RFC3339), c.Text)
		text, cut := notion.Truncate(line)
		if cut {
			p.Truncated++
			p.Warnings = append(p.Warnings, fmt.Sprintf("comment %s truncated", c.ID))
		}
		blocks = append(blocks, notion.Paragraph(text))
	}
	return blocks
}

// Properties assembles the destination property set from a payload and its
// resolved relations.
func Properties(p *Payload, r *Resolved) notion.Properties {
	props := notion.Properties{
		notion.PropName:      notion.Title(p.Title),
		notion.PropPriority:  notion.Select(p.Priority),
		notion.PropLabels:    notion.MultiSelect(p.Labels),
		notion.PropCompleted: notion.Checkbox(p.Completed),
		notion.PropTaskID:    notion.Text(p.TaskID),
		notion.PropTaskURL:   notion.URL(p.TaskURL),
	}
	props[notion.PropDue] = dueValue(p.Due)
	if r.ProjectPageID != "" {
		props[notion.PropProject] = notion.Relation{r.ProjectPageID}
	}
	props[notion.PropAreas] = notion.Relation(sortedCopy(r.AreaIDs))
	props[notion.PropPeople] = notion.Relation(sortedCopy(r.PeopleIDs))
	return props
}

func dueValue(due *types.Due) notion.PropertyValue {
	if due == nil {
		return notion.Date{}
	}
	start := due.Date
	if due.Time != "" {
		start = due.Date + "T" + due.Time
	}
	return notion.Date{Start: start, TimeZone: due.Timezone}
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
