package mapper

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/capsync/internal/notion"
	"github.com/steveyegge/capsync/internal/types"
)

func testAreaSet() map[string]bool {
	return map[string]bool{
		"HOME": true, "HEALTH": true, "PROSPER": true, "WORK": true,
		"PERSONAL & FAMILY": true, "FINANCIAL": true, "FUN": true,
	}
}

func testMapConfig() Config {
	return Config{EligibilityTag: "capsync", AreaSet: testAreaSet()}
}

func TestPriorityMapping(t *testing.T) {
	// Higher source priority maps to a lower P-number.
	cases := []struct {
		source int
		want   string
	}{
		{1, "P4"},
		{2, "P3"},
		{3, "P2"},
		{4, "P1"},
		{0, "P4"}, // out of range falls back to lowest
		{9, "P4"},
	}
	for _, tc := range cases {
		item := &types.SourceItem{ID: "x", Title: "t", Priority: tc.source}
		p, _ := Forward(testMapConfig(), item, nil)
		if p.Priority != tc.want {
			t.Errorf("priority %d → %q, want %q", tc.source, p.Priority, tc.want)
		}
	}
}

func TestLabelExtraction(t *testing.T) {
	item := &types.SourceItem{
		ID:    "x",
		Title: "t",
		Labels: []string{
			"capsync",     // eligibility tag, stripped
			"WORK 📁",      // area with emoji marker
			"health",      // area, case-insensitive
			"@Jane Doe",   // person
			"@capsync",    // @-form of the tag: not a person
			"errand",      // plain label
			"ZEBRA 📁",     // unrecognized area → plain label
		},
	}
	p, rel := Forward(testMapConfig(), item, nil)

	assert.Equal(t, []string{"HEALTH", "WORK"}, rel.Areas)
	assert.Equal(t, []string{"Jane Doe"}, rel.People)
	// The @-form of the tag is neither a person nor the tag itself, so it
	// passes through with the other plain labels.
	assert.Equal(t, []string{"@capsync", "ZEBRA 📁", "errand"}, p.Labels)
}

func TestCanonicalArea(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"WORK 📁", "WORK"},
		{"  home  ", "HOME"},
		{"Personal & Family 📁", "PERSONAL & FAMILY"},
		{"💰", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CanonicalArea(tc.in); got != tc.want {
			t.Errorf("CanonicalArea(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLabelAreaRoundTrip(t *testing.T) {
	// Every label lands either in the area set or in the pass-through set;
	// together they cover the input up to area-marker normalization.
	labels := []string{"WORK 📁", "errand", "fun", "@Sam", "misc"}
	areaSet := testAreaSet()

	areas := AreaNames(labels, areaSet)
	rest := NonAreaLabels(labels, areaSet)

	require.Len(t, areas, 2) // WORK, FUN
	assert.Equal(t, []string{"FUN", "WORK"}, areas)
	assert.Len(t, rest, 3)
	for _, l := range rest {
		assert.NotContains(t, areas, CanonicalArea(l))
	}
	assert.Equal(t, len(labels), len(areas)+len(rest))
}

func TestForwardDeterministic(t *testing.T) {
	item := &types.SourceItem{
		ID:       "a",
		Title:    "Task",
		Priority: 3,
		Labels:   []string{"capsync", "b-label", "a-label", "WORK 📁"},
		Due:      &types.Due{Date: "2026-03-01", Time: "09:00:00", Timezone: "Europe/Berlin"},
	}
	comments := []types.Comment{
		{ID: "c1", Author: "sam", PostedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), Text: "hi"},
	}
	resolved := &Resolved{ProjectPageID: "p", AreaIDs: []string{"z", "a"}, PeopleIDs: nil}

	p1, r1 := Forward(testMapConfig(), item, comments)
	p2, r2 := Forward(testMapConfig(), item, comments)
	require.Equal(t, p1, p2)
	require.Equal(t, r1, r2)
	assert.Equal(t, Hash(p1, resolved), Hash(p2, resolved))

	// Area-id ordering must not affect the hash.
	reordered := &Resolved{ProjectPageID: "p", AreaIDs: []string{"a", "z"}}
	assert.Equal(t, Hash(p1, resolved), Hash(p1, reordered))
}

func TestHashChangesWithContent(t *testing.T) {
	item := &types.SourceItem{ID: "a", Title: "Task", Priority: 1}
	p1, _ := Forward(testMapConfig(), item, nil)

	item2 := &types.SourceItem{ID: "a", Title: "Task renamed", Priority: 1}
	p2, _ := Forward(testMapConfig(), item2, nil)

	r := &Resolved{}
	assert.NotEqual(t, Hash(p1, r), Hash(p2, r))
}

func TestBodyFormat(t *testing.T) {
	item := &types.SourceItem{ID: "a", Title: "Task", Description: "do the thing"}
	posted := time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC)
	comments := []types.Comment{
		{ID: "c1", Author: "jane", PostedAt: posted, Text: "first"},
		{ID: "c2", Author: "sam", PostedAt: posted.Add(time.Hour), Text: "second"},
	}

	p, _ := Forward(testMapConfig(), item, comments)
	require.Len(t, p.Body, 4)

	assert.Equal(t, notion.Paragraph("do the thing"), p.Body[0])
	assert.Equal(t, notion.Heading("Comments"), p.Body[1])
	assert.Equal(t, "**jane** · 2026-01-15T08:30:00Z\n\nfirst", p.Body[2].Text)
	assert.Equal(t, "**sam** · 2026-01-15T09:30:00Z\n\nsecond", p.Body[3].Text)
}

func TestEmptyTitlePlaceholder(t *testing.T) {
	p, _ := Forward(testMapConfig(), &types.SourceItem{ID: "a"}, nil)
	assert.Equal(t, PlaceholderTitle, p.Title)
	assert.NotEmpty(t, p.Warnings)
}

func TestDescriptionTruncation(t *testing.T) {
	long := strings.Repeat("x", notion.MaxRichTextLen+500)
	p, _ := Forward(testMapConfig(), &types.SourceItem{ID: "a", Title: "t", Description: long}, nil)

	require.NotEmpty(t, p.Body)
	assert.LessOrEqual(t, len([]rune(p.Body[0].Text)), notion.MaxRichTextLen)
	assert.True(t, strings.HasSuffix(p.Body[0].Text, notion.TruncationMarker))
	assert.Equal(t, 1, p.Truncated)
}

func TestStripBacklink(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"notes\n\n---\nhttps://notion.test/p1\nhttps://notion.test/p2", "notes"},
		{"---\nhttps://notion.test/p1", ""},
		{"plain description", "plain description"},
		{"uses --- a divider", "uses --- a divider"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := StripBacklink(tc.in); got != tc.want {
			t.Errorf("StripBacklink(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBacklinkDoesNotDirtyHash(t *testing.T) {
	cfg := testMapConfig()
	before := &types.SourceItem{ID: "a", Title: "Task", Description: "notes"}
	after := &types.SourceItem{ID: "a", Title: "Task",
		Description: "notes\n\n---\nhttps://notion.test/p1\nhttps://notion.test/p2"}

	p1, _ := Forward(cfg, before, nil)
	p2, _ := Forward(cfg, after, nil)
	r := &Resolved{ProjectPageID: "p"}
	assert.Equal(t, Hash(p1, r), Hash(p2, r))
}

func TestDueMapping(t *testing.T) {
	// Date-only due passes through verbatim; time adds the T-joined start.
	p, _ := Forward(testMapConfig(), &types.SourceItem{
		ID: "a", Title: "t", Due: &types.Due{Date: "2026-04-01"},
	}, nil)
	props := Properties(p, &Resolved{})
	data, err := props.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"start":"2026-04-01"`)

	p2, _ := Forward(testMapConfig(), &types.SourceItem{
		ID: "a", Title: "t",
		Due: &types.Due{Date: "2026-04-01", Time: "08:15:00", Timezone: "UTC"},
	}, nil)
	data2, err := Properties(p2, &Resolved{}).MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data2), `"start":"2026-04-01T08:15:00"`)
	assert.Contains(t, string(data2), `"time_zone":"UTC"`)
}

func TestReverseExtraction(t *testing.T) {
	lastWrite := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &types.SourceProject{ID: "P1", Name: "Old Name"}

	// Destination edited before the engine's last write: nothing flows back.
	stale := &notion.Page{Title: "New Name", LastEditedTime: lastWrite.Add(-time.Minute)}
	assert.Empty(t, ExtractProjectReverse(stale, source, lastWrite))

	// Newer destination edit: rename flows back.
	fresh := &notion.Page{Title: "New Name", LastEditedTime: lastWrite.Add(time.Minute)}
	ops := ExtractProjectReverse(fresh, source, lastWrite)
	require.Len(t, ops, 1)
	assert.Equal(t, "New Name", ops[0].Rename)
	assert.Equal(t, ReverseNameHash("P1", "New Name"), ops[0].EchoHash)

	// Status flip produces an archive op.
	archived := &notion.Page{Title: "Old Name", Status: "Archived", LastEditedTime: lastWrite.Add(time.Minute)}
	ops = ExtractProjectReverse(archived, source, lastWrite)
	require.Len(t, ops, 1)
	require.NotNil(t, ops[0].SetArchived)
	assert.True(t, *ops[0].SetArchived)
}
