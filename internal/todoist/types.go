// Package todoist is the source-side adapter: a typed façade over the
// Todoist REST API that hides wire shapes and pagination from the engine.
package todoist

import (
	"strings"
	"time"

	"github.com/steveyegge/capsync/internal/types"
)

// API configuration constants.
const (
	// DefaultBaseURL is the Todoist API base URL.
	DefaultBaseURL = "https://api.todoist.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is the maximum number of retries for retryable failures.
	MaxRetries = 3

	// RetryDelay is the base delay between retries (exponential backoff).
	RetryDelay = time.Second

	// MaxPageSize is the page size requested from list endpoints.
	MaxPageSize = 200

	// MaxPages bounds pagination loops against malformed cursors.
	MaxPages = 1000
)

// wireDue is the due object as Todoist returns it.
type wireDue struct {
	Date        string `json:"date"`
	Datetime    string `json:"datetime,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	IsRecurring bool   `json:"is_recurring"`
	String      string `json:"string,omitempty"`
}

// wireTask is a task as Todoist returns it.
type wireTask struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
	Priority    int      `json:"priority"`
	Due         *wireDue `json:"due,omitempty"`
	ProjectID   string   `json:"project_id"`
	ParentID    string   `json:"parent_id,omitempty"`
	SectionID   string   `json:"section_id,omitempty"`
	IsCompleted bool     `json:"is_completed"`
	URL         string   `json:"url"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
}

// wireProject is a project as Todoist returns it.
type wireProject struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Color          string `json:"color"`
	IsInboxProject bool   `json:"is_inbox_project"`
	IsArchived     bool   `json:"is_archived"`
	URL            string `json:"url"`
}

// wireComment is a comment as Todoist returns it.
type wireComment struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Content   string `json:"content"`
	PostedAt  string `json:"posted_at"`
	PostedBy  string `json:"posted_by,omitempty"`
}

// taskPage is the cursor-paginated list response shape.
type taskPage struct {
	Results    []wireTask `json:"results"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// toItem converts a wire task to the domain snapshot. Naive due times (a
// datetime without timezone) are stamped with defaultTZ.
func toItem(w *wireTask, defaultTZ string) *types.SourceItem {
	item := &types.SourceItem{
		ID:          w.ID,
		Title:       w.Content,
		Description: w.Description,
		Priority:    w.Priority,
		Labels:      append([]string(nil), w.Labels...),
		ProjectID:   w.ProjectID,
		ParentID:    w.ParentID,
		Section:     w.SectionID,
		Completed:   w.IsCompleted,
		URL:         w.URL,
		CreatedAt:   parseTime(w.CreatedAt),
		UpdatedAt:   parseTime(w.UpdatedAt),
	}
	if w.Due != nil {
		item.Recurring = w.Due.IsRecurring
		due := &types.Due{Date: w.Due.Date, Timezone: w.Due.Timezone}
		if w.Due.Datetime != "" {
			// Split "2006-01-02T15:04:05[Z]" into date and time-of-day.
			if i := strings.IndexByte(w.Due.Datetime, 'T'); i > 0 {
				due.Date = w.Due.Datetime[:i]
				due.Time = strings.TrimSuffix(w.Due.Datetime[i+1:], "Z")
			}
			if due.Timezone == "" {
				due.Timezone = defaultTZ
			}
		}
		item.Due = due
	}
	return item
}

func toProject(w *wireProject) *types.SourceProject {
	return &types.SourceProject{
		ID:       w.ID,
		Name:     w.Name,
		Color:    w.Color,
		IsInbox:  w.IsInboxProject,
		Archived: w.IsArchived,
		URL:      w.URL,
	}
}

func toComment(w *wireComment) types.Comment {
	return types.Comment{
		ID:       w.ID,
		Author:   w.PostedBy,
		PostedAt: parseTime(w.PostedAt),
		Text:     w.Content,
	}
}
