// Package types defines the core data types shared across capsync components.
//
// These are the wire-independent domain records: snapshots of source items and
// projects, the sync messages that flow through the queue, and the durable
// per-entity sync state rows owned by the state store.
package types

import "time"

// SyncStatus is the outcome recorded for an entity after a sync attempt.
type SyncStatus string

const (
	StatusOK       SyncStatus = "ok"
	StatusArchived SyncStatus = "archived"
	StatusError    SyncStatus = "error"
)

// SyncSource identifies what triggered a sync.
type SyncSource string

const (
	SourceWebhook    SyncSource = "webhook"
	SourceReconciler SyncSource = "reconciler"
	SourceManual     SyncSource = "manual"
)

// Action is the operation a SyncMessage requests.
type Action string

const (
	ActionUpsert  Action = "UPSERT"
	ActionArchive Action = "ARCHIVE"
)

// Due is a structured due date. Date is required ("2006-01-02"); Time and
// Timezone are optional and preserved verbatim from the source.
type Due struct {
	Date     string `json:"date"`
	Time     string `json:"time,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// Comment is a single comment on a source item, ordered by PostedAt.
type Comment struct {
	ID       string    `json:"id"`
	Author   string    `json:"author"`
	PostedAt time.Time `json:"posted_at"`
	Text     string    `json:"text"`
}

// SourceItem is a read-only snapshot of a task in the source service.
// Priority runs 1 (lowest) to 4 (highest), matching the source convention.
type SourceItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Priority    int       `json:"priority"`
	Due         *Due      `json:"due,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	ProjectID   string    `json:"project_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	Section     string    `json:"section,omitempty"`
	Completed   bool      `json:"is_completed"`
	Recurring   bool      `json:"is_recurring"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasLabel reports whether the item carries the given label verbatim.
func (i *SourceItem) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// SourceProject is a read-only snapshot of a project in the source service.
type SourceProject struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color,omitempty"`
	IsInbox  bool   `json:"is_inbox_project"`
	Archived bool   `json:"is_archived"`
	URL      string `json:"url,omitempty"`
}

// SyncMessage is one unit of work on the queue. Snapshot, when present,
// carries the source item inline so the worker can skip the re-fetch
// (webhook payloads and reconciler listings are considered fresh).
type SyncMessage struct {
	ID           string      `json:"id"`
	Action       Action      `json:"action"`
	SourceItemID string      `json:"source_item_id"`
	Snapshot     *SourceItem `json:"snapshot,omitempty"`
	Source       SyncSource  `json:"source"`
	Attempt      int         `json:"attempt"`
	EnqueuedAt   time.Time   `json:"enqueued_at"`
}

// TaskSyncState is the durable record binding a source item to its
// destination page. Rows are never physically deleted; orphaned mirrors keep
// their row with Status=archived for audit.
type TaskSyncState struct {
	ExternalID    string     `json:"external_id"`
	DestPageID    string     `json:"dest_page_id,omitempty"`
	PayloadHash   string     `json:"payload_hash,omitempty"`
	EchoHash      string     `json:"echo_hash,omitempty"`
	Status        SyncStatus `json:"sync_status"`
	Source        SyncSource `json:"sync_source,omitempty"`
	WasEligible   bool       `json:"was_eligible,omitempty"`
	BacklinkAdded bool       `json:"backlink_added,omitempty"`
	LastSyncedAt  time.Time  `json:"last_synced_at"`
	ErrorNote     string     `json:"error_note,omitempty"`
}

// ProjectSyncState is the durable record for a materialized project page.
// Areas are seeded once at creation; AreasFrozenAt marks that moment and
// later syncs must not touch the areas relation.
type ProjectSyncState struct {
	SourceProjectID string    `json:"source_project_id"`
	DestPageID      string    `json:"dest_page_id"`
	CreatedAt       time.Time `json:"created_at"`
	NameLastWritten string    `json:"name_last_written_source,omitempty"`
	EchoHash        string    `json:"echo_hash,omitempty"`
	BacklinkPosted  bool      `json:"backlink_posted,omitempty"`
	AreasFrozenAt   time.Time `json:"areas_frozen_at,omitempty"`
	LastWriteAt     time.Time `json:"last_write_at,omitempty"`
}
