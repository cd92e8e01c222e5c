package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/steveyegge/capsync/internal/types"
)

// WebhookEvent is the source webhook body after signature validation.
type WebhookEvent struct {
	EventName string          `json:"event_name"`
	UserID    string          `json:"user_id"`
	EventData json.RawMessage `json:"event_data"`
}

// eventActions maps source event names onto sync actions. Unlisted events
// are ignored.
var eventActions = map[string]types.Action{
	"item:added":       types.ActionUpsert,
	"item:updated":     types.ActionUpsert,
	"item:completed":   types.ActionUpsert,
	"item:uncompleted": types.ActionUpsert,
	"note:added":       types.ActionUpsert,
	"note:updated":     types.ActionUpsert,
	"item:deleted":     types.ActionArchive,
}

// eventItem is the event_data payload of item events.
type eventItem struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
	Priority    int      `json:"priority"`
	ProjectID   string   `json:"project_id"`
	ParentID    string   `json:"parent_id"`
	Checked     bool     `json:"checked"`
	URL         string   `json:"url"`
	Due         *struct {
		Date        string `json:"date"`
		Datetime    string `json:"datetime"`
		Timezone    string `json:"timezone"`
		IsRecurring bool   `json:"is_recurring"`
	} `json:"due"`
}

// eventNote is the event_data payload of note events.
type eventNote struct {
	ID     string `json:"id"`
	ItemID string `json:"item_id"`
}

// TranslateEvent converts one webhook event to a SyncMessage, or (nil, nil)
// for event types the mirror does not track. defaultTZ interprets naive due
// times on inline snapshots.
func TranslateEvent(evt *WebhookEvent, defaultTZ string) (*types.SyncMessage, error) {
	action, ok := eventActions[evt.EventName]
	if !ok {
		return nil, nil
	}

	msg := &types.SyncMessage{
		Action: action,
		Source: types.SourceWebhook,
	}

	if strings.HasPrefix(evt.EventName, "note:") {
		var note eventNote
		if err := json.Unmarshal(evt.EventData, &note); err != nil {
			return nil, fmt.Errorf("decode %s event data: %w", evt.EventName, err)
		}
		if note.ItemID == "" {
			return nil, fmt.Errorf("%s event without item_id", evt.EventName)
		}
		// No snapshot: comment content lives outside the item, so the worker
		// re-fetches.
		msg.SourceItemID = note.ItemID
		return msg, nil
	}

	var item eventItem
	if err := json.Unmarshal(evt.EventData, &item); err != nil {
		return nil, fmt.Errorf("decode %s event data: %w", evt.EventName, err)
	}
	if item.ID == "" {
		return nil, fmt.Errorf("%s event without item id", evt.EventName)
	}
	msg.SourceItemID = item.ID

	if action == types.ActionUpsert {
		msg.Snapshot = snapshotFromEvent(&item, defaultTZ)
	}
	return msg, nil
}

func snapshotFromEvent(item *eventItem, defaultTZ string) *types.SourceItem {
	snap := &types.SourceItem{
		ID:          item.ID,
		Title:       item.Content,
		Description: item.Description,
		Priority:    item.Priority,
		Labels:      append([]string(nil), item.Labels...),
		ProjectID:   item.ProjectID,
		ParentID:    item.ParentID,
		Completed:   item.Checked,
		URL:         item.URL,
	}
	if item.Due != nil {
		snap.Recurring = item.Due.IsRecurring
		due := &types.Due{Date: item.Due.Date, Timezone: item.Due.Timezone}
		if item.Due.Datetime != "" {
			if i := strings.IndexByte(item.Due.Datetime, 'T'); i > 0 {
				due.Date = item.Due.Datetime[:i]
				due.Time = strings.TrimSuffix(item.Due.Datetime[i+1:], "Z")
			}
			if due.Timezone == "" {
				due.Timezone = defaultTZ
			}
		}
		snap.Due = due
	}
	return snap
}
