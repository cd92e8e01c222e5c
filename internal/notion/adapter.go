package notion

import (
	"context"
	"fmt"
	"sort"
)

// Property names the mirror reads and writes. The destination databases are
// pre-existing; these names are part of the operator's schema contract.
const (
	PropName      = "Name"
	PropPriority  = "Priority"
	PropLabels    = "Labels"
	PropDue       = "Due"
	PropCompleted = "Completed"
	PropTaskID    = "todoist_task_id"
	PropTaskURL   = "todoist_url"
	PropProjectID = "todoist_project_id"
	PropColor     = "Color"
	PropStatus    = "Status"
	PropProject   = "Project"
	PropAreas     = "Areas"
	PropPeople    = "People"
)

// Databases routes each page kind to its database id.
type Databases struct {
	Tasks    string
	Projects string
	Areas    string
	People   string
}

// Adapter is the engine-facing façade over the Notion API.
type Adapter struct {
	client *Client
	dbs    Databases
}

// NewAdapter wraps a client with database routing.
func NewAdapter(client *Client, dbs Databases) *Adapter {
	return &Adapter{client: client, dbs: dbs}
}

func (a *Adapter) database(kind PageKind) (string, error) {
	switch kind {
	case KindTask:
		return a.dbs.Tasks, nil
	case KindProject:
		return a.dbs.Projects, nil
	case KindArea:
		return a.dbs.Areas, nil
	case KindPerson:
		return a.dbs.People, nil
	}
	return "", fmt.Errorf("unknown page kind %q", kind)
}

func externalIDProperty(kind PageKind) string {
	if kind == KindProject {
		return PropProjectID
	}
	return PropTaskID
}

// FindByExternalID returns every live page whose external-id property equals
// sourceID, oldest first. More than one result is an invariant violation the
// engine repairs by keeping the head.
func (a *Adapter) FindByExternalID(ctx context.Context, kind PageKind, sourceID string) ([]*Page, error) {
	db, err := a.database(kind)
	if err != nil {
		return nil, err
	}
	filter := map[string]any{
		"property":  externalIDProperty(kind),
		"rich_text": map[string]any{"equals": sourceID},
	}
	var pages []*Page
	err = a.client.queryDatabase(ctx, db, filter, func(w *wirePage) error {
		if !w.Archived {
			pages = append(pages, decodePage(w))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pages, func(i, j int) bool {
		return pages[i].CreatedTime.Before(pages[j].CreatedTime)
	})
	return pages, nil
}

// CreatePage creates a page of the given kind with properties and optional
// body blocks.
func (a *Adapter) CreatePage(ctx context.Context, kind PageKind, props Properties, body []Block) (*Page, error) {
	db, err := a.database(kind)
	if err != nil {
		return nil, err
	}
	w, err := a.client.createPage(ctx, db, props, body)
	if err != nil {
		return nil, err
	}
	return decodePage(w), nil
}

// UpdatePage patches the given properties on an existing page.
func (a *Adapter) UpdatePage(ctx context.Context, pageID string, props Properties) (*Page, error) {
	w, err := a.client.updatePage(ctx, pageID, map[string]any{"properties": props})
	if err != nil {
		return nil, err
	}
	return decodePage(w), nil
}

// ArchivePage archives a page.
func (a *Adapter) ArchivePage(ctx context.Context, pageID string) error {
	_, err := a.client.updatePage(ctx, pageID, map[string]any{"archived": true})
	return err
}

// UnarchivePage restores an archived page.
func (a *Adapter) UnarchivePage(ctx context.Context, pageID string) error {
	_, err := a.client.updatePage(ctx, pageID, map[string]any{"archived": false})
	return err
}

// GetPage retrieves a page by id.
func (a *Adapter) GetPage(ctx context.Context, pageID string) (*Page, error) {
	w, err := a.client.getPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return decodePage(w), nil
}

// FindRelationByName looks up a page of the given kind by exact title match.
// Returns "" when no live page matches.
func (a *Adapter) FindRelationByName(ctx context.Context, kind PageKind, name string) (string, error) {
	db, err := a.database(kind)
	if err != nil {
		return "", err
	}
	if db == "" {
		return "", nil // relation database not configured
	}
	filter := map[string]any{
		"property": PropName,
		"title":    map[string]any{"equals": name},
	}
	id := ""
	err = a.client.queryDatabase(ctx, db, filter, func(w *wirePage) error {
		if id == "" && !w.Archived {
			id = w.ID
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RelationTarget is a (page id, display name) pair from a relation database.
type RelationTarget struct {
	ID   string
	Name string
}

// ListRelationTargets enumerates every live page in a relation database.
// Used to load the people corpus for fuzzy matching.
func (a *Adapter) ListRelationTargets(ctx context.Context, kind PageKind) ([]RelationTarget, error) {
	db, err := a.database(kind)
	if err != nil {
		return nil, err
	}
	if db == "" {
		return nil, nil
	}
	var out []RelationTarget
	err = a.client.queryDatabase(ctx, db, nil, func(w *wirePage) error {
		if w.Archived {
			return nil
		}
		p := decodePage(w)
		out = append(out, RelationTarget{ID: p.ID, Name: p.Title})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryRelationTargets returns the page ids a relation property points at.
func (a *Adapter) QueryRelationTargets(ctx context.Context, pageID, property string) ([]string, error) {
	page, err := a.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return page.Relations[property], nil
}

// AppendBlocks appends body blocks to a page.
func (a *Adapter) AppendBlocks(ctx context.Context, pageID string, blocks []Block) error {
	return a.client.appendBlocks(ctx, pageID, blocks)
}

// ReplaceBlocks swaps a page's body for the given blocks: existing children
// are deleted, then the new blocks appended. Not atomic — an interrupted
// replace leaves a partial body until the next hash-dirty sync rewrites it.
func (a *Adapter) ReplaceBlocks(ctx context.Context, pageID string, blocks []Block) error {
	ids, err := a.client.listBlockChildren(ctx, pageID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := a.client.deleteBlock(ctx, id); err != nil {
			return err
		}
	}
	if len(blocks) == 0 {
		return nil
	}
	return a.client.appendBlocks(ctx, pageID, blocks)
}
