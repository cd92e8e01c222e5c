package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/capsync/internal/apierr"
	"github.com/steveyegge/capsync/internal/config"
	"github.com/steveyegge/capsync/internal/notion"
	"github.com/steveyegge/capsync/internal/types"
)

// fakeSource implements Source over in-memory maps.
type fakeSource struct {
	mu       sync.Mutex
	items    map[string]*types.SourceItem
	projects map[string]*types.SourceProject
	comments map[string][]types.Comment

	descriptions map[string]string
	tagAdds      []string
	tagRemovals  []string
	renames      map[string]string
	archived     map[string]bool
	projComments map[string][]string

	fetchErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		items:        make(map[string]*types.SourceItem),
		projects:     make(map[string]*types.SourceProject),
		comments:     make(map[string][]types.Comment),
		descriptions: make(map[string]string),
		renames:      make(map[string]string),
		archived:     make(map[string]bool),
		projComments: make(map[string][]string),
	}
}

func (f *fakeSource) put(item *types.SourceItem, project *types.SourceProject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
	f.projects[project.ID] = project
}

func (f *fakeSource) FetchItem(_ context.Context, id string) (*types.SourceItem, *types.SourceProject, []types.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, nil, nil, f.fetchErr
	}
	item, ok := f.items[id]
	if !ok {
		return nil, nil, nil, apierr.New(apierr.NotFound, "todoist.GetTask", fmt.Errorf("no item %s", id))
	}
	cp := *item
	return &cp, f.projects[item.ProjectID], f.comments[id], nil
}

func (f *fakeSource) FetchProject(_ context.Context, id string) (*types.SourceProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "todoist.GetProject", fmt.Errorf("no project %s", id))
	}
	cp := *p
	return &cp, nil
}

func (f *fakeSource) ListComments(_ context.Context, taskID string) ([]types.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comments[taskID], nil
}

func (f *fakeSource) ListTagged(_ context.Context, tag string, fn func(*types.SourceItem) error) error {
	f.mu.Lock()
	var tagged []*types.SourceItem
	for _, item := range f.items {
		for _, l := range item.Labels {
			if l == tag {
				cp := *item
				tagged = append(tagged, &cp)
				break
			}
		}
	}
	f.mu.Unlock()
	for _, item := range tagged {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) AddTag(_ context.Context, id, tag string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagAdds = append(f.tagAdds, id)
	item := f.items[id]
	item.Labels = append(item.Labels, tag)
	return item.Labels, nil
}

func (f *fakeSource) RemoveTag(_ context.Context, id, tag string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagRemovals = append(f.tagRemovals, id)
	item := f.items[id]
	var kept []string
	for _, l := range item.Labels {
		if l != tag {
			kept = append(kept, l)
		}
	}
	item.Labels = kept
	return kept, nil
}

func (f *fakeSource) SetDescription(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descriptions[id] = text
	if item, ok := f.items[id]; ok {
		item.Description = text
	}
	return nil
}

func (f *fakeSource) GetDescription(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.descriptions[id]; ok {
		return d, nil
	}
	if item, ok := f.items[id]; ok {
		return item.Description, nil
	}
	return "", nil
}

func (f *fakeSource) AddProjectComment(_ context.Context, projectID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projComments[projectID] = append(f.projComments[projectID], text)
	return nil
}

func (f *fakeSource) RenameProject(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames[id] = name
	if p, ok := f.projects[id]; ok {
		p.Name = name
	}
	return nil
}

func (f *fakeSource) SetProjectArchived(_ context.Context, id string, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived[id] = archived
	if p, ok := f.projects[id]; ok {
		p.Archived = archived
	}
	return nil
}

// fakeDest implements Destination and resolver.Directory over in-memory
// pages.
type fakeDest struct {
	mu      sync.Mutex
	nextID  int
	pages   map[string]*fakePage
	byName  map[notion.PageKind]map[string]string // kind → title → id (areas/people seeding)
	creates int
	updates int
	appends map[string][]notion.Block
}

type fakePage struct {
	kind  notion.PageKind
	page  notion.Page
	props notion.Properties
	body  []notion.Block
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		pages:   make(map[string]*fakePage),
		byName:  make(map[notion.PageKind]map[string]string),
		appends: make(map[string][]notion.Block),
	}
}

// seedRelation pre-creates a relation row (area or person database record).
func (f *fakeDest) seedRelation(kind notion.PageKind, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("%s-%d", kind, f.nextID)
	f.pages[id] = &fakePage{kind: kind, page: notion.Page{ID: id, Title: name}}
	if f.byName[kind] == nil {
		f.byName[kind] = make(map[string]string)
	}
	f.byName[kind][name] = id
	return id
}

func propString(props notion.Properties, name string) string {
	switch v := props[name].(type) {
	case notion.Title:
		return string(v)
	case notion.Text:
		return string(v)
	case notion.Select:
		return string(v)
	case notion.URL:
		return string(v)
	}
	return ""
}

func propRelation(props notion.Properties, name string) []string {
	if v, ok := props[name].(notion.Relation); ok {
		return v
	}
	return nil
}

func externalID(kind notion.PageKind, props notion.Properties) string {
	if kind == notion.KindProject {
		return propString(props, notion.PropProjectID)
	}
	return propString(props, notion.PropTaskID)
}

func (f *fakeDest) FindByExternalID(_ context.Context, kind notion.PageKind, sourceID string) ([]*notion.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*notion.Page
	for _, fp := range f.pages {
		if fp.kind == kind && !fp.page.Archived && fp.props != nil && externalID(kind, fp.props) == sourceID {
			cp := fp.page
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDest) CreatePage(_ context.Context, kind notion.PageKind, props notion.Properties, body []notion.Block) (*notion.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.creates++
	id := fmt.Sprintf("page-%d", f.nextID)
	fp := &fakePage{
		kind: kind,
		page: notion.Page{
			ID:     id,
			URL:    "https://notion.test/" + id,
			Title:  propString(props, notion.PropName),
			Status: statusOf(props),
			Relations: map[string][]string{
				notion.PropAreas:  propRelation(props, notion.PropAreas),
				notion.PropPeople: propRelation(props, notion.PropPeople),
			},
		},
		props: props,
		body:  body,
	}
	if rel := propRelation(props, notion.PropProject); rel != nil {
		fp.page.Relations[notion.PropProject] = rel
	}
	f.pages[id] = fp
	cp := fp.page
	return &cp, nil
}

func statusOf(props notion.Properties) string {
	if v, ok := props[notion.PropStatus].(notion.Select); ok {
		return string(v)
	}
	return ""
}

func (f *fakeDest) UpdatePage(_ context.Context, pageID string, props notion.Properties) (*notion.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.pages[pageID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "notion.UpdatePage", fmt.Errorf("no page %s", pageID))
	}
	f.updates++
	if fp.props == nil {
		fp.props = notion.Properties{}
	}
	for k, v := range props {
		fp.props[k] = v
	}
	if t := propString(props, notion.PropName); t != "" {
		fp.page.Title = t
	}
	if s := statusOf(props); s != "" {
		fp.page.Status = s
	}
	for _, rel := range []string{notion.PropProject, notion.PropAreas, notion.PropPeople} {
		if _, ok := props[rel]; ok {
			if fp.page.Relations == nil {
				fp.page.Relations = map[string][]string{}
			}
			fp.page.Relations[rel] = propRelation(props, rel)
		}
	}
	cp := fp.page
	return &cp, nil
}

func (f *fakeDest) ArchivePage(_ context.Context, pageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.pages[pageID]
	if !ok {
		return apierr.New(apierr.NotFound, "notion.ArchivePage", fmt.Errorf("no page %s", pageID))
	}
	fp.page.Archived = true
	return nil
}

func (f *fakeDest) UnarchivePage(_ context.Context, pageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.pages[pageID]
	if !ok {
		return apierr.New(apierr.NotFound, "notion.UnarchivePage", fmt.Errorf("no page %s", pageID))
	}
	fp.page.Archived = false
	return nil
}

func (f *fakeDest) GetPage(_ context.Context, pageID string) (*notion.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.pages[pageID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "notion.GetPage", fmt.Errorf("no page %s", pageID))
	}
	cp := fp.page
	return &cp, nil
}

func (f *fakeDest) FindRelationByName(_ context.Context, kind notion.PageKind, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byName[kind][name], nil
}

func (f *fakeDest) ListRelationTargets(_ context.Context, kind notion.PageKind) ([]notion.RelationTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notion.RelationTarget
	for _, fp := range f.pages {
		if fp.kind == kind && !fp.page.Archived {
			out = append(out, notion.RelationTarget{ID: fp.page.ID, Name: fp.page.Title})
		}
	}
	return out, nil
}

func (f *fakeDest) AppendBlocks(_ context.Context, pageID string, blocks []notion.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.pages[pageID]
	if !ok {
		return apierr.New(apierr.NotFound, "notion.AppendBlocks", fmt.Errorf("no page %s", pageID))
	}
	fp.body = append(fp.body, blocks...)
	f.appends[pageID] = append(f.appends[pageID], blocks...)
	return nil
}

func (f *fakeDest) ReplaceBlocks(_ context.Context, pageID string, blocks []notion.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.pages[pageID]
	if !ok {
		return apierr.New(apierr.NotFound, "notion.ReplaceBlocks", fmt.Errorf("no page %s", pageID))
	}
	fp.body = append([]notion.Block(nil), blocks...)
	return nil
}

// pageByExternal finds the live task page for a source id, or nil.
func (f *fakeDest) pageByExternal(kind notion.PageKind, sourceID string) *fakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fp := range f.pages {
		if fp.kind == kind && fp.props != nil && externalID(kind, fp.props) == sourceID {
			return fp
		}
	}
	return nil
}

// bodyContains reports whether any body block of the page contains s.
func (f *fakeDest) bodyContains(pageID, s string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.pages[pageID]
	if !ok {
		return false
	}
	for _, b := range fp.body {
		if strings.Contains(b.Text, s) {
			return true
		}
	}
	return false
}

func testConfig() *config.Config {
	return &config.Config{
		EligibilityTag:    "capsync",
		AreaNames:         config.DefaultAreaNames,
		SkipInbox:         true,
		SkipRecurring:     true,
		AutoLabel:         true,
		AddBacklink:       true,
		WorkerConcurrency: 4,
		RetryMax:          3,
		RetryBaseDelay:    time.Millisecond,
		HandlerTimeout:    5 * time.Second,
		DefaultTimezone:   "UTC",
	}
}
