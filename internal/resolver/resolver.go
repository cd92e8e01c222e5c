// Package resolver turns relation names and external ids into destination
// page ids, with single-creation semantics under concurrent worker pressure.
//
// Policy: areas and people are looked up, never created. Destination project
// pages are created exactly once, seeded with areas at the moment of
// creation. All resolution for a given key is serialized through a
// single-flight group. Area hits are cached in-process (write-once) and in
// the state store under resolver/area/<canonical-name>; person matches are
// cached in-process only; project bindings live in the project state rows.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/capsync/internal/mapper"
	"github.com/steveyegge/capsync/internal/notion"
	"github.com/steveyegge/capsync/internal/statestore"
	"github.com/steveyegge/capsync/internal/types"
)

// Directory is the destination surface the resolver needs.
type Directory interface {
	FindRelationByName(ctx context.Context, kind notion.PageKind, name string) (string, error)
	ListRelationTargets(ctx context.Context, kind notion.PageKind) ([]notion.RelationTarget, error)
	FindByExternalID(ctx context.Context, kind notion.PageKind, sourceID string) ([]*notion.Page, error)
	CreatePage(ctx context.Context, kind notion.PageKind, props notion.Properties, body []notion.Block) (*notion.Page, error)
}

// Announcer posts the one-time project backlink comment to the source.
type Announcer interface {
	AddProjectComment(ctx context.Context, projectID, text string) error
}

// personMatchThreshold is the minimum token-overlap score for a person
// match; ties at the top score yield no match rather than a guess.
const personMatchThreshold = 0.5

// Resolver resolves relation identities with concurrency-safe creation.
type Resolver struct {
	dir      Directory
	source   Announcer
	store    statestore.Store
	projects *statestore.ProjectStates

	addBacklink bool

	flight singleflight.Group

	mu         sync.RWMutex
	cache      map[string]string // "<kind>/<canonical>" → dest id; write-once
	people     []notion.RelationTarget
	havePeople bool
}

// New creates a Resolver.
func New(dir Directory, source Announcer, store statestore.Store, addBacklink bool) *Resolver {
	return &Resolver{
		dir:         dir,
		source:      source,
		store:       store,
		projects:    statestore.NewProjectStates(store),
		addBacklink: addBacklink,
		cache:       make(map[string]string),
	}
}

func cacheKey(kind notion.PageKind, canonical string) string {
	return string(kind) + "/" + canonical
}

func (r *Resolver) cached(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.cache[key]
	return id, ok
}

func (r *Resolver) remember(key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[key]; !ok {
		r.cache[key] = id
	}
}

// Invalidate drops a cached resolution after a conflicting write was
// observed. The next lookup re-queries the destination.
func (r *Resolver) Invalidate(kind notion.PageKind, name string) {
	key := cacheKey(kind, canonicalName(name))
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
}

// canonicalName trims, collapses internal whitespace, and uppercases.
func canonicalName(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), " "))
}

// Area looks up an area by canonical name. Areas are never created: a miss
// returns ("", false, nil) and the caller drops the relation with a warning.
func (r *Resolver) Area(ctx context.Context, name string) (string, bool, error) {
	canonical := canonicalName(name)
	key := cacheKey(notion.KindArea, canonical)
	if id, ok := r.cached(key); ok {
		return id, id != "", nil
	}

	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		if id, ok := r.storeGet(ctx, key); ok {
			return id, nil
		}
		id, err := r.dir.FindRelationByName(ctx, notion.KindArea, canonical)
		if err != nil {
			return "", err
		}
		if id != "" {
			r.storePut(ctx, key, id)
		}
		return id, nil
	})
	if err != nil {
		return "", false, err
	}
	id := v.(string)
	if id != "" {
		r.remember(key, id)
	}
	return id, id != "", nil
}

// Person fuzzy-matches a person name against the people records:
// case-insensitive, word-boundary-respecting nearest match. Ambiguity (score
// tie or below threshold) yields no match, not a guess.
func (r *Resolver) Person(ctx context.Context, name string) (string, bool, error) {
	canonical := canonicalName(name)
	key := cacheKey(notion.KindPerson, canonical)
	if id, ok := r.cached(key); ok {
		return id, id != "", nil
	}

	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		people, err := r.peopleRecords(ctx)
		if err != nil {
			return "", err
		}
		return matchPerson(name, people), nil
	})
	if err != nil {
		return "", false, err
	}
	id := v.(string)
	r.remember(key, id) // remember misses too; the corpus is loaded anyway
	return id, id != "", nil
}

func (r *Resolver) peopleRecords(ctx context.Context) ([]notion.RelationTarget, error) {
	r.mu.RLock()
	if r.havePeople {
		people := r.people
		r.mu.RUnlock()
		return people, nil
	}
	r.mu.RUnlock()

	people, err := r.dir.ListRelationTargets(ctx, notion.KindPerson)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.people = people
	r.havePeople = true
	r.mu.Unlock()
	return people, nil
}

// matchPerson scores candidates by token overlap. Exact case-folded equality
// short-circuits; otherwise the best score wins if it clears the threshold
// and has no tie.
func matchPerson(name string, people []notion.RelationTarget) string {
	queryTokens := strings.Fields(strings.ToLower(name))
	if len(queryTokens) == 0 {
		return ""
	}

	best := ""
	bestScore, secondScore := 0.0, 0.0
	for _, p := range people {
		if strings.EqualFold(strings.TrimSpace(p.Name), strings.TrimSpace(name)) {
			return p.ID
		}
		score := tokenOverlap(queryTokens, strings.Fields(strings.ToLower(p.Name)))
		if score > bestScore {
			secondScore = bestScore
			best, bestScore = p.ID, score
		} else if score == bestScore && score > 0 {
			secondScore = score
		}
	}
	if bestScore < personMatchThreshold || bestScore == secondScore {
		return ""
	}
	return best
}

// tokenOverlap is the fraction of query tokens present as whole words in the
// candidate.
func tokenOverlap(query, candidate []string) float64 {
	if len(query) == 0 {
		return 0
	}
	set := make(map[string]bool, len(candidate))
	for _, t := range candidate {
		set[t] = true
	}
	matched := 0
	for _, t := range query {
		if set[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}

// Project returns the destination page id for a source project,
// materializing the page exactly once. seedAreas are the canonical area
// names written at creation and frozen thereafter. The engine passes the
// areas of the task that triggers materialization; areas of the project's
// other tasks are not aggregated.
func (r *Resolver) Project(ctx context.Context, project *types.SourceProject, seedAreas []string) (string, error) {
	if project.IsInbox {
		// Eligible tasks never live in the inbox, so this is a programming
		// error upstream rather than a policy decision here.
		return "", fmt.Errorf("refusing to materialize inbox project %s", project.ID)
	}

	if state, err := r.projects.Get(ctx, project.ID); err == nil {
		return state.DestPageID, nil
	} else if !errors.Is(err, statestore.ErrNotFound) {
		return "", err
	}

	v, err, _ := r.flight.Do("project/"+project.ID, func() (interface{}, error) {
		return r.materialize(ctx, project, seedAreas)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// materialize runs under the project's single-flight lock. The lock is held
// across the adapter calls so at most one creation is in flight per project.
func (r *Resolver) materialize(ctx context.Context, project *types.SourceProject, seedAreas []string) (string, error) {
	// A peer worker may have won the race before we took the lock.
	if state, err := r.projects.Get(ctx, project.ID); err == nil {
		return state.DestPageID, nil
	} else if !errors.Is(err, statestore.ErrNotFound) {
		return "", err
	}

	// A peer process may have created the page; adopt its id.
	pages, err := r.dir.FindByExternalID(ctx, notion.KindProject, project.ID)
	if err != nil {
		return "", err
	}
	var page *notion.Page
	if len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = r.createProjectPage(ctx, project, seedAreas)
		if err != nil {
			return "", err
		}
	}

	now := time.Now().UTC()
	destID := page.ID
	_, err = r.projects.Update(ctx, project.ID, func(s *types.ProjectSyncState) error {
		if s.DestPageID != "" {
			destID = s.DestPageID // someone beat us to the state write
			return nil
		}
		s.DestPageID = page.ID
		s.CreatedAt = now
		s.NameLastWritten = project.Name
		s.EchoHash = mapper.ReverseNameHash(project.ID, project.Name)
		s.AreasFrozenAt = now
		return nil
	})
	if err != nil {
		return "", err
	}

	if r.addBacklink && page.URL != "" {
		if err := r.announceBacklink(ctx, project, page.URL); err != nil {
			// The page exists and state is persisted; a failed comment is a
			// warning, not a failed materialization.
			log.Printf("[resolver] project %s backlink comment failed: %v", project.ID, err)
		}
	}

	return destID, nil
}

func (r *Resolver) createProjectPage(ctx context.Context, project *types.SourceProject, seedAreas []string) (*notion.Page, error) {
	var areaIDs []string
	for _, name := range seedAreas {
		id, ok, err := r.Area(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Printf("[resolver] project %s: area %q not found, dropped", project.ID, name)
			continue
		}
		areaIDs = append(areaIDs, id)
	}

	props := notion.Properties{
		notion.PropName:      notion.Title(project.Name),
		notion.PropProjectID: notion.Text(project.ID),
		notion.PropColor:     notion.Select(project.Color),
		notion.PropStatus:    notion.Select("Active"),
		notion.PropAreas:     notion.Relation(areaIDs),
	}
	return r.dir.CreatePage(ctx, notion.KindProject, props, nil)
}

func (r *Resolver) announceBacklink(ctx context.Context, project *types.SourceProject, url string) error {
	var alreadyPosted bool
	_, err := r.projects.Update(ctx, project.ID, func(s *types.ProjectSyncState) error {
		alreadyPosted = s.BacklinkPosted
		s.BacklinkPosted = true
		return nil
	})
	if err != nil || alreadyPosted {
		return err
	}
	return r.source.AddProjectComment(ctx, project.ID, "Mirrored to "+url)
}

// storeGet reads a cached resolution from the state store.
func (r *Resolver) storeGet(ctx context.Context, key string) (string, bool) {
	raw, err := r.store.Get(ctx, statestore.KindResolver, key)
	if err != nil {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}

// storePut caches a resolution in the state store; failures are tolerable.
func (r *Resolver) storePut(ctx context.Context, key, id string) {
	_, err := r.store.Upsert(ctx, statestore.KindResolver, key, func([]byte) ([]byte, error) {
		return json.Marshal(id)
	})
	if err != nil {
		log.Printf("[resolver] cache write %s failed: %v", key, err)
	}
}
