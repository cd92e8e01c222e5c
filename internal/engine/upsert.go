package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/steveyegge/capsync/internal/apierr"
	"github.com/steveyegge/capsync/internal/config"
	"github.com/steveyegge/capsync/internal/mapper"
	"github.com/steveyegge/capsync/internal/metrics"
	"github.com/steveyegge/capsync/internal/notion"
	"github.com/steveyegge/capsync/internal/types"
)

// upsert runs the worker main loop for one UPSERT message: load state, fetch
// the source snapshot, gate on eligibility, map, resolve, hash-guard, write,
// and persist.
func (e *Engine) upsert(ctx context.Context, msg *types.SyncMessage) error {
	cfg := e.Config()

	state, err := e.taskState(ctx, msg.SourceItemID)
	if err != nil {
		return err
	}

	item, project, comments, err := e.loadSnapshot(ctx, msg)
	if apierr.IsNotFound(err) {
		if state == nil {
			return nil // never mirrored, nothing to do
		}
		return e.archiveMirror(ctx, msg, state)
	}
	if err != nil {
		return err
	}

	eligible, recurringCause := evaluate(cfg, item, project)
	if !eligible && e.mayAutoLabel(cfg, msg, item, project) {
		labels, err := e.source.AddTag(ctx, item.ID, cfg.EligibilityTag)
		if err != nil {
			return fmt.Errorf("auto-label %s: %w", item.ID, err)
		}
		item.Labels = labels
		eligible, recurringCause = evaluate(cfg, item, project)
	}
	if !eligible {
		return e.orphan(ctx, msg, state, item, recurringCause)
	}

	payload, rel := mapper.Forward(mapConfig(cfg), item, comments)
	e.noteWarnings(ctx, item.ID, payload)

	resolved, err := e.resolveRelations(ctx, item, project, rel)
	if err != nil {
		return err
	}

	h := mapper.Hash(payload, resolved)
	if state != nil && state.DestPageID != "" && state.Status == types.StatusOK && state.PayloadHash == h {
		// Reconciler passes double-check the mirror is actually live before
		// trusting the clean hash; webhook traffic takes the hash at face
		// value.
		if msg.Source != types.SourceReconciler || e.mirrorLive(ctx, state.DestPageID) {
			metrics.Add(ctx, e.metrics.Skipped, 1)
			_, err := e.tasks.Update(ctx, item.ID, func(s *types.TaskSyncState) error {
				s.Source = msg.Source
				s.LastSyncedAt = time.Now().UTC()
				return nil
			})
			return err
		}
	}

	destPageID := ""
	backlinkAdded := false
	if state != nil {
		destPageID = state.DestPageID
		backlinkAdded = state.BacklinkAdded
	}

	props := mapper.Properties(payload, resolved)
	pageID, pageURL, created, err := e.writePage(ctx, item.ID, destPageID, props, payload.Body)
	if err != nil {
		return err
	}

	if created && cfg.AddBacklink && !backlinkAdded {
		if err := e.addBacklink(ctx, item, pageURL, resolved.ProjectPageID); err != nil {
			// The mirror write succeeded; a failed backlink is only logged.
			// Backlinks are added on creation, so later passes do not retry it.
			log.Printf("[engine] backlink for %s failed: %v", item.ID, err)
		} else {
			backlinkAdded = true
		}
	}

	metrics.Add(ctx, e.metrics.Upserts, 1)
	_, err = e.tasks.Update(ctx, item.ID, func(s *types.TaskSyncState) error {
		s.DestPageID = pageID
		s.PayloadHash = h
		s.EchoHash = h
		s.Status = types.StatusOK
		s.Source = msg.Source
		s.WasEligible = true
		s.BacklinkAdded = s.BacklinkAdded || backlinkAdded
		s.LastSyncedAt = time.Now().UTC()
		s.ErrorNote = ""
		return nil
	})
	return err
}

// mirrorLive reports whether the destination page exists and is not
// archived. Errors read as live; the write path will surface them properly.
func (e *Engine) mirrorLive(ctx context.Context, pageID string) bool {
	page, err := e.dest.GetPage(ctx, pageID)
	if apierr.IsNotFound(err) {
		return false
	}
	if err != nil {
		return true
	}
	return !page.Archived
}

// loadSnapshot returns the item, its project, and its comments, using the
// inline snapshot when present (webhook and reconciler payloads are fresh).
func (e *Engine) loadSnapshot(ctx context.Context, msg *types.SyncMessage) (*types.SourceItem, *types.SourceProject, []types.Comment, error) {
	if msg.Snapshot == nil {
		return e.source.FetchItem(ctx, msg.SourceItemID)
	}
	item := msg.Snapshot
	project, err := e.source.FetchProject(ctx, item.ProjectID)
	if err != nil {
		return nil, nil, nil, err
	}
	comments, err := e.source.ListComments(ctx, item.ID)
	if err != nil && !apierr.IsNotFound(err) {
		return nil, nil, nil, err
	}
	return item, project, comments, nil
}

// evaluate applies the eligibility predicate. recurringCause reports whether
// a recurring item is what failed it (that transition also sheds the tag).
func evaluate(cfg *config.Config, item *types.SourceItem, project *types.SourceProject) (eligible, recurringCause bool) {
	recurringCause = cfg.SkipRecurring && item.Recurring
	if !item.HasLabel(cfg.EligibilityTag) {
		return false, recurringCause
	}
	if recurringCause {
		return false, true
	}
	if cfg.SkipInbox && project.IsInbox {
		return false, false
	}
	return true, false
}

// mayAutoLabel gates the auto-labeling step: configured on, a reconciler
// message, and the item would qualify once tagged. Webhook and manual
// messages never auto-label, so a tag removed at the source orphans the
// mirror instead of being re-added.
func (e *Engine) mayAutoLabel(cfg *config.Config, msg *types.SyncMessage, item *types.SourceItem, project *types.SourceProject) bool {
	if !cfg.AutoLabel || msg.Source != types.SourceReconciler {
		return false
	}
	if item.HasLabel(cfg.EligibilityTag) {
		return false
	}
	if cfg.SkipInbox && project.IsInbox {
		return false
	}
	if cfg.SkipRecurring && item.Recurring {
		return false
	}
	return true
}

func mapConfig(cfg *config.Config) mapper.Config {
	return mapper.Config{
		EligibilityTag: cfg.EligibilityTag,
		AreaSet:        cfg.AreaSet(),
	}
}

func (e *Engine) noteWarnings(ctx context.Context, itemID string, payload *mapper.Payload) {
	for _, w := range payload.Warnings {
		log.Printf("[engine] %s: %s", itemID, w)
	}
	metrics.Add(ctx, e.metrics.Warnings, int64(len(payload.Warnings)))
	metrics.Add(ctx, e.metrics.Truncations, int64(payload.Truncated))
}

// resolveRelations turns relation names into destination ids. Area and
// person misses are dropped with a warning; the sync still succeeds.
func (e *Engine) resolveRelations(ctx context.Context, item *types.SourceItem, project *types.SourceProject, rel *mapper.Relations) (*mapper.Resolved, error) {
	projectPageID, err := e.resolver.Project(ctx, project, rel.Areas)
	if err != nil {
		return nil, fmt.Errorf("resolve project %s: %w", project.ID, err)
	}

	resolved := &mapper.Resolved{ProjectPageID: projectPageID}
	for _, name := range rel.Areas {
		id, ok, err := e.resolver.Area(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve area %q: %w", name, err)
		}
		if !ok {
			log.Printf("[engine] %s: area %q not in destination, relation dropped", item.ID, name)
			metrics.Add(ctx, e.metrics.Warnings, 1)
			continue
		}
		resolved.AreaIDs = append(resolved.AreaIDs, id)
	}
	for _, name := range rel.People {
		id, ok, err := e.resolver.Person(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve person %q: %w", name, err)
		}
		if !ok {
			log.Printf("[engine] %s: no unambiguous person match for %q, relation dropped", item.ID, name)
			metrics.Add(ctx, e.metrics.Warnings, 1)
			continue
		}
		resolved.PeopleIDs = append(resolved.PeopleIDs, id)
	}
	return resolved, nil
}

// writePage creates or updates the destination page. With no known page id
// it first adopts any existing live page for the item (repairing duplicates
// by archiving all but the oldest), so redelivered creations stay idempotent.
func (e *Engine) writePage(ctx context.Context, itemID, destPageID string, props notion.Properties, body []notion.Block) (pageID, pageURL string, created bool, err error) {
	if destPageID == "" {
		pages, err := e.dest.FindByExternalID(ctx, notion.KindTask, itemID)
		if err != nil {
			return "", "", false, err
		}
		if len(pages) == 0 {
			page, err := e.dest.CreatePage(ctx, notion.KindTask, props, body)
			if err != nil {
				return "", "", false, err
			}
			return page.ID, page.URL, true, nil
		}
		if len(pages) > 1 {
			log.Printf("[engine] %s: %d live pages found, keeping oldest %s", itemID, len(pages), pages[0].ID)
			for _, dup := range pages[1:] {
				if err := e.dest.ArchivePage(ctx, dup.ID); err != nil {
					return "", "", false, fmt.Errorf("archive duplicate %s: %w", dup.ID, err)
				}
			}
		}
		destPageID = pages[0].ID
	}

	page, err := e.dest.GetPage(ctx, destPageID)
	if apierr.IsNotFound(err) {
		// Stale pointer: the page was deleted outright. Recreate.
		page, err := e.dest.CreatePage(ctx, notion.KindTask, props, body)
		if err != nil {
			return "", "", false, err
		}
		return page.ID, page.URL, true, nil
	}
	if err != nil {
		return "", "", false, err
	}
	if page.Archived {
		if err := e.dest.UnarchivePage(ctx, destPageID); err != nil {
			return "", "", false, err
		}
	}
	updated, err := e.dest.UpdatePage(ctx, destPageID, props)
	if err != nil {
		return "", "", false, err
	}
	if err := e.dest.ReplaceBlocks(ctx, destPageID, body); err != nil {
		return "", "", false, err
	}
	return updated.ID, updated.URL, false, nil
}

// addBacklink appends the task and project page links to the source
// description, once. A containment check guards against double-append under
// redelivery.
func (e *Engine) addBacklink(ctx context.Context, item *types.SourceItem, taskPageURL, projectPageID string) error {
	if taskPageURL == "" {
		return nil
	}
	desc, err := e.source.GetDescription(ctx, item.ID)
	if err != nil {
		return err
	}
	if strings.Contains(desc, taskPageURL) {
		return nil
	}

	projectURL := ""
	if projectPageID != "" {
		if page, err := e.dest.GetPage(ctx, projectPageID); err == nil {
			projectURL = page.URL
		}
	}

	var b strings.Builder
	b.WriteString(desc)
	if desc != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("---\n")
	b.WriteString(taskPageURL)
	if projectURL != "" {
		b.WriteString("\n")
		b.WriteString(projectURL)
	}
	return e.source.SetDescription(ctx, item.ID, b.String())
}
