package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/steveyegge/capsync/internal/apierr"
	"github.com/steveyegge/capsync/internal/metrics"
	"github.com/steveyegge/capsync/internal/notion"
	"github.com/steveyegge/capsync/internal/types"
)

// orphanNotice is the body block text stamped on a page when its source item
// stops being eligible. The date is appended.
const orphanNotice = "Sync label was removed on "

// archive handles an ARCHIVE message: the source item was deleted (or the
// reconciler stopped seeing it).
func (e *Engine) archive(ctx context.Context, msg *types.SyncMessage) error {
	state, err := e.taskState(ctx, msg.SourceItemID)
	if err != nil {
		return err
	}
	if state == nil {
		return nil // never mirrored
	}
	return e.archiveMirror(ctx, msg, state)
}

// archiveMirror archives the destination page and stamps the state row.
// State rows are kept for audit, never deleted.
func (e *Engine) archiveMirror(ctx context.Context, msg *types.SyncMessage, state *types.TaskSyncState) error {
	if state.Status == types.StatusArchived {
		return nil // idempotent under redelivery
	}
	if state.DestPageID != "" {
		if err := e.dest.ArchivePage(ctx, state.DestPageID); err != nil && !apierr.IsNotFound(err) {
			return fmt.Errorf("archive page %s: %w", state.DestPageID, err)
		}
	}
	metrics.Add(ctx, e.metrics.Archived, 1)
	_, err := e.tasks.Update(ctx, msg.SourceItemID, func(s *types.TaskSyncState) error {
		s.Status = types.StatusArchived
		s.Source = msg.Source
		s.WasEligible = false
		s.LastSyncedAt = time.Now().UTC()
		s.ErrorNote = ""
		return nil
	})
	return err
}

// orphan handles the eligibility-lost transition for an item that is still
// present at the source: append a notice block, archive the mirror, shed the
// tag when recurrence caused the transition, and persist.
func (e *Engine) orphan(ctx context.Context, msg *types.SyncMessage, state *types.TaskSyncState, item *types.SourceItem, recurringCause bool) error {
	if state == nil || state.DestPageID == "" || !state.WasEligible {
		return nil // nothing mirrored; the item is simply out of scope
	}
	if state.Status == types.StatusArchived {
		return nil
	}

	cfg := e.Config()
	notice := orphanNotice + time.Now().UTC().Format("2006-01-02")
	if err := e.dest.AppendBlocks(ctx, state.DestPageID, []notion.Block{notion.Paragraph(notice)}); err != nil && !apierr.IsNotFound(err) {
		return fmt.Errorf("append orphan notice to %s: %w", state.DestPageID, err)
	}
	if err := e.dest.ArchivePage(ctx, state.DestPageID); err != nil && !apierr.IsNotFound(err) {
		return fmt.Errorf("archive orphan %s: %w", state.DestPageID, err)
	}

	if recurringCause {
		if _, err := e.source.RemoveTag(ctx, item.ID, cfg.EligibilityTag); err != nil {
			return fmt.Errorf("shed tag from recurring %s: %w", item.ID, err)
		}
	}

	log.Printf("[engine] %s orphaned, mirror %s archived", item.ID, state.DestPageID)
	metrics.Add(ctx, e.metrics.Archived, 1)
	_, err := e.tasks.Update(ctx, item.ID, func(s *types.TaskSyncState) error {
		s.Status = types.StatusArchived
		s.Source = msg.Source
		s.WasEligible = false
		s.LastSyncedAt = time.Now().UTC()
		s.ErrorNote = ""
		return nil
	})
	return err
}
