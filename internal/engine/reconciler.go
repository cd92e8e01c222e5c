package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/steveyegge/capsync/internal/apierr"
	"github.com/steveyegge/capsync/internal/mapper"
	"github.com/steveyegge/capsync/internal/metrics"
	"github.com/steveyegge/capsync/internal/notion"
	"github.com/steveyegge/capsync/internal/types"
)

// maxQueueBacklog pauses reconciler enqueues while the queue holds this many
// undelivered messages, so a pass never floods the workers.
const maxQueueBacklog = 512

// Summary is the result record of one reconciliation pass.
type Summary struct {
	ActiveFound int     `json:"active_found"`
	Upserted    int     `json:"upserted"`
	Archived    int     `json:"archived"`
	Errors      int     `json:"errors"`
	DurationS   float64 `json:"duration_s"`
}

// RunReconciler runs reconciliation passes on the configured interval until
// ctx is canceled.
func (e *Engine) RunReconciler(ctx context.Context) error {
	interval := e.Config().ReconcileInterval
	if interval <= 0 {
		log.Printf("[reconcile] disabled (reconcile_interval <= 0)")
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Reconcile(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[reconcile] pass failed: %v", err)
			}
		}
	}
}

// Reconcile runs one full pass. It never writes task mirrors directly — it
// only enqueues messages, so the worker invariants apply uniformly. Project
// pages are the exception: their status field and the two narrow reverse
// flows are reconciled inline here.
func (e *Engine) Reconcile(ctx context.Context) (*Summary, error) {
	cfg := e.Config()
	start := time.Now()
	summary := &Summary{}

	// Pass 1: every tagged item (active and completed) gets an UPSERT with
	// the snapshot inline.
	seen := make(map[string]bool)
	err := e.source.ListTagged(ctx, cfg.EligibilityTag, func(item *types.SourceItem) error {
		seen[item.ID] = true
		summary.ActiveFound++
		if err := e.waitForRoom(ctx); err != nil {
			return err
		}
		msg := &types.SyncMessage{
			Action:       types.ActionUpsert,
			SourceItemID: item.ID,
			Snapshot:     item,
			Source:       types.SourceReconciler,
		}
		if err := e.Enqueue(ctx, msg); err != nil {
			summary.Errors++
			log.Printf("[reconcile] enqueue upsert %s: %v", item.ID, err)
			return nil
		}
		summary.Upserted++
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("list tagged: %w", err)
	}

	// Pass 2: known-ok rows the listing no longer covers are gone at the
	// source; archive their mirrors.
	states, err := e.tasks.List(ctx)
	if err != nil {
		return summary, fmt.Errorf("list task states: %w", err)
	}
	for _, state := range states {
		if state.Status != types.StatusOK || seen[state.ExternalID] {
			continue
		}
		if err := e.waitForRoom(ctx); err != nil {
			return summary, err
		}
		msg := &types.SyncMessage{
			Action:       types.ActionArchive,
			SourceItemID: state.ExternalID,
			Source:       types.SourceReconciler,
		}
		if err := e.Enqueue(ctx, msg); err != nil {
			summary.Errors++
			log.Printf("[reconcile] enqueue archive %s: %v", state.ExternalID, err)
			continue
		}
		summary.Archived++
	}

	// Pass 3: project status and the narrow reverse edges.
	if err := e.reconcileProjects(ctx, summary); err != nil {
		return summary, err
	}

	summary.DurationS = time.Since(start).Seconds()
	metrics.Add(ctx, e.metrics.Reconciles, 1)
	log.Printf("[reconcile] pass done: active=%d upserted=%d archived=%d errors=%d in %.1fs",
		summary.ActiveFound, summary.Upserted, summary.Archived, summary.Errors, summary.DurationS)
	return summary, nil
}

// waitForRoom blocks while the queue backlog is saturated.
func (e *Engine) waitForRoom(ctx context.Context) error {
	for e.queue.Depth() >= maxQueueBacklog {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil
}

// reconcileProjects aligns each known project page with its source project:
// the status field forward, and name/archive backwards when the destination
// edit is newer than the engine's last write.
func (e *Engine) reconcileProjects(ctx context.Context, summary *Summary) error {
	states, err := e.projects.List(ctx)
	if err != nil {
		return fmt.Errorf("list project states: %w", err)
	}

	for _, state := range states {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.reconcileProject(ctx, state); err != nil {
			summary.Errors++
			log.Printf("[reconcile] project %s: %v", state.SourceProjectID, err)
		}
	}
	return nil
}

func (e *Engine) reconcileProject(ctx context.Context, state *types.ProjectSyncState) error {
	source, err := e.source.FetchProject(ctx, state.SourceProjectID)
	if apierr.IsNotFound(err) {
		// Source project deleted; mark the mirror archived and move on.
		return e.writeProjectStatus(ctx, state, true)
	}
	if err != nil {
		return err
	}

	page, err := e.dest.GetPage(ctx, state.DestPageID)
	if err != nil {
		return err
	}

	// Reverse edges first: a destination edit newer than our last write wins
	// over the forward status alignment for this pass.
	reversedArchive := false
	for _, op := range mapper.ExtractProjectReverse(page, source, state.LastWriteAt) {
		if op.EchoHash == state.EchoHash {
			continue // our own write reflected back
		}
		switch {
		case op.Rename != "":
			if err := e.source.RenameProject(ctx, source.ID, op.Rename); err != nil {
				return fmt.Errorf("reverse rename: %w", err)
			}
			log.Printf("[reconcile] project %s renamed at source to %q", source.ID, op.Rename)
			if _, err := e.projects.Update(ctx, source.ID, func(s *types.ProjectSyncState) error {
				s.NameLastWritten = op.Rename
				s.EchoHash = op.EchoHash
				return nil
			}); err != nil {
				return err
			}
		case op.SetArchived != nil:
			if err := e.source.SetProjectArchived(ctx, source.ID, *op.SetArchived); err != nil {
				return fmt.Errorf("reverse archive: %w", err)
			}
			log.Printf("[reconcile] project %s archive=%v propagated to source", source.ID, *op.SetArchived)
			reversedArchive = true
			if _, err := e.projects.Update(ctx, source.ID, func(s *types.ProjectSyncState) error {
				s.EchoHash = op.EchoHash
				return nil
			}); err != nil {
				return err
			}
		}
	}

	// Forward: align the destination status with the source archive flag.
	if !reversedArchive {
		desired := "Active"
		if source.Archived {
			desired = "Archived"
		}
		if page.Status != desired {
			return e.writeProjectStatus(ctx, state, source.Archived)
		}
	}
	return nil
}

// writeProjectStatus sets the destination Status select and stamps the echo
// hash so the resulting destination edit is recognized as ours.
func (e *Engine) writeProjectStatus(ctx context.Context, state *types.ProjectSyncState, archived bool) error {
	status := "Active"
	if archived {
		status = "Archived"
	}
	if _, err := e.dest.UpdatePage(ctx, state.DestPageID, notion.Properties{
		notion.PropStatus: notion.Select(status),
	}); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	_, err := e.projects.Update(ctx, state.SourceProjectID, func(s *types.ProjectSyncState) error {
		s.EchoHash = mapper.ReverseArchiveHash(s.SourceProjectID, archived)
		s.LastWriteAt = time.Now().UTC()
		return nil
	})
	return err
}
