package engine

import (
	"context"
	"testing"
	"time"

	"github.com/steveyegge/capsync/internal/mapper"
	"github.com/steveyegge/capsync/internal/notion"
	"github.com/steveyegge/capsync/internal/queue"
	"github.com/steveyegge/capsync/internal/statestore"
	"github.com/steveyegge/capsync/internal/types"
)

// drain runs the worker pool until the queue empties.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.engine.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for h.queue.Depth() > 0 {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("queue did not drain")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond) // let in-flight handlers finish
	cancel()
	<-done
}

func TestReconcileEnqueuesTaggedItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedItem("A1", "capsync")
	h.source.put(&types.SourceItem{ID: "A2", Title: "Second", Labels: []string{"capsync"}, ProjectID: "P7"},
		&types.SourceProject{ID: "P7", Name: "Ops"})
	h.source.put(&types.SourceItem{ID: "B1", Title: "Untagged", ProjectID: "P7"},
		&types.SourceProject{ID: "P7", Name: "Ops"})

	summary, err := h.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if summary.ActiveFound != 2 || summary.Upserted != 2 {
		t.Errorf("summary = %+v, want 2 found / 2 upserted", summary)
	}
	if summary.DurationS < 0 {
		t.Errorf("negative duration %f", summary.DurationS)
	}

	h.drain(t)

	if h.dest.pageByExternal(notion.KindTask, "A1") == nil || h.dest.pageByExternal(notion.KindTask, "A2") == nil {
		t.Error("tagged items not mirrored after drain")
	}
	if h.dest.pageByExternal(notion.KindTask, "B1") != nil {
		t.Error("untagged item was mirrored")
	}
}

func TestReconcileArchivesVanishedItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedItem("A1", "capsync")

	if got := h.engine.Handle(ctx, upsertMsg("A1", types.SourceWebhook)); got != queue.Ack {
		t.Fatalf("Handle() = %v, want Ack", got)
	}
	state, _ := h.tasks.Get(ctx, "A1")

	// The item disappears from the source entirely (e.g. deleted while
	// webhooks were lost).
	delete(h.source.items, "A1")

	summary, err := h.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if summary.Archived != 1 {
		t.Errorf("summary.Archived = %d, want 1", summary.Archived)
	}
	h.drain(t)

	page, _ := h.dest.GetPage(ctx, state.DestPageID)
	if !page.Archived {
		t.Error("vanished item's mirror not archived")
	}
}

func TestReconcileRepairsManualArchive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedItem("A1", "capsync")

	if got := h.engine.Handle(ctx, upsertMsg("A1", types.SourceWebhook)); got != queue.Ack {
		t.Fatalf("Handle() = %v, want Ack", got)
	}
	state, _ := h.tasks.Get(ctx, "A1")

	// Operator archives the mirror by hand in the destination.
	if err := h.dest.ArchivePage(ctx, state.DestPageID); err != nil {
		t.Fatalf("ArchivePage() error: %v", err)
	}

	if _, err := h.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	h.drain(t)

	page, _ := h.dest.GetPage(ctx, state.DestPageID)
	if page.Archived {
		t.Error("manually archived mirror was not restored")
	}
	after, _ := h.tasks.Get(ctx, "A1")
	if after.PayloadHash != state.PayloadHash {
		t.Errorf("payload hash drifted: %q → %q", state.PayloadHash, after.PayloadHash)
	}
}

func TestReconcileForwardsProjectStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	item := h.seedItem("A1", "capsync")

	if got := h.engine.Handle(ctx, upsertMsg("A1", types.SourceWebhook)); got != queue.Ack {
		t.Fatalf("Handle() = %v, want Ack", got)
	}

	// Archive the project at the source; the next pass aligns the page.
	h.source.projects[item.ProjectID].Archived = true
	if _, err := h.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}

	proj := h.dest.pageByExternal(notion.KindProject, item.ProjectID)
	if proj.page.Status != "Archived" {
		t.Errorf("project status = %q, want Archived", proj.page.Status)
	}
}

func TestReverseRenameSuppressedByEchoHash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedItem("A1", "capsync")

	if got := h.engine.Handle(ctx, upsertMsg("A1", types.SourceWebhook)); got != queue.Ack {
		t.Fatalf("Handle() = %v, want Ack", got)
	}

	projects := statestore.NewProjectStates(h.store)
	state, err := projects.Get(ctx, "P7")
	if err != nil {
		t.Fatalf("project state: %v", err)
	}

	// Simulate a destination edit that merely reflects the engine's own
	// write: title equals what we wrote, echo hash matches.
	h.dest.mu.Lock()
	fp := h.dest.pages[state.DestPageID]
	fp.page.Title = "Renamed Ops"
	fp.page.LastEditedTime = time.Now().UTC().Add(time.Minute)
	h.dest.mu.Unlock()

	_, err = projects.Update(ctx, "P7", func(s *types.ProjectSyncState) error {
		s.EchoHash = mapper.ReverseNameHash("P7", "Renamed Ops")
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	if _, err := h.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if len(h.source.renames) != 0 {
		t.Errorf("echoed rename reached the source: %v", h.source.renames)
	}
}

func TestReverseRenamePropagatesFreshEdit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedItem("A1", "capsync")

	if got := h.engine.Handle(ctx, upsertMsg("A1", types.SourceWebhook)); got != queue.Ack {
		t.Fatalf("Handle() = %v, want Ack", got)
	}

	projects := statestore.NewProjectStates(h.store)
	state, _ := projects.Get(ctx, "P7")

	// Operator renames the project page in the destination.
	h.dest.mu.Lock()
	fp := h.dest.pages[state.DestPageID]
	fp.page.Title = "Ops Renamed"
	fp.page.LastEditedTime = time.Now().UTC().Add(time.Minute)
	h.dest.mu.Unlock()

	if _, err := h.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if h.source.renames["P7"] != "Ops Renamed" {
		t.Errorf("renames = %v, want P7 → Ops Renamed", h.source.renames)
	}

	// Second pass with nothing new: the stored echo hash suppresses a
	// repeat write.
	if _, err := h.engine.Reconcile(ctx); err != nil {
		t.Fatalf("second Reconcile() error: %v", err)
	}
	if len(h.source.renames) != 1 {
		t.Errorf("rename fired again: %v", h.source.renames)
	}
}

func TestReverseArchivePropagates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedItem("A1", "capsync")

	if got := h.engine.Handle(ctx, upsertMsg("A1", types.SourceWebhook)); got != queue.Ack {
		t.Fatalf("Handle() = %v, want Ack", got)
	}

	projects := statestore.NewProjectStates(h.store)
	state, _ := projects.Get(ctx, "P7")

	// Operator flips the page status to Archived after our last write.
	h.dest.mu.Lock()
	fp := h.dest.pages[state.DestPageID]
	fp.page.Status = "Archived"
	fp.page.LastEditedTime = time.Now().UTC().Add(time.Minute)
	h.dest.mu.Unlock()

	if _, err := h.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if got, ok := h.source.archived["P7"]; !ok || !got {
		t.Errorf("archive flag not propagated to source: %v", h.source.archived)
	}
}
