// Package engine is the event-driven core of the mirror: it consumes
// SyncMessages from the queue, drives the fetch → map → resolve → write
// pipeline, persists sync state, and hosts the periodic reconciler.
package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/capsync/internal/apierr"
	"github.com/steveyegge/capsync/internal/config"
	"github.com/steveyegge/capsync/internal/metrics"
	"github.com/steveyegge/capsync/internal/notion"
	"github.com/steveyegge/capsync/internal/queue"
	"github.com/steveyegge/capsync/internal/resolver"
	"github.com/steveyegge/capsync/internal/statestore"
	"github.com/steveyegge/capsync/internal/types"
)

// Source is the source-service surface the engine consumes.
type Source interface {
	FetchItem(ctx context.Context, id string) (*types.SourceItem, *types.SourceProject, []types.Comment, error)
	FetchProject(ctx context.Context, id string) (*types.SourceProject, error)
	ListComments(ctx context.Context, taskID string) ([]types.Comment, error)
	ListTagged(ctx context.Context, tag string, fn func(*types.SourceItem) error) error
	AddTag(ctx context.Context, id, tag string) ([]string, error)
	RemoveTag(ctx context.Context, id, tag string) ([]string, error)
	SetDescription(ctx context.Context, id, text string) error
	GetDescription(ctx context.Context, id string) (string, error)
	AddProjectComment(ctx context.Context, projectID, text string) error
	RenameProject(ctx context.Context, id, name string) error
	SetProjectArchived(ctx context.Context, id string, archived bool) error
}

// Destination is the destination-service surface the engine consumes.
type Destination interface {
	FindByExternalID(ctx context.Context, kind notion.PageKind, sourceID string) ([]*notion.Page, error)
	CreatePage(ctx context.Context, kind notion.PageKind, props notion.Properties, body []notion.Block) (*notion.Page, error)
	UpdatePage(ctx context.Context, pageID string, props notion.Properties) (*notion.Page, error)
	ArchivePage(ctx context.Context, pageID string) error
	UnarchivePage(ctx context.Context, pageID string) error
	GetPage(ctx context.Context, pageID string) (*notion.Page, error)
	AppendBlocks(ctx context.Context, pageID string, blocks []notion.Block) error
	ReplaceBlocks(ctx context.Context, pageID string, blocks []notion.Block) error
}

// lockShards sizes the per-item lock pool. Messages for the same item id
// always hash to the same shard, which serializes them across workers.
const lockShards = 64

// Engine wires the components together and processes messages.
type Engine struct {
	cfg      atomic.Pointer[config.Config]
	source   Source
	dest     Destination
	store    statestore.Store
	tasks    *statestore.TaskStates
	projects *statestore.ProjectStates
	resolver *resolver.Resolver
	queue    queue.Queue
	metrics  *metrics.Metrics

	locks [lockShards]sync.Mutex

	healthy atomic.Bool
}

// New assembles an Engine. All collaborators are injected; tests substitute
// in-memory fakes behind the same interfaces.
func New(cfg *config.Config, src Source, dest Destination, store statestore.Store, res *resolver.Resolver, q queue.Queue, m *metrics.Metrics) *Engine {
	e := &Engine{
		source:   src,
		dest:     dest,
		store:    store,
		tasks:    statestore.NewTaskStates(store),
		projects: statestore.NewProjectStates(store),
		resolver: res,
		queue:    q,
		metrics:  m,
	}
	e.cfg.Store(cfg)
	e.healthy.Store(true)
	return e
}

// Config returns the current configuration snapshot.
func (e *Engine) Config() *config.Config { return e.cfg.Load() }

// UpdateConfig swaps in a fresh configuration (hot reload of tunables).
func (e *Engine) UpdateConfig(cfg *config.Config) { e.cfg.Store(cfg) }

// Healthy reports false once the engine has seen an auth failure. Auth errors
// degrade health until an operator rotates credentials and restarts.
func (e *Engine) Healthy() bool { return e.healthy.Load() }

// Enqueue stamps and publishes a message.
func (e *Engine) Enqueue(ctx context.Context, msg *types.SyncMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	return e.queue.Publish(ctx, msg)
}

// Run consumes the queue with the configured worker pool until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) error {
	return e.queue.Consume(ctx, e.Config().WorkerConcurrency, e.Handle)
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &e.locks[h.Sum32()%lockShards]
}

// Handle processes one message and reports the queue outcome. Worker-local
// recovery: errors are classified here and never crash the process.
func (e *Engine) Handle(ctx context.Context, msg *types.SyncMessage) queue.Outcome {
	cfg := e.Config()
	ctx, cancel := context.WithTimeout(ctx, cfg.HandlerTimeout)
	defer cancel()

	lock := e.lockFor(msg.SourceItemID)
	lock.Lock()
	defer lock.Unlock()

	var err error
	switch msg.Action {
	case types.ActionArchive:
		err = e.archive(ctx, msg)
	case types.ActionUpsert:
		err = e.upsert(ctx, msg)
	default:
		log.Printf("[engine] drop message %s: unknown action %q", msg.ID, msg.Action)
		return queue.Ack
	}
	return e.classify(ctx, msg, err)
}

// classify maps a handler error to a queue outcome, recording per-item state
// where the error is final. Cancellation leaves state untouched so the
// redelivered message starts clean.
func (e *Engine) classify(ctx context.Context, msg *types.SyncMessage, err error) queue.Outcome {
	if err == nil {
		return queue.Ack
	}
	cfg := e.Config()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Printf("[engine] %s %s canceled, will redeliver: %v", msg.Action, msg.SourceItemID, err)
		return queue.Retry
	}

	switch {
	case apierr.IsAuth(err):
		e.healthy.Store(false)
		log.Printf("[engine] AUTH failure on %s %s: %v", msg.Action, msg.SourceItemID, err)
		e.recordError(msg, err)
		return queue.Ack
	case apierr.IsRetryable(err):
		if msg.Attempt+1 < cfg.RetryMax {
			log.Printf("[engine] %s %s attempt %d failed, retrying: %v", msg.Action, msg.SourceItemID, msg.Attempt, err)
			return queue.Retry
		}
		log.Printf("[engine] %s %s gave up after %d attempts: %v", msg.Action, msg.SourceItemID, msg.Attempt+1, err)
		e.recordError(msg, err)
		return queue.Ack
	default: // permanent
		log.Printf("[engine] %s %s permanent failure: %v", msg.Action, msg.SourceItemID, err)
		e.recordError(msg, err)
		return queue.Ack
	}
}

// recordError persists the failure on the item's state row. The write uses a
// fresh context: the handler's own deadline may already be gone.
func (e *Engine) recordError(msg *types.SyncMessage, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metrics.Add(ctx, e.metrics.Errors, 1)
	if err := e.tasks.RecordError(ctx, msg.SourceItemID, msg.Source, cause.Error()); err != nil {
		log.Printf("[engine] record error for %s failed: %v", msg.SourceItemID, err)
	}
}

// taskState loads the item's state row, mapping not-found to nil.
func (e *Engine) taskState(ctx context.Context, id string) (*types.TaskSyncState, error) {
	state, err := e.tasks.Get(ctx, id)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, nil
	}
	return state, err
}
