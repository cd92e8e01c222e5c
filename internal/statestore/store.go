// Package statestore is the durable key-value store binding source entities
// to destination entities. Keys are namespaced by entity kind so the task and
// project collections cannot interfere, and every mutation runs as an atomic
// per-key read-modify-write.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/capsync/internal/types"
)

// Kind namespaces a logical collection within the store.
type Kind string

const (
	KindTask     Kind = "tasks"
	KindProject  Kind = "projects"
	KindResolver Kind = "resolver"
)

// ErrNotFound is returned by Get when no row exists for the key.
var ErrNotFound = errors.New("statestore: not found")

// Store is the raw record store. Values are opaque JSON documents; typed
// access goes through TaskStates and ProjectStates.
type Store interface {
	// Get returns the record for (kind, id), or ErrNotFound.
	Get(ctx context.Context, kind Kind, id string) ([]byte, error)

	// Upsert applies mutate to the current record (nil if absent) inside a
	// transaction and persists the result. A failed mutate leaves the
	// previous record unchanged. Returns the stored record.
	Upsert(ctx context.Context, kind Kind, id string, mutate func(cur []byte) ([]byte, error)) ([]byte, error)

	// List returns all records of a kind, keyed by id.
	List(ctx context.Context, kind Kind) (map[string][]byte, error)

	Close() error
}

// TaskStates is the typed view over KindTask rows.
type TaskStates struct {
	store Store
}

// NewTaskStates wraps a Store.
func NewTaskStates(s Store) *TaskStates { return &TaskStates{store: s} }

// Get loads the sync state for a source item id, or ErrNotFound.
func (t *TaskStates) Get(ctx context.Context, id string) (*types.TaskSyncState, error) {
	raw, err := t.store.Get(ctx, KindTask, id)
	if err != nil {
		return nil, err
	}
	state := &types.TaskSyncState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decode task state %s: %w", id, err)
	}
	return state, nil
}

// Update applies mutate to the row for id, creating it first if absent.
func (t *TaskStates) Update(ctx context.Context, id string, mutate func(*types.TaskSyncState) error) (*types.TaskSyncState, error) {
	var out *types.TaskSyncState
	_, err := t.store.Upsert(ctx, KindTask, id, func(cur []byte) ([]byte, error) {
		state := &types.TaskSyncState{ExternalID: id}
		if cur != nil {
			if err := json.Unmarshal(cur, state); err != nil {
				return nil, fmt.Errorf("decode task state %s: %w", id, err)
			}
		}
		if err := mutate(state); err != nil {
			return nil, err
		}
		out = state
		return json.Marshal(state)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns every task sync state row.
func (t *TaskStates) List(ctx context.Context) ([]*types.TaskSyncState, error) {
	raws, err := t.store.List(ctx, KindTask)
	if err != nil {
		return nil, err
	}
	states := make([]*types.TaskSyncState, 0, len(raws))
	for id, raw := range raws {
		state := &types.TaskSyncState{}
		if err := json.Unmarshal(raw, state); err != nil {
			return nil, fmt.Errorf("decode task state %s: %w", id, err)
		}
		states = append(states, state)
	}
	return states, nil
}

// RecordError stamps a failed sync on the row without touching the rest.
func (t *TaskStates) RecordError(ctx context.Context, id string, source types.SyncSource, note string) error {
	_, err := t.Update(ctx, id, func(s *types.TaskSyncState) error {
		s.Status = types.StatusError
		s.Source = source
		s.ErrorNote = note
		s.LastSyncedAt = time.Now().UTC()
		return nil
	})
	return err
}

// ProjectStates is the typed view over KindProject rows.
type ProjectStates struct {
	store Store
}

// NewProjectStates wraps a Store.
func NewProjectStates(s Store) *ProjectStates { return &ProjectStates{store: s} }

// Get loads the state for a source project id, or ErrNotFound.
func (p *ProjectStates) Get(ctx context.Context, id string) (*types.ProjectSyncState, error) {
	raw, err := p.store.Get(ctx, KindProject, id)
	if err != nil {
		return nil, err
	}
	state := &types.ProjectSyncState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decode project state %s: %w", id, err)
	}
	return state, nil
}

// Update applies mutate to the row for id, creating it first if absent.
func (p *ProjectStates) Update(ctx context.Context, id string, mutate func(*types.ProjectSyncState) error) (*types.ProjectSyncState, error) {
	var out *types.ProjectSyncState
	_, err := p.store.Upsert(ctx, KindProject, id, func(cur []byte) ([]byte, error) {
		state := &types.ProjectSyncState{SourceProjectID: id}
		if cur != nil {
			if err := json.Unmarshal(cur, state); err != nil {
				return nil, fmt.Errorf("decode project state %s: %w", id, err)
			}
		}
		if err := mutate(state); err != nil {
			return nil, err
		}
		out = state
		return json.Marshal(state)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns every project sync state row.
func (p *ProjectStates) List(ctx context.Context) ([]*types.ProjectSyncState, error) {
	raws, err := p.store.List(ctx, KindProject)
	if err != nil {
		return nil, err
	}
	states := make([]*types.ProjectSyncState, 0, len(raws))
	for id, raw := range raws {
		state := &types.ProjectSyncState{}
		if err := json.Unmarshal(raw, state); err != nil {
			return nil, fmt.Errorf("decode project state %s: %w", id, err)
		}
		states = append(states, state)
	}
	return states, nil
}
