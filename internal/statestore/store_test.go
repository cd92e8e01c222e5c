package statestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/capsync/internal/types"
)

// backends returns one store of each backend for shared contract tests.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"), "todoist-notion-v1")
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestStoreGetUpsertList(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get(ctx, KindTask, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
			}

			_, err := store.Upsert(ctx, KindTask, "a", func(cur []byte) ([]byte, error) {
				if cur != nil {
					t.Errorf("first upsert saw existing record %q", cur)
				}
				return []byte(`{"v":1}`), nil
			})
			if err != nil {
				t.Fatalf("Upsert() error: %v", err)
			}

			got, err := store.Get(ctx, KindTask, "a")
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}
			if string(got) != `{"v":1}` {
				t.Errorf("Get() = %q, want {\"v\":1}", got)
			}

			// Kinds do not interfere.
			if _, err := store.Get(ctx, KindProject, "a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(projects, a) error = %v, want ErrNotFound", err)
			}

			_, _ = store.Upsert(ctx, KindTask, "b", func([]byte) ([]byte, error) {
				return []byte(`{"v":2}`), nil
			})
			all, err := store.List(ctx, KindTask)
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if len(all) != 2 {
				t.Errorf("List() returned %d rows, want 2", len(all))
			}
		})
	}
}

func TestFailedMutatorLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, _ = store.Upsert(ctx, KindTask, "a", func([]byte) ([]byte, error) {
				return []byte(`{"v":1}`), nil
			})

			_, err := store.Upsert(ctx, KindTask, "a", func([]byte) ([]byte, error) {
				return nil, fmt.Errorf("mutator exploded")
			})
			if err == nil {
				t.Fatal("Upsert() with failing mutator returned nil error")
			}

			got, err := store.Get(ctx, KindTask, "a")
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}
			if string(got) != `{"v":1}` {
				t.Errorf("record changed after failed mutator: %q", got)
			}
		})
	}
}

func TestUpsertReadYourWrite(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				_, err := store.Upsert(ctx, KindTask, "ctr", func(cur []byte) ([]byte, error) {
					n := 0
					if cur != nil {
						_, _ = fmt.Sscanf(string(cur), "%d", &n)
					}
					return []byte(fmt.Sprintf("%d", n+1)), nil
				})
				if err != nil {
					t.Fatalf("Upsert() error: %v", err)
				}
			}
			got, _ := store.Get(ctx, KindTask, "ctr")
			if string(got) != "3" {
				t.Errorf("counter = %q, want 3", got)
			}
		})
	}
}

func TestConcurrentUpsertsSerialize(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Upsert(ctx, KindTask, "ctr", func(cur []byte) ([]byte, error) {
				v := 0
				if cur != nil {
					_, _ = fmt.Sscanf(string(cur), "%d", &v)
				}
				return []byte(fmt.Sprintf("%d", v+1)), nil
			})
		}()
	}
	wg.Wait()

	got, _ := store.Get(ctx, KindTask, "ctr")
	if string(got) != fmt.Sprintf("%d", n) {
		t.Errorf("counter = %q, want %d", got, n)
	}
}

func TestTaskStatesTyped(t *testing.T) {
	ctx := context.Background()
	tasks := NewTaskStates(NewMemory())

	state, err := tasks.Update(ctx, "A1", func(s *types.TaskSyncState) error {
		s.DestPageID = "page-1"
		s.PayloadHash = "h1"
		s.Status = types.StatusOK
		s.Source = types.SourceWebhook
		s.LastSyncedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if state.ExternalID != "A1" {
		t.Errorf("ExternalID = %q, want A1", state.ExternalID)
	}

	loaded, err := tasks.Get(ctx, "A1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if loaded.DestPageID != "page-1" || loaded.PayloadHash != "h1" || loaded.Status != types.StatusOK {
		t.Errorf("round-trip mismatch: %+v", loaded)
	}

	if err := tasks.RecordError(ctx, "A1", types.SourceReconciler, "boom"); err != nil {
		t.Fatalf("RecordError() error: %v", err)
	}
	loaded, _ = tasks.Get(ctx, "A1")
	if loaded.Status != types.StatusError || loaded.ErrorNote != "boom" {
		t.Errorf("error not recorded: %+v", loaded)
	}
	// The binding survives an error.
	if loaded.DestPageID != "page-1" {
		t.Errorf("DestPageID lost on error: %q", loaded.DestPageID)
	}
}

func TestProjectStatesTyped(t *testing.T) {
	ctx := context.Background()
	projects := NewProjectStates(NewMemory())

	frozen := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := projects.Update(ctx, "P9", func(s *types.ProjectSyncState) error {
		s.DestPageID = "proj-page"
		s.AreasFrozenAt = frozen
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	loaded, err := projects.Get(ctx, "P9")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !loaded.AreasFrozenAt.Equal(frozen) {
		t.Errorf("AreasFrozenAt = %v, want %v", loaded.AreasFrozenAt, frozen)
	}

	all, err := projects.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 1 || all[0].SourceProjectID != "P9" {
		t.Errorf("List() = %+v, want one P9 row", all)
	}
}
