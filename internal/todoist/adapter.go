package todoist

import (
	"context"
	"sort"

	"github.com/steveyegge/capsync/internal/types"
)

// Adapter is the engine-facing façade. All methods return domain records;
// wire shapes and pagination never leave this package.
type Adapter struct {
	client    *Client
	defaultTZ string
}

// NewAdapter wraps a client. defaultTZ interprets naive due times.
func NewAdapter(client *Client, defaultTZ string) *Adapter {
	return &Adapter{client: client, defaultTZ: defaultTZ}
}

// FetchItem returns the item, its project, and its comments. A NotFound error
// means the item was deleted at the source.
func (a *Adapter) FetchItem(ctx context.Context, id string) (*types.SourceItem, *types.SourceProject, []types.Comment, error) {
	task, err := a.client.getTask(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	project, err := a.client.getProject(ctx, task.ProjectID)
	if err != nil {
		return nil, nil, nil, err
	}
	wireComments, err := a.client.getTaskComments(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}

	comments := make([]types.Comment, 0, len(wireComments))
	for i := range wireComments {
		comments = append(comments, toComment(&wireComments[i]))
	}
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].PostedAt.Before(comments[j].PostedAt)
	})

	return toItem(task, a.defaultTZ), toProject(project), comments, nil
}

// FetchProject returns a project snapshot.
func (a *Adapter) FetchProject(ctx context.Context, id string) (*types.SourceProject, error) {
	project, err := a.client.getProject(ctx, id)
	if err != nil {
		return nil, err
	}
	return toProject(project), nil
}

// ListTagged streams every item carrying the tag, active and completed, to
// fn. Iteration stops on the first fn error.
func (a *Adapter) ListTagged(ctx context.Context, tag string, fn func(*types.SourceItem) error) error {
	emit := func(w *wireTask) error {
		return fn(toItem(w, a.defaultTZ))
	}
	if err := a.client.listTasksByLabel(ctx, tag, false, emit); err != nil {
		return err
	}
	return a.client.listTasksByLabel(ctx, tag, true, emit)
}

// ListComments returns the item's comments in posting order.
func (a *Adapter) ListComments(ctx context.Context, taskID string) ([]types.Comment, error) {
	wireComments, err := a.client.getTaskComments(ctx, taskID)
	if err != nil {
		return nil, err
	}
	comments := make([]types.Comment, 0, len(wireComments))
	for i := range wireComments {
		comments = append(comments, toComment(&wireComments[i]))
	}
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].PostedAt.Before(comments[j].PostedAt)
	})
	return comments, nil
}

// AddTag attaches the tag to the item if absent and returns the resulting
// label set. Idempotent.
func (a *Adapter) AddTag(ctx context.Context, id, tag string) ([]string, error) {
	task, err := a.client.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, l := range task.Labels {
		if l == tag {
			return task.Labels, nil
		}
	}
	labels := append(append([]string(nil), task.Labels...), tag)
	updated, err := a.client.updateTask(ctx, id, map[string]interface{}{"labels": labels})
	if err != nil {
		return nil, err
	}
	return updated.Labels, nil
}

// RemoveTag detaches the tag from the item if present and returns the
// resulting label set. Idempotent.
func (a *Adapter) RemoveTag(ctx context.Context, id, tag string) ([]string, error) {
	task, err := a.client.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(task.Labels))
	found := false
	for _, l := range task.Labels {
		if l == tag {
			found = true
			continue
		}
		labels = append(labels, l)
	}
	if !found {
		return task.Labels, nil
	}
	updated, err := a.client.updateTask(ctx, id, map[string]interface{}{"labels": labels})
	if err != nil {
		return nil, err
	}
	return updated.Labels, nil
}

// SetDescription replaces the item's description.
func (a *Adapter) SetDescription(ctx context.Context, id, text string) error {
	_, err := a.client.updateTask(ctx, id, map[string]interface{}{"description": text})
	return err
}

// GetDescription returns the item's current description.
func (a *Adapter) GetDescription(ctx context.Context, id string) (string, error) {
	task, err := a.client.getTask(ctx, id)
	if err != nil {
		return "", err
	}
	return task.Description, nil
}

// AddProjectComment appends a comment to a project.
func (a *Adapter) AddProjectComment(ctx context.Context, projectID, text string) error {
	return a.client.addComment(ctx, map[string]interface{}{
		"project_id": projectID,
		"content":    text,
	})
}

// RenameProject sets a project's name. Used by the narrow reverse flow.
func (a *Adapter) RenameProject(ctx context.Context, id, name string) error {
	return a.client.updateProject(ctx, id, map[string]interface{}{"name": name})
}

// SetProjectArchived archives or unarchives a project. Used by the narrow
// reverse flow.
func (a *Adapter) SetProjectArchived(ctx context.Context, id string, archived bool) error {
	return a.client.setProjectArchived(ctx, id, archived)
}
