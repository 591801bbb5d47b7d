package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hyperengineering/cadence/internal/store"
	"github.com/hyperengineering/cadence/internal/types"
	"github.com/hyperengineering/cadence/internal/validation"
)

// TaskRepo persists tasks and their subtask hierarchy.
type TaskRepo struct {
	crud[types.Task, *types.Task]
}

func validateTask(t *types.Task) error {
	var c validation.Collector
	c.Add(validation.ValidateRequired("title", t.Title))
	validation.ValidateText(&c, "title", t.Title, maxNameLength)
	validation.ValidateText(&c, "description", t.Description, 10000)
	c.Add(validation.ValidateEnum("status", string(t.Status), types.TaskStatuses))
	c.Add(validation.ValidateEnum("priority", string(t.Priority), types.TaskPriorities))
	c.Add(validation.ValidateOptionalDate("due_date", t.DueDate))
	c.Add(validation.ValidateMin("depth", t.Depth, 0))
	if t.Depth > 0 && t.ParentTaskID == nil {
		c.Add(&validation.ValidationError{Field: "depth", Message: "must be 0 without a parent task"})
	}
	for _, tag := range t.Tags {
		validation.ValidateText(&c, "tags", tag, 50)
	}
	return c.Err()
}

// normalizeTags makes tags a set: trimmed, non-empty, unique and sorted.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Create stores a task. A task with ParentTaskID is placed one level below its
// parent and inherits the parent's owner.
func (r *TaskRepo) Create(ctx context.Context, t types.Task) (types.Task, error) {
	t.Tags = normalizeTags(t.Tags)
	var out types.Task
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		t.Depth = 0
		if t.ParentTaskID != nil {
			parent, err := requireParent(ctx, conn, types.TableTasks, *t.ParentTaskID)
			if err != nil {
				return err
			}
			t.Depth = int(parent.Int("depth")) + 1
			t.OwnerID = parent.OwnerID()
		}
		var err error
		out, err = r.createIn(ctx, conn, t)
		return err
	})
	return out, err
}

// Update applies mutate to a task. Hierarchy fields are managed by Move and
// are restored if mutate changes them.
func (r *TaskRepo) Update(ctx context.Context, id string, mutate func(*types.Task)) (types.Task, error) {
	return r.crud.Update(ctx, id, func(t *types.Task) {
		parent, depth := t.ParentTaskID, t.Depth
		mutate(t)
		t.ParentTaskID, t.Depth = parent, depth
		t.Tags = normalizeTags(t.Tags)
	})
}

// SetStatus moves a task to another board column.
func (r *TaskRepo) SetStatus(ctx context.Context, id string, status types.TaskStatus) (types.Task, error) {
	return r.Update(ctx, id, func(t *types.Task) { t.Status = status })
}

// Children lists the direct subtasks of parentID.
func (r *TaskRepo) Children(ctx context.Context, parentID string) ([]types.Task, error) {
	return r.query(ctx, r.db, store.Query{Where: map[string]any{"parent_task_id": parentID}})
}

// Move re-homes a task under parentID (nil for top level) and re-depths its
// whole subtree. It returns every task whose depth or parent changed.
func (r *TaskRepo) Move(ctx context.Context, id string, parentID *string) ([]types.Task, error) {
	var changed []types.Task
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		depth := 0
		if parentID != nil {
			if *parentID == id {
				return fmt.Errorf("move task %s under itself: %w", id, ErrCycle)
			}
			parent, err := requireParent(ctx, conn, types.TableTasks, *parentID)
			if err != nil {
				return err
			}
			// Walk up from the new parent; meeting id means a cycle.
			for p := parent; !p.IsNull("parent_task_id"); {
				if p.String("parent_task_id") == id {
					return fmt.Errorf("move task %s under its descendant: %w", id, ErrCycle)
				}
				if p, err = conn.Get(ctx, types.TableTasks, p.String("parent_task_id")); err != nil {
					break
				}
			}
			depth = int(parent.Int("depth")) + 1
		}

		moved, err := r.crud.updateIn(ctx, conn, id, func(t *types.Task) {
			t.ParentTaskID = parentID
			t.Depth = depth
		})
		if err != nil {
			return err
		}
		changed = append(changed, moved)
		return r.redepth(ctx, conn, moved, &changed)
	})
	return changed, err
}

func (r *TaskRepo) redepth(ctx context.Context, conn store.Records, parent types.Task, changed *[]types.Task) error {
	children, err := r.query(ctx, conn, store.Query{Where: map[string]any{"parent_task_id": parent.ID}})
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Depth == parent.Depth+1 {
			continue
		}
		updated, err := r.crud.updateIn(ctx, conn, child.ID, func(t *types.Task) { t.Depth = parent.Depth + 1 })
		if err != nil {
			return err
		}
		*changed = append(*changed, updated)
		if err := r.redepth(ctx, conn, updated, changed); err != nil {
			return err
		}
	}
	return nil
}

// Delete hard-deletes a task and all of its subtasks.
func (r *TaskRepo) Delete(ctx context.Context, id string) ([]Ref, error) {
	var refs []Ref
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		return r.deleteTree(ctx, conn, id, &refs)
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (r *TaskRepo) deleteTree(ctx context.Context, conn store.Records, id string, refs *[]Ref) error {
	children, err := conn.Query(ctx, types.TableTasks, store.Query{Where: map[string]any{"parent_task_id": id}})
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := r.deleteTree(ctx, conn, child.ID(), refs); err != nil {
			return err
		}
	}
	if err := conn.Delete(ctx, types.TableTasks, id); err != nil {
		return err
	}
	*refs = append(*refs, Ref{Table: types.TableTasks, ID: id})
	return nil
}
