package state

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/cadence/internal/repository"
	"github.com/hyperengineering/cadence/internal/types"
)

// TaskSnapshot is the owner's tasks.
type TaskSnapshot struct {
	Tasks []types.Task
}

// Children returns the direct subtasks of parentID; "" selects top-level tasks.
func (s TaskSnapshot) Children(parentID string) []types.Task {
	var out []types.Task
	for _, t := range s.Tasks {
		p := ""
		if t.ParentTaskID != nil {
			p = *t.ParentTaskID
		}
		if p == parentID {
			out = append(out, t)
		}
	}
	return out
}

// TaskStore holds tasks.
type TaskStore struct {
	*core[TaskSnapshot]
	repos *repository.Repositories
}

// NewTaskStore returns an empty store; call Load.
func NewTaskStore(repos *repository.Repositories, syncer Syncer, logger *slog.Logger) *TaskStore {
	s := &TaskStore{repos: repos}
	s.core = newCore(syncer, logger, "tasks", []string{types.TableTasks}, s.read)
	return s
}

func (s *TaskStore) read(ctx context.Context, owner string) (TaskSnapshot, error) {
	tasks, err := s.repos.Tasks.List(ctx, owner)
	if err != nil {
		return TaskSnapshot{}, err
	}
	return TaskSnapshot{Tasks: tasks}, nil
}

// Create stores a new task for the loaded owner.
func (s *TaskStore) Create(ctx context.Context, t types.Task) (types.Task, error) {
	t.OwnerID = s.Owner()
	t, err := s.repos.Tasks.Create(ctx, t)
	if err != nil {
		return t, err
	}
	return t, s.committed(ctx, types.TableTasks, t.ID)
}

// Update edits a task's content.
func (s *TaskStore) Update(ctx context.Context, id string, mutate func(*types.Task)) (types.Task, error) {
	t, err := s.repos.Tasks.Update(ctx, id, mutate)
	if err != nil {
		return t, err
	}
	return t, s.committed(ctx, types.TableTasks, t.ID)
}

// SetStatus moves a task to another column.
func (s *TaskStore) SetStatus(ctx context.Context, id string, status types.TaskStatus) (types.Task, error) {
	t, err := s.repos.Tasks.SetStatus(ctx, id, status)
	if err != nil {
		return t, err
	}
	return t, s.committed(ctx, types.TableTasks, t.ID)
}

// Move re-homes a task and its subtree.
func (s *TaskStore) Move(ctx context.Context, id string, parentID *string) error {
	changed, err := s.repos.Tasks.Move(ctx, id, parentID)
	if err != nil {
		return err
	}
	ids := make([]string, len(changed))
	for i, t := range changed {
		ids[i] = t.ID
	}
	return s.committed(ctx, types.TableTasks, ids...)
}

// Delete removes a task and every subtask.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	refs, err := s.repos.Tasks.Delete(ctx, id)
	if err != nil {
		return err
	}
	return s.deleted(ctx, refs)
}
