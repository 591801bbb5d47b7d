package state

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/cadence/internal/repository"
	"github.com/hyperengineering/cadence/internal/types"
)

// HabitSnapshot is the owner's habits with their completions keyed by habit id.
type HabitSnapshot struct {
	Habits      []types.Habit
	Completions map[string][]types.Completion
}

// HabitStore holds habits and completions.
type HabitStore struct {
	*core[HabitSnapshot]
	repos *repository.Repositories
}

// NewHabitStore returns an empty store; call Load.
func NewHabitStore(repos *repository.Repositories, syncer Syncer, logger *slog.Logger) *HabitStore {
	s := &HabitStore{repos: repos}
	s.core = newCore(syncer, logger, "habits", []string{types.TableHabits, types.TableCompletions}, s.read)
	return s
}

func (s *HabitStore) read(ctx context.Context, owner string) (HabitSnapshot, error) {
	habits, err := s.repos.Habits.List(ctx, owner)
	if err != nil {
		return HabitSnapshot{}, err
	}
	completions, err := s.repos.Completions.List(ctx, owner)
	if err != nil {
		return HabitSnapshot{}, err
	}
	snap := HabitSnapshot{Habits: habits, Completions: make(map[string][]types.Completion)}
	for _, c := range completions {
		snap.Completions[c.HabitID] = append(snap.Completions[c.HabitID], c)
	}
	return snap, nil
}

// Create stores a new habit for the loaded owner.
func (s *HabitStore) Create(ctx context.Context, h types.Habit) (types.Habit, error) {
	h.OwnerID = s.Owner()
	h, err := s.repos.Habits.Create(ctx, h)
	if err != nil {
		return h, err
	}
	return h, s.committed(ctx, types.TableHabits, h.ID)
}

// Update edits a habit.
func (s *HabitStore) Update(ctx context.Context, id string, mutate func(*types.Habit)) (types.Habit, error) {
	h, err := s.repos.Habits.Update(ctx, id, mutate)
	if err != nil {
		return h, err
	}
	return h, s.committed(ctx, types.TableHabits, h.ID)
}

// Archive soft-deletes a habit.
func (s *HabitStore) Archive(ctx context.Context, id string) (types.Habit, error) {
	h, err := s.repos.Habits.Archive(ctx, id)
	if err != nil {
		return h, err
	}
	return h, s.committed(ctx, types.TableHabits, h.ID)
}

// Delete removes a habit with its completions and routine links.
func (s *HabitStore) Delete(ctx context.Context, id string) error {
	refs, err := s.repos.Habits.Delete(ctx, id)
	if err != nil {
		return err
	}
	return s.deleted(ctx, refs)
}

// ToggleCompletion flips the habit's completion on date.
func (s *HabitStore) ToggleCompletion(ctx context.Context, habitID, date string) (types.Completion, error) {
	c, err := s.repos.Completions.Toggle(ctx, habitID, date)
	if err != nil {
		return c, err
	}
	return c, s.committed(ctx, types.TableCompletions, c.ID)
}
