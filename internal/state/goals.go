package state

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/cadence/internal/repository"
	"github.com/hyperengineering/cadence/internal/types"
)

// GoalSnapshot is the owner's goals with their milestones keyed by goal id.
type GoalSnapshot struct {
	Goals      []types.Goal
	Milestones map[string][]types.Milestone
}

// Focused returns the non-archived focus goals.
func (s GoalSnapshot) Focused() []types.Goal {
	var out []types.Goal
	for _, g := range s.Goals {
		if g.IsFocus && !g.Archived {
			out = append(out, g)
		}
	}
	return out
}

// GoalStore holds goals and milestones.
type GoalStore struct {
	*core[GoalSnapshot]
	repos *repository.Repositories
}

// NewGoalStore returns an empty store; call Load.
func NewGoalStore(repos *repository.Repositories, syncer Syncer, logger *slog.Logger) *GoalStore {
	s := &GoalStore{repos: repos}
	s.core = newCore(syncer, logger, "goals", []string{types.TableGoals, types.TableMilestones}, s.read)
	return s
}

func (s *GoalStore) read(ctx context.Context, owner string) (GoalSnapshot, error) {
	goals, err := s.repos.Goals.List(ctx, owner)
	if err != nil {
		return GoalSnapshot{}, err
	}
	milestones, err := s.repos.Milestones.List(ctx, owner)
	if err != nil {
		return GoalSnapshot{}, err
	}
	snap := GoalSnapshot{Goals: goals, Milestones: make(map[string][]types.Milestone)}
	for _, m := range milestones {
		snap.Milestones[m.GoalID] = append(snap.Milestones[m.GoalID], m)
	}
	return snap, nil
}

// Create stores a new goal for the loaded owner. A third focus goal is
// rejected with repository.ErrFocusLimit.
func (s *GoalStore) Create(ctx context.Context, g types.Goal) (types.Goal, error) {
	g.OwnerID = s.Owner()
	g, err := s.repos.Goals.Create(ctx, g)
	if err != nil {
		return g, err
	}
	return g, s.committed(ctx, types.TableGoals, g.ID)
}

// Update edits a goal.
func (s *GoalStore) Update(ctx context.Context, id string, mutate func(*types.Goal)) (types.Goal, error) {
	g, err := s.repos.Goals.Update(ctx, id, mutate)
	if err != nil {
		return g, err
	}
	return g, s.committed(ctx, types.TableGoals, g.ID)
}

// SetFocus marks or unmarks a focus goal.
func (s *GoalStore) SetFocus(ctx context.Context, id string, focus bool) (types.Goal, error) {
	g, err := s.repos.Goals.SetFocus(ctx, id, focus)
	if err != nil {
		return g, err
	}
	return g, s.committed(ctx, types.TableGoals, g.ID)
}

// Archive soft-deletes a goal.
func (s *GoalStore) Archive(ctx context.Context, id string) (types.Goal, error) {
	g, err := s.repos.Goals.Archive(ctx, id)
	if err != nil {
		return g, err
	}
	return g, s.committed(ctx, types.TableGoals, g.ID)
}

// Delete removes a goal and its milestones.
func (s *GoalStore) Delete(ctx context.Context, id string) error {
	refs, err := s.repos.Goals.Delete(ctx, id)
	if err != nil {
		return err
	}
	return s.deleted(ctx, refs)
}

// AddMilestone appends a milestone to a goal.
func (s *GoalStore) AddMilestone(ctx context.Context, goalID, title string) (types.Milestone, error) {
	m, err := s.repos.Milestones.Add(ctx, goalID, title)
	if err != nil {
		return m, err
	}
	return m, s.committed(ctx, types.TableMilestones, m.ID)
}

// ToggleMilestone flips a milestone's completion.
func (s *GoalStore) ToggleMilestone(ctx context.Context, id string) (types.Milestone, error) {
	m, err := s.repos.Milestones.Toggle(ctx, id)
	if err != nil {
		return m, err
	}
	return m, s.committed(ctx, types.TableMilestones, m.ID)
}

// DeleteMilestone removes one milestone.
func (s *GoalStore) DeleteMilestone(ctx context.Context, id string) error {
	refs, err := s.repos.Milestones.Delete(ctx, id)
	if err != nil {
		return err
	}
	return s.deleted(ctx, refs)
}
