package state

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/cadence/internal/repository"
	"github.com/hyperengineering/cadence/internal/types"
)

// RoutineSnapshot is the owner's routines with their habit links and
// completions keyed by routine id.
type RoutineSnapshot struct {
	Routines    []types.Routine
	Links       map[string][]types.HabitRoutine
	Completions map[string][]types.RoutineCompletion
}

// RoutineStore holds routines, habit links and routine completions.
type RoutineStore struct {
	*core[RoutineSnapshot]
	repos *repository.Repositories
}

// NewRoutineStore returns an empty store; call Load.
func NewRoutineStore(repos *repository.Repositories, syncer Syncer, logger *slog.Logger) *RoutineStore {
	s := &RoutineStore{repos: repos}
	tables := []string{types.TableRoutines, types.TableHabitRoutines, types.TableRoutineCompletions}
	s.core = newCore(syncer, logger, "routines", tables, s.read)
	return s
}

func (s *RoutineStore) read(ctx context.Context, owner string) (RoutineSnapshot, error) {
	routines, err := s.repos.Routines.List(ctx, owner)
	if err != nil {
		return RoutineSnapshot{}, err
	}
	links, err := s.repos.HabitRoutines.List(ctx, owner)
	if err != nil {
		return RoutineSnapshot{}, err
	}
	completions, err := s.repos.RoutineCompletions.List(ctx, owner)
	if err != nil {
		return RoutineSnapshot{}, err
	}
	snap := RoutineSnapshot{
		Routines:    routines,
		Links:       make(map[string][]types.HabitRoutine),
		Completions: make(map[string][]types.RoutineCompletion),
	}
	for _, l := range links {
		snap.Links[l.RoutineID] = append(snap.Links[l.RoutineID], l)
	}
	for _, c := range completions {
		snap.Completions[c.RoutineID] = append(snap.Completions[c.RoutineID], c)
	}
	return snap, nil
}

// Create stores a new routine for the loaded owner.
func (s *RoutineStore) Create(ctx context.Context, r types.Routine) (types.Routine, error) {
	r.OwnerID = s.Owner()
	r, err := s.repos.Routines.Create(ctx, r)
	if err != nil {
		return r, err
	}
	return r, s.committed(ctx, types.TableRoutines, r.ID)
}

// Update edits a routine.
func (s *RoutineStore) Update(ctx context.Context, id string, mutate func(*types.Routine)) (types.Routine, error) {
	r, err := s.repos.Routines.Update(ctx, id, mutate)
	if err != nil {
		return r, err
	}
	return r, s.committed(ctx, types.TableRoutines, r.ID)
}

// Delete removes a routine with its links and completions.
func (s *RoutineStore) Delete(ctx context.Context, id string) error {
	refs, err := s.repos.Routines.Delete(ctx, id)
	if err != nil {
		return err
	}
	return s.deleted(ctx, refs)
}

// Attach links a habit into a routine.
func (s *RoutineStore) Attach(ctx context.Context, habitID, routineID string) (types.HabitRoutine, error) {
	link, created, err := s.repos.HabitRoutines.Attach(ctx, habitID, routineID)
	if err != nil || !created {
		return link, err
	}
	return link, s.committed(ctx, types.TableHabitRoutines, link.ID)
}

// Detach unlinks a habit from a routine.
func (s *RoutineStore) Detach(ctx context.Context, habitID, routineID string) error {
	refs, err := s.repos.HabitRoutines.Detach(ctx, habitID, routineID)
	if err != nil {
		return err
	}
	return s.deleted(ctx, refs)
}

// ToggleCompletion completes a routine on date, or clears the completion.
// It reports whether the routine is now complete.
func (s *RoutineStore) ToggleCompletion(ctx context.Context, routineID, date string) (bool, error) {
	created, refs, err := s.repos.RoutineCompletions.Toggle(ctx, routineID, date)
	if err != nil {
		return false, err
	}
	if created != nil {
		return true, s.committed(ctx, types.TableRoutineCompletions, created.ID)
	}
	return false, s.deleted(ctx, refs)
}
