package repository

import (
	"context"

	"github.com/hyperengineering/cadence/internal/store"
	"github.com/hyperengineering/cadence/internal/types"
	"github.com/hyperengineering/cadence/internal/validation"
)

// RoutineRepo persists routines.
type RoutineRepo struct {
	crud[types.Routine, *types.Routine]
}

func validateRoutine(r *types.Routine) error {
	var c validation.Collector
	c.Add(validation.ValidateRequired("title", r.Title))
	validation.ValidateText(&c, "title", r.Title, maxNameLength)
	c.Add(validation.ValidateEnum("trigger_type", string(r.TriggerType), types.TriggerTypes))
	if r.TriggerType != types.TriggerManual && (r.TriggerValue == nil || *r.TriggerValue == "") {
		c.Add(&validation.ValidationError{Field: "trigger_value", Message: "is required for time and location triggers"})
	}
	c.Add(validation.ValidateMin("display_order", r.DisplayOrder, 0))
	return c.Err()
}

// Delete hard-deletes a routine with its habit links and completions.
func (r *RoutineRepo) Delete(ctx context.Context, id string) ([]Ref, error) {
	var refs []Ref
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		for _, child := range []string{types.TableHabitRoutines, types.TableRoutineCompletions} {
			deleted, err := deleteWhere(ctx, conn, child, map[string]any{"routine_id": id})
			if err != nil {
				return err
			}
			refs = append(refs, deleted...)
		}
		if err := conn.Delete(ctx, types.TableRoutines, id); err != nil {
			return err
		}
		refs = append(refs, Ref{Table: types.TableRoutines, ID: id})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// HabitRoutineRepo persists the habit/routine junction. A pair is stored once.
type HabitRoutineRepo struct {
	crud[types.HabitRoutine, *types.HabitRoutine]
}

func validateHabitRoutine(hr *types.HabitRoutine) error {
	var c validation.Collector
	c.Add(validation.ValidateRequired("habit_id", hr.HabitID))
	c.Add(validation.ValidateRequired("routine_id", hr.RoutineID))
	c.Add(validation.ValidateMin("display_order", hr.DisplayOrder, 0))
	return c.Err()
}

// Attach links a habit into a routine at the end of its order. Attaching an
// already linked pair returns the existing link unchanged.
func (r *HabitRoutineRepo) Attach(ctx context.Context, habitID, routineID string) (types.HabitRoutine, bool, error) {
	var (
		out     types.HabitRoutine
		created bool
	)
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		if _, err := requireParent(ctx, conn, types.TableHabits, habitID); err != nil {
			return err
		}
		routine, err := requireParent(ctx, conn, types.TableRoutines, routineID)
		if err != nil {
			return err
		}
		existing, err := r.query(ctx, conn, store.Query{
			Where: map[string]any{"habit_id": habitID, "routine_id": routineID},
			Limit: 1,
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out = existing[0]
			return nil
		}
		siblings, err := conn.Query(ctx, types.TableHabitRoutines, store.Query{Where: map[string]any{"routine_id": routineID}})
		if err != nil {
			return err
		}
		hr := types.HabitRoutine{HabitID: habitID, RoutineID: routineID, DisplayOrder: len(siblings)}
		hr.OwnerID = routine.OwnerID()
		out, err = r.createIn(ctx, conn, hr)
		created = err == nil
		return err
	})
	return out, created, err
}

// Detach removes every link between habitID and routineID.
func (r *HabitRoutineRepo) Detach(ctx context.Context, habitID, routineID string) ([]Ref, error) {
	var refs []Ref
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		var err error
		refs, err = deleteWhere(ctx, conn, types.TableHabitRoutines, map[string]any{"habit_id": habitID, "routine_id": routineID})
		return err
	})
	return refs, err
}

// ForRoutine lists a routine's links in display order.
func (r *HabitRoutineRepo) ForRoutine(ctx context.Context, routineID string) ([]types.HabitRoutine, error) {
	return r.query(ctx, r.db, store.Query{
		Where:   map[string]any{"routine_id": routineID},
		OrderBy: []string{"display_order", "created_at"},
	})
}

// ForHabit lists the routines a habit belongs to.
func (r *HabitRoutineRepo) ForHabit(ctx context.Context, habitID string) ([]types.HabitRoutine, error) {
	return r.query(ctx, r.db, store.Query{Where: map[string]any{"habit_id": habitID}})
}

// RoutineCompletionRepo records routines run through on a given day.
type RoutineCompletionRepo struct {
	crud[types.RoutineCompletion, *types.RoutineCompletion]
}

func validateRoutineCompletion(rc *types.RoutineCompletion) error {
	var c validation.Collector
	c.Add(validation.ValidateRequired("routine_id", rc.RoutineID))
	c.Add(validation.ValidateDate("date", rc.Date))
	return c.Err()
}

// Complete records routineID as done on date. Completing twice returns the
// first record.
func (r *RoutineCompletionRepo) Complete(ctx context.Context, routineID, date string) (types.RoutineCompletion, bool, error) {
	var (
		out     types.RoutineCompletion
		created bool
	)
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		routine, err := requireParent(ctx, conn, types.TableRoutines, routineID)
		if err != nil {
			return err
		}
		existing, err := r.query(ctx, conn, store.Query{
			Where: map[string]any{"routine_id": routineID, "date": date},
			Limit: 1,
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out = existing[0]
			return nil
		}
		rc := types.RoutineCompletion{RoutineID: routineID, Date: date}
		rc.OwnerID = routine.OwnerID()
		out, err = r.createIn(ctx, conn, rc)
		created = err == nil
		return err
	})
	return out, created, err
}

// Uncomplete removes the completions of routineID on date.
func (r *RoutineCompletionRepo) Uncomplete(ctx context.Context, routineID, date string) ([]Ref, error) {
	var refs []Ref
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		var err error
		refs, err = deleteWhere(ctx, conn, types.TableRoutineCompletions, map[string]any{"routine_id": routineID, "date": date})
		return err
	})
	return refs, err
}

// Toggle completes routineID on date, or removes the completion when one
// exists. It returns the created record, or the refs it removed.
func (r *RoutineCompletionRepo) Toggle(ctx context.Context, routineID, date string) (*types.RoutineCompletion, []Ref, error) {
	var (
		created *types.RoutineCompletion
		refs    []Ref
	)
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		routine, err := requireParent(ctx, conn, types.TableRoutines, routineID)
		if err != nil {
			return err
		}
		refs, err = deleteWhere(ctx, conn, types.TableRoutineCompletions, map[string]any{"routine_id": routineID, "date": date})
		if err != nil || len(refs) > 0 {
			return err
		}
		rc := types.RoutineCompletion{RoutineID: routineID, Date: date}
		rc.OwnerID = routine.OwnerID()
		out, err := r.createIn(ctx, conn, rc)
		if err != nil {
			return err
		}
		created = &out
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return created, refs, nil
}
