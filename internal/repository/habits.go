package repository

import (
	"context"
	"fmt"

	"github.com/hyperengineering/cadence/internal/store"
	"github.com/hyperengineering/cadence/internal/types"
	"github.com/hyperengineering/cadence/internal/validation"
)

const maxNameLength = 200

// HabitRepo persists habits.
type HabitRepo struct {
	crud[types.Habit, *types.Habit]
}

func validateHabit(h *types.Habit) error {
	var c validation.Collector
	c.Add(validation.ValidateRequired("name", h.Name))
	validation.ValidateText(&c, "name", h.Name, maxNameLength)
	c.Add(validation.ValidateEnum("category", string(h.Category), types.HabitCategories))
	c.Add(validation.ValidateRange("target_days_per_week", h.TargetDaysPerWeek, 1, 7))
	c.Add(validation.ValidateMin("display_order", h.DisplayOrder, 0))
	return c.Err()
}

// Active lists the owner's habits that are not archived, in display order.
func (r *HabitRepo) Active(ctx context.Context, owner string) ([]types.Habit, error) {
	where := ownerWhere(owner)
	where["archived"] = false
	return r.query(ctx, r.db, store.Query{Where: where, OrderBy: []string{"display_order", "created_at"}})
}

// Archive soft-deletes a habit.
func (r *HabitRepo) Archive(ctx context.Context, id string) (types.Habit, error) {
	return r.Update(ctx, id, func(h *types.Habit) {
		if !h.Archived {
			now := r.clock.Now()
			h.Archived = true
			h.ArchivedAt = &now
		}
	})
}

// Unarchive restores an archived habit.
func (r *HabitRepo) Unarchive(ctx context.Context, id string) (types.Habit, error) {
	return r.Update(ctx, id, func(h *types.Habit) {
		h.Archived = false
		h.ArchivedAt = nil
	})
}

// Delete hard-deletes a habit with its completions and routine links.
func (r *HabitRepo) Delete(ctx context.Context, id string) ([]Ref, error) {
	var refs []Ref
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		for _, child := range []string{types.TableCompletions, types.TableHabitRoutines} {
			deleted, err := deleteWhere(ctx, conn, child, map[string]any{"habit_id": id})
			if err != nil {
				return err
			}
			refs = append(refs, deleted...)
		}
		if err := conn.Delete(ctx, types.TableHabits, id); err != nil {
			return err
		}
		refs = append(refs, Ref{Table: types.TableHabits, ID: id})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// CompletionRepo persists habit completions. Toggle keeps at most one
// completion per (habit, date).
type CompletionRepo struct {
	crud[types.Completion, *types.Completion]
}

func validateCompletion(c *types.Completion) error {
	var v validation.Collector
	v.Add(validation.ValidateRequired("habit_id", c.HabitID))
	v.Add(validation.ValidateDate("date", c.Date))
	if c.Note != nil {
		validation.ValidateText(&v, "note", *c.Note, 2000)
	}
	return v.Err()
}

// ForHabit lists a habit's completions by date.
func (r *CompletionRepo) ForHabit(ctx context.Context, habitID string) ([]types.Completion, error) {
	return r.query(ctx, r.db, store.Query{
		Where:   map[string]any{"habit_id": habitID},
		OrderBy: []string{"date", "created_at", "id"},
	})
}

// ForDate returns the earliest completion of habitID on date, if any.
func (r *CompletionRepo) ForDate(ctx context.Context, habitID, date string) (*types.Completion, error) {
	found, err := r.query(ctx, r.db, store.Query{
		Where: map[string]any{"habit_id": habitID, "date": date},
		Limit: 1,
	})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}

// Toggle flips the completion of habitID on date, creating it (completed)
// when absent. The habit must exist; the completion takes its owner.
func (r *CompletionRepo) Toggle(ctx context.Context, habitID, date string) (types.Completion, error) {
	var out types.Completion
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		habit, err := requireParent(ctx, conn, types.TableHabits, habitID)
		if err != nil {
			return err
		}
		existing, err := r.query(ctx, conn, store.Query{
			Where: map[string]any{"habit_id": habitID, "date": date},
			Limit: 1,
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out, err = r.updateIn(ctx, conn, existing[0].ID, func(c *types.Completion) {
				c.Completed = !c.Completed
			})
			return err
		}
		c := types.Completion{HabitID: habitID, Date: date, Completed: true}
		c.OwnerID = habit.OwnerID()
		out, err = r.createIn(ctx, conn, c)
		return err
	})
	if err != nil {
		return out, fmt.Errorf("toggle completion: %w", err)
	}
	return out, nil
}
