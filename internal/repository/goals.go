package repository

import (
	"context"
	"fmt"

	"github.com/hyperengineering/cadence/internal/store"
	"github.com/hyperengineering/cadence/internal/types"
	"github.com/hyperengineering/cadence/internal/validation"
)

// GoalRepo persists goals and enforces the focus cap.
type GoalRepo struct {
	crud[types.Goal, *types.Goal]
}

func newGoalRepo(db store.DB, c *clock) *GoalRepo {
	r := &GoalRepo{newCrud[types.Goal](db, c, types.TableGoals, validateGoal)}
	r.check = checkFocusCap
	return r
}

func validateGoal(g *types.Goal) error {
	var c validation.Collector
	c.Add(validation.ValidateRequired("title", g.Title))
	validation.ValidateText(&c, "title", g.Title, maxNameLength)
	c.Add(validation.ValidateEnum("area_of_life", string(g.AreaOfLife), types.AreasOfLife))
	c.Add(validation.ValidateEnum("priority", string(g.Priority), types.GoalPriorities))
	c.Add(validation.ValidateEnum("status", string(g.Status), types.GoalStatuses))
	c.Add(validation.ValidateOptionalDate("start_date", g.StartDate))
	c.Add(validation.ValidateOptionalDate("deadline", g.Deadline))
	return c.Err()
}

// checkFocusCap rejects a write that would leave more than MaxFocusGoals
// non-archived focus goals for the owner. It runs before anything is stored.
func checkFocusCap(ctx context.Context, conn store.Records, old, updated *types.Goal) error {
	if !updated.IsFocus || updated.Archived {
		return nil
	}
	if old != nil && old.IsFocus && !old.Archived {
		return nil
	}
	focused, err := conn.Query(ctx, types.TableGoals, store.Query{
		Where: map[string]any{"owner_id": nullable(updated.OwnerID), "is_focus": true, "archived": false},
	})
	if err != nil {
		return err
	}
	n := 0
	for _, g := range focused {
		if g.ID() != updated.ID {
			n++
		}
	}
	if n >= types.MaxFocusGoals {
		return fmt.Errorf("%w: %d of %d in use", ErrFocusLimit, n, types.MaxFocusGoals)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Focused lists the owner's non-archived focus goals.
func (r *GoalRepo) Focused(ctx context.Context, owner string) ([]types.Goal, error) {
	where := ownerWhere(owner)
	where["is_focus"] = true
	where["archived"] = false
	return r.query(ctx, r.db, store.Query{Where: where})
}

// Active lists the owner's goals that are not archived.
func (r *GoalRepo) Active(ctx context.Context, owner string) ([]types.Goal, error) {
	where := ownerWhere(owner)
	where["archived"] = false
	return r.query(ctx, r.db, store.Query{Where: where})
}

// SetFocus marks or unmarks a goal as focus. Marking fails with ErrFocusLimit
// when the owner already has MaxFocusGoals non-archived focus goals.
func (r *GoalRepo) SetFocus(ctx context.Context, id string, focus bool) (types.Goal, error) {
	return r.Update(ctx, id, func(g *types.Goal) { g.IsFocus = focus })
}

// Archive soft-deletes a goal.
func (r *GoalRepo) Archive(ctx context.Context, id string) (types.Goal, error) {
	return r.Update(ctx, id, func(g *types.Goal) {
		if !g.Archived {
			now := r.clock.Now()
			g.Archived = true
			g.ArchivedAt = &now
		}
	})
}

// Unarchive restores a goal. A restored focus goal counts toward the cap again.
func (r *GoalRepo) Unarchive(ctx context.Context, id string) (types.Goal, error) {
	return r.Update(ctx, id, func(g *types.Goal) {
		g.Archived = false
		g.ArchivedAt = nil
	})
}

// Delete hard-deletes a goal and its milestones.
func (r *GoalRepo) Delete(ctx context.Context, id string) ([]Ref, error) {
	var refs []Ref
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		deleted, err := deleteWhere(ctx, conn, types.TableMilestones, map[string]any{"goal_id": id})
		if err != nil {
			return err
		}
		refs = append(refs, deleted...)
		if err := conn.Delete(ctx, types.TableGoals, id); err != nil {
			return err
		}
		refs = append(refs, Ref{Table: types.TableGoals, ID: id})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// MilestoneRepo persists goal milestones.
type MilestoneRepo struct {
	crud[types.Milestone, *types.Milestone]
}

func validateMilestone(m *types.Milestone) error {
	var c validation.Collector
	c.Add(validation.ValidateRequired("goal_id", m.GoalID))
	c.Add(validation.ValidateRequired("title", m.Title))
	validation.ValidateText(&c, "title", m.Title, maxNameLength)
	c.Add(validation.ValidateMin("display_order", m.DisplayOrder, 0))
	return c.Err()
}

// Add creates a milestone under an existing goal, appended after its siblings.
func (r *MilestoneRepo) Add(ctx context.Context, goalID, title string) (types.Milestone, error) {
	var out types.Milestone
	err := r.db.WithTx(ctx, func(conn *store.Conn) error {
		goal, err := requireParent(ctx, conn, types.TableGoals, goalID)
		if err != nil {
			return err
		}
		siblings, err := conn.Query(ctx, types.TableMilestones, store.Query{Where: map[string]any{"goal_id": goalID}})
		if err != nil {
			return err
		}
		m := types.Milestone{GoalID: goalID, Title: title, DisplayOrder: len(siblings)}
		m.OwnerID = goal.OwnerID()
		out, err = r.createIn(ctx, conn, m)
		return err
	})
	return out, err
}

// ForGoal lists a goal's milestones in display order.
func (r *MilestoneRepo) ForGoal(ctx context.Context, goalID string) ([]types.Milestone, error) {
	return r.query(ctx, r.db, store.Query{
		Where:   map[string]any{"goal_id": goalID},
		OrderBy: []string{"display_order", "created_at"},
	})
}

// Toggle flips a milestone's completion and its completed_at stamp.
func (r *MilestoneRepo) Toggle(ctx context.Context, id string) (types.Milestone, error) {
	return r.Update(ctx, id, func(m *types.Milestone) {
		m.Completed = !m.Completed
		if m.Completed {
			now := r.clock.Now()
			m.CompletedAt = &now
		} else {
			m.CompletedAt = nil
		}
	})
}
