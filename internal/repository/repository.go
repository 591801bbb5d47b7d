// Package repository translates domain operations into local store calls. It
// assigns identifiers and timestamps and enforces the per-entity invariants;
// it knows nothing about the network.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/cadence/internal/store"
	"github.com/hyperengineering/cadence/internal/types"
)

var (
	// ErrNotFound is returned when the record to read or update does not exist.
	ErrNotFound = store.ErrNotFound
	// ErrFocusLimit is returned when marking a goal as focus would exceed
	// types.MaxFocusGoals non-archived focus goals.
	ErrFocusLimit = errors.New("focus goal limit reached")
	// ErrParentMissing is returned when a referenced parent record does not exist.
	ErrParentMissing = errors.New("referenced record not found")
	// ErrCycle is returned when moving a task beneath one of its own subtasks.
	ErrCycle = errors.New("task hierarchy cycle")
)

// Ref identifies a record removed by a delete, including cascaded children.
type Ref struct {
	Table string
	ID    string
}

// Repositories bundles one repository per entity over a shared store.
type Repositories struct {
	Habits             *HabitRepo
	Completions        *CompletionRepo
	Goals              *GoalRepo
	Milestones         *MilestoneRepo
	Routines           *RoutineRepo
	HabitRoutines      *HabitRoutineRepo
	RoutineCompletions *RoutineCompletionRepo
	Tasks              *TaskRepo
	Settings           *SettingsRepo
}

// Option configures the repositories.
type Option func(*clock)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *clock) { c.now = now }
}

type clock struct {
	now func() time.Time
}

func (c *clock) Now() time.Time { return c.now().UTC() }

// New wires every repository to db.
func New(db store.DB, opts ...Option) *Repositories {
	c := &clock{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return &Repositories{
		Habits:             &HabitRepo{newCrud[types.Habit](db, c, types.TableHabits, validateHabit)},
		Completions:        &CompletionRepo{newCrud[types.Completion](db, c, types.TableCompletions, validateCompletion)},
		Goals:              newGoalRepo(db, c),
		Milestones:         &MilestoneRepo{newCrud[types.Milestone](db, c, types.TableMilestones, validateMilestone)},
		Routines:           &RoutineRepo{newCrud[types.Routine](db, c, types.TableRoutines, validateRoutine)},
		HabitRoutines:      &HabitRoutineRepo{newCrud[types.HabitRoutine](db, c, types.TableHabitRoutines, validateHabitRoutine)},
		RoutineCompletions: &RoutineCompletionRepo{newCrud[types.RoutineCompletion](db, c, types.TableRoutineCompletions, validateRoutineCompletion)},
		Tasks:              &TaskRepo{newCrud[types.Task](db, c, types.TableTasks, validateTask)},
		Settings:           &SettingsRepo{newCrud[types.UserSettings](db, c, types.TableUserSettings, validateSettings)},
	}
}

// entity constrains P to be a pointer to T implementing types.Entity.
type entity[T any] interface {
	*T
	types.Entity
}

// crud is the shared create/read/update/delete core of every repository.
type crud[T any, P entity[T]] struct {
	db       store.DB
	clock    *clock
	table    string
	validate func(P) error
	// check runs inside the write transaction before the record is stored.
	// old is nil on create.
	check func(ctx context.Context, conn store.Records, old, updated P) error
}

func newCrud[T any, P entity[T]](db store.DB, c *clock, table string, validate func(P) error) crud[T, P] {
	return crud[T, P]{db: db, clock: c, table: table, validate: validate}
}

// Create assigns a new id, stamps created_at and updated_at, validates and stores v.
func (c crud[T, P]) Create(ctx context.Context, v T) (T, error) {
	err := c.db.WithTx(ctx, func(conn *store.Conn) error {
		var err error
		v, err = c.createIn(ctx, conn, v)
		return err
	})
	return v, err
}

func (c crud[T, P]) createIn(ctx context.Context, conn store.Records, v T) (T, error) {
	p := P(&v)
	m := p.Meta()
	m.ID = uuid.NewString()
	now := c.clock.Now()
	m.CreatedAt, m.UpdatedAt = now, now

	if err := c.validate(p); err != nil {
		return v, err
	}
	if c.check != nil {
		if err := c.check(ctx, conn, nil, p); err != nil {
			return v, err
		}
	}
	if err := c.put(ctx, conn, p); err != nil {
		return v, err
	}
	return v, nil
}

// Get returns the record with id.
func (c crud[T, P]) Get(ctx context.Context, id string) (T, error) {
	return c.getIn(ctx, c.db, id)
}

func (c crud[T, P]) getIn(ctx context.Context, conn store.Records, id string) (T, error) {
	var v T
	rec, err := conn.Get(ctx, c.table, id)
	if err != nil {
		return v, err
	}
	if err := rec.Decode(P(&v)); err != nil {
		return v, fmt.Errorf("decode %s %s: %w", c.table, id, err)
	}
	return v, nil
}

// List returns the records of owner. An empty owner lists records created
// before any login.
func (c crud[T, P]) List(ctx context.Context, owner string) ([]T, error) {
	return c.query(ctx, c.db, store.Query{Where: ownerWhere(owner)})
}

func (c crud[T, P]) query(ctx context.Context, conn store.Records, q store.Query) ([]T, error) {
	recs, err := conn.Query(ctx, c.table, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := rec.Decode(P(&v)); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", c.table, rec.ID(), err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Update reads the record, applies mutate, stamps updated_at and stores it.
// The id, owner and created_at cannot be changed by mutate.
func (c crud[T, P]) Update(ctx context.Context, id string, mutate func(P)) (T, error) {
	var v T
	err := c.db.WithTx(ctx, func(conn *store.Conn) error {
		var err error
		v, err = c.updateIn(ctx, conn, id, mutate)
		return err
	})
	return v, err
}

func (c crud[T, P]) updateIn(ctx context.Context, conn store.Records, id string, mutate func(P)) (T, error) {
	old, err := c.getIn(ctx, conn, id)
	if err != nil {
		return old, err
	}
	v := old
	p := P(&v)
	mutate(p)

	m, om := p.Meta(), P(&old).Meta()
	m.ID, m.OwnerID, m.CreatedAt = om.ID, om.OwnerID, om.CreatedAt
	m.UpdatedAt = c.clock.Now()
	if !m.UpdatedAt.After(om.UpdatedAt) {
		// Keep updated_at strictly increasing so last-writer-wins sees the edit.
		m.UpdatedAt = om.UpdatedAt.Add(time.Microsecond)
	}

	if err := c.validate(p); err != nil {
		return old, err
	}
	if c.check != nil {
		if err := c.check(ctx, conn, P(&old), p); err != nil {
			return old, err
		}
	}
	if err := c.put(ctx, conn, p); err != nil {
		return old, err
	}
	return v, nil
}

// Delete removes the record without cascading. Repositories with children
// shadow it.
func (c crud[T, P]) Delete(ctx context.Context, id string) ([]Ref, error) {
	if err := c.db.Delete(ctx, c.table, id); err != nil {
		return nil, err
	}
	return []Ref{{Table: c.table, ID: id}}, nil
}

func (c crud[T, P]) put(ctx context.Context, conn store.Records, p P) error {
	rec, err := types.RecordOf(p)
	if err != nil {
		return err
	}
	return conn.Put(ctx, c.table, rec)
}

func ownerWhere(owner string) map[string]any {
	if owner == "" {
		return map[string]any{"owner_id": nil}
	}
	return map[string]any{"owner_id": owner}
}

// deleteWhere removes every record of table matching where and returns their refs.
func deleteWhere(ctx context.Context, conn store.Records, table string, where map[string]any) ([]Ref, error) {
	recs, err := conn.Query(ctx, table, store.Query{Where: where})
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(recs))
	for _, rec := range recs {
		if err := conn.Delete(ctx, table, rec.ID()); err != nil {
			return nil, err
		}
		refs = append(refs, Ref{Table: table, ID: rec.ID()})
	}
	return refs, nil
}

// requireParent returns ErrParentMissing unless table holds id.
func requireParent(ctx context.Context, conn store.Records, table, id string) (types.Record, error) {
	rec, err := conn.Get(ctx, table, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s %s: %w", table, id, ErrParentMissing)
	}
	return rec, err
}
