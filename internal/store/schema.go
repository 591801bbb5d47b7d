package store

import (
	"fmt"

	"github.com/hyperengineering/cadence/internal/types"
)

// ColumnType says how a record value is stored and scanned back.
type ColumnType int

const (
	Text ColumnType = iota
	Integer
	Boolean
	JSON
)

// Column is a single column of a record table.
type Column struct {
	Name string
	Type ColumnType
	// Default is written when a record leaves a NOT NULL column unset.
	Default any
}

// TableSchema describes a record table at the latest schema version.
type TableSchema struct {
	Name    string
	Columns []Column
}

// Has reports whether the table defines column.
func (s TableSchema) Has(column string) bool {
	_, ok := s.column(column)
	return ok
}

func (s TableSchema) column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (s TableSchema) names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

func withBase(cols ...Column) []Column {
	base := []Column{{"id", Text, nil}, {"owner_id", Text, nil}}
	base = append(base, cols...)
	return append(base, Column{"created_at", Text, nil}, Column{"updated_at", Text, nil})
}

var tables = map[string]TableSchema{
	types.TableHabits: {Name: types.TableHabits, Columns: withBase(
		Column{"name", Text, nil}, Column{"category", Text, "other"}, Column{"target_days_per_week", Integer, 7},
		Column{"icon", Text, nil}, Column{"archived", Boolean, false}, Column{"archived_at", Text, nil},
		Column{"display_order", Integer, 0},
	)},
	types.TableCompletions: {Name: types.TableCompletions, Columns: withBase(
		Column{"habit_id", Text, nil}, Column{"date", Text, nil}, Column{"completed", Boolean, true}, Column{"note", Text, nil},
	)},
	types.TableGoals: {Name: types.TableGoals, Columns: withBase(
		Column{"title", Text, nil}, Column{"description", Text, nil}, Column{"area_of_life", Text, "other"},
		Column{"priority", Text, "medium"}, Column{"status", Text, "not_started"}, Column{"start_date", Text, nil},
		Column{"deadline", Text, nil}, Column{"is_focus", Boolean, false}, Column{"archived", Boolean, false},
		Column{"archived_at", Text, nil},
	)},
	types.TableMilestones: {Name: types.TableMilestones, Columns: withBase(
		Column{"goal_id", Text, nil}, Column{"title", Text, nil}, Column{"completed", Boolean, false},
		Column{"completed_at", Text, nil}, Column{"display_order", Integer, 0},
	)},
	types.TableRoutines: {Name: types.TableRoutines, Columns: withBase(
		Column{"title", Text, nil}, Column{"description", Text, nil}, Column{"trigger_type", Text, "manual"},
		Column{"trigger_value", Text, nil}, Column{"is_active", Boolean, true}, Column{"display_order", Integer, 0},
	)},
	types.TableHabitRoutines: {Name: types.TableHabitRoutines, Columns: withBase(
		Column{"habit_id", Text, nil}, Column{"routine_id", Text, nil}, Column{"display_order", Integer, 0},
	)},
	types.TableRoutineCompletions: {Name: types.TableRoutineCompletions, Columns: withBase(
		Column{"routine_id", Text, nil}, Column{"date", Text, nil}, Column{"note", Text, nil},
	)},
	types.TableTasks: {Name: types.TableTasks, Columns: withBase(
		Column{"title", Text, nil}, Column{"description", Text, ""}, Column{"status", Text, "todo"},
		Column{"priority", Text, "medium"}, Column{"due_date", Text, nil}, Column{"goal_id", Text, nil},
		Column{"parent_task_id", Text, nil}, Column{"depth", Integer, 0}, Column{"tags", JSON, nil},
		Column{"metadata", JSON, nil},
	)},
	types.TableUserSettings: {Name: types.TableUserSettings, Columns: withBase(
		Column{"theme", Text, "system"}, Column{"display_name", Text, ""}, Column{"week_starts_on", Integer, 1},
		Column{"default_category", Text, "other"}, Column{"xp", Integer, 0}, Column{"level", Integer, 1},
		Column{"gems", Integer, 0}, Column{"streak_shield", Integer, 0}, Column{"avatar_id", Text, nil},
	)},
}

// Schema returns the schema of a record table.
func Schema(table string) (TableSchema, error) {
	s, ok := tables[table]
	if !ok {
		return TableSchema{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return s, nil
}

// TableNames returns every record table.
func TableNames() []string {
	return []string{
		types.TableHabits, types.TableCompletions, types.TableGoals, types.TableMilestones,
		types.TableRoutines, types.TableHabitRoutines, types.TableRoutineCompletions,
		types.TableTasks, types.TableUserSettings,
	}
}
