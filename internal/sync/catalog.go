package sync

import (
	"fmt"
	"strings"

	"github.com/hyperengineering/cadence/internal/types"
)

// Ref names a column in another table that holds this table's ids.
type Ref struct {
	Table  string
	Column string
}

// Table describes how one entity type is reconciled.
type Table struct {
	Name string
	// NaturalKey lists the business fields that identify the same real-world
	// record across independently generated ids. Empty means id-only matching.
	NaturalKey []string
	// Children are re-parented when a record of this table loses to a duplicate.
	Children []Ref
	// Archivable tables soft-delete; their archived rows are absent from default selects.
	Archivable bool
}

// Tables lists every syncable table, parents before children.
var Tables = []Table{
	{
		Name:       types.TableHabits,
		NaturalKey: []string{"name", "category"},
		Children: []Ref{
			{types.TableCompletions, "habit_id"},
			{types.TableHabitRoutines, "habit_id"},
		},
		Archivable: true,
	},
	{
		Name:       types.TableGoals,
		NaturalKey: []string{"title"},
		Children: []Ref{
			{types.TableMilestones, "goal_id"},
			{types.TableTasks, "goal_id"},
		},
		Archivable: true,
	},
	{
		Name: types.TableRoutines,
		Children: []Ref{
			{types.TableHabitRoutines, "routine_id"},
			{types.TableRoutineCompletions, "routine_id"},
		},
	},
	{
		Name:       types.TableUserSettings,
		NaturalKey: []string{"owner_id"},
	},
	{
		Name:       types.TableTasks,
		Children:   []Ref{{types.TableTasks, "parent_task_id"}},
		Archivable: true,
	},
	{
		Name:       types.TableCompletions,
		NaturalKey: []string{"habit_id", "date"},
	},
	{
		Name: types.TableMilestones,
	},
	{
		Name:       types.TableHabitRoutines,
		NaturalKey: []string{"habit_id", "routine_id"},
	},
	{
		Name:       types.TableRoutineCompletions,
		NaturalKey: []string{"routine_id", "date"},
	},
}

// Lookup returns the descriptor for name.
func Lookup(name string) (Table, error) {
	for _, t := range Tables {
		if t.Name == name {
			return t, nil
		}
	}
	return Table{}, fmt.Errorf("not a syncable table: %s", name)
}

// TableNames returns the syncable table names in reconciliation order.
func TableNames() []string {
	out := make([]string, len(Tables))
	for i, t := range Tables {
		out[i] = t.Name
	}
	return out
}

// Parents returns the references from table to other tables: for each column
// of table holding a parent id, the parent table.
func Parents(table string) []Ref {
	var out []Ref
	for _, t := range Tables {
		for _, c := range t.Children {
			if c.Table == table {
				out = append(out, Ref{Table: t.Name, Column: c.Column})
			}
		}
	}
	return out
}

// Key returns the normalised natural key of rec. It reports false when the
// table has no natural key or any key field is empty.
//
// Every part is trimmed and case-folded, so "Meditate " and "meditate" match.
func (t Table) Key(rec types.Record) (string, bool) {
	if len(t.NaturalKey) == 0 {
		return "", false
	}
	parts := make([]string, len(t.NaturalKey))
	for i, field := range t.NaturalKey {
		v := NormalizeKeyPart(rec.String(field))
		if v == "" {
			return "", false
		}
		parts[i] = v
	}
	return strings.Join(parts, "\x1f"), true
}

// NormalizeKeyPart is the single normalisation applied to natural key fields.
func NormalizeKeyPart(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
