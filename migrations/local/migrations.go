// Package local holds the schema history of the on-device store.
//
// Versions 1 and 5 are plain SQL. Versions 2 to 4 rewrite existing data and are
// Go migrations; each runs inside its own transaction and checks the current
// shape of the schema first so that a re-run is a no-op.
package local

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

//go:embed *.sql
var FS embed.FS

// Latest is the newest local schema version.
const Latest int64 = 5

// syncableTables carry owner_id and timestamps.
var syncableTables = []string{
	"habits", "completions", "goals", "milestones", "routines",
	"habit_routines", "tasks", "user_settings", "routine_completions",
}

// GoMigrations returns the data-rewriting migrations to register with a goose provider.
func GoMigrations() []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(2, &goose.GoFunc{RunTx: habitRoutinesUp}, &goose.GoFunc{RunTx: habitRoutinesDown}),
		goose.NewGoMigration(3, &goose.GoFunc{RunTx: backfillUpdatedAtUp}, nil),
		goose.NewGoMigration(4, &goose.GoFunc{RunTx: taskHierarchyUp}, nil),
	}
}

// habitRoutinesUp replaces habits.routine_id with the habit_routines junction.
func habitRoutinesUp(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS habit_routines (
			id            TEXT PRIMARY KEY,
			owner_id      TEXT,
			habit_id      TEXT NOT NULL,
			routine_id    TEXT NOT NULL,
			display_order INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create habit_routines: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_habit_routines_pair ON habit_routines(habit_id, routine_id)`); err != nil {
		return fmt.Errorf("index habit_routines: %w", err)
	}

	legacy, err := hasColumn(ctx, tx, "habits", "routine_id")
	if err != nil {
		return err
	}
	if !legacy {
		return nil
	}

	type link struct {
		habitID, routineID, createdAt string
		ownerID                       sql.NullString
		order                         int64
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT h.id, h.owner_id, h.routine_id, h.display_order, h.created_at
		FROM habits h
		WHERE h.routine_id IS NOT NULL AND h.routine_id != ''
		  AND NOT EXISTS (
			SELECT 1 FROM habit_routines hr
			WHERE hr.habit_id = h.id AND hr.routine_id = h.routine_id
		  )`)
	if err != nil {
		return fmt.Errorf("query legacy routine links: %w", err)
	}
	var links []link
	for rows.Next() {
		var l link
		if err := rows.Scan(&l.habitID, &l.ownerID, &l.routineID, &l.order, &l.createdAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan legacy routine link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, l := range links {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO habit_routines (id, owner_id, habit_id, routine_id, display_order, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			derivedID("habit_routine", l.habitID, l.routineID), l.ownerID, l.habitID, l.routineID, l.order, l.createdAt,
		); err != nil {
			return fmt.Errorf("insert habit_routine for habit %s: %w", l.habitID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `ALTER TABLE habits DROP COLUMN routine_id`); err != nil {
		return fmt.Errorf("drop habits.routine_id: %w", err)
	}
	return nil
}

// habitRoutinesDown restores the single routine reference, keeping the first link per habit.
func habitRoutinesDown(ctx context.Context, tx *sql.Tx) error {
	legacy, err := hasColumn(ctx, tx, "habits", "routine_id")
	if err != nil {
		return err
	}
	if !legacy {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE habits ADD COLUMN routine_id TEXT`); err != nil {
			return fmt.Errorf("add habits.routine_id: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE habits SET routine_id = (
			SELECT hr.routine_id FROM habit_routines hr
			WHERE hr.habit_id = habits.id
			ORDER BY hr.display_order, hr.created_at
			LIMIT 1
		)`); err != nil {
		return fmt.Errorf("restore habits.routine_id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS habit_routines`); err != nil {
		return fmt.Errorf("drop habit_routines: %w", err)
	}
	return nil
}

// backfillUpdatedAtUp gives every syncable record an updated_at equal to its created_at.
func backfillUpdatedAtUp(ctx context.Context, tx *sql.Tx) error {
	for _, table := range syncableTables {
		exists, err := hasTable(ctx, tx, table)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		has, err := hasColumn(ctx, tx, table, "updated_at")
		if err != nil {
			return err
		}
		if !has {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN updated_at TEXT`, table)); err != nil {
				return fmt.Errorf("add %s.updated_at: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET updated_at = created_at WHERE updated_at IS NULL OR updated_at = ''`, table,
		)); err != nil {
			return fmt.Errorf("backfill %s.updated_at: %w", table, err)
		}
	}
	return nil
}

// taskHierarchyUp adds parent/depth to tasks, creates routine_completions and
// promotes metadata.subtasks into child tasks.
func taskHierarchyUp(ctx context.Context, tx *sql.Tx) error {
	has, err := hasColumn(ctx, tx, "tasks", "parent_task_id")
	if err != nil {
		return err
	}
	if !has {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE tasks ADD COLUMN parent_task_id TEXT`); err != nil {
			return fmt.Errorf("add tasks.parent_task_id: %w", err)
		}
	}
	has, err = hasColumn(ctx, tx, "tasks", "depth")
	if err != nil {
		return err
	}
	if !has {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE tasks ADD COLUMN depth INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add tasks.depth: %w", err)
		}
	}

	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id)`,
		`CREATE TABLE IF NOT EXISTS routine_completions (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT,
			routine_id TEXT NOT NULL,
			date       TEXT NOT NULL,
			note       TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routine_completions_routine_date ON routine_completions(routine_id, date)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("task hierarchy schema: %w", err)
		}
	}

	return promoteSubtasks(ctx, tx)
}

type parentTask struct {
	id       string
	ownerID  sql.NullString
	depth    int64
	metadata string
}

func promoteSubtasks(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, owner_id, depth, metadata FROM tasks
		WHERE metadata IS NOT NULL AND metadata LIKE '%"subtasks"%'`)
	if err != nil {
		return fmt.Errorf("query tasks with subtasks: %w", err)
	}
	var parents []parentTask
	for rows.Next() {
		var p parentTask
		if err := rows.Scan(&p.id, &p.ownerID, &p.depth, &p.metadata); err != nil {
			rows.Close()
			return fmt.Errorf("scan task: %w", err)
		}
		parents = append(parents, p)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, p := range parents {
		subtasks := gjson.Get(p.metadata, "subtasks")
		if !subtasks.Exists() {
			continue
		}
		for i, item := range subtasks.Array() {
			title := item.Get("title").String()
			if item.Type == gjson.String {
				title = item.String()
			}
			if title == "" {
				continue
			}
			status := "todo"
			if item.Get("completed").Bool() || item.Get("done").Bool() {
				status = "done"
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, owner_id, title, description, status, priority,
					parent_task_id, depth, tags, metadata, created_at, updated_at)
				VALUES (?, ?, ?, '', ?, 'medium', ?, ?, '[]', ?, ?, ?)`,
				derivedID("subtask", p.id, strconv.Itoa(i)), p.ownerID, title, status, p.id, p.depth+1,
				fmt.Sprintf(`{"position":%d}`, i), now, now,
			); err != nil {
				return fmt.Errorf("insert subtask of %s: %w", p.id, err)
			}
		}

		metadata, err := sjson.Delete(p.metadata, "subtasks")
		if err != nil {
			return fmt.Errorf("strip subtasks from %s: %w", p.id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET metadata = ?, updated_at = ? WHERE id = ?`, metadata, now, p.id,
		); err != nil {
			return fmt.Errorf("update task %s metadata: %w", p.id, err)
		}
	}
	return nil
}

// derivedID names a row created from existing data. Every device migrating the
// same source row arrives at the same id, so the rows meet on sync instead of
// doubling up.
func derivedID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "/"))).String()
}

func hasTable(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

func hasColumn(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scan table info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
