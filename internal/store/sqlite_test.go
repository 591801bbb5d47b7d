package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/cadence/internal/types"
	"github.com/hyperengineering/cadence/migrations/local"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "cadence.db"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesAllMigrations(t *testing.T) {
	s := newTestStore(t)

	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if v != local.Latest {
		t.Errorf("SchemaVersion() = %d, want %d", v, local.Latest)
	}
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:", WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	defer s.Close()

	if err := s.Put(context.Background(), types.TableHabits, types.Record{
		"id": "h1", "name": "Read", "category": "learning", "created_at": "2026-01-01T00:00:00Z", "updated_at": "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

func TestOpen_UnwritableDirectoryReturnsOpenError(t *testing.T) {
	// Given: a regular file where the database directory should be
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	// When: the store is opened beneath it
	_, err := Open(context.Background(), filepath.Join(blocker, "cadence.db"), WithLogger(quietLogger()))

	// Then: a distinct OpenError is returned
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Open() error = %v, want *OpenError", err)
	}
}

func TestOpen_FailedMigrationReturnsOpenError(t *testing.T) {
	// Given: a database that already has an incompatible habits table
	path := filepath.Join(t.TempDir(), "conflict.db")
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := raw.Exec(`CREATE TABLE habits (legacy TEXT)`); err != nil {
		t.Fatal(err)
	}
	raw.Close()

	// When: the store is opened
	s, err := Open(context.Background(), path, WithLogger(quietLogger()))

	// Then: initialisation aborts and no store is returned
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Open() error = %v, want *OpenError", err)
	}
	if s != nil {
		t.Error("Open() returned a store alongside an error")
	}
	if openErr.Unwrap() == nil {
		t.Error("OpenError should wrap the migration failure")
	}
}

func TestMigrations_BackfillJunctionAndSubtasks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	// Given: a store at schema version 1 holding pre-migration records
	old, err := Open(ctx, path, WithSchemaVersion(1), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Open(v1) error = %v", err)
	}
	legacy := []string{
		`INSERT INTO routines (id, owner_id, title, created_at) VALUES ('r1', 'u1', 'Morning', '2024-01-01T00:00:00Z')`,
		`INSERT INTO habits (id, owner_id, name, category, routine_id, created_at)
			VALUES ('h1', 'u1', 'Meditate', 'health', 'r1', '2024-01-02T03:04:05Z')`,
		`INSERT INTO habits (id, owner_id, name, category, created_at)
			VALUES ('h2', 'u1', 'Run', 'fitness', '2024-02-01T00:00:00Z')`,
		`INSERT INTO completions (id, owner_id, habit_id, date, created_at)
			VALUES ('c1', 'u1', 'h1', '2024-01-03', '2024-01-03T08:00:00Z')`,
		`INSERT INTO tasks (id, owner_id, title, metadata, created_at)
			VALUES ('t1', 'u1', 'Plan trip', '{"subtasks":[{"title":"Book flight","completed":true},"Pack"],"color":"blue"}', '2024-01-05T00:00:00Z')`,
	}
	for _, stmt := range legacy {
		if _, err := old.DB().Exec(stmt); err != nil {
			t.Fatalf("seed legacy data: %v", err)
		}
	}
	old.Close()

	// When: the store is reopened at the latest version
	s, err := Open(ctx, path, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Open(latest) error = %v", err)
	}

	// Then: updated_at equals created_at for pre-existing records
	for _, ref := range []struct{ table, id, want string }{
		{types.TableHabits, "h1", "2024-01-02T03:04:05Z"},
		{types.TableHabits, "h2", "2024-02-01T00:00:00Z"},
		{types.TableCompletions, "c1", "2024-01-03T08:00:00Z"},
		{types.TableRoutines, "r1", "2024-01-01T00:00:00Z"},
	} {
		rec, err := s.Get(ctx, ref.table, ref.id)
		if err != nil {
			t.Fatalf("Get(%s, %s) error = %v", ref.table, ref.id, err)
		}
		if got := rec.String("updated_at"); got != ref.want {
			t.Errorf("%s/%s updated_at = %q, want %q", ref.table, ref.id, got, ref.want)
		}
	}

	// And: the single routine reference became one junction record
	links, err := s.Query(ctx, types.TableHabitRoutines, Query{Where: map[string]any{"habit_id": "h1"}})
	if err != nil {
		t.Fatalf("Query(habit_routines) error = %v", err)
	}
	if len(links) != 1 || links[0].String("routine_id") != "r1" || links[0].OwnerID() != "u1" {
		t.Fatalf("habit_routines for h1 = %v, want one link to r1 owned by u1", links)
	}

	// And: embedded subtasks were promoted to child tasks
	children, err := s.Query(ctx, types.TableTasks, Query{Where: map[string]any{"parent_task_id": "t1"}})
	if err != nil {
		t.Fatalf("Query(tasks) error = %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("child tasks = %d, want 2", len(children))
	}
	statuses := map[string]string{}
	for _, c := range children {
		statuses[c.String("title")] = c.String("status")
		if c.Int("depth") != 1 {
			t.Errorf("child %s depth = %d, want 1", c.String("title"), c.Int("depth"))
		}
	}
	if statuses["Book flight"] != "done" || statuses["Pack"] != "todo" {
		t.Errorf("child statuses = %v", statuses)
	}
	parent, err := s.Get(ctx, types.TableTasks, "t1")
	if err != nil {
		t.Fatal(err)
	}
	var meta map[string]any
	if err := json.Unmarshal(parent["metadata"].(json.RawMessage), &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if _, ok := meta["subtasks"]; ok {
		t.Error("metadata.subtasks should be removed after promotion")
	}
	if meta["color"] != "blue" {
		t.Errorf("metadata.color = %v, want blue", meta["color"])
	}
	s.Close()

	// And: reopening at the same version changes nothing
	again, err := Open(ctx, path, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer again.Close()
	h1, err := again.Get(ctx, types.TableHabits, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if h1.String("updated_at") != "2024-01-02T03:04:05Z" {
		t.Errorf("h1 updated_at changed on reopen: %q", h1.String("updated_at"))
	}
	tasks, err := again.Query(ctx, types.TableTasks, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Errorf("tasks after reopen = %d, want 3", len(tasks))
	}
	links, err = again.Query(ctx, types.TableHabitRoutines, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 {
		t.Errorf("habit_routines after reopen = %d, want 1", len(links))
	}
}

func TestMigrations_DerivedRowsMatchAcrossDevices(t *testing.T) {
	ctx := context.Background()

	// Given: two devices holding the same pre-migration records
	migrate := func(name string) *Store {
		path := filepath.Join(t.TempDir(), name+".db")
		old, err := Open(ctx, path, WithSchemaVersion(1), WithLogger(quietLogger()))
		if err != nil {
			t.Fatalf("Open(%s, v1) error = %v", name, err)
		}
		for _, stmt := range []string{
			`INSERT INTO routines (id, owner_id, title, created_at) VALUES ('r1', 'u1', 'Morning', '2024-01-01T00:00:00Z')`,
			`INSERT INTO habits (id, owner_id, name, category, routine_id, created_at)
				VALUES ('h1', 'u1', 'Meditate', 'health', 'r1', '2024-01-02T00:00:00Z')`,
			`INSERT INTO tasks (id, owner_id, title, metadata, created_at)
				VALUES ('t1', 'u1', 'Trip', '{"subtasks":["Pack","Book"]}', '2024-01-05T00:00:00Z')`,
		} {
			if _, err := old.DB().Exec(stmt); err != nil {
				t.Fatalf("seed %s: %v", name, err)
			}
		}
		old.Close()

		// When: each device upgrades on its own
		s, err := Open(ctx, path, WithLogger(quietLogger()))
		if err != nil {
			t.Fatalf("Open(%s, latest) error = %v", name, err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	a, b := migrate("a"), migrate("b")

	// Then: promoted subtasks and junction rows carry the same ids on both
	rowIDs := func(s *Store, table string, where map[string]any) []string {
		recs, err := s.Query(ctx, table, Query{Where: where, OrderBy: []string{"id"}})
		if err != nil {
			t.Fatalf("Query(%s) error = %v", table, err)
		}
		var out []string
		for _, r := range recs {
			out = append(out, r.ID())
		}
		return out
	}
	for _, c := range []struct {
		table string
		where map[string]any
		want  int
	}{
		{types.TableTasks, map[string]any{"parent_task_id": "t1"}, 2},
		{types.TableHabitRoutines, map[string]any{"habit_id": "h1"}, 1},
	} {
		gotA, gotB := rowIDs(a, c.table, c.where), rowIDs(b, c.table, c.where)
		if len(gotA) != c.want || len(gotB) != c.want {
			t.Fatalf("%s rows: a = %v, b = %v, want %d each", c.table, gotA, gotB, c.want)
		}
		for i := range gotA {
			if gotA[i] != gotB[i] {
				t.Errorf("%s ids differ: a = %v, b = %v", c.table, gotA, gotB)
				break
			}
		}
	}
}
