package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	cadencesync "github.com/hyperengineering/cadence/internal/sync"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "backend.db"), WithLogger(quiet))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func habit(id, name, updated string) []byte {
	return []byte(`{"id":"` + id + `","name":"` + name + `","category":"health","archived":false,` +
		`"created_at":"2026-03-01T08:00:00Z","updated_at":"` + updated + `"}`)
}

func TestUpsert_StampsOwnerAndLogsChange(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	stored, applied, err := s.Upsert(ctx, "alice", "dev-1", "habits", "h1", habit("h1", "Run", "2026-03-01T08:00:00Z"))
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if !applied {
		t.Fatal("Upsert() applied = false, want true")
	}
	if owner := gjson.GetBytes(stored, "owner_id").String(); owner != "alice" {
		t.Errorf("stored owner_id = %q, want alice", owner)
	}

	changes, err := s.ChangesAfter(ctx, "alice", "habits", 0, 10)
	if err != nil {
		t.Fatalf("ChangesAfter() error = %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("ChangesAfter() = %d events, want 1", len(changes))
	}
	ev := changes[0]
	if ev.Operation != cadencesync.OperationUpsert || ev.RecordID != "h1" || ev.SourceID != "dev-1" || ev.OwnerID != "alice" {
		t.Errorf("change = %+v", ev)
	}
}

func TestUpsert_OlderWriteLoses(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, _, err := s.Upsert(ctx, "alice", "", "habits", "h1", habit("h1", "Newer", "2026-03-01T10:00:00Z")); err != nil {
		t.Fatal(err)
	}

	// When: a stale copy arrives, written with a different offset
	stored, applied, err := s.Upsert(ctx, "alice", "", "habits", "h1", habit("h1", "Older", "2026-03-01T10:30:00+01:00"))
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	// Then
	if applied {
		t.Error("stale Upsert applied")
	}
	if name := gjson.GetBytes(stored, "name").String(); name != "Newer" {
		t.Errorf("stored name = %q, want Newer", name)
	}
	changes, _ := s.ChangesAfter(ctx, "alice", "habits", 0, 10)
	if len(changes) != 1 {
		t.Errorf("stale write logged a change: %d events", len(changes))
	}
}

func TestUpsert_EqualTimestampApplies(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	at := "2026-03-01T10:00:00Z"

	s.Upsert(ctx, "alice", "", "habits", "h1", habit("h1", "First", at))
	stored, applied, err := s.Upsert(ctx, "alice", "", "habits", "h1", habit("h1", "Second", at))
	if err != nil || !applied {
		t.Fatalf("Upsert() = %v, %v; want applied", applied, err)
	}
	if name := gjson.GetBytes(stored, "name").String(); name != "Second" {
		t.Errorf("stored name = %q, want Second", name)
	}
}

func TestUpsert_RejectsOtherOwnersRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.Upsert(ctx, "alice", "", "habits", "h1", habit("h1", "Run", "2026-03-01T08:00:00Z"))

	_, _, err := s.Upsert(ctx, "bob", "", "habits", "h1", habit("h1", "Mine now", "2026-03-02T08:00:00Z"))
	if !errors.Is(err, ErrOwnerMismatch) {
		t.Errorf("Upsert() error = %v, want ErrOwnerMismatch", err)
	}
}

func TestUpsert_InvalidPayloads(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	tests := []struct {
		name    string
		table   string
		id      string
		payload string
	}{
		{"unknown table", "notes", "n1", `{"id":"n1"}`},
		{"not json", "habits", "h1", `{"id":`},
		{"array", "habits", "h1", `[1,2]`},
		{"id mismatch", "habits", "h1", `{"id":"h2"}`},
		{"bad timestamp", "habits", "h1", `{"id":"h1","updated_at":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.Upsert(ctx, "alice", "", tt.table, tt.id, []byte(tt.payload))
			if !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("Upsert() error = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestUpsert_MissingUpdatedAtIsStamped(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s, err := Open(ctx, ":memory:", WithLogger(quiet), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	stored, _, err := s.Upsert(ctx, "alice", "", "routines", "r1", []byte(`{"id":"r1","name":"Morning"}`))
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if got := gjson.GetBytes(stored, "updated_at").String(); got != "2026-03-01T09:00:00Z" {
		t.Errorf("updated_at = %q, want clock time", got)
	}
}

func TestSelect_FiltersOwnerArchivedAndIDs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	at := "2026-03-01T08:00:00Z"
	s.Upsert(ctx, "alice", "", "habits", "h1", habit("h1", "Run", at))
	s.Upsert(ctx, "alice", "", "habits", "h2", []byte(`{"id":"h2","name":"Old","archived":true,"updated_at":"`+at+`"}`))
	s.Upsert(ctx, "alice", "", "habits", "h3", habit("h3", "Read", at))
	s.Upsert(ctx, "bob", "", "habits", "h4", habit("h4", "Swim", at))
	s.Upsert(ctx, "alice", "", "tasks", "t1", []byte(`{"id":"t1","title":"Done","status":"archived","updated_at":"`+at+`"}`))

	ids := func(payloads [][]byte) []string {
		var out []string
		for _, p := range payloads {
			out = append(out, gjson.GetBytes(p, "id").String())
		}
		return out
	}

	got, err := s.Select(ctx, "alice", "habits", false, nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if g := ids(got); len(g) != 2 || g[0] != "h1" || g[1] != "h3" {
		t.Errorf("active habits = %v, want [h1 h3]", g)
	}

	got, _ = s.Select(ctx, "alice", "habits", true, []string{"h2", "h4"})
	if g := ids(got); len(g) != 1 || g[0] != "h2" {
		t.Errorf("habits by id with archived = %v, want [h2]", g)
	}

	got, _ = s.Select(ctx, "alice", "tasks", false, nil)
	if len(got) != 0 {
		t.Errorf("archived-status task returned by default select: %v", ids(got))
	}
}

func TestDelete_LogsOnlyRealDeletes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.Upsert(ctx, "alice", "", "goals", "g1", []byte(`{"id":"g1","title":"Ship","updated_at":"2026-03-01T08:00:00Z"}`))

	if deleted, err := s.Delete(ctx, "bob", "", "goals", "g1"); err != nil || deleted {
		t.Errorf("Delete by other owner = %v, %v; want false, nil", deleted, err)
	}
	if deleted, err := s.Delete(ctx, "alice", "dev-2", "goals", "g1"); err != nil || !deleted {
		t.Errorf("Delete() = %v, %v; want true, nil", deleted, err)
	}
	if deleted, err := s.Delete(ctx, "alice", "dev-2", "goals", "g1"); err != nil || deleted {
		t.Errorf("second Delete() = %v, %v; want false, nil", deleted, err)
	}
	if _, err := s.Get(ctx, "alice", "goals", "g1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}

	changes, _ := s.ChangesAfter(ctx, "alice", "goals", 0, 10)
	if len(changes) != 2 || changes[1].Operation != cadencesync.OperationDelete {
		t.Errorf("changes = %+v, want upsert then delete", changes)
	}
}

func TestWatch_ReceivesCommittedChanges(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var mu sync.Mutex
	var got []cadencesync.ChangeEvent
	stop := s.Watch(func(ev cadencesync.ChangeEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	s.Upsert(ctx, "alice", "dev-1", "habits", "h1", habit("h1", "Run", "2026-03-01T08:00:00Z"))
	s.Upsert(ctx, "alice", "dev-1", "habits", "h1", habit("h1", "Stale", "2026-02-01T08:00:00Z"))
	stop()
	s.Delete(ctx, "alice", "dev-1", "habits", "h1")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].RecordID != "h1" || got[0].Sequence == 0 {
		t.Errorf("watched events = %+v, want one upsert", got)
	}
}

func TestCompactChangeLog(t *testing.T) {
	// Given: changes written a week apart
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, err := Open(ctx, filepath.Join(t.TempDir(), "b.db"), WithLogger(quiet), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Upsert(ctx, "alice", "", "habits", "h1", habit("h1", "Run", "2026-03-01T08:00:00Z"))
	s.Upsert(ctx, "alice", "", "habits", "h2", habit("h2", "Read", "2026-03-01T08:00:00Z"))
	now = now.Add(7 * 24 * time.Hour)
	s.Upsert(ctx, "alice", "", "habits", "h3", habit("h3", "Swim", "2026-03-08T08:00:00Z"))

	// When
	deleted, err := s.CompactChangeLog(ctx, now.Add(-24*time.Hour))

	// Then
	if err != nil {
		t.Fatalf("CompactChangeLog() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	through, err := s.CompactedThrough(ctx)
	if err != nil || through != 2 {
		t.Errorf("CompactedThrough() = %d, %v; want 2", through, err)
	}
	changes, _ := s.ChangesAfter(ctx, "alice", "habits", 0, 10)
	if len(changes) != 1 || changes[0].RecordID != "h3" {
		t.Errorf("remaining changes = %+v, want only h3", changes)
	}
	if head, _ := s.HeadSequence(ctx); head != 3 {
		t.Errorf("HeadSequence() = %d, want 3", head)
	}

	// Records survive compaction.
	if _, err := s.Get(ctx, "alice", "habits", "h1"); err != nil {
		t.Errorf("Get(h1) after compaction error = %v", err)
	}

	// Nothing left to compact.
	if deleted, err := s.CompactChangeLog(ctx, now.Add(-24*time.Hour)); err != nil || deleted != 0 {
		t.Errorf("second CompactChangeLog() = %d, %v; want 0", deleted, err)
	}
}

func TestSnapshot_WritesUsableCopy(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.Upsert(ctx, "alice", "", "habits", "h1", habit("h1", "Run", "2026-03-01T08:00:00Z"))

	path := filepath.Join(t.TempDir(), "snap.db")
	if err := s.Snapshot(ctx, path); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Fatalf("snapshot file missing or empty: %v", err)
	}

	restored, err := Open(ctx, path, WithLogger(quiet))
	if err != nil {
		t.Fatalf("Open(snapshot) error = %v", err)
	}
	defer restored.Close()
	if _, err := restored.Get(ctx, "alice", "habits", "h1"); err != nil {
		t.Errorf("snapshot is missing h1: %v", err)
	}
}

func TestMigrate_DownAndUp(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	v, err := s.Migrate(ctx, 1)
	if err != nil || v != 1 {
		t.Fatalf("Migrate(1) = %d, %v", v, err)
	}
	if _, err := s.HeadSequence(ctx); err == nil {
		t.Error("change_log still present after migrating down")
	}

	v, err = s.Migrate(ctx, 2)
	if err != nil || v != 2 {
		t.Fatalf("Migrate(2) = %d, %v", v, err)
	}
	if _, err := s.HeadSequence(ctx); err != nil {
		t.Errorf("HeadSequence() after migrating up error = %v", err)
	}
}
