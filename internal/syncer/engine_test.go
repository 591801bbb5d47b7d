package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/cadence/internal/remote"
	"github.com/hyperengineering/cadence/internal/store"
	"github.com/hyperengineering/cadence/internal/types"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func openStore(t *testing.T, name string) *store.Store {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), name+".db"), store.WithLogger(quiet))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newEngine(t *testing.T, db *store.Store, backend remote.Backend, opts ...Option) *Engine {
	t.Helper()
	e := New(db, backend, append([]Option{WithLogger(quiet)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e
}

// login signs in and waits for the sweep Login starts in the background.
func login(t *testing.T, e *Engine, owner string) {
	t.Helper()
	if _, err := e.Login(context.Background(), remote.StaticIdentity(owner)); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	waitFor(t, func() bool {
		s := e.Status()
		return s.State == StateSuccess || s.State == StateError
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ts(hour int) string {
	return types.FormatTime(time.Date(2026, 3, 1, hour, 0, 0, 0, time.UTC))
}

func habitRec(id, owner, name string, created string) types.Record {
	return types.Record{
		"id": id, "owner_id": owner, "name": name, "category": "health",
		"target_days_per_week": int64(5), "archived": false,
		"created_at": created, "updated_at": created,
	}
}

func completionRec(id, owner, habitID, date, created string) types.Record {
	return types.Record{
		"id": id, "owner_id": owner, "habit_id": habitID, "date": date, "completed": true,
		"created_at": created, "updated_at": created,
	}
}

func put(t *testing.T, db *store.Store, table string, rec types.Record) {
	t.Helper()
	if err := db.Put(context.Background(), table, rec); err != nil {
		t.Fatalf("Put(%s) error = %v", table, err)
	}
}

func ids(recs []types.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID()
	}
	return out
}

func localAll(t *testing.T, db *store.Store, table string) []types.Record {
	t.Helper()
	recs, err := db.Query(context.Background(), table, store.Query{OrderBy: []string{"id"}})
	if err != nil {
		t.Fatalf("Query(%s) error = %v", table, err)
	}
	return recs
}

func TestSyncAll_RequiresIdentity(t *testing.T) {
	e := newEngine(t, openStore(t, "a"), remote.NewMemory().Session("a"))

	_, err := e.SyncAll(context.Background())
	if !errors.Is(err, ErrNoIdentity) {
		t.Errorf("SyncAll() error = %v, want ErrNoIdentity", err)
	}
	if err := e.PushRecord(context.Background(), types.TableHabits, "h1"); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("PushRecord() error = %v, want ErrNoIdentity", err)
	}
}

func TestLogin_EmptyIdentityFails(t *testing.T) {
	e := newEngine(t, openStore(t, "a"), remote.NewMemory().Session("a"))

	if _, err := e.Login(context.Background(), remote.StaticIdentity("")); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("Login() error = %v, want ErrNoIdentity", err)
	}
	if got := e.Owner(); got != "" {
		t.Errorf("Owner() = %q, want empty", got)
	}
}

func TestLogin_AdoptsOwnerlessRecordsAndPushesThem(t *testing.T) {
	// Given: a habit created while signed out
	db := openStore(t, "a")
	mem := remote.NewMemory()
	put(t, db, types.TableHabits, habitRec("h1", "", "Read", ts(8)))
	e := newEngine(t, db, mem.Session("a"))

	// When: the user signs in
	login(t, e, "u1")

	// Then: the habit is owned and on the backend
	got := mem.Records(types.TableHabits)
	if len(got) != 1 || got[0].OwnerID() != "u1" {
		t.Fatalf("remote habits = %v, want h1 owned by u1", got)
	}
	local, _ := db.Get(context.Background(), types.TableHabits, "h1")
	if local.OwnerID() != "u1" {
		t.Errorf("local owner = %q, want u1", local.OwnerID())
	}
	if s := e.Status(); s.State != StateSuccess || s.Owner != "u1" {
		t.Errorf("Status() = %+v, want success for u1", s)
	}
	if v, _ := db.GetMeta(context.Background(), store.MetaLastFullSync); v == "" {
		t.Error("last full sync not recorded")
	}
}

func TestRestore_ResumesSavedOwner(t *testing.T) {
	db := openStore(t, "a")
	mem := remote.NewMemory()
	first := newEngine(t, db, mem.Session("a"))
	login(t, first, "u1")

	second := newEngine(t, db, mem.Session("a"))
	owner, err := second.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if owner != "u1" || second.Owner() != "u1" {
		t.Errorf("Restore() = %q, Owner() = %q, want u1", owner, second.Owner())
	}

	// Logout forgets the saved owner.
	if err := second.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	third := newEngine(t, db, mem.Session("a"))
	if owner, _ := third.Restore(context.Background()); owner != "" {
		t.Errorf("Restore() after logout = %q, want empty", owner)
	}
}

type fakeHook struct {
	mu      sync.Mutex
	started []string
	stopped int
}

func (h *fakeHook) Start(_ context.Context, owner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, owner)
	return nil
}

func (h *fakeHook) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped++
}

func TestSessionHook_FollowsLoginAndLogout(t *testing.T) {
	e := newEngine(t, openStore(t, "a"), remote.NewMemory().Session("a"))
	hook := &fakeHook{}
	e.SetSessionHook(hook)

	login(t, e, "u1")
	if err := e.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	hook.mu.Lock()
	defer hook.mu.Unlock()
	if len(hook.started) != 1 || hook.started[0] != "u1" {
		t.Errorf("hook started = %v, want [u1]", hook.started)
	}
	if hook.stopped != 1 {
		t.Errorf("hook stopped %d times, want 1", hook.stopped)
	}
}

type fakeQueue struct {
	mu   sync.Mutex
	keys []string
	jobs []func(context.Context)
}

func (q *fakeQueue) Submit(key string, job func(context.Context)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys = append(q.keys, key)
	q.jobs = append(q.jobs, job)
	return true
}

func (q *fakeQueue) Close(context.Context) error { return nil }

func TestPushAsync_QueuesOnlyWhenSignedIn(t *testing.T) {
	db := openStore(t, "a")
	mem := remote.NewMemory()
	q := &fakeQueue{}
	e := newEngine(t, db, mem.Session("a"), WithQueue(q))

	// Signed out: nothing is queued.
	e.PushAsync(types.TableHabits, "h1")
	if len(q.keys) != 0 {
		t.Fatalf("queued %v while signed out", q.keys)
	}

	login(t, e, "u1")
	put(t, db, types.TableHabits, habitRec("h1", "u1", "Read", ts(8)))
	e.PushAsync(types.TableHabits, "h1")
	e.DeleteAsync(types.TableGoals, "g1")

	q.mu.Lock()
	keys := append([]string(nil), q.keys...)
	jobs := slices.Clone(q.jobs)
	q.mu.Unlock()
	want := []string{"habits/h1", "goals/g1"}
	if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
		t.Fatalf("queued keys = %v, want %v", keys, want)
	}

	jobs[0](context.Background())
	if got := mem.Records(types.TableHabits); len(got) != 1 {
		t.Errorf("remote habits after job = %v, want h1", ids(got))
	}
}

func TestApplyRemoteDelete_RemovesLocalAndNotifies(t *testing.T) {
	db := openStore(t, "a")
	e := newEngine(t, db, remote.NewMemory().Session("a"))
	put(t, db, types.TableHabits, habitRec("h1", "u1", "Read", ts(8)))
	if err := db.MarkSynced(context.Background(), types.TableHabits, "h1"); err != nil {
		t.Fatal(err)
	}

	var notified []string
	cancel := e.Observe(func(table string) { notified = append(notified, table) })
	defer cancel()

	if err := e.ApplyRemoteDelete(context.Background(), types.TableHabits, "h1"); err != nil {
		t.Fatalf("ApplyRemoteDelete() error = %v", err)
	}

	if _, err := db.Get(context.Background(), types.TableHabits, "h1"); !store.IsNotFound(err) {
		t.Errorf("Get() error = %v, want not found", err)
	}
	if synced, _ := db.IsSynced(context.Background(), types.TableHabits, "h1"); synced {
		t.Error("ledger still lists h1")
	}
	if len(notified) != 1 || notified[0] != types.TableHabits {
		t.Errorf("notified = %v, want [habits]", notified)
	}
}

func TestEnsureSourceID_IsStable(t *testing.T) {
	db := openStore(t, "a")
	first, err := EnsureSourceID(context.Background(), db)
	if err != nil {
		t.Fatalf("EnsureSourceID() error = %v", err)
	}
	second, _ := EnsureSourceID(context.Background(), db)
	if first == "" || first != second {
		t.Errorf("source ids %q then %q, want one stable id", first, second)
	}
}

// gatedBackend blocks the first habits select until released.
type gatedBackend struct {
	remote.Backend
	selects atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Select(ctx context.Context, table string, f remote.Filter) ([]types.Record, error) {
	if table == types.TableHabits && f.OwnerID != "" {
		if g.selects.Add(1) == 1 {
			close(g.entered)
			<-g.release
		}
	}
	return g.Backend.Select(ctx, table, f)
}

func TestSyncAll_CoalescesConcurrentCalls(t *testing.T) {
	db := openStore(t, "a")
	if err := db.SetMeta(context.Background(), store.MetaOwnerID, "u1"); err != nil {
		t.Fatal(err)
	}
	gate := &gatedBackend{
		Backend: remote.NewMemory().Session("a"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := newEngine(t, db, gate)
	// Restore starts the first sweep in the background.
	if _, err := e.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-gate.entered

	done := make(chan error, 1)
	go func() {
		_, err := e.SyncAll(context.Background())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(gate.release)

	if err := <-done; err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if n := gate.selects.Load(); n != 1 {
		t.Errorf("habits selected %d times, want 1 shared sweep", n)
	}
}
