// Package syncer reconciles the local store with the remote backend. It owns
// the session (which owner is signed in), full and per-table sweeps,
// individual pushes and deletes, and the re-parenting of children when
// records turn out to be duplicates of remote ones.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/cadence/internal/remote"
	"github.com/hyperengineering/cadence/internal/store"
	cadencesync "github.com/hyperengineering/cadence/internal/sync"
)

// SessionHook is started when an owner signs in and stopped on sign-out. The
// realtime listener is the production hook.
type SessionHook interface {
	Start(ctx context.Context, owner string) error
	Stop()
}

// Queue runs background jobs, serialised per key.
type Queue interface {
	// Submit queues job under key. It reports false when the job was dropped.
	Submit(key string, job func(ctx context.Context)) bool
	// Close stops accepting jobs and waits for queued ones until ctx ends.
	Close(ctx context.Context) error
}

// State is the coarse sync state shown to the user.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSuccess State = "success"
	StateError   State = "error"
)

// Status is a snapshot of the engine's sync state.
type Status struct {
	State        State
	Owner        string
	LastStarted  time.Time
	LastFinished time.Time
	LastError    string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithQueue sets the queue used by PushAsync and DeleteAsync. Without one
// each job runs on its own goroutine.
func WithQueue(q Queue) Option {
	return func(e *Engine) { e.queue = q }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine synchronises one local store with one backend.
type Engine struct {
	db      *store.Store
	backend remote.Backend
	logger  *slog.Logger
	queue   Queue
	now     func() time.Time

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	mu        sync.RWMutex
	owner     string
	hook      SessionHook
	redirects map[string]map[string]string

	tableMu map[string]*sync.Mutex
	sweeps  singleflight.Group

	statusMu sync.Mutex
	status   Status

	observersMu sync.Mutex
	observers   map[int]func(table string)
	nextObs     int
}

// New returns an Engine. Nobody is signed in until Login or Restore.
func New(db *store.Store, backend remote.Backend, opts ...Option) *Engine {
	e := &Engine{
		db:        db,
		backend:   backend,
		logger:    slog.Default(),
		now:       time.Now,
		redirects: make(map[string]map[string]string),
		tableMu:   make(map[string]*sync.Mutex),
		status:    Status{State: StateIdle},
		observers: make(map[int]func(string)),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, t := range cadencesync.Tables {
		e.tableMu[t.Name] = &sync.Mutex{}
	}
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	e.logger = e.logger.With("component", "syncer")
	return e
}

// SetSessionHook installs the hook started by Login and Restore.
func (e *Engine) SetSessionHook(h SessionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = h
}

// Owner returns the signed-in owner, or "".
func (e *Engine) Owner() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.owner
}

// Login resolves the owner from idp and binds the session to it: records
// created while signed out are adopted by the owner, the session hook starts
// and a full sweep runs in the background.
func (e *Engine) Login(ctx context.Context, idp remote.IdentityProvider) (string, error) {
	owner, err := idp.Identity(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve identity: %w", err)
	}
	if owner == "" {
		return "", ErrNoIdentity
	}

	adopted, err := e.db.AdoptOwnerless(ctx, owner)
	if err != nil {
		return "", err
	}
	if err := e.db.SetMeta(ctx, store.MetaOwnerID, owner); err != nil {
		return "", err
	}
	e.logger.Info("signed in",
		"action", "login",
		"owner_id", owner,
		"adopted", adopted,
	)
	e.bind(owner)
	return owner, nil
}

// Restore resumes the session saved by an earlier Login. It returns "" when
// nobody was signed in.
func (e *Engine) Restore(ctx context.Context) (string, error) {
	owner, err := e.db.GetMeta(ctx, store.MetaOwnerID)
	if err != nil {
		return "", err
	}
	if owner == "" {
		return "", nil
	}
	e.logger.Info("session restored", "action", "restore", "owner_id", owner)
	e.bind(owner)
	return owner, nil
}

func (e *Engine) bind(owner string) {
	e.mu.Lock()
	if e.owner != owner {
		e.redirects = make(map[string]map[string]string)
	}
	e.owner = owner
	hook := e.hook
	e.mu.Unlock()

	e.setStatus(func(s *Status) { s.Owner = owner })
	if hook != nil {
		if err := hook.Start(e.bgCtx, owner); err != nil {
			e.logger.Warn("session hook failed to start", "action", "hook_start_failed", "error", err)
		}
	}
	e.Background(func(ctx context.Context) {
		if _, err := e.SyncAll(ctx); err != nil {
			e.logger.Warn("background sync failed", "action", "background_sync_failed", "error", err)
		}
	})
}

// Logout stops the session hook and forgets the owner. Local data is kept.
func (e *Engine) Logout(ctx context.Context) error {
	e.mu.Lock()
	hook := e.hook
	owner := e.owner
	e.owner = ""
	e.redirects = make(map[string]map[string]string)
	e.mu.Unlock()

	if hook != nil {
		hook.Stop()
	}
	e.setStatus(func(s *Status) { *s = Status{State: StateIdle} })
	if err := e.db.SetMeta(ctx, store.MetaOwnerID, ""); err != nil {
		return err
	}
	e.logger.Info("signed out", "action", "logout", "owner_id", owner)
	return nil
}

// Background runs fn on a goroutine that Shutdown waits for.
func (e *Engine) Background(fn func(ctx context.Context)) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn(e.bgCtx)
	}()
}

// Shutdown stops the session hook, drains the queue and waits for background
// work until ctx ends, then cancels whatever is left.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	hook := e.hook
	e.mu.RUnlock()
	if hook != nil {
		hook.Stop()
	}

	var err error
	if e.queue != nil {
		err = multierr.Append(err, e.queue.Close(ctx))
	}

	done := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for background sync: %w", ctx.Err()))
	}
	e.bgCancel()
	<-done
	return err
}

// Status returns the current sync status.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

func (e *Engine) setStatus(fn func(*Status)) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	fn(&e.status)
}

// Observe registers fn to be called after sync changes local records of a
// table. The returned func unregisters it.
func (e *Engine) Observe(fn func(table string)) (cancel func()) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	return func() {
		e.observersMu.Lock()
		defer e.observersMu.Unlock()
		delete(e.observers, id)
	}
}

func (e *Engine) notify(table string) {
	e.observersMu.Lock()
	fns := make([]func(string), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.observersMu.Unlock()
	for _, fn := range fns {
		fn(table)
	}
}

// requireOwner returns the signed-in owner or ErrNoIdentity.
func (e *Engine) requireOwner() (string, error) {
	owner := e.Owner()
	if owner == "" {
		return "", ErrNoIdentity
	}
	return owner, nil
}

func (e *Engine) redirect(table, from, to string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.redirects[table]
	if !ok {
		m = make(map[string]string)
		e.redirects[table] = m
	}
	m[from] = to
	// Collapse chains so every loser points at the final canonical id.
	for k, v := range m {
		if v == from {
			m[k] = to
		}
	}
}

func (e *Engine) redirectsFor(table string) map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.redirects[table]))
	for k, v := range e.redirects[table] {
		out[k] = v
	}
	return out
}
