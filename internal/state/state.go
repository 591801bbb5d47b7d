// Package state keeps in-memory snapshots of the signed-in owner's records for
// the UI. Every mutation writes through the repository first, publishes the
// new snapshot, and only then hands the change to the sync engine in the
// background. Remote changes pulled by the engine refresh the snapshots.
package state

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/hyperengineering/cadence/internal/repository"
)

// Syncer is the part of the sync engine the stores use.
type Syncer interface {
	PushAsync(table, id string)
	DeleteAsync(table, id string)
	Observe(fn func(table string)) (cancel func())
}

// core is the snapshot, subscriber and sync plumbing shared by every store.
type core[S any] struct {
	syncer Syncer
	logger *slog.Logger
	tables []string
	load   func(ctx context.Context, owner string) (S, error)

	mu     sync.RWMutex
	owner  string
	loaded bool
	snap   S

	subsMu sync.Mutex
	subs   map[int]func(S)
	nextID int

	stopObserving func()
}

func newCore[S any](syncer Syncer, logger *slog.Logger, name string, tables []string, load func(context.Context, string) (S, error)) *core[S] {
	if logger == nil {
		logger = slog.Default()
	}
	c := &core[S]{
		syncer: syncer,
		logger: logger.With("component", "state", "store", name),
		tables: tables,
		load:   load,
		subs:   make(map[int]func(S)),
	}
	if syncer != nil {
		c.stopObserving = syncer.Observe(c.onSynced)
	}
	return c
}

// Load reads owner's records and publishes them. An empty owner loads the
// records created before any login.
func (c *core[S]) Load(ctx context.Context, owner string) error {
	snap, err := c.load(ctx, owner)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.owner = owner
	c.loaded = true
	c.snap = snap
	c.mu.Unlock()
	c.publish(snap)
	return nil
}

// Snapshot returns the current snapshot.
func (c *core[S]) Snapshot() S {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Owner returns the owner the store was last loaded for.
func (c *core[S]) Owner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// Subscribe calls fn with every new snapshot until cancel is called.
func (c *core[S]) Subscribe(fn func(S)) (cancel func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		delete(c.subs, id)
	}
}

// Close stops following sync updates.
func (c *core[S]) Close() {
	if c.stopObserving != nil {
		c.stopObserving()
	}
}

func (c *core[S]) publish(snap S) {
	c.subsMu.Lock()
	fns := make([]func(S), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// refresh reloads the snapshot for the current owner.
func (c *core[S]) refresh(ctx context.Context) error {
	c.mu.RLock()
	owner, loaded := c.owner, c.loaded
	c.mu.RUnlock()
	if !loaded {
		return nil
	}
	return c.Load(ctx, owner)
}

func (c *core[S]) onSynced(table string) {
	if !slices.Contains(c.tables, table) {
		return
	}
	if err := c.refresh(context.Background()); err != nil {
		c.logger.Warn("reload after sync failed", "action", "reload_failed", "table", table, "error", err)
	}
}

// committed publishes a local write and queues its push.
func (c *core[S]) committed(ctx context.Context, table string, ids ...string) error {
	err := c.refresh(ctx)
	if c.syncer != nil {
		for _, id := range ids {
			c.syncer.PushAsync(table, id)
		}
	}
	return err
}

// deleted publishes a local delete and queues the remote deletes.
func (c *core[S]) deleted(ctx context.Context, refs []repository.Ref) error {
	err := c.refresh(ctx)
	if c.syncer != nil {
		for _, ref := range refs {
			c.syncer.DeleteAsync(ref.Table, ref.ID)
		}
	}
	return err
}
