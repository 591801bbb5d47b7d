// Package cadence is the client entry point: one local database kept in sync
// with a cadence server, with in-memory stores for habits, goals, routines,
// tasks and settings.
package cadence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/hyperengineering/cadence/internal/cleanup"
	"github.com/hyperengineering/cadence/internal/realtime"
	"github.com/hyperengineering/cadence/internal/remote"
	"github.com/hyperengineering/cadence/internal/repository"
	"github.com/hyperengineering/cadence/internal/state"
	"github.com/hyperengineering/cadence/internal/store"
	"github.com/hyperengineering/cadence/internal/syncer"
	"github.com/hyperengineering/cadence/internal/worker"
)

var (
	ErrClosed           = errors.New("client is closed")
	ErrMissingDatabase  = errors.New("DatabasePath is required")
	ErrMissingServerURL = errors.New("ServerURL is required")
)

type loader interface {
	Load(ctx context.Context, owner string) error
	Close()
}

// Client is a signed-in (or signed-out) device.
type Client struct {
	db       *store.Store
	backend  *remote.Client
	engine   *syncer.Engine
	queue    *worker.Queue
	logger   *slog.Logger
	sourceID string

	habits   *state.HabitStore
	goals    *state.GoalStore
	routines *state.RoutineStore
	tasks    *state.TaskStore
	settings *state.SettingsStore

	stopSweeps context.CancelFunc
	sweeps     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Open opens the local database and wires the sync machinery. Nobody is
// signed in until Login or Restore; the stores hold the records created while
// signed out.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.DatabasePath == "" {
		return nil, ErrMissingDatabase
	}
	if cfg.ServerURL == "" {
		return nil, ErrMissingServerURL
	}
	if cfg.QueueShards == 0 {
		cfg.QueueShards = 4
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 256
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := store.Open(ctx, cfg.DatabasePath, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	source, err := syncer.EnsureSourceID(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	opts := []remote.ClientOption{
		remote.WithClientLogger(logger),
		remote.WithRetry(cfg.Retries, 200*time.Millisecond),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, remote.WithHTTPClient(cfg.HTTPClient))
	}
	backend := remote.NewClient(cfg.ServerURL, cfg.Token, source, opts...)

	queue := worker.NewQueue(cfg.QueueShards, cfg.QueueDepth, logger)
	engine := syncer.New(db, backend, syncer.WithLogger(logger), syncer.WithQueue(queue))
	engine.SetSessionHook(realtime.New(backend, engine, source, logger))

	repos := repository.New(db)
	c := &Client{
		db:       db,
		backend:  backend,
		engine:   engine,
		queue:    queue,
		logger:   logger.With("component", "client"),
		sourceID: source,
		habits:   state.NewHabitStore(repos, engine, logger),
		goals:    state.NewGoalStore(repos, engine, logger),
		routines: state.NewRoutineStore(repos, engine, logger),
		tasks:    state.NewTaskStore(repos, engine, logger),
		settings: state.NewSettingsStore(repos, engine, logger),
	}
	if err := c.load(ctx, ""); err != nil {
		c.shutdown(ctx)
		return nil, err
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	c.stopSweeps = cancel
	if cfg.SyncInterval > 0 {
		coord := worker.NewSyncCoordinator(engine, cfg.SyncInterval, logger)
		c.sweeps.Add(1)
		go func() {
			defer c.sweeps.Done()
			coord.Run(sweepCtx)
		}()
	}

	c.logger.Info("client opened", "action", "open", "path", db.Path(), "source_id", source)
	return c, nil
}

// SourceID identifies this device to the server.
func (c *Client) SourceID() string { return c.sourceID }

// Login asks the server who the token belongs to and signs that owner in.
// Records created while signed out are adopted.
func (c *Client) Login(ctx context.Context) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	owner, err := c.engine.Login(ctx, c.backend)
	if err != nil {
		return "", err
	}
	return owner, c.load(ctx, owner)
}

// Restore resumes the previous session without contacting the server. It
// returns "" when nobody was signed in.
func (c *Client) Restore(ctx context.Context) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	owner, err := c.engine.Restore(ctx)
	if err != nil || owner == "" {
		return owner, err
	}
	return owner, c.load(ctx, owner)
}

// Logout signs out. Local data stays on the device but is no longer shown.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := c.engine.Logout(ctx); err != nil {
		return err
	}
	return c.load(ctx, "")
}

func (c *Client) Habits() *HabitStore { return c.habits }
func (c *Client) Goals() *GoalStore { return c.goals }
func (c *Client) Routines() *RoutineStore { return c.routines }
func (c *Client) Tasks() *TaskStore { return c.tasks }
func (c *Client) Settings() *SettingsStore { return c.settings }

// SyncNow runs a full sweep and reloads every store.
func (c *Client) SyncNow(ctx context.Context) (Report, error) {
	if err := c.check(); err != nil {
		return Report{}, err
	}
	rep, err := c.engine.SyncAll(ctx)
	if err != nil {
		return rep, err
	}
	return rep, c.load(ctx, c.engine.Owner())
}

// Status reports the sync state.
func (c *Client) Status() Status {
	return c.engine.Status()
}

// DuplicateCounts returns, per cleaned table, how many records a Cleanup
// would remove.
func (c *Client) DuplicateCounts(ctx context.Context) (map[string]int, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return cleanup.Count(ctx, c.db)
}

// Cleanup removes duplicate completions and links locally, then deletes them
// on the server in the background.
func (c *Client) Cleanup(ctx context.Context) (CleanupResult, error) {
	if err := c.check(); err != nil {
		return CleanupResult{}, err
	}
	res, err := cleanup.Run(ctx, c.db)
	if err != nil {
		return res, err
	}
	for table, ids := range res.Removed {
		for _, id := range ids {
			c.engine.DeleteAsync(table, id)
		}
	}
	c.logger.Info("cleanup finished", "action", "cleanup", "removed", res.Total())
	if res.Total() == 0 {
		return res, nil
	}
	return res, c.load(ctx, c.engine.Owner())
}

// Close stops background work, waiting for queued pushes until ctx ends, and
// closes the database.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stopSweeps()
	c.sweeps.Wait()
	err := c.shutdown(ctx)
	c.logger.Info("client closed", "action", "close")
	return err
}

func (c *Client) shutdown(ctx context.Context) error {
	err := c.engine.Shutdown(ctx)
	for _, s := range c.stores() {
		s.Close()
	}
	return multierr.Append(err, c.db.Close())
}

func (c *Client) check() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Client) stores() []loader {
	return []loader{c.habits, c.goals, c.routines, c.tasks, c.settings}
}

func (c *Client) load(ctx context.Context, owner string) error {
	var err error
	for _, s := range c.stores() {
		err = multierr.Append(err, s.Load(ctx, owner))
	}
	return err
}
