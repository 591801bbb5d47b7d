// Package realtime turns the backend's change feed into targeted pulls.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/cadence/internal/remote"
	cadencesync "github.com/hyperengineering/cadence/internal/sync"
	"github.com/hyperengineering/cadence/internal/syncer"
)

// Puller is the part of the sync engine the listener drives.
type Puller interface {
	PullTable(ctx context.Context, table string) (*syncer.TableReport, error)
	ApplyRemoteDelete(ctx context.Context, table, id string) error
}

// Listener subscribes to every syncable table for the signed-in owner. It
// implements syncer.SessionHook.
type Listener struct {
	backend remote.Backend
	puller  Puller
	source  string
	logger  *slog.Logger

	mu      sync.Mutex
	current *session
}

// New returns a Listener. Events carrying source are this device's own
// writes and are ignored.
func New(backend remote.Backend, puller Puller, source string, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		backend: backend,
		puller:  puller,
		source:  source,
		logger:  logger.With("component", "realtime"),
	}
}

var _ syncer.SessionHook = (*Listener)(nil)

// Start subscribes for owner. Calling it again for the same owner does
// nothing; another owner replaces the current subscriptions.
func (l *Listener) Start(ctx context.Context, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current != nil {
		if l.current.owner == owner {
			return nil
		}
		l.current.close(l.backend)
		l.current = nil
	}

	s := newSession(ctx, owner)
	var idsMu sync.Mutex
	var g errgroup.Group
	for _, table := range cadencesync.TableNames() {
		g.Go(func() error {
			id, err := l.backend.Subscribe(s.ctx, table, remote.Filter{OwnerID: owner}, l.handler(s, table))
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", table, err)
			}
			idsMu.Lock()
			s.subs = append(s.subs, id)
			idsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.close(l.backend)
		return err
	}

	l.current = s
	l.logger.Info("listening for changes",
		"action", "listener_start",
		"owner_id", owner,
		"tables", len(s.subs),
	)
	return nil
}

// Stop unsubscribes and waits for pulls in flight.
func (l *Listener) Stop() {
	l.mu.Lock()
	s := l.current
	l.current = nil
	l.mu.Unlock()
	if s == nil {
		return
	}
	s.close(l.backend)
	l.logger.Info("stopped listening", "action", "listener_stop", "owner_id", s.owner)
}

func (l *Listener) handler(s *session, table string) remote.Handler {
	return func(ev cadencesync.ChangeEvent) {
		if l.source != "" && ev.SourceID == l.source {
			return
		}
		switch ev.Operation {
		case cadencesync.OperationDelete:
			if err := l.puller.ApplyRemoteDelete(s.ctx, table, ev.RecordID); err != nil {
				l.logger.Warn("remote delete not applied",
					"action", "apply_delete_failed",
					"table", table,
					"record_id", ev.RecordID,
					"error", err,
				)
			}
		case cadencesync.OperationResync:
			l.logger.Debug("feed reconnected; pulling", "action", "resync", "table", table)
		}
		s.schedule(table, func(ctx context.Context) {
			if _, err := l.puller.PullTable(ctx, table); err != nil {
				l.logger.Warn("targeted pull failed",
					"action", "pull_failed",
					"table", table,
					"error", err,
				)
			}
		})
	}
}

// session is one owner's set of subscriptions and the pulls they trigger.
type session struct {
	owner  string
	ctx    context.Context
	cancel context.CancelFunc
	subs   []remote.SubscriptionID

	mu     sync.Mutex
	closed bool
	pulls  map[string]*pullState
	wg     sync.WaitGroup
}

// pullState coalesces pulls of one table: one running, at most one pending.
type pullState struct {
	running bool
	pending bool
}

func newSession(ctx context.Context, owner string) *session {
	s := &session{owner: owner, pulls: make(map[string]*pullState)}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

func (s *session) schedule(table string, pull func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	st, ok := s.pulls[table]
	if !ok {
		st = &pullState{}
		s.pulls[table] = st
	}
	if st.running {
		st.pending = true
		return
	}
	st.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			pull(s.ctx)
			s.mu.Lock()
			if st.pending && !s.closed {
				st.pending = false
				s.mu.Unlock()
				continue
			}
			st.running = false
			st.pending = false
			s.mu.Unlock()
			return
		}
	}()
}

func (s *session) close(backend remote.Backend) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	for _, id := range s.subs {
		_ = backend.Unsubscribe(context.Background(), id)
	}
	s.cancel()
	s.wg.Wait()
}
