package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cadencesync "github.com/hyperengineering/cadence/internal/sync"
	"github.com/hyperengineering/cadence/internal/types"
)

// Memory is an in-process backend shared by any number of sessions. Each
// session stamps its own source id on the change events it causes, the way
// devices do against the server.
type Memory struct {
	mu      sync.Mutex
	tables  map[string]map[string]types.Record
	seq     int64
	subs    map[SubscriptionID]*memorySub
	failure func(op, table, id string) error
	now     func() time.Time
}

type memorySub struct {
	table  string
	owner  string
	events chan cadencesync.ChangeEvent
	done   chan struct{}
}

// NewMemory returns an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string]map[string]types.Record),
		subs:   make(map[SubscriptionID]*memorySub),
		now:    time.Now,
	}
}

// Session returns a Backend view of m whose writes carry sourceID.
func (m *Memory) Session(sourceID string) Backend {
	return &memorySession{m: m, source: sourceID}
}

// FailWith makes every later operation consult fn first; a non-nil result is
// returned instead of performing the operation. Pass nil to clear.
func (m *Memory) FailWith(fn func(op, table, id string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = fn
}

// Put stores rec directly, bypassing the newer-wins check and emitting an
// upsert event with no source.
func (m *Memory) Put(table string, rec types.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(table, rec.Clone())
	m.publish(table, cadencesync.OperationUpsert, rec.ID(), rec.OwnerID(), "")
}

// Records returns every record of table regardless of owner, ordered by id.
func (m *Memory) Records(table string) []types.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Record, 0, len(m.tables[table]))
	for _, rec := range m.tables[table] {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *Memory) store(table string, rec types.Record) {
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]types.Record)
		m.tables[table] = t
	}
	t[rec.ID()] = rec
}

func (m *Memory) fail(op, table, id string) error {
	if m.failure == nil {
		return nil
	}
	return m.failure(op, table, id)
}

// publish queues an event for every matching subscriber. Callers hold m.mu.
func (m *Memory) publish(table, op, id, owner, source string) {
	m.seq++
	ev := cadencesync.ChangeEvent{
		Sequence:  m.seq,
		Table:     table,
		Operation: op,
		RecordID:  id,
		OwnerID:   owner,
		SourceID:  source,
		CreatedAt: m.now().UTC(),
	}
	for _, sub := range m.subs {
		if sub.table != table || (sub.owner != "" && sub.owner != owner) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			// A subscriber that cannot keep up gets a resync instead.
			select {
			case <-sub.events:
			default:
			}
			sub.events <- cadencesync.ChangeEvent{Table: table, Operation: cadencesync.OperationResync, CreatedAt: ev.CreatedAt}
		}
	}
}

type memorySession struct {
	m      *Memory
	source string
}

func (s *memorySession) Select(_ context.Context, table string, f Filter) ([]types.Record, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("select", table, ""); err != nil {
		return nil, err
	}

	var ids map[string]bool
	if len(f.IDs) > 0 {
		ids = make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			ids[id] = true
		}
	}
	out := make([]types.Record, 0)
	for id, rec := range m.tables[table] {
		if ids != nil && !ids[id] {
			continue
		}
		if f.OwnerID != "" && rec.OwnerID() != f.OwnerID {
			continue
		}
		if !f.IncludeArchived && IsArchived(table, rec) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (s *memorySession) Upsert(_ context.Context, table string, rec types.Record) (types.Record, bool, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	id := rec.ID()
	if id == "" {
		return nil, false, &RejectionError{Op: "upsert", Table: table, Status: 400, Message: "record has no id"}
	}
	if err := m.fail("upsert", table, id); err != nil {
		return nil, false, err
	}

	if existing, ok := m.tables[table][id]; ok && types.NewerThan(existing, rec) {
		return existing.Clone(), false, nil
	}
	stored := rec.Clone()
	m.store(table, stored)
	m.publish(table, cadencesync.OperationUpsert, id, rec.OwnerID(), s.source)
	return stored.Clone(), true, nil
}

func (s *memorySession) Delete(_ context.Context, table, id string) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("delete", table, id); err != nil {
		return err
	}
	existing, ok := m.tables[table][id]
	if !ok {
		return nil
	}
	delete(m.tables[table], id)
	m.publish(table, cadencesync.OperationDelete, id, existing.OwnerID(), s.source)
	return nil
}

func (s *memorySession) Subscribe(ctx context.Context, table string, f Filter, h Handler) (SubscriptionID, error) {
	m := s.m
	if _, err := cadencesync.Lookup(table); err != nil {
		return "", err
	}
	sub := &memorySub{
		table:  table,
		owner:  f.OwnerID,
		events: make(chan cadencesync.ChangeEvent, 256),
		done:   make(chan struct{}),
	}
	id := SubscriptionID(fmt.Sprintf("mem-%s-%s", table, uuid.NewString()))

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				s.Unsubscribe(context.Background(), id)
				return
			case <-sub.done:
				return
			case ev := <-sub.events:
				h(ev)
			}
		}
	}()
	return id, nil
}

func (s *memorySession) Unsubscribe(_ context.Context, id SubscriptionID) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(sub.done)
	}
	return nil
}
