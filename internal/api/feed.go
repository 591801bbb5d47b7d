package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	cadencesync "github.com/hyperengineering/cadence/internal/sync"
)

const (
	// feedBuffer is how many live events a feed client may fall behind by
	// before it is disconnected and has to resume from its last sequence.
	feedBuffer = 256

	feedWriteTimeout = 10 * time.Second
	replayBatch      = 500
)

// Hub fans committed changes out to connected feed clients.
type Hub struct {
	mu     sync.Mutex
	subs   map[*feedSub]struct{}
	closed bool
}

type feedSub struct {
	owner  string
	table  string
	events chan cadencesync.ChangeEvent
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*feedSub]struct{})}
}

// Publish delivers ev to every subscriber of its owner and table. A
// subscriber whose buffer is full is dropped; its channel is closed.
func (h *Hub) Publish(ev cadencesync.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.owner != ev.OwnerID || sub.table != ev.Table {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			delete(h.subs, sub)
			close(sub.events)
		}
	}
}

// Len returns the number of connected feed clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.events)
	}
}

func (h *Hub) subscribe(owner, table string) (*feedSub, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &feedSub{owner: owner, table: table, events: make(chan cadencesync.ChangeEvent, feedBuffer)}
	h.subs[sub] = struct{}{}
	return sub, true
}

func (h *Hub) unsubscribe(sub *feedSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.events)
	}
}

// Feed handles GET /api/v1/tables/{table}/feed as a websocket. With after=N
// the client first receives the owner's changes above N, then live ones.
// Without after (or after=0) only live changes are sent. When changes above N
// were compacted away a single resync event replaces the replay.
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	owner := OwnerFromContext(r.Context())

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			WriteProblem(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}

	sub, ok := h.hub.subscribe(owner, table)
	if !ok {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}
	defer h.hub.unsubscribe(sub)

	// The server write timeout would otherwise cut long-lived feeds.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", "action", "feed_upgrade_failed", "table", table, "error", err)
		return
	}
	defer conn.CloseNow()

	// The feed is write-only; CloseRead handles control frames and ends ctx
	// when the client goes away.
	ctx := conn.CloseRead(r.Context())

	h.logger.Debug("feed connected", "action", "feed_connected", "owner", owner, "table", table, "after", after)

	last, err := h.replay(ctx, conn, owner, table, after)
	if err != nil {
		h.closeFeed(conn, table, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.events:
			if !ok {
				conn.Close(websocket.StatusTryAgainLater, "feed closed; resume from last sequence")
				return
			}
			if ev.Sequence <= last {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				h.closeFeed(conn, table, err)
				return
			}
			last = ev.Sequence
		}
	}
}

// replay sends the changes above after and returns the last sequence sent.
func (h *Handler) replay(ctx context.Context, conn *websocket.Conn, owner, table string, after int64) (int64, error) {
	if after == 0 {
		return 0, nil
	}
	compacted, err := h.store.CompactedThrough(ctx)
	if err != nil {
		return 0, err
	}
	if after < compacted {
		ev := cadencesync.ChangeEvent{
			Table:     table,
			Operation: cadencesync.OperationResync,
			OwnerID:   owner,
			CreatedAt: time.Now().UTC(),
		}
		return 0, writeEvent(ctx, conn, ev)
	}

	last := after
	for {
		batch, err := h.store.ChangesAfter(ctx, owner, table, last, replayBatch)
		if err != nil {
			return last, err
		}
		for _, ev := range batch {
			if err := writeEvent(ctx, conn, ev); err != nil {
				return last, err
			}
			last = ev.Sequence
		}
		if len(batch) < replayBatch {
			return last, nil
		}
	}
}

func (h *Handler) closeFeed(conn *websocket.Conn, table string, err error) {
	if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
		return
	}
	h.logger.Warn("feed write failed", "action", "feed_failed", "table", table, "error", err)
	conn.Close(websocket.StatusInternalError, "feed error")
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev cadencesync.ChangeEvent) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
