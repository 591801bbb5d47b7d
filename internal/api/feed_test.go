package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	cadencesync "github.com/hyperengineering/cadence/internal/sync"
)

func (ts *testServer) dialFeed(t *testing.T, table, query, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/tables/" + table + "/feed" + query
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) cadencesync.ChangeEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev cadencesync.ChangeEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read feed event: %v", err)
	}
	return ev
}

// waitForFeeds polls until n feed clients are registered with the hub.
func (ts *testServer) waitForFeeds(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for ts.hub.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d feeds, have %d", n, ts.hub.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeed_StreamsLiveChangesForOwnerAndTable(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dialFeed(t, "habits", "", alice)
	ts.waitForFeeds(t, 1)

	// Other owners and other tables are filtered out.
	ts.do(t, http.MethodPut, "/api/v1/tables/habits/records/hb", bob, `{"id":"hb","updated_at":"2026-03-01T10:00:00Z"}`)
	ts.do(t, http.MethodPut, "/api/v1/tables/goals/records/g1", alice, `{"id":"g1","updated_at":"2026-03-01T10:00:00Z"}`)
	ts.do(t, http.MethodPut, "/api/v1/tables/habits/records/h1", alice, `{"id":"h1","updated_at":"2026-03-01T10:00:00Z"}`)
	ts.do(t, http.MethodDelete, "/api/v1/tables/habits/records/h1", alice, "")

	ev := readEvent(t, conn)
	if ev.RecordID != "h1" || ev.Operation != cadencesync.OperationUpsert || ev.SourceID != "device-1" {
		t.Errorf("first event = %+v, want upsert of h1 from device-1", ev)
	}
	ev = readEvent(t, conn)
	if ev.RecordID != "h1" || ev.Operation != cadencesync.OperationDelete {
		t.Errorf("second event = %+v, want delete of h1", ev)
	}
}

func TestFeed_ReplaysFromSequence(t *testing.T) {
	ts := newTestServer(t)
	for _, id := range []string{"h1", "h2", "h3"} {
		ts.do(t, http.MethodPut, "/api/v1/tables/habits/records/"+id, alice,
			`{"id":"`+id+`","updated_at":"2026-03-01T10:00:00Z"}`)
	}

	conn := ts.dialFeed(t, "habits", "?after=1", alice)

	if ev := readEvent(t, conn); ev.RecordID != "h2" || ev.Sequence != 2 {
		t.Errorf("replayed = %+v, want h2 at 2", ev)
	}
	if ev := readEvent(t, conn); ev.RecordID != "h3" {
		t.Errorf("replayed = %+v, want h3", ev)
	}

	// Live changes follow the replay.
	ts.do(t, http.MethodPut, "/api/v1/tables/habits/records/h4", alice, `{"id":"h4","updated_at":"2026-03-01T10:00:00Z"}`)
	if ev := readEvent(t, conn); ev.RecordID != "h4" {
		t.Errorf("live event = %+v, want h4", ev)
	}
}

func TestFeed_CompactedHistorySendsResync(t *testing.T) {
	ts := newTestServer(t)
	for _, id := range []string{"h1", "h2", "h3"} {
		ts.do(t, http.MethodPut, "/api/v1/tables/habits/records/"+id, alice,
			`{"id":"`+id+`","updated_at":"2026-03-01T10:00:00Z"}`)
	}
	if _, err := ts.store.CompactChangeLog(context.Background(), time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	conn := ts.dialFeed(t, "habits", "?after=1", alice)

	if ev := readEvent(t, conn); ev.Operation != cadencesync.OperationResync || ev.Table != "habits" {
		t.Errorf("event = %+v, want resync", ev)
	}
}

func TestFeed_RejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	if resp := ts.do(t, http.MethodGet, "/api/v1/tables/habits/feed", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous feed status = %d, want 401", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodGet, "/api/v1/tables/notes/feed", alice, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown table feed status = %d, want 404", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodGet, "/api/v1/tables/habits/feed?after=-3", alice, ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative after status = %d, want 400", resp.StatusCode)
	}
}

func TestFeed_HubCloseDisconnectsClients(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dialFeed(t, "habits", "", alice)
	ts.waitForFeeds(t, 1)

	ts.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev cadencesync.ChangeEvent
	err := wsjson.Read(ctx, conn, &ev)
	if websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Errorf("read after hub close = %v, want close status 1013", err)
	}
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewHub()
	sub, ok := hub.subscribe("alice", "habits")
	if !ok {
		t.Fatal("subscribe refused")
	}

	for i := 0; i < feedBuffer+1; i++ {
		hub.Publish(cadencesync.ChangeEvent{Sequence: int64(i + 1), OwnerID: "alice", Table: "habits"})
	}

	if hub.Len() != 0 {
		t.Errorf("Len() = %d, want slow subscriber dropped", hub.Len())
	}
	n := 0
	for range sub.events {
		n++
	}
	if n != feedBuffer {
		t.Errorf("buffered %d events before drop, want %d", n, feedBuffer)
	}
	hub.unsubscribe(sub)
}
