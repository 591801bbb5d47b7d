package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	cadencesync "github.com/hyperengineering/cadence/internal/sync"
	"github.com/hyperengineering/cadence/internal/types"
)

// Client is the HTTP backend for a cadence server. Record calls retry
// transient failures with exponential backoff; feed subscriptions reconnect
// until cancelled and replay from the last sequence they saw.
type Client struct {
	baseURL  string
	token    string
	sourceID string
	http     *http.Client
	logger   *slog.Logger

	retries   uint64
	backoff   time.Duration
	reconnect time.Duration

	mu   sync.Mutex
	subs map[SubscriptionID]*feed
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithClientLogger sets the logger for feed connection events.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithRetry sets how many times transient record calls are retried and the
// initial backoff between attempts. Zero retries disables retrying.
func WithRetry(retries uint64, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.retries = retries
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithReconnectBackoff sets the initial delay before a dropped feed reconnects.
func WithReconnectBackoff(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.reconnect = d
		}
	}
}

// NewClient returns a Client for the server at baseURL, authenticating with
// token and stamping sourceID on every write.
func NewClient(baseURL, token, sourceID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		sourceID:  sourceID,
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    slog.Default(),
		retries:   3,
		backoff:   200 * time.Millisecond,
		reconnect: time.Second,
		subs:      make(map[SubscriptionID]*feed),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping checks the server health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", "", "", http.MethodGet, "/api/v1/health", nil, nil)
}

// Identity returns the owner the API token belongs to. A client without a
// token has no identity.
func (c *Client) Identity(ctx context.Context) (string, error) {
	if c.token == "" {
		return "", nil
	}
	var resp cadencesync.WhoAmIResponse
	if err := c.do(ctx, "whoami", "", "", http.MethodGet, "/api/v1/whoami", nil, &resp); err != nil {
		return "", err
	}
	return resp.OwnerID, nil
}

// Select implements Backend. The owner is always the token's.
func (c *Client) Select(ctx context.Context, table string, f Filter) ([]types.Record, error) {
	q := url.Values{}
	if f.IncludeArchived {
		q.Set("include_archived", "true")
	}
	for _, id := range f.IDs {
		q.Add("id", id)
	}
	path := "/api/v1/tables/" + url.PathEscape(table) + "/records"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp cadencesync.RecordsResponse
	if err := c.do(ctx, "select", table, "", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]types.Record, 0, len(resp.Records))
	for _, raw := range resp.Records {
		rec, err := types.DecodeRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("select %s: %w", table, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Upsert implements Backend.
func (c *Client) Upsert(ctx context.Context, table string, rec types.Record) (types.Record, bool, error) {
	id := rec.ID()
	if id == "" {
		return nil, false, &RejectionError{Op: "upsert", Table: table, Status: http.StatusBadRequest, Message: "record has no id"}
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s %s: %w", table, id, err)
	}
	var resp cadencesync.RecordResponse
	path := "/api/v1/tables/" + url.PathEscape(table) + "/records/" + url.PathEscape(id)
	if err := c.do(ctx, "upsert", table, id, http.MethodPut, path, body, &resp); err != nil {
		return nil, false, err
	}
	stored, err := types.DecodeRecord(resp.Record)
	if err != nil {
		return nil, false, fmt.Errorf("upsert %s %s: %w", table, id, err)
	}
	return stored, resp.Applied, nil
}

// Delete implements Backend. A record the server does not hold counts as deleted.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	path := "/api/v1/tables/" + url.PathEscape(table) + "/records/" + url.PathEscape(id)
	err := c.do(ctx, "delete", table, id, http.MethodDelete, path, nil, nil)
	var rej *RejectionError
	if errors.As(err, &rej) && rej.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// do sends one request, retrying transient failures.
func (c *Client) do(ctx context.Context, op, table, id, method, path string, body []byte, out any) error {
	b := retry.WithMaxRetries(c.retries, retry.WithJitterPercent(10, retry.NewExponential(c.backoff)))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.once(ctx, op, table, id, method, path, body, out)
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) once(ctx context.Context, op, table, id, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, table, err)
	}
	c.authorize(req.Header)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Op: op, Table: table, ID: id, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(op, table, id, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: op, Table: table, ID: id, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.sourceID != "" {
		h.Set(cadencesync.SourceHeader, c.sourceID)
	}
}

// statusError maps a non-2xx response to a TransientError or RejectionError,
// taking the message from a problem details body when there is one.
func statusError(op, table, id string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &problem) == nil {
		switch {
		case problem.Detail != "":
			msg = problem.Detail
		case problem.Title != "":
			msg = problem.Title
		}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &TransientError{Op: op, Table: table, ID: id, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}
	return &RejectionError{Op: op, Table: table, ID: id, Status: resp.StatusCode, Message: msg}
}

// feed is one table's change stream.
type feed struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe implements Backend. Events are read from the server's websocket
// feed. After a dropped connection is re-established the handler first gets a
// resync event, then the events it missed.
func (c *Client) Subscribe(ctx context.Context, table string, _ Filter, h Handler) (SubscriptionID, error) {
	if _, err := cadencesync.Lookup(table); err != nil {
		return "", err
	}
	id := SubscriptionID(table + "-" + uuid.NewString())
	ctx, cancel := context.WithCancel(ctx)
	f := &feed{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.subs[id] = f
	c.mu.Unlock()

	go func() {
		defer close(f.done)
		c.runFeed(ctx, table, h)
	}()
	return id, nil
}

// Unsubscribe implements Backend. It waits for the feed goroutine to exit.
func (c *Client) Unsubscribe(_ context.Context, id SubscriptionID) error {
	c.mu.Lock()
	f, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	f.cancel()
	<-f.done
	return nil
}

func (c *Client) runFeed(ctx context.Context, table string, h Handler) {
	var (
		after     int64
		connected bool
	)
	// Reconnect forever with capped exponential backoff; only ctx ends it.
	b := retry.WithCappedDuration(30*time.Second, retry.WithJitterPercent(20, retry.NewExponential(c.reconnect)))
	_ = retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.readFeed(ctx, table, after, func(ev cadencesync.ChangeEvent) {
			if ev.Sequence > after {
				after = ev.Sequence
			}
			h(ev)
		}, func() {
			if connected {
				h(cadencesync.ChangeEvent{Table: table, Operation: cadencesync.OperationResync, CreatedAt: time.Now().UTC()})
			}
			connected = true
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("change feed disconnected",
			"component", "remote",
			"action", "feed_disconnected",
			"table", table,
			"after", after,
			"error", err,
		)
		return retry.RetryableError(err)
	})
}

// readFeed holds one websocket connection open, calling onOpen once the
// handshake succeeds and h for every event, until the connection fails.
func (c *Client) readFeed(ctx context.Context, table string, after int64, h Handler, onOpen func()) error {
	u := c.baseURL + "/api/v1/tables/" + url.PathEscape(table) + "/feed?after=" + strconv.FormatInt(after, 10)
	header := http.Header{}
	c.authorize(header)

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial feed %s: %w", table, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	onOpen()

	for {
		var ev cadencesync.ChangeEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return fmt.Errorf("read feed %s: %w", table, err)
		}
		h(ev)
	}
}

var (
	_ Backend          = (*Client)(nil)
	_ IdentityProvider = (*Client)(nil)
)
