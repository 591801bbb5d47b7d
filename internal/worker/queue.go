// Package worker runs cadence's background work: the keyed push queue on the
// client, periodic sync sweeps, and the server's change-log compaction and
// snapshot uploads.
package worker

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
)

// Queue is a bounded fire-and-forget job queue. Jobs with the same key land
// on the same shard and run in submission order; different keys run in
// parallel across shards. A full shard drops the job.
type Queue struct {
	shards []chan queued
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type queued struct {
	key string
	fn  func(ctx context.Context)
}

// NewQueue starts shards workers, each buffering up to depth jobs.
func NewQueue(shards, depth int, logger *slog.Logger) *Queue {
	if shards < 1 {
		shards = 1
	}
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		shards: make([]chan queued, shards),
		logger: logger.With("component", "worker", "worker", "queue"),
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	for i := range q.shards {
		ch := make(chan queued, depth)
		q.shards[i] = ch
		q.wg.Add(1)
		go q.run(ch)
	}
	return q
}

func (q *Queue) run(ch chan queued) {
	defer q.wg.Done()
	for j := range ch {
		j.fn(q.ctx)
	}
}

// Submit queues fn under key. It reports false when the queue is closed or
// the key's shard is full.
func (q *Queue) Submit(key string, fn func(ctx context.Context)) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.shards[q.shard(key)] <- queued{key: key, fn: fn}:
		return true
	default:
		q.logger.Warn("queue full; job dropped", "action", "job_dropped", "key", key)
		return false
	}
}

func (q *Queue) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(q.shards)))
}

// Close stops accepting jobs and runs the queued ones. If ctx ends first the
// jobs' context is cancelled and ctx's error returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, ch := range q.shards {
		close(ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		q.logger.Warn("queue closed with jobs pending", "action", "queue_close_timeout")
		return ctx.Err()
	}
}
