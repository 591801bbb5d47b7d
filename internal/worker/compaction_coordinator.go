package worker

import (
	"context"
	"log/slog"
	"time"
)

// CompactionCapableStore is the change-log retention the backend provides.
type CompactionCapableStore interface {
	// CompactChangeLog deletes change-log entries older than before and
	// returns how many were removed.
	CompactChangeLog(ctx context.Context, before time.Time) (int64, error)
}

// CompactionCoordinator trims the backend change log. Feed clients that fall
// further behind than the retention window recover with a full sweep.
type CompactionCoordinator struct {
	store     CompactionCapableStore
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewCompactionCoordinator creates a compaction coordinator.
func NewCompactionCoordinator(
	store CompactionCapableStore,
	interval time.Duration,
	retention time.Duration,
	logger *slog.Logger,
) *CompactionCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompactionCoordinator{
		store:     store,
		interval:  interval,
		retention: retention,
		logger:    logger.With("component", "worker", "worker", "compaction-coordinator"),
		now:       time.Now,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
//
// The first compaction waits for the first tick so server startup stays quiet.
func (c *CompactionCoordinator) Run(ctx context.Context) {
	c.logger.Info("compaction coordinator started",
		"interval", c.interval.String(),
		"retention", c.retention.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("compaction coordinator stopped", "reason", "context_cancelled")
			return
		case <-ticker.C:
			c.compact(ctx)
		}
	}
}

// compact runs one compaction and reports whether it succeeded.
func (c *CompactionCoordinator) compact(ctx context.Context) bool {
	start := c.now()
	cutoff := start.Add(-c.retention)

	deleted, err := c.store.CompactChangeLog(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.logger.Error("compaction failed", "error", err)
		return false
	}
	if deleted == 0 {
		c.logger.Debug("no entries to compact")
		return true
	}
	c.logger.Info("compaction completed",
		"entries_deleted", deleted,
		"cutoff", cutoff.UTC().Format(time.RFC3339),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}
