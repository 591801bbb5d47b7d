package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/cadence/internal/syncer"
)

// Sweeper runs a full sync sweep.
type Sweeper interface {
	SyncAll(ctx context.Context) (syncer.Report, error)
}

// SyncCoordinator runs periodic full sweeps on the client, so changes missed
// by the realtime feed and pushes dropped by the queue still converge.
type SyncCoordinator struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// NewSyncCoordinator creates a coordinator that sweeps every interval.
func NewSyncCoordinator(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *SyncCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncCoordinator{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With("component", "worker", "worker", "sync-coordinator"),
	}
}

// Run sweeps immediately and then on every tick. Blocks until ctx is cancelled.
func (c *SyncCoordinator) Run(ctx context.Context) {
	c.logger.Info("sync coordinator started", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sync coordinator stopped", "reason", "context_cancelled")
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *SyncCoordinator) sweep(ctx context.Context) {
	rep, err := c.sweeper.SyncAll(ctx)
	switch {
	case errors.Is(err, syncer.ErrNoIdentity):
		c.logger.Debug("sweep skipped; nobody signed in", "action", "sweep_skipped")
		return
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("sweep finished with errors", "action", "sweep_failed", "error", err)
		return
	}

	var pushed, pulled, deleted int
	for _, t := range rep.Tables {
		pushed += t.Pushed
		pulled += t.Pulled
		deleted += t.Deleted
	}
	c.logger.Debug("sweep completed",
		"action", "sweep_complete",
		"pushed", pushed,
		"pulled", pulled,
		"deleted", deleted,
		"duplicates_removed", rep.Cleanup.Total(),
	)
}
