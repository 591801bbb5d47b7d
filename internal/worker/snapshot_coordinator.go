package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hyperengineering/cadence/internal/snapshot"
)

// SnapshotCapableStore writes a consistent copy of the backend database.
type SnapshotCapableStore interface {
	Snapshot(ctx context.Context, path string) error
}

// SnapshotCoordinator periodically snapshots the backend database and uploads
// the copy when object storage is configured.
type SnapshotCoordinator struct {
	store    SnapshotCapableStore
	dir      string
	name     string
	uploader snapshot.Uploader
	interval time.Duration
	logger   *slog.Logger
}

// NewSnapshotCoordinator creates a coordinator writing dir/current.db and
// uploading it under name. A nil uploader keeps snapshots local.
func NewSnapshotCoordinator(
	store SnapshotCapableStore,
	dir string,
	name string,
	interval time.Duration,
	uploader snapshot.Uploader,
	logger *slog.Logger,
) *SnapshotCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if uploader == nil {
		uploader = &snapshot.NoopUploader{}
	}
	return &SnapshotCoordinator{
		store:    store,
		dir:      dir,
		name:     name,
		uploader: uploader,
		interval: interval,
		logger:   logger.With("component", "worker", "worker", "snapshot-coordinator"),
	}
}

// Run snapshots immediately and then on every tick.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	c.logger.Info("worker started", "action", "worker_started", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.generate(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("worker stopped", "action", "worker_stopped", "reason", "context_cancelled")
			return
		case <-ticker.C:
			c.generate(ctx)
		}
	}
}

// generate writes a snapshot to a temporary file, renames it into place and
// uploads it. It reports whether the local snapshot succeeded; upload
// failures are logged only.
func (c *SnapshotCoordinator) generate(ctx context.Context) bool {
	start := time.Now()
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		c.logger.Warn("snapshot directory unavailable", "action", "snapshot_failed", "error", err)
		return false
	}
	final := filepath.Join(c.dir, "current.db")
	tmp := filepath.Join(c.dir, "current.db.tmp")
	_ = os.Remove(tmp)

	if err := c.store.Snapshot(ctx, tmp); err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.logger.Warn("snapshot generation failed", "action", "snapshot_failed", "error", err)
		return false
	}
	if err := os.Rename(tmp, final); err != nil {
		c.logger.Warn("snapshot rename failed", "action", "snapshot_failed", "error", err)
		return false
	}

	var size uint64
	if info, err := os.Stat(final); err == nil {
		size = uint64(info.Size())
	}
	c.logger.Info("snapshot generated",
		"action", "snapshot_complete",
		"size", humanize.Bytes(size),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := c.uploader.Upload(ctx, c.name, final); err != nil {
		c.logger.Warn("snapshot upload failed", "action", "snapshot_upload_failed", "error", err)
		return true
	}
	if _, noop := c.uploader.(*snapshot.NoopUploader); !noop {
		c.logger.Info("snapshot uploaded", "action", "snapshot_uploaded", "name", c.name)
	}
	return true
}
