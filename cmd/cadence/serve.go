package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/cadence/internal/api"
	"github.com/hyperengineering/cadence/internal/backend"
	"github.com/hyperengineering/cadence/internal/snapshot"
	"github.com/hyperengineering/cadence/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	db, err := backend.Open(ctx, cfg.Backend.DatabasePath, backend.WithLogger(logger))
	if err != nil {
		return err
	}
	slog.Info("backend store initialized", "path", cfg.Backend.DatabasePath)

	hub := api.NewHub()
	stopWatch := db.Watch(hub.Publish)

	handler := api.NewHandler(db, hub, cfg.Backend.Tokens, Version, logger)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}
	// Shutdown does not track hijacked feed connections; closing the hub ends them.
	srv.RegisterOnShutdown(hub.Close)

	uploader, err := snapshot.NewUploader(cfg.SnapshotStorage)
	if err != nil {
		stopWatch()
		db.Close()
		return fmt.Errorf("snapshot storage: %w", err)
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "compaction", worker.NewCompactionCoordinator(
		db,
		time.Duration(cfg.Worker.CompactionInterval),
		time.Duration(cfg.Worker.ChangeLogRetention),
		logger,
	).Run)
	startWorker(ctx, &wg, "snapshot", worker.NewSnapshotCoordinator(
		db,
		cfg.Worker.SnapshotDir,
		backendSnapshotName,
		time.Duration(cfg.Worker.SnapshotInterval),
		uploader,
		logger,
	).Run)

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()
	stopWatch()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
