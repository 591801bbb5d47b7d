package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/cadence/internal/config"
	"github.com/hyperengineering/cadence/pkg/cadence"
)

// openClient opens the local database against the configured server. An
// interval above zero starts periodic sweeps.
func openClient(ctx context.Context, token string, interval time.Duration) (*cadence.Client, error) {
	if cfg.Client.ServerURL == "" {
		return nil, errors.New("no server configured: set CADENCE_SERVER_URL or client.server_url")
	}
	return cadence.Open(ctx, cadence.Config{
		DatabasePath: cfg.Client.DatabasePath,
		ServerURL:    cfg.Client.ServerURL,
		Token:        token,
		SyncInterval: interval,
		QueueShards:  cfg.Client.QueueShards,
		QueueDepth:   cfg.Client.QueueDepth,
		Retries:      uint64(cfg.Client.Retries),
		Logger:       logger,
	})
}

// resolveToken returns the saved or configured token, failing with a hint
// when there is none.
func resolveToken() (string, error) {
	token, err := cfg.ResolveToken()
	if errors.Is(err, config.ErrNoToken) {
		return "", fmt.Errorf("not logged in: run 'cadence login --token <token>'")
	}
	return token, err
}

func closeClient(c *cadence.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
	defer cancel()
	return c.Close(ctx)
}
