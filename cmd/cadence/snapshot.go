package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/cadence/internal/snapshot"
)

// backendSnapshotName is the object name serve uploads snapshots under.
const backendSnapshotName = "backend"

var snapshotJSON bool

var snapshotURLCmd = &cobra.Command{
	Use:   "snapshot-url",
	Short: "Print a download link for the latest backend snapshot",
	Long: "Prints a pre-signed link to the backend database snapshot that 'cadence serve'\n" +
		"uploads to object storage. The snapshot holds every owner's records, so the\n" +
		"link is for operators only.",
	Args: cobra.NoArgs,
	RunE: runSnapshotURL,
}

func init() {
	snapshotURLCmd.Flags().BoolVar(&snapshotJSON, "json", false, "Output in JSON format")
}

func runSnapshotURL(cmd *cobra.Command, args []string) error {
	uploader, err := snapshot.NewUploader(cfg.SnapshotStorage)
	if err != nil {
		return fmt.Errorf("snapshot storage: %w", err)
	}
	link, expiry, err := uploader.PresignedURL(cmd.Context(), backendSnapshotName)
	if errors.Is(err, snapshot.ErrNotConfigured) {
		return errors.New("snapshot storage is not configured: set snapshot_storage.bucket or CADENCE_SNAPSHOT_BUCKET")
	}
	if err != nil {
		return err
	}

	if snapshotJSON {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"url":        link,
			"expires_at": expiry.UTC().Format(time.RFC3339),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), link)
	fmt.Fprintf(cmd.OutOrStdout(), "Expires %s\n", humanize.Time(expiry))
	return nil
}
