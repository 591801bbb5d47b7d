package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cadencesync "github.com/hyperengineering/cadence/internal/sync"
	"github.com/hyperengineering/cadence/internal/syncer"
)

var syncWatch bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local database with the server",
	Long: "Runs one full sweep and prints what each table did. With --watch it keeps\n" +
		"running, following the change feed and sweeping on the configured interval.",
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "Keep syncing until interrupted")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	token, err := resolveToken()
	if err != nil {
		return err
	}
	var interval time.Duration
	if syncWatch {
		interval = time.Duration(cfg.Client.SyncInterval)
	}
	c, err := openClient(ctx, token, interval)
	if err != nil {
		return err
	}
	defer closeClient(c)

	owner, err := c.Restore(ctx)
	if err != nil {
		return err
	}
	if owner == "" {
		if owner, err = c.Login(ctx); err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
	}

	if syncWatch {
		fmt.Fprintf(cmd.OutOrStdout(), "Syncing as %s every %s; Ctrl-C to stop.\n", owner, interval)
		<-ctx.Done()
		return nil
	}

	rep, err := c.SyncNow(ctx)
	printReport(cmd.OutOrStdout(), rep)
	return err
}

func printReport(w io.Writer, rep syncer.Report) {
	tw := newTabWriter(w)
	fmt.Fprintln(tw, "TABLE\tPUSHED\tPULLED\tDELETED\tMERGED\tSTATUS")
	for _, name := range cadencesync.TableNames() {
		t, ok := rep.Tables[name]
		if !ok {
			continue
		}
		status := "ok"
		if t.Err != nil {
			status = t.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", name, t.Pushed, t.Pulled, t.Deleted, t.Merged, status)
	}
	tw.Flush()
	if n := rep.Cleanup.Total(); n > 0 {
		fmt.Fprintf(w, "Removed %d duplicate records.\n", n)
	}
	if !rep.Started.IsZero() {
		fmt.Fprintf(w, "Finished in %s.\n", rep.Finished.Sub(rep.Started).Round(time.Millisecond))
	}
}
