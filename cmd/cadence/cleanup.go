package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/cadence/internal/cleanup"
	"github.com/hyperengineering/cadence/internal/store"
)

var (
	cleanupDryRun bool
	cleanupJSON   bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove duplicate completions and routine links",
	Long: "Removes duplicate habit completions, habit/routine links and routine\n" +
		"completions from the local database, keeping the earliest of each. When\n" +
		"signed in the removals are also sent to the server.",
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Only count duplicates")
	cleanupCmd.Flags().BoolVar(&cleanupJSON, "json", false, "Output in JSON format")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var counts map[string]int
	if cleanupDryRun {
		db, err := store.Open(ctx, cfg.Client.DatabasePath, store.WithLogger(logger))
		if err != nil {
			return err
		}
		defer db.Close()
		if counts, err = cleanup.Count(ctx, db); err != nil {
			return err
		}
	} else {
		// Removals are pushed only for a signed-in session; the token may be absent.
		token, _ := cfg.ResolveToken()
		c, err := openClient(ctx, token, 0)
		if err != nil {
			return err
		}
		defer closeClient(c)
		if _, err := c.Restore(ctx); err != nil {
			return err
		}
		res, err := c.Cleanup(ctx)
		if err != nil {
			return err
		}
		counts = make(map[string]int, len(res.Removed))
		for table, ids := range res.Removed {
			counts[table] = len(ids)
		}
	}

	if cleanupJSON {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"dry_run": cleanupDryRun,
			"tables":  counts,
		})
	}

	verb := "Removed"
	if cleanupDryRun {
		verb = "Would remove"
	}
	tables := make([]string, 0, len(counts))
	for table := range counts {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	total := 0
	for _, table := range tables {
		if counts[table] == 0 {
			continue
		}
		total += counts[table]
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d from %s\n", verb, counts[table], table)
	}
	if total == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No duplicates found.")
	}
	return nil
}
