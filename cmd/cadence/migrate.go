package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/cadence/internal/backend"
	"github.com/hyperengineering/cadence/internal/store"
	migrations "github.com/hyperengineering/cadence/migrations/backend"
	"github.com/hyperengineering/cadence/migrations/local"
)

var (
	migrateTo      int64
	migrateBackend bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long: "Migrates the local database up to --to (default: latest). With --backend\n" +
		"the server database is migrated instead, and --to may also roll it back.",
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().Int64Var(&migrateTo, "to", 0, "Target schema version (default: latest)")
	migrateCmd.Flags().BoolVar(&migrateBackend, "backend", false, "Migrate the server database")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if migrateTo < 0 {
		return fmt.Errorf("--to must not be negative")
	}

	if migrateBackend {
		target := migrations.Latest
		if cmd.Flags().Changed("to") {
			target = migrateTo
		}
		db, err := backend.Open(ctx, cfg.Backend.DatabasePath, backend.WithLogger(logger), backend.WithSchemaVersion(target))
		if err != nil {
			return err
		}
		defer db.Close()
		version, err := db.Migrate(ctx, target)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Backend database %s at schema version %d\n", cfg.Backend.DatabasePath, version)
		return nil
	}

	target := local.Latest
	if cmd.Flags().Changed("to") {
		target = migrateTo
	}
	db, err := store.Open(ctx, cfg.Client.DatabasePath, store.WithLogger(logger), store.WithSchemaVersion(target))
	if err != nil {
		return err
	}
	defer db.Close()
	version, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Local database %s at schema version %d\n", cfg.Client.DatabasePath, version)
	return nil
}
