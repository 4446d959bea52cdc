// Command migrate applies escrowd's embedded goose migrations.
//
// Usage:
//
//	migrate up                 # Apply all pending migrations
//	migrate down               # Roll back the last migration
//	migrate status             # Show migration status
//	migrate version            # Show current schema version
//	migrate redo               # Roll back and re-apply last migration
//	migrate up-to 3            # Migrate up to a specific version
//	migrate down-to 2          # Roll back to a specific version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mbd888/escrowd/migrations"
)

var databaseURL string

func main() {
	rootCmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the escrowd Postgres schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string (default $DATABASE_URL)")

	rootCmd.AddCommand(
		simpleCmd("up", "Apply all pending migrations"),
		simpleCmd("down", "Roll back the last migration"),
		simpleCmd("status", "Show migration status"),
		simpleCmd("version", "Show current schema version"),
		simpleCmd("redo", "Roll back and re-apply the last migration"),
		versionCmd("up-to", "Apply migrations up to and including VERSION"),
		versionCmd("down-to", "Roll back migrations down to VERSION"),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func simpleCmd(command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), command)
		},
	}
}

func versionCmd(command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command + " VERSION",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			return run(cmd.Context(), command, args[0])
		},
	}
}

func run(ctx context.Context, command string, args ...string) error {
	if databaseURL == "" {
		return fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	if err := migrations.Setup(); err != nil {
		return err
	}
	if err := goose.RunContext(ctx, command, db, migrations.Dir, args...); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}
