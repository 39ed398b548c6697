package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/marketplace/internal/storage/postgres"
)

const migrateTimeout = 30 * time.Second

func migrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back PostgreSQL schema migrations",
	}

	var upSteps, downSteps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations (all by default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, v, func(ctx context.Context, store *postgres.Store) error {
				if err := store.MigrateUp(ctx, upSteps); err != nil {
					return fmt.Errorf("migrate up failed: %w", err)
				}
				return printStatus(ctx, cmd, store, "migrate up ok")
			})
		},
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "number of migrations to apply (0 = all)")

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations (one by default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if downSteps <= 0 {
				downSteps = 1
			}
			return withStore(cmd, v, func(ctx context.Context, store *postgres.Store) error {
				if err := store.MigrateDown(ctx, downSteps); err != nil {
					return fmt.Errorf("migrate down failed: %w", err)
				}
				return printStatus(ctx, cmd, store, "migrate down ok")
			})
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, v, func(ctx context.Context, store *postgres.Store) error {
				if err := printStatus(ctx, cmd, store, "migration status"); err != nil {
					return err
				}
				pending, err := store.PendingMigrations(ctx)
				if err != nil {
					return fmt.Errorf("list pending migrations: %w", err)
				}
				for _, id := range pending {
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "pending: %s\n", id); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

func withStore(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, store *postgres.Store) error) error {
	dsn := strings.TrimSpace(v.GetString(flagDSN))
	if dsn == "" {
		return fmt.Errorf("POSTGRES_DSN (or --dsn) is required")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	return fn(ctx, store)
}

func printStatus(ctx context.Context, cmd *cobra.Command, store *postgres.Store, prefix string) error {
	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: version=%d applied=%d\n", prefix, version, count)
	return err
}
