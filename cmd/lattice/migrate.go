package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/jacentio/lattice/internal/backend"
	"github.com/jacentio/lattice/internal/config"
	"github.com/jacentio/lattice/store"
	"github.com/jacentio/lattice/store/dynamo"
	"github.com/jacentio/lattice/store/sqlstore"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage SQL schema migrations",
		Long: `Manage the schema of the sqlite and postgres stores using golang-migrate.
Migrations are embedded in the binary.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withMigrator(cmd.Context(), func(m *migrate.Migrate) error {
					err := m.Up()
					if errors.Is(err, migrate.ErrNoChange) {
						a.logger.Info("no migrations to apply")
						return nil
					}
					if err != nil {
						return fmt.Errorf("migration up failed: %w", err)
					}
					a.logger.Info("migration up completed")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations (default: 1)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) > 0 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n < 1 {
						return fmt.Errorf("invalid steps %q", args[0])
					}
					steps = n
				}
				return a.withMigrator(cmd.Context(), func(m *migrate.Migrate) error {
					err := m.Steps(-steps)
					if errors.Is(err, migrate.ErrNoChange) {
						a.logger.Info("no migrations to roll back")
						return nil
					}
					if err != nil {
						return fmt.Errorf("migration down failed: %w", err)
					}
					a.logger.Info("migration down completed", "steps", steps)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current migration version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withMigrator(cmd.Context(), func(m *migrate.Migrate) error {
					version, dirty, err := m.Version()
					if errors.Is(err, migrate.ErrNilVersion) {
						fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
						return nil
					}
					if err != nil {
						return err
					}
					if dirty {
						fmt.Fprintf(cmd.OutOrStdout(), "%d (dirty)\n", version)
						return nil
					}
					fmt.Fprintln(cmd.OutOrStdout(), version)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the migration version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return a.withMigrator(cmd.Context(), func(m *migrate.Migrate) error {
					if err := m.Force(version); err != nil {
						return fmt.Errorf("migration force failed: %w", err)
					}
					a.logger.Info("migration version forced", "version", version)
					return nil
				})
			},
		},
	)
	return cmd
}

// withMigrator runs fn against the configured SQL store. The migrator owns
// the database handle, so the store is opened here rather than shared.
func (a *app) withMigrator(ctx context.Context, fn func(m *migrate.Migrate) error) error {
	dialect, err := sqlstore.ParseDialect(a.cfg.Store.Backend)
	if err != nil {
		return err
	}
	s, err := sqlstore.Open(ctx, dialect, a.cfg.Store.DSN)
	if err != nil {
		return err
	}
	m, err := s.Migrator()
	if err != nil {
		s.Close()
		return err
	}
	defer m.Close()
	return fn(m)
}

func newTablesCmd(a *app) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "Manage the DynamoDB tables",
	}
	cmd.PersistentFlags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for tables to become active")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create the entity and link tables",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := a.tableClient(cmd.Context())
				if err != nil {
					return err
				}
				if err := dynamo.CreateTables(cmd.Context(), client, a.cfg.Dynamo, wait); err != nil {
					return err
				}
				a.logger.Info("tables ready", "entities", a.cfg.Dynamo.EntityTable, "links", a.cfg.Dynamo.LinkTable)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Delete the entity and link tables",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := a.tableClient(cmd.Context())
				if err != nil {
					return err
				}
				return dynamo.DeleteTables(cmd.Context(), client, a.cfg.Dynamo)
			},
		},
	)
	return cmd
}

func (a *app) tableClient(ctx context.Context) (dynamo.TableAPI, error) {
	if a.cfg.Store.Backend != config.BackendDynamo {
		return nil, fmt.Errorf("%w: tables requires the dynamodb store, got %s", store.ErrConfiguration, a.cfg.Store.Backend)
	}
	client, err := backend.NewDynamoClient(ctx, a.cfg.AWS)
	if err != nil {
		return nil, err
	}
	return client, nil
}
