package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/V4T54L/feedwatch/internal/adapter/repository/postgres"
	"github.com/V4T54L/feedwatch/internal/pkg/config"
	"github.com/V4T54L/feedwatch/internal/pkg/logger"
	"github.com/V4T54L/feedwatch/internal/schema"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	run := func(fn func(*schema.Migrator, io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			m, err := newMigrator(cfg, logger.New(cfg.LogLevel))
			if err != nil {
				return err
			}
			defer m.Close()
			return fn(m, cmd.OutOrStdout())
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE:  run(func(m *schema.Migrator, _ io.Writer) error { return m.Up() }),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the current migration",
			Args:  cobra.NoArgs,
			RunE:  run(func(m *schema.Migrator, _ io.Writer) error { return m.Down() }),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			Args:  cobra.NoArgs,
			RunE: run(func(m *schema.Migrator, w io.Writer) error {
				v, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "version %d", v)
				if dirty {
					fmt.Fprint(w, " (dirty)")
				}
				fmt.Fprintln(w)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "plan",
			Short: "Print the validated metric_buckets re-key and its inverse",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return printRekeyPlan(cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

func newMigrator(cfg *config.Config, log *slog.Logger) (*schema.Migrator, error) {
	if cfg.PostgresURL == "" {
		return nil, errors.New("POSTGRES_URL is required for migrations")
	}
	db, err := postgres.Open(context.Background(), cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	m, err := schema.NewMigrator(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func printRekeyPlan(w io.Writer) error {
	table := schema.LegacyMetricBuckets()
	steps, err := schema.Plan(table, schema.MetricBucketsRekey)
	if err != nil {
		return err
	}
	inverse, err := schema.Reverse(table, steps)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "-- up")
	for _, stmt := range schema.Render(table.Name, steps) {
		fmt.Fprintln(w, stmt+";")
	}
	fmt.Fprintln(w, "-- down")
	for _, stmt := range schema.Render(table.Name, inverse) {
		fmt.Fprintln(w, stmt+";")
	}
	return nil
}
