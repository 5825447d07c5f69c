// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package main

import (
	"fmt"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/store"
)

// defaultMigratorFactory opens the embedded group message migrations.
func defaultMigratorFactory(databaseURL string) (Migrator, error) {
	return store.NewMigrator(databaseURL)
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	return newMigrateCmd(defaultMigratorFactory)
}

func newMigrateCmd(factory MigratorFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the group message schema",
		Long: `Apply, roll back or inspect the PostgreSQL schema used for group
messages. Without a subcommand all pending migrations are applied.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrateUp(cmd, factory)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrateUp(cmd, factory)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(factory, func(m Migrator) error {
				cmd.Println("Rolling back migrations...")
				if err := m.Down(); err != nil {
					return err
				}
				cmd.Println("Rollback completed successfully")
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(factory, func(m Migrator) error {
				status, err := m.Status()
				if err != nil {
					return err //nolint:wrapcheck // coded by store
				}
				cmd.Print(formatMigrationStatus(status))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(factory, func(m Migrator) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err //nolint:wrapcheck // coded by store
				}
				if dirty {
					cmd.Printf("%d (dirty)\n", version)
					return nil
				}
				cmd.Printf("%d\n", version)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Mark VERSION as applied without running it",
		Long:  `Mark VERSION as applied without running it. Use to recover a dirty database.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			return withMigrator(factory, func(m Migrator) error {
				if err := m.Force(version); err != nil {
					return err //nolint:wrapcheck // coded by store
				}
				cmd.Printf("Forced version %d\n", version)
				return nil
			})
		},
	})

	return cmd
}

func runMigrateUp(cmd *cobra.Command, factory MigratorFactory) error {
	return withMigrator(factory, func(m Migrator) error {
		cmd.Println("Running migrations...")
		if err := m.Up(); err != nil {
			return err //nolint:wrapcheck // coded by store
		}
		cmd.Println("Migrations completed successfully")
		return nil
	})
}

func withMigrator(factory MigratorFactory, fn func(Migrator) error) (err error) {
	databaseURL, err := getDatabaseURL()
	if err != nil {
		return err
	}
	m, err := factory(databaseURL)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "open migrator").Wrap(err)
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(m)
}

// getDatabaseURL reads database.url from the configuration layers.
func getDatabaseURL() (string, error) {
	cfg, err := config.Load(config.ResolvePath(configFile), nil)
	if err != nil {
		return "", err //nolint:wrapcheck // coded by config
	}
	if cfg.Database.URL == "" {
		return "", oops.Code("CONFIG_INVALID").
			With("field", "database.url").
			Errorf("database.url is required (set CAMPUSLINK_DATABASE__URL)")
	}
	return cfg.Database.URL, nil
}

// parseForceVersion parses the VERSION argument of migrate force.
func parseForceVersion(s string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &version); err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Wrapf(err, "version must be an integer")
	}
	return version, nil
}

func formatMigrationStatus(status store.MigrationStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current version: %d", status.Version)
	if status.Dirty {
		b.WriteString(" (dirty)")
	}
	b.WriteString("\n")
	for _, v := range status.Applied {
		fmt.Fprintf(&b, "  [applied] %s\n", store.MigrationName(v))
	}
	for _, v := range status.Pending {
		fmt.Fprintf(&b, "  [pending] %s\n", store.MigrationName(v))
	}
	return b.String()
}
