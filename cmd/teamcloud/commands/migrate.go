package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ankisho/TeamCloud/pkg/stores"
)

func newMigrateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the store schema",
		Long: `Manage the SQLite store schema.

The serve command applies pending migrations on start. Use these commands
to migrate ahead of a rollout, to roll back, or to inspect the current
version.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(store *stores.SQLiteStore) error {
				if err := store.Migrate(cmd.Context()); err != nil {
					return err
				}
				return printVersion(cmd, opts, store)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(store *stores.SQLiteStore) error {
				if err := store.MigrateDown(cmd.Context()); err != nil {
					return err
				}
				return printVersion(cmd, opts, store)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(store *stores.SQLiteStore) error {
				return printVersion(cmd, opts, store)
			})
		},
	})

	return cmd
}

func withStore(ctx context.Context, opts *options, fn func(*stores.SQLiteStore) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Store.Path,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	return fn(store)
}

// schemaVersion is the JSON form of the migrate commands' output.
type schemaVersion struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

func printVersion(cmd *cobra.Command, opts *options, store *stores.SQLiteStore) error {
	version, dirty, err := store.SchemaVersion()
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout(), opts.jsonOutput)
	if opts.jsonOutput {
		return p.json(schemaVersion{Version: version, Dirty: dirty})
	}
	if dirty {
		p.warn("Schema version %d is dirty, a migration failed part way", version)
		return nil
	}
	p.success("Schema version %d", version)
	return nil
}
