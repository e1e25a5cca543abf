package daemon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx v5 driver, registered as pgx5.
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

type migrateConfig struct {
	Steps int
	Down  bool
}

func installMigrateCmd(app *App) {
	var cfg migrateConfig

	cmd := &cobra.Command{
		Use:   "migrate [path-to-migration-scripts]",
		Short: "Apply or roll back the PostgreSQL schema",
		Long: `Apply the migration scripts creating the PostgreSQL record table, or roll them back with --down.
The scripts are read from the given directory, or else from the migrationsdir configuration key.
Only the postgres record store needs migrations.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				app.config.MigrationsDir = args[0]
			}
			if err := checkMigrationsDir(app.config.MigrationsDir); err != nil {
				app.cmd.SilenceUsage = false
				return err
			}
			if cfg.Steps < 0 {
				app.cmd.SilenceUsage = false
				return errors.New("steps must not be negative")
			}

			return app.migrate(cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&cfg.Steps, "steps", 0, "number of migrations to apply or roll back, all of them when 0")
	cmd.Flags().BoolVar(&cfg.Down, "down", false, "roll migrations back instead of applying them")

	app.cmd.AddCommand(cmd)
}

func checkMigrationsDir(dir string) error {
	if dir == "" {
		return errors.New("a path to migration scripts is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("the provided path to migration scripts is not valid: %v", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("the provided path to migration scripts should be a directory, not a file")
	}
	return nil
}

// migrate moves the schema as cfg says and prints the resulting schema version to w.
func (a App) migrate(cfg migrateConfig, w io.Writer) (err error) {
	m, err := migrate.New("file://"+a.config.MigrationsDir, a.config.DBconfig.URI("pgx5"))
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %v", err)
	}
	defer func() {
		sErr, dbErr := m.Close()
		if sErr != nil {
			slog.Error("Failed to close migration source", "err", sErr)
		}
		if dbErr != nil {
			slog.Error("Failed to close database connection", "err", dbErr)
		}
	}()

	switch {
	case cfg.Steps > 0 && cfg.Down:
		err = m.Steps(-cfg.Steps)
	case cfg.Steps > 0:
		err = m.Steps(cfg.Steps)
	case cfg.Down:
		err = m.Down()
	default:
		err = m.Up()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("No migration to run")
	} else if err != nil {
		return fmt.Errorf("failed to run migrations: %v", err)
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		slog.Info("Schema has no migration applied")
		_, err = fmt.Fprintln(w, "none")
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %v", err)
	}
	if dirty {
		return fmt.Errorf("schema is dirty at version %d, fix it manually before migrating again", version)
	}
	slog.Info("Schema migrated", "version", version)
	_, err = fmt.Fprintln(w, version)
	return err
}
