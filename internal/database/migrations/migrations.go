package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/uptrace/bun"

	"tabesh/internal/logger"
)

//go:embed mysql/*.sql postgres/*.sql
var files embed.FS

// Runner applies the embedded schema migrations for one SQL dialect.
type Runner struct {
	bunDB    *bun.DB
	driver   string
	log      *logger.Logger
	migrator *migrate.Migrate
}

// NewRunner creates a runner for driver, which is "mysql" or "postgres".
func NewRunner(bunDB *bun.DB, driver string, log *logger.Logger) *Runner {
	return &Runner{bunDB: bunDB, driver: driver, log: log}
}

// Initialize prepares the migration system
func (r *Runner) Initialize() error {
	src, err := iofs.New(files, r.driver)
	if err != nil {
		return fmt.Errorf("failed to open embedded %s migrations: %w", r.driver, err)
	}

	var drv database.Driver
	switch r.driver {
	case "mysql":
		drv, err = mysql.WithInstance(r.bunDB.DB, &mysql.Config{})
	case "postgres":
		drv, err = postgres.WithInstance(r.bunDB.DB, &postgres.Config{})
	default:
		return fmt.Errorf("unsupported migration driver %q", r.driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migration driver: %w", r.driver, err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, r.driver, drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	r.migrator = migrator
	return nil
}

func (r *Runner) ensure() error {
	if r.migrator == nil {
		return r.Initialize()
	}
	return nil
}

// MigrateUp runs all pending migrations, repairing a dirty version first.
func (r *Runner) MigrateUp() error {
	if err := r.ensure(); err != nil {
		return err
	}

	version, dirty, err := r.migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		r.log.Warn("DATABASE", fmt.Sprintf("Detected dirty migration %d, forcing previous version", version))
		prev := int(version) - 1
		if prev == 0 {
			prev = database.NilVersion
		}
		if err := r.migrator.Force(prev); err != nil {
			return fmt.Errorf("failed to fix dirty migration: %w", err)
		}
	}

	if err := r.migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	if version, _, err := r.migrator.Version(); err == nil {
		r.log.LogDatabase("MIGRATE", "schema", fmt.Sprintf("current schema version %d", version))
	}
	return nil
}

// MigrateDown rolls back steps migrations, or all of them when steps <= 0.
func (r *Runner) MigrateDown(steps int) error {
	if err := r.ensure(); err != nil {
		return err
	}

	var err error
	if steps > 0 {
		err = r.migrator.Steps(-steps)
	} else {
		err = r.migrator.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// Version reports the applied version and whether it is dirty.
func (r *Runner) Version() (uint, bool, error) {
	if err := r.ensure(); err != nil {
		return 0, false, err
	}
	v, dirty, err := r.migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Close frees the migrator. golang-migrate also closes the *sql.DB it was
// given, so only call this when the database handle is no longer needed.
func (r *Runner) Close() error {
	if r.migrator != nil {
		sourceErr, databaseErr := r.migrator.Close()
		if sourceErr != nil {
			return fmt.Errorf("error closing migrator source: %w", sourceErr)
		}
		if databaseErr != nil {
			return fmt.Errorf("error closing migrator database: %w", databaseErr)
		}
	}
	return nil
}
