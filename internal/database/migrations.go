package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// migrateLogger routes golang-migrate's progress output to logrus at debug level
type migrateLogger struct {
	log *logrus.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf("migrate: "+format, v...)
}

func (l migrateLogger) Verbose() bool {
	return l.log.IsLevelEnabled(logrus.DebugLevel)
}

// MigrationRunner applies the kg_facts / target_scores / llm_audit schema
type MigrationRunner struct {
	migrate *migrate.Migrate
	path    string
	log     *logrus.Logger
}

// NewMigrationRunner opens the migration source directory against databaseURL
func NewMigrationRunner(databaseURL, migrationsPath string, logger *logrus.Logger) (*MigrationRunner, error) {
	abs, err := filepath.Abs(migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("resolving migrations path: %w", err)
	}
	m, err := migrate.New("file://"+filepath.ToSlash(abs), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating migration instance: %w", err)
	}
	m.Log = migrateLogger{log: logger}

	return &MigrationRunner{migrate: m, path: abs, log: logger}, nil
}

// Up applies every pending migration. Cancelling ctx stops after the
// migration in progress.
func (mr *MigrationRunner) Up(ctx context.Context) error {
	return mr.run(ctx, "up", mr.migrate.Up)
}

// Down rolls back every applied migration
func (mr *MigrationRunner) Down(ctx context.Context) error {
	return mr.run(ctx, "down", mr.migrate.Down)
}

func (mr *MigrationRunner) run(ctx context.Context, direction string, step func() error) error {
	entry := mr.log.WithFields(logrus.Fields{
		"direction": direction,
		"path":      mr.path,
	})
	entry.Info("Running schema migrations")

	stop := context.AfterFunc(ctx, func() {
		select {
		case mr.migrate.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	if err := step(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			entry.Info("Schema already up to date")
			return nil
		}
		return fmt.Errorf("running migrations %s: %w", direction, err)
	}

	version, dirty, err := mr.migrate.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		entry.Info("All migrations rolled back")
	case err != nil:
		entry.WithError(err).Warn("Could not read schema version")
	default:
		entry.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("Schema migrated")
	}
	return nil
}

// Version returns the applied schema version
func (mr *MigrationRunner) Version() (uint, bool, error) {
	return mr.migrate.Version()
}

// Close releases the source and database handles
func (mr *MigrationRunner) Close() error {
	sourceErr, dbErr := mr.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}
