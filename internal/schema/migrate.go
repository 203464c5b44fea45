package schema

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations exposes the embedded migration scripts.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrator applies the embedded migrations. Every script is linted before
// anything runs; a violation aborts the whole operation.
type Migrator struct {
	m          *migrate.Migrate
	scripts    source.Driver
	partitions map[string]string
	logger     *slog.Logger
}

// NewMigrator prepares migrations against db. Close releases db as well.
func NewMigrator(db *sql.DB, logger *slog.Logger) (*Migrator, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open migration source: %w", err)
	}
	// migrate reads from its source concurrently; linting gets its own.
	scripts, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}

	logger = logger.With("component", "migrator")
	m.Log = migrateLogger{logger: logger}
	return &Migrator{m: m, scripts: scripts, partitions: DefaultPartitions, logger: logger}, nil
}

// Up lints every up script, then applies the pending ones.
func (m *Migrator) Up() error {
	if _, err := LintScripts(m.scripts, m.partitions, 0); err != nil {
		return err
	}
	m.logger.Info("Running database migrations")
	if err := m.m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("Database schema is up to date")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	m.logger.Info("Database migrations completed")
	return nil
}

// Down reverts the current version only. Its down script is linted against
// the schema the up scripts produce.
func (m *Migrator) Down() error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d, fix it manually before rolling back", version)
	}
	if version == 0 {
		m.logger.Info("No migration to roll back")
		return nil
	}

	linter, err := LintScripts(m.scripts, m.partitions, version)
	if err != nil {
		return err
	}
	body, name, err := readScript(m.scripts.ReadDown, version)
	if err != nil {
		return err
	}
	if err := linter.Lint(name, body); err != nil {
		return err
	}

	m.logger.Info("Rolling back migration", "version", version)
	if err := m.m.Steps(-1); err != nil {
		return fmt.Errorf("failed to roll back version %d: %w", version, err)
	}
	return nil
}

// Version returns the applied version, 0 when nothing has been applied.
func (m *Migrator) Version() (uint, bool, error) {
	v, dirty, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return v, dirty, nil
}

// Close releases the source, the driver and the database handle.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	return errors.Join(srcErr, dbErr, m.scripts.Close())
}

// LintScripts lints the up scripts of src in order, stopping after version
// through (0 means all), and returns the linter state reached.
func LintScripts(src source.Driver, partitions map[string]string, through uint) (*Linter, error) {
	linter := NewLinter(partitions)
	version, err := src.First()
	for err == nil {
		body, name, rerr := readScript(src.ReadUp, version)
		if rerr != nil {
			return nil, rerr
		}
		if lerr := linter.Lint(name, body); lerr != nil {
			return nil, lerr
		}
		if through != 0 && version >= through {
			return linter, nil
		}
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to walk migrations: %w", err)
	}
	return linter, nil
}

func readScript(read func(uint) (io.ReadCloser, string, error), version uint) (string, string, error) {
	r, identifier, err := read(version)
	if err != nil {
		return "", "", fmt.Errorf("failed to read migration %d: %w", version, err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to read migration %d: %w", version, err)
	}
	return string(body), fmt.Sprintf("%04d_%s", version, identifier), nil
}

// migrateLogger adapts slog to migrate.Logger.
type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool { return false }
