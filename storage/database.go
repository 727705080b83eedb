package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

var (
	// ErrPersistence wraps every I/O or transaction failure in this package.
	ErrPersistence = errors.New("persistence failure")
	// ErrUnknownKind is returned for a registry kind with no backing table.
	ErrUnknownKind = errors.New("unknown registry kind")
)

const migrationsSchema = `
CREATE TABLE IF NOT EXISTS _migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied TIMESTAMP NOT NULL
);
`

const recordMigrationSql = `
INSERT INTO _migrations (version, name, applied)
VALUES ($1, $2, datetime());
`

type migration struct {
	version int
	name    string
	sql     string
}

// Migrations are append-only. Never edit one that has shipped.
var migrations = []migration{
	{version: 1, name: "instance table", sql: instanceSchema},
	{version: 2, name: "registry tables", sql: adapterSchema + pluginSchema},
}

// Store owns the SQLite database holding instance records and the mirrored
// adapter/plugin registries.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open creates the database file at path if it does not exist yet, connects
// to it and applies every pending migration. It must complete before any
// request handler touches the store.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "Store")

	if err := ensureDatabaseFile(path, logger); err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, driverName, dataSourceName(path))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %w", ErrPersistence, path, err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// dataSourceName enables WAL so readers keep seeing the last committed
// registry snapshot while a replace-all transaction is in flight.
func dataSourceName(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
}

func ensureDatabaseFile(path string, logger *slog.Logger) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: checking %s: %w", ErrPersistence, path, err)
	}

	logger.Info("Creating database", "path", path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %w", ErrPersistence, path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrPersistence, path, err)
	}
	return f.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrationsSchema); err != nil {
		return fmt.Errorf("%w: creating migrations table: %w", ErrPersistence, err)
	}

	var applied []int
	if err := s.db.SelectContext(ctx, &applied, "SELECT version FROM _migrations"); err != nil {
		return fmt.Errorf("%w: reading applied migrations: %w", ErrPersistence, err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, m := range migrations {
		if done[m.version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.logger.Info("Applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning migration %d: %w", ErrPersistence, m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("%w: applying migration %d (%s): %w", ErrPersistence, m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx, recordMigrationSql, m.version, m.name); err != nil {
		return fmt.Errorf("%w: recording migration %d: %w", ErrPersistence, m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing migration %d: %w", ErrPersistence, m.version, err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM _migrations")
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return version, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetDB() *sqlx.DB {
	return s.db
}
