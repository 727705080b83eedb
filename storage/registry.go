package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// RegistryKind names one of the mirrored NoneBot registries.
type RegistryKind string

const (
	KindAdapter RegistryKind = "adapter"
	KindPlugin  RegistryKind = "plugin"
)

// RegistryEntry is one element of a registry. PackageName and ModuleName are
// copies of fields inside Payload, kept as columns for indexing only; Payload
// is the source of truth and is returned verbatim.
type RegistryEntry struct {
	PackageName string
	ModuleName  string
	Payload     json.RawMessage
}

const adapterSchema = `
CREATE TABLE IF NOT EXISTS adapter_v1 (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	package_name TEXT NOT NULL,
	module_name TEXT NOT NULL,
	payload JSONB NOT NULL CHECK (payload <> '')
);
CREATE INDEX IF NOT EXISTS adapter_v1_package_name ON adapter_v1 (package_name);
CREATE INDEX IF NOT EXISTS adapter_v1_module_name ON adapter_v1 (module_name);
`

const pluginSchema = `
CREATE TABLE IF NOT EXISTS plugin_v1 (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	package_name TEXT NOT NULL,
	module_name TEXT NOT NULL,
	payload JSONB NOT NULL CHECK (payload <> '')
);
CREATE INDEX IF NOT EXISTS plugin_v1_package_name ON plugin_v1 (package_name);
CREATE INDEX IF NOT EXISTS plugin_v1_module_name ON plugin_v1 (module_name);
`

// Table names are never taken from user input, only from this map.
var registryTables = map[RegistryKind]string{
	KindAdapter: "adapter_v1",
	KindPlugin:  "plugin_v1",
}

const deleteRegistryV1Sql = `DELETE FROM %s;`

const insertRegistryV1Sql = `
INSERT INTO %s (package_name, module_name, payload)
VALUES ($1, $2, $3);
`

const loadRegistryV1Sql = `SELECT payload FROM %s ORDER BY id;`

func (k RegistryKind) table() (string, error) {
	table, ok := registryTables[k]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
	return table, nil
}

// ReplaceRegistry swaps the stored contents of kind for entries in a single
// transaction. If any insert fails the previous contents stay in place.
func (s *Store) ReplaceRegistry(ctx context.Context, kind RegistryKind, entries []RegistryEntry) error {
	table, err := kind.table()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning %s refresh: %w", ErrPersistence, kind, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(deleteRegistryV1Sql, table)); err != nil {
		return fmt.Errorf("%w: clearing %s: %w", ErrPersistence, table, err)
	}

	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf(insertRegistryV1Sql, table))
	if err != nil {
		return fmt.Errorf("%w: preparing %s insert: %w", ErrPersistence, table, err)
	}
	defer stmt.Close()

	for i, entry := range entries {
		_, err := stmt.ExecContext(ctx, entry.PackageName, entry.ModuleName, string(entry.Payload))
		if err != nil {
			return fmt.Errorf("%w: inserting %s entry %d (%q): %w", ErrPersistence, kind, i, entry.PackageName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing %s refresh: %w", ErrPersistence, kind, err)
	}
	s.logger.Info("Replaced registry", "kind", kind, "entries", len(entries))
	return nil
}

// LoadRegistry returns every stored payload of kind in insertion order.
func (s *Store) LoadRegistry(ctx context.Context, kind RegistryKind) ([]json.RawMessage, error) {
	table, err := kind.table()
	if err != nil {
		return nil, err
	}

	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads, fmt.Sprintf(loadRegistryV1Sql, table)); err != nil {
		return nil, fmt.Errorf("%w: loading %s: %w", ErrPersistence, table, err)
	}

	ret := make([]json.RawMessage, len(payloads))
	for i, payload := range payloads {
		ret[i] = json.RawMessage(payload)
	}
	return ret, nil
}

// CountRegistry returns the number of stored entries of kind.
func (s *Store) CountRegistry(ctx context.Context, kind RegistryKind) (int, error) {
	table, err := kind.table()
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.GetContext(ctx, &count, fmt.Sprintf("SELECT COUNT(*) FROM %s;", table)); err != nil {
		return 0, fmt.Errorf("%w: counting %s: %w", ErrPersistence, table, err)
	}
	return count, nil
}
