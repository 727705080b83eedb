package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tomyedwab/nonefly/instances"
)

// InstanceRecord is the listing view of a stored instance.
type InstanceRecord struct {
	ID               int64  `db:"id" json:"id"`
	Name             string `db:"name" json:"name"`
	WorkingDirectory string `db:"-" json:"workingDirectory"`
	InstanceJson     []byte `db:"instance_json" json:"-"`
}

const instanceSchema = `
CREATE TABLE IF NOT EXISTS instance_v1 (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	name TEXT NOT NULL,
	instance_json JSONB NOT NULL
);
`

const insertInstanceV1Sql = `
INSERT INTO instance_v1 (name, instance_json)
VALUES ($1, $2)
RETURNING id;
`

const getInstanceByIdV1Sql = `
SELECT instance_json FROM instance_v1 WHERE id = $1;
`

const listInstancesV1Sql = `
SELECT id, name, instance_json FROM instance_v1 ORDER BY id;
`

// SaveInstance stores instance under name and returns the new row id. Names
// are not unique; saving the same name twice creates two rows.
func (s *Store) SaveInstance(ctx context.Context, name string, instance instances.Instance) (int64, error) {
	instanceJson, err := json.Marshal(instance)
	if err != nil {
		return 0, fmt.Errorf("%w: encoding instance %q: %w", ErrPersistence, name, err)
	}

	var id int64
	err = s.db.QueryRowxContext(ctx, insertInstanceV1Sql, name, string(instanceJson)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: inserting instance %q: %w", ErrPersistence, name, err)
	}
	s.logger.Info("Saved instance", "id", id, "name", name)
	return id, nil
}

// LoadInstance returns the instance stored under id, or nil if there is none.
func (s *Store) LoadInstance(ctx context.Context, id int64) (*instances.Instance, error) {
	var instanceJson []byte
	err := s.db.GetContext(ctx, &instanceJson, getInstanceByIdV1Sql, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading instance %d: %w", ErrPersistence, id, err)
	}

	var instance instances.Instance
	if err := json.Unmarshal(instanceJson, &instance); err != nil {
		return nil, fmt.Errorf("%w: decoding instance %d: %w", ErrPersistence, id, err)
	}
	return &instance, nil
}

func (s *Store) ListInstances(ctx context.Context) ([]InstanceRecord, error) {
	var records []InstanceRecord
	if err := s.db.SelectContext(ctx, &records, listInstancesV1Sql); err != nil {
		return nil, fmt.Errorf("%w: listing instances: %w", ErrPersistence, err)
	}
	for i := range records {
		var instance instances.Instance
		if err := json.Unmarshal(records[i].InstanceJson, &instance); err != nil {
			return nil, fmt.Errorf("%w: decoding instance %d: %w", ErrPersistence, records[i].ID, err)
		}
		records[i].WorkingDirectory = instance.WorkingDirectory
	}
	if records == nil {
		records = []InstanceRecord{}
	}
	return records, nil
}
