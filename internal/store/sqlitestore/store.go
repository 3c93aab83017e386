// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sqlitestore provides a sqlite-backed record store. The
// conditional write is expressed as an UPDATE guarded by the expected
// version inside a transaction, which is the store's compare-and-swap.
package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/contextsync/contextsync/core/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	project_id  TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	fields      TEXT NOT NULL,
	version     INTEGER NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (project_id, entity_type, entity_id)
);
`

// Store is a sqlite-backed record.Store.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens (creating if necessary) the store at the given path. Use
// ":memory:" for an ephemeral store.
func Open(path string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Annotatef(err, "opening record store %q", path)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "creating record schema")
	}
	return &Store{db: db, clock: clk}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return errors.Trace(s.db.Close())
}

// GetRecord is part of the record.Store interface.
func (s *Store) GetRecord(projectID, entityType, entityID string) (record.Record, error) {
	row := s.db.QueryRow(`
SELECT fields, version, updated_at FROM records
WHERE project_id = ? AND entity_type = ? AND entity_id = ?`,
		projectID, entityType, entityID)

	var (
		fieldsJSON string
		version    int64
		updatedAt  time.Time
	)
	err := row.Scan(&fieldsJSON, &version, &updatedAt)
	if err == sql.ErrNoRows {
		return record.Record{}, errors.NotFoundf("record %s/%s/%s", projectID, entityType, entityID)
	}
	if err != nil {
		return record.Record{}, errors.Trace(err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return record.Record{}, errors.Annotate(err, "decoding record fields")
	}
	return record.Record{
		ProjectID:  projectID,
		EntityType: entityType,
		EntityID:   entityID,
		Fields:     fields,
		Version:    version,
		UpdatedAt:  updatedAt,
	}, nil
}

// PutRecord is part of the record.Store interface.
func (s *Store) PutRecord(r record.Record, expectedVersion int64) error {
	fieldsJSON, err := json.Marshal(r.Fields)
	if err != nil {
		return errors.Annotate(err, "encoding record fields")
	}
	now := s.clock.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	row := tx.QueryRow(`
SELECT version FROM records
WHERE project_id = ? AND entity_type = ? AND entity_id = ?`,
		r.ProjectID, r.EntityType, r.EntityID)
	switch err := row.Scan(&current); {
	case err == sql.ErrNoRows:
		if expectedVersion != 0 {
			return errors.Annotatef(record.ErrVersionMismatch,
				"record %s does not exist, expected version %d", r.Key(), expectedVersion)
		}
		if _, err := tx.Exec(`
INSERT INTO records (project_id, entity_type, entity_id, fields, version, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			r.ProjectID, r.EntityType, r.EntityID, string(fieldsJSON), r.Version, now); err != nil {
			return errors.Trace(err)
		}
	case err != nil:
		return errors.Trace(err)
	default:
		if current != expectedVersion {
			return errors.Annotatef(record.ErrVersionMismatch,
				"record %s at version %d, expected %d", r.Key(), current, expectedVersion)
		}
		if _, err := tx.Exec(`
UPDATE records SET fields = ?, version = ?, updated_at = ?
WHERE project_id = ? AND entity_type = ? AND entity_id = ? AND version = ?`,
			string(fieldsJSON), r.Version, now,
			r.ProjectID, r.EntityType, r.EntityID, expectedVersion); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(tx.Commit())
}

// DeleteRecord is part of the record.Store interface.
func (s *Store) DeleteRecord(projectID, entityType, entityID string) error {
	res, err := s.db.Exec(`
DELETE FROM records
WHERE project_id = ? AND entity_type = ? AND entity_id = ?`,
		projectID, entityType, entityID)
	if err != nil {
		return errors.Trace(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if affected == 0 {
		return errors.NotFoundf("record %s/%s/%s", projectID, entityType, entityID)
	}
	return nil
}

// ListRecords is part of the record.Store interface.
func (s *Store) ListRecords(projectID, entityType string) ([]record.Record, error) {
	rows, err := s.db.Query(`
SELECT entity_id, fields, version, updated_at FROM records
WHERE project_id = ? AND entity_type = ?
ORDER BY entity_id`,
		projectID, entityType)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = rows.Close() }()

	var out []record.Record
	for rows.Next() {
		var (
			entityID   string
			fieldsJSON string
			version    int64
			updatedAt  time.Time
		)
		if err := rows.Scan(&entityID, &fieldsJSON, &version, &updatedAt); err != nil {
			return nil, errors.Trace(err)
		}
		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, errors.Annotate(err, "decoding record fields")
		}
		out = append(out, record.Record{
			ProjectID:  projectID,
			EntityType: entityType,
			EntityID:   entityID,
			Fields:     fields,
			Version:    version,
			UpdatedAt:  updatedAt,
		})
	}
	return out, errors.Trace(rows.Err())
}
