// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package record defines the contract the sync engine requires from
// the authoritative record store. The store is the single source of
// truth for a record's current version; conflict resolution depends on
// its compare-and-swap write.
package record

import (
	"time"

	"github.com/juju/errors"
)

// ErrVersionMismatch is returned by a conditional write whose expected
// version no longer matches the stored version.
const ErrVersionMismatch = errors.ConstError("record version mismatch")

// Record is a versioned snapshot of a context entity.
type Record struct {
	ProjectID  string
	EntityType string
	EntityID   string
	Fields     map[string]interface{}
	Version    int64
	UpdatedAt  time.Time
}

// Key returns the record's identity, scoped by project.
func (r Record) Key() string {
	return r.ProjectID + "/" + r.EntityType + "/" + r.EntityID
}

// Store is the authoritative record store collaborator.
type Store interface {
	// GetRecord returns the current record, or a NotFound error.
	GetRecord(projectID, entityType, entityID string) (Record, error)

	// PutRecord writes the record conditionally. expectedVersion must
	// match the stored version, with zero meaning the record must not
	// yet exist; otherwise ErrVersionMismatch is returned and nothing
	// is written. The caller supplies the new version in the record.
	PutRecord(r Record, expectedVersion int64) error

	// DeleteRecord removes the record, returning a NotFound error if
	// it does not exist.
	DeleteRecord(projectID, entityType, entityID string) error

	// ListRecords returns all records of the given type in a project.
	ListRecords(projectID, entityType string) ([]Record, error)
}
