// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package memstore provides an in-memory record store, suitable for
// tests and single-process deployments without persistence.
package memstore

import (
	"sort"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/contextsync/contextsync/core/record"
)

// Store is an in-memory record.Store guarded by a read/write mutex.
type Store struct {
	clock clock.Clock

	mu      sync.RWMutex
	records map[string]record.Record
}

// New returns an empty store using the supplied clock for update
// timestamps.
func New(clk clock.Clock) *Store {
	return &Store{
		clock:   clk,
		records: make(map[string]record.Record),
	}
}

// GetRecord is part of the record.Store interface.
func (s *Store) GetRecord(projectID, entityType, entityID string) (record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key(projectID, entityType, entityID)]
	if !ok {
		return record.Record{}, errors.NotFoundf("record %s/%s/%s", projectID, entityType, entityID)
	}
	return copyRecord(r), nil
}

// PutRecord is part of the record.Store interface.
func (s *Store) PutRecord(r record.Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := r.Key()
	current, ok := s.records[k]
	if !ok {
		if expectedVersion != 0 {
			return errors.Annotatef(record.ErrVersionMismatch,
				"record %s does not exist, expected version %d", k, expectedVersion)
		}
	} else if current.Version != expectedVersion {
		return errors.Annotatef(record.ErrVersionMismatch,
			"record %s at version %d, expected %d", k, current.Version, expectedVersion)
	}
	stored := copyRecord(r)
	stored.UpdatedAt = s.clock.Now()
	s.records[k] = stored
	return nil
}

// DeleteRecord is part of the record.Store interface.
func (s *Store) DeleteRecord(projectID, entityType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(projectID, entityType, entityID)
	if _, ok := s.records[k]; !ok {
		return errors.NotFoundf("record %s", k)
	}
	delete(s.records, k)
	return nil
}

// ListRecords is part of the record.Store interface.
func (s *Store) ListRecords(projectID, entityType string) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []record.Record
	for _, r := range s.records {
		if r.ProjectID == projectID && r.EntityType == entityType {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func key(projectID, entityType, entityID string) string {
	return projectID + "/" + entityType + "/" + entityID
}

func copyRecord(r record.Record) record.Record {
	if r.Fields == nil {
		return r
	}
	fields := make(map[string]interface{}, len(r.Fields))
	for name, value := range r.Fields {
		fields[name] = value
	}
	r.Fields = fields
	return r
}
