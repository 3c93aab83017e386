// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package change defines the events that describe mutations to shared
// context records, and the field-level deltas derived from them.
package change

import (
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Operation identifies the kind of mutation an event describes.
type Operation string

const (
	Create Operation = "create"
	Update Operation = "update"
	Delete Operation = "delete"
	Bulk   Operation = "bulk"
)

// Validate ensures the operation is one of the known kinds.
func (o Operation) Validate() error {
	switch o {
	case Create, Update, Delete, Bulk:
		return nil
	}
	return errors.NotValidf("operation %q", string(o))
}

// Event describes a single mutation to a context record. Events are
// immutable once emitted; every mutation path creates one and hands it
// to the sync engine.
type Event struct {
	EntityType  string
	EntityID    string
	ProjectID   string
	Operation   Operation
	ActorID     string
	OldValue    map[string]interface{}
	NewValue    map[string]interface{}
	FeatureArea string
	Timestamp   time.Time
	// Version is the record version the actor based this mutation on.
	Version int64
}

// Validate checks that the event is well formed. Malformed events are
// rejected before any state is mutated.
func (e Event) Validate() error {
	if e.EntityType == "" {
		return errors.NotValidf("event with empty entity type")
	}
	if e.EntityID == "" {
		return errors.NotValidf("event with empty entity id")
	}
	if e.ProjectID == "" {
		return errors.NotValidf("event with empty project id")
	}
	if e.ActorID == "" {
		return errors.NotValidf("event with empty actor id")
	}
	if err := e.Operation.Validate(); err != nil {
		return errors.Trace(err)
	}
	if e.Timestamp.IsZero() {
		return errors.NotValidf("event with zero timestamp")
	}
	if e.Version < 0 {
		return errors.NotValidf("event version %d", e.Version)
	}
	switch e.Operation {
	case Create, Update:
		if e.NewValue == nil {
			return errors.NotValidf("%s event without new value", e.Operation)
		}
	case Delete:
		if e.OldValue == nil {
			return errors.NotValidf("delete event without old value")
		}
	}
	return nil
}

// EntityKey returns the identity of the record this event mutates,
// scoped by project.
func (e Event) EntityKey() string {
	return e.ProjectID + "/" + e.EntityType + "/" + e.EntityID
}

// Change is the wire-level representation of an applied mutation: the
// minimal delta plus enough identity to route and order it. It is owned
// by the broadcaster for the duration of fan-out and is not persisted
// beyond the delivery queue's lifetime.
type Change struct {
	ID            string    `json:"id"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	ProjectID     string    `json:"project_id"`
	Operation     Operation `json:"operation"`
	ActorID       string    `json:"actor_id"`
	Delta         Delta     `json:"delta"`
	ChangedFields []string  `json:"changed_fields,omitempty"`
	FeatureArea   string    `json:"feature_area,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Version       int64     `json:"version"`
}

// EntityKey returns the identity of the record this change describes,
// scoped by project.
func (c Change) EntityKey() string {
	return c.ProjectID + "/" + c.EntityType + "/" + c.EntityID
}

// NewChange derives the delta representation of a validated event.
func NewChange(e Event) Change {
	delta, fields := ComputeDelta(e.OldValue, e.NewValue, e.Operation)
	return Change{
		ID:            uuid.New().String(),
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		ProjectID:     e.ProjectID,
		Operation:     e.Operation,
		ActorID:       e.ActorID,
		Delta:         delta,
		ChangedFields: fields,
		FeatureArea:   e.FeatureArea,
		Timestamp:     e.Timestamp,
		Version:       e.Version,
	}
}
