// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package change

import (
	"reflect"

	"github.com/juju/collections/set"
)

// Delta is the minimal representation of a mutation, transmitted in
// place of full records. At most one of the three shapes is populated
// for any given operation.
type Delta struct {
	// Old holds the prior values of changed fields (updates), or the
	// full prior snapshot (deletes).
	Old map[string]interface{} `json:"old,omitempty"`
	// New holds the new values of changed fields (updates), or the
	// full new record (creates).
	New map[string]interface{} `json:"new,omitempty"`
	// Summary holds an operation-specific description for bulk
	// operations, which carry no field diff.
	Summary map[string]interface{} `json:"summary,omitempty"`
}

// ComputeDelta returns the minimal difference between the prior and new
// representations of a record, together with the names of the top-level
// fields whose values differ, in sorted order.
//
// The comparison is shallow: a change anywhere inside a nested value
// marks the containing top-level field as changed. The returned delta
// never exceeds the corresponding full record in size. The function is
// pure; neither input map is retained or mutated.
func ComputeDelta(oldValue, newValue map[string]interface{}, op Operation) (Delta, []string) {
	switch op {
	case Create:
		fields := set.NewStrings()
		for name := range newValue {
			fields.Add(name)
		}
		return Delta{New: copyFields(newValue)}, fields.SortedValues()
	case Delete:
		return Delta{Old: copyFields(oldValue)}, nil
	case Bulk:
		return Delta{Summary: copyFields(newValue)}, nil
	}

	fields := changedFields(oldValue, newValue)
	names := fields.SortedValues()
	oldProjected := make(map[string]interface{})
	newProjected := make(map[string]interface{})
	for _, name := range names {
		if v, ok := oldValue[name]; ok {
			oldProjected[name] = v
		}
		if v, ok := newValue[name]; ok {
			newProjected[name] = v
		}
	}
	return Delta{Old: oldProjected, New: newProjected}, names
}

// changedFields returns the top-level fields present in either map
// whose values differ, including fields added or removed entirely.
func changedFields(oldValue, newValue map[string]interface{}) set.Strings {
	fields := set.NewStrings()
	for name, nv := range newValue {
		ov, ok := oldValue[name]
		if !ok || !reflect.DeepEqual(ov, nv) {
			fields.Add(name)
		}
	}
	for name := range oldValue {
		if _, ok := newValue[name]; !ok {
			fields.Add(name)
		}
	}
	return fields
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for name, value := range fields {
		out[name] = value
	}
	return out
}
