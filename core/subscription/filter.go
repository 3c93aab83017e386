// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package subscription tracks which clients want to hear about which
// changes. A client registers a set of filters; a change is delivered
// to the client if any one of its filters matches.
package subscription

import (
	"github.com/juju/collections/set"

	"github.com/contextsync/contextsync/core/change"
)

// Filter restricts the changes a client receives. Within a single
// filter every populated field must match; a field left empty matches
// everything. Across a client's filters the semantics are OR.
type Filter struct {
	ProjectIDs   []string           `yaml:"project-ids,omitempty" json:"project_ids,omitempty"`
	EntityTypes  []string           `yaml:"entity-types,omitempty" json:"entity_types,omitempty"`
	FeatureAreas []string           `yaml:"feature-areas,omitempty" json:"feature_areas,omitempty"`
	Operations   []change.Operation `yaml:"operations,omitempty" json:"operations,omitempty"`
}

// Matches reports whether the change satisfies every populated field
// of this filter.
func (f Filter) Matches(c change.Change) bool {
	return f.compile().matches(c)
}

// matcher is a filter with its membership fields pre-built as sets, so
// the registry's hot path does not rebuild them per change.
type matcher struct {
	projectIDs   set.Strings
	entityTypes  set.Strings
	featureAreas set.Strings
	operations   set.Strings
}

func (f Filter) compile() matcher {
	m := matcher{
		projectIDs:   set.NewStrings(f.ProjectIDs...),
		entityTypes:  set.NewStrings(f.EntityTypes...),
		featureAreas: set.NewStrings(f.FeatureAreas...),
		operations:   set.NewStrings(),
	}
	for _, op := range f.Operations {
		m.operations.Add(string(op))
	}
	return m
}

func (m matcher) matches(c change.Change) bool {
	if !m.projectIDs.IsEmpty() && !m.projectIDs.Contains(c.ProjectID) {
		return false
	}
	if !m.entityTypes.IsEmpty() && !m.entityTypes.Contains(c.EntityType) {
		return false
	}
	if !m.featureAreas.IsEmpty() {
		if c.FeatureArea == "" || !m.featureAreas.Contains(c.FeatureArea) {
			return false
		}
	}
	if !m.operations.IsEmpty() && !m.operations.Contains(string(c.Operation)) {
		return false
	}
	return true
}

// coversProject reports whether this filter could ever match a change
// in the given project.
func (m matcher) coversProject(projectID string) bool {
	return m.projectIDs.IsEmpty() || m.projectIDs.Contains(projectID)
}
