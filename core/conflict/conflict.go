// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package conflict detects concurrent mutations to the same record and
// resolves them, automatically where possible and through an explicit
// human workflow where not.
package conflict

import (
	"time"

	"github.com/juju/errors"
)

// ErrManualResolutionRequired reports that a conflict cannot be
// resolved automatically and awaits an explicitly supplied payload.
// This is a valid terminal state for automatic resolution, not a
// failure of the engine.
const ErrManualResolutionRequired = errors.ConstError("manual resolution required")

// Type classifies how two changes collide.
type Type string

const (
	// VersionConflict means the incoming change was based on a record
	// version older than the stored one. Highest detection priority.
	VersionConflict Type = "version"
	// ContentConflict means two actors changed the same record
	// concurrently, from the same base, with overlapping intent.
	ContentConflict Type = "content"
	// SemanticConflict is a reserved extension point for
	// domain-specific rule violations.
	SemanticConflict Type = "semantic"
	// DependencyConflict is a reserved extension point for
	// relationship violations.
	DependencyConflict Type = "dependency"
)

// Status tracks a conflict's lifecycle. A conflict transitions from
// Active to Resolved exactly once.
type Status string

const (
	Active   Status = "active"
	Resolved Status = "resolved"
)

// Strategy selects how a conflict is resolved. The set is closed;
// resolution dispatches over it with a single switch rather than an
// open plugin interface.
type Strategy string

const (
	// LastWriterWins keeps the candidate with the latest submission
	// time and rejects the rest.
	LastWriterWins Strategy = "last-writer-wins"
	// AutoMerge combines per-field values across candidates, falling
	// back to last-writer-wins on individual field collisions.
	AutoMerge Strategy = "auto-merge"
	// Manual suspends resolution until a human submits the final
	// payload. Manual conflicts never time out.
	Manual Strategy = "manual"
	// Reject keeps the pre-conflict stored value and rejects all
	// candidates.
	Reject Strategy = "reject"
)

// Validate ensures the strategy is one of the known kinds.
func (s Strategy) Validate() error {
	switch s {
	case LastWriterWins, AutoMerge, Manual, Reject:
		return nil
	}
	return errors.NotValidf("resolution strategy %q", string(s))
}

// ConflictingChange is one candidate input to a conflict. Immutable.
type ConflictingChange struct {
	ActorID          string
	SubmittedVersion int64
	SubmittedAt      time.Time
	Payload          map[string]interface{}
	ChangedFields    []string
	// FromStore marks the candidate synthesized from the currently
	// stored record rather than from an incoming submission.
	FromStore bool
}

// Info describes a detected conflict.
type Info struct {
	ConflictID         string
	EntityType         string
	EntityID           string
	ProjectID          string
	Type               Type
	ConflictingChanges []ConflictingChange
	DetectedAt         time.Time
	Status             Status
	ResolutionStrategy Strategy
	ResolvedBy         string
	ResolvedAt         time.Time
	Notes              string
}

// EntityKey returns the identity of the conflicted record, scoped by
// project.
func (i Info) EntityKey() string {
	return i.ProjectID + "/" + i.EntityType + "/" + i.EntityID
}

// Resolution is the terminal outcome of resolving a conflict. Exactly
// one is produced per conflict.
type Resolution struct {
	ConflictID      string
	AppliedStrategy Strategy
	FinalPayload    map[string]interface{}
	FinalVersion    int64
	// Updated reports whether the stored record was rewritten as part
	// of the resolution.
	Updated         bool
	RejectedChanges []ConflictingChange
	Notes           string
}

// ManualResolutionRequest is handed to the human workflow when a
// conflict needs (or an automatic strategy demands) manual resolution.
type ManualResolutionRequest struct {
	ConflictID  string
	EntityType  string
	EntityID    string
	ProjectID   string
	Candidates  []ConflictingChange
	// Diff maps each contested field to the candidate values for it,
	// in candidate order, giving the resolver a field-by-field view.
	Diff        map[string][]interface{}
	RequestedAt time.Time
}
