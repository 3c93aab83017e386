// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package conflict

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/contextsync/contextsync/core/change"
	"github.com/contextsync/contextsync/core/record"
)

var logger = loggo.GetLogger("contextsync.conflict")

// Config holds the dependencies and tuning knobs for an Engine.
type Config struct {
	// Store holds the authoritative record state.
	Store record.Store
	// Clock is used for conflict timestamps.
	Clock clock.Clock
	// ConcurrencyWindow bounds how far apart two submissions may be
	// and still count as concurrent edits of the same base version.
	ConcurrencyWindow time.Duration
	// CollisionFraction is the fraction of merged fields that may
	// collide before an auto-merge gives up and demands manual
	// resolution.
	CollisionFraction float64
	// RecentDepth bounds how many recent submissions are remembered
	// per entity for concurrent-edit detection.
	RecentDepth int
	// OnManualRequest, if set, receives a request whenever a conflict
	// is handed to the manual resolution workflow.
	OnManualRequest func(ManualResolutionRequest)
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.ConcurrencyWindow <= 0 {
		return errors.NotValidf("non-positive ConcurrencyWindow")
	}
	if c.CollisionFraction <= 0 || c.CollisionFraction > 1 {
		return errors.NotValidf("CollisionFraction %v outside (0, 1]", c.CollisionFraction)
	}
	return nil
}

// Outcome is the result of submitting a change. Exactly one of Applied
// and Conflict is set: a conflicted submission is a normal outcome,
// not an error.
type Outcome struct {
	// Applied is the stored record state after a clean apply. For
	// deletes it carries the tombstone version with nil fields.
	Applied *record.Record
	// Conflict describes why the change was not applied.
	Conflict *Info
}

// submission is a recently applied change, remembered per entity so a
// later stale submission can be recognised as a concurrent edit
// rather than a plain version conflict.
type submission struct {
	actorID     string
	baseVersion int64
	newVersion  int64
	at          time.Time
	payload     map[string]interface{}
	fields      []string
}

// Engine detects and resolves conflicting changes. All mutations to a
// given entity are serialised on a per-entity lock, so detection,
// apply and resolution never interleave for the same record.
type Engine struct {
	cfg   Config
	locks *kmutex.Kmutex

	mu          sync.RWMutex
	conflicts   map[string]*Info
	resolutions map[string]Resolution
	recent      map[string][]submission
}

// NewEngine returns an Engine with the given configuration.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.RecentDepth <= 0 {
		cfg.RecentDepth = 16
	}
	return &Engine{
		cfg:         cfg,
		locks:       kmutex.New(),
		conflicts:   make(map[string]*Info),
		resolutions: make(map[string]Resolution),
		recent:      make(map[string][]submission),
	}, nil
}

// Submit validates an event against the stored record and either
// applies it or registers a conflict. The returned Outcome reports
// which happened.
func (e *Engine) Submit(event change.Event) (Outcome, error) {
	if err := event.Validate(); err != nil {
		return Outcome{}, errors.Trace(err)
	}
	key := event.EntityKey()
	e.locks.Lock(key)
	defer e.locks.Unlock(key)
	return e.submitLocked(event, false)
}

func (e *Engine) submitLocked(event change.Event, retried bool) (Outcome, error) {
	rec, err := e.cfg.Store.GetRecord(event.ProjectID, event.EntityType, event.EntityID)
	exists := err == nil
	if err != nil && !errors.Is(err, errors.NotFound) {
		return Outcome{}, errors.Trace(err)
	}
	var current int64
	if exists {
		current = rec.Version
	}

	if event.Operation == change.Delete && !exists {
		return Outcome{}, errors.NotFoundf("record %s", event.EntityKey())
	}

	// Detection runs version first, then content. A stale submission
	// is reclassified as a content conflict only when a concurrent
	// peer edit from the same base overlaps it in intent.
	if event.Version < current {
		_, fields := change.ComputeDelta(event.OldValue, event.NewValue, event.Operation)
		incoming := e.incomingCandidate(event, fields)
		if peer, ok := e.concurrentPeer(event, fields); ok {
			info := e.register(ContentConflict, event, []ConflictingChange{peer, incoming})
			return Outcome{Conflict: info}, nil
		}
		stored := e.storedCandidate(rec)
		info := e.register(VersionConflict, event, []ConflictingChange{stored, incoming})
		return Outcome{Conflict: info}, nil
	}
	if event.Version > current {
		return Outcome{}, errors.NotValidf(
			"event version %d ahead of stored version %d for %s",
			event.Version, current, event.EntityKey())
	}

	if event.Operation == change.Delete {
		if err := e.cfg.Store.DeleteRecord(event.ProjectID, event.EntityType, event.EntityID); err != nil {
			return Outcome{}, errors.Trace(err)
		}
		tombstone := record.Record{
			ProjectID:  event.ProjectID,
			EntityType: event.EntityType,
			EntityID:   event.EntityID,
			Version:    current + 1,
			UpdatedAt:  e.cfg.Clock.Now(),
		}
		e.mu.Lock()
		e.rememberLocked(event, nil, tombstone.Version)
		e.resolveOnDeleteLocked(event)
		e.mu.Unlock()
		return Outcome{Applied: &tombstone}, nil
	}

	next := record.Record{
		ProjectID:  event.ProjectID,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Fields:     copyPayload(event.NewValue),
		Version:    current + 1,
	}
	if err := e.cfg.Store.PutRecord(next, current); err != nil {
		if errors.Is(err, record.ErrVersionMismatch) && !retried {
			// The store moved underneath us (an out-of-band writer).
			// Re-read and reclassify once.
			return e.submitLocked(event, true)
		}
		return Outcome{}, errors.Trace(err)
	}
	next.UpdatedAt = e.cfg.Clock.Now()

	_, fields := change.ComputeDelta(event.OldValue, event.NewValue, event.Operation)
	e.mu.Lock()
	e.rememberLocked(event, fields, next.Version)
	e.mu.Unlock()
	return Outcome{Applied: &next}, nil
}

// concurrentPeer finds a recently applied submission from a different
// actor with the same base version within the concurrency window,
// whose changed fields genuinely overlap the incoming ones. If either
// field set strictly contains the other the edits are treated as
// ordered, not concurrent, and no peer is reported.
func (e *Engine) concurrentPeer(event change.Event, fields []string) (ConflictingChange, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	recent := e.recent[event.EntityKey()]
	for i := len(recent) - 1; i >= 0; i-- {
		sub := recent[i]
		if sub.actorID == event.ActorID || sub.baseVersion != event.Version {
			continue
		}
		if absDuration(event.Timestamp.Sub(sub.at)) > e.cfg.ConcurrencyWindow {
			continue
		}
		theirs := set.NewStrings(sub.fields...)
		ours := set.NewStrings(fields...)
		if strictSuperset(theirs, ours) || strictSuperset(ours, theirs) {
			return ConflictingChange{}, false
		}
		return ConflictingChange{
			ActorID:          sub.actorID,
			SubmittedVersion: sub.baseVersion,
			SubmittedAt:      sub.at,
			Payload:          copyPayload(sub.payload),
			ChangedFields:    append([]string(nil), sub.fields...),
		}, true
	}
	return ConflictingChange{}, false
}

func strictSuperset(a, b set.Strings) bool {
	return a.Size() > b.Size() && b.Difference(a).IsEmpty()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (e *Engine) incomingCandidate(event change.Event, fields []string) ConflictingChange {
	return ConflictingChange{
		ActorID:          event.ActorID,
		SubmittedVersion: event.Version,
		SubmittedAt:      event.Timestamp,
		Payload:          copyPayload(event.NewValue),
		ChangedFields:    fields,
	}
}

// storedCandidate synthesizes a candidate from the stored record so
// that resolution strategies can choose the stored state like any
// other contender.
func (e *Engine) storedCandidate(rec record.Record) ConflictingChange {
	var actor string
	e.mu.RLock()
	for _, sub := range e.recent[rec.Key()] {
		if sub.newVersion == rec.Version {
			actor = sub.actorID
		}
	}
	e.mu.RUnlock()
	return ConflictingChange{
		ActorID:          actor,
		SubmittedVersion: rec.Version,
		SubmittedAt:      rec.UpdatedAt,
		Payload:          copyPayload(rec.Fields),
		FromStore:        true,
	}
}

func (e *Engine) register(kind Type, event change.Event, candidates []ConflictingChange) *Info {
	info := &Info{
		ConflictID:         uuid.New().String(),
		EntityType:         event.EntityType,
		EntityID:           event.EntityID,
		ProjectID:          event.ProjectID,
		Type:               kind,
		ConflictingChanges: candidates,
		DetectedAt:         e.cfg.Clock.Now(),
		Status:             Active,
	}
	e.mu.Lock()
	e.conflicts[info.ConflictID] = info
	e.mu.Unlock()
	logger.Infof("detected %s conflict %s on %s", kind, info.ConflictID, info.EntityKey())
	out := copyInfo(*info)
	return &out
}

func (e *Engine) rememberLocked(event change.Event, fields []string, newVersion int64) {
	key := event.EntityKey()
	recent := append(e.recent[key], submission{
		actorID:     event.ActorID,
		baseVersion: event.Version,
		newVersion:  newVersion,
		at:          event.Timestamp,
		payload:     copyPayload(event.NewValue),
		fields:      append([]string(nil), fields...),
	})
	if len(recent) > e.cfg.RecentDepth {
		recent = recent[len(recent)-e.cfg.RecentDepth:]
	}
	e.recent[key] = recent
}

// resolveOnDeleteLocked resolves any active conflicts for a deleted
// entity as rejected. Resolving a conflict on a record that no longer
// exists would otherwise be impossible.
func (e *Engine) resolveOnDeleteLocked(event change.Event) {
	key := event.EntityKey()
	now := e.cfg.Clock.Now()
	for id, info := range e.conflicts {
		if info.Status != Active || info.EntityKey() != key {
			continue
		}
		info.Status = Resolved
		info.ResolutionStrategy = Reject
		info.ResolvedBy = event.ActorID
		info.ResolvedAt = now
		info.Notes = "entity deleted before resolution"
		e.resolutions[id] = Resolution{
			ConflictID:      id,
			AppliedStrategy: Reject,
			RejectedChanges: submittedCandidates(info.ConflictingChanges),
			Notes:           info.Notes,
		}
		logger.Infof("conflict %s on %s rejected, entity deleted", id, key)
	}
}

// Resolve applies the given strategy to an active conflict. The
// Manual strategy (and an auto-merge whose collisions exceed the
// configured fraction) returns ErrManualResolutionRequired and leaves
// the conflict active until ResolveManually is called; manual
// conflicts never time out.
func (e *Engine) Resolve(conflictID string, strategy Strategy, resolver string) (Resolution, error) {
	if err := strategy.Validate(); err != nil {
		return Resolution{}, errors.Trace(err)
	}
	snapshot, unlock, err := e.lockActive(conflictID)
	if err != nil {
		return Resolution{}, errors.Trace(err)
	}
	defer unlock()

	if strategy == Manual {
		e.requestManual(snapshot)
		return Resolution{}, errors.Annotatef(ErrManualResolutionRequired, "conflict %q", conflictID)
	}

	rec, exists, err := e.currentRecord(snapshot)
	if err != nil {
		return Resolution{}, errors.Trace(err)
	}

	var res Resolution
	switch strategy {
	case LastWriterWins:
		res, err = e.resolveLastWriterWins(snapshot, rec)
	case AutoMerge:
		res, err = e.resolveAutoMerge(snapshot, rec, exists)
	case Reject:
		res = Resolution{
			ConflictID:      snapshot.ConflictID,
			AppliedStrategy: Reject,
			FinalPayload:    copyPayload(rec.Fields),
			FinalVersion:    rec.Version,
			RejectedChanges: submittedCandidates(snapshot.ConflictingChanges),
			Notes:           "kept stored value, rejected all submissions",
		}
	}
	if errors.Is(err, ErrManualResolutionRequired) {
		e.requestManual(snapshot)
		return Resolution{}, errors.Annotatef(ErrManualResolutionRequired, "conflict %q", conflictID)
	}
	if err != nil {
		return Resolution{}, errors.Trace(err)
	}
	e.commit(conflictID, strategy, resolver, res)
	return res, nil
}

// ResolveManually completes a conflict with an explicitly supplied
// final payload, writing it as a new record version.
func (e *Engine) ResolveManually(conflictID string, payload map[string]interface{}, resolver string) (Resolution, error) {
	snapshot, unlock, err := e.lockActive(conflictID)
	if err != nil {
		return Resolution{}, errors.Trace(err)
	}
	defer unlock()

	rec, _, err := e.currentRecord(snapshot)
	if err != nil {
		return Resolution{}, errors.Trace(err)
	}
	next := record.Record{
		ProjectID:  snapshot.ProjectID,
		EntityType: snapshot.EntityType,
		EntityID:   snapshot.EntityID,
		Fields:     copyPayload(payload),
		Version:    rec.Version + 1,
	}
	if err := e.cfg.Store.PutRecord(next, rec.Version); err != nil {
		return Resolution{}, errors.Trace(err)
	}
	res := Resolution{
		ConflictID:      conflictID,
		AppliedStrategy: Manual,
		FinalPayload:    copyPayload(payload),
		FinalVersion:    next.Version,
		Updated:         true,
		RejectedChanges: submittedCandidates(snapshot.ConflictingChanges),
		Notes:           fmt.Sprintf("manually resolved by %s", resolver),
	}
	e.commit(conflictID, Manual, resolver, res)
	return res, nil
}

// lockActive takes the per-entity lock for the conflict and returns a
// snapshot of it, failing if it is unknown or already resolved.
func (e *Engine) lockActive(conflictID string) (Info, func(), error) {
	e.mu.RLock()
	info, ok := e.conflicts[conflictID]
	if !ok {
		e.mu.RUnlock()
		return Info{}, nil, errors.NotFoundf("conflict %q", conflictID)
	}
	key := info.EntityKey()
	e.mu.RUnlock()

	e.locks.Lock(key)

	e.mu.RLock()
	info, ok = e.conflicts[conflictID]
	active := ok && info.Status == Active
	var snapshot Info
	if active {
		snapshot = copyInfo(*info)
	}
	e.mu.RUnlock()
	if !active {
		e.locks.Unlock(key)
		return Info{}, nil, errors.AlreadyExistsf("resolution for conflict %q", conflictID)
	}
	return snapshot, func() { e.locks.Unlock(key) }, nil
}

func (e *Engine) currentRecord(info Info) (record.Record, bool, error) {
	rec, err := e.cfg.Store.GetRecord(info.ProjectID, info.EntityType, info.EntityID)
	if errors.Is(err, errors.NotFound) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, errors.Trace(err)
	}
	return rec, true, nil
}

func (e *Engine) resolveLastWriterWins(info Info, rec record.Record) (Resolution, error) {
	winner := 0
	for i, cand := range info.ConflictingChanges {
		if !cand.SubmittedAt.Before(info.ConflictingChanges[winner].SubmittedAt) {
			winner = i
		}
	}
	var rejected []ConflictingChange
	for i, cand := range info.ConflictingChanges {
		if i != winner {
			rejected = append(rejected, cand)
		}
	}
	win := info.ConflictingChanges[winner]
	res := Resolution{
		ConflictID:      info.ConflictID,
		AppliedStrategy: LastWriterWins,
		RejectedChanges: rejected,
		Notes:           fmt.Sprintf("last writer %s won", win.ActorID),
	}
	if win.FromStore {
		// The stored value is already the latest writer; nothing to
		// write.
		res.FinalPayload = copyPayload(rec.Fields)
		res.FinalVersion = rec.Version
		return res, nil
	}
	next := record.Record{
		ProjectID:  info.ProjectID,
		EntityType: info.EntityType,
		EntityID:   info.EntityID,
		Fields:     copyPayload(win.Payload),
		Version:    rec.Version + 1,
	}
	if err := e.cfg.Store.PutRecord(next, rec.Version); err != nil {
		return Resolution{}, errors.Trace(err)
	}
	res.FinalPayload = copyPayload(win.Payload)
	res.FinalVersion = next.Version
	res.Updated = true
	return res, nil
}

// resolveAutoMerge combines the candidates field by field on top of
// the stored record. Fields touched by a single candidate take that
// candidate's value; contested fields fall back to the latest writer,
// logged. If the contested fraction exceeds the configured limit the
// merge is abandoned in favour of manual resolution.
func (e *Engine) resolveAutoMerge(info Info, rec record.Record, exists bool) (Resolution, error) {
	candidates := submittedCandidates(info.ConflictingChanges)
	if len(candidates) == 0 {
		return Resolution{}, errors.NotValidf("auto-merge with no submitted candidates")
	}

	merged := copyPayload(rec.Fields)
	if merged == nil {
		merged = make(map[string]interface{})
	}
	union := set.NewStrings()
	for _, cand := range candidates {
		for _, f := range cand.ChangedFields {
			union.Add(f)
		}
	}
	contested := 0
	for _, field := range union.SortedValues() {
		var writers []ConflictingChange
		for _, cand := range candidates {
			if set.NewStrings(cand.ChangedFields...).Contains(field) {
				writers = append(writers, cand)
			}
		}
		if len(writers) > 1 {
			contested++
		}
		latest := writers[0]
		for _, w := range writers[1:] {
			if !w.SubmittedAt.Before(latest.SubmittedAt) {
				latest = w
			}
		}
		if len(writers) > 1 {
			logger.Debugf("conflict %s: field %q contested by %d writers, keeping %s",
				info.ConflictID, field, len(writers), latest.ActorID)
		}
		if value, ok := latest.Payload[field]; ok {
			merged[field] = value
		} else {
			delete(merged, field)
		}
	}
	if union.Size() > 0 {
		fraction := float64(contested) / float64(union.Size())
		if fraction > e.cfg.CollisionFraction {
			logger.Infof("conflict %s: %d of %d fields contested, deferring to manual resolution",
				info.ConflictID, contested, union.Size())
			return Resolution{}, ErrManualResolutionRequired
		}
	}

	// A content conflict's first change has already been applied, so
	// the merge rewrites that same version in place rather than
	// minting a new one.
	next := record.Record{
		ProjectID:  info.ProjectID,
		EntityType: info.EntityType,
		EntityID:   info.EntityID,
		Fields:     merged,
		Version:    rec.Version + 1,
	}
	if info.Type == ContentConflict && exists {
		next.Version = rec.Version
	}
	if err := e.cfg.Store.PutRecord(next, rec.Version); err != nil {
		return Resolution{}, errors.Trace(err)
	}
	return Resolution{
		ConflictID:      info.ConflictID,
		AppliedStrategy: AutoMerge,
		FinalPayload:    copyPayload(merged),
		FinalVersion:    next.Version,
		Updated:         true,
		Notes:           fmt.Sprintf("merged %d fields, %d contested", union.Size(), contested),
	}, nil
}

func (e *Engine) commit(conflictID string, strategy Strategy, resolver string, res Resolution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.conflicts[conflictID]
	if !ok {
		return
	}
	info.Status = Resolved
	info.ResolutionStrategy = strategy
	info.ResolvedBy = resolver
	info.ResolvedAt = e.cfg.Clock.Now()
	info.Notes = res.Notes
	e.resolutions[conflictID] = res
	logger.Infof("conflict %s resolved with %s by %s", conflictID, strategy, resolver)
}

func (e *Engine) requestManual(info Info) {
	req := ManualResolutionRequest{
		ConflictID:  info.ConflictID,
		EntityType:  info.EntityType,
		EntityID:    info.EntityID,
		ProjectID:   info.ProjectID,
		Candidates:  info.ConflictingChanges,
		Diff:        candidateDiff(info.ConflictingChanges),
		RequestedAt: e.cfg.Clock.Now(),
	}
	logger.Infof("conflict %s awaiting manual resolution", info.ConflictID)
	if e.cfg.OnManualRequest != nil {
		e.cfg.OnManualRequest(req)
	}
}

// candidateDiff builds the field-by-field view handed to a manual
// resolver: each field that any candidate touched, with every
// candidate's value for it in candidate order.
func candidateDiff(candidates []ConflictingChange) map[string][]interface{} {
	fields := set.NewStrings()
	for _, cand := range candidates {
		if cand.FromStore {
			for f := range cand.Payload {
				fields.Add(f)
			}
			continue
		}
		for _, f := range cand.ChangedFields {
			fields.Add(f)
		}
	}
	diff := make(map[string][]interface{}, fields.Size())
	for _, field := range fields.SortedValues() {
		values := make([]interface{}, 0, len(candidates))
		for _, cand := range candidates {
			values = append(values, cand.Payload[field])
		}
		diff[field] = values
	}
	return diff
}

func submittedCandidates(candidates []ConflictingChange) []ConflictingChange {
	var out []ConflictingChange
	for _, cand := range candidates {
		if !cand.FromStore {
			out = append(out, cand)
		}
	}
	return out
}

// ConflictInfo returns a copy of the identified conflict.
func (e *Engine) ConflictInfo(conflictID string) (Info, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info, ok := e.conflicts[conflictID]
	if !ok {
		return Info{}, errors.NotFoundf("conflict %q", conflictID)
	}
	return copyInfo(*info), nil
}

// ResolutionFor returns the recorded resolution of a conflict.
func (e *Engine) ResolutionFor(conflictID string) (Resolution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	res, ok := e.resolutions[conflictID]
	if !ok {
		return Resolution{}, errors.NotFoundf("resolution for conflict %q", conflictID)
	}
	return res, nil
}

// ActiveConflicts returns the active conflicts for a project, oldest
// first. An empty projectID matches all projects.
func (e *Engine) ActiveConflicts(projectID string) []Info {
	return e.conflictsWithStatus(projectID, Active)
}

// ResolvedConflicts returns the resolved conflicts for a project,
// oldest first. An empty projectID matches all projects.
func (e *Engine) ResolvedConflicts(projectID string) []Info {
	return e.conflictsWithStatus(projectID, Resolved)
}

func (e *Engine) conflictsWithStatus(projectID string, status Status) []Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Info
	for _, info := range e.conflicts {
		if info.Status != status {
			continue
		}
		if projectID != "" && info.ProjectID != projectID {
			continue
		}
		out = append(out, copyInfo(*info))
	}
	sortInfosByDetection(out)
	return out
}

// CleanupResolved drops resolved conflicts whose resolution is older
// than the given time, returning how many were removed.
func (e *Engine) CleanupResolved(olderThan time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, info := range e.conflicts {
		if info.Status == Resolved && info.ResolvedAt.Before(olderThan) {
			delete(e.conflicts, id)
			delete(e.resolutions, id)
			removed++
		}
	}
	return removed
}

// ExpireRecent drops remembered submissions older than the given
// time. Submissions outside the concurrency window can no longer
// influence detection.
func (e *Engine) ExpireRecent(before time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, recent := range e.recent {
		kept := recent[:0]
		for _, sub := range recent {
			if !sub.at.Before(before) {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(e.recent, key)
			continue
		}
		e.recent[key] = kept
	}
}

func sortInfosByDetection(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].DetectedAt.Before(infos[j].DetectedAt)
	})
}

func copyInfo(info Info) Info {
	candidates := make([]ConflictingChange, len(info.ConflictingChanges))
	for i, cand := range info.ConflictingChanges {
		cand.Payload = copyPayload(cand.Payload)
		cand.ChangedFields = append([]string(nil), cand.ChangedFields...)
		candidates[i] = cand
	}
	info.ConflictingChanges = candidates
	return info
}

func copyPayload(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for name, value := range payload {
		out[name] = value
	}
	return out
}
