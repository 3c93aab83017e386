// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package conflict_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/contextsync/contextsync/core/change"
	"github.com/contextsync/contextsync/core/conflict"
	"github.com/contextsync/contextsync/core/record"
	"github.com/contextsync/contextsync/internal/store/memstore"
)

type EngineSuite struct {
	clock  *testclock.Clock
	store  *memstore.Store
	engine *conflict.Engine
	manual []conflict.ManualResolutionRequest
}

var _ = gc.Suite(&EngineSuite{})

func (s *EngineSuite) SetUpTest(c *gc.C) {
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.store = memstore.New(s.clock)
	s.manual = nil
	engine, err := conflict.NewEngine(conflict.Config{
		Store:             s.store,
		Clock:             s.clock,
		ConcurrencyWindow: 5 * time.Second,
		CollisionFraction: 0.5,
		OnManualRequest: func(req conflict.ManualResolutionRequest) {
			s.manual = append(s.manual, req)
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.engine = engine
}

func (s *EngineSuite) update(actor string, version int64, oldValue, newValue map[string]interface{}, at time.Time) change.Event {
	return change.Event{
		EntityType: "document",
		EntityID:   "doc-1",
		ProjectID:  "proj-1",
		Operation:  change.Update,
		ActorID:    actor,
		OldValue:   oldValue,
		NewValue:   newValue,
		Timestamp:  at,
		Version:    version,
	}
}

func (s *EngineSuite) seed(c *gc.C, version int64, fields map[string]interface{}) {
	err := s.store.PutRecord(record.Record{
		ProjectID:  "proj-1",
		EntityType: "document",
		EntityID:   "doc-1",
		Fields:     fields,
		Version:    version,
	}, 0)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *EngineSuite) TestConfigValidate(c *gc.C) {
	_, err := conflict.NewEngine(conflict.Config{})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *EngineSuite) TestCreateThenUpdate(c *gc.C) {
	out, err := s.engine.Submit(change.Event{
		EntityType: "document",
		EntityID:   "doc-1",
		ProjectID:  "proj-1",
		Operation:  change.Create,
		ActorID:    "actor-a",
		NewValue:   map[string]interface{}{"title": "Draft"},
		Timestamp:  s.clock.Now(),
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Conflict, gc.IsNil)
	c.Assert(out.Applied, gc.NotNil)
	c.Check(out.Applied.Version, gc.Equals, int64(1))

	out, err = s.engine.Submit(s.update("actor-a", 1,
		map[string]interface{}{"title": "Draft"},
		map[string]interface{}{"title": "Final"},
		s.clock.Now()))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Applied, gc.NotNil)
	c.Check(out.Applied.Version, gc.Equals, int64(2))

	got, err := s.store.GetRecord("proj-1", "document", "doc-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Fields["title"], gc.Equals, "Final")
}

func (s *EngineSuite) TestVersionAheadRejected(c *gc.C) {
	s.seed(c, 3, map[string]interface{}{"title": "Draft"})
	_, err := s.engine.Submit(s.update("actor-a", 7,
		map[string]interface{}{"title": "Draft"},
		map[string]interface{}{"title": "Future"},
		s.clock.Now()))
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *EngineSuite) TestDeleteMissing(c *gc.C) {
	_, err := s.engine.Submit(change.Event{
		EntityType: "document",
		EntityID:   "doc-1",
		ProjectID:  "proj-1",
		Operation:  change.Delete,
		ActorID:    "actor-a",
		OldValue:   map[string]interface{}{"title": "Draft"},
		Timestamp:  s.clock.Now(),
	})
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *EngineSuite) TestStaleSubmissionAlwaysConflicts(c *gc.C) {
	s.seed(c, 4, map[string]interface{}{"title": "Draft"})
	out, err := s.engine.Submit(s.update("actor-x", 2,
		map[string]interface{}{"title": "Old"},
		map[string]interface{}{"title": "Stale"},
		s.clock.Now()))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Applied, gc.IsNil)
	c.Assert(out.Conflict, gc.NotNil)
	c.Check(out.Conflict.Type, gc.Equals, conflict.VersionConflict)
	c.Check(out.Conflict.Status, gc.Equals, conflict.Active)
	c.Assert(out.Conflict.ConflictingChanges, gc.HasLen, 2)
	c.Check(out.Conflict.ConflictingChanges[0].FromStore, jc.IsTrue)
	c.Check(out.Conflict.ConflictingChanges[1].ActorID, gc.Equals, "actor-x")

	active := s.engine.ActiveConflicts("proj-1")
	c.Assert(active, gc.HasLen, 1)
	c.Check(active[0].ConflictID, gc.Equals, out.Conflict.ConflictID)
}

func (s *EngineSuite) TestConcurrentSameBaseEditsAreContentConflict(c *gc.C) {
	base := map[string]interface{}{"title": "Draft", "body": "text", "tags": "none"}
	s.seed(c, 3, base)
	t0 := s.clock.Now()

	aNew := map[string]interface{}{"title": "A title", "body": "text", "tags": "urgent"}
	out, err := s.engine.Submit(s.update("actor-a", 3, base, aNew, t0))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Applied, gc.NotNil)
	c.Check(out.Applied.Version, gc.Equals, int64(4))

	bNew := map[string]interface{}{"title": "B title", "body": "revised", "tags": "none"}
	out, err = s.engine.Submit(s.update("actor-b", 3, base, bNew, t0.Add(2*time.Second)))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Conflict, gc.NotNil)
	c.Check(out.Conflict.Type, gc.Equals, conflict.ContentConflict)
	c.Assert(out.Conflict.ConflictingChanges, gc.HasLen, 2)
	c.Check(out.Conflict.ConflictingChanges[0].ActorID, gc.Equals, "actor-a")
	c.Check(out.Conflict.ConflictingChanges[1].ActorID, gc.Equals, "actor-b")
}

func (s *EngineSuite) TestAutoMergeContentConflictKeepsVersion(c *gc.C) {
	base := map[string]interface{}{"title": "Draft", "body": "text", "tags": "none"}
	s.seed(c, 3, base)
	t0 := s.clock.Now()

	aNew := map[string]interface{}{"title": "A title", "body": "text", "tags": "urgent"}
	_, err := s.engine.Submit(s.update("actor-a", 3, base, aNew, t0))
	c.Assert(err, jc.ErrorIsNil)

	bNew := map[string]interface{}{"title": "B title", "body": "revised", "tags": "none"}
	out, err := s.engine.Submit(s.update("actor-b", 3, base, bNew, t0.Add(2*time.Second)))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Conflict, gc.NotNil)

	res, err := s.engine.Resolve(out.Conflict.ConflictID, conflict.AutoMerge, "operator")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(res.AppliedStrategy, gc.Equals, conflict.AutoMerge)
	c.Check(res.Updated, jc.IsTrue)
	// The merge rewrites the already-applied version rather than
	// minting a new one.
	c.Check(res.FinalVersion, gc.Equals, int64(4))
	c.Check(res.FinalPayload, jc.DeepEquals, map[string]interface{}{
		"title": "B title",
		"body":  "revised",
		"tags":  "urgent",
	})

	got, err := s.store.GetRecord("proj-1", "document", "doc-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Version, gc.Equals, int64(4))
	c.Check(got.Fields, jc.DeepEquals, res.FinalPayload)

	info, err := s.engine.ConflictInfo(out.Conflict.ConflictID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.Status, gc.Equals, conflict.Resolved)
	c.Check(info.ResolutionStrategy, gc.Equals, conflict.AutoMerge)
}

func (s *EngineSuite) TestLastWriterWinsStoredValueWins(c *gc.C) {
	fields := map[string]interface{}{"title": "Current"}
	s.seed(c, 4, fields)

	out, err := s.engine.Submit(s.update("actor-x", 2,
		map[string]interface{}{"title": "Old"},
		map[string]interface{}{"title": "Stale"},
		s.clock.Now().Add(-time.Minute)))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Conflict, gc.NotNil)
	c.Check(out.Conflict.Type, gc.Equals, conflict.VersionConflict)

	res, err := s.engine.Resolve(out.Conflict.ConflictID, conflict.LastWriterWins, "operator")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(res.Updated, jc.IsFalse)
	c.Check(res.FinalVersion, gc.Equals, int64(4))
	c.Check(res.FinalPayload, jc.DeepEquals, fields)
	c.Assert(res.RejectedChanges, gc.HasLen, 1)
	c.Check(res.RejectedChanges[0].ActorID, gc.Equals, "actor-x")

	got, err := s.store.GetRecord("proj-1", "document", "doc-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Version, gc.Equals, int64(4))
}

func (s *EngineSuite) TestLastWriterWinsIncomingWins(c *gc.C) {
	s.seed(c, 4, map[string]interface{}{"title": "Current"})

	out, err := s.engine.Submit(s.update("actor-x", 2,
		map[string]interface{}{"title": "Old"},
		map[string]interface{}{"title": "Newer"},
		s.clock.Now().Add(time.Minute)))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Conflict, gc.NotNil)

	res, err := s.engine.Resolve(out.Conflict.ConflictID, conflict.LastWriterWins, "operator")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(res.Updated, jc.IsTrue)
	c.Check(res.FinalVersion, gc.Equals, int64(5))
	c.Check(res.FinalPayload["title"], gc.Equals, "Newer")

	got, err := s.store.GetRecord("proj-1", "document", "doc-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Version, gc.Equals, int64(5))
	c.Check(got.Fields["title"], gc.Equals, "Newer")
}

func (s *EngineSuite) TestRejectKeepsStoredValue(c *gc.C) {
	fields := map[string]interface{}{"title": "Current"}
	s.seed(c, 4, fields)

	out, err := s.engine.Submit(s.update("actor-x", 2,
		map[string]interface{}{"title": "Old"},
		map[string]interface{}{"title": "Stale"},
		s.clock.Now()))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Conflict, gc.NotNil)

	res, err := s.engine.Resolve(out.Conflict.ConflictID, conflict.Reject, "operator")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(res.Updated, jc.IsFalse)
	c.Check(res.FinalPayload, jc.DeepEquals, fields)
	c.Assert(res.RejectedChanges, gc.HasLen, 1)

	got, err := s.store.GetRecord("proj-1", "document", "doc-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Version, gc.Equals, int64(4))
	c.Check(got.Fields, jc.DeepEquals, fields)
}

func (s *EngineSuite) TestAutoMergeTooContestedDefersToManual(c *gc.C) {
	base := map[string]interface{}{"title": "Draft"}
	s.seed(c, 3, base)
	t0 := s.clock.Now()

	_, err := s.engine.Submit(s.update("actor-a", 3, base,
		map[string]interface{}{"title": "A title"}, t0))
	c.Assert(err, jc.ErrorIsNil)

	out, err := s.engine.Submit(s.update("actor-b", 3, base,
		map[string]interface{}{"title": "B title"}, t0.Add(time.Second)))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Conflict, gc.NotNil)
	c.Check(out.Conflict.Type, gc.Equals, conflict.ContentConflict)

	_, err = s.engine.Resolve(out.Conflict.ConflictID, conflict.AutoMerge, "operator")
	c.Assert(err, jc.ErrorIs, conflict.ErrManualResolutionRequired)
	c.Assert(s.manual, gc.HasLen, 1)
	c.Check(s.manual[0].ConflictID, gc.Equals, out.Conflict.ConflictID)

	// The conflict stays active until a payload is supplied.
	info, err := s.engine.ConflictInfo(out.Conflict.ConflictID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.Status, gc.Equals, conflict.Active)

	res, err := s.engine.ResolveManually(out.Conflict.ConflictID,
		map[string]interface{}{"title": "Merged title"}, "operator")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(res.AppliedStrategy, gc.Equals, conflict.Manual)
	c.Check(res.Updated, jc.IsTrue)
	c.Check(res.FinalVersion, gc.Equals, int64(5))

	got, err := s.store.GetRecord("proj-1", "document", "doc-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Fields["title"], gc.Equals, "Merged title")
}

func (s *EngineSuite) TestManualStrategyEmitsRequest(c *gc.C) {
	s.seed(c, 4, map[string]interface{}{"title": "Current"})

	out, err := s.engine.Submit(s.update("actor-x", 2,
		map[string]interface{}{"title": "Old"},
		map[string]interface{}{"title": "Stale"},
		s.clock.Now()))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Conflict, gc.NotNil)

	_, err = s.engine.Resolve(out.Conflict.ConflictID, conflict.Manual, "operator")
	c.Assert(err, jc.ErrorIs, conflict.ErrManualResolutionRequired)
	c.Assert(s.manual, gc.HasLen, 1)
	c.Check(s.manual[0].Diff["title"], jc.DeepEquals, []interface{}{"Current", "Stale"})

	res, err := s.engine.ResolveManually(out.Conflict.ConflictID,
		map[string]interface{}{"title": "Chosen"}, "operator")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(res.FinalVersion, gc.Equals, int64(5))

	info, err := s.engine.ConflictInfo(out.Conflict.ConflictID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.Status, gc.Equals, conflict.Resolved)
	c.Check(info.ResolutionStrategy, gc.Equals, conflict.Manual)
	c.Check(info.ResolvedBy, gc.Equals, "operator")
}

func (s *EngineSuite) TestResolveTwiceFails(c *gc.C) {
	s.seed(c, 4, map[string]interface{}{"title": "Current"})
	out, err := s.engine.Submit(s.update("actor-x", 2,
		map[string]interface{}{"title": "Old"},
		map[string]interface{}{"title": "Stale"},
		s.clock.Now()))
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.engine.Resolve(out.Conflict.ConflictID, conflict.Reject, "operator")
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.engine.Resolve(out.Conflict.ConflictID, conflict.LastWriterWins, "operator")
	c.Assert(err, jc.Satisfies, errors.IsAlreadyExists)
}

func (s *EngineSuite) TestResolveUnknownConflict(c *gc.C) {
	_, err := s.engine.Resolve("no-such-conflict", conflict.Reject, "operator")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *EngineSuite) TestDeleteResolvesActiveConflicts(c *gc.C) {
	s.seed(c, 4, map[string]interface{}{"title": "Current"})
	out, err := s.engine.Submit(s.update("actor-x", 2,
		map[string]interface{}{"title": "Old"},
		map[string]interface{}{"title": "Stale"},
		s.clock.Now()))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Conflict, gc.NotNil)

	del, err := s.engine.Submit(change.Event{
		EntityType: "document",
		EntityID:   "doc-1",
		ProjectID:  "proj-1",
		Operation:  change.Delete,
		ActorID:    "actor-a",
		OldValue:   map[string]interface{}{"title": "Current"},
		Timestamp:  s.clock.Now(),
		Version:    4,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(del.Applied, gc.NotNil)
	c.Check(del.Applied.Version, gc.Equals, int64(5))
	c.Check(del.Applied.Fields, gc.IsNil)

	c.Check(s.engine.ActiveConflicts("proj-1"), gc.HasLen, 0)
	info, err := s.engine.ConflictInfo(out.Conflict.ConflictID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.Status, gc.Equals, conflict.Resolved)
	c.Check(info.ResolutionStrategy, gc.Equals, conflict.Reject)

	res, err := s.engine.ResolutionFor(out.Conflict.ConflictID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(res.AppliedStrategy, gc.Equals, conflict.Reject)
}

func (s *EngineSuite) TestCleanupResolved(c *gc.C) {
	s.seed(c, 4, map[string]interface{}{"title": "Current"})
	out, err := s.engine.Submit(s.update("actor-x", 2,
		map[string]interface{}{"title": "Old"},
		map[string]interface{}{"title": "Stale"},
		s.clock.Now()))
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.engine.Resolve(out.Conflict.ConflictID, conflict.Reject, "operator")
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.engine.CleanupResolved(s.clock.Now()), gc.Equals, 0)
	s.clock.Advance(time.Hour)
	c.Check(s.engine.CleanupResolved(s.clock.Now()), gc.Equals, 1)

	_, err = s.engine.ConflictInfo(out.Conflict.ConflictID)
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *EngineSuite) TestOrderedSupersetEditsAreVersionConflict(c *gc.C) {
	base := map[string]interface{}{"title": "Draft", "body": "text"}
	s.seed(c, 3, base)
	t0 := s.clock.Now()

	// actor-a changes title and body; actor-b changes only title from
	// the same base. b's field set is strictly contained in a's, so
	// this is treated as a plain stale write.
	_, err := s.engine.Submit(s.update("actor-a", 3, base,
		map[string]interface{}{"title": "A title", "body": "revised"}, t0))
	c.Assert(err, jc.ErrorIsNil)

	out, err := s.engine.Submit(s.update("actor-b", 3, base,
		map[string]interface{}{"title": "B title", "body": "text"}, t0.Add(time.Second)))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Conflict, gc.NotNil)
	c.Check(out.Conflict.Type, gc.Equals, conflict.VersionConflict)
}

func (s *EngineSuite) TestEditsOutsideWindowAreVersionConflict(c *gc.C) {
	base := map[string]interface{}{"title": "Draft", "tags": "none"}
	s.seed(c, 3, base)
	t0 := s.clock.Now()

	_, err := s.engine.Submit(s.update("actor-a", 3, base,
		map[string]interface{}{"title": "A title", "tags": "none"}, t0))
	c.Assert(err, jc.ErrorIsNil)

	out, err := s.engine.Submit(s.update("actor-b", 3, base,
		map[string]interface{}{"title": "Draft", "tags": "late"}, t0.Add(time.Minute)))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Conflict, gc.NotNil)
	c.Check(out.Conflict.Type, gc.Equals, conflict.VersionConflict)
}
