// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sync

import (
	stdsync "sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"

	"github.com/contextsync/contextsync/core/change"
	"github.com/contextsync/contextsync/core/subscription"
)

const changeTopic = "change"

// envelope is the unit published on the hub: the change plus the set
// of clients whose filters matched it. Matching runs once per change;
// each subscriber only checks membership.
type envelope struct {
	change  change.Change
	matched set.Strings
}

// BroadcasterConfig holds the dependencies for a Broadcaster.
type BroadcasterConfig struct {
	Hub      *pubsub.SimpleHub
	Registry *subscription.Registry
	Clock    clock.Clock
	Metrics  *Metrics
	// Deliver is invoked on the subscriber's goroutine for each change
	// matched to an attached client, in per-client publish order.
	Deliver func(clientID string, ch change.Change)
	// HistoryDepth bounds the retained versions per entity.
	HistoryDepth int
}

// Validate checks the broadcaster configuration.
func (c BroadcasterConfig) Validate() error {
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if c.Deliver == nil {
		return errors.NotValidf("nil Deliver")
	}
	if c.HistoryDepth <= 0 {
		return errors.NotValidf("non-positive HistoryDepth")
	}
	return nil
}

type archivedChange struct {
	change change.Change
	at     time.Time
}

// Broadcaster fans changes out to matched clients through the hub and
// keeps a bounded per-entity history of recent versions.
type Broadcaster struct {
	cfg BroadcasterConfig

	mu       stdsync.Mutex
	history  map[string][]archivedChange
	lastSync map[string]time.Time
}

// NewBroadcaster returns a broadcaster using the given hub and
// registry.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Broadcaster{
		cfg:      cfg,
		history:  make(map[string][]archivedChange),
		lastSync: make(map[string]time.Time),
	}, nil
}

// Attach subscribes a client to the fan-out and returns a detach
// function. The hub runs each subscriber on its own goroutine with an
// ordered queue, so one slow client never delays another.
func (b *Broadcaster) Attach(clientID string) func() {
	return b.cfg.Hub.Subscribe(changeTopic, func(_ string, data interface{}) {
		env, ok := data.(envelope)
		if !ok {
			logger.Warningf("unexpected payload on %q topic: %T", changeTopic, data)
			return
		}
		if !env.matched.Contains(clientID) {
			return
		}
		b.cfg.Deliver(clientID, env.change)
	})
}

// Broadcast matches the change against the registry and publishes it
// to the matched clients. The change is always counted and archived
// even when no client matches.
func (b *Broadcaster) Broadcast(ch change.Change) set.Strings {
	matched := b.cfg.Registry.MatchingClients(ch)
	now := b.cfg.Clock.Now()

	b.mu.Lock()
	b.lastSync[ch.ProjectID] = now
	key := ch.EntityKey()
	archive := append(b.history[key], archivedChange{change: ch, at: now})
	if len(archive) > b.cfg.HistoryDepth {
		archive = archive[len(archive)-b.cfg.HistoryDepth:]
	}
	b.history[key] = archive
	b.mu.Unlock()

	b.cfg.Metrics.changesBroadcast.Inc()
	if matched.IsEmpty() {
		logger.Tracef("change %s matched no subscribers", ch.ID)
		return matched
	}
	b.cfg.Hub.Publish(changeTopic, envelope{change: ch, matched: matched})
	return matched
}

// History returns the retained versions of an entity, oldest first.
func (b *Broadcaster) History(projectID, entityType, entityID string) []change.Change {
	b.mu.Lock()
	defer b.mu.Unlock()
	archive := b.history[projectID+"/"+entityType+"/"+entityID]
	out := make([]change.Change, len(archive))
	for i, a := range archive {
		out[i] = a.change
	}
	return out
}

// LastSync returns the time of the last broadcast for a project.
func (b *Broadcaster) LastSync(projectID string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.lastSync[projectID]
	return t, ok
}

// ExpireHistory drops archived versions older than the given time.
func (b *Broadcaster) ExpireHistory(before time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, archive := range b.history {
		kept := archive[:0]
		for _, a := range archive {
			if !a.at.Before(before) {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(b.history, key)
			continue
		}
		b.history[key] = kept
	}
}
