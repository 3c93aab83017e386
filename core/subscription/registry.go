// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package subscription

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/contextsync/contextsync/core/change"
)

var logger = loggo.GetLogger("contextsync.subscription")

// Subscription records a client's registered filters.
type Subscription struct {
	ClientID     string
	Filters      []Filter
	RegisteredAt time.Time
}

// Registry holds all client subscriptions. Match queries take the read
// lock and proceed concurrently; subscribe and unsubscribe are the only
// writers. A registry is explicitly constructed and owned by its
// engine, never a process-wide singleton.
type Registry struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	sub      Subscription
	matchers []matcher
}

// NewRegistry returns an empty registry using the supplied clock for
// registration timestamps.
func NewRegistry(clk clock.Clock) *Registry {
	return &Registry{
		clock:   clk,
		entries: make(map[string]*entry),
	}
}

// Subscribe registers the client's filters, replacing any previous
// registration. An empty filter list is a valid registration that
// matches nothing.
func (r *Registry) Subscribe(clientID string, filters []Filter) error {
	if clientID == "" {
		return errors.NotValidf("subscription with empty client id")
	}
	matchers := make([]matcher, len(filters))
	for i, f := range filters {
		matchers[i] = f.compile()
	}
	sub := Subscription{
		ClientID:     clientID,
		Filters:      append([]Filter(nil), filters...),
		RegisteredAt: r.clock.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[clientID] = &entry{sub: sub, matchers: matchers}
	logger.Debugf("client %q subscribed with %d filters", clientID, len(filters))
	return nil
}

// Unsubscribe removes the client's registration. Unknown clients are
// ignored.
func (r *Registry) Unsubscribe(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[clientID]; ok {
		delete(r.entries, clientID)
		logger.Debugf("client %q unsubscribed", clientID)
	}
}

// Subscription returns the client's current registration.
func (r *Registry) Subscription(clientID string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[clientID]
	if !ok {
		return Subscription{}, false
	}
	return e.sub, true
}

// MatchingClients returns the ids of every client with at least one
// filter matching the change. Cost is O(clients × filters), acceptable
// for small subscriber counts relative to change volume.
func (r *Registry) MatchingClients(c change.Change) set.Strings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matched := set.NewStrings()
	for clientID, e := range r.entries {
		for _, m := range e.matchers {
			if m.matches(c) {
				matched.Add(clientID)
				break
			}
		}
	}
	return matched
}

// Clients returns the ids of all registered clients.
func (r *Registry) Clients() set.Strings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := set.NewStrings()
	for clientID := range r.entries {
		clients.Add(clientID)
	}
	return clients
}

// ClientsForProject returns the ids of clients with at least one filter
// that could match changes in the given project.
func (r *Registry) ClientsForProject(projectID string) set.Strings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := set.NewStrings()
	for clientID, e := range r.entries {
		for _, m := range e.matchers {
			if m.coversProject(projectID) {
				clients.Add(clientID)
				break
			}
		}
	}
	return clients
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
