// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sync

import (
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/contextsync/contextsync/core/change"
	"github.com/contextsync/contextsync/core/conflict"
	"github.com/contextsync/contextsync/core/subscription"
	"github.com/contextsync/contextsync/worker/redelivery"
)

var logger = loggo.GetLogger("contextsync.engine")

// Health summarises a project's synchronization state.
type Health string

const (
	// Healthy means clients are connected and the backlog is small.
	Healthy Health = "healthy"
	// Degraded means the pending delivery backlog has grown past the
	// configured threshold.
	Degraded Health = "degraded"
	// Unhealthy means no subscribed client for the project is
	// currently connected.
	Unhealthy Health = "unhealthy"
)

// Status reports a project's synchronization state.
type Status struct {
	ProjectID         string
	ConnectedClients  int
	PendingDeliveries int
	ActiveConflicts   int
	LastSyncAt        time.Time
	Health            Health
}

// Result reports the outcome of a submitted change. Exactly one of
// Change and Conflict is set; a conflicted submission is a normal
// outcome, not an error.
type Result struct {
	Change   *change.Change
	Conflict *conflict.Info
}

// Engine ties the registry, conflict engine, broadcaster and delivery
// queue together behind a single worker. It implements worker.Worker;
// killing it stops the redelivery sweeps and all open subscription
// handles.
type Engine struct {
	catacomb    catacomb.Catacomb
	cfg         Config
	metrics     *Metrics
	hub         *pubsub.SimpleHub
	registry    *subscription.Registry
	queue       *DeliveryQueue
	conflicts   *conflict.Engine
	broadcaster *Broadcaster

	// applyLocks serializes apply-and-publish per entity, so the hub
	// sees an entity's versions in the order the store applied them.
	applyLocks *kmutex.Kmutex

	mu        stdsync.Mutex
	connected set.Strings
	detach    map[string]func()
}

// NewEngine returns a running engine.
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = pubsub.NewSimpleHub(nil)
	}

	e := &Engine{
		cfg:        cfg,
		metrics:    metrics,
		hub:        hub,
		registry:   subscription.NewRegistry(cfg.Clock),
		applyLocks: kmutex.New(),
		connected:  set.NewStrings(),
		detach:     make(map[string]func()),
	}
	e.queue = NewDeliveryQueue(
		cfg.Clock, cfg.QueueCapacity, cfg.MaxRetryAttempts,
		cfg.BaseRetryDelay, cfg.MaxRetryDelay, metrics)

	conflicts, err := conflict.NewEngine(conflict.Config{
		Store:             cfg.Store,
		Clock:             cfg.Clock,
		ConcurrencyWindow: cfg.ConcurrencyWindow,
		CollisionFraction: cfg.CollisionFraction,
		OnManualRequest:   cfg.OnManualRequest,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	e.conflicts = conflicts

	broadcaster, err := NewBroadcaster(BroadcasterConfig{
		Hub:          hub,
		Registry:     e.registry,
		Clock:        cfg.Clock,
		Metrics:      metrics,
		Deliver:      e.deliver,
		HistoryDepth: cfg.HistoryDepth,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	e.broadcaster = broadcaster

	redeliverer, err := redelivery.NewWorker(redelivery.Config{
		Clock:     cfg.Clock,
		Queue:     redeliveryQueue{e},
		Transport: redeliveryTransport{e},
		Interval:  cfg.RedeliveryInterval,
		Cleanup:   e.cleanup,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = catacomb.Invoke(catacomb.Plan{
		Name: "sync-engine",
		Site: &e.catacomb,
		Work: e.loop,
		Init: []worker.Worker{redeliverer},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return e, nil
}

// Kill is part of the worker.Worker interface.
func (e *Engine) Kill() {
	e.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (e *Engine) Wait() error {
	return e.catacomb.Wait()
}

func (e *Engine) loop() error {
	<-e.catacomb.Dying()
	return e.catacomb.ErrDying()
}

// Subscribe registers (or replaces) a client's filters and marks it
// connected. Changes matched to the client flow to the transport from
// this point on.
func (e *Engine) Subscribe(clientID string, filters []subscription.Filter) error {
	if err := e.registry.Subscribe(clientID, filters); err != nil {
		return errors.Trace(err)
	}
	e.mu.Lock()
	if _, ok := e.detach[clientID]; !ok {
		e.detach[clientID] = e.broadcaster.Attach(clientID)
	}
	e.connected.Add(clientID)
	e.metrics.connectedClients.Set(float64(e.connected.Size()))
	e.mu.Unlock()
	return nil
}

// Unsubscribe removes the client's registration and discards any
// queued deliveries for it.
func (e *Engine) Unsubscribe(clientID string) {
	e.mu.Lock()
	if detach, ok := e.detach[clientID]; ok {
		detach()
		delete(e.detach, clientID)
	}
	e.connected.Remove(clientID)
	e.metrics.connectedClients.Set(float64(e.connected.Size()))
	e.mu.Unlock()
	e.registry.Unsubscribe(clientID)
	e.queue.Release(clientID)
}

// ClientDisconnected marks a client unreachable without touching its
// subscription. Matched changes queue up until it reconnects.
func (e *Engine) ClientDisconnected(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected.Remove(clientID)
	e.metrics.connectedClients.Set(float64(e.connected.Size()))
	logger.Debugf("client %s disconnected, queueing matched changes", clientID)
}

// ClientReconnected marks a subscribed client reachable again; its
// queued deliveries resume on the next redelivery sweep.
func (e *Engine) ClientReconnected(clientID string) error {
	if _, ok := e.registry.Subscription(clientID); !ok {
		return errors.NotFoundf("subscription for client %q", clientID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected.Add(clientID)
	e.metrics.connectedClients.Set(float64(e.connected.Size()))
	return nil
}

func (e *Engine) isConnected(clientID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected.Contains(clientID)
}

// deliver runs on each matched client's subscriber goroutine.
func (e *Engine) deliver(clientID string, ch change.Change) {
	if !e.isConnected(clientID) {
		e.queue.Enqueue(clientID, ch)
		return
	}
	// A non-empty queue holds an earlier change still awaiting
	// delivery; sending directly would overtake it. Queue behind the
	// head and let the redelivery sweep drain in order.
	if e.queue.PendingFor(clientID) > 0 {
		e.queue.Enqueue(clientID, ch)
		return
	}
	if err := e.cfg.Transport.Send(clientID, ch); err != nil {
		logger.Debugf("delivery of change %s to client %s failed: %v", ch.ID, clientID, err)
		e.metrics.failedDeliveries.Inc()
		e.queue.EnqueueFailed(clientID, ch)
		return
	}
	e.metrics.clientsNotified.Inc()
}

// SubmitChange validates and applies a change event, broadcasting the
// resulting delta to matched clients. A detected conflict is returned
// in the Result rather than as an error.
func (e *Engine) SubmitChange(event change.Event) (Result, error) {
	if err := event.Validate(); err != nil {
		return Result{}, errors.Trace(err)
	}
	// Holding the entity's apply lock across the store write and the
	// hub publish keeps publishes in version order.
	key := event.EntityKey()
	e.applyLocks.Lock(key)
	defer e.applyLocks.Unlock(key)

	outcome, err := e.conflicts.Submit(event)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	if outcome.Conflict != nil {
		e.metrics.conflictsDetected.WithLabelValues(string(outcome.Conflict.Type)).Inc()
		logger.Infof("change from %s conflicted on %s (%s)",
			event.ActorID, event.EntityKey(), outcome.Conflict.Type)
		return Result{Conflict: outcome.Conflict}, nil
	}

	ch := change.NewChange(event)
	ch.Version = outcome.Applied.Version
	e.metrics.deltaCalculations.Inc()
	e.broadcaster.Broadcast(ch)
	return Result{Change: &ch}, nil
}

// Acknowledge records that a client received a change, removing it
// from the client's redelivery queue. Unknown or repeated
// acknowledgements are ignored.
func (e *Engine) Acknowledge(clientID, changeID string) {
	e.queue.Acknowledge(clientID, changeID)
}

// SyncStatus reports the synchronization health of a project.
func (e *Engine) SyncStatus(projectID string) Status {
	covering := e.registry.ClientsForProject(projectID)
	e.mu.Lock()
	connected := covering.Intersection(e.connected).Size()
	e.mu.Unlock()
	pending := e.queue.PendingForProject(projectID)
	active := len(e.conflicts.ActiveConflicts(projectID))
	last, _ := e.broadcaster.LastSync(projectID)

	health := Healthy
	switch {
	case connected == 0:
		health = Unhealthy
	case pending > e.cfg.DegradedPendingThreshold:
		health = Degraded
	}
	return Status{
		ProjectID:         projectID,
		ConnectedClients:  connected,
		PendingDeliveries: pending,
		ActiveConflicts:   active,
		LastSyncAt:        last,
		Health:            health,
	}
}

// ActiveConflicts returns the unresolved conflicts for a project,
// oldest first. An empty projectID matches all projects.
func (e *Engine) ActiveConflicts(projectID string) []conflict.Info {
	return e.conflicts.ActiveConflicts(projectID)
}

// ResolvedConflicts returns the resolved conflicts for a project,
// oldest first. An empty projectID matches all projects.
func (e *Engine) ResolvedConflicts(projectID string) []conflict.Info {
	return e.conflicts.ResolvedConflicts(projectID)
}

// ResolveConflict applies a strategy to an active conflict. If the
// resolution rewrote the stored record, the result is broadcast to
// matched clients like any other change.
func (e *Engine) ResolveConflict(conflictID string, strategy conflict.Strategy, resolver string) (conflict.Resolution, error) {
	info, err := e.conflicts.ConflictInfo(conflictID)
	if err != nil {
		return conflict.Resolution{}, errors.Trace(err)
	}
	key := info.EntityKey()
	e.applyLocks.Lock(key)
	defer e.applyLocks.Unlock(key)

	res, err := e.conflicts.Resolve(conflictID, strategy, resolver)
	if err != nil {
		return conflict.Resolution{}, errors.Trace(err)
	}
	e.broadcastResolution(info, res, resolver)
	return res, nil
}

// ResolveConflictManually completes a conflict with an explicitly
// supplied payload and broadcasts the outcome.
func (e *Engine) ResolveConflictManually(conflictID string, payload map[string]interface{}, resolver string) (conflict.Resolution, error) {
	info, err := e.conflicts.ConflictInfo(conflictID)
	if err != nil {
		return conflict.Resolution{}, errors.Trace(err)
	}
	key := info.EntityKey()
	e.applyLocks.Lock(key)
	defer e.applyLocks.Unlock(key)

	res, err := e.conflicts.ResolveManually(conflictID, payload, resolver)
	if err != nil {
		return conflict.Resolution{}, errors.Trace(err)
	}
	e.broadcastResolution(info, res, resolver)
	return res, nil
}

// broadcastResolution is called with the entity's apply lock held.
func (e *Engine) broadcastResolution(info conflict.Info, res conflict.Resolution, resolver string) {
	if !res.Updated {
		return
	}
	ch := change.Change{
		ID:         uuid.New().String(),
		EntityType: info.EntityType,
		EntityID:   info.EntityID,
		ProjectID:  info.ProjectID,
		Operation:  change.Update,
		ActorID:    resolver,
		Delta:      change.Delta{New: res.FinalPayload},
		Timestamp:  e.cfg.Clock.Now(),
		Version:    res.FinalVersion,
	}
	e.broadcaster.Broadcast(ch)
}

// History returns the retained recent versions of an entity, oldest
// first.
func (e *Engine) History(projectID, entityType, entityID string) []change.Change {
	return e.broadcaster.History(projectID, entityType, entityID)
}

// Report is shown in the dependency engine's introspection output.
func (e *Engine) Report() map[string]interface{} {
	e.mu.Lock()
	connected := e.connected.Size()
	e.mu.Unlock()
	return map[string]interface{}{
		"clients":          e.registry.Len(),
		"connected":        connected,
		"pending":          e.queue.TotalPending(),
		"active-conflicts": len(e.conflicts.ActiveConflicts("")),
	}
}

// cleanup runs after each redelivery sweep: resolved conflicts and
// archived history age out, and submissions outside the concurrency
// window are forgotten.
func (e *Engine) cleanup(now time.Time) {
	e.conflicts.CleanupResolved(now.Add(-e.cfg.HistoryMaxAge))
	e.broadcaster.ExpireHistory(now.Add(-e.cfg.HistoryMaxAge))
	e.conflicts.ExpireRecent(now.Add(-2 * e.cfg.ConcurrencyWindow))
}

// redeliveryQueue adapts the delivery queue for the redelivery
// worker, restricting sweeps to connected clients.
type redeliveryQueue struct {
	engine *Engine
}

func (q redeliveryQueue) Due(now time.Time) []redelivery.Delivery {
	due := q.engine.queue.Due(now, q.engine.isConnected)
	out := make([]redelivery.Delivery, len(due))
	for i, d := range due {
		out[i] = redelivery.Delivery{
			ClientID: d.ClientID,
			Change:   d.Change,
			Attempts: d.Attempts,
		}
	}
	return out
}

func (q redeliveryQueue) Delivered(clientID, changeID string) {
	q.engine.queue.Delivered(clientID, changeID)
	q.engine.metrics.clientsNotified.Inc()
}

func (q redeliveryQueue) Failed(clientID, changeID string) {
	q.engine.metrics.failedDeliveries.Inc()
	q.engine.queue.Failed(clientID, changeID)
}

type redeliveryTransport struct {
	engine *Engine
}

func (t redeliveryTransport) Send(clientID string, ch change.Change) error {
	return errors.Trace(t.engine.cfg.Transport.Send(clientID, ch))
}
