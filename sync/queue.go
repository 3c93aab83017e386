// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sync

import (
	"sort"
	stdsync "sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/contextsync/contextsync/core/change"
)

// Delivery is a queued change awaiting delivery to a client.
type Delivery struct {
	ClientID string
	Change   change.Change
	Attempts int
}

type pendingDelivery struct {
	change      change.Change
	attempts    int
	nextAttempt time.Time
	inFlight    bool
}

// DeliveryQueue holds per-client FIFO queues of undelivered changes.
// Each queue is bounded; enqueueing past capacity evicts the oldest
// entry so a slow client cannot grow memory without bound.
type DeliveryQueue struct {
	clock       clock.Clock
	capacity    int
	maxAttempts int
	backoff     func(time.Duration, int) time.Duration
	metrics     *Metrics

	mu     stdsync.Mutex
	queues map[string][]*pendingDelivery
}

// NewDeliveryQueue returns an empty queue with the given per-client
// capacity and retry policy.
func NewDeliveryQueue(clk clock.Clock, capacity, maxAttempts int, baseDelay, maxDelay time.Duration, metrics *Metrics) *DeliveryQueue {
	return &DeliveryQueue{
		clock:       clk,
		capacity:    capacity,
		maxAttempts: maxAttempts,
		backoff:     retry.ExpBackoff(baseDelay, maxDelay, 2.0, true),
		metrics:     metrics,
		queues:      make(map[string][]*pendingDelivery),
	}
}

// Enqueue queues a change for a client that is currently unreachable
// but has not failed a delivery attempt. It becomes due immediately.
func (q *DeliveryQueue) Enqueue(clientID string, ch change.Change) {
	q.add(clientID, ch, 0, q.clock.Now())
}

// EnqueueFailed queues a change whose first delivery attempt failed.
// The next attempt is delayed by the backoff policy.
func (q *DeliveryQueue) EnqueueFailed(clientID string, ch change.Change) {
	now := q.clock.Now()
	q.add(clientID, ch, 1, now.Add(q.backoff(0, 1)))
}

func (q *DeliveryQueue) add(clientID string, ch change.Change, attempts int, nextAttempt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.queues[clientID]
	if len(pending) >= q.capacity {
		// The evicted head may be in flight; its later Delivered or
		// Failed callback no-ops in remove, which only decrements
		// queueSize for an entry it actually finds.
		evicted := pending[0]
		pending = pending[1:]
		q.metrics.queueEvictions.Inc()
		q.metrics.failedDeliveries.Inc()
		q.metrics.queueSize.Dec()
		logger.Warningf("client %s queue full, evicting change %s", clientID, evicted.change.ID)
	}
	q.queues[clientID] = append(pending, &pendingDelivery{
		change:      ch,
		attempts:    attempts,
		nextAttempt: nextAttempt,
	})
	q.metrics.queueSize.Inc()
}

// Due returns the deliveries ready for an attempt at the given time
// for clients the predicate accepts, in per-client FIFO order, and
// marks them in flight. A client's queue is drained strictly in
// order, so a not-yet-due head blocks the entries behind it.
func (q *DeliveryQueue) Due(now time.Time, connected func(clientID string) bool) []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	clients := make([]string, 0, len(q.queues))
	for clientID := range q.queues {
		clients = append(clients, clientID)
	}
	sort.Strings(clients)

	var due []Delivery
	for _, clientID := range clients {
		if connected != nil && !connected(clientID) {
			continue
		}
		for _, d := range q.queues[clientID] {
			if d.inFlight || d.nextAttempt.After(now) {
				break
			}
			d.inFlight = true
			due = append(due, Delivery{
				ClientID: clientID,
				Change:   d.change,
				Attempts: d.attempts,
			})
		}
	}
	return due
}

// Delivered removes a successfully delivered change from the client's
// queue.
func (q *DeliveryQueue) Delivered(clientID, changeID string) {
	q.remove(clientID, changeID)
}

// Acknowledge removes a change the client has confirmed receiving.
// Acknowledging an unknown or already acknowledged change is a no-op.
func (q *DeliveryQueue) Acknowledge(clientID, changeID string) {
	q.remove(clientID, changeID)
}

func (q *DeliveryQueue) remove(clientID, changeID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.queues[clientID]
	for i, d := range pending {
		if d.change.ID != changeID {
			continue
		}
		q.queues[clientID] = append(pending[:i], pending[i+1:]...)
		if len(q.queues[clientID]) == 0 {
			delete(q.queues, clientID)
		}
		q.metrics.queueSize.Dec()
		return
	}
}

// Failed records another failed attempt for a queued change. The
// change is dropped once the attempt limit is reached.
func (q *DeliveryQueue) Failed(clientID, changeID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.queues[clientID]
	for i, d := range pending {
		if d.change.ID != changeID {
			continue
		}
		d.attempts++
		d.inFlight = false
		if d.attempts >= q.maxAttempts {
			q.queues[clientID] = append(pending[:i], pending[i+1:]...)
			if len(q.queues[clientID]) == 0 {
				delete(q.queues, clientID)
			}
			q.metrics.queueSize.Dec()
			q.metrics.droppedDeliveries.Inc()
			logger.Warningf("dropping change %s for client %s after %d attempts",
				changeID, clientID, d.attempts)
			return
		}
		d.nextAttempt = q.clock.Now().Add(q.backoff(0, d.attempts))
		return
	}
}

// Release discards a client's entire queue.
func (q *DeliveryQueue) Release(clientID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pending, ok := q.queues[clientID]; ok {
		q.metrics.queueSize.Sub(float64(len(pending)))
		delete(q.queues, clientID)
	}
}

// PendingFor returns the number of deliveries queued for a client.
func (q *DeliveryQueue) PendingFor(clientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[clientID])
}

// PendingForProject returns the number of queued deliveries whose
// change belongs to the given project.
func (q *DeliveryQueue) PendingForProject(projectID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, pending := range q.queues {
		for _, d := range pending {
			if d.change.ProjectID == projectID {
				count++
			}
		}
	}
	return count
}

// TotalPending returns the number of queued deliveries across all
// clients.
func (q *DeliveryQueue) TotalPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, pending := range q.queues {
		count += len(pending)
	}
	return count
}
