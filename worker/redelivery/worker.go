// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package redelivery periodically retries change deliveries that could
// not be completed on first attempt, and gives its owner a hook for
// time-based housekeeping.
package redelivery

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/contextsync/contextsync/core/change"
)

var logger = loggo.GetLogger("contextsync.redelivery")

// Delivery is a queued change awaiting another delivery attempt.
type Delivery struct {
	ClientID string
	Change   change.Change
	Attempts int
}

// Queue supplies due deliveries and accepts the outcome of each
// attempt.
type Queue interface {
	// Due returns the deliveries ready for another attempt at the
	// given time, in per-client submission order.
	Due(now time.Time) []Delivery
	// Delivered records a successful attempt.
	Delivered(clientID, changeID string)
	// Failed records a failed attempt.
	Failed(clientID, changeID string)
}

// Transport sends a change to a client.
type Transport interface {
	Send(clientID string, ch change.Change) error
}

// Config holds the dependencies and tuning for a redelivery worker.
type Config struct {
	Clock     clock.Clock
	Queue     Queue
	Transport Transport
	// Interval is how often the queue is swept.
	Interval time.Duration
	// Cleanup, if set, runs after each sweep with the sweep time.
	Cleanup func(now time.Time)
}

// Validate checks the worker configuration.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Queue == nil {
		return errors.NotValidf("nil Queue")
	}
	if c.Transport == nil {
		return errors.NotValidf("nil Transport")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	return nil
}

// Worker sweeps the delivery queue on a fixed interval.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker returns a worker that retries failed deliveries.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "redelivery",
		Site: &w.catacomb,
		Work: w.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.config.Clock.After(w.config.Interval):
			w.sweep()
		}
	}
}

func (w *Worker) sweep() {
	now := w.config.Clock.Now()
	for _, d := range w.config.Queue.Due(now) {
		if err := w.config.Transport.Send(d.ClientID, d.Change); err != nil {
			logger.Debugf("redelivery of change %s to client %s failed (attempt %d): %v",
				d.Change.ID, d.ClientID, d.Attempts+1, err)
			w.config.Queue.Failed(d.ClientID, d.Change.ID)
			continue
		}
		w.config.Queue.Delivered(d.ClientID, d.Change.ID)
	}
	if w.config.Cleanup != nil {
		w.config.Cleanup(now)
	}
}
