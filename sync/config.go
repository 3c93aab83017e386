// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sync is the change synchronization engine: it accepts change
// events, detects conflicts against the record store, and fans
// filtered deltas out to subscribed clients with queued redelivery for
// the ones it cannot reach.
package sync

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"

	"github.com/contextsync/contextsync/core/conflict"
	"github.com/contextsync/contextsync/core/record"
)

// Engine tuning defaults, applied for zero-valued Config fields.
const (
	DefaultConcurrencyWindow        = 5 * time.Second
	DefaultMaxRetryAttempts         = 5
	DefaultBaseRetryDelay           = 500 * time.Millisecond
	DefaultMaxRetryDelay            = 30 * time.Second
	DefaultQueueCapacity            = 1000
	DefaultCollisionFraction        = 0.5
	DefaultHistoryDepth             = 10
	DefaultHistoryMaxAge            = 24 * time.Hour
	DefaultDegradedPendingThreshold = 100
	DefaultRedeliveryInterval       = 5 * time.Second
)

// Config holds the dependencies and tuning for an Engine.
type Config struct {
	// Store holds the authoritative record state.
	Store record.Store
	// Clock drives timestamps, backoff and housekeeping.
	Clock clock.Clock
	// Transport delivers changes to connected clients.
	Transport Transport
	// Hub carries the fan-out. A private hub is created when nil.
	Hub *pubsub.SimpleHub
	// Metrics collects engine counters. Created when nil; register it
	// with a prometheus registry to expose it.
	Metrics *Metrics
	// OnManualRequest, if set, receives manual resolution requests for
	// conflicts the automatic strategies cannot settle.
	OnManualRequest func(conflict.ManualResolutionRequest)

	// ConcurrencyWindow bounds how far apart two submissions may be
	// and still count as concurrent edits of the same base version.
	ConcurrencyWindow time.Duration
	// MaxRetryAttempts is how many times a failed delivery is retried
	// before it is dropped.
	MaxRetryAttempts int
	// BaseRetryDelay and MaxRetryDelay bound the exponential backoff
	// between delivery attempts.
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	// QueueCapacity bounds each client's pending delivery queue; the
	// oldest entry is evicted on overflow.
	QueueCapacity int
	// CollisionFraction is the fraction of merged fields that may
	// collide before an auto-merge defers to manual resolution.
	CollisionFraction float64
	// HistoryDepth is how many past versions are kept per entity.
	HistoryDepth int
	// HistoryMaxAge bounds how long history and resolved conflicts
	// are retained.
	HistoryMaxAge time.Duration
	// DegradedPendingThreshold is the per-project pending delivery
	// count above which sync health is reported degraded.
	DegradedPendingThreshold int
	// RedeliveryInterval is how often queued deliveries are retried.
	RedeliveryInterval time.Duration
}

// Validate checks that the configuration is complete.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Transport == nil {
		return errors.NotValidf("nil Transport")
	}
	if c.ConcurrencyWindow < 0 {
		return errors.NotValidf("negative ConcurrencyWindow")
	}
	if c.MaxRetryAttempts < 0 {
		return errors.NotValidf("negative MaxRetryAttempts")
	}
	if c.CollisionFraction < 0 || c.CollisionFraction > 1 {
		return errors.NotValidf("CollisionFraction %v outside [0, 1]", c.CollisionFraction)
	}
	return nil
}

// withDefaults returns a copy of the config with zero-valued tuning
// fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.ConcurrencyWindow == 0 {
		c.ConcurrencyWindow = DefaultConcurrencyWindow
	}
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.BaseRetryDelay == 0 {
		c.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.CollisionFraction == 0 {
		c.CollisionFraction = DefaultCollisionFraction
	}
	if c.HistoryDepth == 0 {
		c.HistoryDepth = DefaultHistoryDepth
	}
	if c.HistoryMaxAge == 0 {
		c.HistoryMaxAge = DefaultHistoryMaxAge
	}
	if c.DegradedPendingThreshold == 0 {
		c.DegradedPendingThreshold = DefaultDegradedPendingThreshold
	}
	if c.RedeliveryInterval == 0 {
		c.RedeliveryInterval = DefaultRedeliveryInterval
	}
	return c
}
