// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sync

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "contextsync"

// Metrics collects the engine's operational counters. It implements
// prometheus.Collector so a single instance can be registered with
// any registry.
type Metrics struct {
	changesBroadcast  prometheus.Counter
	clientsNotified   prometheus.Counter
	failedDeliveries  prometheus.Counter
	droppedDeliveries prometheus.Counter
	queueEvictions    prometheus.Counter
	deltaCalculations prometheus.Counter
	conflictsDetected *prometheus.CounterVec
	queueSize         prometheus.Gauge
	connectedClients  prometheus.Gauge
}

// NewMetrics returns an unregistered metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		changesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "changes_broadcast_total",
			Help:      "Number of changes accepted for broadcast.",
		}),
		clientsNotified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "clients_notified_total",
			Help:      "Number of successful change deliveries to clients.",
		}),
		failedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "failed_deliveries_total",
			Help:      "Number of failed change delivery attempts.",
		}),
		droppedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_deliveries_total",
			Help:      "Number of deliveries abandoned after exhausting retries.",
		}),
		queueEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_evictions_total",
			Help:      "Number of pending deliveries evicted from full client queues.",
		}),
		deltaCalculations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delta_calculations_total",
			Help:      "Number of field-level deltas computed for broadcast.",
		}),
		conflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "conflicts_detected_total",
			Help:      "Number of conflicts detected, by type.",
		}, []string{"type"}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_size",
			Help:      "Number of deliveries currently pending across all clients.",
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected_clients",
			Help:      "Number of currently connected clients.",
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.changesBroadcast.Describe(ch)
	m.clientsNotified.Describe(ch)
	m.failedDeliveries.Describe(ch)
	m.droppedDeliveries.Describe(ch)
	m.queueEvictions.Describe(ch)
	m.deltaCalculations.Describe(ch)
	m.conflictsDetected.Describe(ch)
	m.queueSize.Describe(ch)
	m.connectedClients.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.changesBroadcast.Collect(ch)
	m.clientsNotified.Collect(ch)
	m.failedDeliveries.Collect(ch)
	m.droppedDeliveries.Collect(ch)
	m.queueEvictions.Collect(ch)
	m.deltaCalculations.Collect(ch)
	m.conflictsDetected.Collect(ch)
	m.queueSize.Collect(ch)
	m.connectedClients.Collect(ch)
}
