// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sync

import (
	"github.com/prometheus/client_golang/prometheus"
)

func EngineMetrics(e *Engine) *Metrics {
	return e.metrics
}

func EngineQueue(e *Engine) *DeliveryQueue {
	return e.queue
}

func (m *Metrics) ChangesBroadcastCounter() prometheus.Counter {
	return m.changesBroadcast
}

func (m *Metrics) ClientsNotifiedCounter() prometheus.Counter {
	return m.clientsNotified
}

func (m *Metrics) FailedDeliveriesCounter() prometheus.Counter {
	return m.failedDeliveries
}

func (m *Metrics) DroppedDeliveriesCounter() prometheus.Counter {
	return m.droppedDeliveries
}

func (m *Metrics) QueueEvictionsCounter() prometheus.Counter {
	return m.queueEvictions
}

func (m *Metrics) QueueSizeGauge() prometheus.Gauge {
	return m.queueSize
}

func (m *Metrics) ConnectedClientsGauge() prometheus.Gauge {
	return m.connectedClients
}
