// Package metrics defines the Prometheus collectors exported by the
// fan-out core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry Metrics
var (
	// RegistryOpsTotal tracks registry lifecycle operations by operation and status
	RegistryOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessioncast_registry_operations_total",
			Help: "Registry lifecycle operations by operation (connect/subscribe/disconnect/resolve) and status",
		},
		[]string{"operation", "status"},
	)
)

// Fan-out Metrics
var (
	// DeliveryOutcomesTotal tracks per-recipient delivery outcomes
	DeliveryOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessioncast_delivery_outcomes_total",
			Help: "Per-recipient delivery outcomes (delivered/gone/transient)",
		},
		[]string{"outcome"},
	)

	// PublishDuration tracks full fan-out duration in seconds
	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessioncast_publish_duration_seconds",
			Help:    "Fan-out duration from resolve to last delivery outcome",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// PublishRecipients tracks how many connections each fan-out targeted
	PublishRecipients = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessioncast_publish_recipients",
			Help:    "Number of connections resolved per fan-out",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)
)

// Bus Metrics
var (
	// BusMessagesTotal tracks inbound bus messages by result
	BusMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessioncast_bus_messages_total",
			Help: "Inbound bus messages by result (processed/rejected/failed)",
		},
		[]string{"result"},
	)
)
