// Package metrics defines Prometheus counters and gauges for the
// dispatch pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BusPublishedTotal counts messages accepted into publisher queues.
	BusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uvx_bus_published_total",
			Help: "Total number of messages accepted into bus publisher queues.",
		},
		[]string{"endpoint", "exchange"},
	)

	// BusDroppedTotal counts messages dropped by the bus.
	BusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uvx_bus_dropped_total",
			Help: "Total number of bus messages dropped (timeout, overflow).",
		},
		[]string{"endpoint", "reason"}, // reason: timeout/overflow
	)

	// BusQueueDepth records the current publisher queue depth.
	BusQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uvx_bus_queue_depth",
			Help: "Current depth of the bus publisher send queue.",
		},
		[]string{"endpoint"},
	)

	// ClaimsTotal counts claim attempts by outcome.
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uvx_claims_total",
			Help: "Total number of claim CAS attempts by outcome.",
		},
		[]string{"outcome"}, // outcome: won/lost/error
	)

	// FinalizationsTotal counts finalization outcomes.
	FinalizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uvx_finalizations_total",
			Help: "Total number of claim finalizations by outcome.",
		},
		[]string{"outcome"}, // outcome: completed/compensated
	)

	// OrdersDispatchedTotal counts orders published by the dispatcher.
	OrdersDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uvx_orders_dispatched_total",
			Help: "Total number of pending orders published to the bus.",
		},
	)

	// DeadLettersTotal counts dead-letter records by stage.
	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uvx_dead_letters_total",
			Help: "Total number of dead-letter records by stage.",
		},
		[]string{"stage"}, // stage: detected/archived
	)
)

// init registers all metrics on the default registry so they appear on
// the standard promhttp exposition endpoint.
func init() {
	prometheus.MustRegister(
		BusPublishedTotal,
		BusDroppedTotal,
		BusQueueDepth,
		ClaimsTotal,
		FinalizationsTotal,
		OrdersDispatchedTotal,
		DeadLettersTotal,
	)
}
