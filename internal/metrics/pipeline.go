// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics holds the prometheus collectors for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for processed stream lines.
const (
	OutcomeRouted       = "routed"
	OutcomeMalformed    = "malformed"
	OutcomeUnparsable   = "unparsable"
	OutcomeUnsubscribed = "unsubscribed"
	OutcomeNoSubscriber = "no_subscribers"
	OutcomeDropped      = "dropped"
	// OutcomeRetry marks a routing attempt that hit a transient store
	// failure. The notification is routed again and is not yet handled.
	OutcomeRetry = "retry"
)

var (
	streamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "snipey_stream_state",
		Help: "Stream consumer state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	StreamConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snipey_stream_connects_total",
		Help: "Stream connection attempts by result",
	}, []string{"result"})

	StreamReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipey_stream_reconnects_total",
		Help: "Reconnects scheduled by the supervisor after a failed attempt",
	})

	StreamLinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snipey_stream_lines_total",
		Help: "Stream lines processed by outcome",
	}, []string{"outcome"})

	StreamQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snipey_stream_queue_depth",
		Help: "Notifications waiting in the hand-off queue",
	})

	StreamCursorMillis = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snipey_stream_cursor_ms",
		Help: "Epoch milliseconds of the last fully routed notification",
	})

	NotificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "snipey_notification_duration_seconds",
		Help:    "Time spent routing one notification",
		Buckets: prometheus.DefBuckets,
	})

	EventsRegisteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snipey_events_registered_total",
		Help: "Event registrations by result (created, existing, failed)",
	}, []string{"result"})

	SnipesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snipey_snipes_total",
		Help: "Snipe records by result (created, existing)",
	}, []string{"result"})

	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snipey_dispatch_total",
		Help: "Dispatch submissions by backend and result",
	}, []string{"backend", "result"})

	DispatchFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snipey_dispatch_fired_total",
		Help: "Deferred tasks released to the worker at their trigger instant",
	}, []string{"backend"})

	DispatchLateness = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "snipey_dispatch_lateness_seconds",
		Help:    "Delay between a task's trigger instant and its release",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"backend"})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snipey_dispatch_retry_total",
		Help: "Retry sweeper outcomes (dispatched, failed, abandoned)",
	}, []string{"result"})
)

var streamStates = []string{"disconnected", "connecting", "streaming", "failed", "closed"}

// SetStreamState records the active consumer state.
func SetStreamState(state string) {
	for _, s := range streamStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		streamState.WithLabelValues(s).Set(value)
	}
}

// IncLine records a processed stream line with the given outcome.
func IncLine(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	StreamLinesTotal.WithLabelValues(outcome).Inc()
}

// IncDispatch records a dispatch submission result for backend.
func IncDispatch(backend, result string) {
	DispatchTotal.WithLabelValues(backend, result).Inc()
}
