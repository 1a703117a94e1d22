// Package metrics holds the Prometheus collectors of the rewards engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PointsAwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yield_points_awarded_total",
			Help: "Total points awarded, by source",
		},
		[]string{"source"},
	)

	TasksRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "yield_tasks_recorded_total",
			Help: "Total number of completed tasks recorded",
		},
	)

	LevelUps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yield_level_ups_total",
			Help: "Total number of level ups, by tier reached",
		},
		[]string{"tier"},
	)

	ReferralsActivated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "yield_referrals_activated_total",
			Help: "Total number of referrals that became active",
		},
	)

	CommissionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yield_commission_outcomes_total",
			Help: "Commission rule outcomes",
		},
		[]string{"outcome"},
	)

	ReconcilePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "yield_commission_reconcile_pending",
			Help: "Failed commission credits waiting for reconciliation",
		},
	)

	ReconcileAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "yield_commission_reconcile_abandoned_total",
			Help: "Failed commission credits given up after the retry limit or a permanent error",
		},
	)

	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yield_webhook_deliveries_total",
			Help: "Webhook deliveries by result",
		},
		[]string{"result"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "yield_events_dropped_total",
			Help: "Events dropped because the async dispatch queue was full",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yield_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yield_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
