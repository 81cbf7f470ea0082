package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts webhook requests by provider, event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vitrine",
		Subsystem: "webhooks",
		Name:      "requests_total",
		Help:      "Total webhook requests by provider, event type and HTTP status.",
	}, []string{"provider", "event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vitrine",
		Subsystem: "webhooks",
		Name:      "duration_seconds",
		Help:      "Webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "event_type"})

	// ShipmentsCreatedTotal counts shipment rows created from completed checkouts.
	ShipmentsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vitrine",
		Subsystem: "shipments",
		Name:      "created_total",
		Help:      "Shipments created from completed checkouts, by outcome.",
	}, []string{"outcome"})

	// CreditEntriesTotal counts credit ledger writes by reason.
	CreditEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vitrine",
		Subsystem: "credit",
		Name:      "entries_total",
		Help:      "Credit ledger entries appended, by reason.",
	}, []string{"reason"})

	// StockAdjustmentsTotal counts stock adjustments by direction.
	StockAdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vitrine",
		Subsystem: "stock",
		Name:      "adjustments_total",
		Help:      "Stock adjustments applied, by direction.",
	}, []string{"mode"})

	// EmailsSentTotal counts transactional emails by template and outcome.
	EmailsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vitrine",
		Subsystem: "email",
		Name:      "sent_total",
		Help:      "Transactional emails by template and outcome.",
	}, []string{"template", "outcome"})
)
