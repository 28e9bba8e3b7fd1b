package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for billing-level
// observability: webhook throughput, subscription lifecycle changes and
// token grants. HTTP-level metrics live in the middleware package.
type BusinessMetrics struct {
	// Webhooks
	WebhookReceived  *prometheus.CounterVec
	WebhookProcessed *prometheus.CounterVec
	WebhookFailed    *prometheus.CounterVec
	WebhookLatency   *prometheus.HistogramVec

	// Subscription lifecycle
	CheckoutSessionsCreated *prometheus.CounterVec
	SubscriptionsActivated  *prometheus.CounterVec
	SubscriptionsCanceled   *prometheus.CounterVec
	SubscriptionsPastDue    prometheus.Counter
	SubscriptionDowngrades  *prometheus.CounterVec
	SubscriptionsCleaned    prometheus.Counter
	SyncsPerformed          *prometheus.CounterVec

	// Token ledger
	TokensCredited     *prometheus.CounterVec
	TokenCreditAmount  *prometheus.CounterVec
}

// NewBusinessMetrics creates and registers all business metrics.
func NewBusinessMetrics(namespace string) *BusinessMetrics {
	if namespace == "" {
		namespace = "billing"
	}

	subsystem := "business"

	return &BusinessMetrics{
		WebhookReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_received_total",
				Help:      "Total webhook events received, by event type",
			},
			[]string{"event_type"},
		),
		WebhookProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_processed_total",
				Help:      "Total webhook events processed successfully",
			},
			[]string{"event_type"},
		),
		WebhookFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_failed_total",
				Help:      "Total webhook events that failed processing",
			},
			[]string{"event_type", "reason"}, // reason: signature, processing
		),
		WebhookLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_duration_seconds",
				Help:      "Webhook processing duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),

		CheckoutSessionsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "checkout_sessions_created_total",
				Help:      "Total checkout sessions created",
			},
			[]string{"plan", "billing_cycle"},
		),
		SubscriptionsActivated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_activated_total",
				Help:      "Total subscriptions activated",
			},
			[]string{"plan"},
		),
		SubscriptionsCanceled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_canceled_total",
				Help:      "Total subscriptions canceled",
			},
			[]string{"plan"},
		),
		SubscriptionsPastDue: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_past_due_total",
				Help:      "Total subscriptions marked past_due on failed invoices",
			},
		),
		SubscriptionDowngrades: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscription_downgrades_total",
				Help:      "Total downgrade requests applied",
			},
			[]string{"target_plan"},
		),
		SubscriptionsCleaned: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_cleaned_total",
				Help:      "Total duplicate subscriptions deactivated by cleanup",
			},
		),
		SyncsPerformed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "syncs_performed_total",
				Help:      "Total manual sync calls, by outcome",
			},
			[]string{"outcome"}, // outcome: in_sync, synced, no_subscription
		),

		TokensCredited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tokens_credited_total",
				Help:      "Total token credit operations",
			},
			[]string{"transaction_type", "plan"},
		),
		TokenCreditAmount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "token_credit_amount_total",
				Help:      "Total tokens granted",
			},
			[]string{"transaction_type", "plan"},
		),
	}
}

// Nil-safe recording helpers. Services hold a possibly-nil
// *BusinessMetrics so tests do not need a Prometheus registry.

func (m *BusinessMetrics) RecordWebhookReceived(eventType string) {
	if m == nil {
		return
	}
	m.WebhookReceived.WithLabelValues(eventType).Inc()
}

func (m *BusinessMetrics) RecordWebhookProcessed(eventType string, took time.Duration) {
	if m == nil {
		return
	}
	m.WebhookProcessed.WithLabelValues(eventType).Inc()
	m.WebhookLatency.WithLabelValues(eventType).Observe(took.Seconds())
}

func (m *BusinessMetrics) RecordWebhookFailed(eventType, reason string) {
	if m == nil {
		return
	}
	m.WebhookFailed.WithLabelValues(eventType, reason).Inc()
}

func (m *BusinessMetrics) RecordCheckoutSessionCreated(plan, billingCycle string) {
	if m == nil {
		return
	}
	m.CheckoutSessionsCreated.WithLabelValues(plan, billingCycle).Inc()
}

func (m *BusinessMetrics) RecordSubscriptionActivated(plan string) {
	if m == nil {
		return
	}
	m.SubscriptionsActivated.WithLabelValues(plan).Inc()
}

func (m *BusinessMetrics) RecordSubscriptionCanceled(plan string) {
	if m == nil {
		return
	}
	m.SubscriptionsCanceled.WithLabelValues(plan).Inc()
}

func (m *BusinessMetrics) RecordSubscriptionPastDue() {
	if m == nil {
		return
	}
	m.SubscriptionsPastDue.Inc()
}

func (m *BusinessMetrics) RecordDowngrade(targetPlan string) {
	if m == nil {
		return
	}
	m.SubscriptionDowngrades.WithLabelValues(targetPlan).Inc()
}

func (m *BusinessMetrics) RecordCleanup(deactivated int64) {
	if m == nil {
		return
	}
	m.SubscriptionsCleaned.Add(float64(deactivated))
}

func (m *BusinessMetrics) RecordSync(outcome string) {
	if m == nil {
		return
	}
	m.SyncsPerformed.WithLabelValues(outcome).Inc()
}

func (m *BusinessMetrics) RecordTokensCredited(transactionType, plan string, amount int64) {
	if m == nil {
		return
	}
	m.TokensCredited.WithLabelValues(transactionType, plan).Inc()
	m.TokenCreditAmount.WithLabelValues(transactionType, plan).Add(float64(amount))
}
