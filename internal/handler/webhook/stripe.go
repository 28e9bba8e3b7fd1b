// Package webhook receives and dispatches Stripe webhook events.
package webhook

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fp101fs/wp-gen-sub001/internal/billing"
	"github.com/fp101fs/wp-gen-sub001/internal/domain"
	"github.com/fp101fs/wp-gen-sub001/internal/handler"
	"github.com/fp101fs/wp-gen-sub001/internal/middleware"
	"github.com/fp101fs/wp-gen-sub001/internal/service"
	"github.com/fp101fs/wp-gen-sub001/internal/telemetry"
)

// Event types this handler dispatches. Everything else is acknowledged
// and ignored.
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventInvoicePaid         = "invoice.paid"
	eventInvoiceSucceeded    = "invoice.payment_succeeded"
	eventInvoiceFailed       = "invoice.payment_failed"
)

// StripeWebhookConfig contains configuration for Stripe webhook
// handling.
type StripeWebhookConfig struct {
	// WebhookSecret is the webhook signing secret from the Stripe
	// dashboard.
	WebhookSecret string
}

// StripeHandler verifies Stripe webhook deliveries and hands the
// decoded payloads to the reconciliation service.
//
// Response contract: signature failures return 400 so Stripe flags the
// endpoint as misconfigured; processing failures return 500 so Stripe
// redelivers; everything else is acknowledged with 200.
type StripeHandler struct {
	provider   billing.Provider
	reconciler service.ReconciliationService
	events     domain.WebhookEventStore
	metrics    *telemetry.BusinessMetrics
	logger     *slog.Logger
	config     StripeWebhookConfig
}

// NewStripeHandler creates a new Stripe webhook handler. events and
// metrics may be nil; without an event store redelivered events are
// deduplicated by the reconciliation guards alone.
func NewStripeHandler(
	provider billing.Provider,
	reconciler service.ReconciliationService,
	events domain.WebhookEventStore,
	metrics *telemetry.BusinessMetrics,
	logger *slog.Logger,
	config StripeWebhookConfig,
) *StripeHandler {
	return &StripeHandler{
		provider:   provider,
		reconciler: reconciler,
		events:     events,
		metrics:    metrics,
		logger:     logger,
		config:     config,
	}
}

// HandleWebhook processes one incoming Stripe webhook delivery.
//
// Stripe CLI testing:
//
//	stripe listen --forward-to localhost:8080/api/stripe-webhook
//	stripe trigger checkout.session.completed
func (h *StripeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()
	logger := middleware.GetLogger(ctx, h.logger)

	if r.Method != http.MethodPost {
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "", "Method not allowed"))
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "", "Error reading request body"))
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		logger.Warn("webhook without Stripe-Signature header")
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "", "Missing signature"))
		return
	}

	event, err := h.provider.VerifyWebhookSignature(payload, signature, h.config.WebhookSecret)
	if err != nil {
		logger.Warn("webhook signature verification failed", "error", err)
		h.metrics.RecordWebhookFailed("unknown", "invalid_signature")
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "", "Invalid signature"))
		return
	}

	h.metrics.RecordWebhookReceived(event.Type)
	logger.Info("webhook received", "event_id", event.ID, "event_type", event.Type)

	if h.events != nil {
		fresh, err := h.events.MarkProcessed(ctx, event.ID, event.Type)
		if err != nil {
			// Processing must not depend on the dedup table being
			// reachable; downstream guards keep the work idempotent.
			logger.Warn("failed to record webhook event id", "event_id", event.ID, "error", err)
		} else if !fresh {
			logger.Info("duplicate webhook delivery, skipping", "event_id", event.ID)
			acknowledge(w, true)
			return
		}
	}

	if err := h.dispatch(r, event); err != nil {
		logger.Error("webhook processing failed",
			"event_id", event.ID, "event_type", event.Type, "error", err)
		h.metrics.RecordWebhookFailed(event.Type, "processing_failed")
		telemetry.CaptureErrorFromContext(ctx, err, map[string]interface{}{
			"event_id":   event.ID,
			"event_type": event.Type,
		})
		handler.ErrorResponse(w, r, domain.Internal(err, "webhook.dispatch", "Failed to process webhook event"))
		return
	}

	h.metrics.RecordWebhookProcessed(event.Type, time.Since(started))
	acknowledge(w, false)
}

// dispatch decodes the event payload and routes it to the matching
// reconciliation operation.
func (h *StripeHandler) dispatch(r *http.Request, event *billing.Event) error {
	ctx := r.Context()

	switch event.Type {
	case eventCheckoutCompleted:
		session, err := billing.ParseCheckoutSession(event.Raw)
		if err != nil {
			return err
		}
		return h.reconciler.ProcessCheckoutCompleted(ctx, session)

	case eventSubscriptionCreated:
		snap, err := billing.ParseSubscription(event.Raw)
		if err != nil {
			return err
		}
		return h.reconciler.ProcessSubscriptionCreated(ctx, snap)

	case eventSubscriptionUpdated:
		snap, err := billing.ParseSubscription(event.Raw)
		if err != nil {
			return err
		}
		return h.reconciler.ProcessSubscriptionUpdated(ctx, snap)

	case eventSubscriptionDeleted:
		snap, err := billing.ParseSubscription(event.Raw)
		if err != nil {
			return err
		}
		return h.reconciler.ProcessSubscriptionDeleted(ctx, snap)

	case eventInvoicePaid, eventInvoiceSucceeded:
		invoice, err := billing.ParseInvoice(event.Raw)
		if err != nil {
			return err
		}
		return h.reconciler.ProcessInvoicePaid(ctx, invoice)

	case eventInvoiceFailed:
		invoice, err := billing.ParseInvoice(event.Raw)
		if err != nil {
			return err
		}
		return h.reconciler.ProcessInvoiceFailed(ctx, invoice)

	default:
		middleware.GetLogger(ctx, h.logger).Debug("unhandled webhook event type", "event_type", event.Type)
		return nil
	}
}

func acknowledge(w http.ResponseWriter, duplicate bool) {
	body := map[string]bool{"received": true}
	if duplicate {
		body["duplicate"] = true
	}
	handler.JSON(w, http.StatusOK, body)
}
