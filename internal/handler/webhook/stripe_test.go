package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fp101fs/wp-gen-sub001/internal/billing"
	"github.com/fp101fs/wp-gen-sub001/internal/domain"
	"github.com/fp101fs/wp-gen-sub001/internal/service"
	"github.com/google/uuid"
)

// mockReconciler records dispatched calls and returns the configured
// error.
type mockReconciler struct {
	calls []string
	err   error
}

func (m *mockReconciler) CreateCheckoutSession(ctx context.Context, params service.CreateCheckoutParams) (*billing.CheckoutSession, error) {
	m.calls = append(m.calls, "CreateCheckoutSession")
	return &billing.CheckoutSession{ID: "cs_1"}, m.err
}

func (m *mockReconciler) ProcessCheckoutCompleted(ctx context.Context, session *billing.CheckoutSessionData) error {
	m.calls = append(m.calls, fmt.Sprintf("ProcessCheckoutCompleted(%s)", session.ID))
	return m.err
}

func (m *mockReconciler) ProcessSubscriptionCreated(ctx context.Context, snap *billing.SubscriptionSnapshot) error {
	m.calls = append(m.calls, fmt.Sprintf("ProcessSubscriptionCreated(%s)", snap.ID))
	return m.err
}

func (m *mockReconciler) ProcessSubscriptionUpdated(ctx context.Context, snap *billing.SubscriptionSnapshot) error {
	m.calls = append(m.calls, fmt.Sprintf("ProcessSubscriptionUpdated(%s)", snap.ID))
	return m.err
}

func (m *mockReconciler) ProcessSubscriptionDeleted(ctx context.Context, snap *billing.SubscriptionSnapshot) error {
	m.calls = append(m.calls, fmt.Sprintf("ProcessSubscriptionDeleted(%s)", snap.ID))
	return m.err
}

func (m *mockReconciler) ProcessInvoicePaid(ctx context.Context, invoice *billing.InvoiceData) error {
	m.calls = append(m.calls, fmt.Sprintf("ProcessInvoicePaid(%s)", invoice.ID))
	return m.err
}

func (m *mockReconciler) ProcessInvoiceFailed(ctx context.Context, invoice *billing.InvoiceData) error {
	m.calls = append(m.calls, fmt.Sprintf("ProcessInvoiceFailed(%s)", invoice.ID))
	return m.err
}

func (m *mockReconciler) SyncSubscription(ctx context.Context, userID uuid.UUID) (*service.SyncResult, error) {
	m.calls = append(m.calls, "SyncSubscription")
	return &service.SyncResult{}, m.err
}

func (m *mockReconciler) CleanupSubscriptions(ctx context.Context, userID uuid.UUID) (*service.CleanupResult, error) {
	m.calls = append(m.calls, "CleanupSubscriptions")
	return &service.CleanupResult{}, m.err
}

func (m *mockReconciler) DowngradeSubscription(ctx context.Context, stripeSubscriptionID, targetPlan string) (*service.DowngradeResult, error) {
	m.calls = append(m.calls, "DowngradeSubscription")
	return &service.DowngradeResult{}, m.err
}

func (m *mockReconciler) CancelSubscription(ctx context.Context, stripeSubscriptionID string) (*service.CancelResult, error) {
	m.calls = append(m.calls, "CancelSubscription")
	return &service.CancelResult{}, m.err
}

func (m *mockReconciler) ReactivateSubscription(ctx context.Context, stripeSubscriptionID string) (*domain.Subscription, error) {
	m.calls = append(m.calls, "ReactivateSubscription")
	return &domain.Subscription{}, m.err
}

func (m *mockReconciler) DebugSubscription(ctx context.Context, userID uuid.UUID) (*service.DebugReport, error) {
	m.calls = append(m.calls, "DebugSubscription")
	return &service.DebugReport{}, m.err
}

// mockEventStore is an in-memory domain.WebhookEventStore.
type mockEventStore struct {
	seen map[string]bool
	err  error
}

func (m *mockEventStore) MarkProcessed(_ context.Context, providerEventID, eventType string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[providerEventID] {
		return false, nil
	}
	m.seen[providerEventID] = true
	return true, nil
}

const testSignature = "t=1,v1=valid"

// newTestHandler wires a handler whose provider accepts testSignature
// and decodes the standard Stripe event envelope.
func newTestHandler(reconciler *mockReconciler, store *mockEventStore) *StripeHandler {
	provider := billing.NewMockProvider()
	provider.VerifyWebhookSignatureFunc = func(payload []byte, signature string, secret string) (*billing.Event, error) {
		if signature != testSignature {
			return nil, billing.ErrInvalidWebhookSignature
		}
		var envelope struct {
			ID   string `json:"id"`
			Type string `json:"type"`
			Data struct {
				Object json.RawMessage `json:"object"`
			} `json:"data"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return nil, err
		}
		return &billing.Event{ID: envelope.ID, Type: envelope.Type, Raw: envelope.Data.Object}, nil
	}

	var eventStore domain.WebhookEventStore
	if store != nil {
		eventStore = store
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStripeHandler(provider, reconciler, eventStore, nil, logger, StripeWebhookConfig{
		WebhookSecret: "whsec_test",
	})
}

func deliver(t *testing.T, h *StripeHandler, payload string, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", bytes.NewReader([]byte(payload)))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	return rec
}

func eventPayload(id, eventType, object string) string {
	return fmt.Sprintf(`{"id":%q,"type":%q,"data":{"object":%s}}`, id, eventType, object)
}

const subscriptionObject = `{
	"id": "sub_1",
	"status": "active",
	"cancel_at_period_end": false,
	"created": 1735689600,
	"customer": {"id": "cus_1"},
	"metadata": {"userId": "5f9d7a3e-1b2c-4d5e-8f9a-0b1c2d3e4f5a", "planType": "pro"},
	"items": {"data": [{
		"id": "si_1",
		"price": {"id": "price_pro_m"},
		"current_period_start": 1735689600,
		"current_period_end": 1738368000
	}]}
}`

const invoiceObject = `{
	"id": "in_1",
	"amount_paid": 1900,
	"customer": {"id": "cus_1"},
	"parent": {"subscription_details": {"subscription": {"id": "sub_1"}}}
}`

const checkoutObject = `{
	"id": "cs_1",
	"amount_total": 1900,
	"customer": {"id": "cus_1"},
	"subscription": {"id": "sub_1"},
	"metadata": {"userId": "5f9d7a3e-1b2c-4d5e-8f9a-0b1c2d3e4f5a", "planType": "pro"}
}`

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	reconciler := &mockReconciler{}
	h := newTestHandler(reconciler, nil)

	rec := deliver(t, h, eventPayload("evt_1", "customer.subscription.created", subscriptionObject), "t=1,v1=bogus")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if len(reconciler.calls) != 0 {
		t.Errorf("reconciler was called: %v", reconciler.calls)
	}
}

func TestHandleWebhook_MissingSignature(t *testing.T) {
	h := newTestHandler(&mockReconciler{}, nil)

	rec := deliver(t, h, eventPayload("evt_1", "customer.subscription.created", subscriptionObject), "")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleWebhook_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(&mockReconciler{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/stripe-webhook", nil)
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleWebhook_Dispatch(t *testing.T) {
	tests := []struct {
		eventType string
		object    string
		wantCall  string
	}{
		{"checkout.session.completed", checkoutObject, "ProcessCheckoutCompleted(cs_1)"},
		{"customer.subscription.created", subscriptionObject, "ProcessSubscriptionCreated(sub_1)"},
		{"customer.subscription.updated", subscriptionObject, "ProcessSubscriptionUpdated(sub_1)"},
		{"customer.subscription.deleted", subscriptionObject, "ProcessSubscriptionDeleted(sub_1)"},
		{"invoice.paid", invoiceObject, "ProcessInvoicePaid(in_1)"},
		{"invoice.payment_succeeded", invoiceObject, "ProcessInvoicePaid(in_1)"},
		{"invoice.payment_failed", invoiceObject, "ProcessInvoiceFailed(in_1)"},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			reconciler := &mockReconciler{}
			h := newTestHandler(reconciler, nil)

			rec := deliver(t, h, eventPayload("evt_1", tt.eventType, tt.object), testSignature)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d (body: %s)", rec.Code, http.StatusOK, rec.Body.String())
			}
			if len(reconciler.calls) != 1 || reconciler.calls[0] != tt.wantCall {
				t.Errorf("calls = %v, want [%s]", reconciler.calls, tt.wantCall)
			}

			var body map[string]bool
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if !body["received"] {
				t.Error("response missing received=true")
			}
		})
	}
}

func TestHandleWebhook_UnhandledEventType(t *testing.T) {
	reconciler := &mockReconciler{}
	h := newTestHandler(reconciler, nil)

	rec := deliver(t, h, eventPayload("evt_1", "customer.created", `{"id":"cus_1"}`), testSignature)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(reconciler.calls) != 0 {
		t.Errorf("reconciler was called for unhandled event: %v", reconciler.calls)
	}
}

func TestHandleWebhook_ProcessingFailure(t *testing.T) {
	reconciler := &mockReconciler{err: fmt.Errorf("database unavailable")}
	h := newTestHandler(reconciler, nil)

	rec := deliver(t, h, eventPayload("evt_1", "invoice.paid", invoiceObject), testSignature)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestHandleWebhook_DuplicateDelivery(t *testing.T) {
	reconciler := &mockReconciler{}
	store := &mockEventStore{}
	h := newTestHandler(reconciler, store)

	payload := eventPayload("evt_1", "customer.subscription.created", subscriptionObject)

	first := deliver(t, h, payload, testSignature)
	second := deliver(t, h, payload, testSignature)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d, want both 200", first.Code, second.Code)
	}
	if len(reconciler.calls) != 1 {
		t.Errorf("reconciler called %d times, want 1", len(reconciler.calls))
	}

	var body map[string]bool
	if err := json.NewDecoder(second.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body["duplicate"] {
		t.Error("second delivery missing duplicate=true")
	}
}

func TestHandleWebhook_EventStoreFailureStillProcesses(t *testing.T) {
	reconciler := &mockReconciler{}
	store := &mockEventStore{err: fmt.Errorf("connection refused")}
	h := newTestHandler(reconciler, store)

	rec := deliver(t, h, eventPayload("evt_1", "invoice.paid", invoiceObject), testSignature)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(reconciler.calls) != 1 {
		t.Errorf("reconciler called %d times, want 1", len(reconciler.calls))
	}
}
