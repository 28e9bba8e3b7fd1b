package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// MockProvider is a mock billing provider for testing. Simulates
// provider behavior without network calls. Each method can be
// overridden per test through its Func field; the defaults operate on
// the in-memory Subscriptions map.
type MockProvider struct {
	CreateCheckoutSessionFunc  func(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error)
	GetSubscriptionFunc        func(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error)
	UpdateSubscriptionFunc     func(ctx context.Context, subscriptionID string, patch SubscriptionPatch) (*SubscriptionSnapshot, error)
	ListSubscriptionsFunc      func(ctx context.Context, customerID string) ([]SubscriptionSnapshot, error)
	VerifyWebhookSignatureFunc func(payload []byte, signature string, secret string) (*Event, error)

	// Subscriptions stores provider-side subscription state by id.
	Subscriptions map[string]*SubscriptionSnapshot

	// CallLog tracks method calls for test assertions.
	CallLog []string
}

// Compile-time check that MockProvider implements Provider.
var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Subscriptions: make(map[string]*SubscriptionSnapshot),
	}
}

// AddSubscription seeds provider-side state for a test.
func (m *MockProvider) AddSubscription(snap *SubscriptionSnapshot) {
	m.Subscriptions[snap.ID] = snap
}

// SetItemID sets the provider-internal item id on a snapshot (only
// meaningful for price-swap tests).
func SetItemID(snap *SubscriptionSnapshot, itemID string) {
	snap.itemID = itemID
}

// CreateCheckoutSession creates a mock checkout session.
func (m *MockProvider) CreateCheckoutSession(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateCheckoutSession(%s)", params.PriceID))

	if m.CreateCheckoutSessionFunc != nil {
		return m.CreateCheckoutSessionFunc(ctx, params)
	}

	id := "cs_test_" + uuid.New().String()[:8]
	return &CheckoutSession{
		ID:  id,
		URL: "https://checkout.stripe.test/pay/" + id,
	}, nil
}

// GetSubscription retrieves a seeded subscription.
func (m *MockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetSubscription(%s)", subscriptionID))

	if m.GetSubscriptionFunc != nil {
		return m.GetSubscriptionFunc(ctx, subscriptionID)
	}

	snap, ok := m.Subscriptions[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	copied := *snap
	return &copied, nil
}

// UpdateSubscription applies a patch to a seeded subscription.
func (m *MockProvider) UpdateSubscription(ctx context.Context, subscriptionID string, patch SubscriptionPatch) (*SubscriptionSnapshot, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("UpdateSubscription(%s)", subscriptionID))

	if m.UpdateSubscriptionFunc != nil {
		return m.UpdateSubscriptionFunc(ctx, subscriptionID, patch)
	}

	snap, ok := m.Subscriptions[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if patch.PriceID != nil {
		snap.PriceID = *patch.PriceID
	}
	if patch.CancelAtPeriodEnd != nil {
		snap.CancelAtPeriodEnd = *patch.CancelAtPeriodEnd
	}
	copied := *snap
	return &copied, nil
}

// ListSubscriptions returns all seeded subscriptions for a customer.
func (m *MockProvider) ListSubscriptions(ctx context.Context, customerID string) ([]SubscriptionSnapshot, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("ListSubscriptions(%s)", customerID))

	if m.ListSubscriptionsFunc != nil {
		return m.ListSubscriptionsFunc(ctx, customerID)
	}

	var result []SubscriptionSnapshot
	for _, snap := range m.Subscriptions {
		if snap.CustomerID == customerID {
			result = append(result, *snap)
		}
	}
	return result, nil
}

// VerifyWebhookSignature accepts any signature by default.
func (m *MockProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) (*Event, error) {
	m.CallLog = append(m.CallLog, "VerifyWebhookSignature")

	if m.VerifyWebhookSignatureFunc != nil {
		return m.VerifyWebhookSignatureFunc(payload, signature, secret)
	}

	return &Event{ID: "evt_mock", Type: "mock", Raw: payload}, nil
}
