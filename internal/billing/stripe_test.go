package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripeConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  StripeConfig
		wantErr bool
	}{
		{
			name:    "valid test keys",
			config:  StripeConfig{APIKey: "sk_test_abc123", WebhookSecret: "whsec_abc123"},
			wantErr: false,
		},
		{
			name:    "valid live keys",
			config:  StripeConfig{APIKey: "sk_live_abc123", WebhookSecret: "whsec_abc123"},
			wantErr: false,
		},
		{
			name:    "empty keys allowed",
			config:  StripeConfig{},
			wantErr: false,
		},
		{
			name:    "publishable key rejected",
			config:  StripeConfig{APIKey: "pk_test_abc123", WebhookSecret: "whsec_abc123"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// The service must start without Stripe secrets; only billing calls
// are unavailable until they are configured.
func TestUnconfiguredProviderFailsAtCallBoundary(t *testing.T) {
	provider, err := NewStripeProvider(StripeConfig{}, nil)
	require.NoError(t, err)

	_, err = provider.GetSubscription(context.Background(), "sub_123")
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	_, err = provider.CreateCheckoutSession(context.Background(), CreateCheckoutSessionParams{})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	_, err = provider.ListSubscriptions(context.Background(), "cus_123")
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestStripeConfigIsTestMode(t *testing.T) {
	assert.True(t, (&StripeConfig{APIKey: "sk_test_abc"}).IsTestMode())
	assert.False(t, (&StripeConfig{APIKey: "sk_live_abc"}).IsTestMode())
}

func TestParseCheckoutSession(t *testing.T) {
	raw := []byte(`{
		"id": "cs_test_a1b2c3",
		"customer": {"id": "cus_123"},
		"customer_details": {"email": "buyer@example.com"},
		"subscription": {"id": "sub_123"},
		"amount_total": 1999,
		"metadata": {"userId": "4f6c2d6e-8f1a-4b8e-9c3d-2a1b0c9d8e7f", "planName": "pro"}
	}`)

	data, err := ParseCheckoutSession(raw)
	require.NoError(t, err)

	assert.Equal(t, "cs_test_a1b2c3", data.ID)
	assert.Equal(t, "cus_123", data.CustomerID)
	assert.Equal(t, "buyer@example.com", data.CustomerEmail)
	assert.Equal(t, "sub_123", data.SubscriptionID)
	assert.Equal(t, int64(1999), data.AmountTotal)
	assert.Equal(t, "pro", data.Metadata["planName"])
}

func TestParseCheckoutSessionWithoutSubscription(t *testing.T) {
	raw := []byte(`{"id": "cs_test_one_time", "amount_total": 500}`)

	data, err := ParseCheckoutSession(raw)
	require.NoError(t, err)

	assert.Empty(t, data.SubscriptionID)
	assert.Empty(t, data.CustomerID)
}

func TestParseInvoice(t *testing.T) {
	raw := []byte(`{
		"id": "in_123",
		"customer": {"id": "cus_123"},
		"amount_paid": 1999,
		"parent": {
			"subscription_details": {
				"subscription": {"id": "sub_123"}
			}
		}
	}`)

	data, err := ParseInvoice(raw)
	require.NoError(t, err)

	assert.Equal(t, "in_123", data.ID)
	assert.Equal(t, "cus_123", data.CustomerID)
	assert.Equal(t, "sub_123", data.SubscriptionID)
	assert.Equal(t, int64(1999), data.AmountPaid)
}

func TestParseInvoiceNonSubscription(t *testing.T) {
	raw := []byte(`{"id": "in_456", "amount_paid": 500}`)

	data, err := ParseInvoice(raw)
	require.NoError(t, err)

	assert.Empty(t, data.SubscriptionID)
}

func TestParseSubscription(t *testing.T) {
	raw := []byte(`{
		"id": "sub_123",
		"customer": {"id": "cus_123"},
		"status": "active",
		"cancel_at_period_end": true,
		"created": 1735689600,
		"canceled_at": 1738368000,
		"metadata": {"userId": "4f6c2d6e-8f1a-4b8e-9c3d-2a1b0c9d8e7f"},
		"items": {
			"data": [{
				"id": "si_abc",
				"price": {"id": "price_pro_monthly"},
				"current_period_start": 1735689600,
				"current_period_end": 1738368000
			}]
		}
	}`)

	snap, err := ParseSubscription(raw)
	require.NoError(t, err)

	assert.Equal(t, "sub_123", snap.ID)
	assert.Equal(t, "cus_123", snap.CustomerID)
	assert.Equal(t, "active", snap.Status)
	assert.Equal(t, "price_pro_monthly", snap.PriceID)
	assert.True(t, snap.CancelAtPeriodEnd)
	assert.Equal(t, time.Unix(1735689600, 0), snap.CurrentPeriodStart)
	assert.Equal(t, time.Unix(1738368000, 0), snap.CurrentPeriodEnd)
	require.NotNil(t, snap.CanceledAt)
	assert.Equal(t, time.Unix(1738368000, 0), *snap.CanceledAt)
	assert.Equal(t, "si_abc", snap.itemID)
}

func TestParseSubscriptionWithoutItems(t *testing.T) {
	raw := []byte(`{"id": "sub_empty", "status": "incomplete", "created": 1735689600}`)

	snap, err := ParseSubscription(raw)
	require.NoError(t, err)

	assert.Empty(t, snap.PriceID)
	assert.True(t, snap.CurrentPeriodEnd.IsZero())
	assert.Nil(t, snap.CanceledAt)
}

func TestParseSubscriptionInvalidJSON(t *testing.T) {
	_, err := ParseSubscription([]byte("not json"))
	assert.Error(t, err)
}

func TestStripeErrorIsNotFound(t *testing.T) {
	err := &StripeError{Message: "No such subscription", Code: "resource_missing"}
	assert.True(t, err.IsNotFound())

	err = &StripeError{Message: "Rate limited", Code: "rate_limit"}
	assert.False(t, err.IsNotFound())
}

func TestMockProviderDefaults(t *testing.T) {
	ctx := context.Background()
	mock := NewMockProvider()

	snap := &SubscriptionSnapshot{
		ID:         "sub_1",
		CustomerID: "cus_1",
		Status:     "active",
		PriceID:    "price_pro_monthly",
	}
	mock.AddSubscription(snap)

	got, err := mock.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "price_pro_monthly", got.PriceID)

	_, err = mock.GetSubscription(ctx, "sub_missing")
	assert.True(t, errors.Is(err, ErrSubscriptionNotFound))

	newPrice := "price_unlimited_monthly"
	updated, err := mock.UpdateSubscription(ctx, "sub_1", SubscriptionPatch{PriceID: &newPrice})
	require.NoError(t, err)
	assert.Equal(t, newPrice, updated.PriceID)

	list, err := mock.ListSubscriptions(ctx, "cus_1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.Contains(t, mock.CallLog, "GetSubscription(sub_1)")
}

func TestMockProviderOverride(t *testing.T) {
	ctx := context.Background()
	mock := NewMockProvider()
	mock.CreateCheckoutSessionFunc = func(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error) {
		return nil, ErrCheckoutFailed
	}

	_, err := mock.CreateCheckoutSession(ctx, CreateCheckoutSessionParams{PriceID: "price_x"})
	assert.True(t, errors.Is(err, ErrCheckoutFailed))
}
