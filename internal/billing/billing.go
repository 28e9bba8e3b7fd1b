package billing

import (
	"context"
	"time"
)

// Provider defines the interface for the external subscription-billing
// system. The Stripe implementation is the only production one; tests
// use MockProvider. Downstream code consumes the typed snapshot types
// below and never touches SDK object shapes directly.
type Provider interface {
	// CreateCheckoutSession creates a hosted checkout session for a
	// subscription purchase. When params.CouponID is set, the provider
	// falls back through three discount strategies (promotion code,
	// raw coupon id, no discount) rather than failing the checkout on
	// a bad discount lookup.
	CreateCheckoutSession(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error)

	// GetSubscription retrieves the current provider-side state of a
	// subscription.
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error)

	// UpdateSubscription applies a patch (price swap and/or cancel
	// flag) and returns the resulting state.
	UpdateSubscription(ctx context.Context, subscriptionID string, patch SubscriptionPatch) (*SubscriptionSnapshot, error)

	// ListSubscriptions returns all subscriptions of a customer,
	// regardless of status.
	ListSubscriptions(ctx context.Context, customerID string) ([]SubscriptionSnapshot, error)

	// VerifyWebhookSignature verifies a webhook payload against its
	// signature header and returns the parsed event envelope.
	// Returns ErrInvalidWebhookSignature on verification failure.
	VerifyWebhookSignature(payload []byte, signature string, secret string) (*Event, error)
}

// CreateCheckoutSessionParams contains parameters for creating a
// hosted checkout session.
type CreateCheckoutSessionParams struct {
	// PriceID is the provider price identifier to subscribe to.
	PriceID string

	// CustomerID links the session to an existing provider customer.
	// Leave empty to let the provider create one from CustomerEmail.
	CustomerID string

	// CustomerEmail prefills the checkout form.
	CustomerEmail string

	// SuccessURL and CancelURL are the redirect targets after checkout.
	SuccessURL string
	CancelURL  string

	// CouponID is an optional discount. Tried as a promotion code
	// first, then as a raw coupon id, then dropped entirely.
	CouponID string

	// Metadata is attached to both the session and the subscription it
	// creates. Reconciliation relies on userId and planType keys here.
	Metadata map[string]string
}

// CheckoutSession is the created hosted checkout session.
type CheckoutSession struct {
	ID  string
	URL string
}

// SubscriptionSnapshot is the provider-side state of one subscription,
// flattened from the SDK's nested object graph into the fields the
// reconciliation logic actually needs.
type SubscriptionSnapshot struct {
	ID         string
	CustomerID string

	// Status is the provider status string: active, trialing,
	// past_due, canceled, incomplete, unpaid, ...
	Status string

	// PriceID identifies the plan+cycle; resolved via the plan catalog.
	PriceID string

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time

	Metadata  map[string]string
	CreatedAt time.Time

	// itemID is the provider-internal subscription item id, needed for
	// price swaps. Kept unexported so reconciliation logic cannot grow
	// a dependency on it.
	itemID string
}

// SubscriptionPatch describes a partial update. Nil fields are left
// untouched on the provider side.
type SubscriptionPatch struct {
	// PriceID swaps the subscription's single item to a new price.
	PriceID *string

	// ProrationBehavior applies when PriceID is set: "none" swaps with
	// no proration (used for scheduled downgrades).
	ProrationBehavior string

	// CancelAtPeriodEnd schedules (true) or revokes (false) a
	// cancellation at the end of the current period.
	CancelAtPeriodEnd *bool
}

// Event is a verified webhook event envelope. Raw holds the event's
// data.object JSON; decode it with the Parse* helpers.
type Event struct {
	ID   string
	Type string
	Raw  []byte
}

// CheckoutSessionData is the payload of checkout.session.completed.
type CheckoutSessionData struct {
	ID             string
	CustomerID     string
	CustomerEmail  string
	SubscriptionID string
	AmountTotal    int64
	Metadata       map[string]string
}

// InvoiceData is the payload of invoice.paid / invoice.payment_failed.
// SubscriptionID is empty for invoices not tied to a subscription.
type InvoiceData struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	AmountPaid     int64
}
