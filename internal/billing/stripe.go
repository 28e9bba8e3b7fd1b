package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/promotioncode"
	stripesubscription "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig contains configuration for the Stripe provider.
type StripeConfig struct {
	// APIKey is the Stripe secret key (sk_test_... or sk_live_...)
	APIKey string

	// WebhookSecret is the webhook signing secret (whsec_...)
	WebhookSecret string
}

// Validate checks the configuration shape. Empty keys are allowed so
// the service can start without billing configured; provider calls
// then fail with ErrProviderNotConfigured.
func (c *StripeConfig) Validate() error {
	if c.APIKey != "" && !strings.HasPrefix(c.APIKey, "sk_") && !strings.HasPrefix(c.APIKey, "rk_") {
		return errors.New("stripe: API key must be a secret key")
	}
	return nil
}

// IsTestMode returns true if using test mode API keys.
func (c *StripeConfig) IsTestMode() bool {
	return len(c.APIKey) > 7 && c.APIKey[:8] == "sk_test_"
}

// StripeProvider implements Provider using the Stripe Go SDK.
type StripeProvider struct {
	config StripeConfig
	logger *slog.Logger
}

// Compile-time check that StripeProvider implements Provider.
var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider creates a new Stripe billing provider and installs
// the API key for the package-level SDK clients.
func NewStripeProvider(config StripeConfig, logger *slog.Logger) (*StripeProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	stripe.Key = config.APIKey
	if config.APIKey == "" {
		logger.Warn("Stripe API key not configured, billing calls will fail")
	}

	return &StripeProvider{
		config: config,
		logger: logger.With("component", "stripe"),
	}, nil
}

// ready reports whether API calls can be made with this configuration.
func (p *StripeProvider) ready() error {
	if p.config.APIKey == "" {
		return ErrProviderNotConfigured
	}
	return nil
}

// CreateCheckoutSession creates a hosted checkout session.
//
// A requested discount is tried three ways before giving up on it:
// as an active promotion code, as a raw coupon id, and finally not at
// all. A stale or mistyped coupon must not block the purchase.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	build := func(discount *stripe.CheckoutSessionDiscountParams) *stripe.CheckoutSessionParams {
		sp := &stripe.CheckoutSessionParams{
			Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{
					Price:    stripe.String(params.PriceID),
					Quantity: stripe.Int64(1),
				},
			},
			SuccessURL: stripe.String(params.SuccessURL),
			CancelURL:  stripe.String(params.CancelURL),
			Metadata:   params.Metadata,
			SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
				Metadata: params.Metadata,
			},
		}
		sp.Context = ctx

		if params.CustomerID != "" {
			sp.Customer = stripe.String(params.CustomerID)
		} else if params.CustomerEmail != "" {
			sp.CustomerEmail = stripe.String(params.CustomerEmail)
		}

		if discount != nil {
			sp.Discounts = []*stripe.CheckoutSessionDiscountParams{discount}
		} else {
			// Discounts and the promo-code input are mutually exclusive.
			sp.AllowPromotionCodes = stripe.Bool(true)
		}

		return sp
	}

	var attempts []*stripe.CheckoutSessionDiscountParams
	if params.CouponID != "" {
		if promoID := p.lookupPromotionCode(ctx, params.CouponID); promoID != "" {
			attempts = append(attempts, &stripe.CheckoutSessionDiscountParams{
				PromotionCode: stripe.String(promoID),
			})
		}
		attempts = append(attempts, &stripe.CheckoutSessionDiscountParams{
			Coupon: stripe.String(params.CouponID),
		})
	}
	attempts = append(attempts, nil)

	var lastErr error
	for _, discount := range attempts {
		session, err := checkoutsession.New(build(discount))
		if err == nil {
			return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
		}
		lastErr = err
		if discount != nil {
			p.logger.Warn("checkout session creation failed with discount, retrying",
				"coupon", params.CouponID,
				"error", err,
			)
			continue
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, wrapStripeErr(lastErr))
}

// lookupPromotionCode resolves a human-facing promo code to its id.
// Returns "" when the code does not exist or the lookup fails; the
// caller falls through to the next discount strategy.
func (p *StripeProvider) lookupPromotionCode(ctx context.Context, code string) string {
	listParams := &stripe.PromotionCodeListParams{
		Code:   stripe.String(code),
		Active: stripe.Bool(true),
	}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)

	iter := promotioncode.List(listParams)
	for iter.Next() {
		return iter.PromotionCode().ID
	}
	if err := iter.Err(); err != nil {
		p.logger.Warn("promotion code lookup failed",
			"code", code,
			"error", err,
		)
	}
	return ""
}

// GetSubscription retrieves the provider-side state of a subscription.
func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx

	sub, err := stripesubscription.Get(subscriptionID, getParams)
	if err != nil {
		return nil, wrapStripeErr(err)
	}
	return snapshotFromSubscription(sub), nil
}

// UpdateSubscription applies a patch to a subscription.
func (p *StripeProvider) UpdateSubscription(ctx context.Context, subscriptionID string, patch SubscriptionPatch) (*SubscriptionSnapshot, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	updateParams := &stripe.SubscriptionParams{}
	updateParams.Context = ctx

	if patch.CancelAtPeriodEnd != nil {
		updateParams.CancelAtPeriodEnd = stripe.Bool(*patch.CancelAtPeriodEnd)
	}

	if patch.PriceID != nil {
		// A price swap replaces the subscription's single item, which
		// requires the current item id.
		current, err := p.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}
		if current.itemID == "" {
			return nil, fmt.Errorf("billing: subscription %s has no item to update", subscriptionID)
		}
		updateParams.Items = []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.itemID),
				Price: stripe.String(*patch.PriceID),
			},
		}
		if patch.ProrationBehavior != "" {
			updateParams.ProrationBehavior = stripe.String(patch.ProrationBehavior)
		}
	}

	sub, err := stripesubscription.Update(subscriptionID, updateParams)
	if err != nil {
		return nil, wrapStripeErr(err)
	}
	return snapshotFromSubscription(sub), nil
}

// ListSubscriptions returns all subscriptions of a customer.
func (p *StripeProvider) ListSubscriptions(ctx context.Context, customerID string) ([]SubscriptionSnapshot, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	listParams := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	listParams.Context = ctx

	var snapshots []SubscriptionSnapshot
	iter := stripesubscription.List(listParams)
	for iter.Next() {
		snapshots = append(snapshots, *snapshotFromSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeErr(err)
	}
	return snapshots, nil
}

// VerifyWebhookSignature verifies a webhook payload and returns the
// parsed event envelope.
func (p *StripeProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
	}
	return &Event{
		ID:   event.ID,
		Type: string(event.Type),
		Raw:  event.Data.Raw,
	}, nil
}

// ParseCheckoutSession decodes a checkout.session.completed payload.
func ParseCheckoutSession(raw []byte) (*CheckoutSessionData, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("billing: failed to parse checkout session: %w", err)
	}

	data := &CheckoutSessionData{
		ID:          session.ID,
		AmountTotal: session.AmountTotal,
		Metadata:    session.Metadata,
	}
	if session.Customer != nil {
		data.CustomerID = session.Customer.ID
	}
	if session.CustomerDetails != nil {
		data.CustomerEmail = session.CustomerDetails.Email
	}
	if session.Subscription != nil {
		data.SubscriptionID = session.Subscription.ID
	}
	return data, nil
}

// ParseInvoice decodes an invoice.paid / invoice.payment_failed
// payload. SubscriptionID is empty for non-subscription invoices.
func ParseInvoice(raw []byte) (*InvoiceData, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return nil, fmt.Errorf("billing: failed to parse invoice: %w", err)
	}

	data := &InvoiceData{
		ID:         invoice.ID,
		AmountPaid: invoice.AmountPaid,
	}
	if invoice.Customer != nil {
		data.CustomerID = invoice.Customer.ID
	}
	if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		data.SubscriptionID = invoice.Parent.SubscriptionDetails.Subscription.ID
	}
	return data, nil
}

// ParseSubscription decodes a customer.subscription.* payload.
func ParseSubscription(raw []byte) (*SubscriptionSnapshot, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("billing: failed to parse subscription: %w", err)
	}
	return snapshotFromSubscription(&sub), nil
}

// snapshotFromSubscription flattens the SDK object into a snapshot.
// The billing period lives on the subscription item since the 2025
// API versions.
func snapshotFromSubscription(sub *stripe.Subscription) *SubscriptionSnapshot {
	snap := &SubscriptionSnapshot{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
		CreatedAt:         time.Unix(sub.Created, 0),
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0)
		snap.CanceledAt = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		snap.itemID = item.ID
		if item.Price != nil {
			snap.PriceID = item.Price.ID
		}
		snap.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0)
		snap.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0)
	}
	return snap
}

// wrapStripeErr converts SDK errors to StripeError, preserving context.
func wrapStripeErr(err error) error {
	if err == nil {
		return nil
	}
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return &StripeError{
			Message:       sErr.Msg,
			Code:          string(sErr.Code),
			Type:          string(sErr.Type),
			RequestID:     sErr.RequestID,
			OriginalError: err,
		}
	}
	return err
}
