package service

import (
	"context"
	"time"

	"github.com/fp101fs/wp-gen-sub001/internal/billing"
	"github.com/fp101fs/wp-gen-sub001/internal/domain"
	"github.com/google/uuid"
)

// ReconciliationService keeps Stripe subscription state and the local
// user_subscriptions table consistent. Webhook deliveries and the
// manual endpoints funnel into the same methods, so repair operations
// exercise exactly the reconciliation logic the webhooks use.
type ReconciliationService interface {
	// CreateCheckoutSession opens a Stripe Checkout session for a plan
	// purchase. Discount handling falls back through three strategies
	// (promotion code, raw coupon, none) rather than failing checkout
	// on a bad coupon.
	CreateCheckoutSession(ctx context.Context, params CreateCheckoutParams) (*billing.CheckoutSession, error)

	// ProcessCheckoutCompleted handles checkout.session.completed.
	//
	// Fetches the attached subscription from Stripe, upserts the local
	// row and credits the plan's tokens once. Sessions without a
	// subscription (one-time payments) are ignored.
	ProcessCheckoutCompleted(ctx context.Context, session *billing.CheckoutSessionData) error

	// ProcessSubscriptionCreated handles customer.subscription.created.
	//
	// Requires userId metadata on the subscription. Races with
	// ProcessCheckoutCompleted for the same subscription id; both are
	// idempotent against the store's unique constraint, and a bounded
	// in-process cache short-circuits duplicate deliveries in a burst.
	ProcessSubscriptionCreated(ctx context.Context, snap *billing.SubscriptionSnapshot) error

	// ProcessSubscriptionUpdated handles customer.subscription.updated.
	//
	// Re-derives the plan from the current price id and refreshes
	// status, period and cancellation flag. Skips the write when
	// nothing changed.
	ProcessSubscriptionUpdated(ctx context.Context, snap *billing.SubscriptionSnapshot) error

	// ProcessSubscriptionDeleted handles customer.subscription.deleted.
	// Marks the row canceled; repeat deliveries are no-ops.
	ProcessSubscriptionDeleted(ctx context.Context, snap *billing.SubscriptionSnapshot) error

	// ProcessInvoicePaid handles invoice.paid.
	//
	// Recovers past_due rows to active. When the subscription is older
	// than five minutes the invoice is a renewal: eligible plans are
	// credited again, at most once per billing period.
	ProcessInvoicePaid(ctx context.Context, invoice *billing.InvoiceData) error

	// ProcessInvoiceFailed handles invoice.payment_failed by marking
	// the row past_due.
	ProcessInvoiceFailed(ctx context.Context, invoice *billing.InvoiceData) error

	// SyncSubscription reconciles a user's rows against Stripe on
	// demand. Short-circuits when already in sync; reports whether the
	// frontend should reload entitlements.
	SyncSubscription(ctx context.Context, userID uuid.UUID) (*SyncResult, error)

	// CleanupSubscriptions repairs users holding more than one entitled
	// row: the best row is kept (Stripe-linked beats unlinked, then
	// higher plan tier, then most recent) and the rest are canceled.
	CleanupSubscriptions(ctx context.Context, userID uuid.UUID) (*CleanupResult, error)

	// DowngradeSubscription moves a subscription to a cheaper plan.
	//
	// Target free schedules cancellation at period end; target pro
	// swaps the price on the existing subscription without proration.
	// Rejects when the subscription is already on the target.
	DowngradeSubscription(ctx context.Context, stripeSubscriptionID, targetPlan string) (*DowngradeResult, error)

	// CancelSubscription schedules cancellation at period end.
	CancelSubscription(ctx context.Context, stripeSubscriptionID string) (*CancelResult, error)

	// ReactivateSubscription clears a scheduled cancellation.
	ReactivateSubscription(ctx context.Context, stripeSubscriptionID string) (*domain.Subscription, error)

	// DebugSubscription gathers local rows, token balance and provider
	// state for one user. Diagnostic only.
	DebugSubscription(ctx context.Context, userID uuid.UUID) (*DebugReport, error)
}

// CreateCheckoutParams contains parameters for opening a checkout
// session.
type CreateCheckoutParams struct {
	// PriceID is the Stripe price to subscribe to; must belong to the
	// plan catalog.
	PriceID string

	// UserID is the internal user the purchase is for; carried in
	// session metadata so webhook handlers can attribute the
	// subscription.
	UserID uuid.UUID

	// CustomerID is the existing Stripe customer, if known.
	CustomerID string

	// UserEmail pre-fills checkout when no customer exists yet.
	UserEmail string

	// BillingCycle is "monthly" or "yearly"; must match PriceID.
	BillingCycle string

	// PlanType is the plan name the frontend believes it is selling.
	// Cross-checked against the catalog entry for PriceID.
	PlanType string

	// CouponID is an optional promotion code or coupon id.
	CouponID string
}

// SyncResult reports the outcome of a manual sync.
type SyncResult struct {
	// NeedsSync is false when the local rows already matched Stripe
	// (or the user has nothing to sync).
	NeedsSync bool

	// OldPlan and NewPlan are the plan names before and after.
	OldPlan string
	NewPlan string

	// RequiresPageReload tells the frontend entitlements changed.
	RequiresPageReload bool
}

// CleanupResult reports the outcome of a duplicate-row cleanup.
type CleanupResult struct {
	// Kept is the surviving row, nil when the user has no entitled rows.
	Kept *domain.Subscription

	// DeactivatedCount is how many rows were canceled.
	DeactivatedCount int64
}

// DowngradeResult reports a scheduled downgrade.
type DowngradeResult struct {
	// Action is "cancellation_scheduled" (target free) or
	// "plan_downgraded" (target pro).
	Action string

	// EffectiveDate is when the change takes effect (period end).
	EffectiveDate time.Time
}

// CancelResult reports a scheduled cancellation.
type CancelResult struct {
	// CancelAt is when the subscription actually ends.
	CancelAt time.Time

	// Subscription is the refreshed local row, nil when the local
	// mirror failed (the provider-side cancellation still happened).
	Subscription *domain.Subscription
}

// DebugReport dumps one user's billing state.
type DebugReport struct {
	UserID        uuid.UUID                      `json:"userId"`
	TokenBalance  int64                          `json:"tokenBalance"`
	Rows          []domain.Subscription          `json:"rows"`
	ProviderState []billing.SubscriptionSnapshot `json:"providerState,omitempty"`
	ProviderError string                         `json:"providerError,omitempty"`
}

// Downgrade actions.
const (
	ActionCancellationScheduled = "cancellation_scheduled"
	ActionPlanDowngraded        = "plan_downgraded"
)
