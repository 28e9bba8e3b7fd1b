package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the lifecycle state of a subscription record.
// Transitions: none -> active|trialing -> past_due -> active|canceled,
// and active -> canceled (terminal). past_due recovers to active when a
// later invoice is paid. cancel_at_period_end is an orthogonal flag.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// IsEntitled reports whether the status grants plan entitlements.
func (s SubscriptionStatus) IsEntitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// Subscription is one billing relationship between a user and a plan.
// Canceled rows are kept and marked, never deleted.
type Subscription struct {
	ID     uuid.UUID
	UserID uuid.UUID

	// Plan is the internal plan name (see the plan catalog).
	Plan string

	// StripeSubscriptionID is empty only for the implicit free-plan row.
	// Unique across all rows when set.
	StripeSubscriptionID string
	StripeCustomerID     string

	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasStripeLink reports whether the row mirrors a provider subscription.
func (s *Subscription) HasStripeLink() bool {
	return s.StripeSubscriptionID != ""
}

// UpsertSubscriptionParams create or refresh a row keyed by the Stripe
// subscription id. The insert path and the conflict path are a single
// statement, so concurrent webhook deliveries for the same id cannot
// produce duplicates.
type UpsertSubscriptionParams struct {
	UserID               uuid.UUID
	Plan                 string
	StripeSubscriptionID string
	StripeCustomerID     string
	Status               SubscriptionStatus
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	CancelAtPeriodEnd    bool
}

// UpdateSubscriptionStateParams refresh the mutable fields of a row.
type UpdateSubscriptionStateParams struct {
	ID                 uuid.UUID
	Plan               string
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}

// SubscriptionStore persists subscription records.
type SubscriptionStore interface {
	// GetByStripeID returns the row mirroring the given provider
	// subscription id, or ErrSubscriptionNotFound.
	GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error)

	// GetByID returns the row with the given internal id.
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// ListForUser returns all rows for a user, newest first.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]Subscription, error)

	// ListEntitledForUser returns rows with status active or trialing.
	ListEntitledForUser(ctx context.Context, userID uuid.UUID) ([]Subscription, error)

	// Upsert inserts or refreshes the row for params.StripeSubscriptionID.
	// Reports whether a new row was created.
	Upsert(ctx context.Context, params UpsertSubscriptionParams) (*Subscription, bool, error)

	// UpdateState refreshes plan, status, period and cancellation flag.
	UpdateState(ctx context.Context, params UpdateSubscriptionStateParams) (*Subscription, error)

	// MarkCanceled sets status=canceled and cancel_at_period_end=true.
	// Idempotent: repeating the call is a no-op.
	MarkCanceled(ctx context.Context, id uuid.UUID) error

	// ActivateExclusive cancels every other entitled row of the same
	// user in the same statement that confirms the kept row, returning
	// the number of rows deactivated. This replaces the historical
	// two-step "deactivate others, then activate" pattern that could
	// crash in between.
	ActivateExclusive(ctx context.Context, keepID uuid.UUID, userID uuid.UUID) (int64, error)
}

// TokenTransactionType tags a ledger entry.
const (
	TokenTxPurchase = "purchase"
	TokenTxRenewal  = "renewal"
	TokenTxUsage    = "usage"
	TokenTxAdjust   = "adjustment"
)

// TokenTransaction is one append-only ledger entry against a user's
// token balance. Purchase entries reference the subscription they were
// granted for; that reference is the double-credit guard.
type TokenTransaction struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Amount          int64
	TransactionType string
	Description     string
	SubscriptionID  *uuid.UUID
	CreatedAt       time.Time
}

// CreditTokensParams describe a single ledger credit.
type CreditTokensParams struct {
	UserID          uuid.UUID
	Amount          int64
	TransactionType string
	Description     string
	SubscriptionID  *uuid.UUID
}

// TokenLedger is the append-only transaction log plus running balance.
type TokenLedger interface {
	// Credit appends a transaction and bumps the balance in one
	// database transaction. Returns the new balance.
	Credit(ctx context.Context, params CreditTokensParams) (int64, error)

	// HasTransaction reports whether a transaction of the given type
	// already references the subscription. Checked before every grant.
	HasTransaction(ctx context.Context, subscriptionID uuid.UUID, transactionType string) (bool, error)

	// HasTransactionSince is HasTransaction restricted to entries created
	// at or after the given instant. Guards one-renewal-per-period.
	HasTransactionSince(ctx context.Context, subscriptionID uuid.UUID, transactionType string, since time.Time) (bool, error)

	// Balance returns the user's current token balance (0 if no row).
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
}

// WebhookEventStore records processed provider event ids so redelivered
// events are dropped even across process restarts.
type WebhookEventStore interface {
	// MarkProcessed records the event id. Reports false when the id was
	// already recorded (duplicate delivery).
	MarkProcessed(ctx context.Context, providerEventID, eventType string) (bool, error)
}

// Sentinel errors shared across store implementations.
var (
	ErrSubscriptionNotFound = &Error{Code: ENOTFOUND, Message: "Subscription not found"}
	ErrDuplicateCredit      = &Error{Code: ECONFLICT, Message: "Tokens already credited for this subscription"}
)
