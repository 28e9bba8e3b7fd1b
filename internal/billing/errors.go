package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidWebhookSignature is returned when webhook signature verification fails.
	ErrInvalidWebhookSignature = errors.New("billing: invalid webhook signature")

	// ErrSubscriptionNotFound is returned when the provider has no such subscription.
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")

	// ErrCheckoutFailed is returned when session creation fails after
	// all discount fallbacks have been exhausted.
	ErrCheckoutFailed = errors.New("billing: failed to create checkout session")

	// ErrProviderNotConfigured is returned by API calls when no Stripe
	// secret key was configured. The service starts without one; only
	// billing operations are unavailable.
	ErrProviderNotConfigured = errors.New("billing: stripe api key not configured")
)

// StripeError wraps a Stripe API error with additional context.
type StripeError struct {
	Message       string // Human-readable error message
	Code          string // Stripe error code (e.g., "resource_missing")
	Type          string // Stripe error type (e.g., "invalid_request_error")
	RequestID     string // Stripe request ID for debugging
	OriginalError error  // Original error from Stripe SDK
}

func (e *StripeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe: %s (code: %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("stripe: %s", e.Message)
}

func (e *StripeError) Unwrap() error {
	return e.OriginalError
}

// IsNotFound returns true if the error is a missing-resource error.
func (e *StripeError) IsNotFound() bool {
	return e.Code == "resource_missing"
}

// IsTemporary returns true if error is likely transient and retryable.
func (e *StripeError) IsTemporary() bool {
	return e.Code == "rate_limit" || e.Code == "api_connection_error"
}
