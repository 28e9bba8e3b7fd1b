package routes

import (
	"github.com/fp101fs/wp-gen-sub001/internal/router"
)

// RegisterWebhookRoutes registers the webhook routes.
//
// Note: webhook routes carry no authentication middleware. The handler
// verifies the Stripe signature itself.
func RegisterWebhookRoutes(r *router.Router, deps WebhookDeps) {
	var mw []router.Middleware
	if deps.RateLimit != nil {
		mw = append(mw, deps.RateLimit)
	}

	r.Post("/api/stripe-webhook", deps.StripeHandler, mw...)
}
