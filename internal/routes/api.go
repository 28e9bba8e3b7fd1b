package routes

import (
	"github.com/fp101fs/wp-gen-sub001/internal/router"
)

// RegisterAPIRoutes registers the subscription management endpoints.
// Authentication is handled upstream (the API gateway forwards the
// authenticated user id in the request body); these routes only apply
// rate limiting.
func RegisterAPIRoutes(r *router.Router, deps APIDeps) {
	h := deps.SubscriptionHandler

	var mw []router.Middleware
	if deps.RateLimit != nil {
		mw = append(mw, deps.RateLimit)
	}

	r.Post("/api/create-checkout-session", h.CreateCheckoutSession, mw...)
	r.Post("/api/cancel-subscription", h.CancelSubscription, mw...)
	r.Post("/api/reactivate-subscription", h.ReactivateSubscription, mw...)
	r.Post("/api/downgrade-subscription", h.DowngradeSubscription, mw...)
	r.Post("/api/sync-subscription", h.SyncSubscription, mw...)
	r.Post("/api/cleanup-subscriptions", h.CleanupSubscriptions, mw...)
	r.Post("/api/debug-subscription", h.DebugSubscription, mw...)
}
