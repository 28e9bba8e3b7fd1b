// Package routes wires handlers onto the router.
package routes

import (
	"net/http"

	"github.com/fp101fs/wp-gen-sub001/internal/handler/api"
	"github.com/fp101fs/wp-gen-sub001/internal/router"
)

// APIDeps contains dependencies for the subscription API routes.
type APIDeps struct {
	SubscriptionHandler *api.SubscriptionHandler

	// RateLimit is applied per API route; nil disables limiting.
	RateLimit router.Middleware
}

// WebhookDeps contains dependencies for webhook routes.
type WebhookDeps struct {
	StripeHandler http.HandlerFunc

	// RateLimit for webhook deliveries; nil disables limiting.
	RateLimit router.Middleware
}
