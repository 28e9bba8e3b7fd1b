// Package middleware provides the HTTP middleware stack: request ids,
// request-scoped logging, metrics, rate limiting, body limits and
// security headers.
package middleware

import (
	"encoding/json"
	"net/http"
)

// contextKey is the private type for context values set by this
// package, so they cannot collide with keys from other packages.
type contextKey string

// respondError writes the JSON error envelope the rest of the API
// uses. Middleware cannot import the handler package (handler imports
// middleware for GetLogger), so the envelope is duplicated here.
func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
