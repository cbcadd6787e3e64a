package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS builds the options for browser clients of the quota API. Callers
// authenticate with bearer tokens, never cookies, so credentials stay off.
// Browsers need the rate limit and Retry-After headers exposed to back off.
func CORS(allowedOrigins []string) cors.Options {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	return cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders: []string{
			RequestIDHeader,
			"Retry-After",
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
		},
		MaxAge: 600,
	}
}
