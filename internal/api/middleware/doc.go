// Package middleware holds gin middleware for the host API: CORS and
// per-client rate limiting.
package middleware
