// Package middleware holds the ambient HTTP middleware shared across
// syncserver's non-WebSocket routes (health, readiness, metrics): request
// ID propagation and CORS. Everything per-client-group or protocol-level
// lives in internal/transport and internal/viewsyncer instead.
package middleware

// Context keys for middleware data storage
type contextKey string

const (
	// RequestIDContextKey is the context key for request ID
	RequestIDContextKey contextKey = "request_id"
)

// HTTP headers
const (
	// RequestIDHeader is the header name for request ID
	RequestIDHeader = "X-Request-ID"

	// AuthorizationHeader is the header name for authorization
	AuthorizationHeader = "Authorization"

	// RateLimitHeader prefix for rate limit headers
	RateLimitLimitHeader     = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	RateLimitResetHeader     = "X-RateLimit-Reset"

	// API version header
	APIVersionHeader = "X-API-Version"
)
