// Package ratelimit throttles the credential endpoints.
//
// Password-guessing against /auth/token is the threat; everything else
// is authenticated by token and left unthrottled. The Limiter interface
// keeps the backend pluggable — a single-process deployment uses the
// in-memory token bucket.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is
	// opaque to the limiter; the middleware derives it (client IP for
	// the auth endpoints). An error signals a limiter malfunction and
	// callers fail open rather than blocking logins.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
