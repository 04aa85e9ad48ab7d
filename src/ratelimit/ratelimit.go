// Package ratelimit provides the connection admission gate and the
// per-message limiter consulted by the gateway. Both are optional.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// AdmissionGate is consulted once per incoming connection, keyed by
// remote address.
type AdmissionGate interface {
	Admit(ctx context.Context, remoteAddr string) (Decision, error)
}

// MessageLimiter is consulted before each inbound client event, keyed by
// connection id.
type MessageLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Forgetter is implemented by limiters holding per-key state that should
// be released when a connection closes.
type Forgetter interface {
	Forget(key string)
}
