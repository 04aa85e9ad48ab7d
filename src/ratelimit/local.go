package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process fixed-window counter per key: at most Limit
// events per Window, the window opening at a key's first event. It
// matches the Redis backend and serves as both AdmissionGate and
// MessageLimiter.
type Local struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	windows   map[string]*fixedCount
	lastSweep time.Time
}

type fixedCount struct {
	start time.Time
	count int
}

// NewLocal creates a limiter allowing limit events per window.
func NewLocal(limit int, window time.Duration) *Local {
	return &Local{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*fixedCount),
	}
}

func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	if l.limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.window)) {
		w = &fixedCount{start: now}
		l.windows[key] = w
	}
	if w.count >= l.limit {
		return Decision{RetryAfter: w.start.Add(l.window).Sub(now)}, nil
	}
	w.count++
	return Decision{Allowed: true}, nil
}

// sweep drops keys whose window has closed, at most once per window.
// Callers hold l.mu.
func (l *Local) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, w := range l.windows {
		if !now.Before(w.start.Add(l.window)) {
			delete(l.windows, key)
		}
	}
}

func (l *Local) Admit(ctx context.Context, remoteAddr string) (Decision, error) {
	return l.Allow(ctx, remoteAddr)
}

func (l *Local) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Len returns the number of tracked keys.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
