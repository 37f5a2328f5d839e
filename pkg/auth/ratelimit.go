package auth

import (
	"context"
	"sync"
	"time"
)

// RateLimiter checks whether a request should be allowed based on
// the identity's service tier.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// TierConfig holds rate limit settings for a service tier.
type TierConfig struct {
	RequestsPerMinute int
}

// InProcessLimiter is a fixed-window rate limiter that counts requests per
// subject and tier in memory. Each replica keeps its own counters.
type InProcessLimiter struct {
	tiers      map[string]TierConfig
	defaultRPM int
	window     time.Duration
	now        func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	count    int
	windowAt time.Time
}

// NewInProcessLimiter creates a rate limiter with per-tier configuration.
// Identities without a known tier use defaultRPM; zero means unlimited.
func NewInProcessLimiter(tiers map[string]TierConfig, defaultRPM int) *InProcessLimiter {
	return &InProcessLimiter{
		tiers:      tiers,
		defaultRPM: defaultRPM,
		window:     time.Minute,
		now:        time.Now,
		counters:   make(map[string]*counter),
	}
}

// Allow returns ErrTooManyRequests once the subject exhausted its window.
func (l *InProcessLimiter) Allow(_ context.Context, identity *Identity) error {
	tier := identity.Tier()

	rpm := l.defaultRPM
	if tc, ok := l.tiers[tier]; ok {
		rpm = tc.RequestsPerMinute
	}
	if rpm <= 0 {
		return nil
	}

	key := identity.Subject + ":" + tier

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.counters[key]
	if !ok || now.Sub(c.windowAt) >= l.window {
		l.counters[key] = &counter{count: 1, windowAt: now}
		l.sweepLocked(now)
		return nil
	}

	c.count++
	if c.count > rpm {
		return ErrTooManyRequests
	}
	return nil
}

// RetryAfter returns how long until the subject's current window resets.
func (l *InProcessLimiter) RetryAfter(identity *Identity) time.Duration {
	tier := identity.Tier()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[identity.Subject+":"+tier]
	if !ok {
		return 0
	}
	if d := c.windowAt.Add(l.window).Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

// sweepLocked drops counters whose window ended, so subjects that stopped
// calling do not accumulate. Must be called with l.mu held.
func (l *InProcessLimiter) sweepLocked(now time.Time) {
	if len(l.counters) < 1024 {
		return
	}
	for k, c := range l.counters {
		if now.Sub(c.windowAt) >= l.window {
			delete(l.counters, k)
		}
	}
}
