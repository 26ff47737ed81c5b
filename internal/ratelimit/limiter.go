package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Hit is the outcome of a single limiter check.
type Hit struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is implemented by every limiter class the service can host.
type Limiter interface {
	Hit(key string) Hit
}

type windowState struct {
	count         int
	resetAt       time.Time
	cooldownUntil time.Time
}

// FixedWindow counts hits per key inside fixed time windows. Exceeding the
// limit denies the hit and, when a cooldown is configured, blocks the key
// until the cooldown elapses regardless of window boundaries.
type FixedWindow struct {
	limit    int
	interval time.Duration
	cooldown time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	windows map[string]*windowState
}

// NewFixedWindow builds a fixed-window limiter. Limit and interval must be
// positive; cooldown may be zero.
func NewFixedWindow(limit int, interval, cooldown time.Duration) (*FixedWindow, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("ratelimit: limit must be greater than zero")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("ratelimit: interval must be greater than zero")
	}
	if cooldown < 0 {
		cooldown = 0
	}
	return &FixedWindow{
		limit:    limit,
		interval: interval,
		cooldown: cooldown,
		clock:    time.Now,
		windows:  make(map[string]*windowState),
	}, nil
}

// Limit returns the configured per-window hit count.
func (l *FixedWindow) Limit() int { return l.limit }

// Interval returns the window length.
func (l *FixedWindow) Interval() time.Duration { return l.interval }

// Cooldown returns the configured cooldown, zero when disabled.
func (l *FixedWindow) Cooldown() time.Duration { return l.cooldown }

// Hit registers one hit for key and reports whether it is allowed.
func (l *FixedWindow) Hit(key string) Hit {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.windows[key]
	if state == nil || !now.Before(state.resetAt) {
		state = &windowState{resetAt: now.Add(l.interval)}
		// cooldown survives window rollover
		if prev := l.windows[key]; prev != nil {
			state.cooldownUntil = prev.cooldownUntil
		}
		l.windows[key] = state
	}

	if now.Before(state.cooldownUntil) {
		return Hit{Allowed: false, RetryAfter: state.cooldownUntil.Sub(now)}
	}

	state.count++
	if state.count > l.limit {
		retryAfter := state.resetAt.Sub(now)
		if l.cooldown > 0 {
			until := now.Add(l.cooldown)
			if until.After(state.cooldownUntil) {
				state.cooldownUntil = until
			}
			if cd := state.cooldownUntil.Sub(now); cd > retryAfter {
				retryAfter = cd
			}
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Hit{Allowed: false, RetryAfter: retryAfter}
	}

	return Hit{Allowed: true}
}
