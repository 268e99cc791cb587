// Package ratelimit throttles operation submissions per agent so a
// misbehaving agent cannot flood the approval queue.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports one Allow call against a fixed window counter.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter counts per key in fixed windows. Counters for expired
// windows are dropped on each call.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
	now    func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
		now:    time.Now,
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.items {
		if now.After(e.resetAt) {
			delete(l.items, k)
		}
	}
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decisionFor(curr.count, limit, curr.resetAt)
}

func decisionFor(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
