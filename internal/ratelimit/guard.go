package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Guard is a coarse per-key token bucket in front of the admin surface.
// The admission pipeline proper uses sliding windows; the admin API only
// needs cheap protection against hammering.
type Guard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewGuard(rps, burst int) *Guard {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = rps
	}
	return &Guard{
		limiters: map[string]*rate.Limiter{},
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (g *Guard) Allow(key string) bool {
	g.mu.Lock()
	l, ok := g.limiters[key]
	if !ok {
		l = rate.NewLimiter(g.limit, g.burst)
		g.limiters[key] = l
	}
	g.mu.Unlock()
	return l.Allow()
}
