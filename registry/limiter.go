package registry

import (
	"sync"

	"golang.org/x/time/rate"
)

// machineLimiters maintains one token bucket per machine id, created lazily
// on first event and dropped when the machine leaves the active set.
type machineLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// newMachineLimiters creates the per-machine limiter set with rate r tokens
// per second and burst b.
func newMachineLimiters(r float64, b int) *machineLimiters {
	return &machineLimiters{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow checks whether the machine may receive another event now.
func (l *machineLimiters) Allow(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[id]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[id] = limiter
	}
	return limiter.Allow()
}

// Forget drops the bucket for an evicted machine.
func (l *machineLimiters) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, id)
}

// Len reports how many buckets exist, for tests and capacity accounting.
func (l *machineLimiters) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
