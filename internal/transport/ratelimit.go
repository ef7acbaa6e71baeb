package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token-bucket limiter, used by the Hub to cap
// new connections per remote address, per §6/§7. Mutation submission is
// not rate limited by it. Grounded on the teacher's sliding-window
// RateLimiter shape (per-key map guarded by a mutex, lazily created on
// first use), rewritten onto golang.org/x/time/rate's token bucket rather
// than a hand-rolled timestamp slice.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*bucket
	r        rate.Limit
	burst    int
	now      func() time.Time
}

// NewRateLimiter builds a limiter allowing burst immediate events per key
// and refilling at r events/sec thereafter.
func NewRateLimiter(r float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*bucket),
		r:        rate.Limit(r),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether key may proceed now, consuming a token if so.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiterFor(key).Allow()
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.limiters[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.r, rl.burst)}
		rl.limiters[key] = b
	}
	b.lastSeen = rl.now()
	return b.limiter
}

// Forget drops key's bucket, e.g. once a connection using it closes;
// prevents the map from growing unboundedly across long-lived deployments.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, key)
}

// gcStale periodically forgets buckets that have had no Allow call for
// longer than maxIdle, bounding memory for keys that never reconnect.
func (rl *RateLimiter) gcStale(maxIdle time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(maxIdle)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cutoff := rl.now().Add(-maxIdle)
			rl.mu.Lock()
			for key, b := range rl.limiters {
				if b.lastSeen.Before(cutoff) {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
