package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits question submissions per user with a token bucket that
// refills requests tokens per window. A nil *RateLimiter allows everything.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
	every    rate.Limit
	burst    int
	window   time.Duration
	done     chan struct{}
	once     sync.Once
}

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter and starts its eviction goroutine. It
// returns nil when requests is not positive.
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests <= 0 || window <= 0 {
		return nil
	}
	rl := &RateLimiter{
		limiters: make(map[string]*userLimiter),
		every:    rate.Every(window / time.Duration(requests)),
		burst:    requests,
		window:   window,
		done:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow reports whether key may submit now.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ul, ok := r.limiters[key]
	if !ok {
		ul = &userLimiter{lim: rate.NewLimiter(r.every, r.burst)}
		r.limiters[key] = ul
	}
	ul.lastSeen = time.Now()
	return ul.lim.Allow()
}

// Close stops the eviction goroutine.
func (r *RateLimiter) Close() {
	if r == nil {
		return
	}
	r.once.Do(func() { close(r.done) })
}

// startEviction periodically drops limiters idle for a full window; their
// buckets are full again by then.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.evict(time.Now())
			case <-r.done:
				return
			}
		}
	}()
}

func (r *RateLimiter) evict(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ul := range r.limiters {
		if now.Sub(ul.lastSeen) >= r.window {
			delete(r.limiters, key)
		}
	}
}
