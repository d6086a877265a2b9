package httpapi

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"signflow/config"
)

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// limiter keeps one token bucket per caller key.
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	every   rate.Limit
	burst   int
	now     func() time.Time
}

func newLimiter(cfg config.RateLimitConfig) *limiter {
	every := rate.Inf
	if cfg.Requests > 0 && cfg.Window > 0 {
		every = rate.Every(cfg.Window / time.Duration(cfg.Requests))
	}
	burst := max(cfg.Burst, 1)
	return &limiter{
		buckets: make(map[string]*bucket),
		every:   every,
		burst:   burst,
		now:     time.Now,
	}
}

// allow takes a token for key. When none is available it returns the whole
// seconds until one is, without consuming it.
func (l *limiter) allow(key string) (bool, int) {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.lastUsed = now
	l.mu.Unlock()

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := b.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, max(int(math.Ceil(delay.Seconds())), 1)
}

func (l *limiter) prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}
