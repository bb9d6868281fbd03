package security

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultPruneThreshold bounds the bucket table before maintenance removes
// entries.
const defaultPruneThreshold = 1000

// RateLimiter applies per-key token-bucket admission control. Buckets are
// created lazily on first use; the refill rate is requests/window and the
// burst equals the configured request count, so a fresh key may spend its
// whole window budget immediately.
type RateLimiter struct {
	log            *slog.Logger
	limit          rate.Limit
	burst          int
	pruneThreshold int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter constructs a limiter allowing requests per window for each
// distinct key.
func NewRateLimiter(requests int, window time.Duration, log *slog.Logger) *RateLimiter {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if requests < 1 {
		requests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		log:            log,
		limit:          rate.Limit(float64(requests) / window.Seconds()),
		burst:          requests,
		pruneThreshold: defaultPruneThreshold,
		buckets:        make(map[string]*rate.Limiter),
	}
}

// Allow reports whether one operation is admitted for key right now. It never
// blocks or queues.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	allowed := bucket.Allow()
	if !allowed {
		l.log.Warn("rate limit exceeded", slog.String("key", key))
	}
	return allowed
}

// Reset drops the bucket for key, returning it to a full budget on next use.
func (l *RateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len reports the current bucket count.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Prune removes roughly a tenth of the buckets (selected by key hash) once
// the table exceeds its size threshold. Which entries go is not a correctness
// concern; evicted keys simply start over with a full budget. The point is
// only to keep the table bounded.
func (l *RateLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) <= l.pruneThreshold {
		return 0
	}
	removed := 0
	for key := range l.buckets {
		if keyHash(key)%10 == 0 {
			delete(l.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		l.log.Debug("pruned rate limiter buckets", slog.Int("removed", removed))
	}
	return removed
}

func keyHash(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}
