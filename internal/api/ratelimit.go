package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// cleanupIdleDuration is how long an IP's bucket may sit unused before the
// janitor reclaims it, bounding memory growth from transient clients.
const cleanupIdleDuration = 10 * time.Minute

type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

// RateLimiter is a per-IP token bucket: each client IP gets its own bucket,
// refilled at a fixed rate and capped at a fixed burst size. A request that
// finds an empty bucket receives 429 with a Retry-After hint instead of
// being served.
type RateLimiter struct {
	ratePerSecond float64
	burst         float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter starts a RateLimiter allowing ratePerMin requests per
// minute per IP, bursting up to burst requests at once. The returned
// limiter's idle-bucket janitor runs until ctx is cancelled — the same
// ctx-scoped background-loop shape internal/ingest's Listener and
// Backfiller use, rather than a goroutine with no way to stop.
func NewRateLimiter(ctx context.Context, ratePerMin, burst int) *RateLimiter {
	rl := &RateLimiter{
		ratePerSecond: float64(ratePerMin) / 60.0,
		burst:         float64(burst),
		buckets:       make(map[string]*tokenBucket),
	}
	go rl.runJanitor(ctx)
	return rl
}

func (rl *RateLimiter) bucketFor(ip string) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		b = &tokenBucket{tokens: rl.burst, lastSeen: time.Now()}
		rl.buckets[ip] = b
	}
	return b
}

// allow reports whether ip may proceed now, and if not, how long it should
// wait before retrying.
func (rl *RateLimiter) allow(ip string) (bool, time.Duration) {
	b := rl.bucketFor(ip)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens = min(rl.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*rl.ratePerSecond)
	b.lastSeen = now

	if b.tokens < 1.0 {
		return false, time.Duration((1.0-b.tokens)/rl.ratePerSecond*1000) * time.Millisecond
	}
	b.tokens--
	return true, 0
}

// Middleware returns a gin handler enforcing the limit on every request
// that reaches it.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := rl.allow(c.ClientIP())
		if !allowed {
			c.Header("Retry-After", retryAfter.String())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"retryAfter": retryAfter.String(),
			})
			return
		}
		c.Next()
	}
}

// runJanitor evicts buckets idle past cleanupIdleDuration until ctx is
// cancelled.
func (rl *RateLimiter) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(cleanupIdleDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	cutoff := time.Now().Add(-cleanupIdleDuration)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, b := range rl.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(rl.buckets, ip)
		}
	}
}
