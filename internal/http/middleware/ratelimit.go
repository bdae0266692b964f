// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory token-bucket rate limiter with one
// bucket per client. Both servers key buckets by X-Client-ID when the caller
// sends one and by remote IP otherwise, so each device gets its own
// allowance. A throttled device sees 429 with a Retry-After equal to the
// time its bucket needs to refill one token; the sync engine treats the 429
// as transient and waits at least that long before the next attempt.
//
// Replays detected by IdempotencyValidator bypass the limiter. Buckets idle
// for longer than the TTL are evicted opportunistically.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc selects the identity used to key a rate-limit bucket.
type keyFunc func(*gin.Context) string

// KeyByClientOrIP prefers the client id stored by ClientID and falls back to
// the remote IP, so callers without an id do not share one bucket. Keys are
// prefixed so that the namespaces never collide.
func KeyByClientOrIP() keyFunc {
	return func(c *gin.Context) string {
		if id, ok := storedClientID(c); ok {
			return "client:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

// bucket is one client's limiter and when it was last used.
type bucket struct {
	lim  *rate.Limiter
	used time.Time
}

// RateLimiter is a per-key token-bucket limiter. It is safe for concurrent use.
type RateLimiter struct {
	limit rate.Limit
	burst int
	keyFn keyFunc

	mu      sync.Mutex
	buckets map[string]*bucket
	ttl     time.Duration
	sweepN  int

	// MaxRetryAfter caps the advertised wait. Zero means one minute.
	MaxRetryAfter time.Duration
}

// sweepEvery is how many lookups pass between evictions of idle buckets.
const sweepEvery = 5000

// NewRateLimiter constructs a RateLimiter with rps tokens per second and the
// given burst (coerced to at least 1), keyed by keyFn.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		buckets: make(map[string]*bucket),
		ttl:     10 * time.Minute,
	}
}

// bucketFor returns the limiter for key, creating it on first use.
func (rl *RateLimiter) bucketFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.sweepN++; rl.sweepN >= sweepEvery {
		for k, b := range rl.buckets {
			if now.Sub(b.used) >= rl.ttl {
				delete(rl.buckets, k)
			}
		}
		rl.sweepN = 0
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.used = now
	return b.lim
}

// admit takes a token for key. When none is available it returns false and
// how long the caller should wait; the token is not consumed.
func (rl *RateLimiter) admit(key string, now time.Time) (bool, time.Duration) {
	r := rl.bucketFor(key, now).ReserveN(now, 1)
	if !r.OK() {
		return false, rl.maxRetryAfter()
	}
	d := r.DelayFrom(now)
	if d == 0 {
		return true, 0
	}
	r.CancelAt(now)
	if max := rl.maxRetryAfter(); d > max {
		d = max
	}
	return false, d
}

func (rl *RateLimiter) maxRetryAfter() time.Duration {
	if rl.MaxRetryAfter > 0 {
		return rl.MaxRetryAfter
	}
	return time.Minute
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay, which Handler serves without consuming a token.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the limiting middleware. A request over the limit gets
// 429, a Retry-After in whole seconds (at least 1) and the standard error
// body with code "rate_limited".
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		ok, wait := rl.admit(rl.keyFn(c), time.Now())
		if ok {
			c.Next()
			return
		}

		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
