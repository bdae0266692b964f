package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestKeyByClientOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	keyOf := func(remote, client string) string {
		r := gin.New()
		r.Use(ClientID())
		var key string
		r.GET("/", func(c *gin.Context) { key = KeyByClientOrIP()(c) })
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if client != "" {
			req.Header.Set(HeaderClientID, client)
		}
		r.ServeHTTP(httptest.NewRecorder(), req)
		return key
	}

	if got := keyOf("203.0.113.9:41000", "till-4"); got != "client:till-4" {
		t.Fatalf("device key = %q", got)
	}
	if got := keyOf("203.0.113.9:41000", ""); got != "ip:203.0.113.9" {
		t.Fatalf("anonymous key = %q", got)
	}
	if a, b := keyOf("198.51.100.1:1", ""), keyOf("198.51.100.2:1", ""); a == b {
		t.Fatalf("anonymous callers on different hosts share bucket %q", a)
	}
}

func TestRateLimiter_Buckets(t *testing.T) {
	rl := NewRateLimiter(2, -3, KeyByClientOrIP())
	if rl.burst != 1 {
		t.Fatalf("burst = %d, want it raised to 1", rl.burst)
	}
	now := time.Now()
	if a, b := rl.bucketFor("client:till-4", now), rl.bucketFor("client:till-4", now.Add(time.Second)); a != b {
		t.Fatalf("a device must keep its bucket")
	}
	if rl.bucketFor("client:till-5", now) == rl.bucketFor("client:till-4", now) {
		t.Fatalf("devices must not share a bucket")
	}
}

func TestRateLimiter_EvictsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyByClientOrIP())
	rl.ttl = time.Minute
	now := time.Now()

	rl.mu.Lock()
	rl.buckets["client:gone"] = &bucket{lim: rate.NewLimiter(1, 1), used: now.Add(-time.Hour)}
	rl.buckets["client:recent"] = &bucket{lim: rate.NewLimiter(1, 1), used: now.Add(-time.Second)}
	rl.sweepN = sweepEvery - 1
	rl.mu.Unlock()

	rl.bucketFor("client:new", now)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, want := range map[string]bool{"client:gone": false, "client:recent": true, "client:new": true} {
		if _, ok := rl.buckets[key]; ok != want {
			t.Fatalf("after sweep %s present=%v", key, ok)
		}
	}
	if rl.sweepN != 0 {
		t.Fatalf("sweep counter not reset: %d", rl.sweepN)
	}
}

func TestRateLimiter_AdmitReportsRefillTime(t *testing.T) {
	now := time.Now()

	rl := NewRateLimiter(0.1, 1, KeyByClientOrIP())
	if ok, _ := rl.admit("d1", now); !ok {
		t.Fatalf("first token should be granted")
	}
	ok, wait := rl.admit("d1", now)
	if ok || wait < 9*time.Second || wait > 10*time.Second {
		t.Fatalf("second admit = %v, wait %v; want ~10s", ok, wait)
	}
	// A denied request does not consume the token it waited for.
	if ok, _ := rl.admit("d1", now.Add(11*time.Second)); !ok {
		t.Fatalf("token should be back after the advertised wait")
	}

	// A zero rate never refills: the wait is capped.
	zero := NewRateLimiter(0, 1, KeyByClientOrIP())
	zero.MaxRetryAfter = 30 * time.Second
	zero.admit("d1", now)
	if ok, wait := zero.admit("d1", now); ok || wait != 30*time.Second {
		t.Fatalf("zero rate admit = %v, wait %v", ok, wait)
	}
	if d := NewRateLimiter(0, 1, nil).maxRetryAfter(); d != time.Minute {
		t.Fatalf("default cap = %v", d)
	}
}

func TestIsRateBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	for _, tc := range []struct {
		stored any
		want   bool
	}{
		{nil, false},
		{true, true},
		{false, false},
		{"true", false},
	} {
		if tc.stored != nil {
			c.Set(ctxKeyRateBypass, tc.stored)
		}
		if got := IsRateBypass(c); got != tc.want {
			t.Fatalf("stored %#v: IsRateBypass = %v", tc.stored, got)
		}
	}
}

// operationsRouter is the authority's submission route behind the limiter.
// pre runs before ClientID.
func operationsRouter(rl *RateLimiter, pre ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(pre...)
	r.Use(ClientID(), rl.Handler())
	r.POST("/v1/operations", func(c *gin.Context) { c.Status(http.StatusCreated) })
	return r
}

func postOperation(r http.Handler, client string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/operations", nil)
	req.Header.Set(HeaderClientID, client)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_Handler_ThrottlesPerDevice(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyByClientOrIP())
	r := operationsRouter(rl, func(c *gin.Context) { c.Header(requestIDHeader, "rid-1"); c.Next() })

	if w := postOperation(r, "till-4"); w.Code != http.StatusCreated {
		t.Fatalf("first submission: %d", w.Code)
	}
	w := postOperation(r, "till-4")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "1" {
		t.Fatalf("second submission: %d Retry-After=%q", w.Code, w.Header().Get("Retry-After"))
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("429 body: %v", err)
	}
	if body["code"] != "rate_limited" || body["request_id"] != "rid-1" {
		t.Fatalf("429 body: %v", body)
	}
	if w := postOperation(r, "till-5"); w.Code != http.StatusCreated {
		t.Fatalf("another device: %d", w.Code)
	}

	// Same limiter, but the request is a replay.
	replays := operationsRouter(rl, func(c *gin.Context) { c.Set(ctxKeyRateBypass, true); c.Next() })
	if w := postOperation(replays, "till-4"); w.Code != http.StatusCreated {
		t.Fatalf("replay while throttled: %d", w.Code)
	}
}

func TestRateLimiter_Handler_RetryAfterFollowsRate(t *testing.T) {
	r := operationsRouter(NewRateLimiter(0.25, 1, KeyByClientOrIP()))
	postOperation(r, "slow-device")
	w := postOperation(r, "slow-device")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "4" {
		t.Fatalf("got %d Retry-After=%q; want 429 and 4", w.Code, w.Header().Get("Retry-After"))
	}
}
