// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, a hardening middleware for the JSON
// APIs. The projection API answers with ETags and wants clients to
// revalidate (Cache-Control: no-cache); the reference authority answers
// are never cacheable (no-store).
package middleware

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS emits Strict-Transport-Security on HTTPS requests only.
	EnableHSTS bool
	// HSTSMaxAge defaults to 180 days.
	HSTSMaxAge time.Duration
	// CacheControl is sent verbatim when set. "no-store" also sends the
	// legacy Pragma and Expires headers.
	CacheControl string
	// EnablePolicy adds Permissions-Policy and X-Permitted-Cross-Domain-Policies.
	EnablePolicy bool
	// Expose lists response headers browsers may read in addition to
	// X-Request-ID.
	Expose []string
}

// SecurityHeaders sets nosniff, frame denial and no-referrer on every
// response, plus whatever opt turns on.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	age := opt.HSTSMaxAge
	if age <= 0 {
		age = 180 * 24 * time.Hour
	}
	hsts := fmt.Sprintf("max-age=%d; includeSubDomains; preload", int64(age/time.Second))

	fixed := [][2]string{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
	}
	if opt.EnablePolicy {
		fixed = append(fixed,
			[2]string{"Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()"},
			[2]string{"X-Permitted-Cross-Domain-Policies", "none"})
	}
	if cc := opt.CacheControl; cc != "" {
		fixed = append(fixed, [2]string{"Cache-Control", cc})
		if cc == "no-store" {
			fixed = append(fixed, [2]string{"Pragma", "no-cache"}, [2]string{"Expires", "0"})
		}
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range fixed {
			h.Set(kv[0], kv[1])
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}
		exposeHeaders(h, opt.Expose)
		c.Next()
	}
}

// exposeHeaders adds names to Access-Control-Expose-Headers, keeping what is
// already there and skipping case-insensitive duplicates. X-Request-ID is
// exposed only when it has been set.
func exposeHeaders(h http.Header, names []string) {
	const key = "Access-Control-Expose-Headers"
	var list []string
	for _, n := range strings.Split(h.Get(key), ",") {
		if n = strings.TrimSpace(n); n != "" {
			list = append(list, n)
		}
	}
	if h.Get(requestIDHeader) != "" {
		names = append([]string{requestIDHeader}, names...)
	}
	for _, n := range names {
		if !slices.ContainsFunc(list, func(have string) bool { return strings.EqualFold(have, n) }) {
			list = append(list, n)
		}
	}
	if len(list) > 0 {
		h.Set(key, strings.Join(list, ", "))
	}
}

// isHTTPS reports whether the request arrived over TLS directly or through
// a proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
