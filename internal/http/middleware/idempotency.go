// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements idempotency support for operation submissions. It
// validates the Idempotency-Key header, scopes it to the submitting client
// (X-Client-ID) and, through a narrow lookup function, detects keys the
// authority ledger has already processed so that:
//   - handlers can read the normalized key (GetIdempotencyKey)
//   - handlers can detect replayed submissions (IsReplay)
//   - the rate limiter lets replays through (via an internal flag)
//
// A replay is an answer the client is owed, so it is never throttled.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header carrying the idempotency id of
// a queued operation. Every attempt of the same operation sends the same value.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderClientID identifies the submitting device.
const HeaderClientID = "X-Client-ID"

// anonymousClient is the scope used when no client id is sent.
const anonymousClient = "anonymous"

// Context keys used internally to stash idempotency state.
const (
	ctxKeyClientID   = "clientID"
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: true when the key was already processed
	ctxKeyRateBypass = "rate.bypass" // bool: true to skip rate limiting
)

// ClientID stores the X-Client-ID header in the Gin context. Values that are
// blank or longer than 128 bytes are ignored.
func ClientID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(HeaderClientID)); id != "" && len(id) <= 128 {
			c.Set(ctxKeyClientID, id)
		}
		c.Next()
	}
}

// ClientIDFrom returns the client id stored by ClientID, or "anonymous".
func ClientIDFrom(c *gin.Context) string {
	if id, ok := storedClientID(c); ok {
		return id
	}
	return anonymousClient
}

func storedClientID(c *gin.Context) (string, bool) {
	v, _ := c.Get(ctxKeyClientID)
	id, _ := v.(string)
	return id, id != ""
}

// GetIdempotencyKey returns the validated idempotency key stored in the Gin
// context by IdempotencyValidator. The second return value indicates presence.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the lookup found the key already processed for
// this client.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. If nil, ^[A-Za-z0-9._~\-:]+$ is used.
	Pattern *regexp.Regexp
	// Required rejects requests without the header with 400.
	Required bool
}

// IdempotencyLookup answers whether key was already processed for the
// client scope at the given time. Errors are treated as "not found" so that
// a lookup failure never blocks a submission; the ledger remains the source
// of truth for duplicates.
type IdempotencyLookup func(ctx context.Context, scope, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator validates the Idempotency-Key header, stashes it in
// the request context and consults lookup.
//
// Behavior:
//   - Header absent: 400 when Required, otherwise a no-op.
//   - Header invalid: 400 with code "bad_idempotency_key".
//   - Lookup hit: sets the replay and rate-bypass flags.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" {
			if opts.Required {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"code":    "missing_idempotency_key",
					"message": "Idempotency-Key header is required",
				})
				return
			}
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
			})
			return
		}

		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			if exists, err := lookup(c.Request.Context(), ClientIDFrom(c), key, time.Now().UTC()); err == nil && exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}

		c.Next()
	}
}
