// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger of the device's
// projection API. Bodies are never logged, so message content and amounts
// stay out of the logs. Query strings and header values are scrubbed of
// identifiers a wallet or chat could leak (UUIDs, e-mail addresses, account
// numbers, phone numbers), and credential headers and the device identifier
// are masked outright.
package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures additional scrub behavior for RedactingLogger.
//
// MaskHeaders names extra headers whose values are replaced with
// "[REDACTED]". Matching is case-insensitive; Authorization, Cookie,
// Set-Cookie and X-Client-ID are always masked.
type RedactOptions struct {
	MaskHeaders []string
}

// scrubRule replaces every match of re with label.
type scrubRule struct {
	re    *regexp.Regexp
	label string
}

// Rules run in order: ids and account numbers go before phone numbers so
// that the phone pattern never eats part of them.
var scrubRules = []scrubRule{
	{regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`), "[REDACTED:id]"},
	{regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`), "[REDACTED:email]"},
	{regexp.MustCompile(`\b\d{12,19}\b`), "[REDACTED:account]"},
	{regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`), "[REDACTED:phone]"},
}

func scrub(s string) string {
	for _, r := range scrubRules {
		if s == "" {
			return s
		}
		s = r.re.ReplaceAllString(s, r.label)
	}
	return s
}

// scrubHeaders flattens h, masking the headers in mask and scrubbing the rest.
func scrubHeaders(h http.Header, mask map[string]struct{}) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := mask[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = scrub(strings.Join(vv, ", "))
	}
	return out
}

// RedactingLogger logs one line per request at the level chosen by levelFor
// and attaches the request-scoped logger read by LoggerFrom.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	mask := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
		"x-client-id":   {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			mask[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		rid := RequestIDFrom(c)
		for _, fallback := range []string{c.Writer.Header().Get(requestIDHeader), c.GetHeader(requestIDHeader)} {
			if rid == "" {
				rid = fallback
			}
		}

		scoped := log.With().
			Str("request_id", rid).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		c.Set(ctxKeyLogger, &scoped)

		query := scrub(c.Request.URL.RawQuery)
		headers := scrubHeaders(c.Request.Header, mask)

		c.Next()

		status := c.Writer.Status()
		ev := scoped.WithLevel(levelFor(status, len(c.Errors) > 0)).
			Str("query", query).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers)
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Msg("http_request")
	}
}
