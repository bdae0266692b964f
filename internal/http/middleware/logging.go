// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides correlation ids, the authority server's access logger,
// and panic recovery:
//
//   - RequestID() reuses a well-formed X-Request-ID or generates one.
//   - Logger() writes one structured line per submission: which device sent
//     it, under which idempotency key, and whether it was answered as a
//     replay. The projection API uses RedactingLogger instead.
//   - Recovery() turns panics into the JSON 500 envelope.
//   - LoggerFrom() returns the request-scoped logger either logger attached.
//
// Order: RequestID, ClientID, Logger (or RedactingLogger), Recovery.
package middleware

import (
	"net/http"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	ctxKeyLogger    = "logger"
)

// requestIDPattern bounds what an incoming X-Request-ID may look like
// before it is echoed and logged.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,128}$`)

// RequestID propagates a well-formed incoming X-Request-ID, otherwise
// generates a UUIDv4, and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if !requestIDPattern.MatchString(rid) {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// RequestIDFrom returns the correlation id of the request, or "".
func RequestIDFrom(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	return asString(v)
}

// Logger attaches a request-scoped logger and writes the access line once
// the handler chain has finished.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx := log.With().
			Str("request_id", RequestIDFrom(c)).
			Str("client_id", ClientIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", route).
			Str("remote_ip", c.ClientIP())
		if key := c.GetHeader(HeaderIdempotencyKey); key != "" {
			ctx = ctx.Str("idempotency_key", truncate(key, 200))
		}
		l := ctx.Logger()
		c.Set(ctxKeyLogger, &l)

		c.Next()

		status := c.Writer.Status()
		ev := l.WithLevel(levelFor(status, len(c.Errors) > 0)).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Bool("replay", IsRateBypass(c))
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Msg("request")
	}
}

// levelFor maps a finished request to a log level: handler errors and 5xx
// are errors, other 4xx are warnings.
func levelFor(status int, handlerErrors bool) zerolog.Level {
	switch {
	case handlerErrors, status >= 500:
		return zerolog.ErrorLevel
	case status >= 400:
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

// Recovery logs a panic with its stack and, when nothing was written yet,
// answers with the internal_error envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := RequestIDFrom(c)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global logger when
// none was attached.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(ctxKeyLogger); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// truncate cuts s to max bytes and appends an ellipsis; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
