// Package handlers provides the HTTP handlers of the local projection API
// and of the reference authority.
//
// This file defines the response helpers every endpoint uses: fail writes
// the ErrorResponse envelope (and logs 5xx with the request-scoped logger),
// ok writes JSON, noContent writes 204.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-offline-sync/internal/http/middleware"
	"github.com/tbourn/go-offline-sync/internal/services"
	"github.com/tbourn/go-offline-sync/internal/syncer"
)

// ErrorResponse is the body of every non-2xx answer from either server.
type ErrorResponse struct {
	// Copied from the X-Request-ID response header
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// One of the ErrCode constants; clients branch on it
	Code string `json:"code" example:"not_poisoned"`
	// For humans, never parsed
	Message string `json:"message" example:"queue item is not poisoned"`
}

// fail aborts with an ErrorResponse. Server-side failures (>= 500) are also
// logged on the request-scoped logger so they can be found by request id.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("request failed")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail, used by the router for 404 and 405.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr maps service and engine errors to a status and code. Anything
// unrecognised is a 500 with fallbackCode.
func failErr(c *gin.Context, err error, fallbackCode string) {
	switch {
	case errors.Is(err, services.ErrInvalidKind):
		fail(c, http.StatusBadRequest, ErrCodeInvalidKind, err.Error())
	case errors.Is(err, services.ErrInvalidPayload),
		errors.Is(err, services.ErrEmptyContent),
		errors.Is(err, services.ErrInvalidAmount):
		fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, err.Error())
	case errors.Is(err, services.ErrTooLong):
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLong, err.Error())
	case errors.Is(err, services.ErrItemNotFound),
		errors.Is(err, services.ErrSessionNotFound),
		errors.Is(err, services.ErrWalletNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrNotPoisoned):
		fail(c, http.StatusConflict, ErrCodeNotPoisoned, err.Error())
	case errors.Is(err, services.ErrTargetChanged):
		fail(c, http.StatusConflict, ErrCodeTargetChanged, err.Error())
	case errors.Is(err, services.ErrCurrencyMismatch):
		fail(c, http.StatusConflict, ErrCodeCurrency, err.Error())
	case errors.Is(err, syncer.ErrOffline):
		fail(c, http.StatusServiceUnavailable, ErrCodeOffline, err.Error())
	default:
		fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}

// ok writes body as JSON with status.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes 204.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
