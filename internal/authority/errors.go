package authority

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Class is the retry class of a failure.
type Class int

const (
	// Transient failures are retried with backoff.
	Transient Class = iota
	// Permanent failures poison the item.
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified authority failure.
type Error struct {
	Class      Class
	StatusCode int    // HTTP status, 0 when not applicable
	Reason     string // authority-provided reason, if any
	// RetryAfter is the wait the authority asked for, zero when it gave none.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Reason != "":
		return fmt.Sprintf("authority: %d %s", e.StatusCode, e.Reason)
	case e.StatusCode != 0:
		return fmt.Sprintf("authority: status %d", e.StatusCode)
	case e.Reason != "":
		return "authority: " + e.Reason
	case e.Err != nil:
		return "authority: " + e.Err.Error()
	}
	return "authority: " + e.Class.String() + " failure"
}

func (e *Error) Unwrap() error { return e.Err }

// ErrRejected is wrapped by errors for rejected acknowledgments.
var ErrRejected = errors.New("rejected by authority")

// Rejected returns the permanent error for a rejected ack.
func Rejected(reason string) *Error {
	return &Error{Class: Permanent, Reason: reason, Err: ErrRejected}
}

// ClassForStatus maps an HTTP status to a class: request timeouts, too
// early, rate limiting and server errors are transient; other client errors
// are permanent.
func ClassForStatus(code int) Class {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return Transient
	case code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	}
	return Transient
}

// Classify returns the class of err. Classified *Error values keep their
// class. Everything else (timeouts, network errors, undecodable responses)
// is transient: a retry with the same idempotency id is always safe and the
// retry ceiling bounds it.
func Classify(err error) Class {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class
	}
	return Transient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool { return err != nil && Classify(err) == Permanent }

// RetryAfterOf returns the wait an authority failure asked for, or zero.
func RetryAfterOf(err error) time.Duration {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// parseRetryAfter reads a Retry-After value in delta seconds or as an HTTP
// date relative to now. Malformed or past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
