package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to an authority over HTTP.
//
//	POST {base}/v1/operations   Idempotency-Key: <id>   body: Submission
//	  201 accepted, 200 duplicate, 422 rejected   body: Ack
//	GET  {base}/health
type Client struct {
	BaseURL  string
	HTTP     *http.Client
	ClientID string // sent as X-Client-ID, keys the server's rate limiter
}

// NewClient returns a client for baseURL with the given request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// maxAckBytes bounds how much of a response body is read.
const maxAckBytes = 1 << 20

// Submit implements Submitter. Transport failures, non-JSON bodies and
// transient status codes come back as transient *Error values; a rejected
// ack comes back together with a permanent *Error.
func (c *Client) Submit(ctx context.Context, s Submission) (Ack, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return Ack{}, &Error{Class: Permanent, Err: fmt.Errorf("encode submission: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/operations", bytes.NewReader(body))
	if err != nil {
		return Ack{}, &Error{Class: Permanent, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", s.IdempotencyID)
	if c.ClientID != "" {
		req.Header.Set("X-Client-ID", c.ClientID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Ack{}, &Error{Class: Transient, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
	if err != nil {
		return Ack{}, &Error{Class: Transient, StatusCode: resp.StatusCode, Err: err}
	}

	var ack Ack
	decodeErr := json.Unmarshal(data, &ack)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if decodeErr != nil {
			return Ack{}, &Error{Class: Transient, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode ack: %w", decodeErr)}
		}
		switch ack.Status {
		case StatusAccepted, StatusDuplicate:
			return ack, nil
		case StatusRejected:
			return ack, Rejected(ack.Reason)
		}
		return Ack{}, &Error{Class: Transient, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("unknown ack status %q", ack.Status)}
	}

	reason := ack.Reason
	if reason == "" {
		var env struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &env) == nil {
			reason = env.Message
		}
	}
	if ack.Status == StatusRejected {
		return ack, &Error{Class: Permanent, StatusCode: resp.StatusCode, Reason: reason, Err: ErrRejected}
	}
	return Ack{}, &Error{
		Class:      ClassForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Reason:     reason,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// Ping implements Pinger.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &Error{Class: Transient, Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxAckBytes))
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &Error{Class: ClassForStatus(resp.StatusCode), StatusCode: resp.StatusCode}
	}
	return nil
}
