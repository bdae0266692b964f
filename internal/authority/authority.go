// Package authority is the client side of the remote system of record. It
// defines the submission envelope and acknowledgment, classifies failures
// as transient or permanent, and provides an HTTP client plus an in-process
// authority used by tests and local runs.
package authority

import (
	"context"
	"encoding/json"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

// Status is the authority's verdict on a submission.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

// Submission is one transmission attempt of a queued operation. The same
// IdempotencyID is sent on every attempt of the same operation.
type Submission struct {
	IdempotencyID string          `json:"idempotency_id"`
	Kind          domain.Kind     `json:"kind"`
	Target        string          `json:"target"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	// Sealed carries the encrypted payload instead of Payload when
	// Encrypted is true.
	Sealed    []byte `json:"sealed,omitempty"`
	Encrypted bool   `json:"encrypted"`
}

// Ack is the authority's answer.
type Ack struct {
	Status         Status `json:"status"`
	AuthorityOrder *int64 `json:"authority_order,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Confirms reports whether the ack confirms the operation. A duplicate is
// as good as a fresh acceptance.
func (a Ack) Confirms() bool { return a.Status == StatusAccepted || a.Status == StatusDuplicate }

// Submitter transmits submissions.
type Submitter interface {
	Submit(ctx context.Context, s Submission) (Ack, error)
}

// Pinger checks reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
