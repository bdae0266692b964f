// Package validation implements the gate every queued operation passes
// before it may be transmitted: content validation followed by the
// encryption transform. Both capabilities are pluggable so the gate can be
// exercised with fakes; StructureValidator, RuleValidator and Sealer are
// the built-in ones.
//
// A failure at the gate is permanent. Retrying an unchanged payload through
// an unchanged validator fails the same way, so callers poison the item.
package validation

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

// Validator checks a payload. It returns a *Rejection (or any error, which
// the gate wraps into one) when the payload must not be transmitted.
type Validator interface {
	Validate(ctx context.Context, kind domain.Kind, payload []byte) error
}

// Encryptor seals a payload. aad binds the ciphertext to the operation id.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error)
}

// Opener reverses Encryptor.
type Opener interface {
	Open(ctx context.Context, sealed, aad []byte) ([]byte, error)
}

// Stage names where in the gate a rejection happened.
type Stage string

const (
	StageValidate Stage = "validate"
	StageEncrypt  Stage = "encrypt"
)

// Rejection is a permanent gate failure.
type Rejection struct {
	Stage  Stage
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Reason == "" && r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Stage, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.Stage, r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Reject builds a validation-stage rejection.
func Reject(format string, args ...any) *Rejection {
	return &Rejection{Stage: StageValidate, Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is, or wraps, a *Rejection.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// Outcome is what the gate produced for one payload version.
type Outcome struct {
	Version     int
	AIValidated bool
	Encrypted   bool
	// Sealed is the ciphertext to transmit; nil when no encryptor is set.
	Sealed []byte
	// Cached is true when the version had already passed the gate.
	Cached bool
}

// Gate runs the validator then the encryptor. The zero value lets every
// payload through unvalidated and unencrypted.
type Gate struct {
	// Structure runs before Validator and is never skipped.
	Structure Validator
	Validator Validator
	Encryptor Encryptor
	// SkipAI bypasses the validator; the bypass counts as passing, so
	// AIValidated is still reported true.
	SkipAI bool
}

// Prepare runs the gate for item's current payload version. A version that
// already passed is not run again: the stored outcome is returned instead.
func (g *Gate) Prepare(ctx context.Context, item domain.QueueItem) (Outcome, error) {
	if item.GatedVersion == item.PayloadVersion && item.PayloadVersion > 0 {
		return Outcome{
			Version:     item.PayloadVersion,
			AIValidated: item.AIValidated,
			Encrypted:   item.Encrypted,
			Sealed:      item.Sealed,
			Cached:      true,
		}, nil
	}

	tr := otel.Tracer("validation/Gate")
	ctx, span := tr.Start(ctx, "Prepare",
		trace.WithAttributes(
			attribute.String("queue.id", item.ID),
			attribute.Int("payload.version", item.PayloadVersion),
		),
	)
	defer span.End()

	out := Outcome{Version: item.PayloadVersion}

	if g.Structure != nil {
		if err := g.Structure.Validate(ctx, item.Kind, item.Payload); err != nil {
			return Outcome{}, asRejection(StageValidate, err)
		}
	}
	switch {
	case g.SkipAI:
		out.AIValidated = true
	case g.Validator != nil:
		if err := g.Validator.Validate(ctx, item.Kind, item.Payload); err != nil {
			return Outcome{}, asRejection(StageValidate, err)
		}
		out.AIValidated = true
	}

	if g.Encryptor != nil {
		sealed, err := g.Encryptor.Encrypt(ctx, item.Payload, []byte(item.ID))
		if err != nil {
			return Outcome{}, asRejection(StageEncrypt, err)
		}
		out.Sealed = sealed
		out.Encrypted = true
	}
	span.SetAttributes(attribute.Bool("ai_validated", out.AIValidated), attribute.Bool("encrypted", out.Encrypted))
	return out, nil
}

func asRejection(stage Stage, err error) *Rejection {
	var r *Rejection
	if errors.As(err, &r) {
		if r.Stage == "" {
			r.Stage = stage
		}
		return r
	}
	return &Rejection{Stage: stage, Err: err}
}
