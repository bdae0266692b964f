package queue

import "errors"

var (
	// ErrNotFound indicates that no queue item has the requested id.
	ErrNotFound = errors.New("queue item not found")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the item's current, non-terminal status.
	ErrInvalidTransition = errors.New("invalid queue transition")

	// ErrNotPoisoned is returned by Resubmit and Clear for items that are
	// not poisoned.
	ErrNotPoisoned = errors.New("queue item is not poisoned")

	// ErrInvalidKind is returned when enqueueing an unknown kind.
	ErrInvalidKind = errors.New("invalid kind")

	// ErrInvalidPayload is returned when the payload is empty or not JSON.
	ErrInvalidPayload = errors.New("payload must be a JSON document")

	// ErrTargetChanged is returned when an edited payload would move the item
	// to another session or wallet.
	ErrTargetChanged = errors.New("edited payload changes the target")
)
