// Package services defines the application logic on top of the sync core:
// accepting operations into the outbox, and reading the session and wallet
// projections. This file centralizes common service-level error values so
// that they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

// Outbox errors.
var (
	// ErrInvalidKind is returned when an operation kind is not one of
	// message, transaction or walletUpdate.
	ErrInvalidKind = errors.New("unknown operation kind")

	// ErrInvalidPayload is returned when a payload cannot be decoded for its
	// kind or misses a required field.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrEmptyContent is returned when a message has no content after
	// normalisation.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrTooLong is returned when a message exceeds the configured maximum
	// length.
	ErrTooLong = errors.New("message content too long")

	// ErrInvalidAmount is returned for a zero transaction amount.
	ErrInvalidAmount = errors.New("amount must be non-zero")

	// ErrItemNotFound indicates that the requested queue item does not exist.
	ErrItemNotFound = errors.New("queue item not found")

	// ErrNotPoisoned is returned when resubmitting or clearing an item that
	// is not poisoned.
	ErrNotPoisoned = errors.New("queue item is not poisoned")

	// ErrTargetChanged is returned when an edited payload moves an item to
	// another session or wallet.
	ErrTargetChanged = errors.New("edited payload changes the target")

	// ErrCurrencyMismatch is returned when a transaction's currency differs
	// from the currency of the wallet's existing transactions.
	ErrCurrencyMismatch = errors.New("currency differs from the wallet currency")
)

// Projection errors.
var (
	// ErrSessionNotFound indicates that the requested chat session does not
	// exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrWalletNotFound indicates that nothing is known about the wallet.
	ErrWalletNotFound = errors.New("wallet not found")
)
