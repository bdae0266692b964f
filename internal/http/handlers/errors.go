// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable: clients branch on them, while
// the message is for humans. Every error response carries one of them in
// the ErrorResponse envelope:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "not_poisoned",
//	  "message": "queue item is not poisoned"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Outbox:
	ErrCodeInvalidKind    = "invalid_kind"
	ErrCodeInvalidPayload = "invalid_payload"
	ErrCodeTooLong        = "content_too_long"
	ErrCodeNotPoisoned    = "not_poisoned"
	ErrCodeTargetChanged  = "target_changed"
	ErrCodeCurrency       = "currency_mismatch"
	ErrCodeEnqueueFailed  = "enqueue_failed"
	ErrCodeListFailed     = "list_failed"

	// Sync engine:
	ErrCodeOffline    = "offline"
	ErrCodeSyncFailed = "sync_failed"

	// Reference authority:
	ErrCodeLedgerFailed = "ledger_failed"
)
