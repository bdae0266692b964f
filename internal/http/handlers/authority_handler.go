// Reference authority handlers.
//
//   - POST /v1/operations                    (accept, deduplicate or reject a submission)
//   - GET  /v1/targets/{target}/operations   (ledger of a target in authority order)
//
// The authority is the system of record the sync engine drains into. Each
// accepted operation is appended to the ledger with the next dense order of
// its target. Idempotency is enforced twice: by the per-client idempotency
// record the middleware consults, and by the unique idempotency key of the
// ledger, which is authoritative.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/authority"
	"github.com/tbourn/go-offline-sync/internal/domain"
	"github.com/tbourn/go-offline-sync/internal/http/middleware"
	"github.com/tbourn/go-offline-sync/internal/repo"
	"github.com/tbourn/go-offline-sync/internal/validation"
)

// AuthorityHandlers serves the reference authority.
type AuthorityHandlers struct {
	DB *gorm.DB
	// Opener decrypts sealed submissions. Nil rejects every sealed one.
	Opener validation.Opener
	// Validator re-checks payloads; nil accepts any well-formed JSON.
	Validator validation.Validator
	// TTL is how long an idempotency record answers replays.
	TTL time.Duration
}

// ListOperationsResponse wraps a page of the ledger.
type ListOperationsResponse struct {
	Operations []domain.AuthorityOperation `json:"operations"`
	Pagination Pagination                  `json:"pagination"`
}

// SubmitOperation godoc
// @ID          submitOperation
// @Summary     Submit an operation
// @Description Accepts an operation and assigns it the next authority order of its target. A repeated idempotency id is answered as a duplicate with the original order.
// @Tags        Authority
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header    string                 true   "Idempotency id of the operation"
// @Param       X-Client-ID      header    string                 false  "Submitting device"
// @Param       body             body      authority.Submission  true   "Submission"
// @Success     201  {object}  authority.Ack  "Accepted"
// @Success     200  {object}  authority.Ack  "Duplicate"
// @Failure     400  {object}  handlers.ErrorResponse  "Missing or malformed Idempotency-Key"
// @Failure     422  {object}  authority.Ack  "Rejected"
// @Failure     500  {object}  handlers.ErrorResponse  "Ledger error"
// @Router      /v1/operations [post]
func (h *AuthorityHandlers) SubmitOperation(c *gin.Context) {
	ctx := c.Request.Context()
	key, _ := middleware.GetIdempotencyKey(c)

	if middleware.IsReplay(c) {
		if op, err := repo.GetOperationByKey(ctx, h.DB, key); err == nil {
			duplicate(c, op)
			return
		}
		// Record outlived its operation; fall through and let the ledger decide.
	}

	var sub authority.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		reject(c, "malformed submission")
		return
	}
	if reason := checkEnvelope(sub, key); reason != "" {
		reject(c, reason)
		return
	}

	payload := []byte(sub.Payload)
	if sub.Encrypted {
		if h.Opener == nil {
			reject(c, "encrypted submissions are not accepted")
			return
		}
		pt, err := h.Opener.Open(ctx, sub.Sealed, []byte(sub.IdempotencyID))
		if err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Str("idempotency_id", key).Msg("unseal failed")
			reject(c, "sealed payload cannot be opened")
			return
		}
		payload = pt
	}
	if !json.Valid(payload) {
		reject(c, "payload is not valid JSON")
		return
	}
	if h.Validator != nil {
		if err := h.Validator.Validate(ctx, sub.Kind, payload); err != nil {
			reject(c, err.Error())
			return
		}
	}

	op, prev, err := h.record(ctx, middleware.ClientIDFrom(c), key, sub, payload)
	switch {
	case err != nil:
		middleware.LoggerFrom(c).Error().Err(err).Str("idempotency_id", key).Msg("ledger write failed")
		fail(c, http.StatusInternalServerError, ErrCodeLedgerFailed, "could not record operation")
		return
	case prev != nil:
		duplicate(c, prev)
		return
	}

	middleware.LoggerFrom(c).Info().
		Str("idempotency_id", key).
		Str("target", op.Target).
		Int64("authority_order", op.AuthorityOrder).
		Msg("operation accepted")
	order := op.AuthorityOrder
	c.JSON(http.StatusCreated, authority.Ack{Status: authority.StatusAccepted, AuthorityOrder: &order})
}

// ListOperations godoc
// @ID          listOperations
// @Summary     Ledger of a target
// @Tags        Authority
// @Produce     json
// @Param       target     path   string  true   "Session or wallet id"
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(100)
// @Success     200  {object}  handlers.ListOperationsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Ledger error"
// @Router      /v1/targets/{target}/operations [get]
func (h *AuthorityHandlers) ListOperations(c *gin.Context) {
	ctx := c.Request.Context()
	target := c.Param("target")
	page, pageSize := clampPagination(c, 100)

	var total int64
	if err := h.DB.WithContext(ctx).Model(&domain.AuthorityOperation{}).Where("target = ?", target).Count(&total).Error; err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeLedgerFailed, "could not count operations")
		return
	}
	ops, err := repo.ListOperations(ctx, h.DB, target, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeLedgerFailed, "could not list operations")
		return
	}
	if ops == nil {
		ops = []domain.AuthorityOperation{}
	}
	ok(c, http.StatusOK, ListOperationsResponse{Operations: ops, Pagination: newPagination(page, pageSize, total)})
}

// SeenKey reports whether client scope already submitted key inside the TTL
// window. It is the lookup behind middleware.IdempotencyValidator.
func (h *AuthorityHandlers) SeenKey(ctx context.Context, scope, key string, now time.Time) (bool, error) {
	_, err := repo.GetIdempotency(ctx, h.DB, scope, key, now)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repo.ErrNotFound):
		return false, nil
	}
	return false, err
}

// record appends the operation and its idempotency record in one
// transaction. When the key is already in the ledger it returns the earlier
// operation as prev. Two new operations racing for the same target order
// collide on the unique order index; the loser retries with the next order.
func (h *AuthorityHandlers) record(ctx context.Context, scope, key string, sub authority.Submission, payload []byte) (op, prev *domain.AuthorityOperation, err error) {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		err = h.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			op, err = repo.AppendOperation(ctx, tx, key, sub.Kind, sub.Target, payload, sub.Encrypted)
			if err != nil {
				return err
			}
			_, err = repo.CreateIdempotency(ctx, tx, scope, key, op.ID, http.StatusCreated, h.ttl())
			if errors.Is(err, repo.ErrDuplicate) {
				// Expired record not yet purged; the ledger row is what counts.
				return nil
			}
			return err
		})
		if !errors.Is(err, repo.ErrDuplicate) {
			return op, nil, err
		}
		prev, gerr := repo.GetOperationByKey(ctx, h.DB, key)
		if gerr == nil {
			return nil, prev, nil
		}
		if !errors.Is(gerr, repo.ErrNotFound) {
			return nil, nil, gerr
		}
	}
	return nil, nil, err
}

func (h *AuthorityHandlers) ttl() time.Duration {
	if h.TTL <= 0 {
		return 24 * time.Hour
	}
	return h.TTL
}

// checkEnvelope returns a rejection reason, or "" when the envelope is usable.
func checkEnvelope(sub authority.Submission, key string) string {
	switch {
	case !sub.Kind.Valid():
		return "unknown kind " + string(sub.Kind)
	case strings.TrimSpace(sub.Target) == "":
		return "target is required"
	case sub.IdempotencyID != key:
		return "idempotency_id does not match Idempotency-Key"
	case sub.Encrypted && len(sub.Sealed) == 0:
		return "sealed payload is missing"
	case !sub.Encrypted && len(sub.Payload) == 0:
		return "payload is missing"
	}
	return ""
}

func duplicate(c *gin.Context, op *domain.AuthorityOperation) {
	order := op.AuthorityOrder
	c.JSON(http.StatusOK, authority.Ack{Status: authority.StatusDuplicate, AuthorityOrder: &order})
}

func reject(c *gin.Context, reason string) {
	middleware.LoggerFrom(c).Warn().Str("reason", reason).Msg("operation rejected")
	c.JSON(http.StatusUnprocessableEntity, authority.Ack{Status: authority.StatusRejected, Reason: reason})
}
