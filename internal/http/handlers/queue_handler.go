// Queue HTTP handlers.
//
// This file exposes the outbox:
//   - POST   /queue                 (enqueue an operation)
//   - GET    /queue                 (list items, filter by status/kind/target)
//   - GET    /queue/stats           (counts by status)
//   - GET    /queue/{id}            (item detail including payload)
//   - POST   /queue/{id}/resubmit   (return a poisoned item to the queue)
//   - DELETE /queue/{id}            (clear a poisoned item)
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-offline-sync/internal/domain"
	"github.com/tbourn/go-offline-sync/internal/http/middleware"
	"github.com/tbourn/go-offline-sync/internal/repo"
)

//
// DTOs
//

// EnqueueRequest is the JSON payload for queueing an operation.
type EnqueueRequest struct {
	// Kind is message, transaction or walletUpdate.
	Kind domain.Kind `json:"kind" binding:"required" example:"transaction"`
	// Payload is the kind-specific document.
	Payload json.RawMessage `json:"payload" binding:"required" swaggertype:"object"`
}

// ResubmitRequest optionally replaces the payload of a poisoned item.
type ResubmitRequest struct {
	Payload json.RawMessage `json:"payload,omitempty" swaggertype:"object"`
}

// QueueItemDetail is a queue item together with its payload.
type QueueItemDetail struct {
	domain.QueueItem
	Payload json.RawMessage `json:"payload" swaggertype:"object"`
}

// ListQueueResponse wraps a page of queue items.
type ListQueueResponse struct {
	Items      []domain.QueueItem `json:"items"`
	Pagination Pagination         `json:"pagination"`
}

// QueueStatsResponse counts items per status.
type QueueStatsResponse struct {
	Counts map[domain.Status]int64 `json:"counts"`
	Total  int64                   `json:"total"`
}

//
// Handlers
//

// Enqueue godoc
// @ID          enqueueOperation
// @Summary     Queue an operation
// @Description Validates and stores an operation locally. It is transmitted to the authority when connectivity allows.
// @Tags        Queue
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.EnqueueRequest  true  "Operation"
// @Success     202   {object}  domain.QueueItem
// @Failure     400   {object}  handlers.ErrorResponse  "Invalid kind or payload"
// @Failure     413   {object}  handlers.ErrorResponse  "Message too long"
// @Failure     500   {object}  handlers.ErrorResponse  "Internal error"
// @Router      /queue [post]
func (h *Handlers) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "kind and payload are required")
		return
	}
	item, err := h.outbox.Enqueue(c.Request.Context(), req.Kind, req.Payload)
	if err != nil {
		failErr(c, err, ErrCodeEnqueueFailed)
		return
	}
	middleware.LoggerFrom(c).Debug().Str("queue_id", item.ID).Msg("enqueued")
	ok(c, http.StatusAccepted, item)
}

// ListQueue godoc
// @ID          listQueue
// @Summary     List queue items
// @Description Returns queue items in enqueue order. Poisoned items stay here until cleared or resubmitted.
// @Tags        Queue
// @Produce     json
// @Param       status     query  string  false  "Comma-separated statuses"  example(poisoned,failed)
// @Param       kind       query  string  false  "Operation kind"
// @Param       target     query  string  false  "Session or wallet id"
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(50)
// @Success     200  {object}  handlers.ListQueueResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown status or kind"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /queue [get]
func (h *Handlers) ListQueue(c *gin.Context) {
	page, pageSize := clampPagination(c, 50)
	f := repo.QueueFilter{
		Target: strings.TrimSpace(c.Query("target")),
		Offset: (page - 1) * pageSize,
		Limit:  pageSize,
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := domain.Status(strings.TrimSpace(s))
			if !st.Valid() {
				fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown status "+string(st))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := strings.TrimSpace(c.Query("kind")); raw != "" {
		f.Kind = domain.Kind(raw)
		if !f.Kind.Valid() {
			fail(c, http.StatusBadRequest, ErrCodeInvalidKind, "unknown kind "+raw)
			return
		}
	}

	items, total, err := h.outbox.List(c.Request.Context(), f)
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	if items == nil {
		items = []domain.QueueItem{}
	}
	ok(c, http.StatusOK, ListQueueResponse{Items: items, Pagination: newPagination(page, pageSize, total)})
}

// QueueStats godoc
// @ID          queueStats
// @Summary     Queue counts by status
// @Tags        Queue
// @Produce     json
// @Success     200  {object}  handlers.QueueStatsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /queue/stats [get]
func (h *Handlers) QueueStats(c *gin.Context) {
	counts, err := h.outbox.Stats(c.Request.Context())
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	resp := QueueStatsResponse{Counts: map[domain.Status]int64{}}
	for _, st := range []domain.Status{domain.StatusPending, domain.StatusInFlight, domain.StatusFailed, domain.StatusPoisoned, domain.StatusConfirmed} {
		resp.Counts[st] = counts[st]
		resp.Total += counts[st]
	}
	ok(c, http.StatusOK, resp)
}

// GetQueueItem godoc
// @ID          getQueueItem
// @Summary     Queue item detail
// @Tags        Queue
// @Produce     json
// @Param       id   path      string  true  "Queue item id"
// @Success     200  {object}  handlers.QueueItemDetail
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Router      /queue/{id} [get]
func (h *Handlers) GetQueueItem(c *gin.Context) {
	item, err := h.outbox.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, QueueItemDetail{QueueItem: *item, Payload: json.RawMessage(item.Payload)})
}

// ResubmitQueueItem godoc
// @ID          resubmitQueueItem
// @Summary     Resubmit a poisoned item
// @Description Returns a poisoned item to the queue with its retry count reset. An edited payload must keep the same session or wallet.
// @Tags        Queue
// @Accept      json
// @Produce     json
// @Param       id    path      string                    true   "Queue item id"
// @Param       body  body      handlers.ResubmitRequest  false  "Optional edited payload"
// @Success     200   {object}  domain.QueueItem
// @Failure     400   {object}  handlers.ErrorResponse  "Invalid payload"
// @Failure     404   {object}  handlers.ErrorResponse  "Not found"
// @Failure     409   {object}  handlers.ErrorResponse  "Not poisoned or target changed"
// @Router      /queue/{id}/resubmit [post]
func (h *Handlers) ResubmitQueueItem(c *gin.Context) {
	var req ResubmitRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	item, err := h.outbox.Resubmit(c.Request.Context(), c.Param("id"), req.Payload)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, item)
}

// ClearQueueItem godoc
// @ID          clearQueueItem
// @Summary     Clear a poisoned item
// @Tags        Queue
// @Param       id   path  string  true  "Queue item id"
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Not poisoned"
// @Router      /queue/{id} [delete]
func (h *Handlers) ClearQueueItem(c *gin.Context) {
	if err := h.outbox.Clear(c.Request.Context(), c.Param("id")); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
