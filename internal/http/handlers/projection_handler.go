// Projection read handlers.
//
//   - GET /sessions                 (chat sessions, most recent first)
//   - GET /sessions/{id}/messages   (paginated messages, conditional via ETag)
//   - GET /wallets/{id}             (wallet view, conditional via ETag)
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

// ListSessionsResponse wraps the session list.
type ListSessionsResponse struct {
	Sessions []domain.ChatSession `json:"sessions"`
}

// ListMessagesResponse wraps a page of chat messages.
type ListMessagesResponse struct {
	Messages   []domain.ChatMessage `json:"messages"`
	Pagination Pagination           `json:"pagination"`
}

// ListSessions godoc
// @ID          listSessions
// @Summary     List chat sessions
// @Tags        Sessions
// @Produce     json
// @Success     200  {object}  handlers.ListSessionsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sessions [get]
func (h *Handlers) ListSessions(c *gin.Context) {
	out, err := h.sessions.List(c.Request.Context())
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListSessionsResponse{Sessions: out})
}

// ListSessionMessages godoc
// @ID          listSessionMessages
// @Summary     List messages of a session
// @Description Messages appear in creation order as soon as they are queued. Each carries the sync status of its queue item. Supports If-None-Match.
// @Tags        Sessions
// @Produce     json
// @Param       id             path    string  true   "Session id"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Param       If-None-Match  header  string  false  "ETag from a previous response"
// @Success     200  {object}  handlers.ListMessagesResponse
// @Success     304  {string}  string  "Not Modified"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sessions/{id}/messages [get]
func (h *Handlers) ListSessionMessages(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	page, pageSize := clampPagination(c, 20)

	if notModified(c, "session", id, func() (int64, *time.Time, error) { return h.sessions.Stats(ctx, id) }) {
		return
	}

	msgs, total, err := h.sessions.ListMessages(ctx, id, page, pageSize)
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: msgs, Pagination: newPagination(page, pageSize, total)})
}

// GetWallet godoc
// @ID          getWallet
// @Summary     Wallet view
// @Description Balance is derived from confirmed transactions only. Pending transactions are reported separately. Supports If-None-Match.
// @Tags        Wallets
// @Produce     json
// @Param       id             path    string  true   "Wallet id"
// @Param       If-None-Match  header  string  false  "ETag from a previous response"
// @Success     200  {object}  services.WalletView
// @Success     304  {string}  string  "Not Modified"
// @Failure     404  {object}  handlers.ErrorResponse  "Wallet not found"
// @Router      /wallets/{id} [get]
func (h *Handlers) GetWallet(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if notModified(c, "wallet", id, func() (int64, *time.Time, error) { return h.wallets.Stats(ctx, id) }) {
		return
	}

	v, err := h.wallets.View(ctx, id)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, v)
}
