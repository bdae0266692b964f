// Sync engine HTTP handlers.
//
//   - PUT  /connectivity   (report connectivity to the engine)
//   - POST /sync           (run one drain now and return its report)
//   - GET  /sync/status    (engine snapshot)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ConnectivityRequest reports whether the authority is reachable.
type ConnectivityRequest struct {
	Online *bool `json:"online" binding:"required" example:"true"`
}

// SetConnectivity godoc
// @ID          setConnectivity
// @Summary     Report connectivity
// @Description Going online recovers in-flight items and triggers a drain. Going offline pauses transmission.
// @Tags        Sync
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.ConnectivityRequest  true  "Connectivity"
// @Success     200   {object}  syncer.Status
// @Failure     400   {object}  handlers.ErrorResponse  "online is required"
// @Router      /connectivity [put]
func (h *Handlers) SetConnectivity(c *gin.Context) {
	var req ConnectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "online (bool) is required")
		return
	}
	h.engine.SetOnline(*req.Online)
	ok(c, http.StatusOK, h.engine.Status())
}

// Sync godoc
// @ID          syncNow
// @Summary     Drain the queue now
// @Description Runs one drain pass and returns its report. Lanes that are waiting for backoff are reported as blocked.
// @Tags        Sync
// @Produce     json
// @Success     200  {object}  syncer.Report
// @Failure     503  {object}  handlers.ErrorResponse  "Offline"
// @Failure     500  {object}  handlers.ErrorResponse  "Storage error"
// @Router      /sync [post]
func (h *Handlers) Sync(c *gin.Context) {
	rep, err := h.engine.DrainOnce(c.Request.Context())
	if err != nil {
		failErr(c, err, ErrCodeSyncFailed)
		return
	}
	ok(c, http.StatusOK, rep)
}

// SyncStatus godoc
// @ID          syncStatus
// @Summary     Engine status
// @Tags        Sync
// @Produce     json
// @Success     200  {object}  syncer.Status
// @Router      /sync/status [get]
func (h *Handlers) SyncStatus(c *gin.Context) {
	ok(c, http.StatusOK, h.engine.Status())
}
