// Orphan queue HTTP handlers.
//
// This file exposes the read-only operational view of the orphan queue:
//   - GET /orphans/stats (current depth and oldest entry)
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// OrphanStatsResponse is the JSON body for GET /orphans/stats.
type OrphanStatsResponse struct {
	Depth          int64      `json:"depth"`
	OldestEnqueued *time.Time `json:"oldest_enqueued_at,omitempty"`
}

// GetOrphanStats handles GET /orphans/stats. The depth and age of the
// queue are the primary signals an operator watches: a growing depth with
// an aging head means enrollments are not being registered.
func (h *Handlers) GetOrphanStats(c *gin.Context) {
	depth, oldest, err := h.orphanStats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to read orphan stats")
		return
	}
	ok(c, http.StatusOK, OrphanStatsResponse{Depth: depth, OldestEnqueued: oldest})
}
