// Dead-letter HTTP handlers.
//
// This file exposes the operator API over terminally failed events:
//   - GET  /dead-letters             (list, filtered and paginated)
//   - POST /dead-letters/{id}/replay (re-inject one entry)
//   - POST /dead-letters/{id}/ignore (mark one entry as noise)
//
// Handlers validate input, delegate to the dead-letter service, and
// translate service errors into HTTP results.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/domain"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/repo"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/services"
	"github.com/OmarA1-Bakri/sales-automation-mcp-sub003/internal/utils"
)

// Pagination carries paging metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalItems int64 `json:"total_items"`
}

// DeadLetterListResponse is the JSON body for GET /dead-letters.
type DeadLetterListResponse struct {
	Items      []domain.DeadLetterEntry `json:"items"`
	Pagination Pagination               `json:"pagination"`
}

// ListDeadLetters handles GET /dead-letters.
//
// Query parameters: status, provider, from, to (RFC 3339), page, page_size.
func (h *Handlers) ListDeadLetters(c *gin.Context) {
	f := repo.DeadLetterFilter{
		Status:   c.Query("status"),
		Provider: c.Query("provider"),
	}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "from must be RFC 3339")
			return
		}
		f.From = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "to must be RFC 3339")
			return
		}
		f.To = t
	}

	page, pageSize := utils.PageWindow(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), 20),
		100,
	)

	items, total, err := h.deadLetters.List(c.Request.Context(), f, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to list dead letters")
		return
	}
	if items == nil {
		items = []domain.DeadLetterEntry{}
	}
	ok(c, http.StatusOK, DeadLetterListResponse{
		Items: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			TotalItems: total,
		},
	})
}

// ReplayDeadLetter handles POST /dead-letters/{id}/replay.
//
// Replay runs the entry back through the pipeline. A 200 response carries
// the refreshed entry; its status tells the operator whether the replay
// landed (replayed) or failed again (failed, with a fresh failure reason).
func (h *Handlers) ReplayDeadLetter(c *gin.Context) {
	entry, err := h.deadLetters.Replay(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrDeadLetterNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "dead letter entry not found")
		case errors.Is(err, services.ErrDeadLetterNotReplayable):
			fail(c, http.StatusConflict, ErrCodeNotReplayable, "entry is not in a replayable state")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "replay failed")
		}
		return
	}
	ok(c, http.StatusOK, entry)
}

// IgnoreDeadLetter handles POST /dead-letters/{id}/ignore.
func (h *Handlers) IgnoreDeadLetter(c *gin.Context) {
	entry, err := h.deadLetters.Ignore(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrDeadLetterNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "dead letter entry not found")
		case errors.Is(err, services.ErrDeadLetterNotReplayable):
			fail(c, http.StatusConflict, ErrCodeNotReplayable, "entry is not in an ignorable state")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "ignore failed")
		}
		return
	}
	ok(c, http.StatusOK, entry)
}
