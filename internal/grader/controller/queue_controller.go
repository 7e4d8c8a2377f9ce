package controller

import (
	"context"
	"strconv"

	"codegrader/internal/grader/queue"
	"codegrader/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const maxLedgerEntries = 100

// LedgerReader lists retained job outcomes.
type LedgerReader interface {
	Recent(ctx context.Context, queueName, outcome string, n int64) ([]queue.LedgerEntry, error)
}

// QueueController exposes the retained completed and failed jobs of each queue.
type QueueController struct {
	ledger LedgerReader
}

// NewQueueController creates a new controller.
func NewQueueController(ledger LedgerReader) *QueueController {
	return &QueueController{ledger: ledger}
}

// ListJobs handles GET /queues/:name/jobs?outcome=failed&limit=20.
func (h *QueueController) ListJobs(c *gin.Context) {
	name := c.Param("name")
	outcome := c.DefaultQuery("outcome", "failed")
	if outcome != "failed" && outcome != "completed" {
		response.BadRequest(c, "outcome must be completed or failed")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		response.BadRequest(c, "invalid limit")
		return
	}
	if limit > maxLedgerEntries {
		limit = maxLedgerEntries
	}
	entries, err := h.ledger.Recent(c.Request.Context(), name, outcome, int64(limit))
	if err != nil {
		response.Error(c, err)
		return
	}
	if entries == nil {
		entries = []queue.LedgerEntry{}
	}
	response.Success(c, entries)
}
