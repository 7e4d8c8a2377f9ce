package controller

import (
	"context"

	"codegrader/internal/grader/model"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Dispatcher is the producer surface the controller drives.
type Dispatcher interface {
	SubmitRun(ctx context.Context, req model.RunRequest) (string, error)
	SubmitSubmission(ctx context.Context, req model.SubmissionRequest) (string, error)
	Status(ctx context.Context, jobID string) (model.StatusSnapshot, error)
}

// GraderController handles run, submission and status requests.
type GraderController struct {
	dispatcher Dispatcher
}

// NewGraderController creates a new controller.
func NewGraderController(dispatcher Dispatcher) *GraderController {
	return &GraderController{dispatcher: dispatcher}
}

type runAccepted struct {
	RunID  string       `json:"runId"`
	Status model.Status `json:"status"`
}

type submissionAccepted struct {
	SubmissionID string       `json:"submissionId"`
	Status       model.Status `json:"status"`
}

// CreateRun enqueues a trial run.
func (h *GraderController) CreateRun(c *gin.Context) {
	var req model.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.InvalidFormat, "invalid run request"))
		return
	}
	id, err := h.dispatcher.SubmitRun(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, runAccepted{RunID: id, Status: model.StatusQueued})
}

// CreateSubmission enqueues an official submission.
func (h *GraderController) CreateSubmission(c *gin.Context) {
	var req model.SubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.InvalidFormat, "invalid submission request"))
		return
	}
	id, err := h.dispatcher.SubmitSubmission(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, submissionAccepted{SubmissionID: id, Status: model.StatusQueued})
}

// GetStatus returns the latest snapshot of a run or submission.
func (h *GraderController) GetStatus(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return
	}
	snap, err := h.dispatcher.Status(c.Request.Context(), jobID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, snap)
}
