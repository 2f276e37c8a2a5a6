package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/exam-normalization-api/internal/dto"
	"github.com/noah-isme/exam-normalization-api/internal/models"
	appErrors "github.com/noah-isme/exam-normalization-api/pkg/errors"
	"github.com/noah-isme/exam-normalization-api/pkg/response"
)

type submissionService interface {
	Ingest(ctx context.Context, examID string, req models.ParsedSubmission) (*models.SubmissionReceipt, error)
	Get(ctx context.Context, submissionID string) (*models.Submission, error)
	CorrectRawScore(ctx context.Context, submissionID string, rawScore float64) (*models.Submission, error)
	Delete(ctx context.Context, submissionID string) error
}

// SubmissionHandler exposes submission intake and admin corrections.
type SubmissionHandler struct {
	service submissionService
}

// NewSubmissionHandler builds a new handler.
func NewSubmissionHandler(service submissionService) *SubmissionHandler {
	return &SubmissionHandler{service: service}
}

// Ingest godoc
// @Summary Submit a parsed response sheet
// @Tags Submissions
// @Accept json
// @Produce json
// @Param id path string true "Exam ID"
// @Param payload body models.ParsedSubmission true "Parsed sheet"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /exams/{id}/submissions [post]
func (h *SubmissionHandler) Ingest(c *gin.Context) {
	var req models.ParsedSubmission
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid submission payload"))
		return
	}
	receipt, err := h.service.Ingest(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, receipt)
}

// Get godoc
// @Summary Get a submission
// @Tags Submissions
// @Produce json
// @Param id path string true "Submission ID"
// @Success 200 {object} response.Envelope
// @Router /submissions/{id} [get]
func (h *SubmissionHandler) Get(c *gin.Context) {
	sub, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sub, nil)
}

// CorrectRawScore godoc
// @Summary Correct a submission's raw score
// @Tags Submissions
// @Accept json
// @Produce json
// @Param id path string true "Submission ID"
// @Param payload body dto.CorrectRawScoreRequest true "Correction"
// @Success 200 {object} response.Envelope
// @Router /submissions/{id}/raw-score [patch]
func (h *SubmissionHandler) CorrectRawScore(c *gin.Context) {
	var req dto.CorrectRawScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid correction payload"))
		return
	}
	sub, err := h.service.CorrectRawScore(c.Request.Context(), c.Param("id"), *req.RawScore)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sub, nil)
}

// Delete godoc
// @Summary Delete a submission
// @Tags Submissions
// @Param id path string true "Submission ID"
// @Success 204
// @Router /submissions/{id} [delete]
func (h *SubmissionHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
