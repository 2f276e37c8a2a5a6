package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/exam-normalization-api/internal/dto"
	"github.com/noah-isme/exam-normalization-api/internal/middleware"
	"github.com/noah-isme/exam-normalization-api/internal/models"
	"github.com/noah-isme/exam-normalization-api/internal/service"
	appErrors "github.com/noah-isme/exam-normalization-api/pkg/errors"
	"github.com/noah-isme/exam-normalization-api/pkg/response"
)

type batchRunner interface {
	TriggerBatch(ctx context.Context, examID string) (*models.NormalizationJob, error)
	ForceRenormalization(ctx context.Context, examID string) (*models.SignificanceReport, error)
	GetJob(ctx context.Context, jobID string) (*models.NormalizationJob, error)
	CancelJob(ctx context.Context, jobID string) (*models.NormalizationJob, error)
}

type significanceReader interface {
	CheckSignificance(ctx context.Context, examID string) (*models.SignificanceReport, error)
}

type statusProvider interface {
	Status(ctx context.Context, examID string) (*models.NormalizationStatus, bool, error)
	UpdateSettings(ctx context.Context, examID string, req service.UpdateSettingsRequest) (*models.Exam, error)
}

type rankRunner interface {
	RunRankCalculation(ctx context.Context, examID string) (int64, error)
	List(ctx context.Context, filter models.SubmissionFilter) ([]models.Submission, *models.Pagination, error)
}

// NormalizationHandler exposes the admin normalization and ranking endpoints.
type NormalizationHandler struct {
	batch        batchRunner
	significance significanceReader
	status       statusProvider
	ranks        rankRunner
}

// NewNormalizationHandler builds a new handler.
func NewNormalizationHandler(batch batchRunner, significance significanceReader, status statusProvider, ranks rankRunner) *NormalizationHandler {
	return &NormalizationHandler{batch: batch, significance: significance, status: status, ranks: ranks}
}

// Significance godoc
// @Summary Check drift since the last full normalization
// @Tags Normalization
// @Produce json
// @Param id path string true "Exam ID"
// @Success 200 {object} response.Envelope
// @Router /exams/{id}/significance [get]
func (h *NormalizationHandler) Significance(c *gin.Context) {
	report, err := h.significance.CheckSignificance(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// Status godoc
// @Summary Normalization status of an exam
// @Tags Normalization
// @Produce json
// @Param id path string true "Exam ID"
// @Success 200 {object} response.Envelope
// @Router /exams/{id}/normalization/status [get]
func (h *NormalizationHandler) Status(c *gin.Context) {
	status, hit, err := h.status.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, status, nil, middleware.ExtractMeta(c))
}

// TriggerBatch godoc
// @Summary Queue a batch normalization
// @Tags Normalization
// @Produce json
// @Param id path string true "Exam ID"
// @Success 202 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /exams/{id}/normalization/batch [post]
func (h *NormalizationHandler) TriggerBatch(c *gin.Context) {
	job, err := h.batch.TriggerBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, job)
}

// Force godoc
// @Summary Reset drift tracking so the exam is fully renormalized
// @Tags Normalization
// @Produce json
// @Param id path string true "Exam ID"
// @Param run query bool false "Queue the batch immediately"
// @Success 200 {object} response.Envelope
// @Router /exams/{id}/normalization/force [post]
func (h *NormalizationHandler) Force(c *gin.Context) {
	examID := c.Param("id")
	report, err := h.batch.ForceRenormalization(c.Request.Context(), examID)
	if err != nil {
		response.Error(c, err)
		return
	}
	payload := dto.ForceRenormalizationResponse{Significance: *report}
	if run, _ := strconv.ParseBool(c.Query("run")); run {
		job, err := h.batch.TriggerBatch(c.Request.Context(), examID)
		if err != nil && !errors.Is(err, appErrors.ErrBatchRunning) {
			response.Error(c, err)
			return
		}
		payload.Job = job
	}
	response.JSON(c, http.StatusOK, payload, nil)
}

// RunRanks godoc
// @Summary Recalculate every rank of an exam
// @Tags Ranking
// @Produce json
// @Param id path string true "Exam ID"
// @Success 200 {object} response.Envelope
// @Router /exams/{id}/ranks [post]
func (h *NormalizationHandler) RunRanks(c *gin.Context) {
	examID := c.Param("id")
	ranked, err := h.ranks.RunRankCalculation(c.Request.Context(), examID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.RankRunResponse{ExamID: examID, Ranked: ranked}, nil)
}

// Rankings godoc
// @Summary List ranked submissions
// @Tags Ranking
// @Produce json
// @Param id path string true "Exam ID"
// @Param shiftId query string false "Shift filter"
// @Param category query string false "Category filter"
// @Param state query string false "State filter"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /exams/{id}/rankings [get]
func (h *NormalizationHandler) Rankings(c *gin.Context) {
	var query dto.RankingQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	subs, pagination, err := h.ranks.List(c.Request.Context(), query.Filter(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, subs, pagination)
}

// UpdateSettings godoc
// @Summary Update an exam's normalization settings
// @Tags Normalization
// @Accept json
// @Produce json
// @Param id path string true "Exam ID"
// @Param payload body service.UpdateSettingsRequest true "Settings"
// @Success 200 {object} response.Envelope
// @Router /exams/{id}/normalization/settings [put]
func (h *NormalizationHandler) UpdateSettings(c *gin.Context) {
	var req service.UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid settings payload"))
		return
	}
	exam, err := h.status.UpdateSettings(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, exam, nil)
}

// GetJob godoc
// @Summary Get a normalization job
// @Tags Normalization
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Router /normalization/jobs/{id} [get]
func (h *NormalizationHandler) GetJob(c *gin.Context) {
	job, err := h.batch.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, job, nil)
}

// CancelJob godoc
// @Summary Cancel a queued or running normalization job
// @Tags Normalization
// @Produce json
// @Param id path string true "Job ID"
// @Success 202 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /normalization/jobs/{id}/cancel [post]
func (h *NormalizationHandler) CancelJob(c *gin.Context) {
	job, err := h.batch.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, job)
}
