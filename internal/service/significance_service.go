package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/noah-isme/exam-normalization-api/internal/models"
	"github.com/noah-isme/exam-normalization-api/internal/normalization"
	appErrors "github.com/noah-isme/exam-normalization-api/pkg/errors"
)

// DefaultReNormThreshold is the percentage of new submissions that triggers a batch pass.
const DefaultReNormThreshold = 5.0

type examFinder interface {
	FindByID(ctx context.Context, id string) (*models.Exam, error)
}

// SignificanceService decides whether enough submissions arrived since the
// last full normalization to warrant a new batch pass.
type SignificanceService struct {
	exams            examFinder
	defaultThreshold float64
	metrics          *MetricsService
	logger           *zap.Logger
}

// NewSignificanceService constructs the service. A non-positive default
// threshold falls back to DefaultReNormThreshold.
func NewSignificanceService(exams examFinder, defaultThreshold float64, metrics *MetricsService, logger *zap.Logger) *SignificanceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultThreshold <= 0 {
		defaultThreshold = DefaultReNormThreshold
	}
	return &SignificanceService{exams: exams, defaultThreshold: defaultThreshold, metrics: metrics, logger: logger}
}

// CheckSignificance loads the exam and evaluates its drift. It never writes.
func (s *SignificanceService) CheckSignificance(ctx context.Context, examID string) (*models.SignificanceReport, error) {
	exam, err := s.exams.FindByID(ctx, examID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "exam not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load exam")
	}
	report := s.Evaluate(exam)
	s.metrics.RecordSignificanceCheck(report.IsSignificant)
	return &report, nil
}

// Evaluate computes the drift report of an already loaded exam.
func (s *SignificanceService) Evaluate(exam *models.Exam) models.SignificanceReport {
	threshold := exam.ReNormThreshold
	if threshold <= 0 {
		threshold = s.defaultThreshold
	}
	return Significance(exam.ID, exam.TotalSubmissions, exam.SubsAtLastNormalization, threshold)
}

// Significance reports how many submissions are new since the last full
// normalization and whether their share of the total reaches threshold percent.
func Significance(examID string, total, atLastNormalization int, threshold float64) models.SignificanceReport {
	newCount := total - atLastNormalization
	if newCount < 0 {
		newCount = 0
	}
	var percentNew float64
	if total > 0 {
		percentNew = float64(newCount) / float64(total) * 100
	}
	return models.SignificanceReport{
		ExamID:           examID,
		TotalSubmissions: total,
		NewCount:         newCount,
		PercentNew:       normalization.Round2(percentNew),
		Threshold:        threshold,
		IsSignificant:    newCount > 0 && percentNew >= threshold,
	}
}
