package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/exam-normalization-api/internal/models"
	"github.com/noah-isme/exam-normalization-api/internal/normalization"
	"github.com/noah-isme/exam-normalization-api/internal/repository"
	appErrors "github.com/noah-isme/exam-normalization-api/pkg/errors"
)

type shiftStatsStore interface {
	RecomputeAggregates(ctx context.Context, shiftIDs []string) ([]models.ShiftAggregate, error)
	ListByExam(ctx context.Context, examID string) ([]models.Shift, error)
}

type examStatsStore interface {
	UpdateGlobalStats(ctx context.Context, examID string, update models.ExamStatsUpdate) error
}

type examScoreLister interface {
	ExamScores(ctx context.Context, examID string, normalized bool) ([]float64, error)
}

// StatisticsService computes and caches shift and exam score aggregates.
type StatisticsService struct {
	shifts shiftStatsStore
	exams  examStatsStore
	scores examScoreLister
	logger *zap.Logger
}

// NewStatisticsService constructs the service.
func NewStatisticsService(shifts shiftStatsStore, exams examStatsStore, scores examScoreLister, logger *zap.Logger) *StatisticsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatisticsService{shifts: shifts, exams: exams, scores: scores, logger: logger}
}

// RefreshShift recomputes one shift's aggregate from its live submissions and
// stores it on the shift.
func (s *StatisticsService) RefreshShift(ctx context.Context, shiftID string) (models.ShiftAggregate, error) {
	aggs, err := s.shifts.RecomputeAggregates(ctx, []string{shiftID})
	if err != nil {
		return models.ShiftAggregate{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to refresh shift statistics")
	}
	if len(aggs) == 0 {
		return models.ShiftAggregate{}, appErrors.Clone(appErrors.ErrNotFound, "shift not found")
	}
	return aggs[0], nil
}

// ShiftStats lists the exam's shifts with their cached aggregates.
func (s *StatisticsService) ShiftStats(ctx context.Context, examID string) ([]models.Shift, error) {
	shifts, err := s.shifts.ListByExam(ctx, examID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list shifts")
	}
	return shifts, nil
}

// ExamSummary aggregates an exam's raw scores, or only its normalized scores
// when normalized is set. Nothing is persisted.
func (s *StatisticsService) ExamSummary(ctx context.Context, examID string, normalized bool) (normalization.Summary, error) {
	scores, err := s.scores.ExamScores(ctx, examID, normalized)
	if err != nil {
		return normalization.Summary{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load exam scores")
	}
	return normalization.Summarize(scores), nil
}

// SnapshotStats aggregates a consistent snapshot: per-shift aggregates first,
// then the exam-wide aggregate. The snapshot aggregates are returned for the
// normalization pass; the cached shift rows are rebuilt from live data so
// increments committed after the snapshot opened are kept.
func (s *StatisticsService) SnapshotStats(ctx context.Context, exam *models.Exam, snap repository.Snapshot) ([]models.ShiftAggregate, models.ExamStatsUpdate, error) {
	aggs, err := snap.ShiftAggregates(ctx)
	if err != nil {
		return nil, models.ExamStatsUpdate{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate shifts")
	}
	scores, err := snap.ExamScores(ctx)
	if err != nil {
		return nil, models.ExamStatsUpdate{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load exam scores")
	}
	update := BuildExamStats(scores, exam.Config())

	ids := make([]string, 0, len(aggs))
	for _, agg := range aggs {
		ids = append(ids, agg.ShiftID)
	}
	if _, err := s.shifts.RecomputeAggregates(ctx, ids); err != nil {
		return nil, models.ExamStatsUpdate{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store shift statistics")
	}
	if err := s.exams.UpdateGlobalStats(ctx, exam.ID, update); err != nil {
		return nil, models.ExamStatsUpdate{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store exam statistics")
	}
	s.logger.Debug("snapshot statistics refreshed",
		zap.String("exam_id", exam.ID),
		zap.Int("shifts", len(aggs)),
		zap.Int("scores", update.Summary.Count),
		zap.Float64("global_mean", update.Summary.Mean),
		zap.Float64("global_std_dev", update.Summary.StdDev),
	)
	return aggs, update, nil
}

// BuildExamStats derives the global aggregate and, unless disabled, the
// percentile lookup table from ascending raw scores.
func BuildExamStats(sorted []float64, cfg normalization.Config) models.ExamStatsUpdate {
	update := models.ExamStatsUpdate{Summary: normalization.Summarize(sorted)}
	if !cfg.DisableLookup {
		update.PercentileTable = normalization.BuildPercentileTable(sorted, cfg.PercentileStepOrDefault())
	}
	return update
}
