package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/exam-normalization-api/internal/models"
	"github.com/noah-isme/exam-normalization-api/internal/normalization"
	appErrors "github.com/noah-isme/exam-normalization-api/pkg/errors"
)

type rankStore interface {
	ApplyRanks(ctx context.Context, examID string) (int64, error)
	ScopeCounts(ctx context.Context, submissionID string) (*models.ScopeCounts, error)
	SetRankPosition(ctx context.Context, id string, pos models.RankPosition) error
	List(ctx context.Context, filter models.SubmissionFilter) ([]models.Submission, int, error)
}

type rankMarker interface {
	MarkRanked(ctx context.Context, examID string, at time.Time) error
}

// RankService assigns competition ranks and percentiles within the overall,
// category, shift and state scopes.
type RankService struct {
	submissions rankStore
	exams       rankMarker
	metrics     *MetricsService
	logger      *zap.Logger
	now         func() time.Time
}

// NewRankService constructs the service.
func NewRankService(submissions rankStore, exams rankMarker, metrics *MetricsService, logger *zap.Logger) *RankService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RankService{submissions: submissions, exams: exams, metrics: metrics, logger: logger, now: time.Now}
}

// RunRankCalculation recomputes the ranks of every submission of the exam in
// one pass. Running it twice without intervening writes yields identical ranks.
func (s *RankService) RunRankCalculation(ctx context.Context, examID string) (int64, error) {
	start := s.now()
	ranked, err := s.submissions.ApplyRanks(ctx, examID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to calculate ranks")
	}
	finished := s.now().UTC()
	if err := s.exams.MarkRanked(ctx, examID, finished); err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record rank completion")
	}
	duration := finished.Sub(start)
	s.metrics.ObserveRanks("full", duration)
	s.logger.Info("ranks recalculated",
		zap.String("exam_id", examID),
		zap.Int64("submissions", ranked),
		zap.Duration("duration", duration),
	)
	return ranked, nil
}

// UpdateScopedRanks places a single submission among the current ranking with
// count-based ranks. Other submissions keep their stored ranks until the next
// full pass.
func (s *RankService) UpdateScopedRanks(ctx context.Context, submissionID string) (*models.RankPosition, error) {
	start := s.now()
	counts, err := s.submissions.ScopeCounts(ctx, submissionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count rank scopes")
	}
	if counts.OverallTotal == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "submission not found")
	}
	pos := PositionFromCounts(*counts)
	if err := s.submissions.SetRankPosition(ctx, submissionID, pos); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store rank position")
	}
	s.metrics.ObserveRanks("scoped", s.now().Sub(start))
	return &pos, nil
}

// List returns ranked submissions with pagination metadata.
func (s *RankService) List(ctx context.Context, filter models.SubmissionFilter) ([]models.Submission, *models.Pagination, error) {
	if filter.ExamID == "" {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "examId is required")
	}
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "unknown category")
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 500 {
		filter.PageSize = 50
	}
	subs, total, err := s.submissions.List(ctx, filter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []models.Submission{}, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize}, nil
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list ranked submissions")
	}
	return subs, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// PositionFromCounts converts strictly-greater counts into competition ranks
// (rank = above + 1) and rank percentiles. A zero state population leaves the
// state rank unset.
func PositionFromCounts(c models.ScopeCounts) models.RankPosition {
	pos := models.RankPosition{
		OverallRank:        c.OverallAbove + 1,
		CategoryRank:       c.CategoryAbove + 1,
		ShiftRank:          c.ShiftAbove + 1,
		OverallPercentile:  normalization.RankPercentile(c.OverallAbove+1, c.OverallTotal),
		CategoryPercentile: normalization.RankPercentile(c.CategoryAbove+1, c.CategoryTotal),
		ShiftPercentile:    normalization.RankPercentile(c.ShiftAbove+1, c.ShiftTotal),
	}
	if c.StateTotal > 0 {
		rank := c.StateAbove + 1
		pos.StateRank = &rank
	}
	return pos
}
