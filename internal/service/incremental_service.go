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

type shiftIncrementer interface {
	ApplyIncrement(ctx context.Context, shiftID, submissionID string) (*models.Shift, error)
}

type incrementalScoreStore interface {
	CountAboveInShift(ctx context.Context, shiftID string, rawScore float64) (int, error)
	SetNormalizedScore(ctx context.Context, id string, score float64, state models.NormalizationState) error
}

type scopedRanker interface {
	UpdateScopedRanks(ctx context.Context, submissionID string) (*models.RankPosition, error)
}

type significanceChecker interface {
	CheckSignificance(ctx context.Context, examID string) (*models.SignificanceReport, error)
}

type batchScheduler interface {
	TriggerBatch(ctx context.Context, examID string) (*models.NormalizationJob, error)
}

// IncrementalConfig toggles the optional steps after each submission.
type IncrementalConfig struct {
	IncrementalRanks bool
}

// IncrementalService normalizes each new submission against the statistics of
// the last full pass and its shift's updated aggregate.
type IncrementalService struct {
	exams        examFinder
	shifts       shiftIncrementer
	submissions  incrementalScoreStore
	engine       *normalization.Engine
	ranker       scopedRanker
	significance significanceChecker
	scheduler    batchScheduler
	cache        *CacheService
	metrics      *MetricsService
	logger       *zap.Logger
	cfg          IncrementalConfig
}

// NewIncrementalService constructs the service. ranker, scheduler and cache are optional.
func NewIncrementalService(
	exams examFinder,
	shifts shiftIncrementer,
	submissions incrementalScoreStore,
	engine *normalization.Engine,
	ranker scopedRanker,
	significance significanceChecker,
	scheduler batchScheduler,
	cache *CacheService,
	metrics *MetricsService,
	logger *zap.Logger,
	cfg IncrementalConfig,
) *IncrementalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = normalization.NewEngine()
	}
	return &IncrementalService{
		exams:        exams,
		shifts:       shifts,
		submissions:  submissions,
		engine:       engine,
		ranker:       ranker,
		significance: significance,
		scheduler:    scheduler,
		cache:        cache,
		metrics:      metrics,
		logger:       logger,
		cfg:          cfg,
	}
}

// NormalizeNewSubmission folds the raw score into its shift's aggregate and,
// once the exam has a baseline, computes and stores its normalized score. It
// returns nil when the exam has no baseline yet or normalization is disabled.
func (s *IncrementalService) NormalizeNewSubmission(ctx context.Context, submissionID, examID, shiftID string, rawScore float64) (*float64, error) {
	exam, err := s.exams.FindByID(ctx, examID)
	if err != nil {
		s.metrics.RecordIncremental(IncrementalResultError)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "exam not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load exam")
	}

	shift, err := s.shifts.ApplyIncrement(ctx, shiftID, submissionID)
	if err != nil {
		s.metrics.RecordIncremental(IncrementalResultError)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "shift not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update shift statistics")
	}

	if !exam.HasBaseline() {
		s.metrics.RecordIncremental(IncrementalResultNoBaseline)
		return nil, nil
	}
	if !exam.NormalizationEnabled {
		s.metrics.RecordIncremental(IncrementalResultDisabled)
		return nil, nil
	}

	method := s.engine.Resolve(exam.NormalizationMethod)
	params := formulaParams(exam, shift.Summary(), rawScore)
	if needsShiftRank(method) {
		above, err := s.submissions.CountAboveInShift(ctx, shiftID, rawScore)
		if err != nil {
			s.metrics.RecordIncremental(IncrementalResultError)
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rank submission in shift")
		}
		params.RankInShift = above + 1
	}

	score := s.engine.NormalizedScore(string(method), params)
	if err := s.submissions.SetNormalizedScore(ctx, submissionID, score, models.NormalizationStateIncremental); err != nil {
		s.metrics.RecordIncremental(IncrementalResultError)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store normalized score")
	}
	s.metrics.RecordIncremental(IncrementalResultNormalized)
	s.logger.Debug("submission normalized incrementally",
		zap.String("submission_id", submissionID),
		zap.String("exam_id", examID),
		zap.String("method", string(method)),
		zap.Float64("raw_score", rawScore),
		zap.Float64("normalized_score", score),
	)
	return &score, nil
}

// HandlePostSubmission runs after a submission is stored: incremental
// normalization, optional scoped ranks, then a significance check that
// schedules a batch pass when drift is significant.
func (s *IncrementalService) HandlePostSubmission(ctx context.Context, submissionID, examID, shiftID string, rawScore float64) (*models.PostSubmissionResult, error) {
	score, err := s.NormalizeNewSubmission(ctx, submissionID, examID, shiftID, rawScore)
	if err != nil {
		return nil, err
	}
	defer s.cache.Evict(ctx, StatusCacheKey(examID))
	result := &models.PostSubmissionResult{NormalizedScore: score}

	if s.cfg.IncrementalRanks && s.ranker != nil {
		if _, err := s.ranker.UpdateScopedRanks(ctx, submissionID); err != nil {
			s.logger.Error("scoped rank update failed", zap.String("submission_id", submissionID), zap.Error(err))
			return nil, err
		}
		result.RanksRecalculated = true
	}

	report, err := s.significance.CheckSignificance(ctx, examID)
	if err != nil {
		return nil, err
	}
	result.Significance = *report

	if report.IsSignificant && s.scheduler != nil {
		if _, err := s.scheduler.TriggerBatch(ctx, examID); err != nil && !errors.Is(err, appErrors.ErrBatchRunning) {
			s.logger.Warn("failed to schedule batch normalization", zap.String("exam_id", examID), zap.Error(err))
		}
	}
	return result, nil
}

func needsShiftRank(method normalization.Method) bool {
	return method == normalization.MethodPercentile || method == normalization.MethodEquating
}

// formulaParams assembles formula inputs from the exam's cached global
// statistics and the given shift aggregate.
func formulaParams(exam *models.Exam, shift normalization.Summary, rawScore float64) normalization.Params {
	cfg := exam.Config()
	params := normalization.Params{
		RawScore:     rawScore,
		ShiftMean:    shift.Mean,
		ShiftStdDev:  shift.StdDev,
		GlobalMean:   exam.GlobalMean,
		GlobalStdDev: exam.GlobalStdDev,
		MaxMarks:     exam.TotalMarks,
		TotalInShift: shift.Count,
		Config:       cfg,
	}
	if !cfg.DisableLookup {
		params.Lookup = exam.PercentileTable
	}
	return params
}
