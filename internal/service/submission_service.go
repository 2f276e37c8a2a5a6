package service

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/exam-normalization-api/internal/models"
	"github.com/noah-isme/exam-normalization-api/internal/normalization"
	"github.com/noah-isme/exam-normalization-api/internal/repository"
	appErrors "github.com/noah-isme/exam-normalization-api/pkg/errors"
)

type submissionStore interface {
	Create(ctx context.Context, sub *models.Submission) error
	FindByID(ctx context.Context, id string) (*models.Submission, error)
	UpdateRawScore(ctx context.Context, id string, rawScore float64) error
	Delete(ctx context.Context, id string) error
	CountAboveInShift(ctx context.Context, shiftID string, rawScore float64) (int, error)
	SetNormalizedScore(ctx context.Context, id string, score float64, state models.NormalizationState) error
}

type submissionExamStore interface {
	FindByID(ctx context.Context, id string) (*models.Exam, error)
	AdjustSubmissionCount(ctx context.Context, examID string, delta int) (int, error)
}

type shiftFinder interface {
	FindByID(ctx context.Context, id string) (*models.Shift, error)
}

type shiftRefresher interface {
	RefreshShift(ctx context.Context, shiftID string) (models.ShiftAggregate, error)
}

type postSubmissionHandler interface {
	HandlePostSubmission(ctx context.Context, submissionID, examID, shiftID string, rawScore float64) (*models.PostSubmissionResult, error)
}

// SubmissionService accepts parsed response sheets and applies admin corrections.
type SubmissionService struct {
	submissions submissionStore
	exams       submissionExamStore
	shifts      shiftFinder
	stats       shiftRefresher
	scoring     *ScoringService
	post        postSubmissionHandler
	ranker      scopedRanker
	engine      *normalization.Engine
	cache       *CacheService
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewSubmissionService constructs the service. ranker and cache are optional.
func NewSubmissionService(
	submissions submissionStore,
	exams submissionExamStore,
	shifts shiftFinder,
	stats shiftRefresher,
	scoring *ScoringService,
	post postSubmissionHandler,
	ranker scopedRanker,
	engine *normalization.Engine,
	cache *CacheService,
	validate *validator.Validate,
	logger *zap.Logger,
) *SubmissionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if scoring == nil {
		scoring = NewScoringService()
	}
	if engine == nil {
		engine = normalization.NewEngine()
	}
	svc := &SubmissionService{
		submissions: submissions,
		exams:       exams,
		shifts:      shifts,
		stats:       stats,
		scoring:     scoring,
		post:        post,
		ranker:      ranker,
		engine:      engine,
		cache:       cache,
		validator:   validate,
		logger:      logger,
	}
	svc.validator.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return models.Category(fl.Field().String()).Valid()
	})
	return svc
}

// Ingest scores a parsed sheet, stores it and runs the post-submission flow.
func (s *SubmissionService) Ingest(ctx context.Context, examID string, req models.ParsedSubmission) (*models.SubmissionReceipt, error) {
	req.RollNumber = strings.TrimSpace(req.RollNumber)
	req.CandidateName = strings.TrimSpace(req.CandidateName)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}

	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.Status == models.ExamStatusArchived {
		return nil, appErrors.ErrExamArchived
	}
	shift, err := s.shifts.FindByID(ctx, req.ShiftID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown shift")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load shift")
	}
	if shift.ExamID != exam.ID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "shift does not belong to exam")
	}

	breakdown := s.scoring.Score(exam, req.Responses)
	sub := &models.Submission{
		ExamID:           exam.ID,
		ShiftID:          shift.ID,
		RollNumber:       req.RollNumber,
		CandidateName:    req.CandidateName,
		Category:         req.Category,
		State:            trimState(req.State),
		RawScore:         breakdown.RawScore,
		CorrectCount:     breakdown.Correct,
		WrongCount:       breakdown.Wrong,
		UnattemptedCount: breakdown.Unattempted,
		SectionScores:    breakdown.SectionScores(),
	}
	if err := s.submissions.Create(ctx, sub); err != nil {
		if errors.Is(err, repository.ErrDuplicateSubmission) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "submission already recorded for roll number")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store submission")
	}
	if _, err := s.exams.AdjustSubmissionCount(ctx, exam.ID, 1); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update submission count")
	}

	result, err := s.post.HandlePostSubmission(ctx, sub.ID, exam.ID, shift.ID, sub.RawScore)
	if err != nil {
		s.logger.Error("post submission processing failed", zap.String("submission_id", sub.ID), zap.Error(err))
		return nil, err
	}
	if result.NormalizedScore != nil {
		sub.NormalizedScore = result.NormalizedScore
		sub.NormalizationState = models.NormalizationStateIncremental
	}
	s.logger.Info("submission ingested",
		zap.String("submission_id", sub.ID),
		zap.String("exam_id", exam.ID),
		zap.String("shift_id", shift.ID),
		zap.Float64("raw_score", sub.RawScore),
	)
	return &models.SubmissionReceipt{Submission: sub, Breakdown: breakdown, Result: result}, nil
}

// CorrectRawScore overwrites a submission's raw score, rebuilds its shift's
// aggregate and renormalizes the record when the exam has a baseline.
func (s *SubmissionService) CorrectRawScore(ctx context.Context, submissionID string, rawScore float64) (*models.Submission, error) {
	if math.IsNaN(rawScore) || math.IsInf(rawScore, 0) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "rawScore must be a finite number")
	}
	sub, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	exam, err := s.loadExam(ctx, sub.ExamID)
	if err != nil {
		return nil, err
	}

	if err := s.submissions.UpdateRawScore(ctx, sub.ID, rawScore); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "submission not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update raw score")
	}
	agg, err := s.stats.RefreshShift(ctx, sub.ShiftID)
	if err != nil {
		return nil, err
	}

	if exam.HasBaseline() && exam.NormalizationEnabled {
		method := s.engine.Resolve(exam.NormalizationMethod)
		params := formulaParams(exam, agg.Summary(), rawScore)
		if needsShiftRank(method) {
			above, err := s.submissions.CountAboveInShift(ctx, sub.ShiftID, rawScore)
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rank submission in shift")
			}
			params.RankInShift = above + 1
		}
		score := s.engine.NormalizedScore(string(method), params)
		if err := s.submissions.SetNormalizedScore(ctx, sub.ID, score, models.NormalizationStateIncremental); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store normalized score")
		}
	}
	s.cache.Evict(ctx, StatusCacheKey(exam.ID))
	if s.ranker != nil {
		if _, err := s.ranker.UpdateScopedRanks(ctx, sub.ID); err != nil {
			s.logger.Error("scoped rank update failed", zap.String("submission_id", sub.ID), zap.Error(err))
			return nil, err
		}
	}
	s.logger.Info("raw score corrected",
		zap.String("submission_id", sub.ID),
		zap.Float64("previous_raw_score", sub.RawScore),
		zap.Float64("raw_score", rawScore),
	)
	return s.loadSubmission(ctx, sub.ID)
}

// Delete removes a submission and rebuilds its shift's aggregate.
func (s *SubmissionService) Delete(ctx context.Context, submissionID string) error {
	sub, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if err := s.submissions.Delete(ctx, sub.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "submission not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete submission")
	}
	if _, err := s.exams.AdjustSubmissionCount(ctx, sub.ExamID, -1); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update submission count")
	}
	if _, err := s.stats.RefreshShift(ctx, sub.ShiftID); err != nil {
		return err
	}
	s.cache.Evict(ctx, StatusCacheKey(sub.ExamID))
	s.logger.Info("submission deleted", zap.String("submission_id", sub.ID), zap.String("exam_id", sub.ExamID))
	return nil
}

// Get returns one submission.
func (s *SubmissionService) Get(ctx context.Context, submissionID string) (*models.Submission, error) {
	return s.loadSubmission(ctx, submissionID)
}

func (s *SubmissionService) loadSubmission(ctx context.Context, id string) (*models.Submission, error) {
	sub, err := s.submissions.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "submission not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load submission")
	}
	return sub, nil
}

func (s *SubmissionService) loadExam(ctx context.Context, id string) (*models.Exam, error) {
	exam, err := s.exams.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "exam not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load exam")
	}
	return exam, nil
}

func trimState(state *string) *string {
	if state == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*state)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
