package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/exam-normalization-api/internal/models"
	"github.com/noah-isme/exam-normalization-api/internal/normalization"
	appErrors "github.com/noah-isme/exam-normalization-api/pkg/errors"
)

type statusExamStore interface {
	FindByID(ctx context.Context, id string) (*models.Exam, error)
	UpdateSettings(ctx context.Context, examID string, settings models.NormalizationSettings) error
}

type activeJobFinder interface {
	ActiveJob(ctx context.Context, examID string) (*models.NormalizationJob, error)
}

type statusStatistics interface {
	ShiftStats(ctx context.Context, examID string) ([]models.Shift, error)
	ExamSummary(ctx context.Context, examID string, normalized bool) (normalization.Summary, error)
}

// StatusConfig tunes the status view.
type StatusConfig struct {
	CacheTTL            time.Duration
	RankStalenessWindow time.Duration
}

// UpdateSettingsRequest is the admin payload for an exam's normalization settings.
type UpdateSettingsRequest struct {
	Method          string          `json:"method" validate:"required,max=32"`
	Config          json.RawMessage `json:"config"`
	Enabled         *bool           `json:"enabled"`
	ReNormThreshold *float64        `json:"reNormThreshold" validate:"omitempty,gte=0,lte=100"`
}

// StatusService reports an exam's normalization state and edits its settings.
type StatusService struct {
	exams     statusExamStore
	jobs      activeJobFinder
	stats     statusStatistics
	drift     driftEvaluator
	engine    *normalization.Engine
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       StatusConfig
	now       func() time.Time
}

// NewStatusService constructs the service.
func NewStatusService(
	exams statusExamStore,
	jobs activeJobFinder,
	stats statusStatistics,
	drift driftEvaluator,
	engine *normalization.Engine,
	cache *CacheService,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg StatusConfig,
) *StatusService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = normalization.NewEngine()
	}
	if cfg.RankStalenessWindow <= 0 {
		cfg.RankStalenessWindow = 15 * time.Minute
	}
	return &StatusService{
		exams:     exams,
		jobs:      jobs,
		stats:     stats,
		drift:     drift,
		engine:    engine,
		cache:     cache,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Status returns the exam's normalization status, served from cache when
// possible. The boolean reports a cache hit.
func (s *StatusService) Status(ctx context.Context, examID string) (*models.NormalizationStatus, bool, error) {
	key := StatusCacheKey(examID)
	var cached models.NormalizationStatus
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return &cached, true, nil
	}

	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return nil, false, err
	}
	report := s.drift.Evaluate(exam)
	status := &models.NormalizationStatus{
		ExamID:           exam.ID,
		Method:           exam.NormalizationMethod,
		EffectiveMethod:  string(s.engine.Resolve(exam.NormalizationMethod)),
		Enabled:          exam.NormalizationEnabled,
		LastNormalizedAt: exam.LastNormalizedAt,
		LastRankedAt:     exam.LastRankedAt,
		RanksStale:       s.ranksStale(exam, report),
		Significance:     report,
		Global:           exam.GlobalSummary(),
	}
	if s.stats != nil {
		if err := s.attachStatistics(ctx, exam, status); err != nil {
			return nil, false, err
		}
	}
	if s.jobs != nil {
		job, err := s.jobs.ActiveJob(ctx, examID)
		if err != nil {
			return nil, false, err
		}
		status.ActiveJob = job
	}

	_ = s.cache.Set(ctx, key, status, s.cfg.CacheTTL)
	return status, false, nil
}

// UpdateSettings validates and stores an exam's normalization settings.
// Unknown method names are kept as given and evaluate as z_score.
func (s *StatusService) UpdateSettings(ctx context.Context, examID string, req UpdateSettingsRequest) (*models.Exam, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	if len(req.Config) > 0 && !json.Valid(req.Config) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "config must be a JSON document")
	}
	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	settings := models.NormalizationSettings{
		Method:          req.Method,
		Config:          exam.NormalizationConfig,
		Enabled:         exam.NormalizationEnabled,
		ReNormThreshold: exam.ReNormThreshold,
	}
	if len(req.Config) > 0 {
		settings.Config = models.JSONDocument(req.Config)
	}
	if req.Enabled != nil {
		settings.Enabled = *req.Enabled
	}
	if req.ReNormThreshold != nil {
		settings.ReNormThreshold = *req.ReNormThreshold
	}
	if !s.engine.Supports(req.Method) {
		s.logger.Warn("unknown normalization method stored", zap.String("exam_id", examID), zap.String("method", req.Method))
	}

	if err := s.exams.UpdateSettings(ctx, examID, settings); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "exam not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update normalization settings")
	}
	s.cache.Evict(ctx, StatusCacheKey(examID))

	exam.NormalizationMethod = settings.Method
	exam.NormalizationConfig = settings.Config
	exam.NormalizationEnabled = settings.Enabled
	exam.ReNormThreshold = settings.ReNormThreshold
	return exam, nil
}

// attachStatistics adds the per-shift aggregates and, once a batch has run,
// the summary of stored normalized scores.
func (s *StatusService) attachStatistics(ctx context.Context, exam *models.Exam, status *models.NormalizationStatus) error {
	shifts, err := s.stats.ShiftStats(ctx, exam.ID)
	if err != nil {
		return err
	}
	status.Shifts = shifts
	if !exam.HasBaseline() {
		return nil
	}
	summary, err := s.stats.ExamSummary(ctx, exam.ID, true)
	if err != nil {
		return err
	}
	status.Normalized = &summary
	return nil
}

// ranksStale reports whether the last full rank pass is older than the
// staleness window while submissions have arrived since the last batch.
func (s *StatusService) ranksStale(exam *models.Exam, report models.SignificanceReport) bool {
	if exam.LastRankedAt == nil {
		return exam.TotalSubmissions > 0
	}
	if report.NewCount == 0 {
		return false
	}
	return s.now().Sub(*exam.LastRankedAt) > s.cfg.RankStalenessWindow
}

func (s *StatusService) loadExam(ctx context.Context, id string) (*models.Exam, error) {
	exam, err := s.exams.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "exam not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load exam")
	}
	return exam, nil
}
