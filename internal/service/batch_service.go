package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/exam-normalization-api/internal/models"
	"github.com/noah-isme/exam-normalization-api/internal/normalization"
	"github.com/noah-isme/exam-normalization-api/internal/repository"
	appErrors "github.com/noah-isme/exam-normalization-api/pkg/errors"
	"github.com/noah-isme/exam-normalization-api/pkg/jobs"
)

var errBatchCancelled = errors.New("batch normalization cancelled")

type batchExamStore interface {
	FindByID(ctx context.Context, id string) (*models.Exam, error)
	ListActive(ctx context.Context) ([]models.Exam, error)
	MarkNormalized(ctx context.Context, examID string, at time.Time, submissions int) error
	ResetDriftBaseline(ctx context.Context, examID string) error
}

type batchScoreStore interface {
	OpenSnapshot(ctx context.Context, examID string) (repository.Snapshot, error)
	BulkSetNormalized(ctx context.Context, updates []models.NormalizedUpdate, state models.NormalizationState) error
}

type snapshotStatistics interface {
	SnapshotStats(ctx context.Context, exam *models.Exam, snap repository.Snapshot) ([]models.ShiftAggregate, models.ExamStatsUpdate, error)
}

type fullRanker interface {
	RunRankCalculation(ctx context.Context, examID string) (int64, error)
}

type normalizationJobStore interface {
	Create(ctx context.Context, job *models.NormalizationJob) error
	GetByID(ctx context.Context, id string) (*models.NormalizationJob, error)
	Update(ctx context.Context, id string, params repository.UpdateJobParams) error
	FindActiveByExam(ctx context.Context, examID string) (*models.NormalizationJob, error)
	RequestCancel(ctx context.Context, id string) (bool, error)
	IsCancelRequested(ctx context.Context, id string) (bool, error)
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.NormalizationJob, error)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

type driftEvaluator interface {
	Evaluate(exam *models.Exam) models.SignificanceReport
}

// BatchConfig tunes batch normalization.
type BatchConfig struct {
	ChunkSize int
	MaxErrors int
}

// BatchService recomputes every normalized score of an exam from a consistent
// snapshot and then recalculates ranks. At most one batch runs per exam.
type BatchService struct {
	exams   batchExamStore
	scores  batchScoreStore
	stats   snapshotStatistics
	ranker  fullRanker
	drift   driftEvaluator
	jobs    normalizationJobStore
	queue   jobDispatcher
	engine  *normalization.Engine
	cache   *CacheService
	metrics *MetricsService
	logger  *zap.Logger
	cfg     BatchConfig
	now     func() time.Time
}

// NewBatchService constructs the service. queue may be nil when batches are only run inline.
func NewBatchService(
	exams batchExamStore,
	scores batchScoreStore,
	stats snapshotStatistics,
	ranker fullRanker,
	drift driftEvaluator,
	jobStore normalizationJobStore,
	queue jobDispatcher,
	engine *normalization.Engine,
	cache *CacheService,
	metrics *MetricsService,
	logger *zap.Logger,
	cfg BatchConfig,
) *BatchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = normalization.NewEngine()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 100
	}
	return &BatchService{
		exams:   exams,
		scores:  scores,
		stats:   stats,
		ranker:  ranker,
		drift:   drift,
		jobs:    jobStore,
		queue:   queue,
		engine:  engine,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// TriggerBatch records a queued batch job for the exam and hands it to the
// worker queue. It fails with ErrBatchRunning while another job is active.
func (s *BatchService) TriggerBatch(ctx context.Context, examID string) (*models.NormalizationJob, error) {
	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.Status == models.ExamStatusArchived {
		return nil, appErrors.ErrExamArchived
	}
	if s.queue == nil {
		return nil, appErrors.Wrap(fmt.Errorf("job queue not configured"), appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "batch queue unavailable")
	}
	job := &models.NormalizationJob{ExamID: examID, Type: models.JobTypeBatch, Status: models.JobStatusQueued}
	if err := s.claim(ctx, job); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, ExamID: examID, Kind: string(job.Type)}); err != nil {
		s.finishJob(ctx, job.ID, models.JobStatusFailed, "failed to enqueue job", nil)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue batch job")
	}
	s.cache.Evict(ctx, StatusCacheKey(examID))
	s.logger.Info("batch normalization queued", zap.String("exam_id", examID), zap.String("job_id", job.ID))
	return job, nil
}

// RunBatchNormalization runs a full batch pass for one exam inline and returns
// its summary. Malformed submissions are skipped and reported in Errors.
func (s *BatchService) RunBatchNormalization(ctx context.Context, examID string) (*models.BatchResult, error) {
	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.Status == models.ExamStatusArchived {
		return nil, appErrors.ErrExamArchived
	}
	started := s.now().UTC()
	job := &models.NormalizationJob{ExamID: examID, Type: models.JobTypeBatch, Status: models.JobStatusProcessing, StartedAt: &started}
	if err := s.claim(ctx, job); err != nil {
		return nil, err
	}
	return s.execute(ctx, job, exam, false)
}

// RunPending runs a batch pass for every active exam whose drift is
// significant, skipping exams that already have a job in flight.
func (s *BatchService) RunPending(ctx context.Context) (*models.BatchResult, error) {
	start := s.now()
	exams, err := s.exams.ListActive(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list exams")
	}
	total := &models.BatchResult{Errors: []models.JobError{}}
	for i := range exams {
		if err := ctx.Err(); err != nil {
			total.Cancelled = true
			break
		}
		if !s.drift.Evaluate(&exams[i]).IsSignificant {
			continue
		}
		result, err := s.RunBatchNormalization(ctx, exams[i].ID)
		if err != nil {
			if errors.Is(err, appErrors.ErrBatchRunning) {
				continue
			}
			s.logger.Error("batch normalization failed", zap.String("exam_id", exams[i].ID), zap.Error(err))
			total.Errors = append(total.Errors, models.JobError{Message: fmt.Sprintf("exam %s: %v", exams[i].ID, err)})
			continue
		}
		total.ExamsProcessed += result.ExamsProcessed
		total.TotalSubmissions += result.TotalSubmissions
		total.Normalized += result.Normalized
		total.Skipped += result.Skipped
		total.Errors = append(total.Errors, result.Errors...)
	}
	total.Duration = s.now().Sub(start)
	return total, nil
}

// Handle processes a queued batch job.
func (s *BatchService) Handle(ctx context.Context, job jobs.Job) error {
	record, err := s.jobs.GetByID(ctx, job.ID)
	if err != nil {
		return err
	}
	if !record.Status.Active() {
		return nil
	}
	if record.CancelRequested {
		s.finishJob(ctx, record.ID, models.JobStatusCancelled, "cancelled before start", nil)
		return nil
	}
	exam, err := s.loadExam(ctx, record.ExamID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			s.finishJob(ctx, record.ID, models.JobStatusFailed, err.Error(), nil)
			return nil
		}
		return err
	}
	processing := models.JobStatusProcessing
	started := s.now().UTC()
	if err := s.jobs.Update(ctx, record.ID, repository.UpdateJobParams{Status: &processing, StartedAt: &started}); err != nil {
		return err
	}
	_, err = s.execute(ctx, record, exam, true)
	if err != nil {
		if !appErrors.Retryable(err) {
			return nil
		}
		// Put it back in line for the queue's retry.
		queued := models.JobStatusQueued
		if updateErr := s.jobs.Update(ctx, record.ID, repository.UpdateJobParams{Status: &queued}); updateErr != nil {
			s.logger.Warn("failed to requeue batch job", zap.String("job_id", record.ID), zap.Error(updateErr))
		}
	}
	return err
}

// OnGiveUp marks a job failed once the queue stops retrying it.
func (s *BatchService) OnGiveUp(ctx context.Context, job jobs.Job, cause error) {
	s.finishJob(ctx, job.ID, models.JobStatusFailed, cause.Error(), nil)
}

// GetJob returns a job record.
func (s *BatchService) GetJob(ctx context.Context, jobID string) (*models.NormalizationJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load job")
	}
	return job, nil
}

// CancelJob requests cancellation. A running batch stops at its next chunk
// boundary; chunks already written stay written.
func (s *BatchService) CancelJob(ctx context.Context, jobID string) (*models.NormalizationJob, error) {
	ok, err := s.jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel job")
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.ErrJobFinished
	}
	return job, nil
}

// ActiveJob returns the exam's queued or processing job, if any.
func (s *BatchService) ActiveJob(ctx context.Context, examID string) (*models.NormalizationJob, error) {
	job, err := s.jobs.FindActiveByExam(ctx, examID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load active job")
	}
	return job, nil
}

// RecoverPendingJobs replays queued jobs and fails jobs left processing by a
// previous process.
func (s *BatchService) RecoverPendingJobs(ctx context.Context) {
	stale, err := s.jobs.ListByStatus(ctx, models.JobStatusProcessing, 100)
	if err != nil {
		s.logger.Sugar().Warnw("failed to list interrupted batch jobs", "error", err)
	}
	for _, job := range stale {
		s.finishJob(ctx, job.ID, models.JobStatusFailed, "interrupted by restart", nil)
	}

	if s.queue == nil {
		return
	}
	pending, err := s.jobs.ListByStatus(ctx, models.JobStatusQueued, 100)
	if err != nil {
		s.logger.Sugar().Warnw("failed to recover queued batch jobs", "error", err)
		return
	}
	for _, job := range pending {
		if err := s.queue.Enqueue(jobs.Job{ID: job.ID, ExamID: job.ExamID, Kind: string(job.Type)}); err != nil {
			s.logger.Sugar().Warnw("failed to requeue pending job", "job_id", job.ID, "error", err)
		}
	}
}

// StartScanner periodically queues a batch job for every active exam whose
// drift is significant.
func (s *BatchService) StartScanner(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.queue == nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ScanSignificant(ctx)
			}
		}
	}()
}

// ScanSignificant queues a batch job for every active exam with significant drift.
// It returns the number of jobs queued.
func (s *BatchService) ScanSignificant(ctx context.Context) int {
	exams, err := s.exams.ListActive(ctx)
	if err != nil {
		s.logger.Sugar().Warnw("significance scan failed", "error", err)
		return 0
	}
	queued := 0
	for i := range exams {
		report := s.drift.Evaluate(&exams[i])
		if !report.IsSignificant {
			continue
		}
		if _, err := s.TriggerBatch(ctx, exams[i].ID); err != nil {
			if !errors.Is(err, appErrors.ErrBatchRunning) {
				s.logger.Sugar().Warnw("failed to queue batch normalization", "exam_id", exams[i].ID, "error", err)
			}
			continue
		}
		queued++
	}
	return queued
}

// ForceRenormalization resets the exam's drift baseline so every submission
// counts as new and the next significance check schedules a batch pass.
func (s *BatchService) ForceRenormalization(ctx context.Context, examID string) (*models.SignificanceReport, error) {
	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if err := s.exams.ResetDriftBaseline(ctx, examID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "exam not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset drift baseline")
	}
	s.cache.Evict(ctx, StatusCacheKey(examID))
	threshold := exam.ReNormThreshold
	if threshold <= 0 {
		threshold = DefaultReNormThreshold
	}
	report := Significance(examID, exam.TotalSubmissions, 0, threshold)
	s.logger.Info("forced renormalization", zap.String("exam_id", examID), zap.Int("submissions", exam.TotalSubmissions))
	return &report, nil
}

func (s *BatchService) claim(ctx context.Context, job *models.NormalizationJob) error {
	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, repository.ErrActiveJobExists) {
			return appErrors.ErrBatchRunning
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create batch job")
	}
	return nil
}

func (s *BatchService) loadExam(ctx context.Context, examID string) (*models.Exam, error) {
	exam, err := s.exams.FindByID(ctx, examID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "exam not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load exam")
	}
	return exam, nil
}

// execute runs the batch for a claimed job. The job ends in a terminal state
// unless the run failed with a server error and retryable is set.
func (s *BatchService) execute(ctx context.Context, job *models.NormalizationJob, exam *models.Exam, retryable bool) (*models.BatchResult, error) {
	start := s.now()
	result, err := s.normalizeExam(ctx, job, exam)
	duration := s.now().Sub(start)

	switch {
	case err != nil:
		s.metrics.ObserveBatch(models.JobStatusFailed, 0, duration)
		s.logger.Error("batch normalization failed", zap.String("exam_id", exam.ID), zap.String("job_id", job.ID), zap.Error(err))
		var appErr *appErrors.Error
		if !retryable || (errors.As(err, &appErr) && appErr.Status < 500) {
			s.finishJob(ctx, job.ID, models.JobStatusFailed, err.Error(), nil)
		}
		return nil, err
	case result.Cancelled:
		result.Duration = duration
		s.metrics.ObserveBatch(models.JobStatusCancelled, result.Skipped, duration)
		s.finishJob(ctx, job.ID, models.JobStatusCancelled, "cancelled", result)
	default:
		result.Duration = duration
		s.metrics.ObserveBatch(models.JobStatusFinished, result.Skipped, duration)
		s.finishJob(ctx, job.ID, models.JobStatusFinished, "", result)
	}
	s.cache.Evict(ctx, StatusCacheKey(exam.ID))
	s.logger.Info("batch normalization finished",
		zap.String("exam_id", exam.ID),
		zap.String("job_id", job.ID),
		zap.Int("submissions", result.TotalSubmissions),
		zap.Int("normalized", result.Normalized),
		zap.Int("skipped", result.Skipped),
		zap.Bool("cancelled", result.Cancelled),
		zap.Duration("duration", duration),
	)
	return result, nil
}

func (s *BatchService) normalizeExam(ctx context.Context, job *models.NormalizationJob, exam *models.Exam) (*models.BatchResult, error) {
	snap, err := s.scores.OpenSnapshot(ctx, exam.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open submission snapshot")
	}
	defer snap.Close() //nolint:errcheck

	total, err := snap.CountSubmissions(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count submissions")
	}
	if err := s.jobs.Update(ctx, job.ID, repository.UpdateJobParams{Total: &total}); err != nil {
		s.logger.Warn("failed to record job total", zap.String("job_id", job.ID), zap.Error(err))
	}

	aggs, update, err := s.stats.SnapshotStats(ctx, exam, snap)
	if err != nil {
		return nil, err
	}
	// Formulas read the statistics computed from this snapshot, not the stale cached ones.
	exam.GlobalCount = update.Summary.Count
	exam.GlobalMean = update.Summary.Mean
	exam.GlobalStdDev = update.Summary.StdDev
	exam.PercentileTable = update.PercentileTable

	result := &models.BatchResult{ExamsProcessed: 1, TotalSubmissions: total, Errors: []models.JobError{}}
	if exam.NormalizationEnabled {
		if err := s.normalizeShifts(ctx, job.ID, exam, aggs, snap, result); err != nil {
			if !errors.Is(err, errBatchCancelled) {
				return nil, err
			}
			result.Cancelled = true
		}
	}
	if result.Cancelled {
		return result, nil
	}

	if err := s.exams.MarkNormalized(ctx, exam.ID, s.now().UTC(), total); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record normalization")
	}
	if s.ranker != nil {
		if _, err := s.ranker.RunRankCalculation(ctx, exam.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *BatchService) normalizeShifts(ctx context.Context, jobID string, exam *models.Exam, aggs []models.ShiftAggregate, snap repository.Snapshot, result *models.BatchResult) error {
	method := s.engine.Resolve(exam.NormalizationMethod)
	chunk := make([]models.NormalizedUpdate, 0, s.cfg.ChunkSize)

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := s.scores.BulkSetNormalized(ctx, chunk, models.NormalizationStateFull); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store normalized scores")
		}
		result.Normalized += len(chunk)
		chunk = chunk[:0]
		s.recordProgress(ctx, jobID, result)
		return s.checkCancelled(ctx, jobID)
	}

	for _, agg := range aggs {
		if agg.Count == 0 {
			continue
		}
		shift := agg.Summary()
		var counter normalization.RankCounter
		err := snap.ForEachScore(ctx, agg.ShiftID, func(row models.ScoreRow) error {
			if err := validateScoreRow(row); err != nil {
				result.Skipped++
				if len(result.Errors) < s.cfg.MaxErrors {
					result.Errors = append(result.Errors, models.JobError{SubmissionID: row.ID, Message: err.Error()})
				}
				s.logger.Warn("skipping submission", zap.String("submission_id", row.ID), zap.Error(err))
				return nil
			}
			params := formulaParams(exam, shift, row.RawScore)
			params.RankInShift = counter.Next(row.RawScore)
			chunk = append(chunk, models.NormalizedUpdate{
				SubmissionID:    row.ID,
				NormalizedScore: s.engine.NormalizedScore(string(method), params),
			})
			if len(chunk) >= s.cfg.ChunkSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return flush()
}

func (s *BatchService) checkCancelled(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return errBatchCancelled
	}
	requested, err := s.jobs.IsCancelRequested(ctx, jobID)
	if err != nil {
		s.logger.Warn("failed to check job cancellation", zap.String("job_id", jobID), zap.Error(err))
		return nil
	}
	if requested {
		return errBatchCancelled
	}
	return nil
}

func (s *BatchService) recordProgress(ctx context.Context, jobID string, result *models.BatchResult) {
	processed := result.Normalized
	skipped := result.Skipped
	if err := s.jobs.Update(ctx, jobID, repository.UpdateJobParams{Processed: &processed, Skipped: &skipped}); err != nil {
		s.logger.Warn("failed to record job progress", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *BatchService) finishJob(ctx context.Context, jobID string, status models.JobStatus, message string, result *models.BatchResult) {
	now := s.now().UTC()
	params := repository.UpdateJobParams{Status: &status, FinishedAt: &now}
	if message != "" {
		params.ErrorMessage = &message
	}
	if result != nil {
		processed := result.Normalized
		skipped := result.Skipped
		errs := models.JobErrors(result.Errors)
		params.Processed = &processed
		params.Skipped = &skipped
		params.Errors = &errs
	}
	if err := s.jobs.Update(context.WithoutCancel(ctx), jobID, params); err != nil {
		s.logger.Warn("failed to finalize batch job", zap.String("job_id", jobID), zap.String("status", string(status)), zap.Error(err))
	}
}

func validateScoreRow(row models.ScoreRow) error {
	if math.IsNaN(row.RawScore) || math.IsInf(row.RawScore, 0) {
		return fmt.Errorf("non-finite raw score")
	}
	return nil
}
