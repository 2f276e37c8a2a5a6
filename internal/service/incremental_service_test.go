package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/exam-normalization-api/internal/models"
	appErrors "github.com/noah-isme/exam-normalization-api/pkg/errors"
)

type stubScheduler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *stubScheduler) TriggerBatch(_ context.Context, examID string) (*models.NormalizationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, examID)
	if s.err != nil {
		return nil, s.err
	}
	return &models.NormalizationJob{ID: "job-1", ExamID: examID, Status: models.JobStatusQueued}, nil
}

type incrementalFixture struct {
	db        *memDB
	subs      *memSubmissions
	scheduler *stubScheduler
	cacheRepo *memCacheRepo
	svc       *IncrementalService
}

func newIncrementalFixture(t *testing.T, exam models.Exam, cfg IncrementalConfig, shiftScores ...float64) *incrementalFixture {
	t.Helper()
	db := newMemDB()
	db.addExam(exam)
	db.addShift("shift-1", exam.ID)
	db.addScores(exam.ID, "shift-1", shiftScores...)
	shifts := memShifts{db}
	_, err := shifts.RecomputeAggregates(context.Background(), []string{"shift-1"})
	require.NoError(t, err)

	subs := &memSubmissions{db: db}
	metrics := NewMetricsService()
	cacheRepo := &memCacheRepo{}
	cache := NewCacheService(cacheRepo, metrics, time.Minute, zap.NewNop(), true)
	scheduler := &stubScheduler{}
	ranks := NewRankService(subs, memExams{db}, metrics, nil)
	significance := NewSignificanceService(memExams{db}, DefaultReNormThreshold, metrics, nil)
	svc := NewIncrementalService(memExams{db}, shifts, subs, nil, ranks, significance, scheduler, cache, metrics, zap.NewNop(), cfg)
	return &incrementalFixture{db: db, subs: subs, scheduler: scheduler, cacheRepo: cacheRepo, svc: svc}
}

func baselineExam(method string) models.Exam {
	normalizedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return models.Exam{
		ID:                   "exam-1",
		TotalMarks:           200,
		NormalizationMethod:  method,
		NormalizationEnabled: true,
		LastNormalizedAt:     &normalizedAt,
		GlobalMean:           60,
		GlobalStdDev:         10,
	}
}

func TestNormalizeNewSubmissionWithoutBaselineReturnsNil(t *testing.T) {
	exam := models.Exam{ID: "exam-1", NormalizationEnabled: true}
	f := newIncrementalFixture(t, exam, IncrementalConfig{}, 40, 50, 60)

	for i, raw := range []float64{0, 50, 100, -5} {
		ids := f.db.addScores("exam-1", "shift-1", raw)
		score, err := f.svc.NormalizeNewSubmission(context.Background(), ids[0], "exam-1", "shift-1", raw)
		require.NoError(t, err)
		assert.Nil(t, score)
		assert.Equal(t, models.NormalizationStateRawOnly, f.db.submission(ids[0]).NormalizationState)
		assert.Equal(t, 4+i, f.db.shift("shift-1").CandidateCount)
	}
}

func TestNormalizeNewSubmissionDisabledReturnsNil(t *testing.T) {
	exam := baselineExam("z_score")
	exam.NormalizationEnabled = false
	f := newIncrementalFixture(t, exam, IncrementalConfig{}, 40, 50, 60)
	ids := f.db.addScores("exam-1", "shift-1", 70)

	score, err := f.svc.NormalizeNewSubmission(context.Background(), ids[0], "exam-1", "shift-1", 70)
	require.NoError(t, err)
	assert.Nil(t, score)
	assert.Nil(t, f.db.submission(ids[0]).NormalizedScore)
}

func TestNormalizeNewSubmissionZScoreUsesUpdatedShiftStats(t *testing.T) {
	f := newIncrementalFixture(t, baselineExam("z_score"), IncrementalConfig{}, 40, 50, 60)
	ids := f.db.addScores("exam-1", "shift-1", 70)

	score, err := f.svc.NormalizeNewSubmission(context.Background(), ids[0], "exam-1", "shift-1", 70)
	require.NoError(t, err)
	require.NotNil(t, score)
	// shift after increment: mean 55, population stddev sqrt(125)
	assert.Equal(t, 73.42, *score)

	stored := f.db.submission(ids[0])
	require.NotNil(t, stored.NormalizedScore)
	assert.Equal(t, 73.42, *stored.NormalizedScore)
	assert.Equal(t, models.NormalizationStateIncremental, stored.NormalizationState)
	assert.Equal(t, 4, f.db.shift("shift-1").CandidateCount)
	assert.InDelta(t, 55.0, f.db.shift("shift-1").MeanRawScore, 1e-9)
}

func TestNormalizeNewSubmissionPercentileRanksWithinShift(t *testing.T) {
	f := newIncrementalFixture(t, baselineExam("percentile"), IncrementalConfig{}, 40, 50, 60)
	ids := f.db.addScores("exam-1", "shift-1", 70)

	score, err := f.svc.NormalizeNewSubmission(context.Background(), ids[0], "exam-1", "shift-1", 70)
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, 200.0, *score)
}

func TestNormalizeNewSubmissionUnknownShift(t *testing.T) {
	f := newIncrementalFixture(t, baselineExam("z_score"), IncrementalConfig{}, 40)
	_, err := f.svc.NormalizeNewSubmission(context.Background(), "sub", "exam-1", "missing", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestHandlePostSubmissionSchedulesBatchWhenSignificant(t *testing.T) {
	exam := baselineExam("z_score")
	exam.SubsAtLastNormalization = 3
	f := newIncrementalFixture(t, exam, IncrementalConfig{IncrementalRanks: true}, 40, 50, 60)
	require.NoError(t, f.cacheRepo.Set(context.Background(), StatusCacheKey("exam-1"), map[string]string{"stale": "yes"}, time.Minute))
	ids := f.db.addScores("exam-1", "shift-1", 70)

	result, err := f.svc.HandlePostSubmission(context.Background(), ids[0], "exam-1", "shift-1", 70)
	require.NoError(t, err)
	require.NotNil(t, result.NormalizedScore)
	assert.True(t, result.RanksRecalculated)
	assert.Equal(t, 1, result.Significance.NewCount)
	assert.True(t, result.Significance.IsSignificant)
	assert.Equal(t, []string{"exam-1"}, f.scheduler.calls)
	assert.False(t, f.cacheRepo.has(StatusCacheKey("exam-1")))

	stored := f.db.submission(ids[0])
	require.NotNil(t, stored.OverallRank)
	assert.Equal(t, 1, *stored.OverallRank)
}

func TestHandlePostSubmissionIgnoresRunningBatch(t *testing.T) {
	f := newIncrementalFixture(t, baselineExam("z_score"), IncrementalConfig{}, 40, 50, 60)
	f.scheduler.err = appErrors.ErrBatchRunning
	ids := f.db.addScores("exam-1", "shift-1", 70)

	result, err := f.svc.HandlePostSubmission(context.Background(), ids[0], "exam-1", "shift-1", 70)
	require.NoError(t, err)
	assert.True(t, result.Significance.IsSignificant)
	assert.False(t, result.RanksRecalculated)
	assert.Len(t, f.scheduler.calls, 1)
}

func TestHandlePostSubmissionBelowThresholdDoesNotSchedule(t *testing.T) {
	exam := baselineExam("z_score")
	scores := make([]float64, 0, 40)
	for i := 0; i < 40; i++ {
		scores = append(scores, float64(i))
	}
	exam.SubsAtLastNormalization = 40
	f := newIncrementalFixture(t, exam, IncrementalConfig{}, scores...)
	ids := f.db.addScores("exam-1", "shift-1", 20)

	result, err := f.svc.HandlePostSubmission(context.Background(), ids[0], "exam-1", "shift-1", 20)
	require.NoError(t, err)
	assert.False(t, result.Significance.IsSignificant)
	assert.Empty(t, f.scheduler.calls)
}

func TestNormalizeNewSubmissionCountsEachSubmissionOnce(t *testing.T) {
	f := newIncrementalFixture(t, baselineExam("z_score"), IncrementalConfig{}, 40, 50, 60)
	ids := f.db.addScores("exam-1", "shift-1", 70)

	// a recompute that lands between insert and increment already counts the row
	_, err := memShifts{f.db}.RecomputeAggregates(context.Background(), []string{"shift-1"})
	require.NoError(t, err)
	score, err := f.svc.NormalizeNewSubmission(context.Background(), ids[0], "exam-1", "shift-1", 70)
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, 73.42, *score)
	assert.Equal(t, 4, f.db.shift("shift-1").CandidateCount)

	_, err = f.svc.NormalizeNewSubmission(context.Background(), ids[0], "exam-1", "shift-1", 70)
	require.NoError(t, err)
	assert.Equal(t, 4, f.db.shift("shift-1").CandidateCount)
}

func TestHandlePostSubmissionSurfacesRankStorageErrors(t *testing.T) {
	f := newIncrementalFixture(t, baselineExam("z_score"), IncrementalConfig{IncrementalRanks: true}, 40, 50, 60)
	f.subs.scopeErr = assert.AnError
	require.NoError(t, f.cacheRepo.Set(context.Background(), StatusCacheKey("exam-1"), map[string]string{"stale": "yes"}, time.Minute))
	ids := f.db.addScores("exam-1", "shift-1", 70)

	result, err := f.svc.HandlePostSubmission(context.Background(), ids[0], "exam-1", "shift-1", 70)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, appErrors.ErrInternal)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, f.scheduler.calls)
	assert.False(t, f.cacheRepo.has(StatusCacheKey("exam-1")))
}
