package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/exam-normalization-api/internal/models"
	appErrors "github.com/noah-isme/exam-normalization-api/pkg/errors"
)

type stubActiveJobs struct {
	job   *models.NormalizationJob
	calls int
}

func (s *stubActiveJobs) ActiveJob(context.Context, string) (*models.NormalizationJob, error) {
	s.calls++
	return s.job, nil
}

func newStatusFixture(exam models.Exam, jobs *stubActiveJobs) (*memDB, *memCacheRepo, *StatusService) {
	db := newMemDB()
	db.addExam(exam)
	cacheRepo := &memCacheRepo{}
	cache := NewCacheService(cacheRepo, nil, time.Minute, zap.NewNop(), true)
	drift := NewSignificanceService(memExams{db}, DefaultReNormThreshold, nil, nil)
	var finder activeJobFinder
	if jobs != nil {
		finder = jobs
	}
	svc := NewStatusService(memExams{db}, finder, NewStatisticsService(memShifts{db}, memExams{db}, &memSubmissions{db: db}, nil), drift, nil, cache, nil, nil, StatusConfig{CacheTTL: time.Minute, RankStalenessWindow: 15 * time.Minute})
	return db, cacheRepo, svc
}

func TestStatusReportsStaleRanks(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rankedAt := now.Add(-time.Hour)
	exam := models.Exam{ID: "exam-1", NormalizationMethod: "Percentile", TotalSubmissions: 120, SubsAtLastNormalization: 100, LastRankedAt: &rankedAt}
	jobs := &stubActiveJobs{job: &models.NormalizationJob{ID: "job-1", Status: models.JobStatusQueued}}
	_, cacheRepo, svc := newStatusFixture(exam, jobs)
	svc.now = func() time.Time { return now }

	status, hit, err := svc.Status(context.Background(), "exam-1")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, status.RanksStale)
	assert.Equal(t, "percentile", status.EffectiveMethod)
	assert.Equal(t, 20, status.Significance.NewCount)
	require.NotNil(t, status.ActiveJob)
	assert.Equal(t, "job-1", status.ActiveJob.ID)
	assert.True(t, cacheRepo.has(StatusCacheKey("exam-1")))

	cached, hit, err := svc.Status(context.Background(), "exam-1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 1, jobs.calls)
	assert.Equal(t, status.RanksStale, cached.RanksStale)
}

func TestStatusRanksFreshWithinWindow(t *testing.T) {
	now := time.Now()
	rankedAt := now.Add(-time.Minute)
	exam := models.Exam{ID: "exam-1", NormalizationMethod: "unknown", TotalSubmissions: 120, SubsAtLastNormalization: 100, LastRankedAt: &rankedAt}
	_, _, svc := newStatusFixture(exam, &stubActiveJobs{})
	svc.now = func() time.Time { return now }

	status, _, err := svc.Status(context.Background(), "exam-1")
	require.NoError(t, err)
	assert.False(t, status.RanksStale)
	assert.Equal(t, "z_score", status.EffectiveMethod)
	assert.Nil(t, status.ActiveJob)
}

func TestStatusNeverRankedIsStale(t *testing.T) {
	_, _, svc := newStatusFixture(models.Exam{ID: "exam-1", TotalSubmissions: 1}, nil)
	status, _, err := svc.Status(context.Background(), "exam-1")
	require.NoError(t, err)
	assert.True(t, status.RanksStale)
}

func TestStatusIncludesShiftAndScoreSummaries(t *testing.T) {
	normalizedAt := time.Now().Add(-time.Hour)
	exam := models.Exam{ID: "exam-1", LastNormalizedAt: &normalizedAt, GlobalCount: 3, GlobalMean: 20, GlobalStdDev: 8, GlobalMin: 10, GlobalMax: 30}
	db, _, svc := newStatusFixture(exam, nil)
	db.addShift("shift-1", "exam-1")
	ids := db.addScores("exam-1", "shift-1", 10, 20, 30)
	ctx := context.Background()
	_, err := memShifts{db}.RecomputeAggregates(ctx, []string{"shift-1"})
	require.NoError(t, err)
	subs := &memSubmissions{db: db}
	require.NoError(t, subs.SetNormalizedScore(ctx, ids[0], 40, models.NormalizationStateFull))
	require.NoError(t, subs.SetNormalizedScore(ctx, ids[1], 60, models.NormalizationStateFull))

	status, _, err := svc.Status(ctx, "exam-1")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Global.Count)
	assert.Equal(t, 20.0, status.Global.Mean)
	require.Len(t, status.Shifts, 1)
	assert.Equal(t, 3, status.Shifts[0].CandidateCount)
	require.NotNil(t, status.Normalized)
	assert.Equal(t, 2, status.Normalized.Count)
	assert.Equal(t, 50.0, status.Normalized.Mean)
}

func TestStatusOmitsNormalizedSummaryWithoutBaseline(t *testing.T) {
	_, _, svc := newStatusFixture(models.Exam{ID: "exam-1"}, nil)
	status, _, err := svc.Status(context.Background(), "exam-1")
	require.NoError(t, err)
	assert.Nil(t, status.Normalized)
	assert.Empty(t, status.Shifts)
}

func TestUpdateSettings(t *testing.T) {
	db, cacheRepo, svc := newStatusFixture(models.Exam{ID: "exam-1", NormalizationEnabled: true, ReNormThreshold: 5}, nil)
	ctx := context.Background()
	require.NoError(t, cacheRepo.Set(ctx, StatusCacheKey("exam-1"), "stale", time.Minute))

	threshold := 7.5
	disabled := false
	exam, err := svc.UpdateSettings(ctx, "exam-1", UpdateSettingsRequest{
		Method:          "my_custom_curve",
		Config:          json.RawMessage(`{"targetMean": 60}`),
		Enabled:         &disabled,
		ReNormThreshold: &threshold,
	})
	require.NoError(t, err)
	assert.Equal(t, "my_custom_curve", exam.NormalizationMethod)
	assert.False(t, exam.NormalizationEnabled)
	stored := db.exam("exam-1")
	assert.Equal(t, 7.5, stored.ReNormThreshold)
	assert.JSONEq(t, `{"targetMean": 60}`, string(stored.NormalizationConfig))
	assert.False(t, cacheRepo.has(StatusCacheKey("exam-1")))

	tooHigh := 150.0
	_, err = svc.UpdateSettings(ctx, "exam-1", UpdateSettingsRequest{Method: "z_score", ReNormThreshold: &tooHigh})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	_, err = svc.UpdateSettings(ctx, "exam-1", UpdateSettingsRequest{})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	_, err = svc.UpdateSettings(ctx, "exam-1", UpdateSettingsRequest{Method: "z_score", Config: json.RawMessage(`{bad`)})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	_, err = svc.UpdateSettings(ctx, "missing", UpdateSettingsRequest{Method: "z_score"})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}
