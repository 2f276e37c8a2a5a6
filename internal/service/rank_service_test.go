package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/exam-normalization-api/internal/models"
	appErrors "github.com/noah-isme/exam-normalization-api/pkg/errors"
)

func TestPositionFromCountsSharesRankForTies(t *testing.T) {
	// Scores [100, 100, 90]: the 90 has two strictly greater scores.
	tied := PositionFromCounts(models.ScopeCounts{OverallAbove: 0, OverallTotal: 3, CategoryTotal: 3, ShiftTotal: 3})
	next := PositionFromCounts(models.ScopeCounts{OverallAbove: 2, OverallTotal: 3, CategoryAbove: 2, CategoryTotal: 3, ShiftAbove: 2, ShiftTotal: 3})

	assert.Equal(t, 1, tied.OverallRank)
	assert.Equal(t, 100.0, tied.OverallPercentile)
	assert.Nil(t, tied.StateRank)
	assert.Equal(t, 3, next.OverallRank)
	assert.Equal(t, 3, next.CategoryRank)
	assert.Equal(t, 33.33, next.OverallPercentile)
}

func TestPositionFromCountsStateScope(t *testing.T) {
	pos := PositionFromCounts(models.ScopeCounts{OverallTotal: 10, OverallAbove: 4, StateTotal: 3, StateAbove: 1})
	require.NotNil(t, pos.StateRank)
	assert.Equal(t, 2, *pos.StateRank)
	assert.Equal(t, 5, pos.OverallRank)
	assert.Equal(t, 60.0, pos.OverallPercentile)
}

func TestRunRankCalculationIsRepeatable(t *testing.T) {
	db := newMemDB()
	db.addExam(models.Exam{ID: "exam-1"})
	db.addShift("shift-1", "exam-1")
	ids := db.addScores("exam-1", "shift-1", 100, 100, 90, 75)
	svc := NewRankService(&memSubmissions{db: db}, memExams{db}, NewMetricsService(), nil)

	ranked, err := svc.RunRankCalculation(context.Background(), "exam-1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, ranked)

	first := make([]int, 0, len(ids))
	for _, id := range ids {
		first = append(first, *db.submission(id).OverallRank)
	}
	assert.Equal(t, []int{1, 1, 3, 4}, first)
	assert.NotNil(t, db.exam("exam-1").LastRankedAt)

	_, err = svc.RunRankCalculation(context.Background(), "exam-1")
	require.NoError(t, err)
	for i, id := range ids {
		assert.Equal(t, first[i], *db.submission(id).OverallRank)
	}
}

func TestUpdateScopedRanksMissingSubmission(t *testing.T) {
	db := newMemDB()
	svc := NewRankService(&memSubmissions{db: db}, memExams{db}, nil, nil)
	_, err := svc.UpdateScopedRanks(context.Background(), "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestRankListValidatesFilter(t *testing.T) {
	db := newMemDB()
	db.addExam(models.Exam{ID: "exam-1"})
	db.addShift("shift-1", "exam-1")
	db.addScores("exam-1", "shift-1", 10, 20)
	svc := NewRankService(&memSubmissions{db: db}, memExams{db}, nil, nil)

	_, _, err := svc.List(context.Background(), models.SubmissionFilter{})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	_, _, err = svc.List(context.Background(), models.SubmissionFilter{ExamID: "exam-1", Category: "XYZ"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	subs, page, err := svc.List(context.Background(), models.SubmissionFilter{ExamID: "exam-1", PageSize: 1000})
	require.NoError(t, err)
	assert.Len(t, subs, 2)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 50, page.PageSize)
	assert.Equal(t, 2, page.TotalCount)
}
