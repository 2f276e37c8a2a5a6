package models

import (
	"time"

	"github.com/noah-isme/exam-normalization-api/internal/normalization"
)

// Shift is one sitting (date + session) of an exam with cached raw-score aggregates.
type Shift struct {
	ID             string     `db:"id" json:"id"`
	ExamID         string     `db:"exam_id" json:"examId"`
	ShiftDate      time.Time  `db:"shift_date" json:"shiftDate"`
	Session        string     `db:"session" json:"session"`
	CandidateCount int        `db:"candidate_count" json:"candidateCount"`
	ScoreSum       float64    `db:"score_sum" json:"-"`
	ScoreSumSq     float64    `db:"score_sum_sq" json:"-"`
	MeanRawScore   float64    `db:"mean_raw_score" json:"meanRawScore"`
	StdDevRawScore float64    `db:"std_dev_raw_score" json:"stdDevRawScore"`
	MinRawScore    float64    `db:"min_raw_score" json:"minRawScore"`
	MaxRawScore    float64    `db:"max_raw_score" json:"maxRawScore"`
	StatsUpdatedAt *time.Time `db:"stats_updated_at" json:"statsUpdatedAt,omitempty"`
}

// Summary exposes the cached aggregate.
func (s *Shift) Summary() normalization.Summary {
	return normalization.Summary{Count: s.CandidateCount, Mean: s.MeanRawScore, StdDev: s.StdDevRawScore, Min: s.MinRawScore, Max: s.MaxRawScore}
}

// ShiftAggregate is a freshly computed aggregate for one shift.
type ShiftAggregate struct {
	ShiftID string  `db:"shift_id"`
	Count   int     `db:"count"`
	Sum     float64 `db:"sum"`
	SumSq   float64 `db:"sum_sq"`
	Mean    float64 `db:"mean"`
	StdDev  float64 `db:"std_dev"`
	Min     float64 `db:"min"`
	Max     float64 `db:"max"`
}

// Summary converts the aggregate to a Summary.
func (a ShiftAggregate) Summary() normalization.Summary {
	return normalization.Summary{Count: a.Count, Mean: a.Mean, StdDev: a.StdDev, Min: a.Min, Max: a.Max}
}
