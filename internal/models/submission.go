package models

import (
	"database/sql/driver"
	"time"
)

// Category is the reservation category a candidate applied under.
type Category string

const (
	CategoryUR  Category = "UR"
	CategoryOBC Category = "OBC"
	CategorySC  Category = "SC"
	CategoryST  Category = "ST"
	CategoryEWS Category = "EWS"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryUR, CategoryOBC, CategorySC, CategoryST, CategoryEWS:
		return true
	default:
		return false
	}
}

// NormalizationState tracks how a submission's normalized score was produced.
type NormalizationState string

const (
	NormalizationStateRawOnly     NormalizationState = "RAW_ONLY"
	NormalizationStateIncremental NormalizationState = "INCREMENTALLY_NORMALIZED"
	NormalizationStateFull        NormalizationState = "FULLY_NORMALIZED"
)

// SubmissionStatus is the processing status of a stored response sheet.
type SubmissionStatus string

const (
	SubmissionStatusProcessed SubmissionStatus = "PROCESSED"
	SubmissionStatusCorrected SubmissionStatus = "CORRECTED"
)

// Submission is one candidate's result for an exam shift.
type Submission struct {
	ID                 string             `db:"id" json:"id"`
	ExamID             string             `db:"exam_id" json:"examId"`
	ShiftID            string             `db:"shift_id" json:"shiftId"`
	RollNumber         string             `db:"roll_number" json:"rollNumber"`
	CandidateName      string             `db:"candidate_name" json:"candidateName"`
	Category           Category           `db:"category" json:"category"`
	State              *string            `db:"state" json:"state,omitempty"`
	RawScore           float64            `db:"raw_score" json:"rawScore"`
	CorrectCount       int                `db:"correct_count" json:"correctCount"`
	WrongCount         int                `db:"wrong_count" json:"wrongCount"`
	UnattemptedCount   int                `db:"unattempted_count" json:"unattemptedCount"`
	SectionScores      SectionScores      `db:"section_scores" json:"sectionScores"`
	NormalizedScore    *float64           `db:"normalized_score" json:"normalizedScore,omitempty"`
	OverallRank        *int               `db:"overall_rank" json:"overallRank,omitempty"`
	CategoryRank       *int               `db:"category_rank" json:"categoryRank,omitempty"`
	ShiftRank          *int               `db:"shift_rank" json:"shiftRank,omitempty"`
	StateRank          *int               `db:"state_rank" json:"stateRank,omitempty"`
	OverallPercentile  *float64           `db:"overall_percentile" json:"overallPercentile,omitempty"`
	CategoryPercentile *float64           `db:"category_percentile" json:"categoryPercentile,omitempty"`
	ShiftPercentile    *float64           `db:"shift_percentile" json:"shiftPercentile,omitempty"`
	NormalizationState NormalizationState `db:"normalization_state" json:"normalizationState"`
	Status             SubmissionStatus   `db:"status" json:"status"`
	CreatedAt          time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time          `db:"updated_at" json:"updatedAt"`
}

// RankingScore is the score ranks are ordered by: normalized when present, raw otherwise.
func (s *Submission) RankingScore() float64 {
	if s.NormalizedScore != nil {
		return *s.NormalizedScore
	}
	return s.RawScore
}

// SectionScores maps a section name to its marks.
type SectionScores map[string]float64

// Value marshals the section breakdown to JSON.
func (s SectionScores) Value() (driver.Value, error) {
	if s == nil {
		s = SectionScores{}
	}
	return valueJSON(map[string]float64(s), "section scores")
}

// Scan unmarshals the JSONB section breakdown.
func (s *SectionScores) Scan(value interface{}) error {
	*s = SectionScores{}
	return scanJSON(value, (*map[string]float64)(s), "section scores")
}

// ScoreRow is the slim projection streamed during batch normalization.
type ScoreRow struct {
	ID       string  `db:"id"`
	ShiftID  string  `db:"shift_id"`
	RawScore float64 `db:"raw_score"`
}

// NormalizedUpdate is one normalized score to persist.
type NormalizedUpdate struct {
	SubmissionID    string
	NormalizedScore float64
}

// RankPosition holds a submission's ranks and percentiles in every scope.
type RankPosition struct {
	OverallRank        int     `db:"overall_rank" json:"overallRank"`
	CategoryRank       int     `db:"category_rank" json:"categoryRank"`
	ShiftRank          int     `db:"shift_rank" json:"shiftRank"`
	StateRank          *int    `db:"state_rank" json:"stateRank,omitempty"`
	OverallPercentile  float64 `db:"overall_percentile" json:"overallPercentile"`
	CategoryPercentile float64 `db:"category_percentile" json:"categoryPercentile"`
	ShiftPercentile    float64 `db:"shift_percentile" json:"shiftPercentile"`
}

// ScopeCounts feeds the count-based rank formula for one submission:
// rank = count(strictly greater) + 1 within each scope.
type ScopeCounts struct {
	OverallAbove  int `db:"overall_above"`
	OverallTotal  int `db:"overall_total"`
	CategoryAbove int `db:"category_above"`
	CategoryTotal int `db:"category_total"`
	ShiftAbove    int `db:"shift_above"`
	ShiftTotal    int `db:"shift_total"`
	StateAbove    int `db:"state_above"`
	StateTotal    int `db:"state_total"`
}

// SubmissionFilter scopes ranked listings.
type SubmissionFilter struct {
	ExamID   string
	ShiftID  string
	Category Category
	State    string
	Page     int
	PageSize int
}

// Pagination contains pagination metadata for list endpoints.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
