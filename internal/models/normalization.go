package models

import (
	"time"

	"github.com/noah-isme/exam-normalization-api/internal/normalization"
)

// SignificanceReport describes drift since the last full normalization.
type SignificanceReport struct {
	ExamID           string  `json:"examId"`
	TotalSubmissions int     `json:"totalSubmissions"`
	NewCount         int     `json:"newCount"`
	PercentNew       float64 `json:"percentNew"`
	Threshold        float64 `json:"threshold"`
	IsSignificant    bool    `json:"isSignificant"`
}

// BatchResult summarises a batch normalization run.
type BatchResult struct {
	ExamsProcessed   int           `json:"examsProcessed"`
	TotalSubmissions int           `json:"totalSubmissions"`
	Normalized       int           `json:"normalized"`
	Skipped          int           `json:"skipped"`
	Duration         time.Duration `json:"duration"`
	Errors           []JobError    `json:"errors"`
	Cancelled        bool          `json:"cancelled"`
}

// PostSubmissionResult is returned to the intake layer after each new submission.
type PostSubmissionResult struct {
	NormalizedScore   *float64           `json:"normalizedScore"`
	RanksRecalculated bool               `json:"ranksRecalculated"`
	Significance      SignificanceReport `json:"significance"`
}

// NormalizationStatus backs the admin status view for one exam.
type NormalizationStatus struct {
	ExamID           string                 `json:"examId"`
	Method           string                 `json:"method"`
	EffectiveMethod  string                 `json:"effectiveMethod"`
	Enabled          bool                   `json:"enabled"`
	LastNormalizedAt *time.Time             `json:"lastNormalizedAt,omitempty"`
	LastRankedAt     *time.Time             `json:"lastRankedAt,omitempty"`
	RanksStale       bool                   `json:"ranksStale"`
	Significance     SignificanceReport     `json:"significance"`
	ActiveJob        *NormalizationJob      `json:"activeJob,omitempty"`
	// Global is the raw-score aggregate cached by the last batch run.
	Global           normalization.Summary  `json:"global"`
	Normalized       *normalization.Summary `json:"normalized,omitempty"`
	Shifts           []Shift                `json:"shifts,omitempty"`
}
