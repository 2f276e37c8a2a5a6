package models

import (
	"database/sql/driver"
	"time"

	"github.com/noah-isme/exam-normalization-api/internal/normalization"
)

// ExamStatus captures whether an exam still accepts submissions.
type ExamStatus string

const (
	ExamStatusActive   ExamStatus = "ACTIVE"
	ExamStatusArchived ExamStatus = "ARCHIVED"
)

// Exam is one test instance whose shifts are normalized onto a common scale.
type Exam struct {
	ID                      string          `db:"id" json:"id"`
	Name                    string          `db:"name" json:"name"`
	TotalMarks              float64         `db:"total_marks" json:"totalMarks"`
	PositiveMarks           float64         `db:"positive_marks" json:"positiveMarks"`
	NegativeMarks           float64         `db:"negative_marks" json:"negativeMarks"`
	NormalizationMethod     string          `db:"normalization_method" json:"normalizationMethod"`
	NormalizationConfig     JSONDocument    `db:"normalization_config" json:"normalizationConfig"`
	NormalizationEnabled    bool            `db:"normalization_enabled" json:"normalizationEnabled"`
	ReNormThreshold         float64         `db:"re_norm_threshold" json:"reNormThreshold"`
	LastNormalizedAt        *time.Time      `db:"last_normalized_at" json:"lastNormalizedAt,omitempty"`
	LastRankedAt            *time.Time      `db:"last_ranked_at" json:"lastRankedAt,omitempty"`
	SubsAtLastNormalization int             `db:"subs_at_last_normalization" json:"subsAtLastNormalization"`
	TotalSubmissions        int             `db:"total_submissions" json:"totalSubmissions"`
	GlobalCount             int             `db:"global_count" json:"globalCount"`
	GlobalMean              float64         `db:"global_mean" json:"globalMean"`
	GlobalStdDev            float64         `db:"global_std_dev" json:"globalStdDev"`
	GlobalMin               float64         `db:"global_min" json:"globalMin"`
	GlobalMax               float64         `db:"global_max" json:"globalMax"`
	PercentileTable         PercentileTable `db:"percentile_table" json:"percentileTable,omitempty"`
	Status                  ExamStatus      `db:"status" json:"status"`
	CreatedAt               time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt               time.Time       `db:"updated_at" json:"updatedAt"`
}

// HasBaseline reports whether a full batch normalization has completed.
func (e *Exam) HasBaseline() bool {
	return e != nil && e.LastNormalizedAt != nil
}

// Config parses the method-specific normalization settings.
func (e *Exam) Config() normalization.Config {
	return normalization.ParseConfig(e.NormalizationConfig)
}

// GlobalSummary exposes the cached global aggregate.
func (e *Exam) GlobalSummary() normalization.Summary {
	return normalization.Summary{Count: e.GlobalCount, Mean: e.GlobalMean, StdDev: e.GlobalStdDev, Min: e.GlobalMin, Max: e.GlobalMax}
}

// PercentileTable is the global percentile -> score table used by equating.
type PercentileTable []normalization.PercentilePoint

// Value marshals the table to JSON.
func (t PercentileTable) Value() (driver.Value, error) {
	if t == nil {
		t = PercentileTable{}
	}
	return valueJSON([]normalization.PercentilePoint(t), "percentile table")
}

// Scan unmarshals the JSONB table.
func (t *PercentileTable) Scan(value interface{}) error {
	*t = nil
	return scanJSON(value, (*[]normalization.PercentilePoint)(t), "percentile table")
}

// ExamStatsUpdate is the global aggregate written by a batch pass.
type ExamStatsUpdate struct {
	Summary         normalization.Summary
	PercentileTable PercentileTable
}

// NormalizationSettings is the admin-editable part of an exam.
type NormalizationSettings struct {
	Method          string
	Config          JSONDocument
	Enabled         bool
	ReNormThreshold float64
}
