package models

import (
	"database/sql/driver"
	"time"
)

// JobType enumerates normalization job kinds.
type JobType string

const (
	JobTypeBatch JobType = "BATCH"
	JobTypeRank  JobType = "RANK"
)

// JobStatus captures job-run lifecycle states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusFinished   JobStatus = "FINISHED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// Active reports whether the job still holds the per-exam run marker.
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusProcessing
}

// NormalizationJob is the persisted job-run record for a batch or rank pass.
type NormalizationJob struct {
	ID              string     `db:"id" json:"id"`
	ExamID          string     `db:"exam_id" json:"examId"`
	Type            JobType    `db:"type" json:"type"`
	Status          JobStatus  `db:"status" json:"status"`
	Total           int        `db:"total" json:"total"`
	Processed       int        `db:"processed" json:"processed"`
	Skipped         int        `db:"skipped" json:"skipped"`
	Errors          JobErrors  `db:"errors" json:"errors"`
	ErrorMessage    *string    `db:"error_message" json:"errorMessage,omitempty"`
	CancelRequested bool       `db:"cancel_requested" json:"cancelRequested"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	StartedAt       *time.Time `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt      *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
}

// JobError records one submission skipped during a batch pass.
type JobError struct {
	SubmissionID string `json:"submissionId"`
	Message      string `json:"message"`
}

// JobErrors is persisted as a JSONB array.
type JobErrors []JobError

// Value marshals the error list.
func (e JobErrors) Value() (driver.Value, error) {
	if e == nil {
		e = JobErrors{}
	}
	return valueJSON([]JobError(e), "job errors")
}

// Scan unmarshals the JSONB error list.
func (e *JobErrors) Scan(value interface{}) error {
	*e = nil
	return scanJSON(value, (*[]JobError)(e), "job errors")
}
