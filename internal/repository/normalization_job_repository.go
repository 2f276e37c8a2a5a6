package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/exam-normalization-api/internal/models"
)

const activeJobIndex = "idx_normalization_jobs_active"

const jobColumns = `id, exam_id, type, status, total, processed, skipped, errors, error_message, cancel_requested,
created_at, started_at, finished_at`

// NormalizationJobRepository persists batch and rank job runs.
type NormalizationJobRepository struct {
	db *sqlx.DB
}

// NewNormalizationJobRepository constructs the repository.
func NewNormalizationJobRepository(db *sqlx.DB) *NormalizationJobRepository {
	return &NormalizationJobRepository{db: db}
}

// Create inserts a job row. At most one queued or processing job may exist per
// exam; a second one fails with ErrActiveJobExists.
func (r *NormalizationJobRepository) Create(ctx context.Context, job *models.NormalizationJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO normalization_jobs (id, exam_id, type, status, total, processed, skipped, errors,
error_message, cancel_requested, created_at, started_at, finished_at)
VALUES (:id, :exam_id, :type, :status, :total, :processed, :skipped, :errors,
:error_message, :cancel_requested, :created_at, :started_at, :finished_at)`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		if isUniqueViolation(err, activeJobIndex) {
			return fmt.Errorf("create normalization job: %w", ErrActiveJobExists)
		}
		return fmt.Errorf("create normalization job: %w", err)
	}
	return nil
}

// GetByID returns a job row by its identifier.
func (r *NormalizationJobRepository) GetByID(ctx context.Context, id string) (*models.NormalizationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM normalization_jobs WHERE id = $1`
	var job models.NormalizationJob
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		return nil, fmt.Errorf("get normalization job: %w", err)
	}
	return &job, nil
}

// FindActiveByExam returns the exam's queued or processing job, or nil when none exists.
func (r *NormalizationJobRepository) FindActiveByExam(ctx context.Context, examID string) (*models.NormalizationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM normalization_jobs WHERE exam_id = $1 AND status IN ($2, $3) LIMIT 1`
	var job models.NormalizationJob
	if err := r.db.GetContext(ctx, &job, query, examID, models.JobStatusQueued, models.JobStatusProcessing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active normalization job: %w", err)
	}
	return &job, nil
}

// UpdateJobParams defines the mutable fields.
type UpdateJobParams struct {
	Status       *models.JobStatus
	Total        *int
	Processed    *int
	Skipped      *int
	Errors       *models.JobErrors
	ErrorMessage *string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Update persists the provided changes for a job row.
func (r *NormalizationJobRepository) Update(ctx context.Context, id string, params UpdateJobParams) error {
	set := make([]string, 0, 8)
	args := make([]interface{}, 0, 9)
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if params.Status != nil {
		add("status", *params.Status)
	}
	if params.Total != nil {
		add("total", *params.Total)
	}
	if params.Processed != nil {
		add("processed", *params.Processed)
	}
	if params.Skipped != nil {
		add("skipped", *params.Skipped)
	}
	if params.Errors != nil {
		add("errors", *params.Errors)
	}
	if params.ErrorMessage != nil {
		add("error_message", *params.ErrorMessage)
	}
	if params.StartedAt != nil {
		add("started_at", *params.StartedAt)
	}
	if params.FinishedAt != nil {
		add("finished_at", *params.FinishedAt)
	}

	if len(set) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE normalization_jobs SET %s WHERE id = $%d", strings.Join(set, ", "), len(args))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update normalization job: %w", err)
	}
	return nil
}

// RequestCancel flags an active job for cancellation. It reports false when
// the job is no longer active.
func (r *NormalizationJobRepository) RequestCancel(ctx context.Context, id string) (bool, error) {
	const query = `UPDATE normalization_jobs SET cancel_requested = TRUE WHERE id = $1 AND status IN ($2, $3)`
	res, err := r.db.ExecContext(ctx, query, id, models.JobStatusQueued, models.JobStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("request job cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request job cancel rows: %w", err)
	}
	return affected > 0, nil
}

// IsCancelRequested reports whether cancellation was requested for the job.
func (r *NormalizationJobRepository) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	if err := r.db.GetContext(ctx, &requested, `SELECT cancel_requested FROM normalization_jobs WHERE id = $1`, id); err != nil {
		return false, fmt.Errorf("check job cancel: %w", err)
	}
	return requested, nil
}

// ListByStatus fetches jobs in the given status, oldest first (used for cold start recovery).
func (r *NormalizationJobRepository) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.NormalizationJob, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + jobColumns + ` FROM normalization_jobs WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	var jobs []models.NormalizationJob
	if err := r.db.SelectContext(ctx, &jobs, query, status, limit); err != nil {
		return nil, fmt.Errorf("list normalization jobs: %w", err)
	}
	return jobs, nil
}
